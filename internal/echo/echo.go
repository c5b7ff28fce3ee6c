// =============================================================================
// 文件: internal/echo/echo.go
// 描述: 回显应用 - sender 逐条发送并等待回显，receiver 回显新消息直到 END 或空闲超时
// =============================================================================
package echo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mrcgq/swrdt/internal/config"
	"github.com/mrcgq/swrdt/internal/transport"
)

// DefaultPollInterval 应用层轮询间隔
const DefaultPollInterval = 50 * time.Millisecond

// 接收方退出原因
const (
	ExitEnd    = "end"
	ExitIdle   = "idle"
	ExitClosed = "closed"
)

// Options 应用层参数
type Options struct {
	EndSentinel  string
	EchoTimeout  time.Duration
	IdleTimeout  time.Duration
	Linger       time.Duration
	PollInterval time.Duration

	// Out 应用层输出，默认 os.Stdout
	Out io.Writer
}

// OptionsFromConfig 从配置构建应用参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		EndSentinel:  cfg.App.EndSentinel,
		EchoTimeout:  time.Duration(cfg.App.EchoTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.App.IdleTimeoutSec) * time.Second,
		Linger:       time.Duration(cfg.App.LingerMs) * time.Millisecond,
		PollInterval: DefaultPollInterval,
	}
}

func (o *Options) normalize() {
	if o.EndSentinel == "" {
		o.EndSentinel = "END"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
}

// SenderResult sender 运行结果
type SenderResult struct {
	Sent     int
	Echoed   int
	Missed   int
	EndAcked bool
}

// ReceiverResult receiver 运行结果
type ReceiverResult struct {
	Received          int
	Echoed            int
	DuplicatesIgnored int
	Reason            string
}

// =============================================================================
// Sender
// =============================================================================

// RunSender 逐条发送消息并在 EchoTimeout 内等待回显，最后发送结束标记
//
// 结束标记的发送受 Linger 限制；对端在确认 END 后关闭连接视为正常结束。
func RunSender(ctx context.Context, s *transport.Session, msgs []string, opts Options) (*SenderResult, error) {
	opts.normalize()
	res := &SenderResult{}

	for _, msg := range msgs {
		fmt.Fprintf(opts.Out, "发送消息: %s\n", msg)
		if err := s.Send(ctx, []byte(msg)); err != nil {
			return res, fmt.Errorf("发送 %q 失败: %w", msg, err)
		}
		res.Sent++

		reply, err := waitEcho(ctx, s, opts)
		if err != nil {
			return res, err
		}
		if reply == nil {
			res.Missed++
			fmt.Fprintf(opts.Out, "未收到回显 (等待 %v 超时)\n\n", opts.EchoTimeout)
			continue
		}
		res.Echoed++
		fmt.Fprintf(opts.Out, "收到回显: %s\n\n", reply)
	}

	endCtx := ctx
	if opts.Linger > 0 {
		var cancel context.CancelFunc
		endCtx, cancel = context.WithTimeout(ctx, opts.Linger)
		defer cancel()
	}

	err := s.Send(endCtx, []byte(opts.EndSentinel))
	switch {
	case err == nil:
		res.EndAcked = true
	case errors.Is(err, transport.ErrLinkClosed):
		// 对端收到 END 后已关闭
		res.EndAcked = true
	case errors.Is(err, transport.ErrSessionAborted) && ctx.Err() == nil:
		fmt.Fprintf(opts.Out, "结束标记未在 %v 内确认\n", opts.Linger)
	default:
		return res, fmt.Errorf("发送结束标记失败: %w", err)
	}
	return res, nil
}

// waitEcho 在 EchoTimeout 内轮询回显，超时返回 nil
func waitEcho(ctx context.Context, s *transport.Session, opts Options) ([]byte, error) {
	deadline := time.Now().Add(opts.EchoTimeout)
	for {
		reply, ok, err := s.Receive()
		if err != nil {
			return nil, fmt.Errorf("等待回显失败: %w", err)
		}
		if ok {
			return reply, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.PollInterval):
		}
	}
}

// =============================================================================
// Receiver
// =============================================================================

// RunReceiver 回显与上一条不同的消息
//
// 收到结束标记后继续轮询 Linger 时长，以便重新确认被重传的 END；
// IdleTimeout 内没有新消息则退出。
func RunReceiver(ctx context.Context, s *transport.Session, opts Options) (*ReceiverResult, error) {
	opts.normalize()
	res := &ReceiverResult{}

	var last []byte
	lastData := time.Now()

	for {
		msg, ok, err := s.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrLinkClosed) {
				res.Reason = ExitClosed
				return res, nil
			}
			return res, err
		}

		if !ok {
			if opts.IdleTimeout > 0 && time.Since(lastData) > opts.IdleTimeout {
				fmt.Fprintf(opts.Out, "%v 内没有新消息，退出\n", opts.IdleTimeout)
				res.Reason = ExitIdle
				return res, nil
			}
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(opts.PollInterval):
			}
			continue
		}

		res.Received++
		if string(msg) == opts.EndSentinel {
			fmt.Fprintln(opts.Out, "收到结束标记，退出")
			res.Reason = ExitEnd
			return res, linger(ctx, s, opts)
		}
		lastData = time.Now()

		if last != nil && bytes.Equal(msg, last) {
			res.DuplicatesIgnored++
			fmt.Fprintf(opts.Out, "忽略重复消息: %s\n\n", msg)
			continue
		}

		fmt.Fprintf(opts.Out, "回显: %s\n\n", msg)
		if err := s.Send(ctx, msg); err != nil {
			if errors.Is(err, transport.ErrLinkClosed) {
				res.Reason = ExitClosed
				return res, nil
			}
			return res, fmt.Errorf("回显失败: %w", err)
		}
		res.Echoed++
		last = msg
	}
}

// linger 在收尾窗口内继续处理入站帧，丢弃其中的消息
func linger(ctx context.Context, s *transport.Session, opts Options) error {
	deadline := time.Now().Add(opts.Linger)
	for time.Now().Before(deadline) {
		if _, _, err := s.Receive(); err != nil {
			if errors.Is(err, transport.ErrLinkClosed) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.PollInterval):
		}
	}
	return nil
}
