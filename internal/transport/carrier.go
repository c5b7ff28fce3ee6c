// =============================================================================
// 文件: internal/transport/carrier.go
// 描述: 承载连接 - 为链路模拟器提供点对点可靠字节流 (TCP / WebSocket)
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"net"
)

// 承载类型
const (
	CarrierTCP       = "tcp"
	CarrierWebSocket = "websocket"

	DefaultWebSocketPath = "/swrdt"
)

// DialCarrier 主动连接对端
func DialCarrier(ctx context.Context, kind, addr, path string) (net.Conn, error) {
	switch kind {
	case "", CarrierTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("连接 %s 失败: %w", addr, err)
		}
		return conn, nil
	case CarrierWebSocket:
		return dialWebSocket(ctx, addr, path)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCarrier, kind)
}

// AcceptCarrier 监听 addr 并接受唯一一个连接，随后关闭监听
func AcceptCarrier(ctx context.Context, kind, addr, path string) (net.Conn, error) {
	switch kind {
	case "", CarrierTCP:
		return acceptTCP(ctx, addr)
	case CarrierWebSocket:
		return acceptWebSocket(ctx, addr, path)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCarrier, kind)
}

func acceptTCP(ctx context.Context, addr string) (net.Conn, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("监听 %s 失败: %w", addr, err)
	}
	return acceptOne(ctx, ln)
}

// acceptOne 在 ctx 取消时关闭监听以解除 Accept 阻塞
func acceptOne(ctx context.Context, ln net.Listener) (net.Conn, error) {
	defer ln.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("接受连接失败: %w", err)
	}
	return conn, nil
}
