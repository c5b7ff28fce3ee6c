// =============================================================================
// 文件: internal/transport/common.go
// 描述: 传输层通用定义 - 错误、日志、完整写入
// =============================================================================
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// =============================================================================
// 常量
// =============================================================================

const (
	WriteTimeout = 30 * time.Second
	readChunk    = 32 * 1024
)

// 日志级别
const (
	logLevelError = 0
	logLevelInfo  = 1
	logLevelDebug = 2
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	// ErrTransportFatal 底层连接不可用 (写入 0 字节、写超时、读错误)
	ErrTransportFatal = errors.New("传输层致命错误")
	// ErrLinkClosed 对端关闭或本地已断开
	ErrLinkClosed = errors.New("链路已关闭")
	// ErrSessionAborted 发送被取消，会话不能继续发送
	ErrSessionAborted = errors.New("会话发送已中止")
	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("会话已关闭")
	// ErrUnknownCarrier 不支持的承载类型
	ErrUnknownCarrier = errors.New("不支持的承载类型")
	// ErrReservedPayload 负载与 ACK 标记相同
	ErrReservedPayload = errors.New("负载与 ACK 标记冲突")
)

// =============================================================================
// 日志
// =============================================================================

func parseLogLevel(level string) int {
	switch level {
	case "debug":
		return logLevelDebug
	case "error":
		return logLevelError
	}
	return logLevelInfo
}

func logf(current, level int, component, format string, args ...interface{}) {
	if level > current {
		return
	}
	prefix := map[int]string{logLevelError: "[ERROR]", logLevelInfo: "[INFO]", logLevelDebug: "[DEBUG]"}[level]
	fmt.Printf("%s %s [%s] %s\n", prefix, time.Now().Format("15:04:05"), component, fmt.Sprintf(format, args...))
}

// =============================================================================
// 辅助函数
// =============================================================================

// writeFull 写出全部字节，写入 0 字节视为连接断开
func writeFull(conn net.Conn, data []byte, timeout time.Duration) error {
	if timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransportFatal, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: 连接已断开 (写入 0 字节)", ErrTransportFatal)
		}
		total += n
	}
	return nil
}

// isTimeout 读超时 (轮询间隔到期)
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
