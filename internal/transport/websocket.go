// =============================================================================
// 文件: internal/transport/websocket.go
// 描述: WebSocket 承载 - 把消息流桥接为 net.Conn 字节流
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsBufferSize       = 32 * 1024
	wsHandshakeTimeout = 10 * time.Second
)

// =============================================================================
// 服务端
// =============================================================================

// wsAcceptor 只接受一个 WebSocket 连接的服务端
type wsAcceptor struct {
	upgrader websocket.Upgrader
	connCh   chan *websocket.Conn
	taken    int32
}

func acceptWebSocket(ctx context.Context, addr, path string) (net.Conn, error) {
	if path == "" {
		path = DefaultWebSocketPath
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("监听 %s 失败: %w", addr, err)
	}

	a := &wsAcceptor{
		connCh: make(chan *websocket.Conn, 1),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsBufferSize,
			WriteBufferSize: wsBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, a.handle)
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: wsHandshakeTimeout,
	}
	go httpServer.Serve(ln)

	select {
	case ws := <-a.connCh:
		// 已劫持的连接不受 Close 影响
		httpServer.Close()
		return newWSStreamConn(ws), nil
	case <-ctx.Done():
		httpServer.Close()
		select {
		case ws := <-a.connCh:
			ws.Close()
		default:
		}
		return nil, ctx.Err()
	}
}

func (a *wsAcceptor) handle(w http.ResponseWriter, r *http.Request) {
	if !atomic.CompareAndSwapInt32(&a.taken, 0, 1) {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		atomic.StoreInt32(&a.taken, 0)
		return
	}
	a.connCh <- ws
}

// =============================================================================
// 客户端
// =============================================================================

func dialWebSocket(ctx context.Context, addr, path string) (net.Conn, error) {
	if path == "" {
		path = DefaultWebSocketPath
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: path}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket 握手失败 (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("连接 %s 失败: %w", u.String(), err)
	}
	return newWSStreamConn(ws), nil
}

// =============================================================================
// 字节流适配
// =============================================================================

// wsStreamConn 通过 net.Pipe 把 WebSocket 连接暴露为 net.Conn
//
// 读写截止时间作用在本地管道上，WebSocket 连接本身不设读超时:
// gorilla 在读超时后连接即不可再用。
type wsStreamConn struct {
	net.Conn
	ws        *websocket.Conn
	closeOnce sync.Once
}

func newWSStreamConn(ws *websocket.Conn) net.Conn {
	local, remote := net.Pipe()
	c := &wsStreamConn{Conn: local, ws: ws}
	go c.readPump(remote)
	go c.writePump(remote)
	return c
}

// readPump WebSocket -> 管道
func (c *wsStreamConn) readPump(remote net.Conn) {
	defer remote.Close()
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if _, err := remote.Write(data); err != nil {
			return
		}
	}
}

// writePump 管道 -> WebSocket，唯一的写者
func (c *wsStreamConn) writePump(remote net.Conn) {
	defer c.ws.Close()
	buf := make([]byte, wsBufferSize)
	for {
		n, err := remote.Read(buf)
		if n > 0 {
			c.ws.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if werr := c.ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				remote.Close()
				return
			}
		}
		if err != nil {
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// Close 关闭本地管道，写泵随后发送关闭帧并关闭 WebSocket
func (c *wsStreamConn) Close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		err = c.Conn.Close()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *wsStreamConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsStreamConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }
