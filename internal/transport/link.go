// =============================================================================
// 文件: internal/transport/link.go
// 描述: 不可靠链路模拟器 - 在可靠字节流上注入丢失、损坏、乱序
// =============================================================================
package transport

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/swrdt/internal/metrics"
	"github.com/mrcgq/swrdt/internal/protocol"
)

// 链路默认参数
const (
	DefaultPollTimeout = 100 * time.Millisecond
	maxCorruptBytes    = 5
)

// Link 会话使用的链路抽象
type Link interface {
	// Send 发送一段字节 (可能被丢弃、损坏或暂扣)
	Send(data []byte) error
	// Receive 非阻塞地取走目前收到的全部字节，无数据时返回 nil, nil
	Receive() ([]byte, error)
	// Disconnect 停止后台读取并关闭连接
	Disconnect() error
}

// LinkConfig 链路模拟配置
type LinkConfig struct {
	LossProb    float64
	CorruptProb float64
	ReorderProb float64

	// PollTimeout 后台读取的轮询间隔，也是 Disconnect 的最长等待时间
	PollTimeout time.Duration
	// WriteTimeout 单次写入超时，0 表示不限
	WriteTimeout time.Duration
	// ProtectedPrefix 损坏注入不触碰的前缀长度 (长度字段)
	ProtectedPrefix int
	// Seed 随机种子，0 表示按时间取种
	Seed int64

	LogLevel string
}

// DefaultLinkConfig 默认链路配置 (无损伤)
func DefaultLinkConfig() *LinkConfig {
	return &LinkConfig{
		PollTimeout:     DefaultPollTimeout,
		WriteTimeout:    WriteTimeout,
		ProtectedPrefix: protocol.LengthFieldSize,
		LogLevel:        "info",
	}
}

// LinkStats 链路统计
type LinkStats struct {
	Writes        uint64
	BytesSent     uint64
	BytesReceived uint64
	Dropped       uint64
	Corrupted     uint64
	Held          uint64
	Flushed       uint64
}

// LinkSimulator 不可靠链路模拟器
type LinkSimulator struct {
	conn     net.Conn
	config   LinkConfig
	logLevel int
	metrics  atomic.Pointer[metrics.SWRDTMetrics]

	// 仅由发送方调用协程访问
	rng  *rand.Rand
	held []byte

	// 后台读取写入，Receive 取走
	mu      sync.Mutex
	inbound []byte
	readErr error

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    int32

	writes        uint64
	bytesSent     uint64
	bytesReceived uint64
	dropped       uint64
	corrupted     uint64
	heldCount     uint64
	flushed       uint64
}

// NewLinkSimulator 在已建立的连接上创建链路模拟器并启动后台读取
func NewLinkSimulator(conn net.Conn, config *LinkConfig) *LinkSimulator {
	if config == nil {
		config = DefaultLinkConfig()
	}
	cfg := *config
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.ProtectedPrefix <= 0 {
		cfg.ProtectedPrefix = protocol.LengthFieldSize
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	l := &LinkSimulator{
		conn:     conn,
		config:   cfg,
		logLevel: parseLogLevel(cfg.LogLevel),
		rng:      rand.New(rand.NewSource(seed)),
		stopCh:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.collectLoop()

	l.log(logLevelDebug, "链路已启动: %s <-> %s (loss=%.2f corrupt=%.2f reorder=%.2f)",
		conn.LocalAddr(), conn.RemoteAddr(), cfg.LossProb, cfg.CorruptProb, cfg.ReorderProb)
	return l
}

// SetMetrics 设置指标
//
// 后台读取协程会并发读取指标指针。
func (l *LinkSimulator) SetMetrics(m *metrics.SWRDTMetrics) {
	l.metrics.Store(m)
}

// Send 发送数据，按配置概率丢弃、损坏或暂扣
//
// 暂扣的数据在下一次实际发出时追加在其后，形成一次乱序写入。
func (l *LinkSimulator) Send(data []byte) error {
	if atomic.LoadInt32(&l.closed) == 1 {
		return ErrLinkClosed
	}

	msg := make([]byte, len(data))
	copy(msg, data)

	if l.rng.Float64() < l.config.LossProb {
		atomic.AddUint64(&l.dropped, 1)
		l.metrics.Load().RecordLinkEvent("drop")
		l.log(logLevelDebug, "丢弃 %d 字节", len(msg))
		return nil
	}

	if l.rng.Float64() < l.config.CorruptProb {
		if l.corrupt(msg) {
			atomic.AddUint64(&l.corrupted, 1)
			l.metrics.Load().RecordLinkEvent("corrupt")
		}
	}

	if l.rng.Float64() < l.config.ReorderProb || l.held != nil {
		if l.held == nil {
			l.held = msg
			atomic.AddUint64(&l.heldCount, 1)
			l.metrics.Load().RecordLinkEvent("hold")
			l.log(logLevelDebug, "暂扣 %d 字节", len(msg))
			return nil
		}
		msg = append(msg, l.held...)
		l.held = nil
		atomic.AddUint64(&l.flushed, 1)
		l.metrics.Load().RecordLinkEvent("flush")
	}

	if err := writeFull(l.conn, msg, l.config.WriteTimeout); err != nil {
		l.log(logLevelError, "写入失败: %v", err)
		return err
	}

	atomic.AddUint64(&l.writes, 1)
	atomic.AddUint64(&l.bytesSent, uint64(len(msg)))
	l.metrics.Load().RecordLinkEvent("write")
	l.metrics.Load().RecordLinkBytes("sent", len(msg))
	return nil
}

// corrupt 从保护前缀之后的随机位置起覆写 1~5 个字节为 'X'
func (l *LinkSimulator) corrupt(msg []byte) bool {
	start := l.config.ProtectedPrefix
	end := len(msg) - maxCorruptBytes
	if end < start {
		return false
	}
	offset := start + l.rng.Intn(end-start+1)
	n := 1 + l.rng.Intn(maxCorruptBytes)
	for i := 0; i < n; i++ {
		msg[offset+i] = 'X'
	}
	l.log(logLevelDebug, "损坏 %d 字节 @%d", n, offset)
	return true
}

// Receive 取走已收到的全部字节
func (l *LinkSimulator) Receive() ([]byte, error) {
	l.mu.Lock()
	data := l.inbound
	l.inbound = nil
	readErr := l.readErr
	l.mu.Unlock()

	if len(data) > 0 {
		return data, nil
	}
	if readErr != nil {
		if errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("%w: 对端已关闭", ErrLinkClosed)
		}
		return nil, fmt.Errorf("%w: %w", ErrTransportFatal, readErr)
	}
	if atomic.LoadInt32(&l.closed) == 1 {
		return nil, ErrLinkClosed
	}
	return nil, nil
}

// Disconnect 停止后台读取 (最多等待一个轮询间隔) 并关闭连接
func (l *LinkSimulator) Disconnect() error {
	var err error
	l.closeOnce.Do(func() {
		atomic.StoreInt32(&l.closed, 1)
		close(l.stopCh)
		l.wg.Wait()
		err = l.conn.Close()
		l.log(logLevelDebug, "链路已断开")
	})
	return err
}

// Stats 链路统计快照
func (l *LinkSimulator) Stats() LinkStats {
	return LinkStats{
		Writes:        atomic.LoadUint64(&l.writes),
		BytesSent:     atomic.LoadUint64(&l.bytesSent),
		BytesReceived: atomic.LoadUint64(&l.bytesReceived),
		Dropped:       atomic.LoadUint64(&l.dropped),
		Corrupted:     atomic.LoadUint64(&l.corrupted),
		Held:          atomic.LoadUint64(&l.heldCount),
		Flushed:       atomic.LoadUint64(&l.flushed),
	}
}

// collectLoop 后台读取，读操作期间不持有锁
func (l *LinkSimulator) collectLoop() {
	defer l.wg.Done()

	buf := make([]byte, readChunk)
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		l.conn.SetReadDeadline(time.Now().Add(l.config.PollTimeout))
		n, err := l.conn.Read(buf)
		if n > 0 {
			l.mu.Lock()
			l.inbound = append(l.inbound, buf[:n]...)
			l.mu.Unlock()
			atomic.AddUint64(&l.bytesReceived, uint64(n))
			l.metrics.Load().RecordLinkBytes("received", n)
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-l.stopCh:
				return
			default:
			}
			l.mu.Lock()
			l.readErr = err
			l.mu.Unlock()
			if errors.Is(err, io.EOF) {
				l.log(logLevelDebug, "对端关闭连接")
			} else {
				l.log(logLevelError, "读取失败: %v", err)
			}
			return
		}
	}
}

func (l *LinkSimulator) log(level int, format string, args ...interface{}) {
	logf(l.logLevel, level, "Link", format, args...)
}

// GetLinkStats 实现 metrics.LinkStats
func (l *LinkSimulator) GetLinkStats() metrics.LinkStatData {
	st := l.Stats()
	return metrics.LinkStatData{
		Writes:        st.Writes,
		BytesSent:     st.BytesSent,
		BytesReceived: st.BytesReceived,
		Dropped:       st.Dropped,
		Corrupted:     st.Corrupted,
		Held:          st.Held,
		Flushed:       st.Flushed,
		Holding:       st.Held > st.Flushed,
	}
}
