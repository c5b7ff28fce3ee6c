// =============================================================================
// 文件: internal/transport/arq_session.go
// 描述: 停等 ARQ - 可靠传输会话 (发送方与接收方逻辑共存于同一会话)
// =============================================================================
package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/swrdt/internal/metrics"
	"github.com/mrcgq/swrdt/internal/protocol"
)

// Session 停等 ARQ 会话
//
// 除统计快照外的全部状态只由调用 Send/Receive 的协程访问。
type Session struct {
	role     Role
	link     Link
	codec    *protocol.Codec
	config   *SessionConfig
	logLevel int
	metrics  *metrics.SWRDTMetrics

	// 发送方
	state         ARQState
	currSeq       uint64
	outstanding   []byte
	sentAt        time.Time
	retransmitAt  time.Time
	retransmitted bool
	rtt           *RTTEstimator

	// 接收方
	expectedSeq   uint64
	lastDelivered uint64

	rawBuf   []byte
	appQueue [][]byte

	stats  SessionStats
	snapMu sync.Mutex
	snap   SessionStats
}

// Open 建立承载连接并创建会话
//
// 发送方连接 peer:port；接收方在 peer:port 上监听并接受一个连接，peer 为空时监听所有地址。
func Open(ctx context.Context, role Role, peer string, port int, cfg *SessionConfig) (*Session, error) {
	if cfg == nil {
		cfg = DefaultSessionConfig()
	}
	addr := net.JoinHostPort(peer, strconv.Itoa(port))
	level := parseLogLevel(cfg.LogLevel)

	var (
		conn net.Conn
		err  error
	)
	switch role {
	case RoleSender:
		logf(level, logLevelInfo, "Carrier", "连接 %s (%s)", addr, carrierName(cfg.Carrier))
		conn, err = DialCarrier(ctx, cfg.Carrier, addr, cfg.WebSocketPath)
	case RoleReceiver:
		logf(level, logLevelInfo, "Carrier", "监听 %s (%s)", addr, carrierName(cfg.Carrier))
		conn, err = AcceptCarrier(ctx, cfg.Carrier, addr, cfg.WebSocketPath)
	default:
		return nil, fmt.Errorf("未知角色: %s", role)
	}
	if err != nil {
		logf(level, logLevelError, "Carrier", "建立连接失败: %v", err)
		return nil, fmt.Errorf("%w: %w", ErrTransportFatal, err)
	}
	logf(level, logLevelInfo, "Carrier", "已连接: %s <-> %s", conn.LocalAddr(), conn.RemoteAddr())

	s, err := NewSession(NewLinkSimulator(conn, &cfg.Link), cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.role = role
	return s, nil
}

// NewSession 在已有链路上创建会话
func NewSession(link Link, cfg *SessionConfig) (*Session, error) {
	if cfg == nil {
		cfg = DefaultSessionConfig()
	}
	codec, err := protocol.NewCodec(cfg.Digest)
	if err != nil {
		return nil, err
	}
	if cfg.RTO <= 0 {
		cfg.RTO = ARQDefaultRTO
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = ARQDefaultPollInterval
	}

	s := &Session{
		link:        link,
		codec:       codec,
		config:      cfg,
		logLevel:    parseLogLevel(cfg.LogLevel),
		state:       ARQStateIdle,
		currSeq:     ARQInitialSeq,
		expectedSeq: ARQInitialSeq,
		rtt:         NewRTTEstimator(),
	}
	s.publish()
	return s, nil
}

// SetMetrics 设置指标，同时传递给链路模拟器
func (s *Session) SetMetrics(m *metrics.SWRDTMetrics) {
	s.metrics = m
	if ls, ok := s.link.(*LinkSimulator); ok {
		ls.SetMetrics(m)
	}
}

// Link 返回底层链路
func (s *Session) Link() Link {
	return s.link
}

// =============================================================================
// 发送
// =============================================================================

// Send 发送一条消息，阻塞直到收到对应 ACK
//
// 重传次数不设上限，只有致命传输错误或 ctx 结束才会中止。
// ctx 结束后会话不再允许发送。
// 负载恰为 ACK 标记时与确认帧无法区分，返回 ErrReservedPayload。
func (s *Session) Send(ctx context.Context, payload []byte) error {
	switch s.state {
	case ARQStateClosed:
		return ErrSessionClosed
	case ARQStateAborted:
		return ErrSessionAborted
	}
	if bytes.Equal(payload, []byte(protocol.AckToken)) {
		return ErrReservedPayload
	}

	frame, err := s.codec.Encode(s.currSeq, payload)
	if err != nil {
		return err
	}

	s.outstanding = frame
	s.state = ARQStateAwaitingAck
	s.sentAt = time.Now()
	s.retransmitted = false
	defer s.publish()

	if err := s.transmit(); err != nil {
		return err
	}
	atomic.AddUint64(&s.stats.DataSent, 1)
	s.metrics.RecordFrameSent("data")
	s.log(logLevelDebug, "发送 DATA(%d) %d 字节", s.currSeq, len(payload))

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.poll(); err != nil {
			return err
		}
		if s.state != ARQStateAwaitingAck {
			return nil
		}

		if !time.Now().Before(s.retransmitAt) {
			if err := s.retransmit(RetransmitTimeout); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			s.state = ARQStateAborted
			s.outstanding = nil
			s.log(logLevelInfo, "发送 DATA(%d) 已取消: %v", s.currSeq, ctx.Err())
			return fmt.Errorf("%w: %w", ErrSessionAborted, ctx.Err())
		case <-ticker.C:
		}
	}
}

// transmit 发送当前未确认帧并重置重传计时
func (s *Session) transmit() error {
	if err := s.link.Send(s.outstanding); err != nil {
		return s.fatal(err)
	}
	s.retransmitAt = time.Now().Add(s.config.RTO)
	return nil
}

func (s *Session) retransmit(reason string) error {
	if err := s.transmit(); err != nil {
		return err
	}
	s.retransmitted = true

	atomic.AddUint64(&s.stats.Retransmits, 1)
	switch reason {
	case RetransmitTimeout:
		atomic.AddUint64(&s.stats.TimeoutRetransmits, 1)
	case RetransmitCorruptAck:
		atomic.AddUint64(&s.stats.CorruptAckRetransmits, 1)
	case RetransmitAckMismatch:
		atomic.AddUint64(&s.stats.MismatchAckRetransmits, 1)
	}
	s.metrics.RecordRetransmit(reason)
	s.metrics.RecordFrameSent("retransmit")
	s.log(logLevelDebug, "重传 DATA(%d) (%s)", s.currSeq, reason)
	return nil
}

// =============================================================================
// 接收
// =============================================================================

// Receive 非阻塞地取一条已按序交付的消息
//
// 没有可用消息时返回 ok=false, err=nil；对端关闭时返回 ErrLinkClosed。
func (s *Session) Receive() ([]byte, bool, error) {
	if s.state == ARQStateClosed {
		return nil, false, ErrSessionClosed
	}
	defer s.publish()

	if p, ok := s.popApp(); ok {
		return p, true, nil
	}

	if err := s.poll(); err != nil {
		return nil, false, err
	}

	if p, ok := s.popApp(); ok {
		return p, true, nil
	}
	return nil, false, nil
}

func (s *Session) popApp() ([]byte, bool) {
	if len(s.appQueue) == 0 {
		return nil, false
	}
	p := s.appQueue[0]
	s.appQueue[0] = nil
	s.appQueue = s.appQueue[1:]
	return p, true
}

// poll 从链路取走新字节并处理所有完整帧
func (s *Session) poll() error {
	data, err := s.link.Receive()
	if len(data) > 0 {
		s.rawBuf = append(s.rawBuf, data...)
	}
	if perr := s.processBuffer(); perr != nil {
		return perr
	}
	if err != nil {
		return s.fatal(err)
	}
	return nil
}

// processBuffer 循环解码缓冲区头部的帧并分派
func (s *Session) processBuffer() error {
	for {
		res := s.codec.Decode(s.rawBuf)
		if res.Status == protocol.StatusIncomplete {
			return nil
		}
		s.rawBuf = s.rawBuf[res.Size:]

		var err error
		switch res.Status {
		case protocol.StatusMalformed:
			atomic.AddUint64(&s.stats.MalformedFrames, 1)
			s.metrics.RecordFrameReceived("malformed")
			s.log(logLevelDebug, "格式错误，丢弃 %d 字节", res.Size)
		case protocol.StatusCorrupt:
			atomic.AddUint64(&s.stats.CorruptFrames, 1)
			s.metrics.RecordFrameReceived("corrupt")
			err = s.handleCorrupt(res.Segment, res.Size)
		case protocol.StatusComplete:
			s.metrics.RecordFrameReceived("clean")
			if res.Segment.IsAck() {
				err = s.handleAck(res.Segment)
			} else {
				err = s.handleData(res.Segment)
			}
		}
		if err != nil {
			return err
		}
	}
}

// handleCorrupt 损坏帧分类
//
// 链路不改写长度字段，所以长度可信。等待 ACK 时长度与 ACK 帧相同的按损坏 ACK
// 处理并立即重传；空闲时负载仍是 ACK 的忽略。其余视为损坏的 DATA，重发累积确认。
func (s *Session) handleCorrupt(seg *protocol.Segment, size int) error {
	if s.state == ARQStateAwaitingAck && size == protocol.AckFrameSize {
		s.log(logLevelDebug, "收到损坏帧，按损坏 ACK 处理")
		return s.retransmit(RetransmitCorruptAck)
	}
	if seg.IsAck() {
		s.log(logLevelDebug, "忽略损坏的 ACK")
		return nil
	}
	s.log(logLevelDebug, "收到损坏的 DATA，回复 ACK(%d)", s.expectedSeq-1)
	return s.sendAck(s.expectedSeq - 1)
}

func (s *Session) handleAck(seg *protocol.Segment) error {
	if s.state != ARQStateAwaitingAck {
		atomic.AddUint64(&s.stats.StaleAcks, 1)
		s.log(logLevelDebug, "忽略过期 ACK(%d)", seg.Seq)
		return nil
	}

	if seg.Seq != s.currSeq {
		s.log(logLevelDebug, "ACK(%d) 与 DATA(%d) 不符", seg.Seq, s.currSeq)
		return s.retransmit(RetransmitAckMismatch)
	}

	atomic.AddUint64(&s.stats.AcksReceived, 1)
	latency := time.Since(s.sentAt)
	s.metrics.RecordAckLatency(latency)
	if !s.retransmitted {
		s.rtt.Update(latency)
	}
	s.log(logLevelDebug, "收到 ACK(%d)", seg.Seq)

	s.state = ARQStateIdle
	s.outstanding = nil
	s.currSeq++
	return nil
}

func (s *Session) handleData(seg *protocol.Segment) error {
	switch {
	case seg.Seq == s.expectedSeq && seg.Seq > s.lastDelivered:
		s.appQueue = append(s.appQueue, seg.Payload)
		s.lastDelivered = seg.Seq
		s.expectedSeq++
		atomic.AddUint64(&s.stats.Delivered, 1)
		s.metrics.RecordDelivery()
		s.log(logLevelDebug, "交付 %s", seg)
		return s.sendAck(seg.Seq)

	case seg.Seq == s.expectedSeq:
		atomic.AddUint64(&s.stats.Duplicates, 1)
		s.metrics.RecordDuplicate()
		s.log(logLevelDebug, "重复 %s", seg)

	case seg.Seq <= s.lastDelivered:
		atomic.AddUint64(&s.stats.Duplicates, 1)
		s.metrics.RecordDuplicate()
		s.log(logLevelDebug, "重复 %s (期望 %d)", seg, s.expectedSeq)

	default:
		atomic.AddUint64(&s.stats.OutOfOrder, 1)
		s.metrics.RecordOutOfOrder()
		s.log(logLevelDebug, "乱序 %s (期望 %d)", seg, s.expectedSeq)
	}
	return s.sendAck(s.lastDelivered)
}

func (s *Session) sendAck(seq uint64) error {
	frame, err := s.codec.EncodeAck(seq)
	if err != nil {
		return err
	}
	if err := s.link.Send(frame); err != nil {
		return s.fatal(err)
	}
	atomic.AddUint64(&s.stats.AcksSent, 1)
	s.metrics.RecordFrameSent("ack")
	return nil
}

// fatal 链路错误使会话不可用
func (s *Session) fatal(err error) error {
	if s.state != ARQStateClosed {
		s.state = ARQStateAborted
	}
	s.log(logLevelDebug, "链路错误: %v", err)
	return err
}

// =============================================================================
// 生命周期与统计
// =============================================================================

// Close 断开链路，只能在没有进行中的 Send/Receive 时调用
func (s *Session) Close() error {
	if s.state == ARQStateClosed {
		return nil
	}
	s.state = ARQStateClosed
	s.outstanding = nil
	s.publish()
	s.log(logLevelInfo, "会话关闭 (已交付 %d, 重传 %d)",
		atomic.LoadUint64(&s.stats.Delivered), atomic.LoadUint64(&s.stats.Retransmits))
	return s.link.Disconnect()
}

// publish 刷新供并发读取的状态快照
func (s *Session) publish() {
	s.snapMu.Lock()
	s.snap.State = s.state.String()
	s.snap.CurrSeq = s.currSeq
	s.snap.ExpectedSeq = s.expectedSeq
	s.snap.LastDeliver = s.lastDelivered
	s.snap.AppQueueLen = len(s.appQueue)
	s.snap.RawBufLen = len(s.rawBuf)
	s.snapMu.Unlock()
}

// GetStats 会话统计，可在任意协程调用
func (s *Session) GetStats() *SessionStats {
	s.snapMu.Lock()
	st := s.snap
	s.snapMu.Unlock()

	st.DataSent = atomic.LoadUint64(&s.stats.DataSent)
	st.Retransmits = atomic.LoadUint64(&s.stats.Retransmits)
	st.TimeoutRetransmits = atomic.LoadUint64(&s.stats.TimeoutRetransmits)
	st.CorruptAckRetransmits = atomic.LoadUint64(&s.stats.CorruptAckRetransmits)
	st.MismatchAckRetransmits = atomic.LoadUint64(&s.stats.MismatchAckRetransmits)
	st.AcksReceived = atomic.LoadUint64(&s.stats.AcksReceived)
	st.StaleAcks = atomic.LoadUint64(&s.stats.StaleAcks)
	st.AcksSent = atomic.LoadUint64(&s.stats.AcksSent)
	st.Delivered = atomic.LoadUint64(&s.stats.Delivered)
	st.Duplicates = atomic.LoadUint64(&s.stats.Duplicates)
	st.OutOfOrder = atomic.LoadUint64(&s.stats.OutOfOrder)
	st.CorruptFrames = atomic.LoadUint64(&s.stats.CorruptFrames)
	st.MalformedFrames = atomic.LoadUint64(&s.stats.MalformedFrames)
	st.SRTT = s.rtt.SmoothedRTT()
	st.RTTVar = s.rtt.RTTVariance()
	st.SuggestedRTO = s.rtt.SuggestedRTO()
	return &st
}

// Stats 会话统计 (值拷贝)
func (s *Session) Stats() SessionStats {
	return *s.GetStats()
}

func (s *Session) log(level int, format string, args ...interface{}) {
	if s.role != "" {
		format = "[" + string(s.role) + "] " + format
	}
	logf(s.logLevel, level, "SWRDT", format, args...)
}

func carrierName(kind string) string {
	if kind == "" {
		return CarrierTCP
	}
	return kind
}

// GetSessionStats 实现 metrics.SessionStats
func (s *Session) GetSessionStats() metrics.SessionStatData {
	st := s.GetStats()
	return metrics.SessionStatData{
		Role:            s.roleName(),
		State:           st.State,
		CurrSeq:         st.CurrSeq,
		ExpectedSeq:     st.ExpectedSeq,
		LastDelivered:   st.LastDeliver,
		AppQueueLen:     st.AppQueueLen,
		RawBufLen:       st.RawBufLen,
		DataSent:        st.DataSent,
		AcksSent:        st.AcksSent,
		AcksReceived:    st.AcksReceived,
		Delivered:       st.Delivered,
		CorruptFrames:   st.CorruptFrames,
		MalformedFrames: st.MalformedFrames,
		SRTTSeconds:     st.SRTT.Seconds(),
		RTTVarSeconds:   st.RTTVar.Seconds(),
	}
}

func (s *Session) roleName() string {
	if s.role == "" {
		return "peer"
	}
	return string(s.role)
}
