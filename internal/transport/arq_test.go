// =============================================================================
// 文件: internal/transport/arq_test.go
// 描述: 停等 ARQ 可靠传输测试
// =============================================================================
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/swrdt/internal/config"
	"github.com/mrcgq/swrdt/internal/metrics"
	"github.com/mrcgq/swrdt/internal/protocol"
)

// =============================================================================
// 测试辅助
// =============================================================================

// fakeLink 记录发送帧、按需注入入站字节的内存链路
type fakeLink struct {
	mu           sync.Mutex
	inbound      []byte
	sent         [][]byte
	recvErr      error
	sendErr      error
	disconnected bool

	// onSend 在记录发送后调用 (不持锁)
	onSend func(f *fakeLink, data []byte)
}

func (f *fakeLink) Send(data []byte) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(f, data)
	}
	return nil
}

func (f *fakeLink) Receive() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) > 0 {
		data := f.inbound
		f.inbound = nil
		return data, nil
	}
	return nil, f.recvErr
}

func (f *fakeLink) Disconnect() error {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) feed(frames ...[]byte) {
	f.mu.Lock()
	for _, fr := range frames {
		f.inbound = append(f.inbound, fr...)
	}
	f.mu.Unlock()
}

func (f *fakeLink) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// decodeAll 解码一段字节中的全部完整帧
func decodeAll(t *testing.T, buf []byte) []*protocol.Segment {
	t.Helper()
	var segs []*protocol.Segment
	for len(buf) > 0 {
		res := protocol.Decode(buf)
		if res.Status == protocol.StatusIncomplete {
			break
		}
		if res.Status == protocol.StatusComplete {
			segs = append(segs, res.Segment)
		}
		buf = buf[res.Size:]
	}
	return segs
}

func mustEncode(t *testing.T, seq uint64, payload string) []byte {
	t.Helper()
	frame, err := protocol.Encode(seq, []byte(payload))
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	return frame
}

func mustAck(t *testing.T, seq uint64) []byte {
	t.Helper()
	return mustEncode(t, seq, protocol.AckToken)
}

// corrupted 覆写校验和字段，长度字段保持不变
func corrupted(frame []byte) []byte {
	bad := append([]byte(nil), frame...)
	copy(bad[protocol.LengthFieldSize+protocol.SeqFieldSize:], "XXXXX")
	return bad
}

func testSessionConfig(rto time.Duration) *SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.RTO = rto
	cfg.PollInterval = time.Millisecond
	cfg.LogLevel = "error"
	cfg.Link = *testLinkConfig()
	return cfg
}

func newTestSession(t *testing.T, link Link, rto time.Duration) *Session {
	t.Helper()
	s, err := NewSession(link, testSessionConfig(rto))
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	return s
}

// =============================================================================
// 接收方逻辑
// =============================================================================

func TestDuplicateSuppression(t *testing.T) {
	link := &fakeLink{}
	s := newTestSession(t, link, time.Second)
	s.expectedSeq = 5
	s.lastDelivered = 4

	frame := mustEncode(t, 5, "five")
	link.feed(frame, frame)

	p, ok, err := s.Receive()
	if err != nil || !ok || string(p) != "five" {
		t.Fatalf("首次接收错误: %q %v %v", p, ok, err)
	}
	if _, ok, _ := s.Receive(); ok {
		t.Error("重复帧不应再次交付")
	}

	sent := link.sentFrames()
	if len(sent) != 2 {
		t.Fatalf("ACK 数量错误: got %d, want 2", len(sent))
	}
	for i, fr := range sent {
		segs := decodeAll(t, fr)
		if len(segs) != 1 || segs[0].String() != "ACK(5)" {
			t.Errorf("第 %d 个发送帧错误: got %v, want ACK(5)", i, segs)
		}
	}

	st := s.Stats()
	if st.Delivered != 1 || st.Duplicates != 1 {
		t.Errorf("统计错误: Delivered=%d Duplicates=%d", st.Delivered, st.Duplicates)
	}
}

func TestInOrderEnforcement(t *testing.T) {
	link := &fakeLink{}
	s := newTestSession(t, link, time.Second)
	s.expectedSeq = 5
	s.lastDelivered = 4

	link.feed(mustEncode(t, 7, "seven"))

	if p, ok, err := s.Receive(); ok || err != nil {
		t.Fatalf("乱序帧不应交付: %q %v %v", p, ok, err)
	}
	if s.expectedSeq != 5 {
		t.Errorf("expectedSeq 不应前进: got %d, want 5", s.expectedSeq)
	}

	sent := link.sentFrames()
	if len(sent) != 1 {
		t.Fatalf("ACK 数量错误: got %d, want 1", len(sent))
	}
	if segs := decodeAll(t, sent[0]); len(segs) != 1 || segs[0].String() != "ACK(4)" {
		t.Errorf("应确认 last_delivered: got %v, want ACK(4)", segs)
	}
	if s.Stats().OutOfOrder != 1 {
		t.Errorf("OutOfOrder 统计错误: got %d", s.Stats().OutOfOrder)
	}
}

func TestOldDuplicateBelowExpected(t *testing.T) {
	link := &fakeLink{}
	s := newTestSession(t, link, time.Second)
	s.expectedSeq = 5
	s.lastDelivered = 4

	link.feed(mustEncode(t, 2, "old"))
	if _, ok, _ := s.Receive(); ok {
		t.Fatal("旧帧不应交付")
	}
	if segs := decodeAll(t, link.sentFrames()[0]); segs[0].String() != "ACK(4)" {
		t.Errorf("got %v, want ACK(4)", segs)
	}
	if s.Stats().Duplicates != 1 {
		t.Errorf("Duplicates 统计错误: got %d", s.Stats().Duplicates)
	}
}

func TestCorruptDataTriggersCumulativeAck(t *testing.T) {
	link := &fakeLink{}
	s := newTestSession(t, link, time.Second)
	s.expectedSeq = 3
	s.lastDelivered = 2

	link.feed(corrupted(mustEncode(t, 3, "three")))

	if _, ok, err := s.Receive(); ok || err != nil {
		t.Fatalf("损坏帧不应交付: %v %v", ok, err)
	}
	sent := link.sentFrames()
	if len(sent) != 1 {
		t.Fatalf("ACK 数量错误: got %d, want 1", len(sent))
	}
	if segs := decodeAll(t, sent[0]); segs[0].String() != "ACK(2)" {
		t.Errorf("got %v, want ACK(2)", segs)
	}
	if s.Stats().CorruptFrames != 1 {
		t.Errorf("CorruptFrames 统计错误: got %d", s.Stats().CorruptFrames)
	}
}

func TestIdleIgnoresAcks(t *testing.T) {
	link := &fakeLink{}
	s := newTestSession(t, link, time.Second)

	link.feed(mustAck(t, 9), corrupted(mustAck(t, 1)))

	if _, ok, err := s.Receive(); ok || err != nil {
		t.Fatalf("ACK 不应交付: %v %v", ok, err)
	}
	if n := len(link.sentFrames()); n != 0 {
		t.Errorf("空闲时收到 ACK 不应发送任何帧: got %d", n)
	}
	st := s.Stats()
	if st.StaleAcks != 1 || st.CorruptFrames != 1 {
		t.Errorf("统计错误: StaleAcks=%d CorruptFrames=%d", st.StaleAcks, st.CorruptFrames)
	}
}

func TestMalformedResync(t *testing.T) {
	link := &fakeLink{}
	s := newTestSession(t, link, time.Second)

	link.feed([]byte("garbage!!"), mustEncode(t, 1, "hello"))

	p, ok, err := s.Receive()
	if err != nil || !ok || string(p) != "hello" {
		t.Fatalf("重新同步后应交付: %q %v %v", p, ok, err)
	}
	if s.Stats().MalformedFrames == 0 {
		t.Error("MalformedFrames 应大于 0")
	}
}

func TestPartialFrameAcrossPolls(t *testing.T) {
	link := &fakeLink{}
	s := newTestSession(t, link, time.Second)

	frame := mustEncode(t, 1, "split across reads")
	link.feed(frame[:20])
	if _, ok, _ := s.Receive(); ok {
		t.Fatal("不完整帧不应交付")
	}
	if s.Stats().RawBufLen != 20 {
		t.Errorf("RawBufLen 错误: got %d, want 20", s.Stats().RawBufLen)
	}

	link.feed(frame[20:])
	p, ok, _ := s.Receive()
	if !ok || string(p) != "split across reads" {
		t.Errorf("got %q %v", p, ok)
	}
}

func TestReceiveDeliversQueuedBeforeLinkClosed(t *testing.T) {
	link := &fakeLink{recvErr: fmt.Errorf("%w: eof", ErrLinkClosed)}
	s := newTestSession(t, link, time.Second)

	link.feed(mustEncode(t, 1, "a"), mustEncode(t, 2, "b"))

	for _, want := range []string{"a", "b"} {
		p, ok, err := s.Receive()
		if err != nil || !ok || string(p) != want {
			t.Fatalf("got %q %v %v, want %s", p, ok, err, want)
		}
	}
	if _, _, err := s.Receive(); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("应返回 ErrLinkClosed: got %v", err)
	}
}

// =============================================================================
// 发送方逻辑
// =============================================================================

func TestSendTimeoutRetransmitsIdenticalFrame(t *testing.T) {
	dataSends := 0
	link := &fakeLink{onSend: func(f *fakeLink, data []byte) {
		dataSends++
		if dataSends == 3 {
			f.feed(mustAck(t, 1))
		}
	}}
	s := newTestSession(t, link, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("Send 失败: %v", err)
	}

	sent := link.sentFrames()
	if len(sent) != 3 {
		t.Fatalf("发送次数错误: got %d, want 3", len(sent))
	}
	for i := 1; i < len(sent); i++ {
		if !bytes.Equal(sent[i], sent[0]) {
			t.Errorf("第 %d 次重传的帧与原帧不同", i)
		}
	}

	st := s.Stats()
	if st.TimeoutRetransmits != 2 || st.Retransmits != 2 {
		t.Errorf("重传统计错误: %+v", st)
	}
	if st.CurrSeq != 2 || st.State != "IDLE" {
		t.Errorf("状态错误: CurrSeq=%d State=%s", st.CurrSeq, st.State)
	}
}

func TestSendAckMismatchRetransmits(t *testing.T) {
	calls := 0
	link := &fakeLink{onSend: func(f *fakeLink, data []byte) {
		calls++
		switch calls {
		case 1:
			f.feed(mustAck(t, 0))
		case 2:
			f.feed(mustAck(t, 1))
		}
	}}
	s := newTestSession(t, link, 10*time.Second)

	if err := s.Send(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Send 失败: %v", err)
	}
	if n := len(link.sentFrames()); n != 2 {
		t.Errorf("发送次数错误: got %d, want 2", n)
	}
	if st := s.Stats(); st.MismatchAckRetransmits != 1 {
		t.Errorf("MismatchAckRetransmits 错误: got %d, want 1", st.MismatchAckRetransmits)
	}
}

func TestSendCorruptAckRetransmits(t *testing.T) {
	calls := 0
	link := &fakeLink{onSend: func(f *fakeLink, data []byte) {
		calls++
		switch calls {
		case 1:
			f.feed(corrupted(mustAck(t, 1)))
		case 2:
			f.feed(mustAck(t, 1))
		}
	}}
	s := newTestSession(t, link, 10*time.Second)

	if err := s.Send(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Send 失败: %v", err)
	}
	if n := len(link.sentFrames()); n != 2 {
		t.Errorf("发送次数错误: got %d, want 2", n)
	}
	if st := s.Stats(); st.CorruptAckRetransmits != 1 {
		t.Errorf("CorruptAckRetransmits 错误: got %d, want 1", st.CorruptAckRetransmits)
	}
}

func TestSendCorruptDataGetsCumulativeAck(t *testing.T) {
	calls := 0
	link := &fakeLink{}
	s := newTestSession(t, link, 10*time.Second)

	// 对端数据帧在等待 ACK 期间损坏，回复 ACK(0) 后再确认本端 DATA
	link.onSend = func(f *fakeLink, data []byte) {
		calls++
		switch calls {
		case 1:
			f.feed(corrupted(mustEncode(t, 1, "peer-echo-data")))
		case 2:
			f.feed(mustAck(t, 1))
		}
	}

	if err := s.Send(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Send 失败: %v", err)
	}

	sent := link.sentFrames()
	if len(sent) != 2 {
		t.Fatalf("发送帧数错误: got %d, want 2 (DATA + ACK)", len(sent))
	}
	if segs := decodeAll(t, sent[1]); len(segs) != 1 || segs[0].String() != "ACK(0)" {
		t.Errorf("损坏的 DATA 应得到 ACK(0): got %v", segs)
	}
	st := s.Stats()
	if st.Retransmits != 0 || st.CorruptAckRetransmits != 0 {
		t.Errorf("损坏的 DATA 不应触发重传: retransmits=%d corruptAck=%d", st.Retransmits, st.CorruptAckRetransmits)
	}
	if st.AcksSent != 1 || st.CorruptFrames != 1 {
		t.Errorf("统计错误: acksSent=%d corrupt=%d", st.AcksSent, st.CorruptFrames)
	}
}

func TestSendRejectsAckPayload(t *testing.T) {
	link := &fakeLink{}
	s := newTestSession(t, link, time.Second)

	if err := s.Send(context.Background(), []byte(protocol.AckToken)); !errors.Is(err, ErrReservedPayload) {
		t.Fatalf("应返回 ErrReservedPayload: got %v", err)
	}
	if n := len(link.sentFrames()); n != 0 {
		t.Errorf("不应发送任何帧: got %d", n)
	}

	link.onSend = func(f *fakeLink, data []byte) {
		f.feed(mustAck(t, 1))
	}
	if err := s.Send(context.Background(), []byte("ACK ")); err != nil {
		t.Errorf("拒绝后会话应仍可发送: %v", err)
	}
}

func TestSendDispatchesInboundData(t *testing.T) {
	link := &fakeLink{onSend: func(f *fakeLink, data []byte) {
		segs := decodeAll(t, data)
		if len(segs) == 1 && !segs[0].IsAck() {
			f.feed(mustEncode(t, 1, "echo"), mustAck(t, 1))
		}
	}}
	s := newTestSession(t, link, 10*time.Second)

	if err := s.Send(context.Background(), []byte("ping")); err != nil {
		t.Fatalf("Send 失败: %v", err)
	}

	sent := link.sentFrames()
	if len(sent) != 2 {
		t.Fatalf("发送帧数错误: got %d, want 2 (DATA + ACK)", len(sent))
	}
	if segs := decodeAll(t, sent[1]); segs[0].String() != "ACK(1)" {
		t.Errorf("应确认对端数据: got %v", segs)
	}

	link.onSend = nil
	p, ok, err := s.Receive()
	if err != nil || !ok || string(p) != "echo" {
		t.Errorf("发送期间收到的数据应进入队列: %q %v %v", p, ok, err)
	}
}

func TestSendSequenceAdvances(t *testing.T) {
	link := &fakeLink{}
	link.onSend = func(f *fakeLink, data []byte) {
		segs := decodeAll(t, data)
		f.feed(mustAck(t, segs[0].Seq))
	}
	s := newTestSession(t, link, 10*time.Second)

	for i := 1; i <= 3; i++ {
		if err := s.Send(context.Background(), []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("Send %d 失败: %v", i, err)
		}
	}
	for i, fr := range link.sentFrames() {
		if segs := decodeAll(t, fr); segs[0].Seq != uint64(i+1) {
			t.Errorf("第 %d 帧序列号错误: got %d, want %d", i, segs[0].Seq, i+1)
		}
	}
}

func TestSendContextCancel(t *testing.T) {
	link := &fakeLink{}
	s := newTestSession(t, link, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	err := s.Send(ctx, []byte("never acked"))
	if !errors.Is(err, ErrSessionAborted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("应返回 ErrSessionAborted 且包含 DeadlineExceeded: got %v", err)
	}
	if n := len(link.sentFrames()); n < 2 {
		t.Errorf("超时前应已重传: 发送次数 %d", n)
	}

	if err := s.Send(context.Background(), []byte("again")); !errors.Is(err, ErrSessionAborted) {
		t.Errorf("中止后 Send 应返回 ErrSessionAborted: got %v", err)
	}
}

func TestSendFatalLink(t *testing.T) {
	link := &fakeLink{sendErr: fmt.Errorf("%w: broken", ErrTransportFatal)}
	s := newTestSession(t, link, time.Second)

	if err := s.Send(context.Background(), []byte("x")); !errors.Is(err, ErrTransportFatal) {
		t.Errorf("应返回 ErrTransportFatal: got %v", err)
	}
}

func TestSendPeerClosed(t *testing.T) {
	link := &fakeLink{recvErr: fmt.Errorf("%w: eof", ErrLinkClosed)}
	s := newTestSession(t, link, time.Second)

	if err := s.Send(context.Background(), []byte("x")); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("应返回 ErrLinkClosed: got %v", err)
	}
}

func TestSessionClose(t *testing.T) {
	link := &fakeLink{}
	s := newTestSession(t, link, time.Second)

	if err := s.Close(); err != nil {
		t.Fatalf("Close 失败: %v", err)
	}
	if !link.disconnected {
		t.Error("Close 应断开链路")
	}
	if err := s.Close(); err != nil {
		t.Errorf("重复 Close 不应报错: %v", err)
	}
	if _, _, err := s.Receive(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Receive 应返回 ErrSessionClosed: got %v", err)
	}
	if err := s.Send(context.Background(), nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send 应返回 ErrSessionClosed: got %v", err)
	}
}

func TestNewSessionUnknownDigest(t *testing.T) {
	cfg := testSessionConfig(time.Second)
	cfg.Digest = "crc32"
	if _, err := NewSession(&fakeLink{}, cfg); err == nil {
		t.Error("未知摘要算法应报错")
	}
}

func TestNewSessionConfig(t *testing.T) {
	fc := config.DefaultConfig()
	fc.Link.Loss = 0.3
	fc.Link.Seed = 7
	fc.ARQ.RTOMs = 250
	fc.ARQ.Digest = "blake2b"
	fc.Carrier = "websocket"

	sc := NewSessionConfig(fc)
	if sc.RTO != 250*time.Millisecond {
		t.Errorf("RTO 错误: got %v, want 250ms", sc.RTO)
	}
	if sc.PollInterval != 10*time.Millisecond {
		t.Errorf("PollInterval 错误: got %v, want 10ms", sc.PollInterval)
	}
	if sc.Link.LossProb != 0.3 || sc.Link.Seed != 7 {
		t.Errorf("Link 配置错误: %+v", sc.Link)
	}
	if sc.Link.PollTimeout != 100*time.Millisecond {
		t.Errorf("PollTimeout 错误: got %v", sc.Link.PollTimeout)
	}
	if sc.Digest != "blake2b" || sc.Carrier != CarrierWebSocket || sc.WebSocketPath != "/swrdt" {
		t.Errorf("会话配置错误: %+v", sc)
	}

	if d := NewSessionConfig(nil); d.RTO != ARQDefaultRTO {
		t.Errorf("nil 配置应返回默认值: %+v", d)
	}
}

// =============================================================================
// 端到端 (net.Pipe 上的链路模拟器)
// =============================================================================

// recordingLink 记录所有入站字节
type recordingLink struct {
	Link
	mu       sync.Mutex
	received []byte
}

func (r *recordingLink) Receive() ([]byte, error) {
	data, err := r.Link.Receive()
	r.mu.Lock()
	r.received = append(r.received, data...)
	r.mu.Unlock()
	return data, err
}

func (r *recordingLink) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.received...)
}

// corruptFirstAck 损坏第一个 ACK(seq)
type corruptFirstAck struct {
	Link
	seq  uint64
	done bool
}

func (c *corruptFirstAck) Send(data []byte) error {
	if !c.done {
		res := protocol.Decode(data)
		if res.Status == protocol.StatusComplete && res.Segment.IsAck() && res.Segment.Seq == c.seq {
			c.done = true
			return c.Link.Send(corrupted(data))
		}
	}
	return c.Link.Send(data)
}

// pipeLinks 用 net.Pipe 构造一对链路模拟器
func pipeLinks(t *testing.T, a, b *LinkConfig) (*LinkSimulator, *LinkSimulator) {
	t.Helper()
	c1, c2 := net.Pipe()
	la := NewLinkSimulator(c1, a)
	lb := NewLinkSimulator(c2, b)
	t.Cleanup(func() {
		la.Disconnect()
		lb.Disconnect()
	})
	return la, lb
}

// runTransfer sender 依次发送 msgs，receiver 轮询接收，返回接收方收到的消息
func runTransfer(t *testing.T, timeout time.Duration, sender, receiver *Session, msgs []string) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		for _, m := range msgs {
			if err := sender.Send(gctx, []byte(m)); err != nil {
				return fmt.Errorf("发送 %q 失败: %w", m, err)
			}
		}
		return nil
	})

	var got []string
	g.Go(func() error {
		for {
			p, ok, err := receiver.Receive()
			if err != nil {
				return fmt.Errorf("接收失败: %w", err)
			}
			if ok {
				got = append(got, string(p))
				continue
			}
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	})

	if err := g.Wait(); err != nil {
		t.Fatalf("传输失败: %v", err)
	}

	// 取走发送结束时仍在队列中的消息
	for {
		p, ok, err := receiver.Receive()
		if err != nil || !ok {
			break
		}
		got = append(got, string(p))
	}
	return got
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestScenarioA(t *testing.T) {
	la, lb := pipeLinks(t, testLinkConfig(), testLinkConfig())
	senderLink := &recordingLink{Link: la}

	sender := newTestSession(t, senderLink, time.Second)
	receiver := newTestSession(t, lb, time.Second)

	reg := prometheus.NewRegistry()
	m := metrics.NewSWRDTMetrics(reg)
	sender.SetMetrics(m)
	receiver.SetMetrics(m)

	msgs := []string{"a", "b", "c"}
	got := runTransfer(t, 10*time.Second, sender, receiver, msgs)
	if !equalStrings(got, msgs) {
		t.Fatalf("接收顺序错误: got %v, want %v", got, msgs)
	}

	var acks []string
	for _, seg := range decodeAll(t, senderLink.bytes()) {
		acks = append(acks, seg.String())
	}
	if want := []string{"ACK(1)", "ACK(2)", "ACK(3)"}; !equalStrings(acks, want) {
		t.Errorf("发送方观察到的 ACK 错误: got %v, want %v", acks, want)
	}

	st := sender.Stats()
	if st.Retransmits != 0 || st.AcksReceived != 3 || st.CurrSeq != 4 {
		t.Errorf("发送方统计错误: %+v", st)
	}
	if rs := receiver.GetSessionStats(); rs.Delivered != 3 || rs.ExpectedSeq != 4 || rs.LastDelivered != 3 {
		t.Errorf("接收方统计错误: %+v", rs)
	}
}

func TestScenarioB(t *testing.T) {
	la, lb := pipeLinks(t, testLinkConfig(), testLinkConfig())
	receiverRecord := &recordingLink{Link: lb}
	receiverLink := &corruptFirstAck{Link: receiverRecord, seq: 2}

	// RTO 足够大，排除超时重传
	sender := newTestSession(t, la, 10*time.Second)
	receiver := newTestSession(t, receiverLink, 10*time.Second)

	msgs := []string{"a", "b", "c"}
	got := runTransfer(t, 8*time.Second, sender, receiver, msgs)
	if !equalStrings(got, msgs) {
		t.Fatalf("接收结果错误: got %v, want %v", got, msgs)
	}

	st := sender.Stats()
	if st.Retransmits != 1 || st.CorruptAckRetransmits != 1 || st.TimeoutRetransmits != 0 {
		t.Errorf("发送方应恰好重传一次: %+v", st)
	}

	data2 := 0
	for _, seg := range decodeAll(t, receiverRecord.bytes()) {
		if !seg.IsAck() && seg.Seq == 2 {
			data2++
		}
	}
	if data2 != 2 {
		t.Errorf("接收方收到 DATA(2) 次数错误: got %d, want 2", data2)
	}

	rs := receiver.Stats()
	if rs.Delivered != 3 || rs.Duplicates != 1 {
		t.Errorf("接收方统计错误: Delivered=%d Duplicates=%d", rs.Delivered, rs.Duplicates)
	}
}

func TestLivenessUnderLoss(t *testing.T) {
	ca := testLinkConfig()
	ca.LossProb = 0.3
	ca.Seed = 7
	cb := testLinkConfig()
	cb.LossProb = 0.3
	cb.Seed = 8
	la, lb := pipeLinks(t, ca, cb)

	sender := newTestSession(t, la, 20*time.Millisecond)
	receiver := newTestSession(t, lb, 20*time.Millisecond)

	msgs := make([]string, 20)
	for i := range msgs {
		msgs[i] = fmt.Sprintf("sending message - %d", i+1)
	}

	got := runTransfer(t, 30*time.Second, sender, receiver, msgs)
	if !equalStrings(got, msgs) {
		t.Fatalf("丢包下交付错误: got %v", got)
	}
	if la.Stats().Dropped+lb.Stats().Dropped == 0 {
		t.Error("loss=0.3 下应有丢弃")
	}
	if sender.Stats().Retransmits == 0 {
		t.Error("丢包下应发生重传")
	}
}

func TestExactlyOnceUnderAllImpairments(t *testing.T) {
	for _, digest := range protocol.SupportedDigests() {
		t.Run(digest, func(t *testing.T) {
			mk := func(seed int64) *LinkConfig {
				c := testLinkConfig()
				c.LossProb = 0.1
				c.CorruptProb = 0.2
				c.ReorderProb = 0.2
				c.Seed = seed
				return c
			}
			la, lb := pipeLinks(t, mk(11), mk(12))

			scfg := testSessionConfig(20 * time.Millisecond)
			scfg.Digest = digest
			sender, err := NewSession(la, scfg)
			if err != nil {
				t.Fatal(err)
			}
			rcfg := testSessionConfig(20 * time.Millisecond)
			rcfg.Digest = digest
			receiver, err := NewSession(lb, rcfg)
			if err != nil {
				t.Fatal(err)
			}

			msgs := make([]string, 30)
			for i := range msgs {
				msgs[i] = fmt.Sprintf("payload #%02d", i)
			}

			got := runTransfer(t, 60*time.Second, sender, receiver, msgs)
			if !equalStrings(got, msgs) {
				t.Fatalf("交付错误: got %v", got)
			}
		})
	}
}

// =============================================================================
// Open (真实承载)
// =============================================================================

func openPair(t *testing.T, carrier string) (*Session, *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testSessionConfig(200 * time.Millisecond)
	cfg.Carrier = carrier
	port := freePort(t)

	type result struct {
		s   *Session
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		s, err := Open(ctx, RoleReceiver, "127.0.0.1", port, cfg)
		accepted <- result{s, err}
	}()

	var (
		sender *Session
		err    error
	)
	for i := 0; i < 100; i++ {
		sender, err = Open(ctx, RoleSender, "127.0.0.1", port, cfg)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrTransportFatal) {
			t.Fatalf("Open 错误类型不对: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("sender Open 失败: %v", err)
	}

	res := <-accepted
	if res.err != nil {
		sender.Close()
		t.Fatalf("receiver Open 失败: %v", res.err)
	}
	t.Cleanup(func() {
		sender.Close()
		res.s.Close()
	})
	return sender, res.s
}

func TestOpenEcho(t *testing.T) {
	for _, carrier := range []string{CarrierTCP, CarrierWebSocket} {
		t.Run(carrier, func(t *testing.T) {
			sender, receiver := openPair(t, carrier)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			msgs := []string{"sending message - 1", "sending message - 2", "END"}
			g, gctx := errgroup.WithContext(ctx)

			// receiver 回显每条消息，收到 END 后退出
			g.Go(func() error {
				for {
					p, ok, err := receiver.Receive()
					if err != nil {
						return err
					}
					if !ok {
						select {
						case <-gctx.Done():
							return gctx.Err()
						case <-time.After(time.Millisecond):
						}
						continue
					}
					if string(p) == "END" {
						return nil
					}
					if err := receiver.Send(gctx, p); err != nil {
						return err
					}
				}
			})

			var echoes []string
			g.Go(func() error {
				for _, m := range msgs {
					if err := sender.Send(gctx, []byte(m)); err != nil {
						return err
					}
					if m == "END" {
						return nil
					}
					for {
						p, ok, err := sender.Receive()
						if err != nil {
							return err
						}
						if ok {
							echoes = append(echoes, string(p))
							break
						}
						select {
						case <-gctx.Done():
							return gctx.Err()
						case <-time.After(time.Millisecond):
						}
					}
				}
				return nil
			})

			if err := g.Wait(); err != nil {
				t.Fatalf("回显失败: %v", err)
			}
			if !equalStrings(echoes, msgs[:2]) {
				t.Errorf("回显错误: got %v, want %v", echoes, msgs[:2])
			}
		})
	}
}

func TestOpenUnknownRole(t *testing.T) {
	if _, err := Open(context.Background(), Role("relay"), "127.0.0.1", 1, nil); err == nil {
		t.Error("未知角色应报错")
	}
}

func TestOpenDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cfg := testSessionConfig(time.Second)
	if _, err := Open(ctx, RoleSender, "127.0.0.1", freePort(t), cfg); !errors.Is(err, ErrTransportFatal) {
		t.Errorf("连接失败应返回 ErrTransportFatal: got %v", err)
	}
}
