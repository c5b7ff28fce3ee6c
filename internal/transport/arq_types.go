// =============================================================================
// 文件: internal/transport/arq_types.go
// 描述: 停等 ARQ - 类型定义 (角色、会话配置、统计)
// =============================================================================
package transport

import (
	"time"

	"github.com/mrcgq/swrdt/internal/config"
	"github.com/mrcgq/swrdt/internal/protocol"
)

// ARQ 默认参数
const (
	ARQDefaultRTO          = time.Second
	ARQDefaultPollInterval = 10 * time.Millisecond

	// ARQInitialSeq 第一个数据段的序列号
	ARQInitialSeq uint64 = 1
)

// Role 会话角色
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// ARQState 发送方状态
type ARQState uint8

const (
	ARQStateIdle ARQState = iota
	ARQStateAwaitingAck
	ARQStateAborted
	ARQStateClosed
)

func (s ARQState) String() string {
	names := []string{"IDLE", "AWAITING_ACK", "ABORTED", "CLOSED"}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// 重传原因
const (
	RetransmitTimeout     = "timeout"
	RetransmitCorruptAck  = "corrupt_ack"
	RetransmitAckMismatch = "ack_mismatch"
)

// SessionConfig 会话配置
type SessionConfig struct {
	Link LinkConfig

	Carrier       string
	WebSocketPath string

	// RTO 重传超时
	RTO time.Duration
	// PollInterval 发送循环的轮询休眠
	PollInterval time.Duration
	// Digest 校验摘要算法
	Digest string

	LogLevel string
}

// DefaultSessionConfig 默认会话配置
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		Link:          *DefaultLinkConfig(),
		Carrier:       CarrierTCP,
		WebSocketPath: DefaultWebSocketPath,
		RTO:           ARQDefaultRTO,
		PollInterval:  ARQDefaultPollInterval,
		Digest:        protocol.DigestMD5,
		LogLevel:      "info",
	}
}

// NewSessionConfig 从文件配置构建会话配置
func NewSessionConfig(cfg *config.Config) *SessionConfig {
	sc := DefaultSessionConfig()
	if cfg == nil {
		return sc
	}

	sc.Link.LossProb = cfg.Link.Loss
	sc.Link.CorruptProb = cfg.Link.Corrupt
	sc.Link.ReorderProb = cfg.Link.Reorder
	sc.Link.Seed = cfg.Link.Seed
	sc.Link.LogLevel = cfg.LogLevel
	if cfg.Link.PollTimeoutMs > 0 {
		sc.Link.PollTimeout = time.Duration(cfg.Link.PollTimeoutMs) * time.Millisecond
	}
	if cfg.Link.WriteTimeoutSec > 0 {
		sc.Link.WriteTimeout = time.Duration(cfg.Link.WriteTimeoutSec) * time.Second
	}

	if cfg.Carrier != "" {
		sc.Carrier = cfg.Carrier
	}
	if cfg.WebSocketPath != "" {
		sc.WebSocketPath = cfg.WebSocketPath
	}
	if cfg.ARQ.RTOMs > 0 {
		sc.RTO = time.Duration(cfg.ARQ.RTOMs) * time.Millisecond
	}
	if cfg.ARQ.PollIntervalMs > 0 {
		sc.PollInterval = time.Duration(cfg.ARQ.PollIntervalMs) * time.Millisecond
	}
	if cfg.ARQ.Digest != "" {
		sc.Digest = cfg.ARQ.Digest
	}
	sc.LogLevel = cfg.LogLevel
	return sc
}

// SessionStats 会话统计
type SessionStats struct {
	// 发送方
	DataSent               uint64
	Retransmits            uint64
	TimeoutRetransmits     uint64
	CorruptAckRetransmits  uint64
	MismatchAckRetransmits uint64
	AcksReceived           uint64
	StaleAcks              uint64

	// 接收方
	AcksSent   uint64
	Delivered  uint64
	Duplicates uint64
	OutOfOrder uint64

	// 解析
	CorruptFrames   uint64
	MalformedFrames uint64

	// RTT 观测 (不影响固定 RTO)
	SRTT         time.Duration
	RTTVar       time.Duration
	SuggestedRTO time.Duration

	// 状态快照
	State       string
	CurrSeq     uint64
	ExpectedSeq uint64
	LastDeliver uint64
	AppQueueLen int
	RawBufLen   int
}
