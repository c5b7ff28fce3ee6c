// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义 - 会话状态与链路统计快照
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Session 收集器
// =============================================================================

// SessionStats 会话统计数据接口
type SessionStats interface {
	GetSessionStats() SessionStatData
}

// SessionStatData 会话统计数据
type SessionStatData struct {
	Role          string
	State         string
	CurrSeq       uint64
	ExpectedSeq   uint64
	LastDelivered uint64
	AppQueueLen   int
	RawBufLen     int

	DataSent        uint64
	AcksSent        uint64
	AcksReceived    uint64
	Delivered       uint64
	CorruptFrames   uint64
	MalformedFrames uint64

	SRTTSeconds   float64
	RTTVarSeconds float64
}

// sessionStates 会话可能的状态
var sessionStates = []string{"IDLE", "AWAITING_ACK", "ABORTED", "CLOSED"}

// SessionCollector 会话指标收集器
type SessionCollector struct {
	statsProvider SessionStats

	stateDesc         *prometheus.Desc
	currSeqDesc       *prometheus.Desc
	expectedSeqDesc   *prometheus.Desc
	lastDeliveredDesc *prometheus.Desc
	appQueueDesc      *prometheus.Desc
	rawBufDesc        *prometheus.Desc
	dataSentDesc      *prometheus.Desc
	acksSentDesc      *prometheus.Desc
	acksReceivedDesc  *prometheus.Desc
	deliveredDesc     *prometheus.Desc
	corruptDesc       *prometheus.Desc
	malformedDesc     *prometheus.Desc
	srttDesc          *prometheus.Desc
	rttVarDesc        *prometheus.Desc
}

// NewSessionCollector 创建会话收集器
func NewSessionCollector(provider SessionStats) *SessionCollector {
	subsystem := "session"

	return &SessionCollector{
		statsProvider: provider,

		stateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "state"),
			"Current sender state (1 = active)",
			[]string{"role", "state"}, nil,
		),
		currSeqDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "current_seq"),
			"Next sequence number awaiting acknowledgment",
			[]string{"role"}, nil,
		),
		expectedSeqDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "expected_seq"),
			"Next in-order sequence number to accept",
			[]string{"role"}, nil,
		),
		lastDeliveredDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "last_delivered_seq"),
			"Highest sequence number handed to the application",
			[]string{"role"}, nil,
		),
		appQueueDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "app_queue_length"),
			"Payloads waiting for the application",
			[]string{"role"}, nil,
		),
		rawBufDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "raw_buffer_bytes"),
			"Unparsed inbound bytes",
			[]string{"role"}, nil,
		),
		dataSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "data_sent_total"),
			"Distinct DATA frames sent",
			[]string{"role"}, nil,
		),
		acksSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "acks_sent_total"),
			"ACK frames sent",
			[]string{"role"}, nil,
		),
		acksReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "acks_received_total"),
			"Matching ACK frames received",
			[]string{"role"}, nil,
		),
		deliveredDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "delivered_total"),
			"Payloads delivered in order",
			[]string{"role"}, nil,
		),
		corruptDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "corrupt_frames_total"),
			"Frames failing checksum verification",
			[]string{"role"}, nil,
		),
		malformedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "malformed_frames_total"),
			"Resynchronization events on unparseable length or sequence fields",
			[]string{"role"}, nil,
		),
		srttDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "srtt_seconds"),
			"Smoothed round-trip time from ACKs of frames sent once",
			[]string{"role"}, nil,
		),
		rttVarDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "rtt_variance_seconds"),
			"Round-trip time variance",
			[]string{"role"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateDesc
	ch <- c.currSeqDesc
	ch <- c.expectedSeqDesc
	ch <- c.lastDeliveredDesc
	ch <- c.appQueueDesc
	ch <- c.rawBufDesc
	ch <- c.dataSentDesc
	ch <- c.acksSentDesc
	ch <- c.acksReceivedDesc
	ch <- c.deliveredDesc
	ch <- c.corruptDesc
	ch <- c.malformedDesc
	ch <- c.srttDesc
	ch <- c.rttVarDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.statsProvider.GetSessionStats()
	role := stats.Role

	for _, state := range sessionStates {
		val := 0.0
		if state == stats.State {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, val, role, state)
	}

	ch <- prometheus.MustNewConstMetric(c.currSeqDesc, prometheus.GaugeValue, float64(stats.CurrSeq), role)
	ch <- prometheus.MustNewConstMetric(c.expectedSeqDesc, prometheus.GaugeValue, float64(stats.ExpectedSeq), role)
	ch <- prometheus.MustNewConstMetric(c.lastDeliveredDesc, prometheus.GaugeValue, float64(stats.LastDelivered), role)
	ch <- prometheus.MustNewConstMetric(c.appQueueDesc, prometheus.GaugeValue, float64(stats.AppQueueLen), role)
	ch <- prometheus.MustNewConstMetric(c.rawBufDesc, prometheus.GaugeValue, float64(stats.RawBufLen), role)

	ch <- prometheus.MustNewConstMetric(c.dataSentDesc, prometheus.CounterValue, float64(stats.DataSent), role)
	ch <- prometheus.MustNewConstMetric(c.acksSentDesc, prometheus.CounterValue, float64(stats.AcksSent), role)
	ch <- prometheus.MustNewConstMetric(c.acksReceivedDesc, prometheus.CounterValue, float64(stats.AcksReceived), role)
	ch <- prometheus.MustNewConstMetric(c.deliveredDesc, prometheus.CounterValue, float64(stats.Delivered), role)
	ch <- prometheus.MustNewConstMetric(c.corruptDesc, prometheus.CounterValue, float64(stats.CorruptFrames), role)
	ch <- prometheus.MustNewConstMetric(c.malformedDesc, prometheus.CounterValue, float64(stats.MalformedFrames), role)

	ch <- prometheus.MustNewConstMetric(c.srttDesc, prometheus.GaugeValue, stats.SRTTSeconds, role)
	ch <- prometheus.MustNewConstMetric(c.rttVarDesc, prometheus.GaugeValue, stats.RTTVarSeconds, role)
}

// =============================================================================
// Link 收集器
// =============================================================================

// LinkStats 链路统计数据接口
type LinkStats interface {
	GetLinkStats() LinkStatData
}

// LinkStatData 链路统计数据
type LinkStatData struct {
	Writes        uint64
	BytesSent     uint64
	BytesReceived uint64
	Dropped       uint64
	Corrupted     uint64
	Held          uint64
	Flushed       uint64
	Holding       bool
}

// LinkCollector 链路指标收集器
type LinkCollector struct {
	statsProvider LinkStats

	writesDesc   *prometheus.Desc
	bytesDesc    *prometheus.Desc
	impairedDesc *prometheus.Desc
	holdingDesc  *prometheus.Desc
}

// NewLinkCollector 创建链路收集器
func NewLinkCollector(provider LinkStats) *LinkCollector {
	subsystem := "link_simulator"

	return &LinkCollector{
		statsProvider: provider,

		writesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "writes_total"),
			"Writes that reached the carrier",
			nil, nil,
		),
		bytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_total"),
			"Bytes over the carrier",
			[]string{"direction"}, nil,
		),
		impairedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "impairments_total"),
			"Impairments applied to outgoing writes",
			[]string{"kind"}, nil,
		),
		holdingDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "holding"),
			"Whether a write is currently held back (1 = yes)",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *LinkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.writesDesc
	ch <- c.bytesDesc
	ch <- c.impairedDesc
	ch <- c.holdingDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *LinkCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.statsProvider.GetLinkStats()

	ch <- prometheus.MustNewConstMetric(c.writesDesc, prometheus.CounterValue, float64(stats.Writes))
	ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(stats.BytesSent), "sent")
	ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(stats.BytesReceived), "received")
	ch <- prometheus.MustNewConstMetric(c.impairedDesc, prometheus.CounterValue, float64(stats.Dropped), "drop")
	ch <- prometheus.MustNewConstMetric(c.impairedDesc, prometheus.CounterValue, float64(stats.Corrupted), "corrupt")
	ch <- prometheus.MustNewConstMetric(c.impairedDesc, prometheus.CounterValue, float64(stats.Held), "hold")
	ch <- prometheus.MustNewConstMetric(c.impairedDesc, prometheus.CounterValue, float64(stats.Flushed), "flush")

	holding := 0.0
	if stats.Holding {
		holding = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.holdingDesc, prometheus.GaugeValue, holding)
}
