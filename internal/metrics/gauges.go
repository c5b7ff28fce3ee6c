// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Histogram）- 帧、重传、交付、链路损伤
// =============================================================================
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "swrdt"

// SWRDTMetrics 会话与链路埋点指标
//
// 所有 Record 方法允许 nil 接收者，未启用监控时直接忽略。
type SWRDTMetrics struct {
	// 帧相关
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	// ARQ 相关
	Retransmits *prometheus.CounterVec
	AckLatency  prometheus.Histogram
	Deliveries  prometheus.Counter
	Duplicates  prometheus.Counter
	OutOfOrder  prometheus.Counter

	// 链路模拟
	LinkEvents *prometheus.CounterVec
	LinkBytes  *prometheus.CounterVec
}

// NewSWRDTMetrics 创建指标集合并注册到 registry
func NewSWRDTMetrics(registry *prometheus.Registry) *SWRDTMetrics {
	m := &SWRDTMetrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames handed to the link, by kind (data, ack, retransmit)",
		}, []string{"kind"}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from the link, by status (clean, corrupt, malformed)",
		}, []string{"status"}),

		Retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "retransmits_total",
			Help:      "Retransmissions of the outstanding frame, by reason",
		}, []string{"reason"}),

		AckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "ack_latency_seconds",
			Help:      "Time from first transmission to the matching ACK",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),

		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "deliveries_total",
			Help:      "Payloads delivered in order to the application queue",
		}),

		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "duplicates_total",
			Help:      "DATA frames already delivered",
		}),

		OutOfOrder: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "out_of_order_total",
			Help:      "DATA frames ahead of the expected sequence number",
		}),

		LinkEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "events_total",
			Help:      "Link simulator decisions per write (write, drop, corrupt, hold, flush)",
		}, []string{"event"}),

		LinkBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "bytes_total",
			Help:      "Bytes moved over the carrier connection",
		}, []string{"direction"}),
	}

	registry.MustRegister(
		m.FramesSent,
		m.FramesReceived,
		m.Retransmits,
		m.AckLatency,
		m.Deliveries,
		m.Duplicates,
		m.OutOfOrder,
		m.LinkEvents,
		m.LinkBytes,
	)

	return m
}

// RecordFrameSent 记录发出的帧
func (m *SWRDTMetrics) RecordFrameSent(kind string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(kind).Inc()
}

// RecordFrameReceived 记录解码的帧
func (m *SWRDTMetrics) RecordFrameReceived(status string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(status).Inc()
}

// RecordRetransmit 记录重传
func (m *SWRDTMetrics) RecordRetransmit(reason string) {
	if m == nil {
		return
	}
	m.Retransmits.WithLabelValues(reason).Inc()
}

// RecordAckLatency 记录 ACK 延迟
func (m *SWRDTMetrics) RecordAckLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.AckLatency.Observe(d.Seconds())
}

// RecordDelivery 记录交付
func (m *SWRDTMetrics) RecordDelivery() {
	if m == nil {
		return
	}
	m.Deliveries.Inc()
}

// RecordDuplicate 记录重复帧
func (m *SWRDTMetrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

// RecordOutOfOrder 记录乱序帧
func (m *SWRDTMetrics) RecordOutOfOrder() {
	if m == nil {
		return
	}
	m.OutOfOrder.Inc()
}

// RecordLinkEvent 记录链路模拟事件
func (m *SWRDTMetrics) RecordLinkEvent(event string) {
	if m == nil {
		return
	}
	m.LinkEvents.WithLabelValues(event).Inc()
}

// RecordLinkBytes 记录链路字节数
func (m *SWRDTMetrics) RecordLinkBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.LinkBytes.WithLabelValues(direction).Add(float64(n))
}
