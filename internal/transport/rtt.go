// =============================================================================
// 文件: internal/transport/rtt.go
// 描述: RTT 测量与估算 (RFC 6298)，只用于观测，不改变固定 RTO
// =============================================================================
package transport

import (
	"sync"
	"time"
)

const (
	rttAlpha = 0.125 // SRTT 平滑因子 (1/8)
	rttBeta  = 0.25  // RTT 方差因子 (1/4)

	minSuggestedRTO = 100 * time.Millisecond
	maxSuggestedRTO = 60 * time.Second
)

// RTTEstimator RTT 估算器
//
// 只接受未经重传的 DATA 的 ACK 作为样本 (Karn 算法)，
// 否则无法区分 ACK 确认的是哪一次发送。
type RTTEstimator struct {
	smoothedRTT time.Duration
	rttVariance time.Duration

	samples     uint64
	initialized bool

	mu sync.RWMutex
}

// NewRTTEstimator 创建 RTT 估算器
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{}
}

// Update 加入一个 RTT 样本
func (r *RTTEstimator) Update(sample time.Duration) {
	if sample <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples++

	if !r.initialized {
		r.smoothedRTT = sample
		r.rttVariance = sample / 2
		r.initialized = true
		return
	}

	// RTTVAR = (1 - beta) * RTTVAR + beta * |SRTT - R|
	diff := r.smoothedRTT - sample
	if diff < 0 {
		diff = -diff
	}
	r.rttVariance = time.Duration(float64(r.rttVariance)*(1-rttBeta) + float64(diff)*rttBeta)

	// SRTT = (1 - alpha) * SRTT + alpha * R
	r.smoothedRTT = time.Duration(float64(r.smoothedRTT)*(1-rttAlpha) + float64(sample)*rttAlpha)
}

// SmoothedRTT 平滑 RTT，没有样本时为 0
func (r *RTTEstimator) SmoothedRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.smoothedRTT
}

// RTTVariance RTT 方差
func (r *RTTEstimator) RTTVariance() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rttVariance
}

// Samples 样本数
func (r *RTTEstimator) Samples() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.samples
}

// SuggestedRTO 按 RFC 6298 计算的 RTO，没有样本时返回 0
func (r *RTTEstimator) SuggestedRTO() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.initialized {
		return 0
	}

	// RTO = SRTT + max(G, 4*RTTVAR)，G 取 1ms
	rto := r.smoothedRTT + 4*r.rttVariance
	if rto < r.smoothedRTT+time.Millisecond {
		rto = r.smoothedRTT + time.Millisecond
	}
	if rto < minSuggestedRTO {
		rto = minSuggestedRTO
	}
	if rto > maxSuggestedRTO {
		rto = maxSuggestedRTO
	}
	return rto
}
