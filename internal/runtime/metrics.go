// internal/runtime/metrics.go
package runtime

import (
	"sync/atomic"
	"time"
)

var sinkLatencyBucketUpperMicros = [8]uint64{100, 250, 500, 1_000, 2_500, 5_000, 10_000, ^uint64(0)}

// MetricsSnapshot is the immutable view handed to observers.
type MetricsSnapshot struct {
	UptimeMillis              uint64  `json:"uptimeMillis"`
	IngressTotal              uint64  `json:"ingressTotal"`
	IngressRatePerSec         float64 `json:"ingressRatePerSec"`
	PendingRPCCount           uint64  `json:"pendingRpcCount"`
	PendingServerRequestCount uint64  `json:"pendingServerRequestCount"`
	InvalidFrameCount         uint64  `json:"invalidFrameCount"`
	LateResponseDropCount     uint64  `json:"lateResponseDropCount"`
	BroadcastDropCount        uint64  `json:"broadcastDropCount"`
	SinkQueueDepth            uint64  `json:"sinkQueueDepth"`
	SinkQueueDropped          uint64  `json:"sinkQueueDropped"`
	SinkWriteCount            uint64  `json:"sinkWriteCount"`
	SinkWriteErrorCount       uint64  `json:"sinkWriteErrorCount"`
	SinkLatencyAvgMicros      float64 `json:"sinkLatencyAvgMicros"`
	SinkLatencyP95Micros      uint64  `json:"sinkLatencyP95Micros"`
	SinkLatencyMaxMicros      uint64  `json:"sinkLatencyMaxMicros"`
	TransportMalformedLines   uint64  `json:"transportMalformedLines"`
	TransportDroppedFrames    uint64  `json:"transportDroppedFrames"`
}

// Metrics holds the runtime's lock-free counters. Hot paths stay O(1).
type Metrics struct {
	startUnixMillis int64

	ingressTotal          atomic.Uint64
	pendingRPC            atomic.Uint64
	pendingServerRequests atomic.Uint64
	invalidFrames         atomic.Uint64
	lateResponsesDropped  atomic.Uint64
	broadcastDropped      atomic.Uint64

	sinkQueueDepth    atomic.Uint64
	sinkDropped       atomic.Uint64
	sinkWrites        atomic.Uint64
	sinkWriteErrors   atomic.Uint64
	sinkLatencyTotal  atomic.Uint64
	sinkLatencyMax    atomic.Uint64
	sinkLatencyBucket [8]atomic.Uint64

	transportMalformed atomic.Uint64
	transportDropped   atomic.Uint64
}

// NewMetrics creates zeroed counters anchored at now.
func NewMetrics() *Metrics {
	return &Metrics{startUnixMillis: time.Now().UnixMilli()}
}

func (m *Metrics) recordIngress() { m.ingressTotal.Add(1) }
func (m *Metrics) incPendingRPC() { m.pendingRPC.Add(1) }
func (m *Metrics) decPendingRPC() { saturatingDec(&m.pendingRPC) }
func (m *Metrics) setPendingRPC(n uint64) { m.pendingRPC.Store(n) }
func (m *Metrics) incPendingServerRequest() { m.pendingServerRequests.Add(1) }
func (m *Metrics) decPendingServerRequest() { saturatingDec(&m.pendingServerRequests) }
func (m *Metrics) setPendingServerRequest(n uint64) {
	m.pendingServerRequests.Store(n)
}
func (m *Metrics) recordInvalidFrame() { m.invalidFrames.Add(1) }
func (m *Metrics) recordLateResponseDrop() { m.lateResponsesDropped.Add(1) }
func (m *Metrics) recordBroadcastDrop() { m.broadcastDropped.Add(1) }
func (m *Metrics) incSinkQueueDepth() { m.sinkQueueDepth.Add(1) }
func (m *Metrics) decSinkQueueDepth() { saturatingDec(&m.sinkQueueDepth) }
func (m *Metrics) recordSinkDrop() { m.sinkDropped.Add(1) }
func (m *Metrics) setTransportCounters(malformed, dropped uint64) {
	m.transportMalformed.Store(malformed)
	m.transportDropped.Store(dropped)
}

func (m *Metrics) recordSinkWrite(latencyMicros uint64, isError bool) {
	m.sinkWrites.Add(1)
	if isError {
		m.sinkWriteErrors.Add(1)
	}
	m.sinkLatencyTotal.Add(latencyMicros)
	maxUpdate(&m.sinkLatencyMax, latencyMicros)
	m.sinkLatencyBucket[sinkLatencyBucketIndex(latencyMicros)].Add(1)
}

// Snapshot builds an immutable metrics view.
func (m *Metrics) Snapshot() MetricsSnapshot {
	nowMillis := time.Now().UnixMilli()
	var uptime uint64
	if nowMillis > m.startUnixMillis {
		uptime = uint64(nowMillis - m.startUnixMillis)
	}
	ingress := m.ingressTotal.Load()
	var rate float64
	if uptime > 0 {
		rate = float64(ingress) / (float64(uptime) / 1000.0)
	}

	writes := m.sinkWrites.Load()
	var avg float64
	if writes > 0 {
		avg = float64(m.sinkLatencyTotal.Load()) / float64(writes)
	}

	return MetricsSnapshot{
		UptimeMillis:              uptime,
		IngressTotal:              ingress,
		IngressRatePerSec:         rate,
		PendingRPCCount:           m.pendingRPC.Load(),
		PendingServerRequestCount: m.pendingServerRequests.Load(),
		InvalidFrameCount:         m.invalidFrames.Load(),
		LateResponseDropCount:     m.lateResponsesDropped.Load(),
		BroadcastDropCount:        m.broadcastDropped.Load(),
		SinkQueueDepth:            m.sinkQueueDepth.Load(),
		SinkQueueDropped:          m.sinkDropped.Load(),
		SinkWriteCount:            writes,
		SinkWriteErrorCount:       m.sinkWriteErrors.Load(),
		SinkLatencyAvgMicros:      avg,
		SinkLatencyP95Micros:      m.latencyP95(),
		SinkLatencyMaxMicros:      m.sinkLatencyMax.Load(),
		TransportMalformedLines:   m.transportMalformed.Load(),
		TransportDroppedFrames:    m.transportDropped.Load(),
	}
}

func (m *Metrics) latencyP95() uint64 {
	total := m.sinkWrites.Load()
	if total == 0 {
		return 0
	}
	threshold := (total*95 + 99) / 100
	var cumulative uint64
	for i, upper := range sinkLatencyBucketUpperMicros {
		cumulative += m.sinkLatencyBucket[i].Load()
		if cumulative >= threshold {
			return upper
		}
	}
	return ^uint64(0)
}

func sinkLatencyBucketIndex(latencyMicros uint64) int {
	for i, upper := range sinkLatencyBucketUpperMicros {
		if latencyMicros <= upper {
			return i
		}
	}
	return len(sinkLatencyBucketUpperMicros) - 1
}

func saturatingDec(v *atomic.Uint64) {
	for {
		current := v.Load()
		if current == 0 {
			return
		}
		if v.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func maxUpdate(v *atomic.Uint64, candidate uint64) {
	for {
		current := v.Load()
		if candidate <= current {
			return
		}
		if v.CompareAndSwap(current, candidate) {
			return
		}
	}
}
