package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall runtime counters and latencies.
type SystemMetrics struct {
	// Latency histograms
	OrderLatency    *LatencyHistogram
	StrategyLatency *LatencyHistogram
	DBLatency       *LatencyHistogram

	// Counters
	ticksProcessed   atomic.Uint64
	ticksDropped     atomic.Uint64
	barsCompleted    atomic.Uint64
	barsDiscarded    atomic.Uint64
	ordersSubmitted  atomic.Uint64
	ordersRejected   atomic.Uint64
	fillsProcessed   atomic.Uint64
	signalsGenerated atomic.Uint64
	errorsCount      atomic.Uint64

	started time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool         // samples changed since last Stats()
	cachedStats LatencyStats // cached computed stats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OrderLatency:    NewLatencyHistogram(1000),
		StrategyLatency: NewLatencyHistogram(1000),
		DBLatency:       NewLatencyHistogram(1000),
		started:         time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputed only after new samples.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SystemMetrics) IncTicks()          { m.ticksProcessed.Add(1) }
func (m *SystemMetrics) IncDroppedTicks()   { m.ticksDropped.Add(1) }
func (m *SystemMetrics) IncBars()           { m.barsCompleted.Add(1) }
func (m *SystemMetrics) IncDiscardedBars()  { m.barsDiscarded.Add(1) }
func (m *SystemMetrics) IncrementOrders()   { m.ordersSubmitted.Add(1) }
func (m *SystemMetrics) IncrementRejected() { m.ordersRejected.Add(1) }
func (m *SystemMetrics) IncrementFills()    { m.fillsProcessed.Add(1) }
func (m *SystemMetrics) IncrementSignals()  { m.signalsGenerated.Add(1) }
func (m *SystemMetrics) IncrementErrors()   { m.errorsCount.Add(1) }

// ObserveOrderLatency records the time a venue took to accept or refuse an order.
func (m *SystemMetrics) ObserveOrderLatency(d time.Duration) { m.OrderLatency.RecordDuration(d) }

// ObserveStrategyLatency records one strategy evaluation.
func (m *SystemMetrics) ObserveStrategyLatency(d time.Duration) { m.StrategyLatency.RecordDuration(d) }

// ObserveDBLatency records one fill transaction.
func (m *SystemMetrics) ObserveDBLatency(d time.Duration) { m.DBLatency.RecordDuration(d) }

// MetricsSnapshot is a point-in-time copy of every metric.
type MetricsSnapshot struct {
	OrderLatency     LatencyStats `json:"order_latency"`
	StrategyLatency  LatencyStats `json:"strategy_latency"`
	DBLatency        LatencyStats `json:"db_latency"`
	TicksProcessed   uint64       `json:"ticks_processed"`
	TicksDropped     uint64       `json:"ticks_dropped"`
	BarsCompleted    uint64       `json:"bars_completed"`
	BarsDiscarded    uint64       `json:"bars_discarded"`
	OrdersSubmitted  uint64       `json:"orders_submitted"`
	OrdersRejected   uint64       `json:"orders_rejected"`
	FillsProcessed   uint64       `json:"fills_processed"`
	SignalsGenerated uint64       `json:"signals_generated"`
	ErrorsCount      uint64       `json:"errors_count"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	HeapSys          uint64       `json:"heap_sys_bytes"`
	Uptime           string       `json:"uptime"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		OrderLatency:     m.OrderLatency.Stats(),
		StrategyLatency:  m.StrategyLatency.Stats(),
		DBLatency:        m.DBLatency.Stats(),
		TicksProcessed:   m.ticksProcessed.Load(),
		TicksDropped:     m.ticksDropped.Load(),
		BarsCompleted:    m.barsCompleted.Load(),
		BarsDiscarded:    m.barsDiscarded.Load(),
		OrdersSubmitted:  m.ordersSubmitted.Load(),
		OrdersRejected:   m.ordersRejected.Load(),
		FillsProcessed:   m.fillsProcessed.Load(),
		SignalsGenerated: m.signalsGenerated.Load(),
		ErrorsCount:      m.errorsCount.Load(),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		Uptime:           time.Since(m.started).Truncate(time.Second).String(),
		Timestamp:        time.Now(),
	}
}
