package observability

import (
	"sync"
	"time"
)

type OperationSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// ReconSnapshot counts the reconciliation outcomes that matter to operators:
// security events and the flags that require manual review.
type ReconSnapshot struct {
	InvalidSignatures   int64 `json:"invalid_signatures"`
	SkippedSignatures   int64 `json:"skipped_signatures"`
	UnrecognizedFormats int64 `json:"unrecognized_formats"`
	UnknownOrders       int64 `json:"unknown_orders"`
	DuplicateDeliveries int64 `json:"duplicate_deliveries"`
	AmountMismatches    int64 `json:"amount_mismatches"`
	TerminalConflicts   int64 `json:"terminal_conflicts"`
}

type Snapshot struct {
	UptimeSec       int64                        `json:"uptime_sec"`
	TotalRequests   int64                        `json:"total_requests"`
	TotalErrors     int64                        `json:"total_errors"`
	InFlight        int64                        `json:"in_flight"`
	RateLimitWaits  int64                        `json:"rate_limit_waits"`
	RateLimitWaitMs int64                        `json:"rate_limit_wait_ms"`
	Recon           ReconSnapshot                `json:"recon"`
	Lifecycle       *LifecycleSnapshot           `json:"lifecycle,omitempty"`
	Operations      map[string]OperationSnapshot `json:"operations"`
}

type operationStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	operations     map[string]*operationStats
	rateLimitWaits int64
	rateLimitWait  time.Duration
	recon          ReconSnapshot
	lifecycle      lifecycleStats
}

type CallSpan struct {
	metrics   *Metrics
	operation string
	start     time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:      time.Now(),
		operations: make(map[string]*operationStats),
	}
}

func (m *Metrics) Start(operation string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureOperation(operation)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics:   m,
		operation: operation,
		start:     time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.operation, dur, err != nil)
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

// Recon outcome counters. All nil-safe so callers never guard.

func (m *Metrics) AddInvalidSignature() { m.addRecon(func(r *ReconSnapshot) { r.InvalidSignatures++ }) }
func (m *Metrics) AddSkippedSignature() { m.addRecon(func(r *ReconSnapshot) { r.SkippedSignatures++ }) }
func (m *Metrics) AddUnrecognizedFormat() {
	m.addRecon(func(r *ReconSnapshot) { r.UnrecognizedFormats++ })
}
func (m *Metrics) AddUnknownOrder() { m.addRecon(func(r *ReconSnapshot) { r.UnknownOrders++ }) }
func (m *Metrics) AddDuplicateDelivery() {
	m.addRecon(func(r *ReconSnapshot) { r.DuplicateDeliveries++ })
}
func (m *Metrics) AddAmountMismatch() { m.addRecon(func(r *ReconSnapshot) { r.AmountMismatches++ }) }
func (m *Metrics) AddTerminalConflict() {
	m.addRecon(func(r *ReconSnapshot) { r.TerminalConflicts++ })
}

func (m *Metrics) addRecon(fn func(*ReconSnapshot)) {
	if m == nil {
		return
	}
	m.mu.Lock()
	fn(&m.recon)
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:       int64(now.Sub(m.start).Seconds()),
		Operations:      make(map[string]OperationSnapshot),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
		Recon:           m.recon,
	}

	for operation, stats := range m.operations {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Operations[operation] = OperationSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureOperation(operation string) *operationStats {
	stats, ok := m.operations[operation]
	if !ok {
		stats = &operationStats{}
		m.operations[operation] = stats
	}
	return stats
}

func (m *Metrics) finish(operation string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureOperation(operation)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
