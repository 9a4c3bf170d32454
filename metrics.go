package flowauth

import "sync/atomic"

// MetricID identifies one counter.
type MetricID uint16

const (
	// MetricExecutionStarted counts snapshot builds that produced a live
	// execution.
	MetricExecutionStarted MetricID = iota
	// MetricExecutionCompleted counts executions that rendered their
	// continuation redirect.
	MetricExecutionCompleted
	// MetricAccessDenied counts denied checks.
	MetricAccessDenied
	// MetricSubmissionRejected counts user-correctable submission errors.
	MetricSubmissionRejected
	// MetricPolicyError counts sandbox or resolution failures during policy
	// evaluation.
	MetricPolicyError
	// MetricSnapshotUnresolved counts freezes that reported unresolved
	// references.
	MetricSnapshotUnresolved
	// MetricCompletionCeiling counts completion loops halted by the
	// iteration ceiling.
	MetricCompletionCeiling
	// MetricCacheEvicted counts execution cache evictions.
	MetricCacheEvicted
	// MetricLoginSuccess counts user login side effects.
	MetricLoginSuccess
	// MetricLogout counts user logout side effects.
	MetricLogout

	metricCount
)

// Metrics is a fixed set of in-process atomic counters. Snapshot copies are
// cheap enough for scrape handlers.
type Metrics struct {
	counters [metricCount]atomic.Uint64
}

// NewMetrics returns a zeroed counter set.
func NewMetrics() *Metrics { return &Metrics{} }

// Inc adds one to the counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || id >= metricCount {
		return
	}
	m.counters[id].Add(1)
}

// Add adds n to the counter.
func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || id >= metricCount {
		return
	}
	m.counters[id].Add(n)
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Counters: make(map[MetricID]uint64, metricCount)}
	if m == nil {
		return snap
	}
	for id := MetricID(0); id < metricCount; id++ {
		snap.Counters[id] = m.counters[id].Load()
	}
	return snap
}

// MetricsSnapshot returns the engine's counters, empty when metrics are
// disabled.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}
