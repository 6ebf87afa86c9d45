package engine

import (
	"sync/atomic"
	"time"
)

// Metrics holds atomic engine counters.
type Metrics struct {
	CommandsSubmitted atomic.Uint64
	CommandsSucceeded atomic.Uint64
	CommandsFailed    atomic.Uint64
	CommandsCancelled atomic.Uint64

	// CommandsPromoted counts executions that exceeded the synchronous
	// budget and were promoted to RUNNING + polling.
	CommandsPromoted atomic.Uint64

	// StateMissing counts messages discarded because their state had
	// already expired from the store.
	StateMissing atomic.Uint64

	StoreErrors  atomic.Uint64
	NotifyErrors atomic.Uint64

	ProcessingTimeNs atomic.Uint64

	// Start time for rate calculations
	StartTime time.Time
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{StartTime: time.Now()}
}

// CompletionRate returns terminal completions per second.
func (m *Metrics) CompletionRate() float64 {
	elapsed := time.Since(m.StartTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	total := m.CommandsSucceeded.Load() + m.CommandsFailed.Load() + m.CommandsCancelled.Load()
	return float64(total) / elapsed
}

// MetricsSnapshot represents a point-in-time metrics snapshot
type MetricsSnapshot struct {
	Timestamp         time.Time
	CommandsSubmitted uint64
	CommandsSucceeded uint64
	CommandsFailed    uint64
	CommandsCancelled uint64
	CommandsPromoted  uint64
	StateMissing      uint64
	StoreErrors       uint64
	NotifyErrors      uint64
	CompletionRate    float64
	AvgProcessingMs   float64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	completed := m.CommandsSucceeded.Load() + m.CommandsFailed.Load() + m.CommandsCancelled.Load()
	var avgMs float64
	if completed > 0 {
		avgMs = float64(m.ProcessingTimeNs.Load()) / float64(completed) / 1_000_000
	}
	return MetricsSnapshot{
		Timestamp:         time.Now(),
		CommandsSubmitted: m.CommandsSubmitted.Load(),
		CommandsSucceeded: m.CommandsSucceeded.Load(),
		CommandsFailed:    m.CommandsFailed.Load(),
		CommandsCancelled: m.CommandsCancelled.Load(),
		CommandsPromoted:  m.CommandsPromoted.Load(),
		StateMissing:      m.StateMissing.Load(),
		StoreErrors:       m.StoreErrors.Load(),
		NotifyErrors:      m.NotifyErrors.Load(),
		CompletionRate:    m.CompletionRate(),
		AvgProcessingMs:   avgMs,
	}
}
