package models

import (
	"sync/atomic"
	"time"
)

// RunStatus is the lifecycle state of a discovery run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// DiscoveryRun is one bounded execution of the pipeline for a single patch.
type DiscoveryRun struct {
	ID         string     `json:"id"`
	PatchID    string     `json:"patch_id"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Processed  int64      `json:"processed"`
	Saved      int64      `json:"saved"`
	Denied     int64      `json:"denied"`
	Failed     int64      `json:"failed"`
	LastError  string     `json:"last_error,omitempty"`
}

// RunMetrics collects live counters for an in-flight run. All fields are
// updated atomically by processor workers.
type RunMetrics struct {
	Processed atomic.Int64
	Saved     atomic.Int64
	Denied    atomic.Int64
	Failed    atomic.Int64
	startedAt time.Time
}

// NewRunMetrics returns a metrics collector anchored at now.
func NewRunMetrics() *RunMetrics {
	return &RunMetrics{startedAt: time.Now()}
}

// RunMetricsSnapshot is the wire form of RunMetrics.
type RunMetricsSnapshot struct {
	Processed int64   `json:"processed"`
	Saved     int64   `json:"saved"`
	Denied    int64   `json:"denied"`
	Failed    int64   `json:"failed"`
	Rate      float64 `json:"rate"` // citations per second since run start
}

// Snapshot returns a point-in-time copy of the counters.
func (m *RunMetrics) Snapshot() RunMetricsSnapshot {
	s := RunMetricsSnapshot{
		Processed: m.Processed.Load(),
		Saved:     m.Saved.Load(),
		Denied:    m.Denied.Load(),
		Failed:    m.Failed.Load(),
	}
	if elapsed := time.Since(m.startedAt).Seconds(); elapsed > 0 {
		s.Rate = float64(s.Processed) / elapsed
	}
	return s
}
