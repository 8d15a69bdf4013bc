package ioreq

import (
	"sync/atomic"
	"time"
)

// Metrics tracks operational statistics for one registry. All counters
// are updated lock-free from the dispatch and completion paths.
type Metrics struct {
	// Dispatch counters
	SyncSent     atomic.Uint64 // Synchronous requests handed to a server
	BufferedSent atomic.Uint64 // Requests queued on a buffered ring
	Unrouted     atomic.Uint64 // Requests no enabled server claimed
	BufferedFull atomic.Uint64 // Buffered sends rejected for lack of space

	// Completion counters
	Completions atomic.Uint64 // Synchronous responses consumed

	// Error counters
	TargetCrashes atomic.Uint64 // Protocol violations that crashed the target

	// Wait tracking
	TotalWaitNs atomic.Uint64 // Cumulative time vCPUs spent blocked
	WaitCount   atomic.Uint64 // Number of timed waits

	// Lifecycle
	StartTime atomic.Int64 // Registry creation timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordWait records time a vCPU spent blocked on an emulator response.
func (m *Metrics) RecordWait(d time.Duration) {
	m.TotalWaitNs.Add(uint64(d.Nanoseconds()))
	m.WaitCount.Add(1)
}

// MetricsSnapshot is a point-in-time copy of the counters plus derived
// statistics.
type MetricsSnapshot struct {
	SyncSent      uint64
	BufferedSent  uint64
	Unrouted      uint64
	BufferedFull  uint64
	Completions   uint64
	TargetCrashes uint64

	// Derived
	AvgWaitNs  uint64
	UptimeNs   uint64
	TotalSent  uint64
	BufferHits float64 // Fraction of routed requests taking the buffered path
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		SyncSent:      m.SyncSent.Load(),
		BufferedSent:  m.BufferedSent.Load(),
		Unrouted:      m.Unrouted.Load(),
		BufferedFull:  m.BufferedFull.Load(),
		Completions:   m.Completions.Load(),
		TargetCrashes: m.TargetCrashes.Load(),
	}

	snap.TotalSent = snap.SyncSent + snap.BufferedSent
	if snap.TotalSent > 0 {
		snap.BufferHits = float64(snap.BufferedSent) / float64(snap.TotalSent)
	}
	if n := m.WaitCount.Load(); n > 0 {
		snap.AvgWaitNs = m.TotalWaitNs.Load() / n
	}
	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())
	return snap
}
