package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbc-toolkit/dbcpatch/pkg/patch"
)

// Metrics collects pipeline statistics.
type Metrics interface {
	// RecordDecompile records obtaining a base tree, from cache or fresh.
	RecordDecompile(duration time.Duration, cached, success bool)
	// RecordApply records the outcome of one patch file.
	RecordApply(result patch.ApplyResult)
	// RecordRun records a finished apply run.
	RecordRun(duration time.Duration, success bool)
	// Snapshot returns the current metrics.
	Snapshot() MetricsSnapshot
	// Reset clears all metrics.
	Reset()
}

// MetricsSnapshot is a point-in-time view of collected metrics.
type MetricsSnapshot struct {
	Decompiles DecompileMetrics
	// Files counts patch files per apply status.
	Files map[patch.Status]int64
	// Fuzz counts applied patch files per maximum fuzz level.
	Fuzz map[int]int64
	// MaxOffset is the largest absolute offset seen.
	MaxOffset   int
	Runs        int64
	FailedRuns  int64
	LastRunTime time.Duration
}

// DecompileMetrics tracks base tree acquisition.
type DecompileMetrics struct {
	Total     int64
	Cached    int64
	Failed    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// NoOpMetrics discards all metrics.
type NoOpMetrics struct{}

func (NoOpMetrics) RecordDecompile(time.Duration, bool, bool) {}
func (NoOpMetrics) RecordApply(patch.ApplyResult)            {}
func (NoOpMetrics) RecordRun(time.Duration, bool)            {}
func (NoOpMetrics) Snapshot() MetricsSnapshot                { return MetricsSnapshot{} }
func (NoOpMetrics) Reset()                                   {}

// InMemoryMetrics is a thread-safe in-memory collector.
type InMemoryMetrics struct {
	mu          sync.RWMutex
	decompiles  DecompileMetrics
	files       map[patch.Status]int64
	fuzz        map[int]int64
	maxOffset   int
	lastRunTime time.Duration

	runs       atomic.Int64
	failedRuns atomic.Int64
}

// NewInMemoryMetrics creates an empty collector.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		files: make(map[patch.Status]int64),
		fuzz:  make(map[int]int64),
	}
}

func (m *InMemoryMetrics) RecordDecompile(duration time.Duration, cached, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := &m.decompiles
	d.Total++
	if cached {
		d.Cached++
	}
	if !success {
		d.Failed++
	}
	d.TotalTime += duration
	if d.Total == 1 || duration < d.MinTime {
		d.MinTime = duration
	}
	if duration > d.MaxTime {
		d.MaxTime = duration
	}
}

func (m *InMemoryMetrics) RecordApply(result patch.ApplyResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[result.Status]++
	if result.Failed() {
		return
	}
	m.fuzz[result.Fuzz]++
	offset := result.Offset
	if offset < 0 {
		offset = -offset
	}
	if offset > m.maxOffset {
		m.maxOffset = offset
	}
}

func (m *InMemoryMetrics) RecordRun(duration time.Duration, success bool) {
	m.runs.Add(1)
	if !success {
		m.failedRuns.Add(1)
	}
	m.mu.Lock()
	m.lastRunTime = duration
	m.mu.Unlock()
}

func (m *InMemoryMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		Decompiles:  m.decompiles,
		Files:       make(map[patch.Status]int64, len(m.files)),
		Fuzz:        make(map[int]int64, len(m.fuzz)),
		MaxOffset:   m.maxOffset,
		Runs:        m.runs.Load(),
		FailedRuns:  m.failedRuns.Load(),
		LastRunTime: m.lastRunTime,
	}
	for k, v := range m.files {
		snap.Files[k] = v
	}
	for k, v := range m.fuzz {
		snap.Fuzz[k] = v
	}
	return snap
}

func (m *InMemoryMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.decompiles = DecompileMetrics{}
	m.files = make(map[patch.Status]int64)
	m.fuzz = make(map[int]int64)
	m.maxOffset = 0
	m.lastRunTime = 0
	m.runs.Store(0)
	m.failedRuns.Store(0)
}
