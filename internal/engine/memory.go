package engine

import (
	"runtime/metrics"
	"sync/atomic"
	"time"
)

// goja allocates from the Go heap and has no per-runtime allocator, so memory
// use is estimated as live heap growth since the start of a run. Growth is
// only attributable while a single run is active in the process. While runs
// overlap the limit is not enforced; once a run is alone again it is
// measured from a new baseline, and a run that overlapped reports no peak.
const (
	heapMetric           = "/memory/classes/heap/objects:bytes"
	memorySampleInterval = 10 * time.Millisecond
)

// activeRuns counts runs being metered in this process.
var activeRuns atomic.Int64

type heapMeter struct {
	sample   []metrics.Sample
	baseline uint64
	max      uint64
	// alone is false while other runs are active.
	alone bool
	// overlapped is set once any other run was seen.
	overlapped bool
}

// newHeapMeter registers a metered run. Callers must call Close.
func newHeapMeter() *heapMeter {
	m := &heapMeter{sample: []metrics.Sample{{Name: heapMetric}}, alone: true}
	if activeRuns.Add(1) > 1 {
		m.alone, m.overlapped = false, true
	}
	m.baseline = m.read()
	return m
}

func (m *heapMeter) read() uint64 {
	metrics.Read(m.sample)
	if m.sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return m.sample[0].Value.Uint64()
}

// Observe samples the heap and returns the growth over the baseline, and
// false when other runs are active and the growth cannot be attributed.
func (m *heapMeter) Observe() (uint64, bool) {
	if activeRuns.Load() > 1 {
		m.alone, m.overlapped = false, true
		return 0, false
	}
	cur := m.read()
	if !m.alone {
		m.alone, m.baseline = true, cur
	}
	var growth uint64
	if cur > m.baseline {
		growth = cur - m.baseline
	}
	if growth > m.max {
		m.max = growth
	}
	return growth, true
}

// Peak returns the largest growth observed, or nil when the run overlapped
// another.
func (m *heapMeter) Peak() *uint64 {
	if m.overlapped {
		return nil
	}
	peak := m.max
	return &peak
}

// Close unregisters the run.
func (m *heapMeter) Close() {
	activeRuns.Add(-1)
}
