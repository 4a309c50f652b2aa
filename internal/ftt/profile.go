package ftt

import "sync/atomic"

// Profiler captures instrumentation hooks for structural edits.
type Profiler interface {
	RecordRefine(created int)
	RecordCoarsen(removed int)
	RecordDestroy(destroyed int)
}

// SetProfiler installs p on the tree. A nil profiler disables recording.
func (t *Tree[T]) SetProfiler(p Profiler) {
	t.profiler = profilerHook{p: p}
}

type profilerHook struct {
	p Profiler
}

func (h profilerHook) recordRefine(n int) {
	if h.p != nil {
		h.p.RecordRefine(n)
	}
}

func (h profilerHook) recordCoarsen(n int) {
	if h.p != nil && n > 0 {
		h.p.RecordCoarsen(n)
	}
}

func (h profilerHook) recordDestroy(n int) {
	if h.p != nil {
		h.p.RecordDestroy(n)
	}
}

// Metrics accumulates structural edit counters.
type Metrics struct {
	refines   atomic.Int64
	created   atomic.Int64
	coarsens  atomic.Int64
	removed   atomic.Int64
	destroyed atomic.Int64
}

// MetricsSnapshot captures a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Refines   int64
	Created   int64
	Coarsens  int64
	Removed   int64
	Destroyed int64
}

// Profiler returns a Profiler backed by this metric set.
func (m *Metrics) Profiler() Profiler {
	if m == nil {
		return nil
	}
	return (*metricsProfiler)(m)
}

// Reset zeroes all counters.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.refines.Store(0)
	m.created.Store(0)
	m.coarsens.Store(0)
	m.removed.Store(0)
	m.destroyed.Store(0)
}

// Snapshot captures the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Refines:   m.refines.Load(),
		Created:   m.created.Load(),
		Coarsens:  m.coarsens.Load(),
		Removed:   m.removed.Load(),
		Destroyed: m.destroyed.Load(),
	}
}

type metricsProfiler Metrics

func (m *metricsProfiler) RecordRefine(created int) {
	metrics := (*Metrics)(m)
	metrics.refines.Add(1)
	metrics.created.Add(int64(created))
}

func (m *metricsProfiler) RecordCoarsen(removed int) {
	metrics := (*Metrics)(m)
	metrics.coarsens.Add(1)
	metrics.removed.Add(int64(removed))
}

func (m *metricsProfiler) RecordDestroy(destroyed int) {
	(*Metrics)(m).destroyed.Add(int64(destroyed))
}
