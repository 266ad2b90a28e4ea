// Package metrics is a small in-process registry exposed as JSON on
// /metrics. Counters track transaction and import activity; timers
// track webhook handling and job durations.
package metrics

import (
	"sort"
	"sync"
	"time"
)

type Counter struct {
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	LastUpdate int64   `json:"last_update"`
}

type Timer struct {
	Count   int64   `json:"count"`
	SumMs   float64 `json:"sum_ms"`
	MinMs   float64 `json:"min_ms"`
	MaxMs   float64 `json:"max_ms"`
	AvgMs   float64 `json:"avg_ms"`
	P95Ms   float64 `json:"p95_ms,omitempty"`
	samples []float64
}

type Registry struct {
	mu        sync.RWMutex
	counters  map[string]*Counter
	timers    map[string]*Timer
	startTime time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]*Counter),
		timers:    make(map[string]*Timer),
		startTime: time.Now(),
	}
}

func (r *Registry) IncrementCounter(name string) {
	r.AddToCounter(name, 1)
}

func (r *Registry) AddToCounter(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.counters[name]
	if !ok {
		c = &Counter{Name: name}
		r.counters[name] = c
	}
	c.Value += value
	c.LastUpdate = time.Now().Unix()
}

func (r *Registry) RecordTimer(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ms := float64(d.Nanoseconds()) / 1e6
	t, ok := r.timers[name]
	if !ok {
		t = &Timer{MinMs: ms}
		r.timers[name] = t
	}

	t.Count++
	t.SumMs += ms
	t.samples = append(t.samples, ms)
	if ms < t.MinMs || t.MinMs == 0 {
		t.MinMs = ms
	}
	if ms > t.MaxMs {
		t.MaxMs = ms
	}
	t.AvgMs = t.SumMs / float64(t.Count)

	// Keep a bounded sample window for the percentile.
	if len(t.samples) > 1000 {
		t.samples = t.samples[len(t.samples)-1000:]
	}
	if len(t.samples) >= 10 {
		t.P95Ms = percentile(t.samples, 0.95)
	}
}

// Snapshot returns all metrics in a JSON-encodable form.
func (r *Registry) Snapshot() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters := make(map[string]Counter, len(r.counters))
	for name, c := range r.counters {
		counters[name] = *c
	}
	timers := make(map[string]Timer, len(r.timers))
	for name, t := range r.timers {
		tt := *t
		tt.samples = nil
		timers[name] = tt
	}

	return map[string]interface{}{
		"counters":  counters,
		"timers":    timers,
		"uptime_ms": time.Since(r.startTime).Milliseconds(),
		"timestamp": time.Now().Unix(),
	}
}

func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

var globalRegistry = NewRegistry()

func Default() *Registry { return globalRegistry }

func IncrementCounter(name string)             { globalRegistry.IncrementCounter(name) }
func RecordTimer(name string, d time.Duration) { globalRegistry.RecordTimer(name, d) }
func Snapshot() map[string]interface{}         { return globalRegistry.Snapshot() }
