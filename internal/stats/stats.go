// Package stats tracks control-request latency for a session.
package stats

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	sampleCap  = 10000
	sampleTrim = 1000
)

// Tracker accumulates request latency samples and failure counts.
type Tracker struct {
	mu        sync.RWMutex
	latencies []float64
	requests  int64
	failures  int64
}

// Snapshot is an aggregated view of the tracker.
type Snapshot struct {
	Requests   int64     `json:"requests"`
	Failures   int64     `json:"failures"`
	P50Latency float64   `json:"p50_latency_ms"`
	P95Latency float64   `json:"p95_latency_ms"`
	P99Latency float64   `json:"p99_latency_ms"`
	MaxLatency float64   `json:"max_latency_ms"`
	AvgLatency float64   `json:"avg_latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{latencies: make([]float64, 0, sampleCap)}
}

// Record adds one request observation.
func (t *Tracker) Record(d time.Duration, failed bool) {
	ms := float64(d) / float64(time.Millisecond)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests++
	if failed {
		t.failures++
	}
	t.latencies = append(t.latencies, ms)
	if len(t.latencies) > sampleCap {
		// Re-slice into fresh backing memory so the old array can be
		// collected.
		t.latencies = append([]float64(nil), t.latencies[sampleTrim:]...)
	}
}

// Snapshot computes percentiles over the retained samples.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	samples := append([]float64(nil), t.latencies...)
	snap := Snapshot{
		Requests:  t.requests,
		Failures:  t.failures,
		Timestamp: time.Now(),
	}
	t.mu.RUnlock()

	if len(samples) == 0 {
		return snap
	}
	sort.Float64s(samples)
	n := len(samples)
	snap.P50Latency = samples[int(float64(n)*0.5)]
	snap.P95Latency = samples[int(math.Min(float64(n)*0.95, float64(n-1)))]
	snap.P99Latency = samples[int(math.Min(float64(n)*0.99, float64(n-1)))]
	snap.MaxLatency = samples[n-1]

	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	snap.AvgLatency = sum / float64(n)
	return snap
}
