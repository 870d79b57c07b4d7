package discord

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LinkStats collects voice link health for the status embed: heartbeat
// round-trip samples and a few event counters. It keeps a bounded ring
// buffer of recent round trips from which percentiles are computed on demand.
//
// Thread-safe for concurrent use.
type LinkStats struct {
	mu sync.Mutex

	ping     latencyBuffer
	lastPing time.Duration

	rejoins int64
	joins   int64
	leaves  int64
}

// NewLinkStats creates a LinkStats with the given window size (maximum
// number of round-trip samples retained).
func NewLinkStats(windowSize int) *LinkStats {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &LinkStats{ping: newLatencyBuffer(windowSize)}
}

// RecordPing records a heartbeat round-trip sample.
func (ls *LinkStats) RecordPing(d time.Duration) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.ping.add(d)
	ls.lastPing = d
}

// IncrRejoins increments the rejoin counter.
func (ls *LinkStats) IncrRejoins() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.rejoins++
}

// IncrJoins increments the participant join counter.
func (ls *LinkStats) IncrJoins() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.joins++
}

// IncrLeaves increments the participant leave counter.
func (ls *LinkStats) IncrLeaves() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.leaves++
}

// LatencyPercentiles holds p50 and p95 values for a latency series.
type LatencyPercentiles struct {
	P50 time.Duration
	P95 time.Duration
}

// Snapshot captures a point-in-time view of the link statistics.
type Snapshot struct {
	Ping     LatencyPercentiles
	LastPing time.Duration
	Rejoins  int64
	Joins    int64
	Leaves   int64
}

// Snapshot returns a point-in-time view of the link statistics.
func (ls *LinkStats) Snapshot() Snapshot {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	return Snapshot{
		Ping:     ls.ping.percentiles(),
		LastPing: ls.lastPing,
		Rejoins:  ls.rejoins,
		Joins:    ls.joins,
		Leaves:   ls.leaves,
	}
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	size int
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{
		data: make([]time.Duration, size),
		size: size,
	}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos >= lb.size {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = lb.size
	}
	if n == 0 {
		return LatencyPercentiles{}
	}

	sorted := make([]time.Duration, n)
	copy(sorted, lb.data[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the value at the given percentile (0.0-1.0) from a
// sorted slice of durations using nearest-rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
