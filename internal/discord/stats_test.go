package discord

import (
	"testing"
	"time"
)

func TestNewLinkStats_DefaultWindowSize(t *testing.T) {
	t.Parallel()

	ls := NewLinkStats(0)
	// Should use default window size (100), not panic.
	ls.RecordPing(10 * time.Millisecond)

	snap := ls.Snapshot()
	if snap.Ping.P50 != 10*time.Millisecond {
		t.Errorf("Ping P50 = %v, want 10ms", snap.Ping.P50)
	}
}

func TestLinkStats_RecordAndSnapshot(t *testing.T) {
	t.Parallel()

	ls := NewLinkStats(100)
	for i := 1; i <= 100; i++ {
		ls.RecordPing(time.Duration(i) * time.Millisecond)
	}
	ls.IncrRejoins()
	ls.IncrJoins()
	ls.IncrJoins()
	ls.IncrJoins()
	ls.IncrLeaves()

	snap := ls.Snapshot()

	if snap.Rejoins != 1 || snap.Joins != 3 || snap.Leaves != 1 {
		t.Errorf("counters = rejoins %d joins %d leaves %d, want 1 3 1", snap.Rejoins, snap.Joins, snap.Leaves)
	}
	// 100 samples from 1ms to 100ms.
	if snap.Ping.P50 != 50*time.Millisecond {
		t.Errorf("Ping P50 = %v, want 50ms", snap.Ping.P50)
	}
	if snap.Ping.P95 != 95*time.Millisecond {
		t.Errorf("Ping P95 = %v, want 95ms", snap.Ping.P95)
	}
	if snap.LastPing != 100*time.Millisecond {
		t.Errorf("LastPing = %v, want 100ms", snap.LastPing)
	}
}

func TestLinkStats_EmptySnapshot(t *testing.T) {
	t.Parallel()

	snap := NewLinkStats(10).Snapshot()
	if snap != (Snapshot{}) {
		t.Errorf("empty snapshot = %+v, want zero", snap)
	}
}

func TestLinkStats_RingBufferWrap(t *testing.T) {
	t.Parallel()

	// Small buffer to force wrap-around.
	ls := NewLinkStats(3)

	ls.RecordPing(10 * time.Millisecond)
	ls.RecordPing(20 * time.Millisecond)
	ls.RecordPing(30 * time.Millisecond)
	// Wrap around: overwrites first entry.
	ls.RecordPing(40 * time.Millisecond)

	snap := ls.Snapshot()
	// Buffer now contains [40, 20, 30]; sorted [20, 30, 40].
	// P50 of 3 elements: ceil(0.5 * 3) - 1 = 1 => index 1 => 30ms.
	if snap.Ping.P50 != 30*time.Millisecond {
		t.Errorf("Ping P50 after wrap = %v, want 30ms", snap.Ping.P50)
	}
}

func TestPercentile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		sorted []time.Duration
		p      float64
		want   time.Duration
	}{
		{"empty", nil, 0.5, 0},
		{"single element p50", []time.Duration{100 * time.Millisecond}, 0.5, 100 * time.Millisecond},
		{"single element p95", []time.Duration{100 * time.Millisecond}, 0.95, 100 * time.Millisecond},
		{"two elements p50", []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, 0.5, 10 * time.Millisecond},
		{"two elements p95", []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, 0.95, 20 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := percentile(tt.sorted, tt.p)
			if got != tt.want {
				t.Errorf("percentile(%v, %.2f) = %v, want %v", tt.sorted, tt.p, got, tt.want)
			}
		})
	}
}
