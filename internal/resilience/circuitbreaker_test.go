package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var errTest = errors.New("test error")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type transitions struct {
	mu  sync.Mutex
	got []string
}

func (tr *transitions) record(from, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, fmt.Sprintf("%s->%s", from, to))
}

func (tr *transitions) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.got...)
}

func newTestBreaker(maxFailures, halfOpenMax int) (*CircuitBreaker, *fakeClock, *transitions) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	tr := &transitions{}
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:          "test",
		MaxFailures:   maxFailures,
		ResetTimeout:  time.Minute,
		HalfOpenMax:   halfOpenMax,
		OnStateChange: tr.record,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:           clk.Now,
	})
	return cb, clk, tr
}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.maxFailures != 5 || cb.resetTimeout != 30*time.Second || cb.halfOpenMax != 3 {
		t.Errorf("defaults = %d/%v/%d", cb.maxFailures, cb.resetTimeout, cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v", cb.State())
	}
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	t.Parallel()

	cb, clk, tr := newTestBreaker(3, 2)

	for range 3 {
		if err := cb.Execute(fail); !errors.Is(err, errTest) {
			t.Fatalf("Execute = %v", err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Execute while open = %v", err)
	}
	if called {
		t.Fatal("fn ran while open")
	}

	clk.Advance(time.Minute)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state after timeout = %v, want half-open", cb.State())
	}
	for range 2 {
		if err := cb.Execute(succeed); err != nil {
			t.Fatalf("probe = %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after probes = %v, want closed", cb.State())
	}

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if diff := cmp.Diff(want, tr.list()); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	cb, clk, tr := newTestBreaker(1, 3)
	_ = cb.Execute(fail)
	clk.Advance(time.Minute)

	if err := cb.Execute(fail); !errors.Is(err, errTest) {
		t.Fatalf("probe = %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	// The open period restarts at the failed probe.
	clk.Advance(30 * time.Second)
	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute = %v, want ErrCircuitOpen", err)
	}

	want := []string{"closed->open", "open->half-open", "half-open->open"}
	if diff := cmp.Diff(want, tr.list()); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	t.Parallel()

	cb, _, _ := newTestBreaker(3, 1)
	for _, fn := range []func() error{fail, fail, succeed, fail, fail} {
		_ = cb.Execute(fn)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	t.Parallel()

	cb, _, _ := newTestBreaker(1, 1)
	for _, err := range []error{context.Canceled, fmt.Errorf("join: %w", context.DeadlineExceeded)} {
		if got := cb.Execute(func() error { return err }); !errors.Is(got, err) {
			t.Errorf("Execute = %v, want %v", got, err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	t.Parallel()

	cb, clk, _ := newTestBreaker(1, 1)
	_ = cb.Execute(fail)
	clk.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first probe = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb, _, tr := newTestBreaker(1, 1)
	_ = cb.Execute(fail)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Errorf("Execute after reset = %v", err)
	}
	want := []string{"closed->open", "open->closed"}
	if diff := cmp.Diff(want, tr.list()); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
