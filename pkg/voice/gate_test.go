package voice

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReadyGate_OpenWakesWaiter(t *testing.T) {
	t.Parallel()

	g := newReadyGate()
	errc := make(chan error, 1)
	go func() { errc <- g.wait(t.Context(), 5*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	g.open()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("wait = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken")
	}
	if !g.isReady() {
		t.Error("isReady = false after open")
	}
}

func TestReadyGate_Timeout(t *testing.T) {
	t.Parallel()

	g := newReadyGate()
	start := time.Now()
	err := g.wait(t.Context(), 50*time.Millisecond)
	if !errors.Is(err, ErrReadyTimeout) {
		t.Fatalf("wait = %v, want ErrReadyTimeout", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("returned before the timeout")
	}
}

func TestReadyGate_FailIsSticky(t *testing.T) {
	t.Parallel()

	g := newReadyGate()
	errc := make(chan error, 1)
	go func() { errc <- g.wait(t.Context(), 5*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	g.fail(ErrClosed)
	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Errorf("wait = %v, want ErrClosed", err)
	}

	g.open()
	if err := g.wait(t.Context(), time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("wait after fail+open = %v, want ErrClosed", err)
	}
}

func TestReadyGate_Reset(t *testing.T) {
	t.Parallel()

	g := newReadyGate()
	g.open()
	if err := g.wait(t.Context(), time.Second); err != nil {
		t.Fatalf("wait = %v", err)
	}
	g.reset()
	if err := g.wait(t.Context(), 30*time.Millisecond); !errors.Is(err, ErrReadyTimeout) {
		t.Errorf("wait after reset = %v, want ErrReadyTimeout", err)
	}
}

func TestReadyGate_ContextCancel(t *testing.T) {
	t.Parallel()

	g := newReadyGate()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := g.wait(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("wait = %v, want context.Canceled", err)
	}
}
