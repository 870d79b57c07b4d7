package voice

import (
	"context"
	"sync"
	"time"
)

// readyGate lets callers block until the control channel is connected. Every
// state change closes the current wake channel and replaces it, so waiters
// re-check without polling.
type readyGate struct {
	mu    sync.Mutex
	ready bool
	err   error
	wake  chan struct{}
}

func newReadyGate() *readyGate {
	return &readyGate{wake: make(chan struct{})}
}

func (g *readyGate) broadcastLocked() {
	close(g.wake)
	g.wake = make(chan struct{})
}

// open marks the gate ready.
func (g *readyGate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil || g.ready {
		return
	}
	g.ready = true
	g.broadcastLocked()
}

// reset makes later waits block again.
func (g *readyGate) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready = false
}

// fail unblocks every waiter with err. The gate stays failed.
func (g *readyGate) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return
	}
	g.ready = false
	g.err = err
	g.broadcastLocked()
}

func (g *readyGate) isReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// wait blocks until the gate opens, fails, timeout elapses or ctx is done.
// It returns [ErrReadyTimeout] on expiry.
func (g *readyGate) wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		g.mu.Lock()
		ready, err, wake := g.ready, g.err, g.wake
		g.mu.Unlock()
		switch {
		case err != nil:
			return err
		case ready:
			return nil
		}
		select {
		case <-wake:
		case <-timer.C:
			return ErrReadyTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
