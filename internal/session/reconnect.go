// Package session keeps a bot in its voice channel. The [Reconnector] watches
// the active [audio.Connection] and joins again when the connection ends for
// a reason that a fresh join can fix.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxwire/internal/resilience"
	"github.com/MrWong99/voxwire/pkg/audio"
	"github.com/MrWong99/voxwire/pkg/voice/gateway"
)

// Default rejoin parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrGaveUp is passed to OnGiveUp after MaxRetries failed joins.
var ErrGaveUp = errors.New("session: rejoin attempts exhausted")

// ShouldRejoin reports whether a connection that ended with err is worth a
// fresh join. The voice gateway resumes lost connections on its own, so a
// connection only ends with a recoverable status after that has failed, or
// when the voice server moved (AudioRegionChange) or refused to resume
// (ErrorCannotResume). Kicks, deleted channels and authentication failures
// are final. A clean disconnect (nil) is never rejoined.
func ShouldRejoin(err error) bool {
	if err == nil {
		return false
	}
	var se *gateway.StatusError
	if !errors.As(err, &se) {
		return true
	}
	return se.Status.ShouldReconnect() || se.Status == gateway.StatusErrorCannotResume
}

// Reconnector owns the connection to one voice channel.
//
// Call [Reconnector.Connect] for the initial join, then [Reconnector.Monitor]
// to rejoin in the background. Joins go through a circuit breaker, so a
// channel that keeps refusing us is not hammered.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	platform    audio.Platform
	channelID   string
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	breaker     *resilience.CircuitBreaker
	onReconnect func(audio.Connection)
	onGiveUp    func(error)
	log         *slog.Logger

	mu           sync.Mutex
	conn         audio.Connection
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{}
	changed      chan struct{}
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	Platform  audio.Platform
	ChannelID string

	// MaxRetries bounds the joins per outage. Default: 10.
	MaxRetries int

	// Backoff is the first pause between joins; it doubles up to MaxBackoff.
	// Defaults: 1s and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Breaker guards every join. A breaker with default settings is created
	// when nil.
	Breaker *resilience.CircuitBreaker

	// OnReconnect is called with every connection obtained by a rejoin.
	OnReconnect func(audio.Connection)

	// OnGiveUp is called when the connection ended for good: a final status,
	// or ErrGaveUp after the retries ran out.
	OnGiveUp func(error)

	Logger *slog.Logger
}

// NewReconnector creates a [Reconnector].
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With("channel_id", cfg.ChannelID)
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:   "voice-join",
			Logger: log,
		})
	}
	return &Reconnector{
		platform:     cfg.Platform,
		channelID:    cfg.ChannelID,
		maxRetries:   cfg.MaxRetries,
		backoff:      cfg.Backoff,
		maxBackoff:   cfg.MaxBackoff,
		breaker:      cfg.Breaker,
		onReconnect:  cfg.OnReconnect,
		onGiveUp:     cfg.OnGiveUp,
		log:          log,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
		changed:      make(chan struct{}, 1),
	}
}

// Connect performs the initial join.
func (r *Reconnector) Connect(ctx context.Context) (audio.Connection, error) {
	conn, err := r.join(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: initial connect: %w", err)
	}
	r.swap(conn)
	return conn, nil
}

func (r *Reconnector) join(ctx context.Context) (audio.Connection, error) {
	var conn audio.Connection
	err := r.breaker.Execute(func() error {
		var err error
		conn, err = r.platform.Connect(ctx, r.channelID)
		return err
	})
	return conn, err
}

// swap installs conn and returns the previous connection.
func (r *Reconnector) swap(conn audio.Connection) audio.Connection {
	r.mu.Lock()
	old := r.conn
	r.conn = conn
	r.mu.Unlock()
	select {
	case r.changed <- struct{}{}:
	default:
	}
	return old
}

// Monitor starts the rejoin loop in a goroutine. It stops with ctx or
// [Reconnector.Stop].
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect forces a rejoin, dropping the current connection.
// Repeated calls before the rejoin starts are coalesced.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop ends monitoring and disconnects the current connection. Calling it
// more than once is a no-op.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() { close(r.done) })
	if conn := r.swap(nil); conn != nil {
		return conn.Disconnect()
	}
	return nil
}

// Connection returns the active connection, or nil between connections.
func (r *Reconnector) Connection() audio.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		var ended <-chan struct{}
		conn := r.Connection()
		if conn != nil {
			ended = conn.Done()
		}

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.changed:
			continue
		case <-r.disconnected:
			r.log.Info("session: rejoin requested")
			if conn != nil {
				_ = conn.Disconnect()
			}
			r.rejoin(ctx)
		case <-ended:
			err := conn.Err()
			if !ShouldRejoin(err) {
				if err != nil {
					r.log.Warn("session: voice connection ended for good", "error", err)
					if r.onGiveUp != nil {
						r.onGiveUp(err)
					}
				}
				r.swapIf(conn, nil)
				continue
			}
			r.log.Warn("session: voice connection lost", "error", err)
			r.rejoin(ctx)
		}
	}
}

// swapIf clears the connection if it is still old.
func (r *Reconnector) swapIf(old, conn audio.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == old {
		r.conn = conn
	}
}

// rejoin joins again with exponential backoff.
func (r *Reconnector) rejoin(ctx context.Context) {
	wait := r.backoff
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		r.log.Info("session: rejoining voice channel", "attempt", attempt, "max_retries", r.maxRetries)
		conn, err := r.join(ctx)
		if err == nil {
			if old := r.swap(conn); old != nil && old != conn {
				_ = old.Disconnect()
			}
			r.log.Info("session: rejoined voice channel", "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect(conn)
			}
			return
		}
		r.log.Warn("session: rejoin failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(wait):
		}
		wait = min(wait*2, r.maxBackoff)
	}

	r.log.Error("session: giving up on voice channel", "max_retries", r.maxRetries)
	r.swap(nil)
	if r.onGiveUp != nil {
		r.onGiveUp(ErrGaveUp)
	}
}
