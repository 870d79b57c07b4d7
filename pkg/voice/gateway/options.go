package gateway

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxwire/pkg/voice/crypto"
	"github.com/MrWong99/voxwire/pkg/voice/dave"
)

const tracerName = "github.com/MrWong99/voxwire/pkg/voice/gateway"

// Defaults applied by [New].
const (
	DefaultDiscoveryAttempts   = 5
	DefaultDiscoveryTimeout    = time.Second
	DefaultMaxMissedHeartbeats = 3
	DefaultReconnectAttempts   = 5
	DefaultReconnectBackoff    = time.Second
	DefaultDialTimeout         = 10 * time.Second
	DefaultHandshakeTimeout    = 15 * time.Second
	DefaultStableAfter         = 30 * time.Second
)

type config struct {
	logger              *slog.Logger
	modes               []crypto.Mode
	dave                dave.Session
	discoveryAttempts   int
	discoveryTimeout    time.Duration
	maxMissedHeartbeats int
	autoReconnect       bool
	reconnectAttempts   int
	reconnectBackoff    time.Duration
	dialTimeout         time.Duration
	handshakeTimeout    time.Duration
	stableAfter         time.Duration
	tracer              trace.Tracer
}

func defaultConfig() config {
	return config{
		logger:              slog.Default(),
		discoveryAttempts:   DefaultDiscoveryAttempts,
		discoveryTimeout:    DefaultDiscoveryTimeout,
		maxMissedHeartbeats: DefaultMaxMissedHeartbeats,
		autoReconnect:       true,
		reconnectAttempts:   DefaultReconnectAttempts,
		reconnectBackoff:    DefaultReconnectBackoff,
		dialTimeout:         DefaultDialTimeout,
		handshakeTimeout:    DefaultHandshakeTimeout,
		stableAfter:         DefaultStableAfter,
		tracer:              otel.Tracer(tracerName),
	}
}

// Option configures a [Gateway].
type Option func(*config)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithModes restricts and orders the encryption modes offered during
// negotiation. Defaults to [crypto.Priority].
func WithModes(modes ...crypto.Mode) Option {
	return func(c *config) { c.modes = modes }
}

// WithDAVE attaches an end-to-end group session. Key-exchange messages are
// forwarded to it and its protocol version is advertised in Identify.
func WithDAVE(s dave.Session) Option {
	return func(c *config) { c.dave = s }
}

// WithDiscovery sets how many UDP discovery probes are sent and how long each
// waits for a reply.
func WithDiscovery(attempts int, timeout time.Duration) Option {
	return func(c *config) {
		if attempts > 0 {
			c.discoveryAttempts = attempts
		}
		if timeout > 0 {
			c.discoveryTimeout = timeout
		}
	}
}

// WithMaxMissedHeartbeats sets how many consecutive heartbeats may go
// unacknowledged before the connection is considered timed out.
func WithMaxMissedHeartbeats(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxMissedHeartbeats = n
		}
	}
}

// WithReconnect configures automatic resumption after recoverable failures.
// attempts bounds the consecutive failed reconnects; backoff grows linearly
// with each of them.
func WithReconnect(enabled bool, attempts int, backoff time.Duration) Option {
	return func(c *config) {
		c.autoReconnect = enabled
		if attempts > 0 {
			c.reconnectAttempts = attempts
		}
		if backoff >= 0 {
			c.reconnectBackoff = backoff
		}
	}
}

// WithStableAfter sets how long a connection must stay Connected before its
// loss resets the reconnect attempt count.
func WithStableAfter(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.stableAfter = d
		}
	}
}

// WithHandshakeTimeout bounds the time from dialing to Connected.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithTracerProvider sets the provider for handshake spans. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}
