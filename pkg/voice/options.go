package voice

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxwire/pkg/voice/codec"
	"github.com/MrWong99/voxwire/pkg/voice/crypto"
	"github.com/MrWong99/voxwire/pkg/voice/dave"
	"github.com/MrWong99/voxwire/pkg/voice/gateway"
)

// Defaults applied by [New].
const (
	DefaultReadyTimeout      = 10 * time.Second
	DefaultStaleness         = 100 * time.Millisecond
	DefaultKeepaliveInterval = 5 * time.Second
	DefaultSpeakingMode      = gateway.SpeakingMicrophone
)

// readTimeout is the UDP read deadline; the receive loop checks for shutdown
// between reads.
const readTimeout = 100 * time.Millisecond

type config struct {
	logger          *slog.Logger
	codec           codec.Provider
	staleness       time.Duration
	readyTimeout    time.Duration
	keepalive       time.Duration
	speakingMode    gateway.SpeakingFlags
	sendSystem      SendSystemFactory
	meterProvider   metric.MeterProvider
	tracerProvider  trace.TracerProvider
	dave            dave.Session
	gatewayOpts     []gateway.Option
	connectionIDGen func() string
}

func defaultConfig() config {
	return config{
		logger:        slog.Default(),
		staleness:     DefaultStaleness,
		readyTimeout:  DefaultReadyTimeout,
		keepalive:     DefaultKeepaliveInterval,
		speakingMode:  DefaultSpeakingMode,
		sendSystem:    NewTickerSendSystem,
		meterProvider: otel.GetMeterProvider(),
	}
}

// Option configures a [Connection].
type Option func(*config)

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCodec sets the Opus provider. Without one, PCM send and PCM receive
// sinks are disabled; encoded audio still flows.
func WithCodec(p codec.Provider) Option {
	return func(c *config) { c.codec = p }
}

// WithStaleness sets how old a received frame may be before the mixer
// discards it.
func WithStaleness(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.staleness = d
		}
	}
}

// WithReadyTimeout bounds [Connection.WaitReady].
func WithReadyTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.readyTimeout = d
		}
	}
}

// WithKeepalive sets the UDP keepalive interval. Zero disables it.
func WithKeepalive(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.keepalive = d
		}
	}
}

// WithSpeakingMode sets the flags announced while sending.
func WithSpeakingMode(f SpeakingFlags) Option {
	return func(c *config) { c.speakingMode = f }
}

// WithSendSystem replaces the default ticker-paced sender.
func WithSendSystem(f SendSystemFactory) Option {
	return func(c *config) {
		if f != nil {
			c.sendSystem = f
		}
	}
}

// WithMeterProvider sets the provider for voice metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) {
		if mp != nil {
			c.meterProvider = mp
		}
	}
}

// WithTracerProvider sets the provider for handshake spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) { c.tracerProvider = tp }
}

// WithDAVE enables the end-to-end overlay with s.
func WithDAVE(s dave.Session) Option {
	return func(c *config) { c.dave = s }
}

// WithModes restricts the transport encryption modes offered.
func WithModes(modes ...crypto.Mode) Option {
	return func(c *config) {
		c.gatewayOpts = append(c.gatewayOpts, gateway.WithModes(modes...))
	}
}

// WithGatewayOptions passes options through to the control channel.
func WithGatewayOptions(opts ...gateway.Option) Option {
	return func(c *config) {
		c.gatewayOpts = append(c.gatewayOpts, opts...)
	}
}

// WithConnectionID overrides how the connection id logged with every record
// is generated.
func WithConnectionID(gen func() string) Option {
	return func(c *config) { c.connectionIDGen = gen }
}
