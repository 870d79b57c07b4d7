// Package observe provides application-wide observability primitives for
// voxwire: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [InitProvider] and served by [MetricsHandler].
// The voice transport records its own packet-level instruments; this package
// covers the daemon around it. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all daemon metrics.
const meterName = "github.com/MrWong99/voxwire"

// Outcomes reported with [Metrics.RecordRejoin].
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeGaveUp  = "gave_up"
)

// Metrics holds all OpenTelemetry metric instruments for the daemon.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// JoinDuration tracks the time from requesting a voice channel join to
	// a Connected voice connection.
	JoinDuration metric.Float64Histogram

	// --- Counters ---

	// Rejoins counts fresh joins after a connection ended. Use with
	// attribute.String("outcome", ...).
	Rejoins metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("from", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// ParticipantEvents counts join, leave and speaking events. Use with
	// attribute.String("event", ...).
	ParticipantEvents metric.Int64Counter

	// ConfigReloads counts accepted configuration reloads.
	ConfigReloads metric.Int64Counter

	// PlaybackFrames counts Opus frames handed to the voice connection by
	// the file player.
	PlaybackFrames metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of live voice connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveParticipants tracks the users currently present in the channel.
	ActiveParticipants metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, by mux route
	// pattern and status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for voice
// channel joins.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.JoinDuration, err = m.Float64Histogram("voxwire.join.duration",
		metric.WithDescription("Time from join request to a connected voice connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Rejoins, err = m.Int64Counter("voxwire.rejoins",
		metric.WithDescription("Voice channel rejoins by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voxwire.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes."),
	); err != nil {
		return nil, err
	}
	if met.ParticipantEvents, err = m.Int64Counter("voxwire.participant.events",
		metric.WithDescription("Participant join, leave and speaking events."),
	); err != nil {
		return nil, err
	}
	if met.ConfigReloads, err = m.Int64Counter("voxwire.config.reloads",
		metric.WithDescription("Accepted configuration reloads."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFrames, err = m.Int64Counter("voxwire.playback.frames",
		metric.WithDescription("Opus frames sent from the playback file."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("voxwire.active_connections",
		metric.WithDescription("Number of live voice connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("voxwire.active_participants",
		metric.WithDescription("Number of users present in the voice channel."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxwire.http.request.duration",
		metric.WithDescription("HTTP request latency by route and status code."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRejoin records one rejoin attempt with its outcome.
func (m *Metrics) RecordRejoin(ctx context.Context, outcome string) {
	m.Rejoins.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordParticipantEvent records a participant event and keeps
// ActiveParticipants in step with joins and leaves.
func (m *Metrics) RecordParticipantEvent(ctx context.Context, event string) {
	m.ParticipantEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
	switch event {
	case "JOIN":
		m.ActiveParticipants.Add(ctx, 1)
	case "LEAVE":
		m.ActiveParticipants.Add(ctx, -1)
	}
}
