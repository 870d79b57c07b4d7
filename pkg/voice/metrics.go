package voice

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voxwire/pkg/voice"

// Drop reasons reported on voxwire.voice.packets.dropped.
const (
	dropDecode     = "decode"
	dropPayload    = "payload_type"
	dropUnknown    = "unknown_ssrc"
	dropDecrypt    = "decrypt"
	dropOpus       = "opus"
	dropOutOfOrder = "out_of_order"
)

// rttBuckets are heartbeat round-trip boundaries in seconds.
var rttBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

type metrics struct {
	packetsReceived   metric.Int64Counter
	packetsDropped    metric.Int64Counter
	packetsSent       metric.Int64Counter
	sendErrors        metric.Int64Counter
	heartbeatRTT      metric.Float64Histogram
	statusTransitions metric.Int64Counter
	activeDecoders    metric.Int64UpDownCounter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &metrics{}

	if met.packetsReceived, err = m.Int64Counter("voxwire.voice.packets.received",
		metric.WithDescription("Voice packets decrypted and accepted."),
	); err != nil {
		return nil, err
	}
	if met.packetsDropped, err = m.Int64Counter("voxwire.voice.packets.dropped",
		metric.WithDescription("Inbound voice packets dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.packetsSent, err = m.Int64Counter("voxwire.voice.packets.sent",
		metric.WithDescription("Voice packets handed to the send system."),
	); err != nil {
		return nil, err
	}
	if met.sendErrors, err = m.Int64Counter("voxwire.voice.send.errors",
		metric.WithDescription("Outbound frames that could not be encoded or encrypted."),
	); err != nil {
		return nil, err
	}
	if met.heartbeatRTT, err = m.Float64Histogram("voxwire.voice.heartbeat.rtt",
		metric.WithDescription("Control channel heartbeat round-trip time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(rttBuckets...),
	); err != nil {
		return nil, err
	}
	if met.statusTransitions, err = m.Int64Counter("voxwire.voice.status.transitions",
		metric.WithDescription("Connection status transitions by new status."),
	); err != nil {
		return nil, err
	}
	if met.activeDecoders, err = m.Int64UpDownCounter("voxwire.voice.decoders.active",
		metric.WithDescription("Opus decoders currently allocated."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func (m *metrics) dropped(reason string) {
	m.packetsDropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) status(s Status) {
	m.statusTransitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", s.String())))
}
