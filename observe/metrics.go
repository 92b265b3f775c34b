// Package observe holds the OpenTelemetry instruments recorded by the session
// and recorder, and the Prometheus bridge that exposes them on /metrics.
//
// Tests should build a [Metrics] with [NewMetrics] over their own
// [metric.MeterProvider]. [Noop] is used when metrics are disabled.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "voicelink"

// Metrics instruments are safe for concurrent use.
type Metrics struct {
	// ConnectAttempts counts connect attempts by outcome:
	//   attribute.String("outcome", "connected"|"auth_failed"|"transport_error"|"closed")
	ConnectAttempts metric.Int64Counter

	// HandshakeDuration is the time from dial start to auth_response success.
	HandshakeDuration metric.Float64Histogram

	// MessagesSent counts outbound envelopes by type.
	MessagesSent metric.Int64Counter

	// MessagesReceived counts inbound envelopes by type.
	MessagesReceived metric.Int64Counter

	// MessagesDropped counts envelopes that never reached the wire or were
	// discarded on receipt, by reason.
	MessagesDropped metric.Int64Counter

	StreamChunks  metric.Int64Counter
	StreamSamples metric.Int64Counter

	// CaptureOverruns counts audio buffers dropped because the consumer stalled.
	CaptureOverruns metric.Int64Counter

	// Connected is 1 while a session is authenticated.
	Connected metric.Int64UpDownCounter
}

var handshakeBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectAttempts, err = m.Int64Counter("voicelink.session.connects",
		metric.WithDescription("Connect attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.HandshakeDuration, err = m.Float64Histogram("voicelink.session.handshake.duration",
		metric.WithDescription("Time from dial to successful authentication."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(handshakeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MessagesSent, err = m.Int64Counter("voicelink.messages.sent",
		metric.WithDescription("Outbound envelopes by type."),
	); err != nil {
		return nil, err
	}
	if met.MessagesReceived, err = m.Int64Counter("voicelink.messages.received",
		metric.WithDescription("Inbound envelopes by type."),
	); err != nil {
		return nil, err
	}
	if met.MessagesDropped, err = m.Int64Counter("voicelink.messages.dropped",
		metric.WithDescription("Dropped envelopes by reason."),
	); err != nil {
		return nil, err
	}
	if met.StreamChunks, err = m.Int64Counter("voicelink.stream.chunks",
		metric.WithDescription("Audio stream chunks written."),
	); err != nil {
		return nil, err
	}
	if met.StreamSamples, err = m.Int64Counter("voicelink.stream.samples",
		metric.WithDescription("PCM samples written."),
	); err != nil {
		return nil, err
	}
	if met.CaptureOverruns, err = m.Int64Counter("voicelink.capture.overruns",
		metric.WithDescription("Capture buffers dropped because the consumer stalled."),
	); err != nil {
		return nil, err
	}
	if met.Connected, err = m.Int64UpDownCounter("voicelink.session.connected",
		metric.WithDescription("1 while a session is authenticated."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Noop returns Metrics backed by a no-op provider.
func Noop() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic("observe: noop metrics: " + err.Error())
	}
	return m
}

func (m *Metrics) RecordConnect(ctx context.Context, outcome string) {
	m.ConnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordHandshake(ctx context.Context, d time.Duration) {
	m.HandshakeDuration.Record(ctx, d.Seconds())
}

func (m *Metrics) RecordSent(ctx context.Context, msgType string) {
	m.MessagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

func (m *Metrics) RecordReceived(ctx context.Context, msgType string) {
	m.MessagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

func (m *Metrics) RecordDropped(ctx context.Context, reason string) {
	m.MessagesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordChunk(ctx context.Context, samples int) {
	m.StreamChunks.Add(ctx, 1)
	m.StreamSamples.Add(ctx, int64(samples))
}

func (m *Metrics) RecordOverrun(ctx context.Context) {
	m.CaptureOverruns.Add(ctx, 1)
}
