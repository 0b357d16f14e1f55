package stream

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type listenerMetrics struct {
	attrs        metric.MeasurementOption
	dials        metric.Int64Counter
	framesIn     metric.Int64Counter
	framesOut    metric.Int64Counter
	sendsDropped metric.Int64Counter
}

func newListenerMetrics(name string) *listenerMetrics {
	meter := otel.Meter("trend-connector/stream")
	m := &listenerMetrics{
		attrs: metric.WithAttributes(attribute.String("stream", name)),
	}
	m.dials, _ = meter.Int64Counter("connector_stream_dials",
		metric.WithDescription("Connection attempts by outcome"),
		metric.WithUnit("{attempt}"))
	m.framesIn, _ = meter.Int64Counter("connector_stream_frames_received",
		metric.WithDescription("Inbound frames read from the transport"),
		metric.WithUnit("{frame}"))
	m.framesOut, _ = meter.Int64Counter("connector_stream_frames_sent",
		metric.WithDescription("Outbound frames written to the transport"),
		metric.WithUnit("{frame}"))
	m.sendsDropped, _ = meter.Int64Counter("connector_stream_sends_dropped",
		metric.WithDescription("Sends discarded because the listener was stopped"),
		metric.WithUnit("{frame}"))
	return m
}

func (m *listenerMetrics) recordDial(ctx context.Context, outcome string) {
	if m == nil || m.dials == nil {
		return
	}
	m.dials.Add(ctx, 1, m.attrs, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *listenerMetrics) recordFrameIn(ctx context.Context) {
	if m == nil || m.framesIn == nil {
		return
	}
	m.framesIn.Add(ctx, 1, m.attrs)
}

func (m *listenerMetrics) recordFrameOut(ctx context.Context) {
	if m == nil || m.framesOut == nil {
		return
	}
	m.framesOut.Add(ctx, 1, m.attrs)
}

func (m *listenerMetrics) recordDropped(ctx context.Context) {
	if m == nil || m.sendsDropped == nil {
		return
	}
	m.sendsDropped.Add(ctx, 1, m.attrs)
}
