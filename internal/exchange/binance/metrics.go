package binance

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type routerMetrics struct {
	attrs       metric.MeasurementOption
	events      metric.Int64Counter
	unroutable  metric.Int64Counter
	handlerErrs metric.Int64Counter
}

func newRouterMetrics(router string) *routerMetrics {
	meter := otel.Meter("trend-connector/binance")
	m := &routerMetrics{
		attrs: metric.WithAttributes(attribute.String("router", router)),
	}
	m.events, _ = meter.Int64Counter("connector_router_events",
		metric.WithDescription("Events delivered to subscribers by type"),
		metric.WithUnit("{event}"))
	m.unroutable, _ = meter.Int64Counter("connector_router_unroutable",
		metric.WithDescription("Inbound frames with no subscriber or unknown type"),
		metric.WithUnit("{frame}"))
	m.handlerErrs, _ = meter.Int64Counter("connector_router_handler_failures",
		metric.WithDescription("Emits where at least one handler failed"),
		metric.WithUnit("{emit}"))
	return m
}

func (m *routerMetrics) recordEvent(ctx context.Context, kind string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.Add(ctx, 1, m.attrs, metric.WithAttributes(attribute.String("type", kind)))
}

func (m *routerMetrics) recordUnroutable(ctx context.Context) {
	if m == nil || m.unroutable == nil {
		return
	}
	m.unroutable.Add(ctx, 1, m.attrs)
}

func (m *routerMetrics) recordHandlerFailure(ctx context.Context, kind string) {
	if m == nil || m.handlerErrs == nil {
		return
	}
	m.handlerErrs.Add(ctx, 1, m.attrs, metric.WithAttributes(attribute.String("type", kind)))
}
