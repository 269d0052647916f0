package outbox

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/oagudo/txoutbox"

type dispatcherMetrics struct {
	dispatched    metric.Int64Counter
	retried       metric.Int64Counter
	deadLettered  metric.Int64Counter
	cycleDuration metric.Float64Histogram
	batchSize     metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (*dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	var (
		m   dispatcherMetrics
		err error
	)

	m.dispatched, err = meter.Int64Counter("outbox.messages.dispatched",
		metric.WithDescription("Number of outbox messages acknowledged by the broker"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("creating outbox.messages.dispatched counter: %w", err)
	}

	m.retried, err = meter.Int64Counter("outbox.messages.retried",
		metric.WithDescription("Number of failed publish attempts scheduled for retry"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("creating outbox.messages.retried counter: %w", err)
	}

	m.deadLettered, err = meter.Int64Counter("outbox.messages.dead_lettered",
		metric.WithDescription("Number of outbox messages moved to failed after exhausting retries"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("creating outbox.messages.dead_lettered counter: %w", err)
	}

	m.cycleDuration, err = meter.Float64Histogram("outbox.dispatch.cycle.duration",
		metric.WithDescription("Time taken by a dispatch cycle"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating outbox.dispatch.cycle.duration histogram: %w", err)
	}

	m.batchSize, err = meter.Int64Gauge("outbox.dispatch.batch.size",
		metric.WithDescription("Number of messages claimed by the latest dispatch cycle"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("creating outbox.dispatch.batch.size gauge: %w", err)
	}

	return &m, nil
}

func destinationAttr(msg *Message) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("destination", msg.Destination))
}

func (m *dispatcherMetrics) recordDispatched(ctx context.Context, msg *Message) {
	m.dispatched.Add(ctx, 1, destinationAttr(msg))
}

func (m *dispatcherMetrics) recordRetried(ctx context.Context, msg *Message) {
	m.retried.Add(ctx, 1, destinationAttr(msg))
}

func (m *dispatcherMetrics) recordDeadLettered(ctx context.Context, msg *Message) {
	m.deadLettered.Add(ctx, 1, destinationAttr(msg))
}

func (m *dispatcherMetrics) recordCycle(ctx context.Context, started time.Time, claimed int) {
	m.cycleDuration.Record(ctx, time.Since(started).Seconds())
	m.batchSize.Record(ctx, int64(claimed))
}
