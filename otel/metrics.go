// Package otel translates bus events into OpenTelemetry instruments.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/queuedrain/queuedrain/bus"
	"github.com/queuedrain/queuedrain/output"
)

// MetricsHandler records counters and histograms for worker lifecycle and
// output configuration events.
type MetricsHandler struct {
	workerStarts   metric.Int64Counter
	workerStops    metric.Int64Counter
	workerFailures metric.Int64Counter
	workerUptime   metric.Float64Histogram
	outputEvents   metric.Int64Counter
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	starts, err := meter.Int64Counter("queuedrain.worker.starts",
		metric.WithDescription("Number of worker starts"),
	)
	if err != nil {
		return nil, err
	}

	stops, err := meter.Int64Counter("queuedrain.worker.stops",
		metric.WithDescription("Number of clean worker stops"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("queuedrain.worker.failures",
		metric.WithDescription("Number of worker failures"),
	)
	if err != nil {
		return nil, err
	}

	uptime, err := meter.Float64Histogram("queuedrain.worker.uptime",
		metric.WithDescription("Worker lifetime from start to exit in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	changes, err := meter.Int64Counter("queuedrain.output.events",
		metric.WithDescription("Number of output configuration change events"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		workerStarts:   starts,
		workerStops:    stops,
		workerFailures: failures,
		workerUptime:   uptime,
		outputEvents:   changes,
	}, nil
}

// Handle records the metrics for one event.
func (h *MetricsHandler) Handle(e output.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("output_id", e.OutputID),
	)

	switch e.Kind {
	case output.EventWorkerStarted:
		h.workerStarts.Add(ctx, 1, attrs)
	case output.EventWorkerStopped:
		h.workerStops.Add(ctx, 1, attrs)
		h.workerUptime.Record(ctx, e.Uptime.Seconds(), attrs)
	case output.EventWorkerFailed:
		h.workerFailures.Add(ctx, 1, attrs)
		h.workerUptime.Record(ctx, e.Uptime.Seconds(), attrs)
	case output.EventCreated, output.EventUpdated, output.EventDeleted:
		h.outputEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(e.Kind)),
		))
	}
}

// Pump consumes a subscription until it closes, recording every event. It
// blocks and is intended to run on its own goroutine.
func (h *MetricsHandler) Pump(sub bus.Subscription) {
	for e := range sub.Events() {
		h.Handle(e)
	}
}
