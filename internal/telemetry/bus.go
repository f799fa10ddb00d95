package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aioslab/aios/internal/event"
)

// BusMetrics counts the event stream by type and severity. With telemetry
// disabled the no-op meter makes every Observe call free.
type BusMetrics struct {
	events  metric.Int64Counter
	actions metric.Int64Counter
	tasks   metric.Int64Counter
}

// NewBusMetrics builds the counters on the global meter.
func NewBusMetrics() (*BusMetrics, error) {
	m := Meter("")
	events, err := m.Int64Counter("aios.events",
		metric.WithDescription("events published on the bus"))
	if err != nil {
		return nil, err
	}
	actions, err := m.Int64Counter("aios.actions.finalized",
		metric.WithDescription("actions reaching a terminal status"))
	if err != nil {
		return nil, err
	}
	tasks, err := m.Int64Counter("aios.tasks.terminal",
		metric.WithDescription("scheduler tasks reaching a terminal state"))
	if err != nil {
		return nil, err
	}
	return &BusMetrics{events: events, actions: actions, tasks: tasks}, nil
}

// Observe records one bus event.
func (b *BusMetrics) Observe(e *event.Event) {
	ctx := context.Background()
	b.events.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", e.Type),
			attribute.String("severity", string(e.Severity)),
		))
	switch e.Type {
	case event.TypeActionFinalized:
		status, _ := e.Payload["status"].(string)
		b.actions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	case event.TypeTaskCompleted, event.TypeTaskFailed, event.TypeTaskTimeout:
		b.tasks.Add(ctx, 1, metric.WithAttributes(attribute.String("state", e.Type)))
	}
}
