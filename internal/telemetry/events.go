package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const eventScopeName = "github.com/labelforge/labeld/events"

var (
	eventOnce    sync.Once
	eventCounter metric.Int64Counter
	counterCache sync.Map // measurement name -> metric.Int64Counter
)

// Emit records a domain event as a labeld.events count plus one counter
// per measurement. No-op when telemetry is disabled.
//
// Component and event name the emitting subsystem and what happened,
// e.g. ("assignment", "created") or ("timeout_checker", "completed").
func Emit(ctx context.Context, component, event string, measurements map[string]int64, metadata map[string]string) {
	if !Enabled() {
		return
	}
	eventOnce.Do(func() {
		eventCounter, _ = Meter(eventScopeName).Int64Counter("labeld.events",
			metric.WithDescription("Domain events by component and event name"),
		)
	})

	attrs := make([]attribute.KeyValue, 0, 2+len(metadata))
	attrs = append(attrs,
		attribute.String("component", component),
		attribute.String("event", event),
	)
	for k, v := range metadata {
		attrs = append(attrs, attribute.String(k, v))
	}
	if eventCounter != nil {
		eventCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	for name, value := range measurements {
		c := measurementCounter("labeld." + component + "." + name)
		if c != nil {
			c.Add(ctx, value, metric.WithAttributes(attrs...))
		}
	}
}

func measurementCounter(name string) metric.Int64Counter {
	if cached, ok := counterCache.Load(name); ok {
		return cached.(metric.Int64Counter)
	}
	c, err := Meter(eventScopeName).Int64Counter(name)
	if err != nil {
		return nil
	}
	counterCache.Store(name, c)
	return c
}
