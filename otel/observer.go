// Package otel provides OpenTelemetry integration for petalbus event buses.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalbus/bus"
)

// BusObserver records bus subscription and delivery signals into
// OpenTelemetry. Pass it as bus.Config.Observer.
type BusObserver struct {
	tracer trace.Tracer

	emits         metric.Int64Counter
	deliveries    metric.Int64Counter
	failures      metric.Int64Counter
	registrations metric.Int64UpDownCounter
	emitDuration  metric.Float64Histogram
}

// NewBusObserver creates a bus observer bound to the provided meter/tracer.
// A nil tracer disables spans.
func NewBusObserver(meter metric.Meter, tracer trace.Tracer) (*BusObserver, error) {
	emits, err := meter.Int64Counter(
		"petalbus.emits",
		metric.WithDescription("Number of emits that reached at least one handler"),
	)
	if err != nil {
		return nil, err
	}
	deliveries, err := meter.Int64Counter(
		"petalbus.deliveries",
		metric.WithDescription("Number of handler invocations that returned normally"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter(
		"petalbus.handler.failures",
		metric.WithDescription("Number of handler invocations that panicked"),
	)
	if err != nil {
		return nil, err
	}
	registrations, err := meter.Int64UpDownCounter(
		"petalbus.registrations",
		metric.WithDescription("Number of live handler registrations"),
	)
	if err != nil {
		return nil, err
	}
	emitDuration, err := meter.Float64Histogram(
		"petalbus.emit.duration",
		metric.WithDescription("Duration of one delivery pass in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &BusObserver{
		tracer:        tracer,
		emits:         emits,
		deliveries:    deliveries,
		failures:      failures,
		registrations: registrations,
		emitDuration:  emitDuration,
	}, nil
}

// ObserveSubscribe records one new registration.
func (o *BusObserver) ObserveSubscribe(observation bus.SubscribeObservation) {
	if o == nil {
		return
	}
	o.registrations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("bus", observation.Bus),
		attribute.String("key", observation.Key),
	))
}

// ObserveUnsubscribe records removed registrations.
func (o *BusObserver) ObserveUnsubscribe(observation bus.UnsubscribeObservation) {
	if o == nil {
		return
	}
	o.registrations.Add(context.Background(), -int64(observation.Removed), metric.WithAttributes(
		attribute.String("bus", observation.Bus),
		attribute.String("key", observation.Key),
	))
}

// ObserveEmit records one delivery pass and, with a tracer, a span covering it.
func (o *BusObserver) ObserveEmit(observation bus.EmitObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("bus", observation.Bus),
		attribute.String("key", observation.Key),
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.emits.Add(ctx, 1, options)
	o.deliveries.Add(ctx, int64(observation.Delivered), options)
	o.emitDuration.Record(ctx, observation.Duration.Seconds(), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "bus.emit",
		trace.WithTimestamp(observation.Start),
		trace.WithAttributes(attrs...),
		trace.WithAttributes(
			attribute.Int("handlers", observation.Handlers),
			attribute.Int("delivered", observation.Delivered),
			attribute.Int("failed", observation.Failed),
			attribute.Bool("canceled", observation.Canceled),
		),
	)
	switch {
	case observation.Failed > 0:
		span.SetStatus(codes.Error, "handler panicked")
	case observation.Canceled:
		span.SetStatus(codes.Error, "canceled")
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(observation.Start.Add(observation.Duration)))
}

// ObserveFailure records one panicking handler.
func (o *BusObserver) ObserveFailure(busName string, err *bus.HandlerError) {
	if o == nil || err == nil {
		return
	}
	o.failures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("bus", busName),
		attribute.String("key", err.Key),
	))
}

var _ bus.Observer = (*BusObserver)(nil)
