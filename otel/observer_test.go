package otel_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/petalbus/bus"
	petalotel "github.com/petal-labs/petalbus/otel"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

// collectMetrics reads all metrics from the reader.
func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

// findMetric searches for a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

// sumInt64 adds up every data point of an int64 sum metric.
func sumInt64(t *testing.T, rm *metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q: got %T, want metricdata.Sum[int64]", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func newObservedBus(t *testing.T, observer *petalotel.BusObserver) *bus.Bus[string, int] {
	t.Helper()
	return bus.New[string, int](bus.Config{
		Name:     "test",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observer: observer,
	})
}

func TestBusObserver_RecordsRegistrationsAndDeliveries(t *testing.T) {
	reader, mp := newTestMeter()
	observer, err := petalotel.NewBusObserver(mp.Meter("test"), nil)
	if err != nil {
		t.Fatalf("NewBusObserver: %v", err)
	}
	b := newObservedBus(t, observer)

	s := b.Scope()
	if _, err := s.On("tick", func(int) {}); err != nil {
		t.Fatalf("On: %v", err)
	}
	if _, err := s.Once("tick", func(int) {}); err != nil {
		t.Fatalf("Once: %v", err)
	}
	b.On("tick", func(int) { panic("boom") })

	b.Emit("tick", 1)
	b.Emit("tick", 2)

	rm := collectMetrics(t, reader)

	if got := sumInt64(t, rm, "petalbus.emits"); got != 2 {
		t.Errorf("petalbus.emits: got %d, want 2", got)
	}
	// First pass: on + once; second pass: on only.
	if got := sumInt64(t, rm, "petalbus.deliveries"); got != 3 {
		t.Errorf("petalbus.deliveries: got %d, want 3", got)
	}
	if got := sumInt64(t, rm, "petalbus.handler.failures"); got != 2 {
		t.Errorf("petalbus.handler.failures: got %d, want 2", got)
	}
	// Once fired and removed itself.
	if got := sumInt64(t, rm, "petalbus.registrations"); got != 2 {
		t.Errorf("petalbus.registrations: got %d, want 2", got)
	}

	s.Teardown()
	rm = collectMetrics(t, reader)
	if got := sumInt64(t, rm, "petalbus.registrations"); got != 1 {
		t.Errorf("petalbus.registrations after teardown: got %d, want 1", got)
	}

	durMetric := findMetric(rm, "petalbus.emit.duration")
	if durMetric == nil {
		t.Fatal("petalbus.emit.duration not found")
	}
	hist, ok := durMetric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("petalbus.emit.duration: got %T, want Histogram[float64]", durMetric.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("petalbus.emit.duration count: got %d, want 2", count)
	}
}

func TestBusObserver_EmitSpan(t *testing.T) {
	_, mp := newTestMeter()
	exporter, tp := newTestTracer()
	observer, err := petalotel.NewBusObserver(mp.Meter("test"), tp.Tracer("test"))
	if err != nil {
		t.Fatalf("NewBusObserver: %v", err)
	}
	b := newObservedBus(t, observer)

	b.On("ok", func(int) {})
	b.On("bad", func(int) { panic("boom") })

	b.Emit("ok", 0)
	b.Emit("bad", 0)
	b.Emit("nobody-listens", 0)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	byKey := make(map[string]tracetest.SpanStub)
	for _, span := range spans {
		if span.Name != "bus.emit" {
			t.Errorf("got span name %q, want bus.emit", span.Name)
		}
		for _, attr := range span.Attributes {
			if attr.Key == "key" {
				byKey[attr.Value.AsString()] = span
			}
		}
	}

	if got := byKey["ok"].Status.Code; got != otelcodes.Ok {
		t.Errorf("ok span status: got %v, want Ok", got)
	}
	if got := byKey["bad"].Status.Code; got != otelcodes.Error {
		t.Errorf("bad span status: got %v, want Error", got)
	}
	if byKey["ok"].EndTime.Before(byKey["ok"].StartTime) {
		t.Error("span ends before it starts")
	}
}

func TestBusObserver_NilIsSafe(t *testing.T) {
	var observer *petalotel.BusObserver
	observer.ObserveSubscribe(bus.SubscribeObservation{})
	observer.ObserveUnsubscribe(bus.UnsubscribeObservation{})
	observer.ObserveEmit(bus.EmitObservation{})
	observer.ObserveFailure("b", &bus.HandlerError{})
}
