package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalbus/bus"
	petalotel "github.com/petal-labs/petalbus/otel"
)

const (
	keyReady = "ready"
	keyTick  = "tick"
)

// NewDemoCmd creates the "demo" subcommand.
func NewDemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Mount consumers on a bus, emit ticks, unmount them one by one",
		Long: "Runs a scripted scenario: each consumer subscribes through its own scope, " +
			"ticks are emitted, and consumers unmount one per tick. The run fails if any " +
			"registration outlives its consumer.",
		Args: cobra.NoArgs,
		RunE: runDemo,
	}

	cmd.Flags().String("config", "", "Path to petalbus.yaml")
	cmd.Flags().Int("consumers", 0, "Number of consumers (overrides demo.consumers)")
	cmd.Flags().Int("ticks", 0, "Number of ticks to emit (overrides demo.ticks)")

	return cmd
}

// consumer is one simulated component holding a scope for its lifetime.
type consumer struct {
	name  string
	scope *bus.Scope[string, int]
	ticks int
}

func runDemo(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("consumers") {
		cfg.Demo.Consumers, _ = cmd.Flags().GetInt("consumers")
	}
	if cmd.Flags().Changed("ticks") {
		cfg.Demo.Ticks, _ = cmd.Flags().GetInt("ticks")
	}
	if err := cfg.Validate(); err != nil {
		return exitError(exitConfig, "invalid config: %s", err)
	}

	out := cmd.OutOrStdout()
	logger := newLogger(cmd, cfg, cmd.ErrOrStderr())

	tel, err := setupTelemetry(cfg.Telemetry.Metrics, cfg.Telemetry.Tracing)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer tel.shutdown(context.Background())

	b := bus.New[string, int](bus.Config{
		Name:     cfg.Bus.Name,
		Logger:   logger,
		Observer: tel.observer,
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	consumers := make([]*consumer, 0, cfg.Demo.Consumers)
	for i := 0; i < cfg.Demo.Consumers; i++ {
		c, err := mountConsumer(ctx, b, fmt.Sprintf("consumer-%d", i), out)
		if err != nil {
			return err
		}
		consumers = append(consumers, c)
	}

	b.Emit(keyReady, 0)

	for tick := 1; tick <= cfg.Demo.Ticks; tick++ {
		before := totalTicks(consumers)
		b.Emit(keyTick, tick)
		fmt.Fprintf(out, "tick %d: %d handler(s) ran\n", tick, totalTicks(consumers)-before)

		// One consumer unmounts per tick.
		if idx := tick - 1; idx < len(consumers) {
			c := consumers[idx]
			c.scope.Teardown()
			fmt.Fprintf(out, "%s unmounted after %d tick(s)\n", c.name, c.ticks)
		}
	}

	for _, c := range consumers {
		if c.scope.Active() {
			c.scope.Teardown()
			fmt.Fprintf(out, "%s unmounted at shutdown after %d tick(s)\n", c.name, c.ticks)
		}
	}

	leaked := 0
	for _, key := range b.Keys() {
		leaked += b.Len(key)
	}
	fmt.Fprintf(out, "registrations left: %d\n", leaked)

	if err := tel.report(ctx, out); err != nil {
		return fmt.Errorf("collecting telemetry: %w", err)
	}

	if leaked > 0 {
		return exitError(exitLeak, "%d registration(s) outlived their consumers", leaked)
	}
	return nil
}

func mountConsumer(ctx context.Context, b *bus.Bus[string, int], name string, out io.Writer) (*consumer, error) {
	c := &consumer{name: name, scope: b.Scope()}
	// Safety net: the command context ending also unmounts the consumer.
	c.scope.BindContext(ctx)

	if _, err := c.scope.Once(keyReady, func(int) {
		fmt.Fprintf(out, "%s ready\n", c.name)
	}); err != nil {
		return nil, err
	}
	if _, err := c.scope.On(keyTick, func(int) {
		c.ticks++
	}); err != nil {
		return nil, err
	}
	return c, nil
}

func totalTicks(consumers []*consumer) int {
	var n int
	for _, c := range consumers {
		n += c.ticks
	}
	return n
}

// telemetry holds the in-process OpenTelemetry pipeline used by the demo.
type telemetry struct {
	observer bus.Observer
	reader   *sdkmetric.ManualReader
	mp       *sdkmetric.MeterProvider
	spans    *tracetest.InMemoryExporter
	tp       *sdktrace.TracerProvider
}

func setupTelemetry(metrics, tracing bool) (*telemetry, error) {
	t := &telemetry{}
	if !metrics && !tracing {
		return t, nil
	}

	t.reader = sdkmetric.NewManualReader()
	t.mp = sdkmetric.NewMeterProvider(sdkmetric.WithReader(t.reader))
	otelapi.SetMeterProvider(t.mp)

	if tracing {
		t.spans = tracetest.NewInMemoryExporter()
		t.tp = sdktrace.NewTracerProvider(sdktrace.WithSyncer(t.spans))
		otelapi.SetTracerProvider(t.tp)
	}

	var tracer trace.Tracer
	if tracing {
		tracer = otelapi.GetTracerProvider().Tracer("petalbus/bus")
	}
	observer, err := petalotel.NewBusObserver(otelapi.GetMeterProvider().Meter("petalbus/bus"), tracer)
	if err != nil {
		return nil, err
	}
	t.observer = observer
	return t, nil
}

// report prints collected metric totals and the span count.
func (t *telemetry) report(ctx context.Context, out io.Writer) error {
	if t.reader != nil {
		var rm metricdata.ResourceMetrics
		if err := t.reader.Collect(ctx, &rm); err != nil {
			return err
		}
		totals := metricTotals(&rm)
		names := make([]string, 0, len(totals))
		for name := range totals {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintln(out, "metrics:")
		for _, name := range names {
			fmt.Fprintf(out, "  %s = %d\n", name, totals[name])
		}
	}
	if t.spans != nil {
		fmt.Fprintf(out, "spans: %d\n", len(t.spans.GetSpans()))
	}
	return nil
}

func (t *telemetry) shutdown(ctx context.Context) {
	if t.mp != nil {
		_ = t.mp.Shutdown(ctx)
	}
	if t.tp != nil {
		_ = t.tp.Shutdown(ctx)
	}
}

// metricTotals sums int64 counters and counts histogram observations.
func metricTotals(rm *metricdata.ResourceMetrics) map[string]int64 {
	totals := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					totals[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					totals[m.Name] += int64(dp.Count)
				}
			}
		}
	}
	return totals
}
