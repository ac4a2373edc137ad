package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"genbot/internal/config"
)

func TestInitNilIsNoop(t *testing.T) {
	t.Parallel()
	p, err := Init(context.Background(), nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil || p.Exporter != "none" {
		t.Fatalf("unexpected provider: %+v", p)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	t.Parallel()
	if _, err := Init(context.Background(), &config.TelemetryConfig{Exporter: "zipkin"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInitWithReaderCollectsMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), &config.TelemetryConfig{Exporter: "none"}, reader)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	c, err := p.Meter.Int64Counter("genbot.test")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	c.Add(context.Background(), 2)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(rm.ScopeMetrics) != 1 || len(rm.ScopeMetrics[0].Metrics) != 1 {
		t.Fatalf("unexpected metrics: %+v", rm.ScopeMetrics)
	}
	if got := rm.ScopeMetrics[0].Metrics[0].Name; got != "genbot.test" {
		t.Fatalf("metric name = %q", got)
	}
}

func TestInitStdoutTracer(t *testing.T) {
	t.Parallel()
	p, err := Init(context.Background(), &config.TelemetryConfig{Exporter: "stdout", ServiceName: "genbot-test"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
