// Package telemetry sets up OpenTelemetry tracing and metrics for genbot.
// A nil or "none" config yields no-op providers.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"genbot/internal/config"
)

const (
	ScopeName = "genbot"
	Version   = "0.3.0"
)

// Provider bundles the tracer and meter handed to the rest of the app.
type Provider struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	Exporter string

	shutdown []func(context.Context) error
}

// Init builds providers for cfg. Extra readers (e.g. a ManualReader in
// tests) are attached to the meter provider.
func Init(ctx context.Context, cfg *config.TelemetryConfig, readers ...sdkmetric.Reader) (*Provider, error) {
	exp := "none"
	if cfg != nil && strings.TrimSpace(cfg.Exporter) != "" {
		exp = strings.ToLower(strings.TrimSpace(cfg.Exporter))
	}
	if exp == "none" && len(readers) == 0 {
		return &Provider{
			Tracer:   nooptrace.NewTracerProvider().Tracer(ScopeName),
			Meter:    noop.NewMeterProvider().Meter(ScopeName),
			Exporter: exp,
		}, nil
	}

	name := ScopeName
	if cfg != nil && strings.TrimSpace(cfg.ServiceName) != "" {
		name = strings.TrimSpace(cfg.ServiceName)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		attribute.String("genbot.version", Version),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	p := &Provider{Exporter: exp}

	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		mopts = append(mopts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mopts...)
	p.Meter = mp.Meter(ScopeName)
	p.shutdown = append(p.shutdown, mp.Shutdown)

	spanExp, err := newSpanExporter(ctx, exp, cfg)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	if spanExp == nil {
		p.Tracer = nooptrace.NewTracerProvider().Tracer(ScopeName)
		return p, nil
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	p.Tracer = tp.Tracer(ScopeName)
	p.shutdown = append(p.shutdown, tp.Shutdown)
	return p, nil
}

func newSpanExporter(ctx context.Context, exp string, cfg *config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch exp {
	case "none":
		return nil, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp-http":
		endpoint := "localhost:4318"
		opts := []otlptracehttp.Option{}
		if cfg != nil {
			if e := strings.TrimSpace(cfg.Endpoint); e != "" {
				endpoint = e
			}
			if cfg.Insecure {
				opts = append(opts, otlptracehttp.WithInsecure())
			}
		}
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q (supported: otlp-http, stdout, none)", exp)
	}
}

// Shutdown flushes pending spans and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, p.shutdown[i](ctx))
	}
	p.shutdown = nil
	return errors.Join(errs...)
}
