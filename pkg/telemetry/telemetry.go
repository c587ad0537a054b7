// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ShutdownFunc flushes and stops the exporters.
type ShutdownFunc func(context.Context) error

// Config selects where spans and metrics go.
type Config struct {
	// Exporter is "none", "stdout" (the default) or "otlp".
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	// OTLPTimeoutSeconds bounds each export; zero keeps the exporter default.
	OTLPTimeoutSeconds int
	// Output receives the stdout exporter's records. Defaults to os.Stderr
	// so that a kernel speaking MCP over stdout is not disturbed.
	Output io.Writer
	// MetricInterval is the export period of metrics (one minute when zero).
	MetricInterval time.Duration
	// Session is attached to the resource when set.
	Session string
}

// Noop is returned by InitWithConfig when exporting is disabled.
func Noop(context.Context) error { return nil }

// Init exports to stderr.
func Init(serviceName, version string) (ShutdownFunc, error) {
	return InitWithConfig(serviceName, version, Config{Exporter: "stdout"})
}

// InitWithConfig installs global tracer and meter providers for cfg.
// The "none" exporter leaves the global no-op providers in place.
func InitWithConfig(serviceName, version string, cfg Config) (ShutdownFunc, error) {
	if cfg.Exporter == "none" {
		return Noop, nil
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	}
	if cfg.Session != "" {
		attrs = append(attrs, attribute.String(AttrKernelSession, cfg.Session))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	exp, err := newExporters(cfg)
	if err != nil {
		return nil, err
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = time.Minute
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp.spans, trace.WithBatchTimeout(time.Second)),
		trace.WithResource(res),
	)
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exp.metrics, metric.WithInterval(interval))),
		metric.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

type exporters struct {
	spans   trace.SpanExporter
	metrics metric.Exporter
}

func newExporters(cfg Config) (exporters, error) {
	switch cfg.Exporter {
	case "", "stdout":
		return stdoutExporters(cfg)
	case "otlp":
		if cfg.OTLPEndpoint == "" {
			return exporters{}, fmt.Errorf("otlp endpoint is required")
		}
		return otlpExporters(cfg)
	default:
		return exporters{}, fmt.Errorf("unknown telemetry exporter: %s", cfg.Exporter)
	}
}

func stdoutExporters(cfg Config) (exporters, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	spans, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return exporters{}, fmt.Errorf("stdout span exporter: %w", err)
	}
	metrics, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
	if err != nil {
		return exporters{}, fmt.Errorf("stdout metric exporter: %w", err)
	}
	return exporters{spans: spans, metrics: metrics}, nil
}

func otlpExporters(cfg Config) (exporters, error) {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	if cfg.OTLPTimeoutSeconds > 0 {
		timeout := time.Duration(cfg.OTLPTimeoutSeconds) * time.Second
		traceOpts = append(traceOpts, otlptracegrpc.WithTimeout(timeout))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithTimeout(timeout))
	}

	ctx := context.Background()
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return exporters{}, fmt.Errorf("otlp span exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return exporters{}, fmt.Errorf("otlp metric exporter: %w", err)
	}
	return exporters{spans: spans, metrics: metrics}, nil
}
