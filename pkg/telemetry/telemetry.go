// Copyright 2024-2026 Aiku AI

// Package telemetry configures OpenTelemetry tracing.
package telemetry

import (
	"context"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Settings are read from the environment.
type Settings struct {
	Endpoint string `env:"RELAY_OTEL_ENDPOINT"`
	Enabled  string `env:"RELAY_OTEL_ENABLED"`
}

// Setup initialises tracing for the relay.
//
// Tracing is opt-in: when RELAY_OTEL_ENDPOINT is empty or RELAY_OTEL_ENABLED
// is "false", Setup returns a no-op shutdown function and no global provider
// is registered.
func Setup(ctx context.Context, serviceName, version string) (shutdown func(context.Context) error, err error) {
	var settings Settings
	if err := env.Parse(&settings); err != nil {
		return noop, fmt.Errorf("parse telemetry env: %w", err)
	}
	return SetupWith(ctx, settings, serviceName, version)
}

// SetupWith is Setup with explicit settings.
func SetupWith(ctx context.Context, settings Settings, serviceName, version string) (shutdown func(context.Context) error, err error) {
	if strings.EqualFold(settings.Enabled, "false") || settings.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(settings.Endpoint),
	)
	if err != nil {
		return noop, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

func noop(context.Context) error { return nil }
