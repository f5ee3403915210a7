// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry wires OpenTelemetry tracing for the step executor and
// planner's phase-by-phase flow, exporting via OTLP/HTTP. Each exported
// phase becomes a child span under the owning job's trace, letting an
// operator see where a protocol run spent its time without instrumenting
// the store or engine layers themselves.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	mu       sync.RWMutex
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer = otel.Tracer("stepforge/noop")
)

// Init sets up the OTLP/HTTP trace exporter for serviceName against
// endpoint (host:port, no scheme) and installs it as the process-wide
// tracer provider. Callers that never call Init get a no-op tracer: spans
// created before setup (or in tests) just carry zero overhead.
func Init(ctx context.Context, serviceName, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("telemetry: create otlp trace exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mu.Lock()
	provider = tp
	tracer = tp.Tracer("stepforge/" + serviceName)
	mu.Unlock()

	return tp.Shutdown, nil
}

// Tracer returns the process-wide tracer, a no-op until Init runs.
func Tracer() trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return tracer
}

// StartPhase starts a child span named phase under ctx's active trace, for
// the executor/planner's phase-by-phase instrumentation.
func StartPhase(ctx context.Context, phase string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, phase, opts...)
}
