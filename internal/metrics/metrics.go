// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes the job-type and QA-verdict counters the worker
// loop and QA gate increment as they run (spec.md §4.4 `inc_metric`, §4.8
// step 3). It reads the process-wide otel.Meter, the same way
// internal/telemetry reads the process-wide otel.Tracer: callers that never
// set up a MeterProvider still get working (no-op) counters, so tests and
// local runs never need a collector.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stepforge/stepforge/internal/logger"
)

var (
	mu          sync.RWMutex
	meter       metric.Meter = otel.Meter("stepforge")
	jobCounter  metric.Int64Counter
	qaCounter   metric.Int64Counter
	initialized bool
)

func ensureInstruments() {
	mu.RLock()
	ready := initialized
	mu.RUnlock()
	if ready {
		return
	}

	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return
	}
	var err error
	jobCounter, err = meter.Int64Counter("stepforge.jobs",
		metric.WithDescription("Jobs processed by the worker loop, by job type and outcome."))
	if err != nil {
		metricsLogger := logger.GetMetricsLogger()
		metricsLogger.Warn().Err(err).Msg("create jobs counter failed")
	}
	qaCounter, err = meter.Int64Counter("stepforge.qa_verdicts",
		metric.WithDescription("QA gate verdicts, by outcome."))
	if err != nil {
		metricsLogger := logger.GetMetricsLogger()
		metricsLogger.Warn().Err(err).Msg("create qa_verdicts counter failed")
	}
	initialized = true
}

// SetMeterProvider installs mp as the source of this package's Meter,
// mirroring telemetry.Init's provider installation. Call it once during
// startup, before the worker loop or QA gate run, so the first IncJob/
// IncQAVerdict call uses the real exporter rather than the no-op default.
func SetMeterProvider(mp metric.MeterProvider) {
	mu.Lock()
	meter = mp.Meter("stepforge")
	initialized = false
	mu.Unlock()
}

// IncJob records one processed job of jobType with the given outcome
// ("completed", "failed", "requeued"), per spec.md §4.4's inc_metric(job.
// type, status) call.
func IncJob(ctx context.Context, jobType, outcome string) {
	ensureInstruments()
	mu.RLock()
	defer mu.RUnlock()
	if jobCounter == nil {
		return
	}
	jobCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_type", jobType),
		attribute.String("outcome", outcome),
	))
}

// IncQAVerdict records one QA gate verdict ("pass" or "fail"), per
// spec.md §4.8 step 3's QA verdict counter.
func IncQAVerdict(ctx context.Context, verdict string) {
	ensureInstruments()
	mu.RLock()
	defer mu.RUnlock()
	if qaCounter == nil {
		return
	}
	qaCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
}
