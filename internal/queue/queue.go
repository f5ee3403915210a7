// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue implements the job queue contract (C5): an at-least-once,
// FIFO-ish work queue with delayed requeue. Three backends share one
// contract: an in-process Memory queue, a Redis-backed remote queue, and a
// Temporal-backed remote queue.
package queue

import (
	"context"

	"github.com/stepforge/stepforge/internal/domain"
)

// Stats counts jobs by status for one queue name.
type Stats struct {
	Queue     string `json:"queue"`
	Queued    int    `json:"queued"`
	InProgress int   `json:"in_progress"`
	Finished  int    `json:"finished"`
	Failed    int    `json:"failed"`
}

// Queue is the C5 contract. claim is non-blocking and must be safe under
// concurrent callers; it does not guarantee strict FIFO across retries (a
// requeued job goes to the tail) but does guarantee at-least-once delivery.
type Queue interface {
	// Enqueue returns a new Job with status=queued, attempts=0.
	Enqueue(ctx context.Context, jobType string, payload domain.JSONMap, queueName string) (*domain.Job, error)

	// Claim returns the oldest queued job in queueName whose NextRunAt <= now,
	// transitioning it to in_progress, or (nil, nil) if none is ready.
	Claim(ctx context.Context, queueName string) (*domain.Job, error)

	// Requeue sets status=queued, next_run_at=now+delaySeconds, appending to
	// the tail of the queue.
	Requeue(ctx context.Context, job *domain.Job, delaySeconds int64) error

	// MarkFinished transitions a job to a terminal disposition (finished or
	// failed) and records its result/error.
	MarkFinished(ctx context.Context, job *domain.Job, status domain.JobStatus, result domain.JSONMap, errMsg string) error

	// List returns a snapshot view for observers, optionally filtered by status.
	List(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error)

	// Stats returns counters by queue and status.
	Stats(ctx context.Context) ([]Stats, error)
}

// DefaultQueueName is used when callers do not specify one.
const DefaultQueueName = "default"

// BackoffDelay computes the capped exponential backoff delay (seconds) for
// the worker loop's retry schedule: min(60, 2^attempts).
func BackoffDelay(attempts int) int64 {
	if attempts <= 0 {
		return 1
	}
	if attempts >= 6 { // 2^6 = 64 already exceeds the cap
		return 60
	}
	delay := int64(1) << uint(attempts)
	if delay > 60 {
		return 60
	}
	return delay
}
