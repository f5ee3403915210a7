// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepforge/stepforge/internal/domain"
)

// MemoryQueue is a single-process, mutex-guarded queue. Safe for use by
// multiple worker goroutines within one process; not shared across
// processes (grounded on the original's InMemoryQueue used for local/dev
// and tests).
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	// order preserves insertion/requeue order per queue name; requeue
	// appends to the tail, matching the "not strict FIFO across retries"
	// contract.
	order map[string][]string
}

// NewMemoryQueue constructs an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:  make(map[string]*domain.Job),
		order: make(map[string][]string),
	}
}

func nowEpoch() int64 { return time.Now().Unix() }

func (q *MemoryQueue) Enqueue(ctx context.Context, jobType string, payload domain.JSONMap, queueName string) (*domain.Job, error) {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	job := &domain.Job{
		JobID:       uuid.NewString(),
		JobType:     jobType,
		Payload:     payload,
		Status:      domain.JobQueued,
		Queue:       queueName,
		Attempts:    0,
		MaxAttempts: domain.DefaultMaxAttempts,
		NextRunAt:   0,
	}
	q.jobs[job.JobID] = job
	q.order[queueName] = append(q.order[queueName], job.JobID)
	return cloneJob(job), nil
}

func (q *MemoryQueue) Claim(ctx context.Context, queueName string) (*domain.Job, error) {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := nowEpoch()
	ids := q.order[queueName]
	for i, id := range ids {
		job := q.jobs[id]
		if job == nil || job.Status != domain.JobQueued {
			continue
		}
		if job.NextRunAt > now {
			continue
		}
		job.Status = domain.JobInProgress
		started := now
		job.StartedAt = &started
		// Remove from the pending order slice; a claimed job is re-inserted
		// at the tail only via Requeue.
		q.order[queueName] = append(append([]string{}, ids[:i]...), ids[i+1:]...)
		return cloneJob(job), nil
	}
	return nil, nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, job *domain.Job, delaySeconds int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.jobs[job.JobID]
	if !ok {
		return domain.ErrNotFound
	}
	stored.Status = domain.JobQueued
	stored.NextRunAt = nowEpoch() + delaySeconds
	stored.Attempts = job.Attempts
	stored.Error = job.Error
	q.order[stored.Queue] = append(q.order[stored.Queue], stored.JobID)
	return nil
}

func (q *MemoryQueue) MarkFinished(ctx context.Context, job *domain.Job, status domain.JobStatus, result domain.JSONMap, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.jobs[job.JobID]
	if !ok {
		return domain.ErrNotFound
	}
	stored.Status = status
	ended := nowEpoch()
	stored.EndedAt = &ended
	stored.Result = result
	stored.Error = errMsg
	return nil
}

func (q *MemoryQueue) List(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*domain.Job
	for _, job := range q.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, cloneJob(job))
	}
	return out, nil
}

func (q *MemoryQueue) Stats(ctx context.Context) ([]Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	byQueue := make(map[string]*Stats)
	for _, job := range q.jobs {
		s, ok := byQueue[job.Queue]
		if !ok {
			s = &Stats{Queue: job.Queue}
			byQueue[job.Queue] = s
		}
		switch job.Status {
		case domain.JobQueued:
			s.Queued++
		case domain.JobInProgress:
			s.InProgress++
		case domain.JobFinished:
			s.Finished++
		case domain.JobFailed:
			s.Failed++
		}
	}
	out := make([]Stats, 0, len(byQueue))
	for _, s := range byQueue {
		out = append(out, *s)
	}
	return out, nil
}

func cloneJob(j *domain.Job) *domain.Job {
	cp := *j
	return &cp
}
