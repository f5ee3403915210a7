// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/stepforge/stepforge/internal/domain"
)

// RedisQueue is a remote queue backend, grounded on the reliable-queue
// LPUSH/BRPOP pattern: jobs ready to run now live in a Redis list (pending);
// jobs delayed by Requeue live in a sorted set (scheduled) scored by
// next_run_at and are promoted into the pending list as their delay
// elapses. Claim pops the head non-blockingly, matching the C5 contract's
// "non-blocking" requirement (unlike a pure BRPOP worker).
type RedisQueue struct {
	client        *redis.Client
	pendingKey    string
	scheduledKey  string
	jobHashPrefix string
}

// NewRedisQueue constructs a RedisQueue against an already-connected client.
func NewRedisQueue(client *redis.Client, keyPrefix string) *RedisQueue {
	if keyPrefix == "" {
		keyPrefix = "stepforge"
	}
	return &RedisQueue{
		client:        client,
		pendingKey:    keyPrefix + ":queue:pending",
		scheduledKey:  keyPrefix + ":queue:scheduled",
		jobHashPrefix: keyPrefix + ":job:",
	}
}

func (q *RedisQueue) jobKey(id string) string { return q.jobHashPrefix + id }

func (q *RedisQueue) saveJob(ctx context.Context, job *domain.Job) error {
	buf, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.jobKey(job.JobID), buf, 0).Err()
}

func (q *RedisQueue) loadJob(ctx context.Context, id string) (*domain.Job, error) {
	buf, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var job domain.Job
	if err := json.Unmarshal(buf, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobType string, payload domain.JSONMap, queueName string) (*domain.Job, error) {
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
	if err := q.saveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("redis queue: save job: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey, job.JobID).Err(); err != nil {
		return nil, fmt.Errorf("redis queue: lpush: %w", err)
	}
	return job, nil
}

// promoteDue moves jobs from the scheduled sorted set into the pending list
// once their next_run_at has elapsed.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := float64(time.Now().Unix())
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min: "0", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if removed, err := q.client.ZRem(ctx, q.scheduledKey, id).Result(); err == nil && removed > 0 {
			q.client.LPush(ctx, q.pendingKey, id)
		}
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, queueName string) (*domain.Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}
	id, err := q.client.RPop(ctx, q.pendingKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job, err := q.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if queueName != "" && job.Queue != queueName {
		// Wrong logical queue sharing the same Redis keyspace: push back and
		// report no work ready for this caller.
		q.client.LPush(ctx, q.pendingKey, id)
		return nil, nil
	}
	job.Status = domain.JobInProgress
	now := time.Now().Unix()
	job.StartedAt = &now
	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *RedisQueue) Requeue(ctx context.Context, job *domain.Job, delaySeconds int64) error {
	job.Status = domain.JobQueued
	job.NextRunAt = time.Now().Unix() + delaySeconds
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	if delaySeconds <= 0 {
		return q.client.LPush(ctx, q.pendingKey, job.JobID).Err()
	}
	return q.client.ZAdd(ctx, q.scheduledKey, &redis.Z{
		Score:  float64(job.NextRunAt),
		Member: job.JobID,
	}).Err()
}

func (q *RedisQueue) MarkFinished(ctx context.Context, job *domain.Job, status domain.JobStatus, result domain.JSONMap, errMsg string) error {
	job.Status = status
	now := time.Now().Unix()
	job.EndedAt = &now
	job.Result = result
	job.Error = errMsg
	return q.saveJob(ctx, job)
}

func (q *RedisQueue) List(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	keys, err := q.client.Keys(ctx, q.jobHashPrefix+"*").Result()
	if err != nil {
		return nil, err
	}
	var out []*domain.Job
	for _, key := range keys {
		buf, err := q.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var job domain.Job
		if err := json.Unmarshal(buf, &job); err != nil {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, &job)
	}
	return out, nil
}

func (q *RedisQueue) Stats(ctx context.Context) ([]Stats, error) {
	all, err := q.List(ctx, "")
	if err != nil {
		return nil, err
	}
	byQueue := make(map[string]*Stats)
	for _, job := range all {
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
