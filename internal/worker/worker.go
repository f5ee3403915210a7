// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package worker implements the C11 worker loop: claims jobs from the
// queue, dispatches them to the planner/executor/QA gate/PR opener, and
// folds failures into capped-exponential-backoff retries or a blocked
// protocol once attempts are exhausted (spec.md §4.11).
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stepforge/stepforge/internal/domain"
	"github.com/stepforge/stepforge/internal/gitrepo"
	"github.com/stepforge/stepforge/internal/logger"
	"github.com/stepforge/stepforge/internal/metrics"
	"github.com/stepforge/stepforge/internal/queue"
)

// Store is the subset of *store.Store the worker loop needs directly (job
// dispatch handlers hold their own narrower Store interfaces).
type Store interface {
	GetProtocolRun(ctx context.Context, id int64) (*domain.ProtocolRun, error)
	GetProject(ctx context.Context, id int64) (*domain.Project, error)
	UpdateProtocolStatus(ctx context.Context, id int64, status domain.ProtocolStatus) error
	AppendEvent(ctx context.Context, protocolRunID int64, stepRunID *int64, eventType, message string, metadata domain.JSONMap) (*domain.Event, error)
}

// Planner services plan_protocol_job.
type Planner interface {
	Plan(ctx context.Context, protocolRunID int64) error
}

// Executor services execute_step_job.
type Executor interface {
	Execute(ctx context.Context, stepRunID int64) error
}

// QualityGate services run_quality_job.
type QualityGate interface {
	RunQuality(ctx context.Context, stepRunID int64) error
}

// Options configures the worker loop, read once from config.QueueConfig.
type Options struct {
	QueueName    string
	PollInterval time.Duration
	MaxAttempts  int
}

// Worker drains one queue, dispatching each claimed job by type.
type Worker struct {
	store    Store
	queue    queue.Queue
	planner  Planner
	executor Executor
	quality  QualityGate
	opts     Options

	stop chan struct{}
	done chan struct{}
}

// New constructs a Worker. Any of planner/executor/quality may be nil if
// this worker instance only services a subset of job types (e.g. a
// dedicated QA worker pool); a job whose handler is nil fails and goes
// through the same requeue-with-backoff path as any other failure until
// its attempts are exhausted.
func New(st Store, q queue.Queue, planner Planner, executor Executor, quality QualityGate, opts Options) *Worker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = domain.DefaultMaxAttempts
	}
	if opts.QueueName == "" {
		opts.QueueName = queue.DefaultQueueName
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Worker{store: st, queue: q, planner: planner, executor: executor, quality: quality, opts: opts}
}

// Run blocks, polling the queue until ctx is cancelled. Mirrors
// BackgroundWorker._loop: claim, process, sleep only when idle.
func (w *Worker) Run(ctx context.Context) {
	log := logger.GetWorkerLogger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, err := w.DrainOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("drain_once failed")
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.opts.PollInterval):
			}
		}
	}
}

// DrainOnce claims and processes a single job, if one is ready. Returns
// (nil, nil) when the queue has nothing to claim.
func (w *Worker) DrainOnce(ctx context.Context) (*domain.Job, error) {
	job, err := w.queue.Claim(ctx, w.opts.QueueName)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	log := logger.GetWorkerLogger()
	procErr := w.process(ctx, job)
	if procErr == nil {
		metrics.IncJob(ctx, job.JobType, "completed")
		return job, w.queue.MarkFinished(ctx, job, domain.JobFinished, nil, "")
	}

	job.Attempts++
	if job.Attempts < w.opts.MaxAttempts {
		backoff := queue.BackoffDelay(job.Attempts)
		log.Warn().Str("job_id", job.JobID).Str("job_type", job.JobType).Err(procErr).
			Int64("backoff_seconds", backoff).Msg("job failed; requeuing")
		metrics.IncJob(ctx, job.JobType, "requeued")
		return job, w.queue.Requeue(ctx, job, backoff)
	}

	log.Error().Str("job_id", job.JobID).Str("job_type", job.JobType).Err(procErr).Msg("job failed permanently")
	metrics.IncJob(ctx, job.JobType, "failed")
	if err := w.queue.MarkFinished(ctx, job, domain.JobFailed, nil, procErr.Error()); err != nil {
		return job, err
	}
	return job, w.failPermanently(ctx, job, procErr)
}

// process dispatches one job to its handler (worker_runtime.py: process_job).
func (w *Worker) process(ctx context.Context, job *domain.Job) error {
	switch job.JobType {
	case domain.JobTypePlanProtocol:
		if w.planner == nil {
			return fmt.Errorf("no planner configured for %s", job.JobType)
		}
		return w.planner.Plan(ctx, jsonInt64(job.Payload, "protocol_run_id"))
	case domain.JobTypeExecuteStep:
		if w.executor == nil {
			return fmt.Errorf("no executor configured for %s", job.JobType)
		}
		return w.executor.Execute(ctx, jsonInt64(job.Payload, "step_run_id"))
	case domain.JobTypeRunQuality:
		if w.quality == nil {
			return fmt.Errorf("no quality gate configured for %s", job.JobType)
		}
		return w.quality.RunQuality(ctx, jsonInt64(job.Payload, "step_run_id"))
	case domain.JobTypeOpenPR:
		return w.handleOpenPR(ctx, jsonInt64(job.Payload, "protocol_run_id"))
	default:
		protocolRunID := jsonInt64(job.Payload, "protocol_run_id")
		_, err := w.store.AppendEvent(ctx, protocolRunID, nil, "unknown_job",
			fmt.Sprintf("Unhandled job type %s", job.JobType), domain.JSONMap{"job_id": job.JobID})
		return err
	}
}

// failPermanently records job_failed and blocks the owning protocol, once a
// job has exhausted its retry budget (worker_runtime.py: drain_once, else
// branch).
func (w *Worker) failPermanently(ctx context.Context, job *domain.Job, cause error) error {
	protocolRunID := jsonInt64(job.Payload, "protocol_run_id")
	if protocolRunID == 0 {
		return nil
	}
	var stepID *int64
	if v := jsonInt64(job.Payload, "step_run_id"); v != 0 {
		stepID = &v
	}
	if _, err := w.store.AppendEvent(ctx, protocolRunID, stepID, "job_failed",
		fmt.Sprintf("%s failed: %v", job.JobType, cause), domain.JSONMap{"job_id": job.JobID, "attempts": job.Attempts}); err != nil {
		return err
	}
	return w.store.UpdateProtocolStatus(ctx, protocolRunID, domain.ProtocolBlocked)
}

// handleOpenPR pushes the protocol's branch and opens a PR/MR, grounded on
// codex_worker.py: handle_open_pr. Any git/CLI failure blocks the run
// rather than propagating, since a human needs to intervene regardless of
// retry count.
func (w *Worker) handleOpenPR(ctx context.Context, protocolRunID int64) error {
	run, err := w.store.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return err
	}
	project, err := w.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return err
	}

	repoRoot := project.GitURL
	if info, err := os.Stat(repoRoot); err != nil || !info.IsDir() {
		_, err := w.store.AppendEvent(ctx, run.ID, nil, "open_pr_skipped",
			"Repo not available locally; cannot push or open PR/MR.", domain.JSONMap{"git_url": project.GitURL})
		return err
	}

	worktree := run.WorktreePath
	if worktree == "" {
		worktree = filepath.Join(repoRoot, run.ProtocolName)
	}
	collaborator := gitrepo.NewCollaborator(worktree, project.CIProvider)

	if _, err := collaborator.Push(ctx, run.ProtocolName); err != nil {
		if _, evErr := w.store.AppendEvent(ctx, run.ID, nil, "open_pr_failed",
			fmt.Sprintf("Failed to push branch: %v", err), domain.JSONMap{"branch": run.ProtocolName}); evErr != nil {
			return evErr
		}
		return w.store.UpdateProtocolStatus(ctx, run.ID, domain.ProtocolBlocked)
	}
	title := fmt.Sprintf("protocol: %s", run.ProtocolName)
	if _, err := collaborator.OpenPR(ctx, run.ProtocolName, run.BaseBranch, title, run.Description); err != nil {
		if _, evErr := w.store.AppendEvent(ctx, run.ID, nil, "open_pr_failed",
			fmt.Sprintf("Failed to open PR/MR: %v", err), domain.JSONMap{"branch": run.ProtocolName}); evErr != nil {
			return evErr
		}
		return w.store.UpdateProtocolStatus(ctx, run.ID, domain.ProtocolBlocked)
	}
	if _, err := w.store.AppendEvent(ctx, run.ID, nil, "open_pr", "Branch pushed and PR/MR requested.",
		domain.JSONMap{"branch": run.ProtocolName}); err != nil {
		return err
	}

	if _, err := collaborator.TriggerCI(ctx, run.ProtocolName); err == nil {
		if _, err := w.store.AppendEvent(ctx, run.ID, nil, "ci_triggered", "CI triggered after PR/MR request.",
			domain.JSONMap{"branch": run.ProtocolName}); err != nil {
			return err
		}
	}
	return nil
}

// jsonInt64 extracts an int64 id from an opaque JSONMap payload, tolerating
// the float64 a JSON decode round-trip produces.
func jsonInt64(payload domain.JSONMap, key string) int64 {
	v, ok := payload[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
