// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stepforge/stepforge/internal/domain"
	"github.com/stepforge/stepforge/internal/queue"
	"github.com/stepforge/stepforge/internal/runstate"
	"github.com/stepforge/stepforge/internal/spec"
	"github.com/stepforge/stepforge/internal/store"
	"github.com/stepforge/stepforge/internal/webhook"
)

// Store is the subset of *server.BroadcastingStore (itself a *store.Store)
// the HTTP handlers need — a thin read-through plus the handful of
// administrative writes §6/§7 describe as direct API mutations (everything
// else is enqueued for the worker loop to apply).
type Store interface {
	CreateProject(ctx context.Context, p *domain.Project) (*domain.Project, error)
	GetProject(ctx context.Context, id int64) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]*domain.Project, error)

	CreateProtocolRun(ctx context.Context, p *domain.ProtocolRun) (*domain.ProtocolRun, error)
	GetProtocolRun(ctx context.Context, id int64) (*domain.ProtocolRun, error)
	ListProtocolRuns(ctx context.Context, projectID int64) ([]*domain.ProtocolRun, error)
	UpdateProtocolStatus(ctx context.Context, id int64, status domain.ProtocolStatus) error

	CreateStepRun(ctx context.Context, step *domain.StepRun) (*domain.StepRun, error)
	GetStepRun(ctx context.Context, id int64) (*domain.StepRun, error)
	ListStepRuns(ctx context.Context, protocolRunID int64) ([]*domain.StepRun, error)
	UpdateStepStatus(ctx context.Context, id int64, status domain.StepStatus, update store.StepStatusUpdate) error

	AppendEvent(ctx context.Context, protocolRunID int64, stepRunID *int64, eventType, message string, metadata domain.JSONMap) (*domain.Event, error)
	ListEvents(ctx context.Context, protocolRunID int64) ([]*domain.Event, error)
}

// Handlers holds the dependencies every HTTP handler needs: the store,
// the job queue (mutating actions enqueue rather than run inline), and the
// webhook reducer for the two provider endpoints.
type Handlers struct {
	store    Store
	queue    queue.Queue
	webhooks *webhook.Reducer
	queueName string
}

// NewHandlers constructs the handler set.
func NewHandlers(st Store, q queue.Queue, webhooks *webhook.Reducer, queueName string) *Handlers {
	if queueName == "" {
		queueName = queue.DefaultQueueName
	}
	return &Handlers{store: st, queue: q, webhooks: webhooks, queueName: queueName}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, clientMsg string, err error) {
	if err != nil {
		getLog().Error().Err(err).Msg(clientMsg)
	}
	writeJSON(w, status, map[string]string{"error": clientMsg})
}

func writeStoreErr(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found", nil)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error", err)
}

func idParam(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

// --- health / metrics ---

// Health responds to GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Metrics responds to GET /metrics with a minimal text exposition of queue
// depths; the wire format and richer counters are out of scope (spec.md
// §1 "metric exposition formats").
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue stats", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, s := range stats {
		writeMetricLine(w, "stepforge_jobs_queued", s.Queue, s.Queued)
		writeMetricLine(w, "stepforge_jobs_in_progress", s.Queue, s.InProgress)
		writeMetricLine(w, "stepforge_jobs_finished", s.Queue, s.Finished)
		writeMetricLine(w, "stepforge_jobs_failed", s.Queue, s.Failed)
	}
}

func writeMetricLine(w io.Writer, metric, queueName string, value int) {
	io.WriteString(w, metric+`{queue="`+queueName+`"} `+strconv.Itoa(value)+"\n")
}

// --- projects ---

func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	var p domain.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	created, err := h.store.CreateProject(r.Context(), &p)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id", err)
		return
	}
	p, err := h.store.GetProject(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- protocol runs ---

func (h *Handlers) ListProtocolRuns(w http.ResponseWriter, r *http.Request) {
	projectID, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id", err)
		return
	}
	runs, err := h.store.ListProtocolRuns(r.Context(), projectID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handlers) CreateProtocolRun(w http.ResponseWriter, r *http.Request) {
	projectID, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id", err)
		return
	}
	project, err := h.store.GetProject(r.Context(), projectID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if !checkProjectToken(r, project.APIToken) {
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	var run domain.ProtocolRun
	if err := json.NewDecoder(r.Body).Decode(&run); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	run.ProjectID = projectID
	if run.BaseBranch == "" {
		run.BaseBranch = project.BaseBranch
	}
	created, err := h.store.CreateProtocolRun(r.Context(), &run)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) GetProtocolRun(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid protocol run id", err)
		return
	}
	run, err := h.store.GetProtocolRun(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ActionStart enqueues plan_protocol_job and transitions the run to running.
func (h *Handlers) ActionStart(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid protocol run id", err)
		return
	}
	if _, err := h.store.GetProtocolRun(r.Context(), id); err != nil {
		writeStoreErr(w, err)
		return
	}
	if err := h.store.UpdateProtocolStatus(r.Context(), id, domain.ProtocolRunning); err != nil {
		writeStoreErr(w, err)
		return
	}
	if _, err := h.queue.Enqueue(r.Context(), domain.JobTypePlanProtocol, domain.JSONMap{"protocol_run_id": id}, h.queueName); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue plan_protocol_job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "planning_enqueued"})
}

// ActionPause moves a running protocol to blocked; it is the manual half
// of the running<->blocked edge that CI failures drive automatically.
func (h *Handlers) ActionPause(w http.ResponseWriter, r *http.Request) {
	h.transitionRun(w, r, domain.ProtocolBlocked, "protocol_paused", "Protocol paused by operator")
}

// ActionResume is the recovery edge: blocked -> running.
func (h *Handlers) ActionResume(w http.ResponseWriter, r *http.Request) {
	h.transitionRun(w, r, domain.ProtocolRunning, "protocol_resumed", "Protocol resumed by operator")
}

// ActionCancel moves a protocol to cancelled. Unlike pause and resume, it is
// accepted from any status, terminal ones included.
func (h *Handlers) ActionCancel(w http.ResponseWriter, r *http.Request) {
	h.transitionRun(w, r, domain.ProtocolCancelled, "protocol_cancelled", "Protocol cancelled by operator")
}

func (h *Handlers) transitionRun(w http.ResponseWriter, r *http.Request, status domain.ProtocolStatus, eventType, message string) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid protocol run id", err)
		return
	}
	run, err := h.store.GetProtocolRun(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if run.Status.IsTerminal() && status != domain.ProtocolCancelled {
		writeError(w, http.StatusConflict, "protocol run already in a terminal status", nil)
		return
	}
	if err := h.store.UpdateProtocolStatus(r.Context(), id, status); err != nil {
		writeStoreErr(w, err)
		return
	}
	if _, err := h.store.AppendEvent(r.Context(), id, nil, eventType, message, nil); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// ActionRunNext enqueues execute_step_job for the earliest pending step.
func (h *Handlers) ActionRunNext(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid protocol run id", err)
		return
	}
	steps, err := h.store.ListStepRuns(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	for _, s := range steps {
		if s.Status == domain.StepPending {
			if _, err := h.queue.Enqueue(r.Context(), domain.JobTypeExecuteStep, domain.JSONMap{"step_run_id": s.ID, "protocol_run_id": id}, h.queueName); err != nil {
				writeError(w, http.StatusInternalServerError, "failed to enqueue execute_step_job", err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"step_run_id": s.ID})
			return
		}
	}
	writeError(w, http.StatusConflict, "no pending step to run", nil)
}

// ActionRetryLatest re-enqueues the most recently failed step, resetting it
// to pending.
func (h *Handlers) ActionRetryLatest(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid protocol run id", err)
		return
	}
	steps, err := h.store.ListStepRuns(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	var target *domain.StepRun
	for _, s := range steps {
		if s.Status == domain.StepFailed {
			target = s
		}
	}
	if target == nil {
		writeError(w, http.StatusConflict, "no failed step to retry", nil)
		return
	}
	if err := h.store.UpdateStepStatus(r.Context(), target.ID, domain.StepPending, store.StepStatusUpdate{}); err != nil {
		writeStoreErr(w, err)
		return
	}
	if err := h.store.UpdateProtocolStatus(r.Context(), id, domain.ProtocolRunning); err != nil {
		writeStoreErr(w, err)
		return
	}
	if _, err := h.queue.Enqueue(r.Context(), domain.JobTypeExecuteStep, domain.JSONMap{"step_run_id": target.ID, "protocol_run_id": id}, h.queueName); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue execute_step_job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"step_run_id": target.ID})
}

// ActionOpenPR enqueues open_pr_job.
func (h *Handlers) ActionOpenPR(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid protocol run id", err)
		return
	}
	if _, err := h.queue.Enqueue(r.Context(), domain.JobTypeOpenPR, domain.JSONMap{"protocol_run_id": id}, h.queueName); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue open_pr_job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "open_pr_enqueued"})
}

// GetSpec returns the current protocol_spec plus its hash and validation
// status (spec.md §6 "/protocols/{id}/spec").
func (h *Handlers) GetSpec(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid protocol run id", err)
		return
	}
	run, err := h.store.GetProtocolRun(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	protocolSpec, err := domain.DecodeProtocolSpec(run.TemplateConfig)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to decode protocol spec", err)
		return
	}
	hash, err := domain.SpecHash(protocolSpec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash protocol spec", err)
		return
	}
	validationStatus := "valid"
	if errs := spec.Validate(protocolSpec, run.ProtocolRoot, run.WorktreePath); len(errs) > 0 {
		validationStatus = "invalid"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"spec":              protocolSpec,
		"spec_hash":         hash,
		"validation_status": validationStatus,
	})
}

// --- steps ---

func (h *Handlers) ListSteps(w http.ResponseWriter, r *http.Request) {
	protocolRunID, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid protocol run id", err)
		return
	}
	steps, err := h.store.ListStepRuns(r.Context(), protocolRunID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (h *Handlers) CreateStep(w http.ResponseWriter, r *http.Request) {
	protocolRunID, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid protocol run id", err)
		return
	}
	var step domain.StepRun
	if err := json.NewDecoder(r.Body).Decode(&step); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	step.ProtocolRunID = protocolRunID
	created, err := h.store.CreateStepRun(r.Context(), &step)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) GetEvents(w http.ResponseWriter, r *http.Request) {
	protocolRunID, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid protocol run id", err)
		return
	}
	events, err := h.store.ListEvents(r.Context(), protocolRunID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// StepActionRun enqueues execute_step_job for a step.
func (h *Handlers) StepActionRun(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid step run id", err)
		return
	}
	step, err := h.store.GetStepRun(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if _, err := h.queue.Enqueue(r.Context(), domain.JobTypeExecuteStep,
		domain.JSONMap{"step_run_id": id, "protocol_run_id": step.ProtocolRunID}, h.queueName); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue execute_step_job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "execute_enqueued"})
}

// StepActionRunQA enqueues run_quality_job for a step.
func (h *Handlers) StepActionRunQA(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid step run id", err)
		return
	}
	step, err := h.store.GetStepRun(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	if _, err := h.queue.Enqueue(r.Context(), domain.JobTypeRunQuality,
		domain.JSONMap{"step_run_id": id, "protocol_run_id": step.ProtocolRunID}, h.queueName); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue run_quality_job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "qa_enqueued"})
}

// StepActionApprove moves a needs_qa step directly to completed (manual
// approval), bypassing QA, then checks whether the owning protocol run is
// now fully terminal-success (spec.md §8 scenario 1).
func (h *Handlers) StepActionApprove(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid step run id", err)
		return
	}
	step, err := h.store.GetStepRun(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	summary := "Manually approved"
	if err := h.store.UpdateStepStatus(r.Context(), id, domain.StepCompleted, store.StepStatusUpdate{Summary: &summary}); err != nil {
		writeStoreErr(w, err)
		return
	}
	if _, err := h.store.AppendEvent(r.Context(), step.ProtocolRunID, &id, "manual_approval", "Step manually approved", nil); err != nil {
		writeStoreErr(w, err)
		return
	}
	if err := runstate.MaybeCompleteProtocol(r.Context(), h.store, step.ProtocolRunID); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// --- queues ---

func (h *Handlers) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	var status domain.JobStatus
	if s := r.URL.Query().Get("status"); s != "" {
		status = domain.JobStatus(s)
	}
	jobs, err := h.queue.List(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// --- webhooks ---

func (h *Handlers) WebhookGitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body", err)
		return
	}
	if !h.webhooks.VerifyGitHubSignature(body, r.Header.Get("X-Hub-Signature-256")) {
		writeError(w, http.StatusUnauthorized, "invalid signature", nil)
		return
	}
	protocolRunID, _ := strconv.ParseInt(r.URL.Query().Get("protocol_run_id"), 10, 64)
	if err := h.webhooks.GitHubPayload(r.Context(), body, r.Header.Get("X-GitHub-Event"), protocolRunID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no matching protocol run", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to process webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) WebhookGitLab(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body", err)
		return
	}
	if !h.webhooks.VerifyGitLabToken(r.Header.Get("X-Gitlab-Token")) {
		writeError(w, http.StatusUnauthorized, "invalid token", nil)
		return
	}
	protocolRunID, _ := strconv.ParseInt(r.URL.Query().Get("protocol_run_id"), 10, 64)
	if err := h.webhooks.GitLabPayload(r.Context(), body, r.Header.Get("X-Gitlab-Event"), protocolRunID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no matching protocol run", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to process webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
