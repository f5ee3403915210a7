// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package webhook implements the C10 webhook reducer: folding inbound CI
// provider callbacks (GitHub Actions, GitLab CI) into journal events and,
// where the payload carries a terminal conclusion, a step/protocol state
// transition (spec.md §4.10). Folding is idempotent: replaying the same
// payload only ever re-asserts the same terminal state.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stepforge/stepforge/internal/domain"
	"github.com/stepforge/stepforge/internal/store"
)

// Store is the subset of *store.Store the webhook reducer needs.
type Store interface {
	GetProtocolRun(ctx context.Context, id int64) (*domain.ProtocolRun, error)
	FindProtocolRunByBranch(ctx context.Context, ref string) (*domain.ProtocolRun, error)
	LatestStepRun(ctx context.Context, protocolRunID int64) (*domain.StepRun, error)
	UpdateStepStatus(ctx context.Context, id int64, status domain.StepStatus, update store.StepStatusUpdate) error
	UpdateProtocolStatus(ctx context.Context, id int64, status domain.ProtocolStatus) error
	AppendEvent(ctx context.Context, protocolRunID int64, stepRunID *int64, eventType, message string, metadata domain.JSONMap) (*domain.Event, error)
}

// ErrInvalidSignature is returned when a provider's signature/token header
// fails verification against the configured webhook secret.
var ErrInvalidSignature = fmt.Errorf("invalid webhook signature")

// Reducer folds GitHub/GitLab webhook deliveries into the journal.
type Reducer struct {
	store Store
	token string // configured webhook secret; empty disables verification
}

// New constructs a Reducer. An empty token disables signature/token
// verification entirely, matching the original's "if config.webhook_token"
// guard — intended for local development only.
func New(st Store, token string) *Reducer {
	return &Reducer{store: st, token: token}
}

// VerifyGitHubSignature checks an X-Hub-Signature-256 header against the
// configured secret using HMAC-SHA256 (constant-time compare).
func (r *Reducer) VerifyGitHubSignature(body []byte, signatureHeader string) bool {
	if r.token == "" {
		return true
	}
	if signatureHeader == "" {
		return false
	}
	sig := strings.TrimPrefix(signatureHeader, "sha256=")
	mac := hmac.New(sha256.New, []byte(r.token))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1
}

// VerifyGitLabToken checks an X-Gitlab-Token header against the configured
// secret via a literal constant-time comparison (GitLab has no HMAC scheme
// for its basic webhook integration).
func (r *Reducer) VerifyGitLabToken(tokenHeader string) bool {
	if r.token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(tokenHeader), []byte(r.token)) == 1
}

// GitHubPayload handles a GitHub webhook delivery body (already signature
// verified by the caller). protocolRunID, when non-zero, pins the target
// run directly; otherwise the run is resolved from the payload's branch.
func (r *Reducer) GitHubPayload(ctx context.Context, body []byte, eventType string, protocolRunID int64) error {
	var payload struct {
		Action      string `json:"action"`
		Ref         string `json:"ref"`
		WorkflowRun struct {
			HeadBranch string `json:"head_branch"`
			Conclusion string `json:"conclusion"`
		} `json:"workflow_run"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("decode github webhook payload: %w", err)
		}
	}
	if eventType == "" {
		eventType = "github"
	}
	branch := payload.WorkflowRun.HeadBranch
	if branch == "" {
		branch = payload.Ref
	}

	run, err := r.resolveRun(ctx, protocolRunID, branch)
	if err != nil {
		return err
	}

	message := fmt.Sprintf("GitHub webhook %s action=%s branch=%s conclusion=%s",
		eventType, payload.Action, branch, payload.WorkflowRun.Conclusion)
	return r.fold(ctx, run, eventType, message, conclusionState(payload.WorkflowRun.Conclusion))
}

// GitLabPayload handles a GitLab webhook delivery body.
func (r *Reducer) GitLabPayload(ctx context.Context, body []byte, eventType string, protocolRunID int64) error {
	var payload struct {
		Ref             string `json:"ref"`
		ObjectAttribute struct {
			Status string `json:"status"`
		} `json:"object_attributes"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("decode gitlab webhook payload: %w", err)
		}
	}
	if eventType == "" {
		eventType = "gitlab"
	}

	run, err := r.resolveRun(ctx, protocolRunID, payload.Ref)
	if err != nil {
		return err
	}

	message := fmt.Sprintf("GitLab webhook %s status=%s ref=%s", eventType, payload.ObjectAttribute.Status, payload.Ref)
	return r.fold(ctx, run, eventType, message, gitlabStatusState(payload.ObjectAttribute.Status))
}

// runOutcome is the terminal disposition a provider payload maps to, if
// any; "" means the event is journalled but no state transition follows.
type runOutcome string

const (
	outcomeNone    runOutcome = ""
	outcomeSuccess runOutcome = "success"
	outcomeFailure runOutcome = "failure"
)

func conclusionState(conclusion string) runOutcome {
	switch conclusion {
	case "success", "neutral":
		return outcomeSuccess
	case "failure", "timed_out", "cancelled":
		return outcomeFailure
	default:
		return outcomeNone
	}
}

func gitlabStatusState(status string) runOutcome {
	switch status {
	case "success", "passed":
		return outcomeSuccess
	case "failed", "canceled":
		return outcomeFailure
	default:
		return outcomeNone
	}
}

func (r *Reducer) resolveRun(ctx context.Context, protocolRunID int64, ref string) (*domain.ProtocolRun, error) {
	if protocolRunID != 0 {
		return r.store.GetProtocolRun(ctx, protocolRunID)
	}
	return r.store.FindProtocolRunByBranch(ctx, ref)
}

// fold journals the event and, for a terminal outcome, applies the
// step/protocol transition: success completes the latest step, failure
// fails it and blocks the run (§4.10). A run with no steps yet just gets
// the journal entry.
func (r *Reducer) fold(ctx context.Context, run *domain.ProtocolRun, eventType, message string, outcome runOutcome) error {
	step, err := r.store.LatestStepRun(ctx, run.ID)
	if err != nil && err != domain.ErrNotFound {
		return err
	}
	var stepID *int64
	if step != nil {
		stepID = &step.ID
	}
	if _, err := r.store.AppendEvent(ctx, run.ID, stepID, eventType, message, nil); err != nil {
		return err
	}

	if step == nil || outcome == outcomeNone {
		return nil
	}
	switch outcome {
	case outcomeSuccess:
		// An older failure is sticky: a later success delivery (e.g. a
		// re-run of a previously-failing check) never silently clears a
		// failed step back to completed. Recovery from blocked/failed is a
		// deliberate user action (retry-latest, approve), not a webhook
		// side effect.
		if step.Status == domain.StepFailed || step.Status == domain.StepCancelled {
			return nil
		}
		summary := "CI passed"
		return r.store.UpdateStepStatus(ctx, step.ID, domain.StepCompleted, store.StepStatusUpdate{Summary: &summary})
	case outcomeFailure:
		summary := "CI failed"
		if err := r.store.UpdateStepStatus(ctx, step.ID, domain.StepFailed, store.StepStatusUpdate{Summary: &summary}); err != nil {
			return err
		}
		return r.store.UpdateProtocolStatus(ctx, run.ID, domain.ProtocolBlocked)
	}
	return nil
}
