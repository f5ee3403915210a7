// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepforge/stepforge/internal/config"
	"github.com/stepforge/stepforge/internal/domain"
	"github.com/stepforge/stepforge/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(&config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, s.AutoMigrate())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRunWithStep(t *testing.T, s *store.Store, branch string) (*domain.ProtocolRun, *domain.StepRun) {
	t.Helper()
	ctx := context.Background()
	project, err := s.CreateProject(ctx, &domain.Project{Name: "demo"})
	require.NoError(t, err)
	run, err := s.CreateProtocolRun(ctx, &domain.ProtocolRun{ProjectID: project.ID, ProtocolName: branch, BaseBranch: "main"})
	require.NoError(t, err)
	step, err := s.CreateStepRun(ctx, &domain.StepRun{ProtocolRunID: run.ID, StepIndex: 0, StepName: "00-setup", Status: domain.StepNeedsQA})
	require.NoError(t, err)
	return run, step
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyGitHubSignature(t *testing.T) {
	r := New(nil, "topsecret")
	body := []byte(`{"hello":"world"}`)

	assert.True(t, r.VerifyGitHubSignature(body, sign(body, "topsecret")))
	assert.False(t, r.VerifyGitHubSignature(body, sign(body, "wrongsecret")))
	assert.False(t, r.VerifyGitHubSignature(body, ""))

	open := New(nil, "")
	assert.True(t, open.VerifyGitHubSignature(body, ""), "empty configured token disables verification")
}

func TestVerifyGitLabToken(t *testing.T) {
	r := New(nil, "topsecret")
	assert.True(t, r.VerifyGitLabToken("topsecret"))
	assert.False(t, r.VerifyGitLabToken("wrong"))

	open := New(nil, "")
	assert.True(t, open.VerifyGitLabToken("anything"))
}

func TestGitHubPayload_SuccessCompletesLatestStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run, step := seedRunWithStep(t, s, "0001-demo")

	r := New(s, "")
	body := []byte(`{"action":"completed","workflow_run":{"head_branch":"0001-demo","conclusion":"success"}}`)
	require.NoError(t, r.GitHubPayload(ctx, body, "workflow_run", 0))

	fetched, err := s.GetStepRun(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleted, fetched.Status)

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "conclusion=success")
}

func TestGitHubPayload_FailureBlocksRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run, step := seedRunWithStep(t, s, "0002-demo")

	r := New(s, "")
	body := []byte(`{"action":"completed","workflow_run":{"head_branch":"0002-demo","conclusion":"failure"}}`)
	require.NoError(t, r.GitHubPayload(ctx, body, "workflow_run", 0))

	fetched, err := s.GetStepRun(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepFailed, fetched.Status)

	fetchedRun, err := s.GetProtocolRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolBlocked, fetchedRun.Status)
}

func TestGitHubPayload_SuccessDoesNotOverwriteExistingFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run, step := seedRunWithStep(t, s, "0003-demo")

	r := New(s, "")
	failBody := []byte(`{"workflow_run":{"head_branch":"0003-demo","conclusion":"failure"}}`)
	require.NoError(t, r.GitHubPayload(ctx, failBody, "workflow_run", 0))

	successBody := []byte(`{"workflow_run":{"head_branch":"0003-demo","conclusion":"success"}}`)
	require.NoError(t, r.GitHubPayload(ctx, successBody, "workflow_run", 0))

	fetched, err := s.GetStepRun(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepFailed, fetched.Status, "a later success delivery must not clear a sticky failure")

	fetchedRun, err := s.GetProtocolRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolBlocked, fetchedRun.Status)

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2, "both deliveries are journalled even though only one mutated state")
}

func TestGitHubPayload_UnknownBranchReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := New(s, "")

	body := []byte(`{"workflow_run":{"head_branch":"does-not-exist","conclusion":"success"}}`)
	err := r.GitHubPayload(ctx, body, "workflow_run", 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGitLabPayload_PassedCompletesLatestStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, step := seedRunWithStep(t, s, "0004-demo")

	r := New(s, "")
	body := []byte(`{"ref":"0004-demo","object_attributes":{"status":"passed"}}`)
	require.NoError(t, r.GitLabPayload(ctx, body, "pipeline", 0))

	fetched, err := s.GetStepRun(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleted, fetched.Status)
}

func TestGitLabPayload_FailedBlocksRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run, step := seedRunWithStep(t, s, "0005-demo")

	r := New(s, "")
	body := []byte(`{"ref":"0005-demo","object_attributes":{"status":"failed"}}`)
	require.NoError(t, r.GitLabPayload(ctx, body, "pipeline", 0))

	fetched, err := s.GetStepRun(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepFailed, fetched.Status)

	fetchedRun, err := s.GetProtocolRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolBlocked, fetchedRun.Status)
}

func TestPayload_ExplicitProtocolRunIDOverridesBranchResolution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run, step := seedRunWithStep(t, s, "0006-demo")

	r := New(s, "")
	body := []byte(`{"workflow_run":{"head_branch":"some-other-branch","conclusion":"success"}}`)
	require.NoError(t, r.GitHubPayload(ctx, body, "workflow_run", run.ID))

	fetched, err := s.GetStepRun(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleted, fetched.Status)
}
