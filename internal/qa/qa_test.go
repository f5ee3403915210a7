// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package qa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepforge/stepforge/internal/config"
	"github.com/stepforge/stepforge/internal/domain"
	"github.com/stepforge/stepforge/internal/engine"
	"github.com/stepforge/stepforge/internal/policyrt"
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

type fakeQAEngine struct {
	id     string
	report string
}

func (f *fakeQAEngine) ID() string { return f.id }
func (f *fakeQAEngine) Plan(ctx context.Context, req engine.Request) (engine.Result, error) {
	return engine.Result{Success: true}, nil
}
func (f *fakeQAEngine) Execute(ctx context.Context, req engine.Request) (engine.Result, error) {
	return engine.Result{Success: true}, nil
}
func (f *fakeQAEngine) QA(ctx context.Context, req engine.Request) (engine.Result, error) {
	return engine.Result{Success: true, Stdout: f.report}, nil
}

type recordingTrigger struct {
	called bool
	reason string
}

func (r *recordingTrigger) DispatchTrigger(ctx context.Context, step *domain.StepRun, reason string) error {
	r.called = true
	r.reason = reason
	return nil
}

func seed(t *testing.T, s *store.Store, workspace string, spec *domain.ProtocolSpec) (*domain.Project, *domain.ProtocolRun) {
	t.Helper()
	ctx := context.Background()
	project, err := s.CreateProject(ctx, &domain.Project{Name: "demo", GitURL: workspace})
	require.NoError(t, err)

	templateConfig := domain.JSONMap{}
	if spec != nil {
		encoded, err := domain.EncodeProtocolSpec(spec)
		require.NoError(t, err)
		templateConfig = encoded
	}
	run, err := s.CreateProtocolRun(ctx, &domain.ProtocolRun{
		ProjectID:      project.ID,
		ProtocolName:   "0001-demo",
		WorktreePath:   workspace,
		TemplateConfig: templateConfig,
	})
	require.NoError(t, err)
	return project, run
}

func TestDetermineVerdict(t *testing.T) {
	cases := []struct {
		name   string
		report string
		want   string
	}{
		{"explicit fail anywhere", "some notes\nVERDICT: FAIL\nmore notes", "FAIL"},
		{"case insensitive", "verdict: fail", "FAIL"},
		{"final line pass", "Notes: some tests were previously failing\nVERDICT PASS", "PASS"},
		{"final line fail variant", "analysis...\n\nVERDICT - FAIL due to missing tests", "FAIL"},
		{"clean pass", "Looks good.\n\nVERDICT: PASS", "PASS"},
		{"empty report", "", "PASS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetermineVerdict(tc.report))
		})
	}
}

func TestRunQuality_StubPassThroughWhenWorkspaceMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, run := seed(t, s, "/nonexistent/workspace", nil)
	step, err := s.CreateStepRun(ctx, &domain.StepRun{ProtocolRunID: run.ID, StepIndex: 0, StepName: "00-setup", Status: domain.StepNeedsQA})
	require.NoError(t, err)

	registry := engine.NewRegistry()
	registry.Register(&fakeQAEngine{id: "default", report: "VERDICT: PASS"})
	registry.SetDefault("default")

	gate := New(s, registry, policyrt.New(s), nil, Options{})
	require.NoError(t, gate.RunQuality(ctx, step.ID))

	fetched, err := s.GetStepRun(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleted, fetched.Status)

	fetchedRun, err := s.GetProtocolRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolCompleted, fetchedRun.Status, "single-step run should auto-complete")
}

func TestRunQuality_SkipPolicyCompletesWithoutDispatch(t *testing.T) {
	workspace := t.TempDir()
	s := newTestStore(t)
	ctx := context.Background()

	specWithSkip := &domain.ProtocolSpec{Steps: []domain.StepSpec{{
		ID: "00-setup", Name: "00-setup.md", QA: &domain.StepQA{Policy: "skip"},
	}}}
	_, run := seed(t, s, workspace, specWithSkip)
	step, err := s.CreateStepRun(ctx, &domain.StepRun{ProtocolRunID: run.ID, StepIndex: 0, StepName: "00-setup", Status: domain.StepNeedsQA})
	require.NoError(t, err)

	registry := engine.NewRegistry()
	registry.Register(&fakeQAEngine{id: "default", report: "VERDICT: FAIL"})
	registry.SetDefault("default")

	trigger := &recordingTrigger{}
	gate := New(s, registry, policyrt.New(s), trigger, Options{})
	require.NoError(t, gate.RunQuality(ctx, step.ID))

	fetched, err := s.GetStepRun(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleted, fetched.Status)
	assert.True(t, trigger.called)
	assert.Equal(t, "qa_skipped_policy", trigger.reason)

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "qa_skipped_policy", events[0].EventType)
	assert.Equal(t, "protocol_completed", events[1].EventType)
}

func TestRunQuality_CodemachineRunSkipsQAWithoutStepQAConfig(t *testing.T) {
	workspace := t.TempDir()
	s := newTestStore(t)
	ctx := context.Background()

	specModel := &domain.ProtocolSpec{Steps: []domain.StepSpec{{ID: "00-setup", Name: "00-setup.md"}}}
	_, run := seed(t, s, workspace, specModel)
	require.NoError(t, s.UpdateProtocolTemplate(ctx, run.ID, run.TemplateConfig, domain.TemplateSourceCodemachine))
	step, err := s.CreateStepRun(ctx, &domain.StepRun{ProtocolRunID: run.ID, StepIndex: 0, StepName: "00-setup", Status: domain.StepNeedsQA})
	require.NoError(t, err)

	registry := engine.NewRegistry()
	registry.Register(&fakeQAEngine{id: "default", report: "VERDICT: FAIL"})
	registry.SetDefault("default")

	trigger := &recordingTrigger{}
	gate := New(s, registry, policyrt.New(s), trigger, Options{})
	require.NoError(t, gate.RunQuality(ctx, step.ID))

	fetched, err := s.GetStepRun(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleted, fetched.Status)
	assert.True(t, trigger.called)
	assert.Equal(t, "qa_skipped_codemachine", trigger.reason)

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "qa_skipped_codemachine", events[0].EventType)
	assert.Equal(t, "protocol_completed", events[1].EventType)
}

func TestRunQuality_FailVerdictBlocksRunWithoutLoopPolicy(t *testing.T) {
	workspace := t.TempDir()
	s := newTestStore(t)
	ctx := context.Background()

	_, run := seed(t, s, workspace, nil)
	step, err := s.CreateStepRun(ctx, &domain.StepRun{ProtocolRunID: run.ID, StepIndex: 0, StepName: "00-setup", Status: domain.StepNeedsQA})
	require.NoError(t, err)

	registry := engine.NewRegistry()
	registry.Register(&fakeQAEngine{id: "real", report: "Some review.\n\nVERDICT: FAIL"})
	registry.SetDefault("real")

	gate := New(s, registry, policyrt.New(s), nil, Options{})
	require.NoError(t, gate.RunQuality(ctx, step.ID))

	fetched, err := s.GetStepRun(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepFailed, fetched.Status)

	fetchedRun, err := s.GetProtocolRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolBlocked, fetchedRun.Status)
}

func TestRunQuality_FailVerdictRecoversViaLoopPolicy(t *testing.T) {
	workspace := t.TempDir()
	s := newTestStore(t)
	ctx := context.Background()

	_, run := seed(t, s, workspace, nil)
	step, err := s.CreateStepRun(ctx, &domain.StepRun{
		ProtocolRunID: run.ID, StepIndex: 0, StepName: "00-setup", Status: domain.StepNeedsQA,
		Policy: []domain.PolicyDescriptor{{Behavior: domain.PolicyBehaviorLoop, Action: domain.PolicyActionRetry, MaxIterations: 3}},
	})
	require.NoError(t, err)

	registry := engine.NewRegistry()
	registry.Register(&fakeQAEngine{id: "real", report: "VERDICT: FAIL"})
	registry.SetDefault("real")

	gate := New(s, registry, policyrt.New(s), nil, Options{})
	require.NoError(t, gate.RunQuality(ctx, step.ID))

	fetched, err := s.GetStepRun(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepPending, fetched.Status, "loop retry should recover the step to pending")

	fetchedRun, err := s.GetProtocolRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolRunning, fetchedRun.Status)
}

func TestRunQuality_PassDispatchesTriggerAndCompletesProtocol(t *testing.T) {
	workspace := t.TempDir()
	s := newTestStore(t)
	ctx := context.Background()

	_, run := seed(t, s, workspace, nil)
	step, err := s.CreateStepRun(ctx, &domain.StepRun{ProtocolRunID: run.ID, StepIndex: 0, StepName: "00-setup", Status: domain.StepNeedsQA})
	require.NoError(t, err)

	registry := engine.NewRegistry()
	registry.Register(&fakeQAEngine{id: "real", report: "VERDICT: PASS"})
	registry.SetDefault("real")

	trigger := &recordingTrigger{}
	gate := New(s, registry, policyrt.New(s), trigger, Options{})
	require.NoError(t, gate.RunQuality(ctx, step.ID))

	assert.True(t, trigger.called)
	assert.Equal(t, "qa_passed", trigger.reason)

	fetchedRun, err := s.GetProtocolRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolCompleted, fetchedRun.Status)
}
