// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepforge/stepforge/internal/config"
	"github.com/stepforge/stepforge/internal/domain"
	"github.com/stepforge/stepforge/internal/engine"
	"github.com/stepforge/stepforge/internal/policyrt"
	"github.com/stepforge/stepforge/internal/queue"
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

func newRegistry(engines ...engine.Engine) *engine.Registry {
	r := engine.NewRegistry()
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

// fakeEngine returns a canned Result for Execute/QA so tests can drive
// success/failure without a real subprocess.
type fakeEngine struct {
	id          string
	execResult  engine.Result
	execErr     error
}

func (f *fakeEngine) ID() string { return f.id }
func (f *fakeEngine) Plan(ctx context.Context, req engine.Request) (engine.Result, error) {
	return engine.Result{Success: true}, nil
}
func (f *fakeEngine) Execute(ctx context.Context, req engine.Request) (engine.Result, error) {
	return f.execResult, f.execErr
}
func (f *fakeEngine) QA(ctx context.Context, req engine.Request) (engine.Result, error) {
	return engine.Result{Success: true, Stdout: "VERDICT: PASS"}, nil
}

func seedProjectAndRun(t *testing.T, s *store.Store, workspace string, spec *domain.ProtocolSpec) (*domain.Project, *domain.ProtocolRun) {
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
		ProtocolRoot:   filepath.Join(workspace, ".protocols", "0001-demo"),
		TemplateConfig: templateConfig,
	})
	require.NoError(t, err)
	return project, run
}

func TestExecute_StubShortCircuitWhenWorkspaceMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, run := seedProjectAndRun(t, s, "/nonexistent/workspace/path", nil)
	step, err := s.CreateStepRun(ctx, &domain.StepRun{ProtocolRunID: run.ID, StepIndex: 0, StepName: "00-setup"})
	require.NoError(t, err)

	registry := newRegistry(&fakeEngine{id: "default"})
	registry.SetDefault("default")
	exec := New(s, registry, policyrt.New(s), nil, nil, Options{})

	require.NoError(t, exec.Execute(ctx, step.ID))

	fetched, err := s.GetStepRun(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepNeedsQA, fetched.Status)
	assert.Contains(t, fetched.Summary, "stub")

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "step_completed", events[0].EventType)
}

func TestExecute_HappyPathPersistsOutputAndTransitionsToNeedsQA(t *testing.T) {
	workspace := t.TempDir()
	s := newTestStore(t)
	ctx := context.Background()

	specModel := &domain.ProtocolSpec{Steps: []domain.StepSpec{{ID: "00-setup", Name: "00-setup.md"}}}
	_, run := seedProjectAndRun(t, s, workspace, specModel)
	step, err := s.CreateStepRun(ctx, &domain.StepRun{ProtocolRunID: run.ID, StepIndex: 0, StepName: "00-setup"})
	require.NoError(t, err)

	registry := newRegistry(&fakeEngine{id: "real", execResult: engine.Result{Success: true, Stdout: "generated output"}})
	registry.SetDefault("real")
	exec := New(s, registry, policyrt.New(s), nil, nil, Options{})

	require.NoError(t, exec.Execute(ctx, step.ID))

	fetched, err := s.GetStepRun(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepNeedsQA, fetched.Status)
	assert.Equal(t, "real", fetched.EngineID)

	outPath := filepath.Join(run.ProtocolRoot, "00-setup.md")
	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "generated output", string(data))

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "step_completed", events[0].EventType)
	assert.Equal(t, run.TemplateConfig["protocol_spec"] != nil, true)
}

func TestExecute_CodemachineRunWritesDefaultAuxOutputAndFiresCodemachineEvent(t *testing.T) {
	workspace := t.TempDir()
	s := newTestStore(t)
	ctx := context.Background()

	specModel := &domain.ProtocolSpec{Steps: []domain.StepSpec{{ID: "00-setup", Name: "00-setup.md"}}}
	_, run := seedProjectAndRun(t, s, workspace, specModel)
	require.NoError(t, s.UpdateProtocolTemplate(ctx, run.ID, run.TemplateConfig, domain.TemplateSourceCodemachine))
	step, err := s.CreateStepRun(ctx, &domain.StepRun{ProtocolRunID: run.ID, StepIndex: 0, StepName: "00-setup"})
	require.NoError(t, err)

	registry := newRegistry(&fakeEngine{id: "real", execResult: engine.Result{Success: true, Stdout: "generated output"}})
	registry.SetDefault("real")
	exec := New(s, registry, policyrt.New(s), nil, nil, Options{})

	require.NoError(t, exec.Execute(ctx, step.ID))

	auxPath := filepath.Join(workspace, "00-setup.md.codemachine.md")
	data, err := os.ReadFile(auxPath)
	require.NoError(t, err)
	assert.Equal(t, "generated output", string(data))

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "codemachine_step_completed", events[0].EventType)
	outputs, _ := events[0].Metadata["outputs"].(map[string]any)
	require.NotNil(t, outputs)
	aux, _ := outputs["aux"].(map[string]any)
	require.NotNil(t, aux)
	assert.Equal(t, auxPath, aux[domain.CodemachineAuxLabel])
}

func TestExecute_SpecValidationErrorBlocksRunAndFailsStep(t *testing.T) {
	workspace := t.TempDir()
	s := newTestStore(t)
	ctx := context.Background()

	escaping := &domain.ProtocolSpec{Steps: []domain.StepSpec{{
		ID:   "00-setup",
		Name: "00-setup.md",
		Outputs: &domain.StepOutputs{
			Protocol: "../../../etc/passwd",
		},
	}}}
	_, run := seedProjectAndRun(t, s, workspace, escaping)
	step, err := s.CreateStepRun(ctx, &domain.StepRun{ProtocolRunID: run.ID, StepIndex: 0, StepName: "00-setup"})
	require.NoError(t, err)

	registry := newRegistry(&fakeEngine{id: "real", execResult: engine.Result{Success: true, Stdout: "x"}})
	registry.SetDefault("real")
	exec := New(s, registry, policyrt.New(s), nil, nil, Options{})

	require.NoError(t, exec.Execute(ctx, step.ID))

	fetched, err := s.GetStepRun(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepFailed, fetched.Status)

	fetchedRun, err := s.GetProtocolRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolBlocked, fetchedRun.Status)

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "spec_validation_error", events[0].EventType)
}

func TestExecute_EngineFailureBlocksRunWhenNoPolicyRecovers(t *testing.T) {
	workspace := t.TempDir()
	s := newTestStore(t)
	ctx := context.Background()

	_, run := seedProjectAndRun(t, s, workspace, nil)
	step, err := s.CreateStepRun(ctx, &domain.StepRun{ProtocolRunID: run.ID, StepIndex: 0, StepName: "00-setup"})
	require.NoError(t, err)

	registry := newRegistry(&fakeEngine{id: "real", execResult: engine.Result{Success: false, Stderr: "boom"}})
	registry.SetDefault("real")
	exec := New(s, registry, policyrt.New(s), nil, nil, Options{})

	require.NoError(t, exec.Execute(ctx, step.ID))

	fetched, err := s.GetStepRun(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepFailed, fetched.Status)

	fetchedRun, err := s.GetProtocolRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolBlocked, fetchedRun.Status)
}

func TestExecute_LoopRetryPolicyRecoversStepToPending(t *testing.T) {
	workspace := t.TempDir()
	s := newTestStore(t)
	ctx := context.Background()

	_, run := seedProjectAndRun(t, s, workspace, nil)
	step, err := s.CreateStepRun(ctx, &domain.StepRun{
		ProtocolRunID: run.ID,
		StepIndex:     0,
		StepName:      "00-setup",
		Policy: []domain.PolicyDescriptor{{
			Behavior:      domain.PolicyBehaviorLoop,
			Action:        domain.PolicyActionRetry,
			MaxIterations: 2,
		}},
	})
	require.NoError(t, err)

	registry := newRegistry(&fakeEngine{id: "real", execResult: engine.Result{Success: false, Stderr: "boom"}})
	registry.SetDefault("real")
	exec := New(s, registry, policyrt.New(s), nil, nil, Options{})

	require.NoError(t, exec.Execute(ctx, step.ID))

	fetched, err := s.GetStepRun(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepPending, fetched.Status)
	assert.Equal(t, 1, fetched.Retries)

	fetchedRun, err := s.GetProtocolRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolRunning, fetchedRun.Status)
}

func TestExecute_TriggerPolicyEnqueuesTargetStep(t *testing.T) {
	workspace := t.TempDir()
	s := newTestStore(t)
	ctx := context.Background()

	_, run := seedProjectAndRun(t, s, workspace, nil)
	build, err := s.CreateStepRun(ctx, &domain.StepRun{
		ProtocolRunID: run.ID,
		StepIndex:     0,
		StepName:      "build",
		Policy: []domain.PolicyDescriptor{{
			Behavior:       domain.PolicyBehaviorTrigger,
			TriggerAgentID: "build",
			TargetAgentID:  "test",
		}},
	})
	require.NoError(t, err)
	_, err = s.CreateStepRun(ctx, &domain.StepRun{ProtocolRunID: run.ID, StepIndex: 1, StepName: "test"})
	require.NoError(t, err)

	registry := newRegistry(&fakeEngine{id: "real", execResult: engine.Result{Success: true, Stdout: "ok"}})
	registry.SetDefault("real")

	q := queue.NewMemoryQueue()
	exec := New(s, registry, policyrt.New(s), q, nil, Options{})

	require.NoError(t, exec.Execute(ctx, build.ID))

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	var sawTriggerEnqueued bool
	for _, ev := range events {
		if ev.EventType == "trigger_enqueued" {
			sawTriggerEnqueued = true
		}
	}
	assert.True(t, sawTriggerEnqueued, "expected a trigger_enqueued event")
}
