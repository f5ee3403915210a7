// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package runstate

import (
	"context"
	"testing"

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

func TestMaybeCompleteProtocol_EmptyStepsIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	project, err := s.CreateProject(ctx, &domain.Project{Name: "demo"})
	require.NoError(t, err)
	run, err := s.CreateProtocolRun(ctx, &domain.ProtocolRun{ProjectID: project.ID, ProtocolName: "p"})
	require.NoError(t, err)

	require.NoError(t, MaybeCompleteProtocol(ctx, s, run.ID))

	fetched, err := s.GetProtocolRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProtocolPending, fetched.Status, "a run with no StepRuns yet must not be vacuously completed")

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestMaybeCompleteProtocol_BlockedIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	project, err := s.CreateProject(ctx, &domain.Project{Name: "demo"})
	require.NoError(t, err)
	run, err := s.CreateProtocolRun(ctx, &domain.ProtocolRun{ProjectID: project.ID, ProtocolName: "p", Status: domain.ProtocolBlocked})
	require.NoError(t, err)
	step, err := s.CreateStepRun(ctx, &domain.StepRun{ProtocolRunID: run.ID, StepIndex: 0, StepName: "00-setup"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateStepStatus(ctx, step.ID, domain.StepCompleted, store.StepStatusUpdate{}))

	require.NoError(t, MaybeCompleteProtocol(ctx, s, run.ID))

	fetched, err := s.GetProtocolRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProtocolBlocked, fetched.Status, "a blocked run must not be silently completed")

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestMaybeCompleteProtocol_NoOpWhileStepsPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	project, err := s.CreateProject(ctx, &domain.Project{Name: "demo"})
	require.NoError(t, err)
	run, err := s.CreateProtocolRun(ctx, &domain.ProtocolRun{ProjectID: project.ID, ProtocolName: "p"})
	require.NoError(t, err)
	_, err = s.CreateStepRun(ctx, &domain.StepRun{ProtocolRunID: run.ID, StepIndex: 0, StepName: "00-setup"})
	require.NoError(t, err)

	require.NoError(t, MaybeCompleteProtocol(ctx, s, run.ID))

	fetched, err := s.GetProtocolRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProtocolPending, fetched.Status)
}

func TestMaybeCompleteProtocol_CompletesWhenAllStepsTerminalSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	project, err := s.CreateProject(ctx, &domain.Project{Name: "demo"})
	require.NoError(t, err)
	run, err := s.CreateProtocolRun(ctx, &domain.ProtocolRun{ProjectID: project.ID, ProtocolName: "p", Status: domain.ProtocolRunning})
	require.NoError(t, err)
	step1, err := s.CreateStepRun(ctx, &domain.StepRun{ProtocolRunID: run.ID, StepIndex: 0, StepName: "00-setup"})
	require.NoError(t, err)
	step2, err := s.CreateStepRun(ctx, &domain.StepRun{ProtocolRunID: run.ID, StepIndex: 1, StepName: "01-work"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateStepStatus(ctx, step1.ID, domain.StepCompleted, store.StepStatusUpdate{}))
	require.NoError(t, MaybeCompleteProtocol(ctx, s, run.ID))
	fetched, err := s.GetProtocolRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProtocolRunning, fetched.Status, "one incomplete step must block completion")

	require.NoError(t, s.UpdateStepStatus(ctx, step2.ID, domain.StepCancelled, store.StepStatusUpdate{}))
	require.NoError(t, MaybeCompleteProtocol(ctx, s, run.ID))
	fetched, err = s.GetProtocolRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProtocolCompleted, fetched.Status)

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "protocol_completed", events[0].EventType)
}

func TestMaybeCompleteProtocol_AlreadyTerminalIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	project, err := s.CreateProject(ctx, &domain.Project{Name: "demo"})
	require.NoError(t, err)
	run, err := s.CreateProtocolRun(ctx, &domain.ProtocolRun{ProjectID: project.ID, ProtocolName: "p", Status: domain.ProtocolFailed})
	require.NoError(t, err)

	require.NoError(t, MaybeCompleteProtocol(ctx, s, run.ID))

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Empty(t, events)
}
