// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package policyrt implements the policy runtime (C6): it evaluates loop and
// trigger policies attached to a step run at well-known reasons, and returns
// a decision describing what (if anything) the caller should do next. The
// runtime itself never enqueues or re-executes anything — that decision is
// left to C7/C9 callers, matching spec.md §4.6 "the caller decides whether
// to enqueue or inline-execute." Per invariant I6, the runtime never writes
// the policy list itself; it only writes status, retries, and runtime_state.
package policyrt

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/stepforge/stepforge/internal/domain"
	"github.com/stepforge/stepforge/internal/store"
)

// Decision is the runtime's verdict for a single policy evaluation pass.
type Decision struct {
	Applied      bool
	TargetStepID int64
	InlineDepth  int
	ResetStepIDs []int64
}

// Store is the subset of *store.Store the runtime needs; accepting an
// interface keeps this package testable without a real database.
type Store interface {
	ListStepRuns(ctx context.Context, protocolRunID int64) ([]*domain.StepRun, error)
	UpdateStepStatus(ctx context.Context, id int64, status domain.StepStatus, update store.StepStatusUpdate) error
	AppendEvent(ctx context.Context, protocolRunID int64, stepRunID *int64, eventType, message string, metadata domain.JSONMap) (*domain.Event, error)
}

// Runtime evaluates policies against a step's descriptors.
type Runtime struct {
	store Store
}

// New constructs a Runtime bound to a Store.
func New(s Store) *Runtime {
	return &Runtime{store: s}
}

// EvaluateLoop applies the first loop-behavior policy (if any) on the step,
// per spec.md §4.6's retry/step_back rules. reason is informational for
// callers; the runtime itself does not filter on it beyond requiring the
// step to already be in a loop-eligible status (the caller ensures that by
// only invoking this after a failure).
func (r *Runtime) EvaluateLoop(ctx context.Context, step *domain.StepRun, reason string) (Decision, error) {
	policy, ok := lo.Find(step.Policy, func(p domain.PolicyDescriptor) bool {
		return p.Behavior == domain.PolicyBehaviorLoop
	})
	if !ok {
		return Decision{}, nil
	}
	if err := r.maybeEmitConditionUnevaluated(ctx, step, policy); err != nil {
		return Decision{}, err
	}

	iterations := loopIterations(step.RuntimeState)
	if iterations >= policy.MaxIterations {
		if _, err := r.store.AppendEvent(ctx, step.ProtocolRunID, &step.ID, "loop_policy_exhausted",
			fmt.Sprintf("loop policy for step %q exhausted after %d iterations", step.StepName, iterations),
			domain.JSONMap{"step_id": step.ID, "max_iterations": policy.MaxIterations, "reason": reason}); err != nil {
			return Decision{}, err
		}
		return Decision{}, nil
	}

	switch policy.Action {
	case domain.PolicyActionRetry:
		return r.applyRetry(ctx, step, policy, iterations)
	case domain.PolicyActionStepBack:
		return r.applyStepBack(ctx, step, policy)
	default:
		return Decision{}, nil
	}
}

func (r *Runtime) applyRetry(ctx context.Context, step *domain.StepRun, policy domain.PolicyDescriptor, iterations int) (Decision, error) {
	newIterations := iterations + 1
	retries := step.Retries + 1
	runtimeState := cloneRuntimeState(step.RuntimeState)
	runtimeState["loop_iterations"] = newIterations

	if err := r.store.UpdateStepStatus(ctx, step.ID, domain.StepPending, store.StepStatusUpdate{
		Retries:      &retries,
		RuntimeState: runtimeState,
	}); err != nil {
		return Decision{}, err
	}
	if _, err := r.store.AppendEvent(ctx, step.ProtocolRunID, &step.ID, "loop_policy_applied",
		fmt.Sprintf("retry loop policy applied to step %q (iteration %d/%d)", step.StepName, newIterations, policy.MaxIterations),
		domain.JSONMap{"step_id": step.ID, "loop_iterations": newIterations, "action": "retry"}); err != nil {
		return Decision{}, err
	}
	return Decision{Applied: true}, nil
}

// applyStepBack resets the steps from max(0, step_index-step_back) through
// the current step's index back to pending, skipping any index named in
// SkipSteps. Target steps are located by StepIndex within the same run.
func (r *Runtime) applyStepBack(ctx context.Context, step *domain.StepRun, policy domain.PolicyDescriptor) (Decision, error) {
	back := policy.StepBackOrDefault()
	targetIndex := step.StepIndex - back
	if targetIndex < 0 {
		targetIndex = 0
	}

	skip := lo.SliceToMap(policy.SkipSteps, func(idx int) (int, struct{}) { return idx, struct{}{} })

	allSteps, err := r.store.ListStepRuns(ctx, step.ProtocolRunID)
	if err != nil {
		return Decision{}, err
	}
	byIndex := lo.KeyBy(allSteps, func(s *domain.StepRun) int { return s.StepIndex })

	var reset []int64
	for i := targetIndex; i <= step.StepIndex; i++ {
		if _, skipped := skip[i]; skipped {
			continue
		}
		row, ok := byIndex[i]
		if !ok {
			continue
		}
		if err := r.store.UpdateStepStatus(ctx, row.ID, domain.StepPending, store.StepStatusUpdate{}); err != nil {
			return Decision{}, err
		}
		reset = append(reset, row.ID)
	}

	if _, err := r.store.AppendEvent(ctx, step.ProtocolRunID, &step.ID, "loop_policy_applied",
		fmt.Sprintf("step_back loop policy reset %d step(s) back to index %d", len(reset), targetIndex),
		domain.JSONMap{"step_id": step.ID, "action": "step_back", "reset_step_ids": reset}); err != nil {
		return Decision{}, err
	}
	return Decision{Applied: true, ResetStepIDs: reset}, nil
}

// EvaluateTrigger applies the first trigger-behavior policy whose
// trigger_agent_id matches the step's own name, per spec.md §4.6. inlineDepth
// is the caller's current recursion depth; the returned Decision carries
// depth+1 so the caller can enforce domain.MaxInlineTriggerDepth.
func (r *Runtime) EvaluateTrigger(ctx context.Context, step *domain.StepRun, inlineDepth int) (Decision, error) {
	policy, ok := lo.Find(step.Policy, func(p domain.PolicyDescriptor) bool {
		return p.Behavior == domain.PolicyBehaviorTrigger && p.TriggerAgentID == step.StepName
	})
	if !ok {
		return Decision{}, nil
	}
	if err := r.maybeEmitConditionUnevaluated(ctx, step, policy); err != nil {
		return Decision{}, err
	}

	allSteps, err := r.store.ListStepRuns(ctx, step.ProtocolRunID)
	if err != nil {
		return Decision{}, err
	}
	target, found := lo.Find(allSteps, func(s *domain.StepRun) bool { return s.StepName == policy.TargetAgentID })
	if !found {
		return Decision{}, nil
	}

	return Decision{Applied: true, TargetStepID: target.ID, InlineDepth: inlineDepth + 1}, nil
}

func (r *Runtime) maybeEmitConditionUnevaluated(ctx context.Context, step *domain.StepRun, policy domain.PolicyDescriptor) error {
	if !policy.HasCondition() {
		return nil
	}
	_, err := r.store.AppendEvent(ctx, step.ProtocolRunID, &step.ID, "policy_condition_unevaluated",
		fmt.Sprintf("policy condition on step %q treated as always-true", step.StepName),
		domain.JSONMap{"step_id": step.ID})
	return err
}

func loopIterations(state domain.JSONMap) int {
	if state == nil {
		return 0
	}
	v, ok := state["loop_iterations"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func cloneRuntimeState(state domain.JSONMap) domain.JSONMap {
	out := make(domain.JSONMap, len(state)+1)
	for k, v := range state {
		out[k] = v
	}
	return out
}
