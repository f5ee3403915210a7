// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package executor implements the step executor (C7): the pivotal
// component that drives one StepRun through context resolution, spec
// validation, model selection, token budgeting, engine dispatch, output
// persistence, and policy evaluation (spec.md §4.5). Any failure along the
// way is reduced to a state transition plus an event; nothing here
// propagates to the caller except infrastructure errors (Store/queue
// unreachable), which the worker retries.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stepforge/stepforge/internal/domain"
	"github.com/stepforge/stepforge/internal/engine"
	"github.com/stepforge/stepforge/internal/policyrt"
	"github.com/stepforge/stepforge/internal/queue"
	"github.com/stepforge/stepforge/internal/spec"
	"github.com/stepforge/stepforge/internal/store"
	"github.com/stepforge/stepforge/internal/telemetry"
)

// Store is the subset of *store.Store the executor needs.
type Store interface {
	GetStepRun(ctx context.Context, id int64) (*domain.StepRun, error)
	GetProtocolRun(ctx context.Context, id int64) (*domain.ProtocolRun, error)
	GetProject(ctx context.Context, id int64) (*domain.Project, error)
	UpdateProtocolStatus(ctx context.Context, id int64, status domain.ProtocolStatus) error
	UpdateStepStatus(ctx context.Context, id int64, status domain.StepStatus, update store.StepStatusUpdate) error
	AppendEvent(ctx context.Context, protocolRunID int64, stepRunID *int64, eventType, message string, metadata domain.JSONMap) (*domain.Event, error)
}

// QualityRunner is the capability the executor needs from the QA gate to
// service the optional auto-QA phase (§4.5 step 12). Accepting the narrow
// interface instead of importing package qa keeps the two packages
// independently wireable from cmd/server.
type QualityRunner interface {
	RunQuality(ctx context.Context, stepRunID int64) error
}

// Options configures token budget enforcement and optional auto-QA, read
// once at construction from config.BudgetConfig/EngineConfig.
type Options struct {
	MaxTokensPerStep     int
	MaxTokensPerProtocol int
	TokenBudgetMode      string // "strict" | "warn" | "off"
	AutoQAAfterExec      bool
	QueueName            string
}

func (o Options) budgetLimit() int {
	if o.MaxTokensPerStep > 0 {
		return o.MaxTokensPerStep
	}
	return o.MaxTokensPerProtocol
}

// Executor drives one StepRun at a time through the C7 phases.
type Executor struct {
	store    Store
	engines  *engine.Registry
	policies *policyrt.Runtime
	queue    queue.Queue // nil falls back to inline execution for triggers
	quality  QualityRunner
	opts     Options
}

// New constructs an Executor. queue and quality may be nil: a nil queue
// makes trigger fan-out always inline; a nil quality runner makes
// AutoQAAfterExec a no-op (only an event is emitted).
func New(st Store, engines *engine.Registry, policies *policyrt.Runtime, q queue.Queue, quality QualityRunner, opts Options) *Executor {
	return &Executor{store: st, engines: engines, policies: policies, queue: q, quality: quality, opts: opts}
}

// SetQuality assigns the quality runner after construction. The QA gate
// itself depends on the Executor as its TriggerDispatcher, so wiring both
// together requires constructing the Executor with a nil quality runner
// first, then the Gate, then closing the loop with SetQuality.
func (e *Executor) SetQuality(quality QualityRunner) {
	e.quality = quality
}

// Execute runs the step executor's full phase sequence for one step, at
// inline-trigger depth 0 (the entry point for job-dispatched execution).
func (e *Executor) Execute(ctx context.Context, stepRunID int64) error {
	return e.execute(ctx, stepRunID, 0)
}

func (e *Executor) execute(ctx context.Context, stepRunID int64, inlineDepth int) error {
	ctx, span := telemetry.StartPhase(ctx, "executor.execute")
	defer span.End()

	step, err := e.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return err
	}
	run, err := e.store.GetProtocolRun(ctx, step.ProtocolRunID)
	if err != nil {
		return err
	}
	project, err := e.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return err
	}

	specHash, _ := domain.SpecHashFromMap(run.TemplateConfig)
	if !run.Status.IsTerminal() {
		if err := e.store.UpdateProtocolStatus(ctx, run.ID, domain.ProtocolRunning); err != nil {
			return err
		}
	}

	protocolSpec, err := domain.DecodeProtocolSpec(run.TemplateConfig)
	if err != nil {
		return err
	}
	stepSpec, hasSpec := protocolSpec.FindStep(step.StepName)
	filename := step.StepName
	if hasSpec && stepSpec.Name != "" {
		filename = stepSpec.Name
	}

	workspace := run.WorktreePath
	if workspace == "" {
		workspace = project.GitURL
	}
	protocolRoot := run.ProtocolRoot
	if protocolRoot == "" {
		protocolRoot = filepath.Join(workspace, ".protocols", run.ProtocolName)
	}

	engineID := ""
	if hasSpec {
		engineID = stepSpec.EngineID
	}
	if engineID == "" {
		engineID = step.EngineID
	}
	resolvedEngineID := engineID
	if resolvedEngineID == "" {
		resolvedEngineID = e.engines.DefaultID()
	}

	// Phase 3: stub short-circuit. Mirrors the original's "codex CLI or
	// working repo unavailable" check: a stub-registered engine, or a
	// workspace that does not exist on disk, both mean there is nothing
	// real to execute against.
	if e.isStubShortCircuit(resolvedEngineID, workspace) {
		return e.runStub(ctx, step, run, specHash, inlineDepth)
	}

	// Phase 4: spec validation.
	if hasSpec {
		if errs := spec.Validate(&domain.ProtocolSpec{Steps: []domain.StepSpec{*stepSpec}}, protocolRoot, workspace); len(errs) > 0 {
			for _, verr := range errs {
				if _, err := e.store.AppendEvent(ctx, run.ID, &step.ID, "spec_validation_error", verr.Error(),
					domain.JSONMap{"step_name": step.StepName, "spec_hash": specHash}); err != nil {
					return err
				}
			}
			summary := "Spec validation failed"
			if err := e.store.UpdateStepStatus(ctx, step.ID, domain.StepFailed, store.StepStatusUpdate{Summary: &summary}); err != nil {
				return err
			}
			return e.store.UpdateProtocolStatus(ctx, run.ID, domain.ProtocolBlocked)
		}
	}

	// Phase 5: model selection chain.
	model := ""
	if hasSpec {
		model = stepSpec.Model
	}
	if model == "" {
		model = step.Model
	}
	if model == "" && project.DefaultModels != nil {
		model = project.DefaultModels["exec"]
	}
	if model == "" {
		model = "default"
	}

	promptPath, promptText := e.resolvePrompt(hasSpec, stepSpec, protocolRoot, workspace, filename)

	// Phase 6: token budget.
	estimated, budgetErr := engine.EnforceBudget(promptText, e.opts.budgetLimit(), e.opts.TokenBudgetMode)
	if budgetErr != nil {
		return e.failExec(ctx, step, run, fmt.Sprintf("token budget exceeded: %v", budgetErr), model, specHash, inlineDepth)
	}

	// Phase 7: dispatch.
	eng, err := e.engines.Get(resolvedEngineID)
	if err != nil {
		return e.failExec(ctx, step, run, fmt.Sprintf("engine resolution failed: %v", err), model, specHash, inlineDepth)
	}
	dispatchCtx, dispatchSpan := telemetry.StartPhase(ctx, "executor.dispatch")
	result, err := eng.Execute(dispatchCtx, engine.Request{
		ProjectID:     project.ID,
		ProtocolRunID: run.ID,
		StepRunID:     step.ID,
		Model:         model,
		WorkingDir:    workspace,
		PromptText:    promptText,
		Sandbox:       "workspace-write",
	})
	dispatchSpan.End()
	if err != nil || !result.Success {
		msg := "execution failed"
		if err != nil {
			msg = err.Error()
		} else if result.Stderr != "" {
			msg = result.Stderr
		}
		return e.failExec(ctx, step, run, msg, model, specHash, inlineDepth)
	}

	// Phase 8: persist outputs. Runs on the alternate CodeMachine workspace
	// layout get a default "codemachine" aux output before any spec-declared
	// outputs are applied, so spec.outputs.aux.codemachine can still override
	// it explicitly.
	primaryOut := filepath.Join(protocolRoot, filename)
	auxOuts := map[string]string{}
	if e.isCodemachineRun(run) {
		auxOuts[domain.CodemachineAuxLabel] = resolveAgainst(protocolRoot, workspace, true, filename+".codemachine.md")
	}
	if hasSpec && stepSpec.Outputs != nil {
		if stepSpec.Outputs.Protocol != "" {
			primaryOut = resolveAgainst(protocolRoot, workspace, stepSpec.Outputs.PreferWorkspace, stepSpec.Outputs.Protocol)
		}
		for label, p := range stepSpec.Outputs.Aux {
			auxOuts[label] = resolveAgainst(protocolRoot, workspace, stepSpec.Outputs.PreferWorkspace, p)
		}
	}
	if result.Stdout != "" {
		if err := writeWithParents(primaryOut, result.Stdout); err != nil {
			return err
		}
		for _, p := range auxOuts {
			if err := writeWithParents(p, result.Stdout); err != nil {
				return err
			}
		}
	}

	// Phase 9: transition.
	summary := "Step executed; pending QA"
	if err := e.store.UpdateStepStatus(ctx, step.ID, domain.StepNeedsQA, store.StepStatusUpdate{
		Summary: &summary, Model: &model, EngineID: &resolvedEngineID,
	}); err != nil {
		return err
	}

	// Phase 10: completion event. A codemachine-layout run fires its own
	// event type and policy-evaluation reason so trigger policies written
	// against codemachine_exec_completed can distinguish it from a plain
	// protocol_spec step (§4.5 step 8, domain.ReasonCodemachineExecComplete).
	eventType := "step_completed"
	reason := domain.ReasonExecCompleted
	if e.isCodemachineRun(run) {
		eventType = "codemachine_step_completed"
		reason = domain.ReasonCodemachineExecComplete
	}
	outputsMeta := domain.JSONMap{"protocol": primaryOut}
	if len(auxOuts) > 0 {
		aux := make(domain.JSONMap, len(auxOuts))
		for k, v := range auxOuts {
			aux[k] = v
		}
		outputsMeta["aux"] = aux
	}
	if _, err := e.store.AppendEvent(ctx, run.ID, &step.ID, eventType, "Step executed. QA required.", domain.JSONMap{
		"estimated_tokens": estimated,
		"prompt_versions":  fingerprint(promptText),
		"prompt_path":      promptPath,
		"outputs":          outputsMeta,
		"spec_hash":        specHash,
		"model":            model,
		"engine_id":        resolvedEngineID,
	}); err != nil {
		return err
	}

	// Phase 11: policy evaluation.
	updatedStep, err := e.store.GetStepRun(ctx, step.ID)
	if err != nil {
		return err
	}
	if err := e.evaluateTrigger(ctx, updatedStep, run.ID, reason, inlineDepth); err != nil {
		return err
	}

	// Phase 12: optional auto-QA.
	if e.opts.AutoQAAfterExec {
		if _, err := e.store.AppendEvent(ctx, run.ID, &step.ID, "qa_enqueued", "Auto QA after execution.",
			domain.JSONMap{"source": "auto_after_exec"}); err != nil {
			return err
		}
		if e.quality != nil {
			return e.quality.RunQuality(ctx, step.ID)
		}
	}
	return nil
}

// runStub services phase 3: a stub pass-through that still counts as the
// step having "executed" from the protocol's point of view.
func (e *Executor) runStub(ctx context.Context, step *domain.StepRun, run *domain.ProtocolRun, specHash string, inlineDepth int) error {
	eventType := "step_completed"
	reason := domain.ReasonExecCompleted
	if e.isCodemachineRun(run) {
		eventType = "codemachine_step_completed"
		reason = domain.ReasonCodemachineExecComplete
	}
	summary := "Executed via stub (engine/workspace unavailable)"
	if err := e.store.UpdateStepStatus(ctx, step.ID, domain.StepNeedsQA, store.StepStatusUpdate{Summary: &summary}); err != nil {
		return err
	}
	if _, err := e.store.AppendEvent(ctx, run.ID, &step.ID, eventType,
		"Step executed (stub; engine/workspace unavailable). QA required.",
		domain.JSONMap{"spec_hash": specHash}); err != nil {
		return err
	}
	updatedStep, err := e.store.GetStepRun(ctx, step.ID)
	if err != nil {
		return err
	}
	if err := e.evaluateTrigger(ctx, updatedStep, run.ID, reason, inlineDepth); err != nil {
		return err
	}
	if e.opts.AutoQAAfterExec {
		if _, err := e.store.AppendEvent(ctx, run.ID, &step.ID, "qa_enqueued", "Auto QA after execution.",
			domain.JSONMap{"source": "auto_after_exec"}); err != nil {
			return err
		}
		if e.quality != nil {
			return e.quality.RunQuality(ctx, step.ID)
		}
	}
	return nil
}

// failExec is the shared error path: mark the step failed, evaluate loop
// policies (which may recover the run), otherwise evaluate trigger
// policies, otherwise block the run.
func (e *Executor) failExec(ctx context.Context, step *domain.StepRun, run *domain.ProtocolRun, reason, model, specHash string, inlineDepth int) error {
	summary := fmt.Sprintf("Execution error: %s", reason)
	if err := e.store.UpdateStepStatus(ctx, step.ID, domain.StepFailed, store.StepStatusUpdate{Summary: &summary}); err != nil {
		return err
	}
	if _, err := e.store.AppendEvent(ctx, run.ID, &step.ID, "step_execution_failed", summary,
		domain.JSONMap{"model": model, "spec_hash": specHash}); err != nil {
		return err
	}

	updatedStep, err := e.store.GetStepRun(ctx, step.ID)
	if err != nil {
		return err
	}
	loopDecision, err := e.policies.EvaluateLoop(ctx, updatedStep, domain.ReasonExecFailed)
	if err != nil {
		return err
	}
	if loopDecision.Applied {
		return e.store.UpdateProtocolStatus(ctx, run.ID, domain.ProtocolRunning)
	}

	refreshedStep, err := e.store.GetStepRun(ctx, step.ID)
	if err != nil {
		return err
	}
	triggerDecision, err := e.policies.EvaluateTrigger(ctx, refreshedStep, inlineDepth)
	if err != nil {
		return err
	}
	if triggerDecision.Applied {
		if err := e.store.UpdateProtocolStatus(ctx, run.ID, domain.ProtocolRunning); err != nil {
			return err
		}
		return e.dispatchTrigger(ctx, run.ID, triggerDecision, "exec_failed")
	}
	return e.store.UpdateProtocolStatus(ctx, run.ID, domain.ProtocolBlocked)
}

// DispatchTrigger evaluates and fans out trigger policies for step at
// inline-trigger depth 0. It satisfies qa.TriggerDispatcher, letting the QA
// gate reuse the executor's trigger-policy plumbing after a pass/skip
// verdict without this package importing qa.
func (e *Executor) DispatchTrigger(ctx context.Context, step *domain.StepRun, reason string) error {
	return e.evaluateTrigger(ctx, step, step.ProtocolRunID, reason, 0)
}

func (e *Executor) evaluateTrigger(ctx context.Context, step *domain.StepRun, protocolRunID int64, reason string, inlineDepth int) error {
	decision, err := e.policies.EvaluateTrigger(ctx, step, inlineDepth)
	if err != nil {
		return err
	}
	if !decision.Applied {
		return nil
	}
	if err := e.store.UpdateProtocolStatus(ctx, protocolRunID, domain.ProtocolRunning); err != nil {
		return err
	}
	return e.dispatchTrigger(ctx, protocolRunID, decision, reason)
}

// dispatchTrigger enqueues the triggered step through the queue, falling
// back to depth-checked inline execution if no queue is configured
// (§4.5 step 11). The inline-trigger depth cap is enforced here rather
// than inside policyrt, since only the caller knows whether it is about
// to recurse in-process.
func (e *Executor) dispatchTrigger(ctx context.Context, protocolRunID int64, decision policyrt.Decision, source string) error {
	if decision.InlineDepth >= domain.MaxInlineTriggerDepth {
		_, err := e.store.AppendEvent(ctx, protocolRunID, &decision.TargetStepID, "trigger_inline_depth_exceeded",
			fmt.Sprintf("inline trigger depth exceeded (%d/%d)", decision.InlineDepth, domain.MaxInlineTriggerDepth),
			domain.JSONMap{"target_step_id": decision.TargetStepID, "source": source, "inline_depth": decision.InlineDepth})
		return err
	}

	if e.queue != nil {
		job, err := e.queue.Enqueue(ctx, domain.JobTypeExecuteStep, domain.JSONMap{"step_run_id": decision.TargetStepID}, e.opts.QueueName)
		if err != nil {
			_, evErr := e.store.AppendEvent(ctx, protocolRunID, &decision.TargetStepID, "trigger_enqueue_failed",
				fmt.Sprintf("failed to enqueue triggered step: %v", err),
				domain.JSONMap{"target_step_id": decision.TargetStepID, "source": source})
			if evErr != nil {
				return evErr
			}
			return nil
		}
		_, err = e.store.AppendEvent(ctx, protocolRunID, &decision.TargetStepID, "trigger_enqueued",
			"Triggered step enqueued for execution.",
			domain.JSONMap{"job_id": job.JobID, "target_step_id": decision.TargetStepID, "source": source, "inline_depth": decision.InlineDepth})
		return err
	}

	if _, err := e.store.AppendEvent(ctx, protocolRunID, &decision.TargetStepID, "trigger_executed_inline",
		"Triggered step executed inline (no queue configured).",
		domain.JSONMap{"target_step_id": decision.TargetStepID, "source": source, "inline_depth": decision.InlineDepth}); err != nil {
		return err
	}
	return e.execute(ctx, decision.TargetStepID, decision.InlineDepth)
}

// isCodemachineRun reports whether run's protocol_spec was materialised
// from a `.codemachine/` workspace (internal/planner sets this when
// internal/spec.LoadFromCodeMachineConfig finds one), switching on the
// alternate output layout and event naming of §4.5 step 8.
func (e *Executor) isCodemachineRun(run *domain.ProtocolRun) bool {
	return run.TemplateSource == domain.TemplateSourceCodemachine
}

// isStubShortCircuit decides whether the step must take the stub path:
// either the resolved engine id is the registered stub engine, or the
// workspace directory does not exist on disk.
func (e *Executor) isStubShortCircuit(engineID, workspace string) bool {
	if engineID == "stub" {
		return true
	}
	if workspace == "" {
		return true
	}
	if info, err := os.Stat(workspace); err != nil || !info.IsDir() {
		return true
	}
	return false
}

// resolvePrompt reads the step's prompt file if one resolves, falling back
// to an empty prompt (the engine implementation is responsible for
// treating an empty prompt as a legacy default).
func (e *Executor) resolvePrompt(hasSpec bool, stepSpec *domain.StepSpec, protocolRoot, workspace, filename string) (path, text string) {
	root := protocolRoot
	preferWorkspace := false
	if hasSpec && stepSpec.Outputs != nil {
		preferWorkspace = stepSpec.Outputs.PreferWorkspace
	}
	if preferWorkspace {
		root = workspace
	}

	ref := filename
	if hasSpec && stepSpec.PromptRef != "" {
		ref = stepSpec.PromptRef
	}
	path = filepath.Join(root, ref)
	data, err := os.ReadFile(path)
	if err != nil {
		fallback := filepath.Join(protocolRoot, filename)
		if data2, err2 := os.ReadFile(fallback); err2 == nil {
			return fallback, string(data2)
		}
		return path, ""
	}
	return path, string(data)
}

func resolveAgainst(protocolRoot, workspace string, preferWorkspace bool, p string) string {
	if preferWorkspace {
		return filepath.Join(workspace, p)
	}
	return filepath.Join(protocolRoot, p)
}

func writeWithParents(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// fingerprint returns a short content hash used as a prompt_version, so
// observers can tell whether a prompt changed between two events without
// diffing the full text.
func fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:domain.ShortHashLen]
}
