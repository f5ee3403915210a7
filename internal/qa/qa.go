// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package qa implements the QA gate (C9): runs the QA engine against a
// step's artefacts, parses its verdict, and maps that verdict onto step
// and protocol state (spec.md §4.8).
package qa

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/stepforge/stepforge/internal/domain"
	"github.com/stepforge/stepforge/internal/engine"
	"github.com/stepforge/stepforge/internal/metrics"
	"github.com/stepforge/stepforge/internal/policyrt"
	"github.com/stepforge/stepforge/internal/runstate"
	"github.com/stepforge/stepforge/internal/store"
	"github.com/stepforge/stepforge/internal/telemetry"
)

// Store is the subset of *store.Store the QA gate needs.
type Store interface {
	GetStepRun(ctx context.Context, id int64) (*domain.StepRun, error)
	GetProtocolRun(ctx context.Context, id int64) (*domain.ProtocolRun, error)
	GetProject(ctx context.Context, id int64) (*domain.Project, error)
	UpdateProtocolStatus(ctx context.Context, id int64, status domain.ProtocolStatus) error
	UpdateStepStatus(ctx context.Context, id int64, status domain.StepStatus, update store.StepStatusUpdate) error
	AppendEvent(ctx context.Context, protocolRunID int64, stepRunID *int64, eventType, message string, metadata domain.JSONMap) (*domain.Event, error)
	ListStepRuns(ctx context.Context, protocolRunID int64) ([]*domain.StepRun, error)
}

// TriggerDispatcher is the capability the QA gate needs from the executor
// to fan out trigger policies after a pass/skip verdict, without importing
// package executor (which itself may hold a QualityRunner back-reference).
type TriggerDispatcher interface {
	DispatchTrigger(ctx context.Context, step *domain.StepRun, reason string) error
}

// Options configures token budget enforcement for the QA prompt.
type Options struct {
	MaxTokensPerStep     int
	MaxTokensPerProtocol int
	TokenBudgetMode      string
}

func (o Options) budgetLimit() int {
	if o.MaxTokensPerStep > 0 {
		return o.MaxTokensPerStep
	}
	return o.MaxTokensPerProtocol
}

// Gate runs the C9 quality check.
type Gate struct {
	store    Store
	engines  *engine.Registry
	policies *policyrt.Runtime
	trigger  TriggerDispatcher // optional; nil skips trigger fan-out after pass/skip
	opts     Options
}

// New constructs a Gate. trigger may be nil for deployments that only run
// QA standalone without fan-out (e.g. a future webhook-driven re-QA).
func New(st Store, engines *engine.Registry, policies *policyrt.Runtime, trigger TriggerDispatcher, opts Options) *Gate {
	return &Gate{store: st, engines: engines, policies: policies, trigger: trigger, opts: opts}
}

// RunQuality executes run_quality_job for one step (§4.8).
func (g *Gate) RunQuality(ctx context.Context, stepRunID int64) error {
	ctx, span := telemetry.StartPhase(ctx, "qa.run_quality")
	defer span.End()

	step, err := g.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return err
	}
	run, err := g.store.GetProtocolRun(ctx, step.ProtocolRunID)
	if err != nil {
		return err
	}
	project, err := g.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return err
	}

	protocolSpec, err := domain.DecodeProtocolSpec(run.TemplateConfig)
	if err != nil {
		return err
	}
	stepSpec, hasSpec := protocolSpec.FindStep(step.StepName)
	specHash, _ := domain.SpecHashFromMap(run.TemplateConfig)

	var qaCfg *domain.StepQA
	if hasSpec {
		qaCfg = stepSpec.QA
	}

	// Phase 1: explicit skip policy.
	if qaCfg != nil && qaCfg.Policy == "skip" {
		return g.pass(ctx, step, run, specHash, "completed (QA skipped by policy)", "qa_skipped_policy", "QA skipped by policy.", nil)
	}

	// Phase 1b: codemachine-layout steps carry no qa config of their own
	// (internal/spec.CodeMachineConfig.ToProtocolSpec never sets StepQA) —
	// their artefact already landed in the "codemachine" aux output for the
	// owning agent to fold in, so a standalone QA dispatch has nothing to
	// validate against and is skipped (§4.5 step 8, §4.8 step 1).
	if qaCfg == nil && run.TemplateSource == domain.TemplateSourceCodemachine {
		return g.pass(ctx, step, run, specHash, "completed (QA skipped; codemachine layout)",
			"qa_skipped_codemachine", "QA skipped: codemachine workspace layout.", nil)
	}

	// Phase 2: model/engine resolution.
	qaModel := ""
	qaEngineID := ""
	if qaCfg != nil {
		qaModel = qaCfg.Model
		qaEngineID = qaCfg.EngineID
	}
	if qaModel == "" && project.DefaultModels != nil {
		qaModel = project.DefaultModels["qa"]
	}
	if qaModel == "" {
		qaModel = "default"
	}
	if qaEngineID == "" {
		qaEngineID = step.EngineID
	}
	resolvedEngineID := qaEngineID
	if resolvedEngineID == "" {
		resolvedEngineID = g.engines.DefaultID()
	}

	// Phase 3: stub pass-through.
	workspace := run.WorktreePath
	if workspace == "" {
		workspace = project.GitURL
	}
	if resolvedEngineID == "stub" || !dirExists(workspace) {
		return g.pass(ctx, step, run, specHash, "QA passed (stub; engine/workspace unavailable)",
			"qa_passed", "QA passed (stub; engine/workspace unavailable).",
			domain.JSONMap{"model": qaModel})
	}

	// Phase 4: build prompt, enforce budget, dispatch.
	protocolRoot := run.ProtocolRoot
	if protocolRoot == "" {
		protocolRoot = filepath.Join(workspace, ".protocols", run.ProtocolName)
	}
	filename := step.StepName
	if hasSpec && stepSpec.Name != "" {
		filename = stepSpec.Name
	}
	promptPath := resolveQAPromptPath(qaCfg, protocolRoot, workspace)
	prompt := buildPrompt(protocolRoot, filepath.Join(protocolRoot, filename), readFile(promptPath))

	estimated, budgetErr := engine.EnforceBudget(prompt, g.opts.budgetLimit(), g.opts.TokenBudgetMode)
	if budgetErr != nil {
		return g.fail(ctx, step, run, specHash, budgetErr.Error(), qaModel, estimated)
	}

	eng, err := g.engines.Get(resolvedEngineID)
	if err != nil {
		return g.fail(ctx, step, run, specHash, err.Error(), qaModel, estimated)
	}
	dispatchCtx, dispatchSpan := telemetry.StartPhase(ctx, "qa.dispatch")
	result, err := eng.QA(dispatchCtx, engine.Request{
		ProjectID:     project.ID,
		ProtocolRunID: run.ID,
		StepRunID:     step.ID,
		Model:         qaModel,
		WorkingDir:    workspace,
		PromptText:    prompt,
		Sandbox:       "read-only",
	})
	dispatchSpan.End()
	if err != nil || !result.Success {
		msg := "QA engine failed"
		if err != nil {
			msg = err.Error()
		} else if result.Stderr != "" {
			msg = result.Stderr
		}
		return g.fail(ctx, step, run, specHash, msg, qaModel, estimated)
	}

	// Phase 5: verdict.
	if DetermineVerdict(result.Stdout) == "FAIL" {
		return g.failVerdict(ctx, step, run, specHash, qaModel, estimated)
	}
	return g.pass(ctx, step, run, specHash, "QA verdict: PASS", "qa_passed", "QA passed.",
		domain.JSONMap{"estimated_tokens": estimated, "model": qaModel})
}

// DetermineVerdict parses a QA engine's markdown report: the literal
// "VERDICT: FAIL" (case-insensitive) anywhere, or a final non-empty line
// starting with "VERDICT" and containing "FAIL", yields FAIL; otherwise
// PASS (spec.md §4.8 step 5).
func DetermineVerdict(report string) string {
	upper := strings.ToUpper(report)
	if strings.Contains(upper, "VERDICT: FAIL") {
		return "FAIL"
	}
	var lastNonEmpty string
	for _, line := range strings.Split(report, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			lastNonEmpty = strings.ToUpper(trimmed)
		}
	}
	if strings.HasPrefix(lastNonEmpty, "VERDICT") && strings.Contains(lastNonEmpty, "FAIL") {
		return "FAIL"
	}
	return "PASS"
}

// pass transitions a step to completed (used by the skip, stub, and real
// pass paths alike), emits the given event, fans out trigger policies, and
// finally checks whether the whole protocol is now complete.
func (g *Gate) pass(ctx context.Context, step *domain.StepRun, run *domain.ProtocolRun, specHash, summary, eventType, message string, extraMeta domain.JSONMap) error {
	metrics.IncQAVerdict(ctx, "pass")
	if err := g.store.UpdateStepStatus(ctx, step.ID, domain.StepCompleted, store.StepStatusUpdate{Summary: &summary}); err != nil {
		return err
	}
	meta := domain.JSONMap{"spec_hash": specHash}
	for k, v := range extraMeta {
		meta[k] = v
	}
	if _, err := g.store.AppendEvent(ctx, run.ID, &step.ID, eventType, message, meta); err != nil {
		return err
	}

	updatedStep, err := g.store.GetStepRun(ctx, step.ID)
	if err != nil {
		return err
	}
	if g.trigger != nil {
		if err := g.trigger.DispatchTrigger(ctx, updatedStep, eventType); err != nil {
			return err
		}
	}
	return runstate.MaybeCompleteProtocol(ctx, g.store, run.ID)
}

// failVerdict handles a FAIL verdict: mark failed, evaluate loop policies,
// block the run if nothing recovers.
func (g *Gate) failVerdict(ctx context.Context, step *domain.StepRun, run *domain.ProtocolRun, specHash, model string, estimated int) error {
	metrics.IncQAVerdict(ctx, "fail")
	summary := "QA verdict: FAIL"
	if err := g.store.UpdateStepStatus(ctx, step.ID, domain.StepFailed, store.StepStatusUpdate{Summary: &summary}); err != nil {
		return err
	}
	if _, err := g.store.AppendEvent(ctx, run.ID, &step.ID, "qa_failed", "QA failed.", domain.JSONMap{
		"estimated_tokens": estimated, "model": model, "spec_hash": specHash,
	}); err != nil {
		return err
	}

	updatedStep, err := g.store.GetStepRun(ctx, step.ID)
	if err != nil {
		return err
	}
	decision, err := g.policies.EvaluateLoop(ctx, updatedStep, domain.ReasonQAFailed)
	if err != nil {
		return err
	}
	if decision.Applied {
		return g.store.UpdateProtocolStatus(ctx, run.ID, domain.ProtocolRunning)
	}
	return g.store.UpdateProtocolStatus(ctx, run.ID, domain.ProtocolBlocked)
}

// fail handles infrastructure-shaped QA failures (budget exceeded, engine
// unresolvable, engine error) the same way: step failed, run blocked.
func (g *Gate) fail(ctx context.Context, step *domain.StepRun, run *domain.ProtocolRun, specHash, reason, model string, estimated int) error {
	summary := "QA error: " + reason
	if err := g.store.UpdateStepStatus(ctx, step.ID, domain.StepFailed, store.StepStatusUpdate{Summary: &summary}); err != nil {
		return err
	}
	if _, err := g.store.AppendEvent(ctx, run.ID, &step.ID, "qa_error", summary, domain.JSONMap{
		"estimated_tokens": estimated, "model": model, "spec_hash": specHash,
	}); err != nil {
		return err
	}
	return g.store.UpdateProtocolStatus(ctx, run.ID, domain.ProtocolBlocked)
}

// buildPrompt assembles the QA prompt from the protocol root's narrative
// files plus the step file under review (qa.py: build_prompt).
func buildPrompt(protocolRoot, stepFile, promptPrefix string) string {
	plan := readFile(filepath.Join(protocolRoot, "plan.md"))
	context := readFile(filepath.Join(protocolRoot, "context.md"))
	logMD := readFile(filepath.Join(protocolRoot, "log.md"))
	step := readFile(stepFile)

	var b strings.Builder
	if promptPrefix != "" {
		b.WriteString(promptPrefix)
		b.WriteString("\n\n")
	}
	b.WriteString("plan.md:\n" + plan + "\n\n")
	b.WriteString("context.md:\n" + context + "\n\n")
	b.WriteString("log.md (may be empty):\n" + logMD + "\n\n")
	b.WriteString("Step file (" + filepath.Base(stepFile) + "):\n" + step + "\n\n")
	b.WriteString("If any blocking issue, verdict = FAIL.\n")
	return b.String()
}

func resolveQAPromptPath(qaCfg *domain.StepQA, protocolRoot, workspace string) string {
	if qaCfg != nil && qaCfg.Prompt != "" {
		return filepath.Join(protocolRoot, qaCfg.Prompt)
	}
	return filepath.Join(workspace, "prompts", "quality-validator.prompt.md")
}

func readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func dirExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
