// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package planner implements the protocol planner (C8): turning a
// ProtocolRun's description into a validated protocol_spec and a set of
// materialised StepRun rows (spec.md §4.7). Planning must be re-runnable:
// invoking it twice on the same workspace produces the same spec and no
// duplicate StepRuns.
package planner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stepforge/stepforge/internal/domain"
	"github.com/stepforge/stepforge/internal/engine"
	"github.com/stepforge/stepforge/internal/gitrepo"
	"github.com/stepforge/stepforge/internal/runstate"
	"github.com/stepforge/stepforge/internal/spec"
	"github.com/stepforge/stepforge/internal/telemetry"
)

// Store is the subset of *store.Store the planner needs.
type Store interface {
	GetProtocolRun(ctx context.Context, id int64) (*domain.ProtocolRun, error)
	GetProject(ctx context.Context, id int64) (*domain.Project, error)
	ListStepRuns(ctx context.Context, protocolRunID int64) ([]*domain.StepRun, error)
	CreateStepRun(ctx context.Context, step *domain.StepRun) (*domain.StepRun, error)
	UpdateProtocolStatus(ctx context.Context, id int64, status domain.ProtocolStatus) error
	UpdateProtocolTemplate(ctx context.Context, id int64, templateConfig domain.JSONMap, templateSource string) error
	UpdateProtocolRoot(ctx context.Context, id int64, worktreePath, protocolRoot string) error
	AppendEvent(ctx context.Context, protocolRunID int64, stepRunID *int64, eventType, message string, metadata domain.JSONMap) (*domain.Event, error)
}

// Options configures token budget enforcement, mirroring executor.Options.
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

// Planner materialises protocol_spec + StepRuns for a ProtocolRun.
type Planner struct {
	store     Store
	engines   *engine.Registry
	worktrees *gitrepo.WorktreeManager
	opts      Options
}

// New constructs a Planner. worktrees may be nil: a nil worktree manager
// always forces the stub path, since there is then no way to materialise a
// working tree.
func New(st Store, engines *engine.Registry, worktrees *gitrepo.WorktreeManager, opts Options) *Planner {
	return &Planner{store: st, engines: engines, worktrees: worktrees, opts: opts}
}

// Plan runs the planner's full phase sequence for one ProtocolRun.
func (p *Planner) Plan(ctx context.Context, protocolRunID int64) error {
	ctx, span := telemetry.StartPhase(ctx, "planner.plan")
	defer span.End()

	run, err := p.store.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return err
	}
	project, err := p.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return err
	}

	if p.worktrees == nil || !pathExists(project.GitURL) {
		return p.planStub(ctx, run)
	}

	worktree, err := p.worktrees.EnsureWorktree(ctx, run.ProtocolName, run.BaseBranch)
	if err != nil {
		return p.planStub(ctx, run)
	}
	protocolRoot := filepath.Join(worktree, ".protocols", run.ProtocolName)
	if err := os.MkdirAll(protocolRoot, 0o755); err != nil {
		return err
	}
	if err := p.store.UpdateProtocolRoot(ctx, run.ID, worktree, protocolRoot); err != nil {
		return err
	}

	protocolSpec, err := domain.DecodeProtocolSpec(run.TemplateConfig)
	if err != nil {
		return err
	}

	// Alternate workspace layout: a `.codemachine/` config directory, when
	// present, is the authoritative spec source (supplemental feature, see
	// DESIGN.md) and marks the run so the executor/QA gate know to apply
	// the codemachine-specific output and QA-skip behaviour (§4.5 step 8,
	// §4.8 step 1).
	if cmCfg, cmErr := spec.LoadFromCodeMachineConfig(worktree); cmErr == nil && cmCfg != nil &&
		(len(cmCfg.MainAgents) > 0 || len(cmCfg.SubAgents) > 0) {
		protocolSpec = cmCfg.ToProtocolSpec()
		templateConfig, encErr := domain.EncodeProtocolSpec(protocolSpec)
		if encErr != nil {
			return encErr
		}
		if err := p.store.UpdateProtocolTemplate(ctx, run.ID, templateConfig, domain.TemplateSourceCodemachine); err != nil {
			return err
		}
	}

	planningModel := ""
	if project.DefaultModels != nil {
		planningModel = project.DefaultModels["planning"]
	}
	if planningModel == "" {
		planningModel = "default"
	}
	planningPrompt := fmt.Sprintf("Plan protocol %q.\n\n%s", run.ProtocolName, run.Description)
	estimated, budgetErr := engine.EnforceBudget(planningPrompt, p.opts.budgetLimit(), p.opts.TokenBudgetMode)
	if budgetErr != nil {
		if _, err := p.store.AppendEvent(ctx, run.ID, nil, "planning_error", budgetErr.Error(), nil); err != nil {
			return err
		}
		return p.store.UpdateProtocolStatus(ctx, run.ID, domain.ProtocolBlocked)
	}

	eng, err := p.engines.Get("")
	if err != nil {
		return err
	}
	planCtx, planSpan := telemetry.StartPhase(ctx, "planner.dispatch")
	planResult, err := eng.Plan(planCtx, engine.Request{
		ProjectID:     project.ID,
		ProtocolRunID: run.ID,
		Model:         planningModel,
		WorkingDir:    worktree,
		PromptText:    planningPrompt,
		Sandbox:       "read-only",
	})
	planSpan.End()
	if err == nil && planResult.Success && planResult.Stdout != "" {
		_ = os.WriteFile(filepath.Join(protocolRoot, "plan.md"), []byte(planResult.Stdout), 0o644)
	}

	createdSteps, validated, validationErrs := p.syncStepRuns(ctx, run.ID, protocolSpec, protocolRoot, worktree)
	if len(validationErrs) > 0 {
		for _, verr := range validationErrs {
			if _, err := p.store.AppendEvent(ctx, run.ID, nil, "spec_validation_error", verr.Error(),
				domain.JSONMap{"protocol_root": protocolRoot}); err != nil {
				return err
			}
		}
		return p.store.UpdateProtocolStatus(ctx, run.ID, domain.ProtocolBlocked)
	}

	run, err = p.store.GetProtocolRun(ctx, run.ID)
	if err != nil {
		return err
	}
	specHash, _ := domain.SpecHashFromMap(run.TemplateConfig)
	if err := p.store.UpdateProtocolStatus(ctx, run.ID, domain.ProtocolPlanned); err != nil {
		return err
	}
	if _, err := p.store.AppendEvent(ctx, run.ID, nil, "planned", "Protocol planned.", domain.JSONMap{
		"steps_created":    createdSteps,
		"protocol_root":    protocolRoot,
		"models":           domain.JSONMap{"planning": planningModel},
		"estimated_tokens": domain.JSONMap{"planning": estimated},
		"spec_hash":        specHash,
		"spec_validated":   validated,
	}); err != nil {
		return err
	}

	return runstate.MaybeCompleteProtocol(ctx, p.store, run.ID)
}

// planStub services the stub path: no engine/workspace available, so the
// run is marked planned without materialising anything (spec.md §4.7 "Stub
// path"), useful for local development and idempotent recovery.
func (p *Planner) planStub(ctx context.Context, run *domain.ProtocolRun) error {
	if err := p.store.UpdateProtocolStatus(ctx, run.ID, domain.ProtocolPlanned); err != nil {
		return err
	}
	specHash, _ := domain.SpecHashFromMap(run.TemplateConfig)
	var hashPtr any
	if specHash != "" {
		hashPtr = specHash
	}
	if _, err := p.store.AppendEvent(ctx, run.ID, nil, "planned",
		"Protocol planned (stub; engine or repo unavailable).", domain.JSONMap{
			"spec_hash":      hashPtr,
			"spec_validated": false,
		}); err != nil {
		return err
	}
	return nil
}

// syncStepRuns validates protocolSpec against the filesystem and creates a
// StepRun for every spec entry not yet represented, matched by StepName ==
// StepSpec.ID per this implementation's policy-matching convention
// (see DESIGN.md). Re-running this on an unchanged spec creates zero new
// rows, satisfying the re-runnability requirement.
func (p *Planner) syncStepRuns(ctx context.Context, protocolRunID int64, protocolSpec *domain.ProtocolSpec, protocolRoot, workspace string) (created int, validated bool, errs []spec.ValidationError) {
	if len(protocolSpec.Steps) == 0 {
		return 0, true, nil
	}
	if errs := spec.Validate(protocolSpec, protocolRoot, workspace); len(errs) > 0 {
		return 0, false, errs
	}

	existing, err := p.store.ListStepRuns(ctx, protocolRunID)
	if err != nil {
		return 0, false, nil
	}
	present := make(map[string]bool, len(existing))
	for _, s := range existing {
		present[s.StepName] = true
	}

	for i, stepSpec := range protocolSpec.Steps {
		if present[stepSpec.ID] {
			continue
		}
		stepType := domain.StepTypeWork
		if i == 0 {
			stepType = domain.StepTypeSetup
		}
		if _, err := p.store.CreateStepRun(ctx, &domain.StepRun{
			ProtocolRunID: protocolRunID,
			StepIndex:     i,
			StepName:      stepSpec.ID,
			StepType:      stepType,
			Model:         stepSpec.Model,
			EngineID:      stepSpec.EngineID,
			Policy:        stepSpec.Policies,
		}); err != nil {
			continue
		}
		created++
	}
	return created, true, nil
}

func pathExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
