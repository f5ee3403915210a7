// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package spec validates protocol specs against the filesystem (spec.md
// §4.5 step 4, §4.7 step 5) and loads CodeMachine-style agent/module
// configuration into the domain's ProtocolSpec shape.
package spec

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/stepforge/stepforge/internal/domain"
)

// ValidationError names the offending step and path for one
// spec_validation_error event (§4.5 step 4 emits one per offending path).
type ValidationError struct {
	StepID string
	Path   string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("step %q: path %q: %s", e.StepID, e.Path, e.Reason)
}

// Validate checks that every path a step references (prompt ref, primary
// output, aux outputs) resolves within protocolRoot, or within workspace
// when the step's Outputs.PreferWorkspace flag is set. It returns one
// ValidationError per offending path rather than stopping at the first.
func Validate(protocolSpec *domain.ProtocolSpec, protocolRoot, workspace string) []ValidationError {
	var errs []ValidationError
	for _, step := range protocolSpec.Steps {
		root := protocolRoot
		if step.Outputs != nil && step.Outputs.PreferWorkspace {
			root = workspace
		}

		if step.PromptRef != "" {
			if err := checkContained(root, step.PromptRef); err != nil {
				errs = append(errs, ValidationError{StepID: step.ID, Path: step.PromptRef, Reason: err.Error()})
			}
		}
		if step.Outputs != nil {
			if step.Outputs.Protocol != "" {
				if err := checkContained(root, step.Outputs.Protocol); err != nil {
					errs = append(errs, ValidationError{StepID: step.ID, Path: step.Outputs.Protocol, Reason: err.Error()})
				}
			}
			for _, aux := range orderedValues(step.Outputs.Aux) {
				if err := checkContained(root, aux); err != nil {
					errs = append(errs, ValidationError{StepID: step.ID, Path: aux, Reason: err.Error()})
				}
			}
		}
	}
	return errs
}

// checkContained reports an error if path, once resolved against root,
// escapes root via ".." segments or an absolute path outside it.
func checkContained(root, path string) error {
	if root == "" {
		return fmt.Errorf("no root configured to validate against")
	}
	joined := filepath.Join(root, path)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absRoot, absJoined)
	if err != nil {
		return err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("escapes root %q", root)
	}
	return nil
}

// orderedValues returns m's values sorted by key, for deterministic
// validation-error ordering across runs.
func orderedValues(m map[string]string) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return lo.Map(keys, func(k string, _ int) string { return m[k] })
}
