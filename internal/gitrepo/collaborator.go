// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gitrepo

import (
	"context"
	"fmt"
)

// Collaborator pushes a branch and opens a pull/merge request through the
// provider's host CLI. The core never talks to GitHub/GitLab's HTTP APIs
// directly for this: per spec.md §7 it shells out to `gh`/`glab` and only
// interprets their exit codes.
type Collaborator struct {
	repoDir  string
	provider string // "github" | "gitlab"
}

// NewCollaborator binds a collaborator to a worktree directory and a CI
// provider, as recorded on the owning Project.
func NewCollaborator(repoDir, provider string) *Collaborator {
	return &Collaborator{repoDir: repoDir, provider: provider}
}

// Push runs `git push` for the given branch, creating the remote tracking
// branch on first push.
func (c *Collaborator) Push(ctx context.Context, branch string) (CommandResult, error) {
	if err := ValidateBranchName(branch); err != nil {
		return CommandResult{}, err
	}
	return runGit(ctx, c.repoDir, "push", "--set-upstream", "origin", branch)
}

// OpenPR opens a pull/merge request for branch against base, dispatching to
// `gh pr create` or `glab mr create` depending on the configured provider.
func (c *Collaborator) OpenPR(ctx context.Context, branch, base, title, body string) (CommandResult, error) {
	if err := ValidateBranchName(branch); err != nil {
		return CommandResult{}, err
	}
	if err := ValidateBranchName(base); err != nil {
		return CommandResult{}, err
	}

	switch c.provider {
	case "github":
		return runCommand(ctx, c.repoDir, "gh", "pr", "create",
			"--head", branch, "--base", base, "--title", title, "--body", body)
	case "gitlab":
		return runCommand(ctx, c.repoDir, "glab", "mr", "create",
			"--source-branch", branch, "--target-branch", base, "--title", title, "--description", body)
	default:
		return CommandResult{}, fmt.Errorf("open pr: unsupported provider %q", c.provider)
	}
}

// TriggerCI re-runs CI for a branch; the open_pr_job handler calls it,
// best-effort, after requesting the PR/MR. Dispatches to
// `gh workflow run` / `glab ci retry` depending on provider.
func (c *Collaborator) TriggerCI(ctx context.Context, branch string) (CommandResult, error) {
	if err := ValidateBranchName(branch); err != nil {
		return CommandResult{}, err
	}
	switch c.provider {
	case "github":
		return runCommand(ctx, c.repoDir, "gh", "workflow", "run", "--ref", branch)
	case "gitlab":
		return runCommand(ctx, c.repoDir, "glab", "ci", "retry", "--branch", branch)
	default:
		return CommandResult{}, fmt.Errorf("trigger ci: unsupported provider %q", c.provider)
	}
}
