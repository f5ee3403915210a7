// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"fmt"

	"github.com/stepforge/stepforge/internal/domain"
)

// EstimateTokens approximates token count as ceil(len(prompt)/4), minimum 1,
// matching the original estimator (codex.py: estimate_tokens).
func EstimateTokens(prompt string) int {
	n := len(prompt)
	if n == 0 {
		return 1
	}
	est := (n + 3) / 4
	if est < 1 {
		return 1
	}
	return est
}

// EnforceBudget estimates the prompt's token count and checks it against
// limit (spec.md §4.5 step 6: max_tokens_per_step || max_tokens_per_protocol).
// A zero/negative limit means "no budget configured" and always passes. In
// "strict" mode exceeding the limit returns domain.ErrTokenBudgetExceeded;
// in "warn" mode it returns nil (the caller logs and proceeds); in "off"
// mode the check is skipped entirely. The estimate is always returned so
// callers can record it in event metadata regardless of mode.
func EnforceBudget(prompt string, limit int, mode string) (estimated int, err error) {
	estimated = EstimateTokens(prompt)
	if mode == "off" || limit <= 0 {
		return estimated, nil
	}
	if estimated <= limit {
		return estimated, nil
	}
	if mode == "strict" {
		return estimated, fmt.Errorf("%w: estimated %d tokens exceeds limit %d", domain.ErrTokenBudgetExceeded, estimated, limit)
	}
	return estimated, nil
}
