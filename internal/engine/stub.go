// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"fmt"

	"github.com/stepforge/stepforge/internal/domain"
)

// StubEngine is the deterministic fallback used when no real code-gen CLI
// or working repository is configured — the stub short-circuit referenced
// throughout §4.5/§4.7/§4.8. It never fails, so callers relying on it get a
// stable "pass-through" run useful for local development and idempotent
// recovery.
type StubEngine struct{}

// NewStubEngine constructs the stub engine. Its id, "stub", is also the
// EngineConfig.DefaultEngine default.
func NewStubEngine() *StubEngine { return &StubEngine{} }

func (s *StubEngine) ID() string { return "stub" }

func (s *StubEngine) Plan(ctx context.Context, req Request) (Result, error) {
	return Result{
		Success: true,
		Stdout:  fmt.Sprintf("# stub plan\n\nstep=%d model=%s\n", req.StepRunID, req.Model),
		Metadata: domain.JSONMap{"stub": true},
	}, nil
}

func (s *StubEngine) Execute(ctx context.Context, req Request) (Result, error) {
	return Result{
		Success: true,
		Stdout:  fmt.Sprintf("stub execution output for step %d\n", req.StepRunID),
		Metadata: domain.JSONMap{"stub": true},
	}, nil
}

func (s *StubEngine) QA(ctx context.Context, req Request) (Result, error) {
	return Result{
		Success: true,
		Stdout:  "VERDICT: PASS\n\nstub QA always passes.\n",
		Metadata: domain.JSONMap{"stub": true},
	}, nil
}
