// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/stepforge/stepforge/internal/domain"
)

// maxCLIOutputSize bounds captured stdout/stderr to avoid memory exhaustion
// on a runaway subprocess (mirrors the 10MB cap the original local executor
// applies to streamed command output).
const maxCLIOutputSize = 10 * 1024 * 1024

// CLIEngine shells out to an external code-generation CLI: the prompt is
// written to stdin, the artifact comes back on stdout, and the sandbox mode
// is passed through as a flag. This is the "real" engine most deployments
// register as default once a CLI binary is available; StubEngine stands in
// for it otherwise.
type CLIEngine struct {
	id          string
	binary      string
	planArgs    []string
	execArgs    []string
	qaArgs      []string
	sandboxFlag string
}

// CLIEngineConfig configures a CLIEngine instance.
type CLIEngineConfig struct {
	ID          string
	Binary      string
	PlanArgs    []string
	ExecArgs    []string
	QAArgs      []string
	SandboxFlag string // e.g. "--sandbox"; empty disables sandbox flag injection
}

// NewCLIEngine constructs a CLIEngine from config, defaulting an empty id to
// "cli" and empty arg lists to the "plan", "exec" and "qa" subcommands.
func NewCLIEngine(cfg CLIEngineConfig) *CLIEngine {
	e := &CLIEngine{
		id:          cfg.ID,
		binary:      cfg.Binary,
		planArgs:    cfg.PlanArgs,
		execArgs:    cfg.ExecArgs,
		qaArgs:      cfg.QAArgs,
		sandboxFlag: cfg.SandboxFlag,
	}
	if e.id == "" {
		e.id = "cli"
	}
	if len(e.planArgs) == 0 {
		e.planArgs = []string{"plan"}
	}
	if len(e.execArgs) == 0 {
		e.execArgs = []string{"exec"}
	}
	if len(e.qaArgs) == 0 {
		e.qaArgs = []string{"qa"}
	}
	return e
}

func (e *CLIEngine) ID() string { return e.id }

func (e *CLIEngine) Plan(ctx context.Context, req Request) (Result, error) {
	return e.run(ctx, e.planArgs, req)
}

func (e *CLIEngine) Execute(ctx context.Context, req Request) (Result, error) {
	return e.run(ctx, e.execArgs, req)
}

func (e *CLIEngine) QA(ctx context.Context, req Request) (Result, error) {
	return e.run(ctx, e.qaArgs, req)
}

func (e *CLIEngine) run(ctx context.Context, subArgs []string, req Request) (Result, error) {
	args := append([]string{}, subArgs...)
	if e.sandboxFlag != "" && req.Sandbox != "" {
		args = append(args, e.sandboxFlag, req.Sandbox)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	for _, f := range req.PromptFiles {
		args = append(args, "--prompt-file", f)
	}

	cmd := exec.CommandContext(ctx, e.binary, args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	if req.PromptText != "" {
		cmd.Stdin = strings.NewReader(req.PromptText)
	}

	var stdout, stderr limitedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	meta := domain.JSONMap{
		"engine_id":       e.id,
		"elapsed_seconds": elapsed.Seconds(),
		"stdout_truncated": stdout.truncated,
		"stderr_truncated": stderr.truncated,
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return Result{Success: false, Stdout: stdout.String(), Stderr: stderr.String(), Metadata: meta},
				fmt.Errorf("cli engine %s: %w", e.id, ctx.Err())
		}
		return Result{Success: false, Stdout: stdout.String(), Stderr: stderr.String(), Metadata: meta}, nil
	}

	return Result{Success: true, Stdout: stdout.String(), Stderr: stderr.String(), Metadata: meta}, nil
}

// limitedBuffer is an io.Writer that caps total captured bytes at
// maxCLIOutputSize, appending a truncation marker once the limit is hit.
type limitedBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.truncated {
		return len(p), nil
	}
	remaining := maxCLIOutputSize - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.buf.WriteString("\n... OUTPUT TRUNCATED ...\n")
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
