// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/stepforge/stepforge/internal/config"
	"github.com/stepforge/stepforge/internal/store"
	"github.com/stepforge/stepforge/internal/tui/components/stepprogress"
)

type statusOptions struct {
	configPath    string
	protocolRunID int64
}

func statusCommand(args []string) error {
	opts := &statusOptions{}
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "config.yaml", "Path to config file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: %s status [--config path] <protocol_run_id>", appName)
	}
	id, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid protocol_run_id %q: %w", rest[0], err)
	}
	opts.protocolRunID = id

	return printStatus(opts)
}

func printStatus(opts *statusOptions) error {
	cfg, err := config.NewConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	run, err := st.GetProtocolRun(ctx, opts.protocolRunID)
	if err != nil {
		return fmt.Errorf("failed to load protocol run %d: %w", opts.protocolRunID, err)
	}
	stepRuns, err := st.ListStepRuns(ctx, opts.protocolRunID)
	if err != nil {
		return fmt.Errorf("failed to load steps: %w", err)
	}

	bold := lipgloss.NewStyle().Bold(true)
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("239"))

	fmt.Println()
	fmt.Printf("%s  %s  %s\n", bold.Render(run.ProtocolName), dim.Render(fmt.Sprintf("run #%d", run.ID)), run.Status)

	if len(stepRuns) == 0 {
		fmt.Println(dim.Render("no steps recorded yet"))
		fmt.Println()
		return nil
	}

	steps := make([]stepprogress.Step, len(stepRuns))
	for i, s := range stepRuns {
		steps[i] = stepprogress.Step{Name: s.StepName, Status: s.Status}
	}
	bar := stepprogress.New().SetSteps(steps).SetWidth(30)
	fmt.Println(bar.View())
	fmt.Println()

	fmt.Printf("%-4s  %-24s  %-10s  %s\n", "IDX", "STEP", "STATUS", "RETRIES")
	fmt.Println(dim.Render("────  ────────────────────────  ──────────  ───────"))
	for _, s := range stepRuns {
		name := s.StepName
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		fmt.Printf("%-4d  %-24s  %-10s  %d\n", s.StepIndex, name, s.Status, s.Retries)
	}
	fmt.Println()

	return nil
}
