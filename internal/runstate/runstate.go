// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package runstate implements the single terminal-state choke point
// (spec.md §4.9): maybe_complete_protocol, the function every caller that
// might have just finished the last open step calls to decide whether a
// ProtocolRun should close out.
package runstate

import (
	"context"

	"github.com/stepforge/stepforge/internal/domain"
)

// Store is the subset of *store.Store maybe_complete_protocol needs.
type Store interface {
	GetProtocolRun(ctx context.Context, id int64) (*domain.ProtocolRun, error)
	ListStepRuns(ctx context.Context, protocolRunID int64) ([]*domain.StepRun, error)
	UpdateProtocolStatus(ctx context.Context, id int64, status domain.ProtocolStatus) error
	AppendEvent(ctx context.Context, protocolRunID int64, stepRunID *int64, eventType, message string, metadata domain.JSONMap) (*domain.Event, error)
}

// MaybeCompleteProtocol transitions a ProtocolRun to completed when it is
// not already terminal and every one of its StepRuns lies in the
// terminal-success set {completed, cancelled} (I2). A run with no StepRuns
// yet is left alone, not vacuously completed.
func MaybeCompleteProtocol(ctx context.Context, st Store, protocolRunID int64) error {
	run, err := st.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() || run.Status == domain.ProtocolBlocked {
		return nil
	}

	steps, err := st.ListStepRuns(ctx, protocolRunID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}
	for _, s := range steps {
		if !s.Status.IsTerminalSuccess() {
			return nil
		}
	}

	if err := st.UpdateProtocolStatus(ctx, protocolRunID, domain.ProtocolCompleted); err != nil {
		return err
	}
	_, err = st.AppendEvent(ctx, protocolRunID, nil, "protocol_completed",
		"protocol completed: every step reached a terminal-success status",
		domain.JSONMap{"step_count": len(steps)})
	return err
}
