// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/stepforge/stepforge/internal/domain"
)

// CreateStepRun persists a new StepRun. StepIndex must be unique within its
// ProtocolRunID (I1); the unique index on the underlying table enforces it.
func (s *Store) CreateStepRun(ctx context.Context, step *domain.StepRun) (*domain.StepRun, error) {
	if step.Status == "" {
		step.Status = domain.StepPending
	}
	row := fromStepRun(step)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return toStepRun(row), nil
}

// GetStepRun fetches a step run by id.
func (s *Store) GetStepRun(ctx context.Context, id int64) (*domain.StepRun, error) {
	var row stepRunRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return toStepRun(&row), nil
}

// ListStepRuns returns every step of a protocol run, ordered by step_index.
func (s *Store) ListStepRuns(ctx context.Context, protocolRunID int64) ([]*domain.StepRun, error) {
	var rows []stepRunRow
	if err := s.db.WithContext(ctx).
		Where("protocol_run_id = ?", protocolRunID).
		Order("step_index asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.StepRun, len(rows))
	for i := range rows {
		out[i] = toStepRun(&rows[i])
	}
	return out, nil
}

// LatestStepRun returns the step with the highest step_index for a run, if
// any — used by the webhook reducer to associate folded CI outcomes.
func (s *Store) LatestStepRun(ctx context.Context, protocolRunID int64) (*domain.StepRun, error) {
	var row stepRunRow
	err := s.db.WithContext(ctx).
		Where("protocol_run_id = ?", protocolRunID).
		Order("step_index desc").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return toStepRun(&row), nil
}

// StepStatusUpdate carries the optional fields of update_step_status; a nil
// field retains its prior stored value (§4.1 "merges only non-null fields").
type StepStatusUpdate struct {
	Retries      *int
	Summary      *string
	Model        *string
	EngineID     *string
	RuntimeState domain.JSONMap // nil means "leave untouched"
}

// UpdateStepStatus transitions a step's status and merges any provided
// optional fields, leaving omitted ones at their prior values.
func (s *Store) UpdateStepStatus(ctx context.Context, id int64, status domain.StepStatus, opt StepStatusUpdate) error {
	updates := map[string]any{"status": string(status)}
	if opt.Retries != nil {
		updates["retries"] = *opt.Retries
	}
	if opt.Summary != nil {
		updates["summary"] = *opt.Summary
	}
	if opt.Model != nil {
		updates["model"] = *opt.Model
	}
	if opt.EngineID != nil {
		updates["engine_id"] = *opt.EngineID
	}
	if opt.RuntimeState != nil {
		updates["runtime_state"] = jsonColumn(opt.RuntimeState)
	}

	res := s.db.WithContext(ctx).Model(&stepRunRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
