// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/stepforge/stepforge/internal/domain"
)

// CreateProtocolRun persists a new ProtocolRun, created in "pending" on user
// request.
func (s *Store) CreateProtocolRun(ctx context.Context, p *domain.ProtocolRun) (*domain.ProtocolRun, error) {
	if p.Status == "" {
		p.Status = domain.ProtocolPending
	}
	row := fromProtocolRun(p)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return toProtocolRun(row), nil
}

// GetProtocolRun fetches a protocol run by id.
func (s *Store) GetProtocolRun(ctx context.Context, id int64) (*domain.ProtocolRun, error) {
	var row protocolRunRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return toProtocolRun(&row), nil
}

// ListProtocolRuns returns every run for a project, newest first.
func (s *Store) ListProtocolRuns(ctx context.Context, projectID int64) ([]*domain.ProtocolRun, error) {
	var rows []protocolRunRow
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("id desc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.ProtocolRun, len(rows))
	for i := range rows {
		out[i] = toProtocolRun(&rows[i])
	}
	return out, nil
}

// UpdateProtocolStatus transitions a ProtocolRun's status. This is the
// linearisation point for a run: callers must have already read the
// current status (e.g. QA refuses to overwrite a cancelled step) before
// calling this.
func (s *Store) UpdateProtocolStatus(ctx context.Context, id int64, status domain.ProtocolStatus) error {
	res := s.db.WithContext(ctx).Model(&protocolRunRow{}).Where("id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateProtocolTemplate replaces the opaque template_config (and, when
// non-empty, the template_source) of a run — used when the planner
// materialises or updates the protocol_spec.
func (s *Store) UpdateProtocolTemplate(ctx context.Context, id int64, templateConfig domain.JSONMap, templateSource string) error {
	updates := map[string]any{"template_config": jsonColumn(templateConfig)}
	if templateSource != "" {
		updates["template_source"] = templateSource
	}
	res := s.db.WithContext(ctx).Model(&protocolRunRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateProtocolRoot records the worktree/protocol_root resolved during
// planning (§4.7 full path step 1).
func (s *Store) UpdateProtocolRoot(ctx context.Context, id int64, worktreePath, protocolRoot string) error {
	res := s.db.WithContext(ctx).Model(&protocolRunRow{}).Where("id = ?", id).Updates(map[string]any{
		"worktree_path": worktreePath,
		"protocol_root": protocolRoot,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// branchCandidates normalises an inbound ref into the ordered list of names
// to try against protocol_name / base_branch: the ref with a refs/heads/ or
// refs/tags/ prefix stripped, then (if it contains further "/" segments)
// its last segment, longest-to-shortest.
func branchCandidates(ref string) []string {
	stripped := strings.TrimPrefix(ref, "refs/heads/")
	stripped = strings.TrimPrefix(stripped, "refs/tags/")

	candidates := []string{stripped}
	if idx := strings.LastIndex(stripped, "/"); idx >= 0 && idx < len(stripped)-1 {
		candidates = append(candidates, stripped[idx+1:])
	}
	return candidates
}

// FindProtocolRunByBranch resolves an arbitrary ref notation
// (refs/heads/<x>, bare name, <prefix>/<name>) against protocol_name or
// base_branch, trying candidate segments longest-to-shortest.
func (s *Store) FindProtocolRunByBranch(ctx context.Context, ref string) (*domain.ProtocolRun, error) {
	for _, candidate := range branchCandidates(ref) {
		var row protocolRunRow
		err := s.db.WithContext(ctx).
			Where("protocol_name = ? OR base_branch = ?", candidate, candidate).
			Order("id desc").
			First(&row).Error
		if err == nil {
			return toProtocolRun(&row), nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, domain.ErrNotFound
}
