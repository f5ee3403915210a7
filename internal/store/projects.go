// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/stepforge/stepforge/internal/domain"
)

// CreateProject persists a new project. Projects are never destroyed,
// only updated by administrative operations.
func (s *Store) CreateProject(ctx context.Context, p *domain.Project) (*domain.Project, error) {
	row := fromProject(p)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return toProject(row), nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id int64) (*domain.Project, error) {
	var row projectRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return toProject(&row), nil
}

// ListProjects returns every project.
func (s *Store) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	var rows []projectRow
	if err := s.db.WithContext(ctx).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.Project, len(rows))
	for i := range rows {
		out[i] = toProject(&rows[i])
	}
	return out, nil
}
