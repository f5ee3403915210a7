// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"

	"github.com/stepforge/stepforge/internal/domain"
)

// AppendEvent writes one append-only journal entry (I7: events are never
// rewritten or deleted). Every state transition must call this.
func (s *Store) AppendEvent(ctx context.Context, protocolRunID int64, stepRunID *int64, eventType, message string, metadata domain.JSONMap) (*domain.Event, error) {
	row := &eventRow{
		ProtocolRunID: protocolRunID,
		StepRunID:     stepRunID,
		EventType:     eventType,
		Message:       message,
		Metadata:      jsonColumn(metadata),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return toEvent(row), nil
}

// ListEvents returns every event for a protocol run in emission order.
func (s *Store) ListEvents(ctx context.Context, protocolRunID int64) ([]*domain.Event, error) {
	var rows []eventRow
	if err := s.db.WithContext(ctx).
		Where("protocol_run_id = ?", protocolRunID).
		Order("id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.Event, len(rows))
	for i := range rows {
		out[i] = toEvent(&rows[i])
	}
	return out, nil
}
