// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store is the durable persistence layer (C2) plus the embedded
// append-only event log (C3): projects, protocol runs, step runs, and
// events, behind a transactional GORM-backed Store.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/stepforge/stepforge/internal/domain"
)

// jsonColumn adapts a domain.JSONMap (or any map[string]any-shaped value) to
// a single opaque TEXT column, keeping the Store schema-agnostic (§9 "Opaque
// JSON fields").
type jsonColumn map[string]any

func (c *jsonColumn) Scan(value any) error {
	if value == nil {
		*c = jsonColumn{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			*c = jsonColumn{}
			return nil
		}
		// Defensive: a malformed column must never panic the journal reader.
		if err := json.Unmarshal(v, c); err != nil {
			*c = jsonColumn{"_raw": string(v)}
			return nil
		}
		return nil
	case string:
		return c.Scan([]byte(v))
	default:
		return errors.New("jsonColumn: unsupported scan source")
	}
}

func (c jsonColumn) Value() (driver.Value, error) {
	if len(c) == 0 {
		return "{}", nil
	}
	return json.Marshal(map[string]any(c))
}

// policyColumn stores the []domain.PolicyDescriptor list for a StepRun.
type policyColumn []domain.PolicyDescriptor

func (c *policyColumn) Scan(value any) error {
	if value == nil {
		*c = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			*c = nil
			return nil
		}
		return json.Unmarshal(v, c)
	case string:
		return c.Scan([]byte(v))
	default:
		return errors.New("policyColumn: unsupported scan source")
	}
}

func (c policyColumn) Value() (driver.Value, error) {
	if len(c) == 0 {
		return "[]", nil
	}
	return json.Marshal([]domain.PolicyDescriptor(c))
}

// projectRow is the GORM model backing the projects table.
type projectRow struct {
	ID             int64      `gorm:"primaryKey;autoIncrement"`
	Name           string     `gorm:"not null;type:text"`
	GitURL         string     `gorm:"type:text"`
	BaseBranch     string     `gorm:"type:text"`
	CIProvider     string     `gorm:"type:text"`
	DefaultModels  jsonColumn `gorm:"type:text"`
	Secrets        jsonColumn `gorm:"type:text"`
	APIToken       string     `gorm:"type:text"`
	CreatedAt      time.Time  `gorm:"autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime"`
}

func (projectRow) TableName() string { return "projects" }

// protocolRunRow is the GORM model backing the protocol_runs table.
type protocolRunRow struct {
	ID             int64      `gorm:"primaryKey;autoIncrement"`
	ProjectID      int64      `gorm:"not null;index"`
	ProtocolName   string     `gorm:"not null;type:text;index"`
	Status         string     `gorm:"not null;type:text;index"`
	BaseBranch     string     `gorm:"type:text;index"`
	WorktreePath   string     `gorm:"type:text"`
	ProtocolRoot   string     `gorm:"type:text"`
	Description    string     `gorm:"type:text"`
	TemplateConfig jsonColumn `gorm:"type:text"`
	TemplateSource string     `gorm:"type:text"`
	CreatedAt      time.Time  `gorm:"autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime"`
}

func (protocolRunRow) TableName() string { return "protocol_runs" }

// stepRunRow is the GORM model backing the step_runs table.
type stepRunRow struct {
	ID            int64        `gorm:"primaryKey;autoIncrement"`
	ProtocolRunID int64        `gorm:"not null;index;uniqueIndex:idx_run_step_index"`
	StepIndex     int          `gorm:"not null;uniqueIndex:idx_run_step_index"`
	StepName      string       `gorm:"not null;type:text"`
	StepType      string       `gorm:"type:text"`
	Status        string       `gorm:"not null;type:text;index"`
	Retries       int          `gorm:"not null;default:0"`
	Model         string       `gorm:"type:text"`
	EngineID      string       `gorm:"type:text"`
	Policy        policyColumn `gorm:"type:text"`
	RuntimeState  jsonColumn   `gorm:"type:text"`
	Summary       string       `gorm:"type:text"`
	CreatedAt     time.Time    `gorm:"autoCreateTime"`
	UpdatedAt     time.Time    `gorm:"autoUpdateTime"`
}

func (stepRunRow) TableName() string { return "step_runs" }

// eventRow is the GORM model backing the append-only events table.
type eventRow struct {
	ID            int64      `gorm:"primaryKey;autoIncrement"`
	ProtocolRunID int64      `gorm:"not null;index"`
	StepRunID     *int64     `gorm:"index"`
	EventType     string     `gorm:"not null;type:text;index"`
	Message       string     `gorm:"type:text"`
	Metadata      jsonColumn `gorm:"type:text"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index"`
}

func (eventRow) TableName() string { return "events" }

func (r *projectRow) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	return nil
}

func (r *protocolRunRow) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	return nil
}

func (r *stepRunRow) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	return nil
}

func toProject(r *projectRow) *domain.Project {
	return &domain.Project{
		ID:            r.ID,
		Name:          r.Name,
		GitURL:        r.GitURL,
		BaseBranch:    r.BaseBranch,
		CIProvider:    r.CIProvider,
		DefaultModels: stringMap(r.DefaultModels),
		Secrets:       domain.JSONMap(r.Secrets),
		APIToken:      r.APIToken,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func stringMap(m jsonColumn) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func fromProject(p *domain.Project) *projectRow {
	dm := jsonColumn{}
	for k, v := range p.DefaultModels {
		dm[k] = v
	}
	return &projectRow{
		ID:            p.ID,
		Name:          p.Name,
		GitURL:        p.GitURL,
		BaseBranch:    p.BaseBranch,
		CIProvider:    p.CIProvider,
		DefaultModels: dm,
		Secrets:       jsonColumn(p.Secrets),
		APIToken:      p.APIToken,
	}
}

func toProtocolRun(r *protocolRunRow) *domain.ProtocolRun {
	return &domain.ProtocolRun{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		ProtocolName:   r.ProtocolName,
		Status:         domain.ProtocolStatus(r.Status),
		BaseBranch:     r.BaseBranch,
		WorktreePath:   r.WorktreePath,
		ProtocolRoot:   r.ProtocolRoot,
		Description:    r.Description,
		TemplateConfig: domain.JSONMap(r.TemplateConfig),
		TemplateSource: r.TemplateSource,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func fromProtocolRun(p *domain.ProtocolRun) *protocolRunRow {
	return &protocolRunRow{
		ID:             p.ID,
		ProjectID:      p.ProjectID,
		ProtocolName:   p.ProtocolName,
		Status:         string(p.Status),
		BaseBranch:     p.BaseBranch,
		WorktreePath:   p.WorktreePath,
		ProtocolRoot:   p.ProtocolRoot,
		Description:    p.Description,
		TemplateConfig: jsonColumn(p.TemplateConfig),
		TemplateSource: p.TemplateSource,
	}
}

func toStepRun(r *stepRunRow) *domain.StepRun {
	return &domain.StepRun{
		ID:            r.ID,
		ProtocolRunID: r.ProtocolRunID,
		StepIndex:     r.StepIndex,
		StepName:      r.StepName,
		StepType:      domain.StepType(r.StepType),
		Status:        domain.StepStatus(r.Status),
		Retries:       r.Retries,
		Model:         r.Model,
		EngineID:      r.EngineID,
		Policy:        []domain.PolicyDescriptor(r.Policy),
		RuntimeState:  domain.JSONMap(r.RuntimeState),
		Summary:       r.Summary,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func fromStepRun(s *domain.StepRun) *stepRunRow {
	return &stepRunRow{
		ID:            s.ID,
		ProtocolRunID: s.ProtocolRunID,
		StepIndex:     s.StepIndex,
		StepName:      s.StepName,
		StepType:      string(s.StepType),
		Status:        string(s.Status),
		Retries:       s.Retries,
		Model:         s.Model,
		EngineID:      s.EngineID,
		Policy:        policyColumn(s.Policy),
		RuntimeState:  jsonColumn(s.RuntimeState),
		Summary:       s.Summary,
	}
}

func toEvent(r *eventRow) *domain.Event {
	return &domain.Event{
		ID:            r.ID,
		ProtocolRunID: r.ProtocolRunID,
		StepRunID:     r.StepRunID,
		EventType:     r.EventType,
		Message:       r.Message,
		Metadata:      domain.JSONMap(r.Metadata),
		CreatedAt:     r.CreatedAt,
	}
}
