// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package domain defines the entity shapes, status enums, and protocol spec
// schema that every other package builds on: Project, ProtocolRun, StepRun,
// Event, Job, ProtocolSpec and PolicyDescriptor.
package domain

import "time"

// ProtocolStatus is the status of a ProtocolRun. Transitions are strictly
// monotonic toward a terminal status (completed/failed/cancelled) except
// that running <-> blocked is bidirectional.
type ProtocolStatus string

const (
	ProtocolPending   ProtocolStatus = "pending"
	ProtocolPlanning  ProtocolStatus = "planning"
	ProtocolPlanned   ProtocolStatus = "planned"
	ProtocolRunning   ProtocolStatus = "running"
	ProtocolBlocked   ProtocolStatus = "blocked"
	ProtocolFailed    ProtocolStatus = "failed"
	ProtocolCompleted ProtocolStatus = "completed"
	ProtocolCancelled ProtocolStatus = "cancelled"
)

// IsTerminal reports whether no further automatic transitions occur from
// this status: completed, failed or cancelled. blocked is not reported as
// terminal, since it can return to running.
func (s ProtocolStatus) IsTerminal() bool {
	switch s {
	case ProtocolCompleted, ProtocolFailed, ProtocolCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the status of a StepRun.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepNeedsQA   StepStatus = "needs_qa"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepBlocked   StepStatus = "blocked"
	StepCancelled StepStatus = "cancelled"
)

// IsTerminalSuccess reports membership in the terminal-success set used by
// maybe_complete_protocol (I2).
func (s StepStatus) IsTerminalSuccess() bool {
	return s == StepCompleted || s == StepCancelled
}

// StepType is the phase of a step within a protocol.
type StepType string

const (
	StepTypeSetup StepType = "setup"
	StepTypeWork  StepType = "work"
	StepTypeQA    StepType = "qa"
)

// JSONMap is an opaque JSON object column. The Store treats these fields
// (template_config, runtime_state, metadata, policy) as schema-agnostic;
// typed structs are decoded from them at use sites (spec, policyrt).
type JSONMap map[string]any

// Project is the identity for a source repository driven by protocols.
type Project struct {
	ID            int64          `json:"id"`
	Name          string         `json:"name"`
	GitURL        string         `json:"git_url"`
	BaseBranch    string         `json:"base_branch"`
	CIProvider    string         `json:"ci_provider"`
	DefaultModels map[string]string `json:"default_models,omitempty"`
	Secrets       JSONMap        `json:"secrets,omitempty"`
	APIToken      string         `json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ProtocolRun is one attempt to drive a named protocol against a Project.
// protocol_name doubles as the git branch name.
type ProtocolRun struct {
	ID             int64          `json:"id"`
	ProjectID      int64          `json:"project_id"`
	ProtocolName   string         `json:"protocol_name"`
	Status         ProtocolStatus `json:"status"`
	BaseBranch     string         `json:"base_branch"`
	WorktreePath   string         `json:"worktree_path,omitempty"`
	ProtocolRoot   string         `json:"protocol_root,omitempty"`
	Description    string         `json:"description,omitempty"`
	TemplateConfig JSONMap        `json:"template_config,omitempty"`
	TemplateSource string         `json:"template_source,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// StepRun is one execution slot within a ProtocolRun, ordered by StepIndex.
type StepRun struct {
	ID             int64            `json:"id"`
	ProtocolRunID  int64            `json:"protocol_run_id"`
	StepIndex      int              `json:"step_index"`
	StepName       string           `json:"step_name"`
	StepType       StepType         `json:"step_type"`
	Status         StepStatus       `json:"status"`
	Retries        int              `json:"retries"`
	Model          string           `json:"model,omitempty"`
	EngineID       string           `json:"engine_id,omitempty"`
	Policy         []PolicyDescriptor `json:"policy,omitempty"`
	RuntimeState   JSONMap          `json:"runtime_state,omitempty"`
	Summary        string           `json:"summary,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Event is an append-only journal entry. Every state transition emits one;
// events are never rewritten or deleted (I7).
type Event struct {
	ID            int64     `json:"id"`
	ProtocolRunID int64     `json:"protocol_run_id"`
	StepRunID     *int64    `json:"step_run_id,omitempty"`
	EventType     string    `json:"event_type"`
	Message       string    `json:"message"`
	Metadata      JSONMap   `json:"metadata,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// JobStatus is the lifecycle status of a queued Job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobFinished   JobStatus = "finished"
	JobFailed     JobStatus = "failed"
)

// Job is a queue work item. Owned by the queue; deleted only by the worker
// after terminal disposition.
type Job struct {
	JobID       string    `json:"job_id"`
	JobType     string    `json:"job_type"`
	Payload     JSONMap   `json:"payload"`
	Status      JobStatus `json:"status"`
	Queue       string    `json:"queue"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NextRunAt   int64     `json:"next_run_at"`
	StartedAt   *int64    `json:"started_at,omitempty"`
	EndedAt     *int64    `json:"ended_at,omitempty"`
	Result      JSONMap   `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Known job types dispatched by the worker loop (C11).
const (
	JobTypePlanProtocol = "plan_protocol_job"
	JobTypeExecuteStep  = "execute_step_job"
	JobTypeRunQuality   = "run_quality_job"
	JobTypeOpenPR       = "open_pr_job"
)

// Well-known policy evaluation reasons (§4.6).
const (
	ReasonExecCompleted           = "exec_completed"
	ReasonExecFailed              = "exec_failed"
	ReasonQAPassed                = "qa_passed"
	ReasonQAFailed                = "qa_failed"
	ReasonQASkippedPolicy         = "qa_skipped_policy"
	ReasonCodemachineExecComplete = "codemachine_exec_completed"
)

// TemplateSourceCodemachine marks a ProtocolRun whose protocol_spec was
// materialised from a `.codemachine/` workspace (internal/spec.
// LoadFromCodeMachineConfig) rather than authored directly. The executor
// and QA gate consult it to switch to the alternate output-layout and
// QA-skip behaviour that style of run expects (§4.5 step 8, §4.8 step 1).
const TemplateSourceCodemachine = "codemachine"

// CodemachineAuxLabel is the default aux output label attached to a step's
// outputs when its run uses the alternate CodeMachine workspace layout.
const CodemachineAuxLabel = "codemachine"

// MaxInlineTriggerDepth bounds inline trigger fan-out recursion (§4.5 step 11,
// §8 quantified invariant).
const MaxInlineTriggerDepth = 3

// DefaultMaxAttempts is the default Job.MaxAttempts when unset.
const DefaultMaxAttempts = 3
