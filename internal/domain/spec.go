// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package domain

// ProtocolSpec is the declarative document embedded in a ProtocolRun's
// TemplateConfig under the "protocol_spec" key, describing steps and
// policies. Content-addressed by SHA-256 (see spechash.go).
type ProtocolSpec struct {
	Steps []StepSpec `json:"steps"`
}

// StepSpec is one entry in a ProtocolSpec. Name is the file name within
// protocol_root; ID is stable within the spec and is what trigger policies
// reference.
type StepSpec struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	EngineID  string          `json:"engine_id,omitempty"`
	Model     string          `json:"model,omitempty"`
	PromptRef string          `json:"prompt_ref,omitempty"`
	Outputs   *StepOutputs    `json:"outputs,omitempty"`
	QA        *StepQA         `json:"qa,omitempty"`
	Policies  []PolicyDescriptor `json:"policies,omitempty"`
}

// StepOutputs resolves where an engine's stdout (and any auxiliary
// artefacts) gets written. PreferWorkspace resolves the Open Question in
// spec.md §9: paths are validated against protocol_root unless this flag
// declares the step's outputs are workspace-relative instead.
type StepOutputs struct {
	Protocol        string            `json:"protocol,omitempty"`
	Aux             map[string]string `json:"aux,omitempty"`
	PreferWorkspace bool              `json:"prefer_workspace,omitempty"`
}

// StepQA configures the QA gate for a step. Policy "skip" bypasses QA
// entirely; absence of Policy defaults to "full".
type StepQA struct {
	Policy   string `json:"policy,omitempty"` // "skip" | "full"
	Model    string `json:"model,omitempty"`
	EngineID string `json:"engine_id,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

// PolicyBehavior discriminates the two PolicyDescriptor shapes.
type PolicyBehavior string

const (
	PolicyBehaviorLoop    PolicyBehavior = "loop"
	PolicyBehaviorTrigger PolicyBehavior = "trigger"
)

// PolicyLoopAction is the action a loop policy takes when it fires.
type PolicyLoopAction string

const (
	PolicyActionRetry    PolicyLoopAction = "retry"
	PolicyActionStepBack PolicyLoopAction = "step_back"
)

// PolicyDescriptor is one of the two policy shapes from spec.md §3:
//
//	{behavior: "loop", action, max_iterations, step_back?, skip_steps?, condition?}
//	{behavior: "trigger", trigger_agent_id, target_agent_id, condition?}
//
// Condition/Conditions are reserved (§9 Open Questions): a conforming
// implementation treats any non-null value as always-true and emits
// policy_condition_unevaluated rather than guessing semantics.
type PolicyDescriptor struct {
	Behavior PolicyBehavior `json:"behavior"`

	// loop fields
	Action        PolicyLoopAction `json:"action,omitempty"`
	MaxIterations int              `json:"max_iterations,omitempty"`
	StepBack      int              `json:"step_back,omitempty"`
	SkipSteps     []int            `json:"skip_steps,omitempty"`

	// trigger fields
	TriggerAgentID string `json:"trigger_agent_id,omitempty"`
	TargetAgentID  string `json:"target_agent_id,omitempty"`

	// reserved, never evaluated (§9)
	Condition  any `json:"condition,omitempty"`
	Conditions any `json:"conditions,omitempty"`
}

// HasCondition reports whether a reserved condition field is populated, for
// callers that need to decide whether to emit policy_condition_unevaluated.
func (p PolicyDescriptor) HasCondition() bool {
	return p.Condition != nil || p.Conditions != nil
}

// StepBackOrDefault returns StepBack, defaulting to 1 per §4.6.
func (p PolicyDescriptor) StepBackOrDefault() int {
	if p.StepBack <= 0 {
		return 1
	}
	return p.StepBack
}

// FindStep returns the step with the given id, if any.
func (s *ProtocolSpec) FindStep(id string) (*StepSpec, bool) {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i], true
		}
	}
	return nil, false
}

// FindStepByName returns the step with the given name, if any.
func (s *ProtocolSpec) FindStepByName(name string) (*StepSpec, bool) {
	for i := range s.Steps {
		if s.Steps[i].Name == name {
			return &s.Steps[i], true
		}
	}
	return nil, false
}

// IndexOf returns the position of the step with the given id within Steps,
// or -1 if absent.
func (s *ProtocolSpec) IndexOf(id string) int {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return i
		}
	}
	return -1
}
