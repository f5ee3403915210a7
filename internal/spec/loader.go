// Copyright (C) 2026 Stepforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package spec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"

	"github.com/stepforge/stepforge/internal/domain"
)

// ConfigError is raised when CodeMachine-style config files are missing or
// malformed, mirroring the original loader's ConfigError.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// AgentConfig is one normalized entry from main.agents.json/sub.agents.json.
type AgentConfig struct {
	ID          string `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	PromptPath  string `mapstructure:"prompt_path"`
	MirrorPath  string `mapstructure:"mirror_path"`
	EngineID    string `mapstructure:"engine_id"`
	Model       string `mapstructure:"model"`
}

// ModulePolicyConfig is one normalized entry from modules.json, mirroring
// the original's ModulePolicy dataclass (behavior/action/max_iterations/
// step_back/skip_steps/trigger_agent_id/target_agent_id/condition).
type ModulePolicyConfig struct {
	ModuleID       string `mapstructure:"module_id"`
	Behavior       string `mapstructure:"behavior"`
	Action         string `mapstructure:"action"`
	MaxIterations  int    `mapstructure:"max_iterations"`
	StepBack       int    `mapstructure:"step_back"`
	SkipSteps      []int  `mapstructure:"skip_steps"`
	TriggerAgentID string `mapstructure:"trigger_agent_id"`
	TargetAgentID  string `mapstructure:"target_agent_id"`
	Condition      any    `mapstructure:"condition"`
	Conditions     any    `mapstructure:"conditions"`
}

// CodeMachineConfig is the normalized form of a `.codemachine/` workspace
// configuration: main/sub agents, module policies, placeholders, and the
// raw template document.
type CodeMachineConfig struct {
	MainAgents   []AgentConfig
	SubAgents    []AgentConfig
	Modules      []ModulePolicyConfig
	Placeholders map[string]any
	Template     map[string]any
}

// LoadFromCodeMachineConfig loads `<root>/.codemachine/config/*.json` (or
// `<root>/config/*.json` when no `.codemachine` subdirectory exists) plus
// `template.json`, normalizing each into typed structs. Unlike the original
// loader, config files here are plain JSON: the JS-literal wrapper syntax
// (`export default {...}`, `module.exports = {...}`) the original tolerates
// is a config authoring convenience that has no Go-idiomatic equivalent, so
// deployments author `.json` directly (documented as a dropped convenience,
// not a dropped feature — every field the JS configs could express survives).
func LoadFromCodeMachineConfig(root string) (*CodeMachineConfig, error) {
	workspace := root
	if info, err := os.Stat(filepath.Join(root, ".codemachine")); err == nil && info.IsDir() {
		workspace = filepath.Join(root, ".codemachine")
	}
	configDir := filepath.Join(workspace, "config")

	mainRaw, err := loadJSONFile(filepath.Join(configDir, "main.agents.json"))
	if err != nil {
		return nil, err
	}
	subRaw, err := loadJSONFile(filepath.Join(configDir, "sub.agents.json"))
	if err != nil {
		return nil, err
	}
	modulesRaw, err := loadJSONFile(filepath.Join(configDir, "modules.json"))
	if err != nil {
		return nil, err
	}
	placeholdersRaw, err := loadJSONFile(filepath.Join(configDir, "placeholders.json"))
	if err != nil {
		return nil, err
	}
	templateRaw, err := loadJSONFile(filepath.Join(workspace, "template.json"))
	if err != nil {
		return nil, err
	}

	mainAgents, err := normalizeAgents(mainRaw, "main")
	if err != nil {
		return nil, err
	}
	subAgents, err := normalizeAgents(subRaw, "sub")
	if err != nil {
		return nil, err
	}
	modules, err := normalizeModules(modulesRaw)
	if err != nil {
		return nil, err
	}

	placeholders, _ := placeholdersRaw.(map[string]any)
	template, _ := templateRaw.(map[string]any)

	return &CodeMachineConfig{
		MainAgents:   mainAgents,
		SubAgents:    subAgents,
		Modules:      modules,
		Placeholders: placeholders,
		Template:     template,
	}, nil
}

// ToProtocolSpec converts a loaded CodeMachine workspace into the domain
// ProtocolSpec shape the planner materialises StepRuns from. Main and sub
// agents become steps, in that order; a loop ModulePolicyConfig attaches to
// the step whose ID matches its TriggerAgentID (the step the loop guards),
// falling back to an exact ModuleID match when TriggerAgentID is absent —
// the original's module_id-to-agent binding is a naming convention, not a
// declared field, so this is the documented resolution (see DESIGN.md).
// Trigger policies attach to the step named by TriggerAgentID.
func (c *CodeMachineConfig) ToProtocolSpec() *domain.ProtocolSpec {
	agents := make([]AgentConfig, 0, len(c.MainAgents)+len(c.SubAgents))
	agents = append(agents, c.MainAgents...)
	agents = append(agents, c.SubAgents...)

	steps := make([]domain.StepSpec, 0, len(agents))
	for _, a := range agents {
		steps = append(steps, domain.StepSpec{
			ID:        a.ID,
			Name:      filepath.Base(a.PromptPath),
			EngineID:  a.EngineID,
			Model:     a.Model,
			PromptRef: a.PromptPath,
			Outputs: &domain.StepOutputs{
				Aux:             map[string]string{"codemachine": a.ID + ".codemachine.md"},
				PreferWorkspace: true,
			},
		})
	}
	out := &domain.ProtocolSpec{Steps: steps}

	for _, m := range c.Modules {
		owner := m.TriggerAgentID
		if owner == "" {
			owner = m.ModuleID
		}
		step, ok := out.FindStep(owner)
		if !ok {
			continue
		}
		switch domain.PolicyBehavior(m.Behavior) {
		case domain.PolicyBehaviorLoop:
			step.Policies = append(step.Policies, domain.PolicyDescriptor{
				Behavior:      domain.PolicyBehaviorLoop,
				Action:        domain.PolicyLoopAction(m.Action),
				MaxIterations: m.MaxIterations,
				StepBack:      m.StepBack,
				SkipSteps:     m.SkipSteps,
				Condition:     m.Condition,
				Conditions:    m.Conditions,
			})
		case domain.PolicyBehaviorTrigger:
			step.Policies = append(step.Policies, domain.PolicyDescriptor{
				Behavior:       domain.PolicyBehaviorTrigger,
				TriggerAgentID: m.TriggerAgentID,
				TargetAgentID:  m.TargetAgentID,
				Condition:      m.Condition,
				Conditions:     m.Conditions,
			})
		}
	}
	return out
}

func loadJSONFile(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, configErrorf("failed to read config file %s: %v", path, err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, configErrorf("unable to parse config content in %s: %v", path, err)
	}
	return v, nil
}

func normalizeAgents(raw any, kind string) ([]AgentConfig, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, configErrorf("%s agents config must be a list", kind)
	}
	out := make([]AgentConfig, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, configErrorf("%s agent entry must be an object", kind)
		}
		id := firstString(m, "id", "agentId")
		if id == "" {
			return nil, configErrorf("%s agent is missing an id", kind)
		}
		promptPath := firstString(m, "promptPath", "prompt", "path")
		if promptPath == "" {
			return nil, configErrorf("%s agent %s is missing promptPath", kind, id)
		}

		canonical := map[string]any{
			"id":          id,
			"name":        m["name"],
			"description": m["description"],
			"prompt_path": promptPath,
			"mirror_path": m["mirrorPath"],
			"engine_id":   m["engineId"],
			"model":       m["model"],
		}
		var agent AgentConfig
		if err := decode(canonical, &agent); err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, nil
}

func normalizeModules(raw any) ([]ModulePolicyConfig, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, configErrorf("modules config must be a list")
	}
	out := make([]ModulePolicyConfig, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, configErrorf("module entry must be an object")
		}
		behaviorBlock, _ := m["behavior"].(map[string]any)
		moduleID := firstString(m, "id", "module_id", "name")
		if moduleID == "" {
			moduleID = "(unknown)"
		}
		behavior := firstString(behaviorBlock, "type")
		if behavior == "" {
			behavior = firstString(m, "behavior")
		}
		if behavior == "" {
			behavior = "unknown"
		}

		canonical := map[string]any{
			"module_id":        moduleID,
			"behavior":         behavior,
			"action":           firstNonNil(behaviorBlock, "action", m, "action"),
			"max_iterations":   firstNonNil(behaviorBlock, "maxIterations", behaviorBlock, "max_iterations"),
			"step_back":        firstNonNil(behaviorBlock, "stepBack", behaviorBlock, "step_back"),
			"skip_steps":       firstSkipSteps(behaviorBlock),
			"trigger_agent_id": firstNonNil(behaviorBlock, "triggerAgentId", behaviorBlock, "trigger_agent_id"),
			"target_agent_id":  firstNonNil(behaviorBlock, "targetAgentId", m, "targetAgentId"),
			"condition":        firstNonNil(behaviorBlock, "condition", m, "condition"),
			"conditions":       firstNonNil(behaviorBlock, "conditions", m, "conditions"),
		}
		var policy ModulePolicyConfig
		if err := decode(canonical, &policy); err != nil {
			return nil, err
		}
		out = append(out, policy)
	}
	return out, nil
}

func firstSkipSteps(behaviorBlock map[string]any) []int {
	raw := firstNonNil(behaviorBlock, "skip", behaviorBlock, "skipSteps")
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(list))
	for _, v := range list {
		switch n := v.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		}
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func firstNonNil(mA map[string]any, keyA string, mB map[string]any, keyB string) any {
	if mA != nil {
		if v, ok := mA[keyA]; ok && v != nil {
			return v
		}
	}
	if mB != nil {
		if v, ok := mB[keyB]; ok && v != nil {
			return v
		}
	}
	return nil
}

func decode(input map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
