// Package stepflow implements a declarative step state machine: a
// registry-driven set of StepDefinitions, the mutable StepState/StepContext
// a run evolves, the StepMachine that transitions between them, and the
// StructuredGate that extracts an intent and hand-off fields from a turn's
// structured output.
//
// The registry loader generalizes a viper/yaml + mapstructure config
// loading convention to also accept a JSON registry schema directly via
// encoding/json, since either representation must produce the same
// in-memory StepsRegistry.
package stepflow

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/andywolf/stepflow-agent/internal/routing"
	"gopkg.in/yaml.v3"
)

// ClosureTarget is the sentinel transition target meaning "terminal; invoke
// completion". "closure" is the sole canonical terminal target; registries
// using the alternate "complete" spelling are rejected at load time (see
// validate below) rather than silently aliased.
const ClosureTarget = "closure"

// rejectedClosureAlias is the alternate closure spelling rejected at load
// time rather than silently accepted.
const rejectedClosureAlias = "complete"

// CustomVariableSource enumerates where a StepDefinition.CustomVariables
// entry is sourced from.
type CustomVariableSource string

const (
	SourceStdin    CustomVariableSource = "stdin"
	SourceGitHub   CustomVariableSource = "github"
	SourceComputed CustomVariableSource = "computed"
	SourceParam    CustomVariableSource = "parameter"
	SourceContext  CustomVariableSource = "context"
)

// CustomVariable describes one step-local variable and where its value
// comes from.
type CustomVariable struct {
	Name     string               `json:"name" yaml:"name" mapstructure:"name"`
	Source   CustomVariableSource `json:"source" yaml:"source" mapstructure:"source"`
	Required bool                 `json:"required,omitempty" yaml:"required,omitempty" mapstructure:"required"`
}

// Transition names the step reached when a given intent fires.
type Transition struct {
	Target string `json:"target" yaml:"target" mapstructure:"target"`
}

// StructuredGateConfig is the step-local configuration for intent
// extraction.
type StructuredGateConfig struct {
	AllowedIntents  []string `json:"allowedIntents" yaml:"allowedIntents" mapstructure:"allowedIntents"`
	IntentField     string   `json:"intentField" yaml:"intentField" mapstructure:"intentField"`
	IntentSchemaRef string   `json:"intentSchemaRef,omitempty" yaml:"intentSchemaRef,omitempty" mapstructure:"intentSchemaRef"`
	FallbackIntent  string   `json:"fallbackIntent" yaml:"fallbackIntent" mapstructure:"fallbackIntent"`
	HandoffFields   []string `json:"handoffFields,omitempty" yaml:"handoffFields,omitempty" mapstructure:"handoffFields"`
}

// allows reports whether intent is one of the configured allowed intents.
func (g StructuredGateConfig) allows(intent string) bool {
	for _, i := range g.AllowedIntents {
		if i == intent {
			return true
		}
	}
	return false
}

// StepDefinition is a single labelled state in the machine.
type StepDefinition struct {
	StepID          string                    `json:"stepId" yaml:"stepId" mapstructure:"stepId"`
	Name            string                    `json:"name" yaml:"name" mapstructure:"name"`
	FallbackKey     string                    `json:"fallbackKey" yaml:"fallbackKey" mapstructure:"fallbackKey"`
	C2              string                    `json:"c2" yaml:"c2" mapstructure:"c2"`
	C3              string                    `json:"c3" yaml:"c3" mapstructure:"c3"`
	Edition         string                    `json:"edition" yaml:"edition" mapstructure:"edition"`
	Adaptation      string                    `json:"adaptation,omitempty" yaml:"adaptation,omitempty" mapstructure:"adaptation"`
	UsesStdin       bool                      `json:"usesStdin" yaml:"usesStdin" mapstructure:"usesStdin"`
	UVVariables     []string                  `json:"uvVariables,omitempty" yaml:"uvVariables,omitempty" mapstructure:"uvVariables"`
	CustomVariables []CustomVariable          `json:"customVariables,omitempty" yaml:"customVariables,omitempty" mapstructure:"customVariables"`
	StructuredGate  *StructuredGateConfig     `json:"structuredGate,omitempty" yaml:"structuredGate,omitempty" mapstructure:"structuredGate"`
	Transitions     map[string]Transition     `json:"transitions,omitempty" yaml:"transitions,omitempty" mapstructure:"transitions"`
	OutputSchemaRef string                    `json:"outputSchemaRef,omitempty" yaml:"outputSchemaRef,omitempty" mapstructure:"outputSchemaRef"`
	Model           *routing.ModelConfig      `json:"model,omitempty" yaml:"model,omitempty" mapstructure:"model"`
}

// IsTerminal reports whether any transition out of this step targets
// ClosureTarget.
func (s StepDefinition) IsTerminal() bool {
	for _, t := range s.Transitions {
		if t.Target == ClosureTarget {
			return true
		}
	}
	return false
}

// StepsRegistry is the loaded, immutable set of steps for a mission.
type StepsRegistry struct {
	AgentID            string                    `json:"agentId,omitempty" yaml:"agentId,omitempty"`
	Version            string                    `json:"version" yaml:"version"`
	PathTemplate        string                   `json:"pathTemplate,omitempty" yaml:"pathTemplate,omitempty"`
	SchemasBase        string                    `json:"schemasBase,omitempty" yaml:"schemasBase,omitempty"`
	UserPromptsBase     string                   `json:"userPromptsBase" yaml:"userPromptsBase"`
	EntryStep           string                   `json:"entryStep" yaml:"entryStep"`
	EntryStepMapping    map[string]string         `json:"entryStepMapping,omitempty" yaml:"entryStepMapping,omitempty"`
	Steps               map[string]StepDefinition `json:"steps" yaml:"steps"`
	CompletionPatterns  []string                  `json:"completionPatterns,omitempty" yaml:"completionPatterns,omitempty"`
	Validators          []string                  `json:"validators,omitempty" yaml:"validators,omitempty"`
}

// ResolveEntryStep returns the entry step for the given input mode, falling
// back to EntryStep when no per-mode mapping exists.
func (r *StepsRegistry) ResolveEntryStep(mode string) string {
	if r.EntryStepMapping != nil {
		if s, ok := r.EntryStepMapping[mode]; ok && s != "" {
			return s
		}
	}
	return r.EntryStep
}

// LoadRegistryJSON parses a steps registry from JSON bytes.
func LoadRegistryJSON(data []byte) (*StepsRegistry, error) {
	var reg StepsRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("stepflow: parse registry JSON: %w", err)
	}
	if err := validate(&reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// LoadRegistryYAML parses a steps registry from YAML bytes. YAML is a
// superset convenience on top of the documented JSON minimum schema;
// both decode into the same StepsRegistry.
func LoadRegistryYAML(data []byte) (*StepsRegistry, error) {
	var reg StepsRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("stepflow: parse registry YAML: %w", err)
	}
	if err := validate(&reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// LoadRegistryFile loads a registry from disk, dispatching on extension.
func LoadRegistryFile(path string) (*StepsRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("stepflow: read registry file %s: %w", path, err)
	}
	if isYAMLPath(path) {
		return LoadRegistryYAML(data)
	}
	return LoadRegistryJSON(data)
}

func isYAMLPath(path string) bool {
	n := len(path)
	return n >= 5 && (path[n-5:] == ".yaml") || (n >= 4 && path[n-4:] == ".yml")
}

// validate enforces the registry's structural invariants:
//   - entryStep (or an entryStepMapping value) must exist in steps.
//   - every non-terminal step declares structuredGate and transitions.
//   - every allowedIntent has a matching transition.
//   - every transition target exists in steps or equals ClosureTarget.
//   - the rejected closure alias is never used as a target.
func validate(r *StepsRegistry) error {
	if len(r.Steps) == 0 {
		return fmt.Errorf("stepflow: registry has no steps")
	}

	if r.EntryStep != "" {
		if _, ok := r.Steps[r.EntryStep]; !ok {
			return fmt.Errorf("stepflow: entryStep %q not found in steps", r.EntryStep)
		}
	} else if len(r.EntryStepMapping) == 0 {
		return fmt.Errorf("stepflow: registry must declare entryStep or entryStepMapping")
	} else {
		found := false
		for _, s := range r.EntryStepMapping {
			if _, ok := r.Steps[s]; ok {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("stepflow: no entryStepMapping value resolves to a known step")
		}
	}

	for id, step := range r.Steps {
		for intent, t := range step.Transitions {
			if t.Target == rejectedClosureAlias {
				return fmt.Errorf("stepflow: step %q transition %q uses rejected sentinel %q (use %q)", id, intent, rejectedClosureAlias, ClosureTarget)
			}
			if t.Target != ClosureTarget {
				if _, ok := r.Steps[t.Target]; !ok {
					return fmt.Errorf("stepflow: step %q transition %q targets unknown step %q", id, intent, t.Target)
				}
			}
		}

		if step.IsTerminal() {
			continue
		}

		if step.StructuredGate == nil {
			return fmt.Errorf("stepflow: non-terminal step %q missing structuredGate", id)
		}
		if len(step.Transitions) == 0 {
			return fmt.Errorf("stepflow: non-terminal step %q missing transitions", id)
		}
		for _, intent := range step.StructuredGate.AllowedIntents {
			if _, ok := step.Transitions[intent]; !ok {
				return fmt.Errorf("stepflow: step %q allowedIntent %q has no matching transition", id, intent)
			}
		}
		if step.StructuredGate.FallbackIntent != "" && !step.StructuredGate.allows(step.StructuredGate.FallbackIntent) {
			return fmt.Errorf("stepflow: step %q fallbackIntent %q is not in allowedIntents", id, step.StructuredGate.FallbackIntent)
		}
	}

	return nil
}
