package stepflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andywolf/stepflow-agent/internal/capability"
	"github.com/andywolf/stepflow-agent/internal/runerr"
	"github.com/andywolf/stepflow-agent/internal/summary"
)

// StepState is the mutable state a StepMachine owns for one run.
type StepState struct {
	CurrentStepID     string
	StepIteration     int
	TotalIterations   int
	RetryCount        int
	IsComplete        bool
	CompletionReason  string
}

// StepResult is the outcome of one completed step traversal, fed into
// GetNextStep/Transition: passed selects the "next" intent, !passed selects
// "repeat" — this is the non-structured-gate transition path used by
// callers that drive the machine from a simple pass/fail judgement rather
// than a full structured intent (the getNextStep contract).
type StepResult struct {
	StepID string
	Passed bool
}

// Machine is the registry-driven state machine driving a mission's steps.
type Machine struct {
	registry *StepsRegistry
	state    *StepState
	ctx      *StepContext
	lastSum  *summary.IterationSummary
}

// New creates a Machine positioned at the registry's entry step for the
// given input mode ("" selects the unconditional entryStep).
func New(registry *StepsRegistry, inputMode string) (*Machine, error) {
	entry := registry.ResolveEntryStep(inputMode)
	if entry == "" {
		return nil, runerr.NewConfigurationError("stepflow.Machine", "registry has no resolvable entry step")
	}
	if _, ok := registry.Steps[entry]; !ok {
		return nil, runerr.NewConfigurationError("stepflow.Machine", fmt.Sprintf("entry step %q not found", entry))
	}

	return &Machine{
		registry: registry,
		state:    &StepState{CurrentStepID: entry},
		ctx:      NewStepContext(),
	}, nil
}

// CurrentStep returns the StepDefinition the machine currently occupies.
func (m *Machine) CurrentStep() StepDefinition {
	return m.registry.Steps[m.state.CurrentStepID]
}

// State returns the machine's mutable state. Callers must not mutate the
// returned value's fields except through Machine methods.
func (m *Machine) State() *StepState {
	return m.state
}

// StepContext returns the append-only hand-off store.
func (m *Machine) StepContext() *StepContext {
	return m.ctx
}

// SetCurrentSummary records the latest turn's summary, consulted by
// IsComplete's structured-output fallback and by ExtractIntent. If the
// current step declares an outputSchemaRef, it is resolved against the
// registry's schemasBase and a failure is recorded onto s.Errors in the same
// text form runerr.SchemaResolutionFailure.Error() produces, so a caller
// counting consecutive occurrences across iterations (AgentLoop) observes a
// real failure instead of one manufactured for a test.
func (m *Machine) SetCurrentSummary(s *summary.IterationSummary) {
	m.lastSum = s
	if s == nil {
		return
	}
	if err := m.resolveOutputSchema(); err != nil {
		s.AddError(err.Error())
	}
}

// resolveOutputSchema dereferences the current step's outputSchemaRef
// against the registry's schemasBase, mirroring the prompt resolver's
// coordinate-addressed file lookup: a schema ref is read from disk and
// parsed as JSON, and either failure mode is wrapped as a
// runerr.SchemaResolutionFailure. A step with no outputSchemaRef always
// resolves successfully.
func (m *Machine) resolveOutputSchema() error {
	step := m.CurrentStep()
	if step.OutputSchemaRef == "" {
		return nil
	}
	if m.registry.SchemasBase == "" {
		return &runerr.SchemaResolutionFailure{
			SchemaRef: step.OutputSchemaRef,
			Cause:     fmt.Errorf("registry declares no schemasBase"),
		}
	}

	path := schemaPath(m.registry.SchemasBase, step.OutputSchemaRef)
	data, err := os.ReadFile(path)
	if err != nil {
		return &runerr.SchemaResolutionFailure{SchemaRef: step.OutputSchemaRef, Cause: err}
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return &runerr.SchemaResolutionFailure{SchemaRef: step.OutputSchemaRef, Cause: err}
	}
	return nil
}

// schemaPath renders an outputSchemaRef into a file path under base,
// stripping a "schema://" scheme the way intentSchemaRef values carry one,
// and defaulting to a .json extension for a bare schema name.
func schemaPath(base, ref string) string {
	name := strings.TrimPrefix(ref, "schema://")
	if filepath.Ext(name) == "" {
		name += ".json"
	}
	return filepath.Join(base, name)
}

// GetNextStep computes the target step for a pass/fail result without
// consulting the structured gate: passed selects "next", otherwise
// "repeat". Returns a ConfigurationError if the step declares no
// transitions or no matching intent.
func (m *Machine) GetNextStep(result StepResult) (target string, err error) {
	step, ok := m.registry.Steps[result.StepID]
	if !ok {
		return "", runerr.NewConfigurationError("stepflow.Machine", fmt.Sprintf("unknown step %q", result.StepID))
	}

	intent := "repeat"
	if result.Passed {
		intent = "next"
	}

	t, ok := step.Transitions[intent]
	if !ok {
		return "", runerr.NewConfigurationError("stepflow.Machine", fmt.Sprintf("step %q has no transition for intent %q", result.StepID, intent))
	}
	return t.Target, nil
}

// Transition applies the result of a step traversal, advancing, repeating,
// or closing the machine.
func (m *Machine) Transition(result StepResult) error {
	target, err := m.GetNextStep(result)
	if err != nil {
		return err
	}
	return m.applyTarget(result.StepID, target)
}

// TransitionByIntent drives the machine from an explicit intent string
// (rather than a pass/fail StepResult), the path StructuredGate-backed
// steps use.
func (m *Machine) TransitionByIntent(stepID, intent string) error {
	step, ok := m.registry.Steps[stepID]
	if !ok {
		return runerr.NewConfigurationError("stepflow.Machine", fmt.Sprintf("unknown step %q", stepID))
	}
	t, ok := step.Transitions[intent]
	if !ok {
		return runerr.NewConfigurationError("stepflow.Machine", fmt.Sprintf("step %q has no transition for intent %q", stepID, intent))
	}
	return m.applyTarget(stepID, t.Target)
}

func (m *Machine) applyTarget(fromStepID, target string) error {
	if target == ClosureTarget {
		m.state.IsComplete = true
		m.state.CompletionReason = fmt.Sprintf("step %q transitioned to closure", fromStepID)
		return nil
	}

	if target == m.state.CurrentStepID {
		m.state.RetryCount++
		return nil
	}

	m.ctx.Reset(target)
	m.state.CurrentStepID = target
	m.state.RetryCount = 0
	m.state.StepIteration = 0
	return nil
}

// ExtractIntent runs the current step's structured gate against the last
// recorded summary's structured output, records hand-off fields, and
// returns the resolved intent. It reports runerr.IntentMissing when the
// field is absent and completedIterations > 1.
func (m *Machine) ExtractIntent(completedIterations int) (string, error) {
	step := m.CurrentStep()
	if step.StructuredGate == nil {
		return "", runerr.NewConfigurationError("stepflow.Machine", fmt.Sprintf("step %q has no structuredGate", step.StepID))
	}

	var structured map[string]interface{}
	if m.lastSum != nil {
		structured = m.lastSum.StructuredOutput
	}

	result, missing := step.StructuredGate.Apply(structured)
	if missing && completedIterations > 1 {
		return "", &runerr.IntentMissing{StepID: step.StepID}
	}

	if len(result.Handoff) > 0 {
		// Best-effort: a step whose output was already recorded this
		// traversal keeps its first-recorded value (write-once store).
		_ = m.ctx.Set(step.StepID, result.Handoff)
	}

	return result.Intent, nil
}

// BuildContinuationPrompt resolves the prompt for the current step via
// resolver, falling back to an inline description on resolver failure. It
// also advances totalIterations/stepIteration bookkeeping.
func (m *Machine) BuildContinuationPrompt(resolver capability.PromptResolver, completedIterations int, prev *summary.IterationSummary) string {
	m.state.TotalIterations = completedIterations
	m.state.StepIteration++
	m.lastSum = prev

	step := m.CurrentStep()
	key := step.FallbackKey
	if m.state.StepIteration > 1 {
		key = strings.Replace(key, "initial", "continuation", 1)
	}

	vars := m.ctx.ToUV(uvMappingFor(step))
	if resolver != nil {
		if text, err := resolver.Resolve(key, vars); err == nil && text != "" {
			return text + summary.FormatHandoff(prev)
		}
	}

	return fmt.Sprintf("Continue step %q (%s), iteration %d.\n\n%s", step.StepID, step.Name, m.state.StepIteration, summary.FormatHandoff(prev))
}

// uvMappingFor derives a UV projection for a step's uvVariables: each
// declared variable name x is sourced from "<stepId>.x" in the hand-off
// store, matching toUV's intended usage pattern
// alongside structuredGate.handoffFields.
func uvMappingFor(step StepDefinition) map[string]UVMapping {
	mapping := make(map[string]UVMapping, len(step.UVVariables))
	for _, name := range step.UVVariables {
		mapping[name] = UVMapping{From: step.StepID + "." + name}
	}
	return mapping
}

// ForceAdvance drives the machine to closure regardless of the current
// step's structured gate or retry state: it follows the "next" transition
// if the step declares one, repeating until closure, and otherwise marks
// the machine complete directly. Used by a caller that hit its own hard
// iteration cap and needs the machine to reach a well-defined terminal
// state rather than being abandoned mid-step.
func (m *Machine) ForceAdvance() error {
	// Bounded by the registry size: a well-formed registry can traverse
	// every step's "next" edge at most once before reaching closure or a
	// step with no "next" transition.
	maxHops := len(m.registry.Steps) + 1

	for hop := 0; !m.state.IsComplete && hop < maxHops; hop++ {
		step := m.CurrentStep()
		t, ok := step.Transitions["next"]
		if !ok {
			m.state.IsComplete = true
			m.state.CompletionReason = fmt.Sprintf("forced advance: step %q has no next transition", step.StepID)
			return nil
		}
		if err := m.applyTarget(step.StepID, t.Target); err != nil {
			return err
		}
	}

	if !m.state.IsComplete {
		m.state.IsComplete = true
		m.state.CompletionReason = "forced advance: step chain did not reach closure within the registry's bounds"
	} else if m.state.CompletionReason == "" {
		m.state.CompletionReason = "forced advance reached closure"
	}
	return nil
}

// IsComplete is true once Transition has driven the machine to closure, or
// (idempotently) once the last recorded summary's structured output
// indicates completion via one of the conventional fields.
func (m *Machine) IsComplete() bool {
	if m.state.IsComplete {
		return true
	}

	if m.lastSum == nil || m.lastSum.StructuredOutput == nil {
		return false
	}

	so := m.lastSum.StructuredOutput
	if v, ok := so["status"]; ok {
		if s, ok := v.(string); ok && s == "completed" {
			m.state.IsComplete = true
			m.state.CompletionReason = "structured output status == completed"
			return true
		}
	}
	if v, ok := so["complete"]; ok {
		if b, ok := v.(bool); ok && b {
			m.state.IsComplete = true
			m.state.CompletionReason = "structured output complete == true"
			return true
		}
	}
	if action, ok := ResolveDottedPath(so, "next_action.action"); ok {
		if s, ok := action.(string); ok && s == "complete" {
			m.state.IsComplete = true
			m.state.CompletionReason = "next_action.action == complete"
			return true
		}
	}

	return false
}
