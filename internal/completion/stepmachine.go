package completion

import (
	"fmt"

	"github.com/andywolf/stepflow-agent/internal/capability"
	"github.com/andywolf/stepflow-agent/internal/runerr"
	"github.com/andywolf/stepflow-agent/internal/stepflow"
	"github.com/andywolf/stepflow-agent/internal/summary"
)

// StepMachineHandler adapts a *stepflow.Machine to the Handler interface so
// AgentLoop can drive a declarative step-flow mission through the same
// Strategy surface as the simpler completion strategies.
// The adapter owns intent extraction and transition application; callers
// never reach into the wrapped Machine directly once adapted.
type StepMachineHandler struct {
	machine  *stepflow.Machine
	resolver capability.PromptResolver

	completedIterations int
	fatalErr            error
}

// NewStepMachineHandler constructs the adapter. resolver may be nil, in
// which case BuildContinuationPrompt always falls back to its inline
// description.
func NewStepMachineHandler(machine *stepflow.Machine, resolver capability.PromptResolver) *StepMachineHandler {
	return &StepMachineHandler{machine: machine, resolver: resolver}
}

func (h *StepMachineHandler) Type() string { return "stepMachine" }

func (h *StepMachineHandler) BuildInitialPrompt() string {
	step := h.machine.CurrentStep()
	vars := h.machine.StepContext().ToUV(nil)
	if h.resolver != nil {
		if text, err := h.resolver.Resolve(step.FallbackKey, vars); err == nil && text != "" {
			return text
		}
	}
	return fmt.Sprintf("Begin step %q (%s).", step.StepID, step.Name)
}

func (h *StepMachineHandler) BuildContinuationPrompt(iteration int, prev *summary.IterationSummary) string {
	h.completedIterations = iteration
	return h.machine.BuildContinuationPrompt(h.resolver, iteration, prev)
}

func (h *StepMachineHandler) BuildCompletionCriteria() Criteria {
	step := h.machine.CurrentStep()
	return Criteria{
		Short:    fmt.Sprintf("step %q reaches closure", step.StepID),
		Detailed: fmt.Sprintf("Completes when the step-flow registry drives step %q to a closure transition.", step.StepID),
	}
}

// IsComplete extracts the current step's intent (if the structured gate
// yields one) and applies the resulting transition before consulting the
// machine's terminal state, per the per-iteration boundary
// procedure: extract -> transition -> check. A *runerr.IntentMissing from
// ExtractIntent is latched into fatalErr rather than discarded: the
// structured gate failing to yield an intent on iteration > 1 must end the
// run with FAILED_STEP_ROUTING, not spin until an unrelated hard cap fires.
func (h *StepMachineHandler) IsComplete() bool {
	if h.machine.IsComplete() {
		return true
	}

	intent, err := h.machine.ExtractIntent(h.completedIterations)
	if err != nil {
		if missing, ok := err.(*runerr.IntentMissing); ok {
			h.fatalErr = missing
		}
		return h.machine.IsComplete()
	}
	if intent == "" {
		return h.machine.IsComplete()
	}

	step := h.machine.CurrentStep()
	_ = h.machine.TransitionByIntent(step.StepID, intent)
	return h.machine.IsComplete()
}

// FatalError reports a latched *runerr.IntentMissing from the most recent
// IsComplete call, satisfying the completion.Fatal optional capability.
func (h *StepMachineHandler) FatalError() error {
	return h.fatalErr
}

func (h *StepMachineHandler) GetCompletionDescription() string {
	return h.machine.State().CompletionReason
}

// CurrentStepID reports the step the wrapped machine currently sits at, so
// AgentLoop can populate a BoundaryPayload without reaching into the
// machine directly.
func (h *StepMachineHandler) CurrentStepID() string {
	return h.machine.CurrentStep().StepID
}

// ForceAdvance delegates to the wrapped machine's own escape hatch.
func (h *StepMachineHandler) ForceAdvance() error {
	return h.machine.ForceAdvance()
}

func (h *StepMachineHandler) SetCurrentSummary(s *summary.IterationSummary) {
	h.machine.SetCurrentSummary(s)
}

// OnBoundaryHook records the terminal structured output into the hand-off
// store under the closing step, so a composite sibling or an external
// observer can read back what the step-flow mission produced on its final
// traversal.
func (h *StepMachineHandler) OnBoundaryHook(payload BoundaryPayload) {
	if payload.StructuredOutput == nil {
		return
	}
	_ = h.machine.StepContext().Set(payload.StepID, payload.StructuredOutput)
}
