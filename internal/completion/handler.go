// Package completion implements the CompletionHandler Strategy hierarchy:
// the uniform interface every completion strategy satisfies, the concrete
// strategies (IterationBudget, KeywordSignal, StructuredSignal,
// CheckBudget, ExternalState, PhaseCompletion, Facilitator), and the
// CompositeHandler combinator. It is grounded on an evaluator/judge verdict
// machinery pattern generalized into a closed interface hierarchy rather
// than a reflective "dynamic strategy dispatch via string tags" approach.
package completion

import (
	"github.com/andywolf/stepflow-agent/internal/summary"
)

// Criteria is the human-readable completion-criteria pair every handler
// exposes for system-prompt injection and logging.
type Criteria struct {
	Short    string
	Detailed string
}

// Handler is the CompletionHandler Strategy interface. Every operation is
// total; construction is the only place a typed ConfigurationError may
// occur.
type Handler interface {
	Type() string
	BuildInitialPrompt() string
	BuildContinuationPrompt(iteration int, prev *summary.IterationSummary) string
	BuildCompletionCriteria() Criteria
	IsComplete() bool
	GetCompletionDescription() string
	SetCurrentSummary(prev *summary.IterationSummary)
}

// BoundaryPayload carries the terminal-step context into a handler's
// OnBoundaryHook.
type BoundaryPayload struct {
	StepID           string
	StepKind         string // always "closure"
	StructuredOutput map[string]interface{}
}

// BoundaryHooked is the optional capability a handler implements when it
// performs one-shot external mutations on entering a closure step. This
// replaces a reflective "does it have this method" check with a typed
// optional interface AgentLoop type-asserts for.
type BoundaryHooked interface {
	OnBoundaryHook(payload BoundaryPayload)
}

// IterationSettable is the optional capability budget-style handlers
// implement so AgentLoop can push the authoritative loop counter into them,
// distinct from CheckBudget-style handlers whose counter only advances via
// BuildContinuationPrompt.
type IterationSettable interface {
	SetCurrentIteration(n int)
}

// StepIdentifiable is the optional capability a handler implements when it
// tracks a current step ID, so AgentLoop can populate BoundaryPayload.StepID
// on the terminal call without knowing about steps itself.
type StepIdentifiable interface {
	CurrentStepID() string
}

// ForceAdvanceable is the optional capability a step-flow-backed handler
// implements to let a caller that hit its own hard iteration cap force the
// underlying machine to a well-defined terminal state instead of abandoning
// it mid-step.
type ForceAdvanceable interface {
	ForceAdvance() error
}

// Fatal is the optional capability a handler implements when it can detect
// a run-terminating condition that the bool-only IsComplete return can't
// express — a step-flow machine's structured gate yielding no usable
// intent, for instance. AgentLoop type-asserts for this immediately after
// calling IsComplete and, if it returns a non-nil error, ends the run with
// a tagged runerr.RunFailure instead of looping on a handler that can never
// legitimately complete.
type Fatal interface {
	FatalError() error
}
