package completion

import (
	"fmt"
	"reflect"

	"github.com/andywolf/stepflow-agent/internal/runerr"
	"github.com/andywolf/stepflow-agent/internal/summary"
)

// StructuredSignal completes when the latest turn's structured JSON output
// carries a recognized completion signal.
//
// This implementation takes the stricter
// reading: requiredFields (when configured) gate BOTH the primary
// signal/type match and the status-based fallback match, not just the
// fallback as the distilled source does.
type StructuredSignal struct {
	signalType     string
	requiredFields map[string]interface{}
	lastSummary    *summary.IterationSummary
}

// NewStructuredSignal constructs a StructuredSignal strategy. signalType is
// mandatory; requiredFields may be nil.
func NewStructuredSignal(signalType string, requiredFields map[string]interface{}) (*StructuredSignal, error) {
	if signalType == "" {
		return nil, runerr.NewConfigurationError("structuredSignal", "signalType must be non-empty")
	}
	return &StructuredSignal{signalType: signalType, requiredFields: requiredFields}, nil
}

func (h *StructuredSignal) Type() string { return "structuredSignal" }

func (h *StructuredSignal) BuildInitialPrompt() string {
	return fmt.Sprintf("Begin work. Emit a structured completion signal of type %q in your final JSON response when done.", h.signalType)
}

func (h *StructuredSignal) BuildContinuationPrompt(_ int, prev *summary.IterationSummary) string {
	return fmt.Sprintf("Continue. Emit structured signal %q when the task is complete.\n\n%s", h.signalType, summary.FormatHandoff(prev))
}

func (h *StructuredSignal) BuildCompletionCriteria() Criteria {
	return Criteria{
		Short:    fmt.Sprintf("structured signal %q", h.signalType),
		Detailed: fmt.Sprintf("Completes when structured output reports signal/type %q (or a completed status/result), matching required fields %v.", h.signalType, h.requiredFields),
	}
}

func (h *StructuredSignal) IsComplete() bool {
	if h.lastSummary == nil || h.lastSummary.StructuredOutput == nil {
		return false
	}
	so := h.lastSummary.StructuredOutput

	primary := fieldEquals(so, "signal", h.signalType) || fieldEquals(so, "type", h.signalType)
	fallback := fieldEquals(so, "status", "completed") || fieldEquals(so, "result", "complete")

	if !primary && !fallback {
		return false
	}

	return h.requiredFieldsMatch(so)
}

func (h *StructuredSignal) requiredFieldsMatch(so map[string]interface{}) bool {
	for k, want := range h.requiredFields {
		got, ok := so[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func (h *StructuredSignal) GetCompletionDescription() string {
	if h.IsComplete() {
		return fmt.Sprintf("structured signal %q received", h.signalType)
	}
	return fmt.Sprintf("waiting for structured signal %q", h.signalType)
}

func (h *StructuredSignal) SetCurrentSummary(s *summary.IterationSummary) {
	h.lastSummary = s
}

func fieldEquals(m map[string]interface{}, key string, want string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s == want
}
