package completion

import (
	"fmt"

	"github.com/andywolf/stepflow-agent/internal/runerr"
	"github.com/andywolf/stepflow-agent/internal/summary"
)

// KeywordSignal completes when the latest turn's assistant text contains a
// configured keyword as a case-sensitive substring.
type KeywordSignal struct {
	completionKeyword string
	lastSummary       *summary.IterationSummary
}

// NewKeywordSignal constructs a KeywordSignal strategy. keyword must be
// non-empty.
func NewKeywordSignal(keyword string) (*KeywordSignal, error) {
	if keyword == "" {
		return nil, runerr.NewConfigurationError("keywordSignal", "completionKeyword must be non-empty")
	}
	return &KeywordSignal{completionKeyword: keyword}, nil
}

func (h *KeywordSignal) Type() string { return "keywordSignal" }

func (h *KeywordSignal) BuildInitialPrompt() string {
	return fmt.Sprintf("Begin work. When finished, include the word %q in your response.", h.completionKeyword)
}

func (h *KeywordSignal) BuildContinuationPrompt(_ int, prev *summary.IterationSummary) string {
	return fmt.Sprintf("Continue. Include %q in your response once the task is done.\n\n%s", h.completionKeyword, summary.FormatHandoff(prev))
}

func (h *KeywordSignal) BuildCompletionCriteria() Criteria {
	return Criteria{
		Short:    fmt.Sprintf("keyword %q", h.completionKeyword),
		Detailed: fmt.Sprintf("Completes when the assistant's response contains the substring %q.", h.completionKeyword),
	}
}

func (h *KeywordSignal) IsComplete() bool {
	return h.lastSummary.ContainsKeyword(h.completionKeyword)
}

func (h *KeywordSignal) GetCompletionDescription() string {
	if h.IsComplete() {
		return fmt.Sprintf("keyword %q found", h.completionKeyword)
	}
	return fmt.Sprintf("waiting for keyword %q", h.completionKeyword)
}

func (h *KeywordSignal) SetCurrentSummary(s *summary.IterationSummary) {
	h.lastSummary = s
}
