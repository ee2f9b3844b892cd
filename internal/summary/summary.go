// Package summary defines the per-turn record a CompletionHandler consumes
// and the pure formatting used to carry it into the next prompt.
package summary

import (
	"fmt"
	"sort"
	"strings"
)

// IterationSummary is the immutable record of one completed agent turn.
// It mirrors the shape of a completed-turn result from an LLM coding
// agent, but strips adapter-specific fields (exit codes, container state)
// that belong to the out-of-scope LLM-client boundary.
type IterationSummary struct {
	Iteration          int                    `json:"iteration"`
	SessionID          string                 `json:"session_id,omitempty"`
	AssistantResponses []string               `json:"assistant_responses,omitempty"`
	ToolsUsed          []string               `json:"tools_used,omitempty"`
	Errors             []string               `json:"errors,omitempty"`
	StructuredOutput   map[string]interface{} `json:"structured_output,omitempty"`
	FinalResult        string                 `json:"final_result,omitempty"`
}

// AddAssistantText appends a non-empty text fragment.
func (s *IterationSummary) AddAssistantText(text string) {
	if text == "" {
		return
	}
	s.AssistantResponses = append(s.AssistantResponses, text)
}

// AddToolUse records a tool name, deduplicated.
func (s *IterationSummary) AddToolUse(name string) {
	if name == "" {
		return
	}
	for _, t := range s.ToolsUsed {
		if t == name {
			return
		}
	}
	s.ToolsUsed = append(s.ToolsUsed, name)
}

// AddError appends an observed tool/stream error.
func (s *IterationSummary) AddError(msg string) {
	if msg == "" {
		return
	}
	s.Errors = append(s.Errors, msg)
}

// ContainsKeyword reports whether any assistant response contains w as a
// case-sensitive substring. Used by the KeywordSignal strategy.
func (s *IterationSummary) ContainsKeyword(w string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.AssistantResponses {
		if strings.Contains(r, w) {
			return true
		}
	}
	return false
}

// JoinedText concatenates all assistant response fragments, separated by
// blank lines, for text-signal fallback extraction.
func (s *IterationSummary) JoinedText() string {
	if s == nil {
		return ""
	}
	return strings.Join(s.AssistantResponses, "\n\n")
}

// FormatHandoff renders the previous turn's summary as a Markdown block
// suitable for embedding in the next prompt, following an
// "append curated context, never silently drop it" convention.
func FormatHandoff(prev *IterationSummary) string {
	if prev == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Previous Iteration (%d)\n\n", prev.Iteration))

	if len(prev.AssistantResponses) > 0 {
		sb.WriteString("### Assistant Output\n\n")
		sb.WriteString(strings.Join(prev.AssistantResponses, "\n\n"))
		sb.WriteString("\n\n")
	}

	if len(prev.ToolsUsed) > 0 {
		tools := append([]string(nil), prev.ToolsUsed...)
		sort.Strings(tools)
		sb.WriteString(fmt.Sprintf("### Tools Used\n\n%s\n\n", strings.Join(tools, ", ")))
	}

	if len(prev.Errors) > 0 {
		sb.WriteString("### Errors\n\n")
		for _, e := range prev.Errors {
			sb.WriteString(fmt.Sprintf("- %s\n", e))
		}
		sb.WriteString("\n")
	}

	if prev.FinalResult != "" {
		sb.WriteString(fmt.Sprintf("### Final Result\n\n%s\n\n", prev.FinalResult))
	}

	return sb.String()
}
