package summary

import (
	"strings"
	"testing"
)

func TestContainsKeyword(t *testing.T) {
	s := &IterationSummary{AssistantResponses: []string{"Work completed. FINISHED"}}
	if !s.ContainsKeyword("FINISHED") {
		t.Fatal("expected keyword match")
	}
	if s.ContainsKeyword("finished") {
		t.Fatal("match must be case-sensitive")
	}

	var nilSummary *IterationSummary
	if nilSummary.ContainsKeyword("anything") {
		t.Fatal("nil summary must never match")
	}
}

func TestAddToolUseDeduplicates(t *testing.T) {
	s := &IterationSummary{}
	s.AddToolUse("bash")
	s.AddToolUse("bash")
	s.AddToolUse("edit")
	if len(s.ToolsUsed) != 2 {
		t.Fatalf("expected 2 deduplicated tools, got %d: %v", len(s.ToolsUsed), s.ToolsUsed)
	}
}

func TestFormatHandoffNilIsEmpty(t *testing.T) {
	if got := FormatHandoff(nil); got != "" {
		t.Fatalf("expected empty string for nil prev, got %q", got)
	}
}

func TestFormatHandoffIncludesSections(t *testing.T) {
	prev := &IterationSummary{
		Iteration:          3,
		AssistantResponses: []string{"did the thing"},
		ToolsUsed:          []string{"bash", "edit"},
		Errors:             []string{"compile failed"},
		FinalResult:        "done",
	}
	out := FormatHandoff(prev)
	for _, want := range []string{"Iteration (3)", "did the thing", "bash, edit", "compile failed", "done"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}
