package agentloop

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/andywolf/stepflow-agent/internal/capability"
	"github.com/andywolf/stepflow-agent/internal/completion"
	"github.com/andywolf/stepflow-agent/internal/runerr"
	"github.com/andywolf/stepflow-agent/internal/runlog"
	"github.com/andywolf/stepflow-agent/internal/stepflow"
	"github.com/andywolf/stepflow-agent/internal/summary"
)

// fakeHandler is a hand-rolled completion.Handler test double that
// completes after a configured number of IsComplete calls.
type fakeHandler struct {
	completeAfter int
	calls         int
	lastSummary   *summary.IterationSummary
	setIterations []int
	boundaryHooks []completion.BoundaryPayload
	currentStep   string
}

func (h *fakeHandler) Type() string             { return "fake" }
func (h *fakeHandler) BuildInitialPrompt() string { return "initial prompt" }
func (h *fakeHandler) BuildContinuationPrompt(iteration int, prev *summary.IterationSummary) string {
	return "continuation prompt"
}
func (h *fakeHandler) BuildCompletionCriteria() completion.Criteria {
	return completion.Criteria{Short: "fake", Detailed: "fake handler"}
}
func (h *fakeHandler) IsComplete() bool {
	h.calls++
	return h.calls >= h.completeAfter
}
func (h *fakeHandler) GetCompletionDescription() string { return "fake complete" }
func (h *fakeHandler) SetCurrentSummary(prev *summary.IterationSummary) {
	h.lastSummary = prev
}
func (h *fakeHandler) SetCurrentIteration(n int) {
	h.setIterations = append(h.setIterations, n)
}
func (h *fakeHandler) OnBoundaryHook(payload completion.BoundaryPayload) {
	h.boundaryHooks = append(h.boundaryHooks, payload)
}
func (h *fakeHandler) CurrentStepID() string { return h.currentStep }

func newTestLogger() *runlog.Logger {
	return runlog.New(log.New(logDiscard{}, "", 0), "test-session")
}

type logDiscard struct{}

func (logDiscard) Write(p []byte) (int, error) { return len(p), nil }

func okQueryFn(messages ...capability.Message) capability.QueryFn {
	return func(ctx context.Context, prompt string, opts capability.QueryOptions) (<-chan capability.Message, <-chan error) {
		msgCh := make(chan capability.Message, len(messages))
		errCh := make(chan error, 1)
		for _, m := range messages {
			msgCh <- m
		}
		close(msgCh)
		close(errCh)
		return msgCh, errCh
	}
}

func failingQueryFn(err error) capability.QueryFn {
	return func(ctx context.Context, prompt string, opts capability.QueryOptions) (<-chan capability.Message, <-chan error) {
		msgCh := make(chan capability.Message)
		errCh := make(chan error, 1)
		close(msgCh)
		errCh <- err
		close(errCh)
		return msgCh, errCh
	}
}

func TestAgentLoopCompletesAfterConfiguredIterations(t *testing.T) {
	handler := &fakeHandler{completeAfter: 3, currentStep: "closure.step"}
	query := okQueryFn(capability.Message{SessionID: "sess-1", AssistantText: "did some work"})

	loop := New(query, handler, newTestLogger())
	result, err := loop.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Iterations != 3 {
		t.Errorf("got %d iterations, want 3", result.Iterations)
	}
	if len(handler.setIterations) != 3 {
		t.Errorf("got %d SetCurrentIteration calls, want 3", len(handler.setIterations))
	}
	if len(handler.boundaryHooks) != 1 {
		t.Fatalf("got %d boundary hook calls, want 1", len(handler.boundaryHooks))
	}
	if handler.boundaryHooks[0].StepID != "closure.step" {
		t.Errorf("got boundary StepID %q, want %q", handler.boundaryHooks[0].StepID, "closure.step")
	}
	if handler.boundaryHooks[0].StepKind != "closure" {
		t.Errorf("got boundary StepKind %q, want closure", handler.boundaryHooks[0].StepKind)
	}
}

func TestAgentLoopAccumulatesSummaryFromMessages(t *testing.T) {
	handler := &fakeHandler{completeAfter: 1}
	query := okQueryFn(
		capability.Message{SessionID: "sess-1", AssistantText: "hello"},
		capability.Message{ToolUse: "bash"},
		capability.Message{ToolUse: "bash"},
		capability.Message{ToolError: "boom"},
		capability.Message{StructuredOutput: map[string]interface{}{"done": true}},
	)

	loop := New(query, handler, newTestLogger())
	if _, err := loop.Run(context.Background(), Options{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sum := handler.lastSummary
	if sum == nil {
		t.Fatal("expected a summary to have been set")
	}
	if sum.SessionID != "sess-1" {
		t.Errorf("got session id %q", sum.SessionID)
	}
	if len(sum.AssistantResponses) != 1 || sum.AssistantResponses[0] != "hello" {
		t.Errorf("got assistant responses %v", sum.AssistantResponses)
	}
	if len(sum.ToolsUsed) != 1 {
		t.Errorf("expected deduplicated tool use, got %v", sum.ToolsUsed)
	}
	if len(sum.Errors) != 1 || sum.Errors[0] != "boom" {
		t.Errorf("got errors %v", sum.Errors)
	}
	if sum.StructuredOutput["done"] != true {
		t.Errorf("got structured output %v", sum.StructuredOutput)
	}
}

func TestAgentLoopPropagatesStreamError(t *testing.T) {
	handler := &fakeHandler{completeAfter: 5}
	query := failingQueryFn(errors.New("connection reset"))

	loop := New(query, handler, newTestLogger())
	_, err := loop.Run(context.Background(), Options{})
	if err == nil {
		t.Fatal("expected an error")
	}
	var streamErr *runerr.QueryStreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("got error %v (%T), want *runerr.QueryStreamError", err, err)
	}
}

func TestAgentLoopHitsHardIterationCap(t *testing.T) {
	handler := &fakeHandler{completeAfter: HardIterationCap + 50}
	query := okQueryFn(capability.Message{AssistantText: "still working"})

	loop := New(query, handler, newTestLogger())
	_, err := loop.Run(context.Background(), Options{})
	if err == nil {
		t.Fatal("expected a hard cap failure")
	}
	var runFailure *runerr.RunFailure
	if !errors.As(err, &runFailure) {
		t.Fatalf("got error %v (%T), want *runerr.RunFailure", err, err)
	}
	if runFailure.Tag != runerr.TagEmergencyStop {
		t.Errorf("got tag %q, want %q", runFailure.Tag, runerr.TagEmergencyStop)
	}
}

func TestAgentLoopTerminatesOnTwoConsecutiveSchemaFailures(t *testing.T) {
	handler := &fakeHandler{completeAfter: 100}
	query := okQueryFn(capability.Message{ToolError: "failed to resolve schema \"foo\": not found"})

	loop := New(query, handler, newTestLogger())
	_, err := loop.Run(context.Background(), Options{})
	if err == nil {
		t.Fatal("expected a schema resolution failure")
	}
	var runFailure *runerr.RunFailure
	if !errors.As(err, &runFailure) {
		t.Fatalf("got error %v (%T), want *runerr.RunFailure", err, err)
	}
	if runFailure.Tag != runerr.TagSchemaResolution {
		t.Errorf("got tag %q, want %q", runFailure.Tag, runerr.TagSchemaResolution)
	}
}

// TestAgentLoopTerminatesOnRealSchemaResolutionFailure drives a
// StepMachineHandler (rather than a fake) whose current step declares an
// outputSchemaRef that genuinely cannot be read from schemasBase, proving
// the schema fail-fast path fires on a failure stepflow itself produces,
// not just on a manufactured ToolError string.
func TestAgentLoopTerminatesOnRealSchemaResolutionFailure(t *testing.T) {
	schemasDir := t.TempDir()
	registryJSON := []byte(`{
		"version": "1",
		"entryStep": "only",
		"userPromptsBase": "/prompts",
		"schemasBase": "` + filepath.ToSlash(schemasDir) + `",
		"steps": {
			"only": {
				"stepId": "only",
				"name": "Only",
				"c2": "a", "c3": "b", "edition": "v1",
				"fallbackKey": "only",
				"outputSchemaRef": "schema://missing",
				"transitions": {"next": {"target": "closure"}}
			}
		}
	}`)

	reg, err := stepflow.LoadRegistryJSON(registryJSON)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	machine, err := stepflow.New(reg, "")
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	handler := completion.NewStepMachineHandler(machine, nil)

	query := okQueryFn(capability.Message{AssistantText: "working"})
	loop := New(query, handler, newTestLogger())

	_, err = loop.Run(context.Background(), Options{})
	if err == nil {
		t.Fatal("expected a schema resolution failure")
	}
	var runFailure *runerr.RunFailure
	if !errors.As(err, &runFailure) {
		t.Fatalf("got error %v (%T), want *runerr.RunFailure", err, err)
	}
	if runFailure.Tag != runerr.TagSchemaResolution {
		t.Errorf("got tag %q, want %q", runFailure.Tag, runerr.TagSchemaResolution)
	}
}

func TestAgentLoopResetsSchemaFailureCounterOnRecovery(t *testing.T) {
	handler := &fakeHandler{completeAfter: 3}

	calls := 0
	query := func(ctx context.Context, prompt string, opts capability.QueryOptions) (<-chan capability.Message, <-chan error) {
		calls++
		msgCh := make(chan capability.Message, 1)
		errCh := make(chan error, 1)
		if calls == 1 {
			msgCh <- capability.Message{ToolError: "failed to resolve schema \"foo\": not found"}
		} else {
			msgCh <- capability.Message{AssistantText: "recovered"}
		}
		close(msgCh)
		close(errCh)
		return msgCh, errCh
	}

	loop := New(query, handler, newTestLogger())
	result, err := loop.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Iterations != 3 {
		t.Errorf("got %d iterations, want 3", result.Iterations)
	}
}
