package completion

import (
	"errors"
	"testing"

	"github.com/andywolf/stepflow-agent/internal/runerr"
	"github.com/andywolf/stepflow-agent/internal/stepflow"
	"github.com/andywolf/stepflow-agent/internal/summary"
)

func twoStepRegistry(t *testing.T) *stepflow.StepsRegistry {
	t.Helper()
	reg, err := stepflow.LoadRegistryJSON([]byte(`{
		"version": "1",
		"entryStep": "initial.test",
		"userPromptsBase": "/prompts",
		"steps": {
			"initial.test": {
				"stepId": "initial.test",
				"name": "Initial",
				"c2": "a", "c3": "b", "edition": "v1",
				"fallbackKey": "initial.test",
				"structuredGate": {
					"allowedIntents": ["next", "repeat"],
					"intentField": "intent",
					"intentSchemaRef": "schema://intent",
					"fallbackIntent": "repeat"
				},
				"transitions": {
					"next": {"target": "continuation.test"},
					"repeat": {"target": "initial.test"}
				}
			},
			"continuation.test": {
				"stepId": "continuation.test",
				"name": "Continuation",
				"c2": "a", "c3": "b", "edition": "v1",
				"fallbackKey": "continuation.test",
				"structuredGate": {
					"allowedIntents": ["closing", "repeat"],
					"intentField": "intent",
					"intentSchemaRef": "schema://intent",
					"fallbackIntent": "repeat"
				},
				"transitions": {
					"closing": {"target": "closure"},
					"repeat": {"target": "continuation.test"}
				}
			}
		}
	}`))
	if err != nil {
		t.Fatalf("LoadRegistryJSON: %v", err)
	}
	return reg
}

func TestStepMachineHandlerDrivesToClosure(t *testing.T) {
	reg := twoStepRegistry(t)
	m, err := stepflow.New(reg, "")
	if err != nil {
		t.Fatalf("stepflow.New: %v", err)
	}
	h := NewStepMachineHandler(m, nil)

	h.SetCurrentSummary(&summary.IterationSummary{
		StructuredOutput: map[string]interface{}{"intent": "next"},
	})
	if h.IsComplete() {
		t.Fatal("expected not complete after moving to continuation step")
	}
	if m.CurrentStep().StepID != "continuation.test" {
		t.Fatalf("expected machine at continuation.test, got %s", m.CurrentStep().StepID)
	}

	h.SetCurrentSummary(&summary.IterationSummary{
		StructuredOutput: map[string]interface{}{"intent": "closing"},
	})
	if !h.IsComplete() {
		t.Fatal("expected complete once closing intent drives the machine to closure")
	}
}

func TestStepMachineHandlerBuildInitialPromptFallback(t *testing.T) {
	reg := twoStepRegistry(t)
	m, err := stepflow.New(reg, "")
	if err != nil {
		t.Fatalf("stepflow.New: %v", err)
	}
	h := NewStepMachineHandler(m, nil)
	prompt := h.BuildInitialPrompt()
	if prompt == "" {
		t.Fatal("expected a non-empty fallback prompt")
	}
}

func TestStepMachineHandlerOnBoundaryHookRecordsOutput(t *testing.T) {
	reg := twoStepRegistry(t)
	m, err := stepflow.New(reg, "")
	if err != nil {
		t.Fatalf("stepflow.New: %v", err)
	}
	h := NewStepMachineHandler(m, nil)

	h.OnBoundaryHook(BoundaryPayload{
		StepID:           "initial.test",
		StructuredOutput: map[string]interface{}{"result": "ok"},
	})

	v, ok := m.StepContext().Get("initial.test", "result")
	if !ok || v != "ok" {
		t.Fatalf("expected recorded boundary output, got %v ok=%v", v, ok)
	}
}

func TestStepMachineHandlerCurrentStepID(t *testing.T) {
	reg := twoStepRegistry(t)
	m, err := stepflow.New(reg, "")
	if err != nil {
		t.Fatalf("stepflow.New: %v", err)
	}
	h := NewStepMachineHandler(m, nil)

	if got := h.CurrentStepID(); got != "initial.test" {
		t.Fatalf("got %q, want initial.test", got)
	}
}

func TestStepMachineHandlerForceAdvance(t *testing.T) {
	reg := twoStepRegistry(t)
	m, err := stepflow.New(reg, "")
	if err != nil {
		t.Fatalf("stepflow.New: %v", err)
	}
	h := NewStepMachineHandler(m, nil)

	if err := h.ForceAdvance(); err != nil {
		t.Fatalf("force advance: %v", err)
	}
	if !h.IsComplete() {
		t.Fatal("expected handler complete after ForceAdvance")
	}
}

func TestStepMachineHandlerLatchesIntentMissingAsFatal(t *testing.T) {
	reg := twoStepRegistry(t)
	m, err := stepflow.New(reg, "")
	if err != nil {
		t.Fatalf("stepflow.New: %v", err)
	}
	h := NewStepMachineHandler(m, nil)

	// Past the first iteration, with no "intent" field in the structured
	// output, ExtractIntent must report IntentMissing rather than silently
	// falling back.
	h.BuildContinuationPrompt(2, nil)
	h.SetCurrentSummary(&summary.IterationSummary{StructuredOutput: map[string]interface{}{}})

	if h.IsComplete() {
		t.Fatal("expected not complete when intent extraction fails")
	}

	fatalErr := h.FatalError()
	if fatalErr == nil {
		t.Fatal("expected FatalError to report the latched IntentMissing")
	}
	var missing *runerr.IntentMissing
	if !errors.As(fatalErr, &missing) {
		t.Fatalf("expected *runerr.IntentMissing, got %T", fatalErr)
	}
}
