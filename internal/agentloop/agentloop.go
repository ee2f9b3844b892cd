// Package agentloop implements AgentLoop, the outer driver that owns the
// iteration variable: build a prompt, invoke the external QueryFn, capture
// the turn into an IterationSummary, ask the active CompletionHandler
// whether the run is complete, and emit the required log events. It never
// implements completion logic itself; that lives entirely behind the
// completion.Handler Strategy interface.
package agentloop

import (
	"context"
	"fmt"
	"strings"

	"github.com/andywolf/stepflow-agent/internal/capability"
	"github.com/andywolf/stepflow-agent/internal/cloud/gcp"
	"github.com/andywolf/stepflow-agent/internal/completion"
	"github.com/andywolf/stepflow-agent/internal/runerr"
	"github.com/andywolf/stepflow-agent/internal/runlog"
	"github.com/andywolf/stepflow-agent/internal/summary"
)

// HardIterationCap bounds every run independent of any handler's own
// maxIterations; reaching it always terminates with runerr.TagEmergencyStop.
const HardIterationCap = 100

// maxConsecutiveSchemaFailures is the number of consecutive
// runerr.SchemaResolutionFailure occurrences that terminate a run with
// runerr.TagSchemaResolution.
const maxConsecutiveSchemaFailures = 2

// Options configures a single AgentLoop run.
type Options struct {
	// Resume carries the previous run's session ID forward into the first
	// QueryFn invocation, if non-empty.
	Resume string

	// StatusUpdater optionally reports iteration progress to a GCP
	// instance's metadata, mirroring a hosted-VM status-polling
	// convention. Nil disables status reporting.
	StatusUpdater gcp.MetadataUpdater

	// CompletedTasks and PendingTasks are passed through verbatim to each
	// StatusUpdater.UpdateStatus call; AgentLoop has no notion of tasks
	// itself.
	CompletedTasks []string
	PendingTasks   []string
}

// Result is the outcome of a completed run.
type Result struct {
	Iterations  int
	FinalPrompt string
	LastSummary *summary.IterationSummary
}

// AgentLoop drives a single CompletionHandler (possibly a CompositeHandler
// wrapping a StepMachine-backed one) through repeated QueryFn turns until
// the handler reports completion, a hard limit is hit, or the stream fails.
type AgentLoop struct {
	query   capability.QueryFn
	handler completion.Handler
	logger  *runlog.Logger
}

// New constructs an AgentLoop. query and handler must be non-nil; logger
// may be a zero-value-safe *runlog.Logger constructed via runlog.New.
func New(query capability.QueryFn, handler completion.Handler, logger *runlog.Logger) *AgentLoop {
	return &AgentLoop{query: query, handler: handler, logger: logger}
}

// Run drives the loop to completion or a terminal failure. ctx cancellation
// is observed between iterations and signals the in-flight QueryFn via its
// own context plumbing; a partially accumulated summary for a cancelled
// iteration is never reported as complete.
func (l *AgentLoop) Run(ctx context.Context, opts Options) (*Result, error) {
	currentPrompt := l.handler.BuildInitialPrompt()
	previousSessionID := opts.Resume

	var (
		iterationCount            int
		lastSummary               *summary.IterationSummary
		consecutiveSchemaFailures int
		terminalStepID            string
		terminalStructuredOutput  map[string]interface{}
		reachedTerminalBoundary   bool
	)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		iteration := iterationCount + 1
		l.logger.IterationStart(iteration, map[string]interface{}{})

		sum := &summary.IterationSummary{Iteration: iteration}

		msgCh, errCh := l.query(ctx, currentPrompt, capability.QueryOptions{
			Resume:            previousSessionID != "",
			PreviousSessionID: previousSessionID,
		})

		streamErr := drainQuery(msgCh, errCh, sum)
		if streamErr != nil {
			wrapped := &runerr.QueryStreamError{Iteration: iteration, Cause: streamErr}
			l.logger.Fatal(wrapped, map[string]interface{}{"iteration": iteration})
			return nil, wrapped
		}

		iterationCount++
		if iterationCount >= HardIterationCap {
			if advanceable, ok := l.handler.(completion.ForceAdvanceable); ok {
				if err := advanceable.ForceAdvance(); err != nil {
					l.logger.Emit(runlog.LevelWarn, runlog.KindFatal, "force advance on hard cap failed", map[string]interface{}{"error": err.Error()})
				}
			}
			l.logger.Fatal(fmt.Errorf("hard iteration cap of %d reached", HardIterationCap), map[string]interface{}{"iteration": iterationCount})
			return nil, runerr.NewRunFailure(runerr.TagEmergencyStop, fmt.Sprintf("hard iteration cap of %d reached", HardIterationCap), nil)
		}

		if settable, ok := l.handler.(completion.IterationSettable); ok {
			settable.SetCurrentIteration(iterationCount)
		}

		l.handler.SetCurrentSummary(sum)

		if sum.Errors != nil && isSchemaResolutionFailure(sum.Errors) {
			consecutiveSchemaFailures++
			if consecutiveSchemaFailures >= maxConsecutiveSchemaFailures {
				l.logger.Fatal(fmt.Errorf("two consecutive schema resolution failures"), map[string]interface{}{"iteration": iterationCount})
				return nil, runerr.NewRunFailure(runerr.TagSchemaResolution, "two consecutive schema resolution failures", nil)
			}
		} else {
			consecutiveSchemaFailures = 0
		}

		complete := l.handler.IsComplete()

		if fatal, ok := l.handler.(completion.Fatal); ok {
			if fatalErr := fatal.FatalError(); fatalErr != nil {
				l.logger.Fatal(fatalErr, map[string]interface{}{"iteration": iterationCount})
				return nil, runerr.NewRunFailure(runerr.TagStepRouting, fatalErr.Error(), fatalErr)
			}
		}

		l.logger.CompletionDecision(complete, l.handler.GetCompletionDescription(), map[string]interface{}{"iteration": iterationCount})
		l.logger.IterationEnd(iterationCount, map[string]interface{}{"tokens": tokenMetadata(sum)})

		lastSummary = sum

		if opts.StatusUpdater != nil {
			_ = opts.StatusUpdater.UpdateStatus(ctx, gcp.SessionStatusMetadata{
				Iteration:      iterationCount,
				MaxIterations:  HardIterationCap,
				CompletedTasks: opts.CompletedTasks,
				PendingTasks:   opts.PendingTasks,
			})
		}

		if complete {
			if len(sum.StructuredOutput) > 0 {
				terminalStructuredOutput = sum.StructuredOutput
			}
			reachedTerminalBoundary = true
			break
		}

		currentPrompt = l.handler.BuildContinuationPrompt(iterationCount, sum)
		l.logger.PromptBuilt("continuation", map[string]interface{}{"iteration": iterationCount})
		previousSessionID = sum.SessionID
	}

	if reachedTerminalBoundary {
		if identifiable, ok := l.handler.(completion.StepIdentifiable); ok {
			terminalStepID = identifiable.CurrentStepID()
		}
		if hooked, ok := l.handler.(completion.BoundaryHooked); ok {
			l.logger.BoundaryHook("invoking boundary hook on terminal step", map[string]interface{}{"step_id": terminalStepID})
			hooked.OnBoundaryHook(completion.BoundaryPayload{
				StepID:           terminalStepID,
				StepKind:         "closure",
				StructuredOutput: terminalStructuredOutput,
			})
		}
	}

	return &Result{
		Iterations:  iterationCount,
		FinalPrompt: currentPrompt,
		LastSummary: lastSummary,
	}, nil
}

// drainQuery consumes msgCh and errCh until both close, folding each
// message into sum. The first error observed on errCh is returned; message
// processing continues for messages already in flight but stops enqueuing
// further summary mutations once an error has been captured, matching a
// "drain then report" streaming convention.
func drainQuery(msgCh <-chan capability.Message, errCh <-chan error, sum *summary.IterationSummary) error {
	var firstErr error

	for msgCh != nil || errCh != nil {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				msgCh = nil
				continue
			}
			applyMessage(sum, msg)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

func applyMessage(sum *summary.IterationSummary, msg capability.Message) {
	if msg.SessionID != "" {
		sum.SessionID = msg.SessionID
	}
	if msg.AssistantText != "" {
		sum.AddAssistantText(msg.AssistantText)
	}
	if msg.ToolUse != "" {
		sum.AddToolUse(msg.ToolUse)
	}
	if msg.ToolError != "" {
		sum.AddError(msg.ToolError)
	}
	if msg.StructuredOutput != nil {
		sum.StructuredOutput = msg.StructuredOutput
	}
}

// isSchemaResolutionFailure reports whether the most recently recorded
// error string on the iteration looks like a schema resolution failure,
// the only signal an IterationSummary's flat error strings preserve once a
// runerr.SchemaResolutionFailure has been formatted into text by an
// upstream StepMachine step.
func isSchemaResolutionFailure(errs []string) bool {
	if len(errs) == 0 {
		return false
	}
	last := errs[len(errs)-1]
	return containsSchemaMarker(last)
}

func containsSchemaMarker(s string) bool {
	return strings.Contains(s, "failed to resolve schema")
}

// tokenMetadata extracts the passthrough fields an IterationEnd event logs
// under metadata["tokens"]. Token accounting itself is out of scope; this
// only forwards whatever the summary's structured output already carries
// under a "tokens" key, if present.
func tokenMetadata(sum *summary.IterationSummary) interface{} {
	if sum == nil || sum.StructuredOutput == nil {
		return nil
	}
	return sum.StructuredOutput["tokens"]
}
