// Package runlog implements the structured log event stream required of
// every AgentLoop run: iteration start/end, completion-decision,
// prompt-built, boundary-hook invocation, and fatal-error events, each
// emitted as both a human-readable log line and a structured Event fanned
// out to one or more Sinks. Generalized from a per-adapter agent event
// stream (unified event abstraction plus JSONL file sink and cloud logger)
// to the completion/step-flow core's own event kinds.
package runlog

import "time"

// Level is the severity of a log event.
type Level string

const (
	LevelInfo   Level = "info"
	LevelDebug  Level = "debug"
	LevelWarn   Level = "warn"
	LevelError  Level = "error"
	LevelResult Level = "result"
)

// Kind identifies which of the required event categories an Event records.
type Kind string

const (
	KindIterationStart   Kind = "iteration_start"
	KindIterationEnd     Kind = "iteration_end"
	KindCompletionDecide Kind = "completion_decision"
	KindPromptBuilt      Kind = "prompt_built"
	KindBoundaryHook     Kind = "boundary_hook"
	KindFatal            Kind = "fatal_error"
)

// Event is a single structured log entry emitted by an AgentLoop run.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"level"`
	Kind      Kind                   `json:"kind,omitempty"`
	Message   string                 `json:"message"`
	SessionID string                 `json:"session_id,omitempty"`
	Iteration int                    `json:"iteration,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ValidLevels returns every recognized Level value.
func ValidLevels() []Level {
	return []Level{LevelInfo, LevelDebug, LevelWarn, LevelError, LevelResult}
}

// IsValidLevel reports whether s names a recognized Level.
func IsValidLevel(s string) bool {
	for _, l := range ValidLevels() {
		if string(l) == s {
			return true
		}
	}
	return false
}
