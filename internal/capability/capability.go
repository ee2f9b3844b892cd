// Package capability collects the small, externally-supplied interfaces the
// completion/step-flow core depends on but never implements itself: the
// LLM query boundary, the external-resource probe, the prompt-resolution
// query, and the boundary-hook mutation ops. Concrete implementations live
// in internal/ghapp (ExternalStateChecker, IssueOps, ProjectProber) and
// internal/prompt (PromptResolver); the core only ever sees these
// interfaces, matching a small-capability-struct injection pattern (fetcher
// and logger interfaces passed into a controller rather than imported as
// concrete types).
package capability

import (
	"context"
	"time"
)

// IssueState is the cached view of an external issue the ExternalState
// completion strategy reasons over.
type IssueState struct {
	Number      int
	Closed      bool
	Title       string
	State       string
	Labels      []string
	LastChecked time.Time
}

// ExternalStateChecker probes a single external issue's state. Every
// implementation MUST be safe to invoke concurrently with other handlers'
// checkers and MUST bound its own wait internally; on timeout it should
// return a conservative "not closed" state rather than blocking the loop
// indefinitely.
type ExternalStateChecker interface {
	CheckIssueState(ctx context.Context, repo string, number int) (IssueState, error)
}

// IssueOps performs the boundary-hook side effects of a terminal step.
// Every operation is best-effort from the caller's perspective: failures
// are wrapped as runerr.BoundaryHookFailure by the caller and logged, never
// propagated as fatal.
type IssueOps interface {
	AddLabel(ctx context.Context, repo string, number int, label string) error
	RemoveLabel(ctx context.Context, repo string, number int, label string) error
	CloseIssue(ctx context.Context, repo string, number int) error
}

// ProjectItem is one open item returned by a ProjectProber.
type ProjectItem struct {
	IssueNumber int
	Title       string
	Labels      []string
}

// ProjectProber lists the open items of a GitHub Project, used by the
// PhaseCompletion (Project) strategy's processing-phase queue.
type ProjectProber interface {
	ListOpenItems(ctx context.Context, owner, project string, labelFilter string, includeCompleted bool) ([]ProjectItem, error)
}

// PromptResolver is the pure query capability C2: stepKey + variables in,
// prompt text out. Implementations may read through a filesystem-backed
// C3L layout (internal/prompt) or any other store; the core never opens
// files directly.
type PromptResolver interface {
	Resolve(stepKey string, variables map[string]string) (string, error)
}

// Message is one streamed unit from a QueryFn invocation. Exactly one of
// the typed fields is populated, a tagged-union pattern generalized here
// to the LLM-client boundary itself.
type Message struct {
	SessionID        string
	AssistantText    string
	ToolUse          string
	ToolError        string
	StructuredOutput map[string]interface{}
}

// QueryOptions configures a single QueryFn invocation.
type QueryOptions struct {
	Resume           bool
	PreviousSessionID string
}

// QueryFn is the external LLM client boundary: given a prompt and options,
// it streams Messages until the turn completes or ctx is cancelled.
type QueryFn func(ctx context.Context, prompt string, opts QueryOptions) (<-chan Message, <-chan error)
