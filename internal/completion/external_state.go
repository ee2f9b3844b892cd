package completion

import (
	"context"
	"fmt"
	"time"

	"github.com/andywolf/stepflow-agent/internal/capability"
	"github.com/andywolf/stepflow-agent/internal/runerr"
	"github.com/andywolf/stepflow-agent/internal/summary"
)

// DefaultCheckInterval is the ExternalState strategy's default throttle
// window.
const DefaultCheckInterval = 60 * time.Second

// ExternalState completes once an external issue is observed closed. It
// throttles probes via checkInterval, caches the last observed
// IssueState, and collapses onBoundaryHook into the label/close mutation
// described by the boundary hook payload.
type ExternalState struct {
	issueNumber   int
	repo          string
	checkInterval time.Duration
	checker       capability.ExternalStateChecker
	ops           capability.IssueOps
	labels        BoundaryLabels

	cached       *capability.IssueState
	lastRefresh  time.Time
	now          func() time.Time
}

// BoundaryLabels is the github.labels.completion config controlling which
// labels to add/remove and whether closure also closes the issue.
type BoundaryLabels struct {
	Add                 []string
	Remove              []string
	DefaultClosureAction string // "label-only" skips the close call
}

// ExternalStateOption configures an ExternalState strategy.
type ExternalStateOption func(*ExternalState)

// WithCheckInterval overrides DefaultCheckInterval.
func WithCheckInterval(d time.Duration) ExternalStateOption {
	return func(h *ExternalState) { h.checkInterval = d }
}

// WithIssueOps attaches the boundary-hook mutation capability.
func WithIssueOps(ops capability.IssueOps, labels BoundaryLabels) ExternalStateOption {
	return func(h *ExternalState) {
		h.ops = ops
		h.labels = labels
	}
}

// WithNowFunc overrides the clock, for deterministic tests.
func WithNowFunc(now func() time.Time) ExternalStateOption {
	return func(h *ExternalState) { h.now = now }
}

// NewExternalState constructs the Issue completion strategy. issueNumber
// and checker are mandatory.
func NewExternalState(issueNumber int, repo string, checker capability.ExternalStateChecker, opts ...ExternalStateOption) (*ExternalState, error) {
	if issueNumber <= 0 {
		return nil, runerr.NewConfigurationError("externalState", "issueNumber must be positive")
	}
	if checker == nil {
		return nil, runerr.NewConfigurationError("externalState", "ExternalStateChecker is required")
	}
	h := &ExternalState{
		issueNumber:   issueNumber,
		repo:          repo,
		checkInterval: DefaultCheckInterval,
		checker:       checker,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *ExternalState) Type() string { return "externalState" }

func (h *ExternalState) BuildInitialPrompt() string {
	return fmt.Sprintf("Work on issue #%d until it is closed.", h.issueNumber)
}

func (h *ExternalState) BuildContinuationPrompt(_ int, prev *summary.IterationSummary) string {
	return fmt.Sprintf("Continue working on issue #%d.\n\n%s", h.issueNumber, summary.FormatHandoff(prev))
}

func (h *ExternalState) BuildCompletionCriteria() Criteria {
	return Criteria{
		Short:    fmt.Sprintf("issue #%d closed", h.issueNumber),
		Detailed: fmt.Sprintf("Completes when issue #%d in %s is observed closed (checked at most every %s).", h.issueNumber, h.repo, h.checkInterval),
	}
}

// refreshState probes the checker at most once per checkInterval. On probe
// failure the cache is left untouched.
func (h *ExternalState) refreshState(ctx context.Context) {
	if !h.lastRefresh.IsZero() && h.now().Sub(h.lastRefresh) < h.checkInterval {
		return
	}
	h.forceRefreshState(ctx)
}

// forceRefreshState ignores the interval and always probes.
func (h *ExternalState) forceRefreshState(ctx context.Context) {
	state, err := h.checker.CheckIssueState(ctx, h.repo, h.issueNumber)
	h.lastRefresh = h.now()
	if err != nil {
		return
	}
	h.cached = &state
}

// check is the pure query over cached state: {complete, reason}.
func (h *ExternalState) check() (complete bool, reason string) {
	if h.cached == nil {
		return false, "no cached issue state"
	}
	if h.cached.Closed {
		return true, fmt.Sprintf("issue #%d closed", h.issueNumber)
	}
	return false, fmt.Sprintf("issue #%d still open", h.issueNumber)
}

func (h *ExternalState) IsComplete() bool {
	h.refreshState(context.Background())
	complete, _ := h.check()
	return complete
}

// ForceRefreshAndCheck ignores the throttle and probes immediately; exposed
// for callers (e.g. PhaseCompletion's re-probe-on-empty-queue path) that
// need a guaranteed fresh read, protecting against
// stale cache" requirement.
func (h *ExternalState) ForceRefreshAndCheck(ctx context.Context) (complete bool, reason string) {
	h.forceRefreshState(ctx)
	return h.check()
}

func (h *ExternalState) GetCompletionDescription() string {
	_, reason := h.check()
	return reason
}

func (h *ExternalState) SetCurrentSummary(*summary.IterationSummary) {}

// OnBoundaryHook performs the terminal label/close mutations. Failures
// are absorbed: callers log them as warnings and never fail the run.
func (h *ExternalState) OnBoundaryHook(payload BoundaryPayload) {
	if h.ops == nil {
		return
	}
	ctx := context.Background()
	for _, label := range h.labels.Add {
		_ = h.ops.AddLabel(ctx, h.repo, h.issueNumber, label)
	}
	for _, label := range h.labels.Remove {
		_ = h.ops.RemoveLabel(ctx, h.repo, h.issueNumber, label)
	}
	if h.labels.DefaultClosureAction != "label-only" {
		_ = h.ops.CloseIssue(ctx, h.repo, h.issueNumber)
	}
}
