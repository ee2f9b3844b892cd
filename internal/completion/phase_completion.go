package completion

import (
	"context"
	"fmt"

	"github.com/andywolf/stepflow-agent/internal/capability"
	"github.com/andywolf/stepflow-agent/internal/runerr"
	"github.com/andywolf/stepflow-agent/internal/summary"
)

// ProjectPhase is one state of the PhaseCompletion FSM.
type ProjectPhase string

const (
	PhasePreparation ProjectPhase = "preparation"
	PhaseProcessing  ProjectPhase = "processing"
	PhaseReview      ProjectPhase = "review"
	PhaseAgain       ProjectPhase = "again"
	PhaseDone        ProjectPhase = "complete"
)

// ReviewResult is the verdict recorded by SetReviewResult, consulted the
// next time AdvancePhase leaves PhaseReview.
type ReviewResult string

const (
	ReviewResultNone ReviewResult = ""
	ReviewResultPass ReviewResult = "pass"
	ReviewResultFail ReviewResult = "fail"
)

// PhaseCompletion drives a GitHub Project queue through
// preparation -> processing -> review -> (again | complete). Processing
// dequeues one ProjectItem at a time, probing each currentIssue via
// ExternalStateChecker as isComplete() is polled; an empty queue forces a
// re-probe (ProjectProber.ListOpenItems with includeCompleted=false) before
// processing is considered drained, guarding against a stale cache masking
// newly filed items. Leaving processing, and leaving review, both require
// an explicit AdvancePhase call — the FSM never advances itself just
// because the queue emptied.
type PhaseCompletion struct {
	owner       string
	project     string
	labelFilter string
	repo        string
	prober      capability.ProjectProber
	checker     capability.ExternalStateChecker

	phase        ProjectPhase
	plan         string
	queue        []capability.ProjectItem
	currentIssue *capability.ProjectItem

	completedIssueNumbers map[int]bool
	issuesCompleted       int
	reviewResult          ReviewResult

	lastSummary *summary.IterationSummary
}

// NewPhaseCompletion constructs the Project completion strategy. owner,
// project, prober and checker are mandatory; labelFilter and repo may be
// empty (repo defaults to owner when unset, matching a GitHub Project
// scoped to its own repository).
func NewPhaseCompletion(owner, project, labelFilter, repo string, checker capability.ExternalStateChecker, prober capability.ProjectProber) (*PhaseCompletion, error) {
	if owner == "" || project == "" {
		return nil, runerr.NewConfigurationError("phaseCompletion", "owner and project must be non-empty")
	}
	if prober == nil {
		return nil, runerr.NewConfigurationError("phaseCompletion", "ProjectProber is required")
	}
	if checker == nil {
		return nil, runerr.NewConfigurationError("phaseCompletion", "ExternalStateChecker is required")
	}
	if repo == "" {
		repo = owner
	}
	return &PhaseCompletion{
		owner:                 owner,
		project:               project,
		labelFilter:           labelFilter,
		repo:                  repo,
		prober:                prober,
		checker:               checker,
		phase:                 PhasePreparation,
		completedIssueNumbers: make(map[int]bool),
	}, nil
}

func (h *PhaseCompletion) Type() string { return "phaseCompletion" }

func (h *PhaseCompletion) BuildInitialPrompt() string {
	return fmt.Sprintf("Survey project %s/%s and prepare to process its open items.", h.owner, h.project)
}

func (h *PhaseCompletion) BuildContinuationPrompt(_ int, prev *summary.IterationSummary) string {
	switch h.phase {
	case PhasePreparation:
		return fmt.Sprintf("Preparation: list and triage the items in %s/%s before starting work.\n\n%s", h.owner, h.project, summary.FormatHandoff(prev))
	case PhaseProcessing:
		item := h.currentIssue
		if item == nil {
			return fmt.Sprintf("Processing: no item currently dequeued.\n\n%s", summary.FormatHandoff(prev))
		}
		return fmt.Sprintf("Processing item #%d (%s).\n\n%s", item.IssueNumber, item.Title, summary.FormatHandoff(prev))
	case PhaseReview:
		return fmt.Sprintf("Review: report a review_result of \"pass\" or \"fail\" for the work processed so far in %s/%s.\n\n%s", h.owner, h.project, summary.FormatHandoff(prev))
	case PhaseAgain:
		return fmt.Sprintf("Review did not pass. Address the review feedback and return to review.\n\n%s", summary.FormatHandoff(prev))
	default:
		return summary.FormatHandoff(prev)
	}
}

func (h *PhaseCompletion) BuildCompletionCriteria() Criteria {
	return Criteria{
		Short:    fmt.Sprintf("project %s/%s drained and reviewed", h.project, h.owner),
		Detailed: fmt.Sprintf("Completes when project %s/%s has had every item closed, confirmed by a passing review, currently in phase %q (%d issues completed).", h.owner, h.project, h.phase, h.issuesCompleted),
	}
}

// SetProjectPlan records the plan produced during preparation. It causes no
// transition by itself.
func (h *PhaseCompletion) SetProjectPlan(plan string) {
	h.plan = plan
}

// SetReviewResult records the verdict consulted by the next AdvancePhase
// call made while in PhaseReview. result must be "pass" or "fail".
func (h *PhaseCompletion) SetReviewResult(result string) error {
	switch ReviewResult(result) {
	case ReviewResultPass:
		h.reviewResult = ReviewResultPass
	case ReviewResultFail:
		h.reviewResult = ReviewResultFail
	default:
		return runerr.NewConfigurationError("phaseCompletion", fmt.Sprintf("unknown review result %q", result))
	}
	return nil
}

// AdvancePhase drives the FSM's named-phase transitions:
// preparation->processing, processing->review, review->(complete|again)
// gated on the last SetReviewResult call (no result recorded behaves as a
// fail), again->review, and complete->complete (idempotent). It is the
// caller's (agent's) explicit signal that a phase is done; processing's
// queue keeps draining via IsComplete polling independent of this call.
func (h *PhaseCompletion) AdvancePhase(ctx context.Context) error {
	switch h.phase {
	case PhasePreparation:
		if err := h.dequeueOrReprobe(ctx); err != nil {
			return err
		}
		h.phase = PhaseProcessing
	case PhaseProcessing:
		h.phase = PhaseReview
	case PhaseReview:
		if h.reviewResult == ReviewResultPass {
			h.phase = PhaseDone
		} else {
			h.phase = PhaseAgain
		}
		h.reviewResult = ReviewResultNone
	case PhaseAgain:
		h.phase = PhaseReview
	case PhaseDone:
		// idempotent
	}
	return nil
}

// dequeueOrReprobe pops the queue head into currentIssue, or re-probes the
// project for newly filed items when the queue is empty, protecting
// against a stale cache masking additional work.
func (h *PhaseCompletion) dequeueOrReprobe(ctx context.Context) error {
	if len(h.queue) == 0 {
		items, err := h.prober.ListOpenItems(ctx, h.owner, h.project, h.labelFilter, false)
		if err != nil {
			return &runerr.ExternalProbeFailure{Resource: fmt.Sprintf("%s/%s", h.owner, h.project), Cause: err}
		}
		h.queue = items
	}
	if len(h.queue) == 0 {
		h.currentIssue = nil
		return nil
	}
	item := h.queue[0]
	h.queue = h.queue[1:]
	h.currentIssue = &item
	return nil
}

// pollProcessing probes currentIssue's closure state once per IsComplete
// call while in PhaseProcessing. A newly-closed issue is credited into
// issuesCompleted exactly once (guarded by completedIssueNumbers) before
// the next item is dequeued. Probe failures are absorbed, matching
// ExternalState's best-effort refresh: the loop simply retries next call.
func (h *PhaseCompletion) pollProcessing(ctx context.Context) {
	if h.currentIssue == nil {
		_ = h.dequeueOrReprobe(ctx)
		return
	}
	state, err := h.checker.CheckIssueState(ctx, h.repo, h.currentIssue.IssueNumber)
	if err != nil {
		return
	}
	if !state.Closed {
		return
	}
	if !h.completedIssueNumbers[h.currentIssue.IssueNumber] {
		h.completedIssueNumbers[h.currentIssue.IssueNumber] = true
		h.issuesCompleted++
	}
	_ = h.dequeueOrReprobe(ctx)
}

func (h *PhaseCompletion) IsComplete() bool {
	if h.phase == PhaseProcessing {
		h.pollProcessing(context.Background())
	}
	return h.phase == PhaseDone
}

func (h *PhaseCompletion) GetCompletionDescription() string {
	return fmt.Sprintf("phase %q, %d issues completed, %d queued", h.phase, h.issuesCompleted, len(h.queue))
}

// SetCurrentSummary both caches the last turn's summary and, when the
// structured output carries the relevant keys, drives the FSM: a
// "project_plan" string records the plan, a "review_result" of
// "pass"/"fail" arms the next AdvancePhase call, and a "phase_action" of
// "advance" invokes it. This mirrors StructuredSignal's convention of
// reading named keys off IterationSummary.StructuredOutput.
func (h *PhaseCompletion) SetCurrentSummary(s *summary.IterationSummary) {
	h.lastSummary = s
	if s == nil || s.StructuredOutput == nil {
		return
	}
	so := s.StructuredOutput
	if plan, ok := so["project_plan"].(string); ok && plan != "" {
		h.SetProjectPlan(plan)
	}
	if result, ok := so["review_result"].(string); ok && result != "" {
		_ = h.SetReviewResult(result)
	}
	if action, ok := so["phase_action"].(string); ok && action == "advance" {
		_ = h.AdvancePhase(context.Background())
	}
}
