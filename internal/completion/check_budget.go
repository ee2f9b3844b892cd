package completion

import (
	"fmt"

	"github.com/andywolf/stepflow-agent/internal/runerr"
	"github.com/andywolf/stepflow-agent/internal/summary"
)

// CheckBudget is shaped like IterationBudget, but its counter only advances
// via BuildContinuationPrompt — each continuation itself counts as a
// "check". Used for periodic-monitoring missions where the
// loop's own iteration count is not the thing being budgeted.
type CheckBudget struct {
	currentChecks int
	maxChecks     int
}

// NewCheckBudget constructs a CheckBudget strategy. maxChecks must be
// positive.
func NewCheckBudget(maxChecks int) (*CheckBudget, error) {
	if maxChecks <= 0 {
		return nil, runerr.NewConfigurationError("checkBudget", "maxChecks must be > 0")
	}
	return &CheckBudget{maxChecks: maxChecks}, nil
}

func (h *CheckBudget) Type() string { return "checkBudget" }

func (h *CheckBudget) BuildInitialPrompt() string {
	return fmt.Sprintf("Begin monitoring. Up to %d checks will be performed.", h.maxChecks)
}

func (h *CheckBudget) BuildContinuationPrompt(_ int, prev *summary.IterationSummary) string {
	h.currentChecks++
	return fmt.Sprintf("Check %d/%d.\n\n%s", h.currentChecks, h.maxChecks, summary.FormatHandoff(prev))
}

func (h *CheckBudget) BuildCompletionCriteria() Criteria {
	c := fmt.Sprintf("%d checks", h.maxChecks)
	return Criteria{Short: c, Detailed: fmt.Sprintf("Completes after %d checks have been performed.", h.maxChecks)}
}

func (h *CheckBudget) IsComplete() bool {
	return h.currentChecks >= h.maxChecks
}

func (h *CheckBudget) GetCompletionDescription() string {
	return fmt.Sprintf("check %d/%d", h.currentChecks, h.maxChecks)
}

func (h *CheckBudget) SetCurrentSummary(*summary.IterationSummary) {}
