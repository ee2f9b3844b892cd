package completion

import (
	"fmt"

	"github.com/andywolf/stepflow-agent/internal/runerr"
	"github.com/andywolf/stepflow-agent/internal/summary"
)

// IterationBudget completes once the loop-driven iteration counter reaches
// maxIterations.
type IterationBudget struct {
	currentIteration int
	maxIterations    int
}

// NewIterationBudget constructs an IterationBudget strategy. maxIterations
// must be positive.
func NewIterationBudget(maxIterations int) (*IterationBudget, error) {
	if maxIterations <= 0 {
		return nil, runerr.NewConfigurationError("iterationBudget", "maxIterations must be > 0")
	}
	return &IterationBudget{maxIterations: maxIterations}, nil
}

func (h *IterationBudget) Type() string { return "iterationBudget" }

func (h *IterationBudget) BuildInitialPrompt() string {
	return fmt.Sprintf("Begin work. You have up to %d iterations to complete the task.", h.maxIterations)
}

func (h *IterationBudget) BuildContinuationPrompt(iteration int, prev *summary.IterationSummary) string {
	h.currentIteration = iteration
	return fmt.Sprintf("Continue (iteration %d/%d).\n\n%s", iteration, h.maxIterations, summary.FormatHandoff(prev))
}

func (h *IterationBudget) BuildCompletionCriteria() Criteria {
	c := fmt.Sprintf("%d iterations", h.maxIterations)
	return Criteria{Short: c, Detailed: fmt.Sprintf("Completes after %d iterations have elapsed.", h.maxIterations)}
}

func (h *IterationBudget) IsComplete() bool {
	return h.currentIteration >= h.maxIterations
}

func (h *IterationBudget) GetCompletionDescription() string {
	return fmt.Sprintf("iteration %d/%d", h.currentIteration, h.maxIterations)
}

func (h *IterationBudget) SetCurrentSummary(*summary.IterationSummary) {}

// SetCurrentIteration implements IterationSettable: the loop pushes the
// authoritative counter in directly.
func (h *IterationBudget) SetCurrentIteration(n int) {
	h.currentIteration = n
}
