package completion

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/andywolf/stepflow-agent/internal/runerr"
	"github.com/andywolf/stepflow-agent/internal/summary"
)

// Operator is the CompositeHandler combinator.
type Operator string

const (
	OperatorAnd   Operator = "and"
	OperatorOr    Operator = "or"
	OperatorFirst Operator = "first"
)

// CompositeHandler evaluates a fixed set of child Handlers under a single
// operator. Children are evaluated concurrently via an errgroup: each
// IsComplete() call fans out, one goroutine per child.
//
// completedConditionIndex tracks, for the "first" operator, which child
// satisfied completion first across repeated IsComplete() calls, so
// GetCompletionDescription and OnBoundaryHook forwarding stay stable once a
// winner is latched rather than re-racing on every call.
type CompositeHandler struct {
	operator Operator
	children []Handler

	mu                      sync.Mutex
	completedConditionIndex int // -1 until a "first" winner latches
}

// NewCompositeHandler constructs a CompositeHandler. At least one child is
// required.
func NewCompositeHandler(operator Operator, children ...Handler) (*CompositeHandler, error) {
	switch operator {
	case OperatorAnd, OperatorOr, OperatorFirst:
	default:
		return nil, runerr.NewConfigurationError("compositeHandler", fmt.Sprintf("unknown operator %q", operator))
	}
	if len(children) == 0 {
		return nil, runerr.NewConfigurationError("compositeHandler", "at least one child handler is required")
	}
	return &CompositeHandler{operator: operator, children: children, completedConditionIndex: -1}, nil
}

func (h *CompositeHandler) Type() string { return "compositeHandler" }

// BuildInitialPrompt delegates to the first child. The composite doesn't
// blend prompts across children — it blends completion decisions.
func (h *CompositeHandler) BuildInitialPrompt() string {
	return h.children[0].BuildInitialPrompt()
}

// BuildContinuationPrompt delegates to the first child, for the same reason
// as BuildInitialPrompt.
func (h *CompositeHandler) BuildContinuationPrompt(iteration int, prev *summary.IterationSummary) string {
	return h.children[0].BuildContinuationPrompt(iteration, prev)
}

func (h *CompositeHandler) BuildCompletionCriteria() Criteria {
	shorts := make([]string, len(h.children))
	details := make([]string, len(h.children))
	for i, c := range h.children {
		crit := c.BuildCompletionCriteria()
		shorts[i] = crit.Short
		details[i] = crit.Detailed
	}
	joiner := " " + strings.ToUpper(string(h.operator)) + " "
	return Criteria{
		Short:    strings.Join(shorts, joiner),
		Detailed: strings.Join(details, joiner),
	}
}

// evaluateChildren runs IsComplete concurrently across all children and
// returns each child's result indexed identically to h.children.
func (h *CompositeHandler) evaluateChildren(ctx context.Context) []bool {
	results := make([]bool, len(h.children))
	g, _ := errgroup.WithContext(ctx)
	for i, c := range h.children {
		i, c := i, c
		g.Go(func() error {
			results[i] = c.IsComplete()
			return nil
		})
	}
	_ = g.Wait() // IsComplete never errors; Wait only aggregates goroutine completion
	return results
}

func (h *CompositeHandler) IsComplete() bool {
	results := h.evaluateChildren(context.Background())

	switch h.operator {
	case OperatorAnd:
		for _, r := range results {
			if !r {
				return false
			}
		}
		return true
	case OperatorOr:
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	case OperatorFirst:
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.completedConditionIndex >= 0 {
			return true
		}
		for i, r := range results {
			if r {
				h.completedConditionIndex = i
				return true
			}
		}
		return false
	}
	return false
}

func (h *CompositeHandler) GetCompletionDescription() string {
	if h.operator == OperatorFirst {
		h.mu.Lock()
		idx := h.completedConditionIndex
		h.mu.Unlock()
		if idx >= 0 {
			return fmt.Sprintf("first: %s", h.children[idx].GetCompletionDescription())
		}
	}
	descs := make([]string, len(h.children))
	for i, c := range h.children {
		descs[i] = c.GetCompletionDescription()
	}
	return fmt.Sprintf("%s(%s)", h.operator, strings.Join(descs, ", "))
}

func (h *CompositeHandler) SetCurrentSummary(s *summary.IterationSummary) {
	for _, c := range h.children {
		c.SetCurrentSummary(s)
	}
}

// SetCurrentIteration forwards the loop's iteration counter to every child
// that implements IterationSettable, satisfying the IterationSettable
// capability itself so AgentLoop need not special-case composites.
func (h *CompositeHandler) SetCurrentIteration(n int) {
	for _, c := range h.children {
		if s, ok := c.(IterationSettable); ok {
			s.SetCurrentIteration(n)
		}
	}
}

// OnBoundaryHook forwards the boundary hook to every child that implements
// BoundaryHooked. For "first", only the winning child is hooked; for "and"
// and "or", every BoundaryHooked child fires since every child is
// considered to have contributed to the terminal decision.
func (h *CompositeHandler) OnBoundaryHook(payload BoundaryPayload) {
	if h.operator == OperatorFirst {
		h.mu.Lock()
		idx := h.completedConditionIndex
		h.mu.Unlock()
		if idx >= 0 {
			if hooked, ok := h.children[idx].(BoundaryHooked); ok {
				hooked.OnBoundaryHook(payload)
			}
		}
		return
	}
	for _, c := range h.children {
		if hooked, ok := c.(BoundaryHooked); ok {
			hooked.OnBoundaryHook(payload)
		}
	}
}
