package completion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andywolf/stepflow-agent/internal/capability"
)

type fakeChecker struct {
	calls  int
	closed bool
	err    error
}

func (f *fakeChecker) CheckIssueState(_ context.Context, _ string, number int) (capability.IssueState, error) {
	f.calls++
	if f.err != nil {
		return capability.IssueState{}, f.err
	}
	return capability.IssueState{Number: number, Closed: f.closed}, nil
}

type fakeIssueOps struct {
	added   []string
	removed []string
	closed  bool
}

func (f *fakeIssueOps) AddLabel(_ context.Context, _ string, _ int, label string) error {
	f.added = append(f.added, label)
	return nil
}

func (f *fakeIssueOps) RemoveLabel(_ context.Context, _ string, _ int, label string) error {
	f.removed = append(f.removed, label)
	return nil
}

func (f *fakeIssueOps) CloseIssue(context.Context, string, int) error {
	f.closed = true
	return nil
}

func TestExternalStateThrottlesProbes(t *testing.T) {
	checker := &fakeChecker{closed: false}
	now := time.Now()
	clock := func() time.Time { return now }

	h, err := NewExternalState(42, "acme/widgets", checker, WithCheckInterval(time.Minute), WithNowFunc(clock))
	if err != nil {
		t.Fatalf("NewExternalState: %v", err)
	}

	if h.IsComplete() {
		t.Fatal("expected not complete while issue open")
	}
	if checker.calls != 1 {
		t.Fatalf("expected 1 probe, got %d", checker.calls)
	}

	// within interval: no new probe
	h.IsComplete()
	if checker.calls != 1 {
		t.Fatalf("expected still 1 probe within interval, got %d", checker.calls)
	}

	// advance past interval
	now = now.Add(2 * time.Minute)
	checker.closed = true
	if !h.IsComplete() {
		t.Fatal("expected complete once interval elapses and issue closed")
	}
	if checker.calls != 2 {
		t.Fatalf("expected 2 probes after interval elapsed, got %d", checker.calls)
	}
}

func TestExternalStateProbeFailureKeepsStaleCache(t *testing.T) {
	checker := &fakeChecker{closed: true}
	h, err := NewExternalState(7, "acme/widgets", checker, WithCheckInterval(0))
	if err != nil {
		t.Fatalf("NewExternalState: %v", err)
	}
	if !h.IsComplete() {
		t.Fatal("expected complete from first good probe")
	}

	checker.err = errors.New("network down")
	if !h.IsComplete() {
		t.Fatal("expected cached closed state to survive a failed probe")
	}
}

func TestExternalStateBoundaryHookAddsLabelsAndCloses(t *testing.T) {
	ops := &fakeIssueOps{}
	h, err := NewExternalState(9, "acme/widgets", &fakeChecker{}, WithIssueOps(ops, BoundaryLabels{
		Add:    []string{"done"},
		Remove: []string{"in-progress"},
	}))
	if err != nil {
		t.Fatalf("NewExternalState: %v", err)
	}

	h.OnBoundaryHook(BoundaryPayload{StepID: "closure", StepKind: "closure"})

	if len(ops.added) != 1 || ops.added[0] != "done" {
		t.Fatalf("expected label 'done' added, got %v", ops.added)
	}
	if len(ops.removed) != 1 || ops.removed[0] != "in-progress" {
		t.Fatalf("expected label 'in-progress' removed, got %v", ops.removed)
	}
	if !ops.closed {
		t.Fatal("expected issue closed")
	}
}

func TestExternalStateBoundaryHookLabelOnlySkipsClose(t *testing.T) {
	ops := &fakeIssueOps{}
	h, err := NewExternalState(9, "acme/widgets", &fakeChecker{}, WithIssueOps(ops, BoundaryLabels{
		Add:                  []string{"done"},
		DefaultClosureAction: "label-only",
	}))
	if err != nil {
		t.Fatalf("NewExternalState: %v", err)
	}

	h.OnBoundaryHook(BoundaryPayload{})

	if ops.closed {
		t.Fatal("expected label-only hook to skip closing the issue")
	}
}
