package ghapp

import (
	"context"
	"testing"
	"time"

	"github.com/andywolf/stepflow-agent/internal/capability"
	"github.com/andywolf/stepflow-agent/internal/ghapp/cache"
)

type fakeChecker struct {
	calls int
	state capability.IssueState
	err   error
}

func (f *fakeChecker) CheckIssueState(ctx context.Context, repo string, number int) (capability.IssueState, error) {
	f.calls++
	return f.state, f.err
}

func TestCachedCheckerReusesFreshEntry(t *testing.T) {
	checker := &fakeChecker{state: capability.IssueState{Number: 1, Closed: false, LastChecked: time.Now()}}
	c := NewCachedChecker(checker, cache.NewInMemoryCache(), time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := c.CheckIssueState(context.Background(), "owner/repo", 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if checker.calls != 1 {
		t.Errorf("expected 1 underlying call, got %d", checker.calls)
	}
}

func TestCachedCheckerRefreshesStaleEntry(t *testing.T) {
	checker := &fakeChecker{state: capability.IssueState{Number: 1, Closed: false, LastChecked: time.Now().Add(-time.Hour)}}
	c := NewCachedChecker(checker, cache.NewInMemoryCache(), time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := c.CheckIssueState(context.Background(), "owner/repo", 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if checker.calls != 3 {
		t.Errorf("expected 3 underlying calls for an always-stale entry, got %d", checker.calls)
	}
}
