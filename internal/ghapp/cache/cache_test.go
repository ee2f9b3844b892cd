package cache

import (
	"testing"
	"time"

	"github.com/andywolf/stepflow-agent/internal/capability"
)

func TestInMemoryCacheGetSet(t *testing.T) {
	c := NewInMemoryCache()

	if _, ok := c.Get("owner/repo", 1); ok {
		t.Fatal("expected miss on empty cache")
	}

	want := capability.IssueState{Number: 1, Closed: true, Title: "done", LastChecked: time.Now()}
	c.Set("owner/repo", 1, want)

	got, ok := c.Get("owner/repo", 1)
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if got.Title != want.Title || got.Closed != want.Closed {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestInMemoryCacheIsolatesByKey(t *testing.T) {
	c := NewInMemoryCache()
	c.Set("owner/repo", 1, capability.IssueState{Number: 1, Title: "a"})
	c.Set("owner/repo", 2, capability.IssueState{Number: 2, Title: "b"})
	c.Set("owner/other", 1, capability.IssueState{Number: 1, Title: "c"})

	got, ok := c.Get("owner/repo", 1)
	if !ok || got.Title != "a" {
		t.Errorf("got %+v, ok=%v", got, ok)
	}
	got, ok = c.Get("owner/other", 1)
	if !ok || got.Title != "c" {
		t.Errorf("got %+v, ok=%v", got, ok)
	}
}
