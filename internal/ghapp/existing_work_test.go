package ghapp

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
)

func TestDetectExistingWorkFindsMatchingBranch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"number": 10, "title": "unrelated", "head": map[string]string{"ref": "feature/issue-99-other"}},
			{"number": 11, "title": "fix login", "head": map[string]string{"ref": "bug/issue-42-login"}},
		})
	})

	work, err := DetectExistingWork(context.Background(), client, "owner/repo", 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if work == nil {
		t.Fatal("expected existing work, got nil")
	}
	if work.PRNumber != 11 || work.Branch != "bug/issue-42-login" {
		t.Errorf("got %+v", work)
	}
}

func TestDetectExistingWorkNoMatch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"number": 10, "title": "unrelated", "head": map[string]string{"ref": "feature/issue-99-other"}},
		})
	})

	work, err := DetectExistingWork(context.Background(), client, "owner/repo", 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if work != nil {
		t.Errorf("expected no existing work, got %+v", work)
	}
}
