package ghapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/andywolf/stepflow-agent/internal/runerr"
)

// ExistingWork describes prior work already in flight for an issue: an
// open pull request on a matching branch, or a matching branch with no PR
// yet.
type ExistingWork struct {
	PRNumber int
	PRTitle  string
	Branch   string
}

type pullListEntry struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Head   struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

// DetectExistingWork searches repo's open pull requests for one whose head
// branch matches the "/issue-<number>-" convention, returning the first
// match. It never inspects local git state: branch-only (no PR yet) work
// is invisible to this probe, unlike a git-backed implementation with a
// local clone to scan.
func DetectExistingWork(ctx context.Context, c *Client, repo string, issueNumber int) (*ExistingWork, error) {
	branchPattern := fmt.Sprintf("/issue-%d-", issueNumber)

	url := fmt.Sprintf("%s/repos/%s/pulls?state=open&per_page=100", c.restBase, repo)
	body, status, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &runerr.ExternalProbeFailure{Resource: fmt.Sprintf("pulls %s", repo), Cause: err}
	}
	if status != http.StatusOK {
		return nil, &runerr.ExternalProbeFailure{
			Resource: fmt.Sprintf("pulls %s", repo),
			Cause:    fmt.Errorf("unexpected status %d: %s", status, string(body)),
		}
	}

	var prs []pullListEntry
	if err := json.Unmarshal(body, &prs); err != nil {
		return nil, &runerr.ExternalProbeFailure{Resource: fmt.Sprintf("pulls %s", repo), Cause: err}
	}

	for _, pr := range prs {
		if strings.Contains(pr.Head.Ref, branchPattern) {
			return &ExistingWork{
				PRNumber: pr.Number,
				PRTitle:  pr.Title,
				Branch:   pr.Head.Ref,
			}, nil
		}
	}

	return nil, nil
}
