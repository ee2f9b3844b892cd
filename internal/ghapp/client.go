package ghapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andywolf/stepflow-agent/internal/capability"
	"github.com/andywolf/stepflow-agent/internal/runerr"
)

// Client is the concrete capability.ExternalStateChecker,
// capability.IssueOps, and capability.ProjectProber binding over the
// GitHub REST and GraphQL APIs, authenticated with a TokenManager-held
// App installation token.
type Client struct {
	httpClient *http.Client
	tokens     *TokenManager
	restBase   string
	graphQLURL string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientHTTPClient sets a custom HTTP client for the Client.
func WithClientHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRESTBaseURL overrides the REST API base URL (for testing).
func WithRESTBaseURL(url string) ClientOption {
	return func(cl *Client) { cl.restBase = url }
}

// WithGraphQLURL overrides the GraphQL endpoint URL (for testing).
func WithGraphQLURL(url string) ClientOption {
	return func(cl *Client) { cl.graphQLURL = url }
}

// NewClient builds a Client backed by the given TokenManager.
func NewClient(tokens *TokenManager, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		restBase:   "https://api.github.com",
		graphQLURL: "https://api.github.com/graphql",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) authHeader(req *http.Request) error {
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("failed to obtain installation token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body interface{}) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authHeader(req); err != nil {
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

// issueResponse is the subset of the REST issue payload this client reads.
type issueResponse struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// CheckIssueState implements capability.ExternalStateChecker over
// GET /repos/{repo}/issues/{number}.
func (c *Client) CheckIssueState(ctx context.Context, repo string, number int) (capability.IssueState, error) {
	url := fmt.Sprintf("%s/repos/%s/issues/%d", c.restBase, repo, number)
	body, status, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return capability.IssueState{}, &runerr.ExternalProbeFailure{Resource: fmt.Sprintf("issue %s#%d", repo, number), Cause: err}
	}
	if status != http.StatusOK {
		return capability.IssueState{}, &runerr.ExternalProbeFailure{
			Resource: fmt.Sprintf("issue %s#%d", repo, number),
			Cause:    fmt.Errorf("unexpected status %d: %s", status, string(body)),
		}
	}

	var issue issueResponse
	if err := json.Unmarshal(body, &issue); err != nil {
		return capability.IssueState{}, &runerr.ExternalProbeFailure{Resource: fmt.Sprintf("issue %s#%d", repo, number), Cause: err}
	}

	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.Name)
	}

	return capability.IssueState{
		Number:      issue.Number,
		Closed:      strings.EqualFold(issue.State, "closed"),
		Title:       issue.Title,
		State:       issue.State,
		Labels:      labels,
		LastChecked: time.Now().UTC(),
	}, nil
}

// AddLabel implements capability.IssueOps over
// POST /repos/{repo}/issues/{number}/labels.
func (c *Client) AddLabel(ctx context.Context, repo string, number int, label string) error {
	url := fmt.Sprintf("%s/repos/%s/issues/%d/labels", c.restBase, repo, number)
	_, status, err := c.do(ctx, http.MethodPost, url, map[string][]string{"labels": {label}})
	if err != nil {
		return &runerr.BoundaryHookFailure{Operation: "addLabel", Cause: err}
	}
	if status != http.StatusOK {
		return &runerr.BoundaryHookFailure{Operation: "addLabel", Cause: fmt.Errorf("unexpected status %d", status)}
	}
	return nil
}

// RemoveLabel implements capability.IssueOps over
// DELETE /repos/{repo}/issues/{number}/labels/{label}. A 404 (label
// already absent) is treated as success.
func (c *Client) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	url := fmt.Sprintf("%s/repos/%s/issues/%d/labels/%s", c.restBase, repo, number, label)
	_, status, err := c.do(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return &runerr.BoundaryHookFailure{Operation: "removeLabel", Cause: err}
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return &runerr.BoundaryHookFailure{Operation: "removeLabel", Cause: fmt.Errorf("unexpected status %d", status)}
	}
	return nil
}

// CloseIssue implements capability.IssueOps over
// PATCH /repos/{repo}/issues/{number}.
func (c *Client) CloseIssue(ctx context.Context, repo string, number int) error {
	url := fmt.Sprintf("%s/repos/%s/issues/%d", c.restBase, repo, number)
	_, status, err := c.do(ctx, http.MethodPatch, url, map[string]string{"state": "closed"})
	if err != nil {
		return &runerr.BoundaryHookFailure{Operation: "closeIssue", Cause: err}
	}
	if status != http.StatusOK {
		return &runerr.BoundaryHookFailure{Operation: "closeIssue", Cause: fmt.Errorf("unexpected status %d", status)}
	}
	return nil
}

// projectItemsGraphQLResponse is the subset of a Projects v2 items query
// this client reads, mirroring the node-list shape of a blockedBy query.
type projectItemsGraphQLResponse struct {
	Data struct {
		Organization struct {
			ProjectV2 struct {
				Items struct {
					Nodes []struct {
						Content struct {
							Number int    `json:"number"`
							Title  string `json:"title"`
							State  string `json:"state"`
							Labels struct {
								Nodes []struct {
									Name string `json:"name"`
								} `json:"nodes"`
							} `json:"labels"`
						} `json:"content"`
					} `json:"nodes"`
				} `json:"items"`
			} `json:"projectV2"`
		} `json:"organization"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// ListOpenItems implements capability.ProjectProber over the GitHub
// GraphQL API, listing the issue-backed items of an organization Projects
// v2 board. When labelFilter is non-empty only items carrying that label
// are returned; when includeCompleted is false, closed issues are dropped.
func (c *Client) ListOpenItems(ctx context.Context, owner, project string, labelFilter string, includeCompleted bool) ([]capability.ProjectItem, error) {
	query := fmt.Sprintf(`query { organization(login: %q) { projectV2(number: %s) { items(first: 100) { nodes { content { ... on Issue { number title state labels(first: 20) { nodes { name } } } } } } } } }`,
		owner, project)

	reqBody := map[string]string{"query": query}
	body, status, err := c.do(ctx, http.MethodPost, c.graphQLURL, reqBody)
	if err != nil {
		return nil, &runerr.ExternalProbeFailure{Resource: fmt.Sprintf("project %s/%s", owner, project), Cause: err}
	}
	if status != http.StatusOK {
		return nil, &runerr.ExternalProbeFailure{
			Resource: fmt.Sprintf("project %s/%s", owner, project),
			Cause:    fmt.Errorf("unexpected status %d: %s", status, string(body)),
		}
	}

	var resp projectItemsGraphQLResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &runerr.ExternalProbeFailure{Resource: fmt.Sprintf("project %s/%s", owner, project), Cause: err}
	}
	if len(resp.Errors) > 0 {
		return nil, &runerr.ExternalProbeFailure{Resource: fmt.Sprintf("project %s/%s", owner, project), Cause: fmt.Errorf("graphql error: %s", resp.Errors[0].Message)}
	}

	var items []capability.ProjectItem
	for _, node := range resp.Data.Organization.ProjectV2.Items.Nodes {
		if node.Content.Number == 0 {
			continue // draft item with no linked issue
		}
		if !includeCompleted && strings.EqualFold(node.Content.State, "closed") {
			continue
		}

		labels := make([]string, 0, len(node.Content.Labels.Nodes))
		matched := labelFilter == ""
		for _, l := range node.Content.Labels.Nodes {
			labels = append(labels, l.Name)
			if labelFilter != "" && strings.EqualFold(l.Name, labelFilter) {
				matched = true
			}
		}
		if !matched {
			continue
		}

		items = append(items, capability.ProjectItem{
			IssueNumber: node.Content.Number,
			Title:       node.Content.Title,
			Labels:      labels,
		})
	}

	return items, nil
}
