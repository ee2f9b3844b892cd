package ghapp

import (
	"context"
	"time"

	"github.com/andywolf/stepflow-agent/internal/capability"
	"github.com/andywolf/stepflow-agent/internal/ghapp/cache"
)

// CachedChecker wraps an ExternalStateChecker with a cache.Cache, skipping
// a GitHub round trip when a previous check is still fresh. It is the
// capability.ExternalStateChecker AgentLoop is actually wired to; the bare
// *Client remains usable directly when no caching is wanted.
type CachedChecker struct {
	checker capability.ExternalStateChecker
	cache   cache.Cache
	ttl     time.Duration
}

// NewCachedChecker wraps checker with cache, treating a cached entry older
// than ttl as stale. A non-positive ttl disables staleness checking
// (cached entries are reused until the process or cache is cleared).
func NewCachedChecker(checker capability.ExternalStateChecker, c cache.Cache, ttl time.Duration) *CachedChecker {
	return &CachedChecker{checker: checker, cache: c, ttl: ttl}
}

// CheckIssueState implements capability.ExternalStateChecker, consulting
// the cache first and writing the fresh result back after every real
// probe.
func (c *CachedChecker) CheckIssueState(ctx context.Context, repo string, number int) (capability.IssueState, error) {
	if cached, ok := c.cache.Get(repo, number); ok {
		if c.ttl <= 0 || time.Since(cached.LastChecked) < c.ttl {
			return cached, nil
		}
	}

	state, err := c.checker.CheckIssueState(ctx, repo, number)
	if err != nil {
		return capability.IssueState{}, err
	}

	c.cache.Set(repo, number, state)
	return state, nil
}
