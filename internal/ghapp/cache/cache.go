// Package cache provides the optional IssueState cache for
// internal/ghapp: an in-memory default, and an opt-in Postgres-backed
// implementation for missions that outlive a single process.
package cache

import (
	"sync"

	"github.com/andywolf/stepflow-agent/internal/capability"
)

// Cache persists the last-observed capability.IssueState per repo/issue so
// repeated CheckIssueState calls within a run window can skip a GitHub
// round trip.
type Cache interface {
	Get(repo string, number int) (capability.IssueState, bool)
	Set(repo string, number int, state capability.IssueState)
}

type key struct {
	repo   string
	number int
}

// InMemoryCache is the default Cache: a process-local map, cleared on
// restart.
type InMemoryCache struct {
	mu    sync.RWMutex
	state map[key]capability.IssueState
}

// NewInMemoryCache constructs an empty InMemoryCache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{state: make(map[key]capability.IssueState)}
}

// Get returns the cached state for repo/number, if any.
func (c *InMemoryCache) Get(repo string, number int) (capability.IssueState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.state[key{repo, number}]
	return s, ok
}

// Set records the state for repo/number.
func (c *InMemoryCache) Set(repo string, number int, state capability.IssueState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[key{repo, number}] = state
}
