package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andywolf/stepflow-agent/internal/capability"
)

// PostgresCache persists IssueState across process restarts, for
// long-running PhaseCompletion project missions that span multiple
// AgentLoop invocations. Opt-in via AgentDefinition.StateCache.DSN; the
// in-memory cache remains the default.
type PostgresCache struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS issue_state_cache (
	repo         TEXT NOT NULL,
	number       INTEGER NOT NULL,
	closed       BOOLEAN NOT NULL,
	title        TEXT NOT NULL,
	state        TEXT NOT NULL,
	labels       TEXT NOT NULL,
	last_checked TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (repo, number)
)`

// NewPostgresCache opens a connection pool against dsn and ensures the
// backing table exists.
func NewPostgresCache(ctx context.Context, dsn string) (*PostgresCache, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure issue_state_cache table: %w", err)
	}

	return &PostgresCache{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (c *PostgresCache) Close() {
	c.pool.Close()
}

// Get returns the cached state for repo/number, if any.
func (c *PostgresCache) Get(repo string, number int) (capability.IssueState, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		closed      bool
		title       string
		state       string
		labelsJoin  string
		lastChecked time.Time
	)
	row := c.pool.QueryRow(ctx,
		`SELECT closed, title, state, labels, last_checked FROM issue_state_cache WHERE repo = $1 AND number = $2`,
		repo, number)
	if err := row.Scan(&closed, &title, &state, &labelsJoin, &lastChecked); err != nil {
		return capability.IssueState{}, false
	}

	var labels []string
	if labelsJoin != "" {
		labels = strings.Split(labelsJoin, ",")
	}

	return capability.IssueState{
		Number:      number,
		Closed:      closed,
		Title:       title,
		State:       state,
		Labels:      labels,
		LastChecked: lastChecked,
	}, true
}

// Set upserts the state for repo/number.
func (c *PostgresCache) Set(repo string, number int, s capability.IssueState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _ = c.pool.Exec(ctx, `
		INSERT INTO issue_state_cache (repo, number, closed, title, state, labels, last_checked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (repo, number) DO UPDATE SET
			closed = EXCLUDED.closed,
			title = EXCLUDED.title,
			state = EXCLUDED.state,
			labels = EXCLUDED.labels,
			last_checked = EXCLUDED.last_checked
	`, repo, number, s.Closed, s.Title, s.State, strings.Join(s.Labels, ","), s.LastChecked)
}
