package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Counter is the persisted state for one (endpoint, client) pair.
type Counter struct {
	Attempts     int
	WindowReset  time.Time
	BlockedUntil time.Time
}

// Store holds counters keyed by (endpoint, client identity). Update applies
// fn to the current counter and persists the result as one atomic
// read-modify-write per key, so concurrent workers never under-count past a
// block.
type Store interface {
	Update(ctx context.Context, endpoint, identity string, fn func(Counter) Counter) (Counter, error)
}

// MemoryStore keeps counters in process memory. Suitable for single-instance
// deployments and tests; state does not survive restarts.
type MemoryStore struct {
	mu         sync.Mutex
	counters   map[string]Counter
	maxEntries int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters:   make(map[string]Counter),
		maxEntries: 5000,
	}
}

func (s *MemoryStore) Update(_ context.Context, endpoint, identity string, fn func(Counter) Counter) (Counter, error) {
	key := endpoint + ":" + identity

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := fn(s.counters[key])
	s.counters[key] = updated

	if len(s.counters) > s.maxEntries {
		now := time.Now().UTC()
		for k, c := range s.counters {
			if now.After(c.WindowReset) && now.After(c.BlockedUntil) {
				delete(s.counters, k)
			}
		}
	}

	return updated, nil
}

// PostgresStore persists counters in the rate_limit_counters table so they
// survive restarts. Atomicity comes from a per-key row lock.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Update(ctx context.Context, endpoint, identity string, fn func(Counter) Counter) (Counter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Counter{}, fmt.Errorf("begin rate limit tx: %w", err)
	}
	defer tx.Rollback()

	var current Counter
	var windowReset, blockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT attempts, window_reset, blocked_until
		FROM rate_limit_counters
		WHERE endpoint = $1 AND client_ip = $2
		FOR UPDATE
	`, endpoint, identity).Scan(&current.Attempts, &windowReset, &blockedUntil)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Counter{}, fmt.Errorf("lock rate limit counter: %w", err)
	}
	if windowReset.Valid {
		current.WindowReset = windowReset.Time.UTC()
	}
	if blockedUntil.Valid {
		current.BlockedUntil = blockedUntil.Time.UTC()
	}

	updated := fn(current)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rate_limit_counters (endpoint, client_ip, attempts, window_reset, blocked_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (endpoint, client_ip)
		DO UPDATE SET
			attempts = EXCLUDED.attempts,
			window_reset = EXCLUDED.window_reset,
			blocked_until = EXCLUDED.blocked_until,
			updated_at = EXCLUDED.updated_at
	`, endpoint, identity, updated.Attempts, nullableTime(updated.WindowReset), nullableTime(updated.BlockedUntil))
	if err != nil {
		return Counter{}, fmt.Errorf("upsert rate limit counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Counter{}, fmt.Errorf("commit rate limit tx: %w", err)
	}

	return updated, nil
}

// CleanupStale removes counters whose window and block both expired before
// the cutoff. Called from the maintenance endpoint.
func (s *PostgresStore) CleanupStale(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT endpoint, client_ip
			FROM rate_limit_counters
			WHERE (window_reset IS NULL OR window_reset < $1)
			  AND (blocked_until IS NULL OR blocked_until < $1)
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM rate_limit_counters t
		USING stale
		WHERE t.endpoint = stale.endpoint AND t.client_ip = stale.client_ip
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale rate limit counters: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale rate limit counters rows affected: %w", err)
	}

	return affected, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
