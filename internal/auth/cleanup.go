package auth

import (
	"context"
	"fmt"
	"time"
)

type CleanupResult struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	DeletedTickets       int64 `json:"deleted_tickets"`
	DeletedLoginLogs     int64 `json:"deleted_login_logs"`
}

// CleanupStaleAuthData removes rows no live flow can reach anymore: expired
// or long-revoked refresh tokens, dead tickets, and aged login logs. Batched
// so a cron call never holds long locks.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, refreshRetention, loginLogRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if refreshRetention <= 0 {
		refreshRetention = 14 * 24 * time.Hour
	}
	if loginLogRetention <= 0 {
		loginLogRetention = 30 * 24 * time.Hour
	}

	now := time.Now().UTC()
	refreshCutoff := now.Add(-refreshRetention)
	logCutoff := now.Add(-loginLogRetention)

	var result CleanupResult
	var err error

	result.DeletedRefreshTokens, err = r.batchDelete(ctx, `
		WITH stale AS (
			SELECT id
			FROM refresh_tokens
			WHERE expires_at < NOW() OR (revoked AND revoked_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, "stale refresh tokens", refreshCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	result.DeletedTickets, err = r.batchDelete(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_tickets
			WHERE expires_at < $1 OR used_at IS NOT NULL
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_tickets t
		USING stale
		WHERE t.id = stale.id
	`, "stale tickets", now, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	result.DeletedLoginLogs, err = r.batchDelete(ctx, `
		WITH stale AS (
			SELECT id
			FROM login_logs
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM login_logs t
		USING stale
		WHERE t.id = stale.id
	`, "stale login logs", logCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return result, nil
}

func (r *Repository) batchDelete(ctx context.Context, query, what string, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", what, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", what, err)
	}

	return affected, nil
}
