package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetIdempotency returns nil when the key is unknown or expired.
func (q *queries) GetIdempotency(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := sqlx.GetContext(ctx, q.ext, &rec,
		"SELECT * FROM idempotency_keys WHERE key = $1 AND expires_at > NOW()", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ClaimIdempotency marks key in progress. An expired row is taken over;
// a live one makes the claim fail.
func (q *queries) ClaimIdempotency(ctx context.Context, key, requestHash string, expiresAt time.Time) (bool, error) {
	query := `
		INSERT INTO idempotency_keys (key, request_hash, status, expires_at)
		VALUES ($1, $2, 'in_progress', $3)
		ON CONFLICT (key) DO UPDATE
		SET request_hash = EXCLUDED.request_hash,
			status = 'in_progress',
			response_status = 0,
			response_body = NULL,
			created_at = NOW(),
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= NOW()
		RETURNING key`

	var claimed string
	err := q.ext.QueryRowxContext(ctx, query, key, requestHash, expiresAt).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (q *queries) CompleteIdempotency(ctx context.Context, key string, status int, body []byte, expiresAt time.Time) error {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = 'completed', response_status = $2, response_body = $3, expires_at = $4
		WHERE key = $1`, key, status, body, expiresAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseIdempotency drops an in-progress claim so the client may retry.
func (q *queries) ReleaseIdempotency(ctx context.Context, key string) error {
	_, err := q.ext.ExecContext(ctx,
		"DELETE FROM idempotency_keys WHERE key = $1 AND status = 'in_progress'", key)
	return err
}

func (q *queries) DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.ext.ExecContext(ctx, "DELETE FROM idempotency_keys WHERE expires_at <= $1", now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
