package store

import (
	"context"
	"database/sql"
	"errors"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetProcessedPayment returns ErrNotFound when the payment was never applied
func (q *queries) GetProcessedPayment(ctx context.Context, paymentID, provider string) (*models.ProcessedPayment, error) {
	var p models.ProcessedPayment
	err := sqlx.GetContext(ctx, q.ext, &p,
		"SELECT * FROM processed_payments WHERE payment_id = $1 AND provider = $2", paymentID, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertProcessedPayment claims (payment_id, provider). It reports false when
// another caller already holds the claim.
func (q *queries) InsertProcessedPayment(ctx context.Context, p *models.ProcessedPayment) (bool, error) {
	query := `
		INSERT INTO processed_payments (payment_id, provider, order_id, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (payment_id, provider) DO NOTHING
		RETURNING processed_at`

	err := q.ext.QueryRowxContext(ctx, query, p.PaymentID, p.Provider, p.OrderID, p.Amount).Scan(&p.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
