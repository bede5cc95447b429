package store

import (
	"context"
	"database/sql"
	"errors"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

func (q *queries) CreateCoupon(ctx context.Context, c *models.Coupon) error {
	query := `
		INSERT INTO coupons (code, type, amount, min_order_amount, max_discount_amount, max_uses,
			per_user_limit, valid_from, valid_until, is_active, uses_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`

	return q.ext.QueryRowxContext(ctx, query,
		c.Code, c.Type, c.Amount, c.MinOrderAmount, c.MaxDiscountAmount, c.MaxUses,
		c.PerUserLimit, c.ValidFrom, c.ValidUntil, c.IsActive, c.UsesCount,
	).Scan(&c.ID, &c.CreatedAt)
}

func (q *queries) GetCoupon(ctx context.Context, id int64) (*models.Coupon, error) {
	return q.getCoupon(ctx, "SELECT * FROM coupons WHERE id = $1", id)
}

func (q *queries) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	return q.getCoupon(ctx, "SELECT * FROM coupons WHERE code = $1", code)
}

func (q *queries) getCoupon(ctx context.Context, query string, arg interface{}) (*models.Coupon, error) {
	var c models.Coupon
	err := sqlx.GetContext(ctx, q.ext, &c, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// IncrementCouponUses counts one use unless the coupon is exhausted.
// The updated row stays locked until the surrounding transaction ends.
func (q *queries) IncrementCouponUses(ctx context.Context, couponID int64) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE coupons
		SET uses_count = uses_count + 1
		WHERE id = $1 AND (max_uses IS NULL OR uses_count < max_uses)`, couponID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *queries) CountCouponUsages(ctx context.Context, couponID, userID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q.ext, &n,
		"SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2", couponID, userID)
	return n, err
}

// InsertCouponUsage records a redemption once per (coupon, order).
func (q *queries) InsertCouponUsage(ctx context.Context, u *models.CouponUsage) (bool, error) {
	query := `
		INSERT INTO coupon_usages (coupon_id, order_id, user_id, discount_amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (coupon_id, order_id) DO NOTHING
		RETURNING id, created_at`

	err := q.ext.QueryRowxContext(ctx, query, u.CouponID, u.OrderID, u.UserID, u.DiscountAmount).
		Scan(&u.ID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (q *queries) GetCouponUsage(ctx context.Context, couponID, orderID int64) (*models.CouponUsage, error) {
	var u models.CouponUsage
	err := sqlx.GetContext(ctx, q.ext, &u,
		"SELECT * FROM coupon_usages WHERE coupon_id = $1 AND order_id = $2", couponID, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
