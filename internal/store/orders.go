package store

import (
	"context"
	"database/sql"
	"errors"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// CreateOrder inserts the order and its items. Run it inside InTx so the
// order never exists without its items.
func (q *queries) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, status, payment_status, payment_method, payment_id, coupon_id,
			subtotal, discount_amount, shipping_cost, total_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	err := q.ext.QueryRowxContext(ctx, query,
		order.UserID, order.Status, order.PaymentStatus, order.PaymentMethod, order.PaymentID,
		order.CouponID, order.Subtotal, order.DiscountAmount, order.ShippingCost, order.TotalAmount,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return err
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err := q.ext.QueryRowxContext(ctx,
			`INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			item.OrderID, item.ProductID, item.Quantity, item.UnitPrice,
		).Scan(&item.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetOrder retrieves an order with its items
func (q *queries) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	err = sqlx.SelectContext(ctx, q.ext, &order.Items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY product_id, id", id)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// TransitionOrder moves an order to a new state only while it still matches
// the expected source state. It reports whether the row was updated.
func (q *queries) TransitionOrder(ctx context.Context, t models.OrderTransition) (bool, error) {
	from := make([]string, len(t.FromStatuses))
	for i, s := range t.FromStatuses {
		from[i] = string(s)
	}

	query := `
		UPDATE orders
		SET status = $1,
			payment_status = COALESCE(NULLIF($2, ''), payment_status),
			payment_id = COALESCE($3, payment_id),
			updated_at = NOW()
		WHERE id = $4
			AND status = ANY($5)
			AND ($6 = '' OR payment_status = $6)`

	res, err := q.ext.ExecContext(ctx, query,
		t.ToStatus, string(t.ToPaymentStatus), t.PaymentID, t.OrderID, pq.Array(from), string(t.FromPaymentStatus))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
