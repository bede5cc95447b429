package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateProduct inserts a product with its opening stock
func (q *queries) CreateProduct(ctx context.Context, p *models.Product) error {
	query := `
		INSERT INTO products (sku, name, price, stock_quantity)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	row := q.ext.QueryRowxContext(ctx, query, p.SKU, p.Name, p.Price, p.StockQuantity)
	return row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

// GetProductsByIDs retrieves multiple products by IDs
func (q *queries) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?) ORDER BY id", ids)
	if err != nil {
		return nil, err
	}
	query = q.ext.Rebind(query)

	var products []models.Product
	err = sqlx.SelectContext(ctx, q.ext, &products, query, args...)
	return products, err
}

// GetStockRecords returns the current stock of the given products.
// Unknown ids are absent from the result.
func (q *queries) GetStockRecords(ctx context.Context, ids []int64) ([]models.StockRecord, error) {
	if len(ids) == 0 {
		return []models.StockRecord{}, nil
	}

	query, args, err := sqlx.In(
		"SELECT id AS product_id, stock_quantity FROM products WHERE id IN (?) ORDER BY id", ids)
	if err != nil {
		return nil, err
	}
	query = q.ext.Rebind(query)

	var records []models.StockRecord
	err = sqlx.SelectContext(ctx, q.ext, &records, query, args...)
	return records, err
}

// DecrementStock subtracts quantity only if enough stock remains.
// Returns ErrInsufficientStock when the guard rejects the update and
// ErrNotFound when the product does not exist.
func (q *queries) DecrementStock(ctx context.Context, productID int64, quantity int) (*models.StockChange, error) {
	query := `
		UPDATE products
		SET stock_quantity = stock_quantity - $1, updated_at = NOW()
		WHERE id = $2 AND stock_quantity >= $1
		RETURNING stock_quantity + $1, stock_quantity`

	change := &models.StockChange{ProductID: productID}
	err := q.ext.QueryRowxContext(ctx, query, quantity, productID).Scan(&change.StockBefore, &change.StockAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, q.missingOr(ctx, productID, ErrInsufficientStock)
	}
	if err != nil {
		return nil, fmt.Errorf("decrement stock for product %d: %w", productID, err)
	}
	return change, nil
}

// AdjustStock applies a signed delta only if the result stays non-negative.
func (q *queries) AdjustStock(ctx context.Context, productID int64, delta int) (*models.StockChange, error) {
	query := `
		UPDATE products
		SET stock_quantity = stock_quantity + $1, updated_at = NOW()
		WHERE id = $2 AND stock_quantity + $1 >= 0
		RETURNING stock_quantity - $1, stock_quantity`

	change := &models.StockChange{ProductID: productID}
	err := q.ext.QueryRowxContext(ctx, query, delta, productID).Scan(&change.StockBefore, &change.StockAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, q.missingOr(ctx, productID, ErrInsufficientStock)
	}
	if err != nil {
		return nil, fmt.Errorf("adjust stock for product %d: %w", productID, err)
	}
	return change, nil
}

// missingOr tells a guard rejection apart from a missing row.
func (q *queries) missingOr(ctx context.Context, productID int64, guardErr error) error {
	var exists bool
	err := sqlx.GetContext(ctx, q.ext, &exists,
		"SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)", productID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return guardErr
}

// InsertStockLog appends one entry to the stock audit trail
func (q *queries) InsertStockLog(ctx context.Context, e *models.StockLogEntry) error {
	query := `
		INSERT INTO stock_log (product_id, quantity_change, reason_code, order_id, payment_id,
			actor_id, stock_before, stock_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	row := q.ext.QueryRowxContext(ctx, query,
		e.ProductID, e.QuantityChange, e.ReasonCode, e.OrderID, e.PaymentID,
		e.ActorID, e.StockBefore, e.StockAfter)
	return row.Scan(&e.ID, &e.CreatedAt)
}

// ListStockLog returns a product's audit trail oldest first
func (q *queries) ListStockLog(ctx context.Context, productID int64) ([]models.StockLogEntry, error) {
	var entries []models.StockLogEntry
	err := sqlx.SelectContext(ctx, q.ext, &entries,
		"SELECT * FROM stock_log WHERE product_id = $1 ORDER BY id", productID)
	return entries, err
}
