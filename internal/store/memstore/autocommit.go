package memstore

import (
	"context"
	"errors"
	"time"

	"checkout-engine/internal/models"
)

var errDuplicateCode = errors.New("memstore: duplicate coupon code")

// Querier methods outside a transaction run against the live state under
// the store lock, one statement at a time.

func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	return s.autocommit(func(v *view) error { return v.CreateProduct(ctx, p) })
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) (out []models.Product, err error) {
	err = s.autocommit(func(v *view) error {
		out, err = v.GetProductsByIDs(ctx, ids)
		return err
	})
	return out, err
}

func (s *Store) GetStockRecords(ctx context.Context, ids []int64) (out []models.StockRecord, err error) {
	err = s.autocommit(func(v *view) error {
		out, err = v.GetStockRecords(ctx, ids)
		return err
	})
	return out, err
}

func (s *Store) DecrementStock(ctx context.Context, productID int64, quantity int) (out *models.StockChange, err error) {
	err = s.autocommit(func(v *view) error {
		out, err = v.DecrementStock(ctx, productID, quantity)
		return err
	})
	return out, err
}

func (s *Store) AdjustStock(ctx context.Context, productID int64, delta int) (out *models.StockChange, err error) {
	err = s.autocommit(func(v *view) error {
		out, err = v.AdjustStock(ctx, productID, delta)
		return err
	})
	return out, err
}

func (s *Store) InsertStockLog(ctx context.Context, e *models.StockLogEntry) error {
	return s.autocommit(func(v *view) error { return v.InsertStockLog(ctx, e) })
}

func (s *Store) ListStockLog(ctx context.Context, productID int64) (out []models.StockLogEntry, err error) {
	err = s.autocommit(func(v *view) error {
		out, err = v.ListStockLog(ctx, productID)
		return err
	})
	return out, err
}

func (s *Store) GetProcessedPayment(ctx context.Context, paymentID, provider string) (out *models.ProcessedPayment, err error) {
	err = s.autocommit(func(v *view) error {
		out, err = v.GetProcessedPayment(ctx, paymentID, provider)
		return err
	})
	return out, err
}

func (s *Store) InsertProcessedPayment(ctx context.Context, p *models.ProcessedPayment) (ok bool, err error) {
	err = s.autocommit(func(v *view) error {
		ok, err = v.InsertProcessedPayment(ctx, p)
		return err
	})
	return ok, err
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	return s.autocommit(func(v *view) error { return v.CreateOrder(ctx, order) })
}

func (s *Store) GetOrder(ctx context.Context, id int64) (out *models.Order, err error) {
	err = s.autocommit(func(v *view) error {
		out, err = v.GetOrder(ctx, id)
		return err
	})
	return out, err
}

func (s *Store) TransitionOrder(ctx context.Context, t models.OrderTransition) (ok bool, err error) {
	err = s.autocommit(func(v *view) error {
		ok, err = v.TransitionOrder(ctx, t)
		return err
	})
	return ok, err
}

func (s *Store) CreateCoupon(ctx context.Context, c *models.Coupon) error {
	return s.autocommit(func(v *view) error { return v.CreateCoupon(ctx, c) })
}

func (s *Store) GetCoupon(ctx context.Context, id int64) (out *models.Coupon, err error) {
	err = s.autocommit(func(v *view) error {
		out, err = v.GetCoupon(ctx, id)
		return err
	})
	return out, err
}

func (s *Store) GetCouponByCode(ctx context.Context, code string) (out *models.Coupon, err error) {
	err = s.autocommit(func(v *view) error {
		out, err = v.GetCouponByCode(ctx, code)
		return err
	})
	return out, err
}

func (s *Store) IncrementCouponUses(ctx context.Context, couponID int64) (ok bool, err error) {
	err = s.autocommit(func(v *view) error {
		ok, err = v.IncrementCouponUses(ctx, couponID)
		return err
	})
	return ok, err
}

func (s *Store) CountCouponUsages(ctx context.Context, couponID, userID int64) (n int, err error) {
	err = s.autocommit(func(v *view) error {
		n, err = v.CountCouponUsages(ctx, couponID, userID)
		return err
	})
	return n, err
}

func (s *Store) InsertCouponUsage(ctx context.Context, u *models.CouponUsage) (ok bool, err error) {
	err = s.autocommit(func(v *view) error {
		ok, err = v.InsertCouponUsage(ctx, u)
		return err
	})
	return ok, err
}

func (s *Store) GetCouponUsage(ctx context.Context, couponID, orderID int64) (out *models.CouponUsage, err error) {
	err = s.autocommit(func(v *view) error {
		out, err = v.GetCouponUsage(ctx, couponID, orderID)
		return err
	})
	return out, err
}

func (s *Store) GetIdempotency(ctx context.Context, key string) (out *models.IdempotencyRecord, err error) {
	err = s.autocommit(func(v *view) error {
		out, err = v.GetIdempotency(ctx, key)
		return err
	})
	return out, err
}

func (s *Store) ClaimIdempotency(ctx context.Context, key, requestHash string, expiresAt time.Time) (ok bool, err error) {
	err = s.autocommit(func(v *view) error {
		ok, err = v.ClaimIdempotency(ctx, key, requestHash, expiresAt)
		return err
	})
	return ok, err
}

func (s *Store) CompleteIdempotency(ctx context.Context, key string, status int, body []byte, expiresAt time.Time) error {
	return s.autocommit(func(v *view) error { return v.CompleteIdempotency(ctx, key, status, body, expiresAt) })
}

func (s *Store) ReleaseIdempotency(ctx context.Context, key string) error {
	return s.autocommit(func(v *view) error { return v.ReleaseIdempotency(ctx, key) })
}

func (s *Store) DeleteExpiredIdempotency(ctx context.Context, now time.Time) (n int64, err error) {
	err = s.autocommit(func(v *view) error {
		n, err = v.DeleteExpiredIdempotency(ctx, now)
		return err
	})
	return n, err
}
