package service

import (
	"errors"
	"fmt"
	"strings"

	"checkout-engine/internal/store"
)

var (
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrInvalidCoupon         = errors.New("invalid coupon")
	ErrOrderStateConflict    = errors.New("order state conflict")
	ErrTransientStore        = errors.New("transient store failure")
	ErrInvalidQuantity       = errors.New("quantity must be positive")
	ErrInvalidReason         = errors.New("reason code is required")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrPaymentMethodMismatch = errors.New("manual confirmation is only allowed for cash orders")
	ErrPaymentAmountMismatch = errors.New("payment amount does not match order total")
	ErrPaymentOrderMismatch  = errors.New("payment already applied to another order")
	ErrProductNotFound       = errors.New("product not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrCouponNotFound        = errors.New("coupon not found")
)

// ItemShortage describes one line that cannot be fulfilled.
type ItemShortage struct {
	ProductID int64 `json:"product_id"`
	Requested int   `json:"requested"`
	Available int   `json:"available"`
}

// InsufficientStockError names every item whose stock could not cover the request.
type InsufficientStockError struct {
	Items []ItemShortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, len(e.Items))
	for i, item := range e.Items {
		parts[i] = fmt.Sprintf("product %d (requested %d, available %d)", item.ProductID, item.Requested, item.Available)
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type CouponReason string

const (
	CouponNotFound            CouponReason = "not_found"
	CouponInactive            CouponReason = "inactive"
	CouponNotYetValid         CouponReason = "not_yet_valid"
	CouponExpired             CouponReason = "expired"
	CouponMinOrderNotMet      CouponReason = "min_order_not_met"
	CouponMaxUsesReached      CouponReason = "max_uses_reached"
	CouponPerUserLimitReached CouponReason = "per_user_limit_reached"
)

type InvalidCouponError struct {
	Reason CouponReason
}

func (e *InvalidCouponError) Error() string {
	return fmt.Sprintf("invalid coupon: %s", e.Reason)
}

func (e *InvalidCouponError) Is(target error) bool {
	return target == ErrInvalidCoupon || (target == ErrCouponNotFound && e.Reason == CouponNotFound)
}

// storeErr wraps a store error for op, tagging retryable driver failures
// with ErrTransientStore and translating a missing row into notFound.
func storeErr(op string, err error, notFound error) error {
	switch {
	case err == nil:
		return nil
	case notFound != nil && errors.Is(err, store.ErrNotFound):
		return notFound
	case store.IsRetryable(err):
		return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// IsBusinessError reports whether err is a deterministic rejection that a
// retry will not change.
func IsBusinessError(err error) bool {
	for _, target := range []error{
		ErrInsufficientStock, ErrInvalidCoupon, ErrOrderStateConflict, ErrInvalidQuantity,
		ErrInvalidReason, ErrInvalidRequest, ErrPaymentMethodMismatch, ErrPaymentAmountMismatch,
		ErrPaymentOrderMismatch, ErrProductNotFound, ErrOrderNotFound, ErrCouponNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// txErr passes business rejections through untouched and wraps anything
// else that escaped a transaction.
func txErr(op string, err error) error {
	if err == nil || IsBusinessError(err) {
		return err
	}
	return storeErr(op, err, nil)
}
