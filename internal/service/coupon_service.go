package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-engine/internal/audit"
	"checkout-engine/internal/models"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// errAlreadyRedeemed rolls back a redemption that lost the race to insert
// the usage row for the same order.
var errAlreadyRedeemed = errors.New("coupon already redeemed for order")

// CouponService validates coupons and counts their uses.
type CouponService struct {
	repo   store.Repository
	audit  audit.Sink
	now    func() time.Time
	logger *zap.Logger
}

func NewCouponService(repo store.Repository, sink audit.Sink) *CouponService {
	return &CouponService{
		repo:   repo,
		audit:  sink,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

type ValidateCouponRequest struct {
	Code         string          `json:"code" binding:"required"`
	UserID       *int64          `json:"user_id,omitempty"`
	OrderAmount  decimal.Decimal `json:"order_amount"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
}

type CouponValidation struct {
	Valid          bool            `json:"valid"`
	Reason         CouponReason    `json:"reason,omitempty"`
	CouponID       int64           `json:"coupon_id,omitempty"`
	Type           string          `json:"type,omitempty"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

// Err converts an invalid result into an *InvalidCouponError.
func (v *CouponValidation) Err() error {
	if v.Valid {
		return nil
	}
	return &InvalidCouponError{Reason: v.Reason}
}

// ValidateCoupon evaluates a coupon without changing anything. An invalid
// coupon is reported in the result, not as an error.
func (s *CouponService) ValidateCoupon(ctx context.Context, req ValidateCouponRequest) (*CouponValidation, error) {
	ctx, span := util.StartSpan(ctx, "CouponService.ValidateCoupon")
	defer span.End()

	code := strings.TrimSpace(req.Code)
	if code == "" {
		return &CouponValidation{Reason: CouponNotFound, DiscountAmount: decimal.Zero}, nil
	}
	if req.OrderAmount.IsNegative() || req.ShippingCost.IsNegative() {
		return nil, fmt.Errorf("%w: amounts must not be negative", ErrInvalidRequest)
	}

	coupon, err := s.repo.GetCouponByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return &CouponValidation{Reason: CouponNotFound, DiscountAmount: decimal.Zero}, nil
	}
	if err != nil {
		return nil, storeErr("get coupon", err, nil)
	}

	userUses := 0
	if req.UserID != nil && coupon.PerUserLimit != nil {
		userUses, err = s.repo.CountCouponUsages(ctx, coupon.ID, *req.UserID)
		if err != nil {
			return nil, storeErr("count coupon usages", err, nil)
		}
	}

	reason, discount := evaluateCoupon(coupon, s.now(), req.OrderAmount, req.ShippingCost, userUses)
	return &CouponValidation{
		Valid:          reason == "",
		Reason:         reason,
		CouponID:       coupon.ID,
		Type:           string(coupon.Type),
		DiscountAmount: discount,
	}, nil
}

// evaluateCoupon returns the first failing reason, in a fixed order, or the
// discount the coupon grants on orderAmount.
func evaluateCoupon(c *models.Coupon, now time.Time, orderAmount, shippingCost decimal.Decimal, userUses int) (CouponReason, decimal.Decimal) {
	if reason := checkCouponWindow(c, now); reason != "" {
		return reason, decimal.Zero
	}
	if orderAmount.LessThan(c.MinOrderAmount) {
		return CouponMinOrderNotMet, decimal.Zero
	}
	if c.MaxUses != nil && c.UsesCount >= *c.MaxUses {
		return CouponMaxUsesReached, decimal.Zero
	}
	if c.PerUserLimit != nil && userUses >= *c.PerUserLimit {
		return CouponPerUserLimitReached, decimal.Zero
	}
	return "", couponDiscount(c, orderAmount, shippingCost)
}

func checkCouponWindow(c *models.Coupon, now time.Time) CouponReason {
	switch {
	case !c.IsActive:
		return CouponInactive
	case now.Before(c.ValidFrom):
		return CouponNotYetValid
	case c.ValidUntil != nil && now.After(*c.ValidUntil):
		return CouponExpired
	}
	return ""
}

func couponDiscount(c *models.Coupon, orderAmount, shippingCost decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	switch c.Type {
	case models.CouponTypeFixed:
		discount = decimal.Min(c.Amount, orderAmount)
	case models.CouponTypePercentage:
		discount = orderAmount.Mul(c.Amount).Div(hundred)
		if c.MaxDiscountAmount.Valid {
			discount = decimal.Min(discount, c.MaxDiscountAmount.Decimal)
		}
		discount = decimal.Min(discount, orderAmount)
	case models.CouponTypeFreeShipping:
		discount = shippingCost
	}
	return discount.Round(2)
}

type RedeemCouponRequest struct {
	CouponID       int64
	OrderID        int64
	UserID         *int64
	DiscountAmount decimal.Decimal
}

type RedemptionResult struct {
	Usage           *models.CouponUsage `json:"usage,omitempty"`
	AlreadyRedeemed bool                `json:"already_redeemed"`
}

// RedeemCoupon counts one use of a coupon for an order. Uses never exceed
// MaxUses. Redeeming again for the same order changes nothing.
func (s *CouponService) RedeemCoupon(ctx context.Context, req RedeemCouponRequest) (result *RedemptionResult, err error) {
	ctx, span := util.StartSpan(ctx, "CouponService.RedeemCoupon")
	defer func() { util.EndSpan(span, err) }()
	span.SetAttributes(attribute.Int64("coupon_id", req.CouponID), attribute.Int64("order_id", req.OrderID))

	err = s.repo.InTx(ctx, func(q store.Querier) error {
		var err error
		result, err = s.redeemTx(ctx, q, req)
		return err
	})
	if errors.Is(err, errAlreadyRedeemed) {
		util.CouponRedemptionsTotal.WithLabelValues("already_redeemed").Inc()
		return &RedemptionResult{AlreadyRedeemed: true}, nil
	}
	if err != nil {
		var invalid *InvalidCouponError
		if errors.As(err, &invalid) {
			util.CouponRedemptionsTotal.WithLabelValues(string(invalid.Reason)).Inc()
			s.auditRejection(ctx, req, invalid.Reason)
		}
		return nil, txErr("redeem coupon", err)
	}

	if result.AlreadyRedeemed {
		util.CouponRedemptionsTotal.WithLabelValues("already_redeemed").Inc()
		return result, nil
	}

	util.CouponRedemptionsTotal.WithLabelValues("redeemed").Inc()
	couponID, orderID := req.CouponID, req.OrderID
	e := audit.NewEntry(audit.ActionCouponRedeemed)
	e.OrderID = &orderID
	e.ActorID = req.UserID
	e.Details = map[string]interface{}{
		"coupon_id":       couponID,
		"discount_amount": req.DiscountAmount.String(),
	}
	s.audit.Record(ctx, e)
	return result, nil
}

func (s *CouponService) redeemTx(ctx context.Context, q store.Querier, req RedeemCouponRequest) (*RedemptionResult, error) {
	if req.DiscountAmount.IsNegative() {
		return nil, fmt.Errorf("%w: discount must not be negative", ErrInvalidRequest)
	}

	existing, err := q.GetCouponUsage(ctx, req.CouponID, req.OrderID)
	switch {
	case err == nil:
		return &RedemptionResult{Usage: existing, AlreadyRedeemed: true}, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, storeErr("get coupon usage", err, nil)
	}

	coupon, err := q.GetCoupon(ctx, req.CouponID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &InvalidCouponError{Reason: CouponNotFound}
	}
	if err != nil {
		return nil, storeErr("get coupon", err, nil)
	}
	if reason := checkCouponWindow(coupon, s.now()); reason != "" {
		return nil, &InvalidCouponError{Reason: reason}
	}

	incremented, err := q.IncrementCouponUses(ctx, coupon.ID)
	if err != nil {
		return nil, storeErr("increment coupon uses", err, nil)
	}
	if !incremented {
		return nil, &InvalidCouponError{Reason: CouponMaxUsesReached}
	}

	// The increment holds the coupon row, so concurrent redemptions by the
	// same user are counted one at a time from here.
	if req.UserID != nil && coupon.PerUserLimit != nil {
		used, err := q.CountCouponUsages(ctx, coupon.ID, *req.UserID)
		if err != nil {
			return nil, storeErr("count coupon usages", err, nil)
		}
		if used >= *coupon.PerUserLimit {
			return nil, &InvalidCouponError{Reason: CouponPerUserLimitReached}
		}
	}

	usage := &models.CouponUsage{
		CouponID:       coupon.ID,
		OrderID:        req.OrderID,
		UserID:         req.UserID,
		DiscountAmount: req.DiscountAmount,
	}
	inserted, err := q.InsertCouponUsage(ctx, usage)
	if err != nil {
		return nil, storeErr("insert coupon usage", err, nil)
	}
	if !inserted {
		return nil, errAlreadyRedeemed
	}
	return &RedemptionResult{Usage: usage}, nil
}

func (s *CouponService) auditRejection(ctx context.Context, req RedeemCouponRequest, reason CouponReason) {
	orderID := req.OrderID
	e := audit.NewEntry(audit.ActionCouponRedeemRejected)
	e.OrderID = &orderID
	e.ActorID = req.UserID
	e.Details = map[string]interface{}{
		"coupon_id": req.CouponID,
		"reason":    string(reason),
	}
	s.audit.Record(ctx, e)
}
