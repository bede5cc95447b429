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

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// EventPublisher publishes order lifecycle events. Implemented by
// broker.EventPublisher.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

// OrderConfirmation drives orders from pending to paid, failed or cancelled.
// Each transition is a conditional update, so concurrent and repeated
// confirmations of one order apply at most once.
type OrderConfirmation struct {
	repo    store.Repository
	ledger  *StockLedger
	coupons *CouponService
	events  EventPublisher
	audit   audit.Sink
	logger  *zap.Logger
}

func NewOrderConfirmation(
	repo store.Repository,
	ledger *StockLedger,
	coupons *CouponService,
	events EventPublisher,
	sink audit.Sink,
) *OrderConfirmation {
	return &OrderConfirmation{
		repo:    repo,
		ledger:  ledger,
		coupons: coupons,
		events:  events,
		audit:   sink,
		logger:  util.GetLogger(),
	}
}

// Re-reads allowed when a concurrent transition wins the swap.
const maxTransitionAttempts = 3

type ConfirmPaymentRequest struct {
	OrderID   int64            `json:"-"`
	PaymentID string           `json:"payment_id"`
	Provider  string           `json:"provider"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	ActorID   *int64           `json:"actor_id,omitempty"`
}

type ConfirmationResult struct {
	Order            *models.Order `json:"order"`
	AlreadyProcessed bool          `json:"already_processed"`
	// AfterFailure is set when the payment succeeded on an order that an
	// earlier declined attempt had marked failed.
	AfterFailure bool `json:"after_failure,omitempty"`
}

// ConfirmPayment applies a successful payment: the order moves to
// processing/paid and its items are taken out of stock, in one transaction.
// Insufficient stock rolls everything back and leaves the order in its
// previous state. A failed order still accepts a later successful payment.
func (s *OrderConfirmation) ConfirmPayment(ctx context.Context, req ConfirmPaymentRequest) (result *ConfirmationResult, err error) {
	ctx, span := util.StartSpan(ctx, "OrderConfirmation.ConfirmPayment")
	defer func() { util.EndSpan(span, err) }()
	span.SetAttributes(
		attribute.Int64("order_id", req.OrderID),
		attribute.String("payment_id", req.PaymentID),
		attribute.String("provider", req.Provider),
	)

	start := time.Now()
	defer func() { util.PaymentProcessingLatency.Observe(time.Since(start).Seconds()) }()

	if strings.TrimSpace(req.Provider) == "" {
		req.Provider = models.ProviderManual
	}
	if req.Provider == models.ProviderManual && strings.TrimSpace(req.PaymentID) == "" {
		req.PaymentID = fmt.Sprintf("manual-%d", req.OrderID)
	}
	if strings.TrimSpace(req.PaymentID) == "" {
		return nil, fmt.Errorf("%w: payment id is required", ErrInvalidRequest)
	}

	err = s.repo.InTx(ctx, func(q store.Querier) error {
		var err error
		result, err = s.confirmTx(ctx, q, req)
		return err
	})
	if err != nil {
		s.recordConfirmFailure(req, err)
		return nil, txErr("confirm payment", err)
	}

	if result.AlreadyProcessed {
		s.recordDuplicate(ctx, req, result.Order)
	} else {
		util.PaymentConfirmationsTotal.WithLabelValues("confirmed").Inc()
		util.OrdersPaidTotal.Inc()
		s.logger.Info("Payment confirmed",
			zap.Int64("order_id", req.OrderID),
			zap.String("payment_id", req.PaymentID),
			zap.String("provider", req.Provider))
		s.afterConfirm(ctx, req, result.Order)
		if result.AfterFailure {
			s.recordAfterFailure(ctx, req, result.Order)
		}
	}

	// Redemption is idempotent per order, so a duplicate delivery finishes a
	// redemption that a crash interrupted.
	if result.Order.CouponID != nil && result.Order.PaymentStatus == models.PaymentStatusPaid {
		s.redeemOrderCoupon(ctx, result.Order)
	}
	return result, nil
}

func (s *OrderConfirmation) confirmTx(ctx context.Context, q store.Querier, req ConfirmPaymentRequest) (*ConfirmationResult, error) {
	order, err := q.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, storeErr("get order", err, ErrOrderNotFound)
	}

	if req.Provider == models.ProviderManual && order.PaymentMethod != models.PaymentMethodCash {
		return nil, ErrPaymentMethodMismatch
	}
	if req.Amount != nil && !req.Amount.Equal(order.TotalAmount) {
		return nil, fmt.Errorf("%w: got %s, order total is %s",
			ErrPaymentAmountMismatch, req.Amount.String(), order.TotalAmount.String())
	}

	// The swap is conditioned on the state just read, pending/pending or
	// failed/failed. When a concurrent transition makes it miss, the order is
	// read again and judged on its new state.
	paymentID := req.PaymentID
	var afterFailure bool
	for attempt := 1; ; attempt++ {
		done, err := confirmedState(order)
		if err != nil {
			return nil, err
		}
		if done {
			return &ConfirmationResult{Order: order, AlreadyProcessed: true}, nil
		}
		afterFailure = order.Status == models.OrderStatusFailed

		moved, err := q.TransitionOrder(ctx, models.OrderTransition{
			OrderID:           order.ID,
			FromStatuses:      []models.OrderStatus{order.Status},
			FromPaymentStatus: order.PaymentStatus,
			ToStatus:          models.OrderStatusProcessing,
			ToPaymentStatus:   models.PaymentStatusPaid,
			PaymentID:         &paymentID,
		})
		if err != nil {
			return nil, storeErr("transition order", err, nil)
		}
		if moved {
			break
		}
		if attempt == maxTransitionAttempts {
			return nil, fmt.Errorf("%w: order %d keeps changing concurrently", ErrOrderStateConflict, order.ID)
		}
		if order, err = q.GetOrder(ctx, order.ID); err != nil {
			return nil, storeErr("get order", err, ErrOrderNotFound)
		}
	}

	items := make([]StockItem, len(order.Items))
	for i, item := range order.Items {
		items[i] = StockItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	decreased, err := s.ledger.decreaseStockTx(ctx, q, DecreaseStockRequest{
		Items:     items,
		OrderID:   order.ID,
		PaymentID: req.PaymentID,
		Provider:  req.Provider,
		Amount:    order.TotalAmount,
	})
	if err != nil {
		return nil, err
	}
	if decreased.AlreadyProcessed {
		s.logger.Warn("Payment recorded before its order was confirmed",
			zap.Int64("order_id", order.ID),
			zap.String("payment_id", req.PaymentID))
	}

	order.Status = models.OrderStatusProcessing
	order.PaymentStatus = models.PaymentStatusPaid
	order.PaymentID = &paymentID
	return &ConfirmationResult{Order: order, AfterFailure: afterFailure}, nil
}

// confirmedState reports whether the order already carries a confirmed
// payment. Pending orders and orders whose earlier attempt was declined can
// still be confirmed; cancelled orders reject a late confirmation.
func confirmedState(order *models.Order) (bool, error) {
	if order.PaymentStatus == models.PaymentStatusPaid {
		return true, nil
	}
	switch order.Status {
	case models.OrderStatusPending:
		if order.PaymentStatus == models.PaymentStatusPending {
			return false, nil
		}
	case models.OrderStatusFailed:
		if order.PaymentStatus == models.PaymentStatusFailed {
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: order %d is %s/%s",
		ErrOrderStateConflict, order.ID, order.Status, order.PaymentStatus)
}

// recordDuplicate audits a confirmation that changed nothing. A different
// payment id on a paid order means the customer was charged twice, which is
// audited separately so it can be refunded.
func (s *OrderConfirmation) recordDuplicate(ctx context.Context, req ConfirmPaymentRequest, order *models.Order) {
	amount := "unknown"
	if req.Amount != nil {
		amount = req.Amount.String()
	}

	e := audit.NewEntry(audit.ActionPaymentDuplicate)
	e.OrderID = &req.OrderID
	e.ActorID = req.ActorID
	e.PaymentID = req.PaymentID
	e.Provider = req.Provider
	e.Details = map[string]interface{}{"amount": amount}

	if order.PaymentID != nil && *order.PaymentID != req.PaymentID {
		util.PaymentConfirmationsTotal.WithLabelValues("extra_capture").Inc()
		s.logger.Warn("Second payment captured for a paid order",
			zap.Int64("order_id", req.OrderID),
			zap.String("payment_id", req.PaymentID),
			zap.String("order_payment_id", *order.PaymentID),
			zap.String("provider", req.Provider),
			zap.String("amount", amount))
		e.Action = audit.ActionPaymentExtraCapture
		e.Details["order_payment_id"] = *order.PaymentID
		e.Details["order_total"] = order.TotalAmount.String()
		s.audit.Record(ctx, e)
		return
	}

	util.PaymentConfirmationsTotal.WithLabelValues("duplicate").Inc()
	s.logger.Info("Payment already applied",
		zap.Int64("order_id", req.OrderID),
		zap.String("payment_id", req.PaymentID),
		zap.String("provider", req.Provider))
	s.audit.Record(ctx, e)
}

func (s *OrderConfirmation) recordAfterFailure(ctx context.Context, req ConfirmPaymentRequest, order *models.Order) {
	s.logger.Warn("Payment confirmed after an earlier failure",
		zap.Int64("order_id", order.ID),
		zap.String("payment_id", req.PaymentID),
		zap.String("provider", req.Provider))
	e := audit.NewEntry(audit.ActionPaymentAfterFailure)
	e.OrderID = &order.ID
	e.ActorID = req.ActorID
	e.PaymentID = req.PaymentID
	e.Provider = req.Provider
	e.Details = map[string]interface{}{"previous_status": string(models.OrderStatusFailed)}
	s.audit.Record(ctx, e)
}

func (s *OrderConfirmation) recordConfirmFailure(req ConfirmPaymentRequest, err error) {
	outcome := "error"
	switch {
	case errors.Is(err, ErrInsufficientStock):
		outcome = "insufficient_stock"
	case errors.Is(err, ErrOrderStateConflict):
		outcome = "state_conflict"
	case IsBusinessError(err):
		outcome = "rejected"
	}
	util.PaymentConfirmationsTotal.WithLabelValues(outcome).Inc()
	s.logger.Warn("Payment confirmation failed",
		zap.Int64("order_id", req.OrderID),
		zap.String("payment_id", req.PaymentID),
		zap.String("provider", req.Provider),
		zap.String("outcome", outcome),
		zap.Error(err))
}

func (s *OrderConfirmation) afterConfirm(ctx context.Context, req ConfirmPaymentRequest, order *models.Order) {
	event := &models.OrderPaidEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderPaid),
		OrderID:   order.ID,
		PaymentID: req.PaymentID,
		Provider:  req.Provider,
		Amount:    order.TotalAmount,
	}
	if err := s.events.PublishOrderPaid(ctx, event); err != nil {
		util.EventsPublishFailed.WithLabelValues(models.EventTypeOrderPaid).Inc()
		s.logger.Error("Failed to publish OrderPaid event", zap.Int64("order_id", order.ID), zap.Error(err))
	}

	e := audit.NewEntry(audit.ActionPaymentConfirmed)
	e.OrderID = &order.ID
	e.ActorID = req.ActorID
	e.PaymentID = req.PaymentID
	e.Provider = req.Provider
	e.Details = map[string]interface{}{"amount": order.TotalAmount.String()}
	s.audit.Record(ctx, e)

	for _, item := range order.Items {
		productID := item.ProductID
		se := audit.NewEntry(audit.ActionStockDecreased)
		se.OrderID = &order.ID
		se.ProductID = &productID
		se.PaymentID = req.PaymentID
		se.Provider = req.Provider
		se.Details = map[string]interface{}{"quantity_change": -item.Quantity}
		s.audit.Record(ctx, se)
	}
}

func (s *OrderConfirmation) redeemOrderCoupon(ctx context.Context, order *models.Order) {
	userID := order.UserID
	_, err := s.coupons.RedeemCoupon(ctx, RedeemCouponRequest{
		CouponID:       *order.CouponID,
		OrderID:        order.ID,
		UserID:         &userID,
		DiscountAmount: order.DiscountAmount,
	})
	if err != nil {
		s.logger.Error("Coupon redemption failed after payment",
			zap.Int64("order_id", order.ID),
			zap.Int64("coupon_id", *order.CouponID),
			zap.Error(err))
	}
}

type PaymentFailureRequest struct {
	OrderID   int64
	PaymentID string
	Provider  string
	Reason    string
}

type TransitionResult struct {
	Order   *models.Order `json:"order"`
	Changed bool          `json:"changed"`
}

// RecordPaymentFailure marks a pending order failed when the gateway reports
// a failed payment. Failures for orders that already hold a confirmed
// payment are ignored.
func (s *OrderConfirmation) RecordPaymentFailure(ctx context.Context, req PaymentFailureRequest) (result *TransitionResult, err error) {
	ctx, span := util.StartSpan(ctx, "OrderConfirmation.RecordPaymentFailure")
	defer func() { util.EndSpan(span, err) }()

	err = s.repo.InTx(ctx, func(q store.Querier) error {
		order, err := q.GetOrder(ctx, req.OrderID)
		if err != nil {
			return storeErr("get order", err, ErrOrderNotFound)
		}
		if order.Status != models.OrderStatusPending || order.PaymentStatus != models.PaymentStatusPending {
			result = &TransitionResult{Order: order}
			return nil
		}

		moved, err := q.TransitionOrder(ctx, models.OrderTransition{
			OrderID:           order.ID,
			FromStatuses:      []models.OrderStatus{models.OrderStatusPending},
			FromPaymentStatus: models.PaymentStatusPending,
			ToStatus:          models.OrderStatusFailed,
			ToPaymentStatus:   models.PaymentStatusFailed,
		})
		if err != nil {
			return storeErr("transition order", err, nil)
		}
		if moved {
			order.Status = models.OrderStatusFailed
			order.PaymentStatus = models.PaymentStatusFailed
		} else if order, err = q.GetOrder(ctx, req.OrderID); err != nil {
			return storeErr("get order", err, ErrOrderNotFound)
		}
		result = &TransitionResult{Order: order, Changed: moved}
		return nil
	})
	if err != nil {
		return nil, txErr("record payment failure", err)
	}

	if !result.Changed {
		s.logger.Info("Ignoring payment failure for settled order",
			zap.Int64("order_id", req.OrderID),
			zap.String("status", string(result.Order.Status)))
		return result, nil
	}

	util.PaymentFailedTotal.Inc()
	util.OrdersFailedTotal.WithLabelValues("payment_failed").Inc()
	event := &models.PaymentFailedEvent{
		BaseEvent: newBaseEvent(models.EventTypePaymentFailed),
		OrderID:   req.OrderID,
		PaymentID: req.PaymentID,
		Provider:  req.Provider,
		Reason:    req.Reason,
	}
	if err := s.events.PublishPaymentFailed(ctx, event); err != nil {
		util.EventsPublishFailed.WithLabelValues(models.EventTypePaymentFailed).Inc()
		s.logger.Error("Failed to publish PaymentFailed event", zap.Int64("order_id", req.OrderID), zap.Error(err))
	}
	e := audit.NewEntry(audit.ActionPaymentFailed)
	e.OrderID = &req.OrderID
	e.PaymentID = req.PaymentID
	e.Provider = req.Provider
	e.Details = map[string]interface{}{"reason": req.Reason}
	s.audit.Record(ctx, e)
	return result, nil
}

type CancelOrderRequest struct {
	OrderID int64  `json:"-"`
	Reason  string `json:"reason"`
	ActorID *int64 `json:"actor_id,omitempty"`
}

type CancelResult struct {
	TransitionResult
	Restocked bool `json:"restocked"`
}

// CancelOrder cancels a pending or processing order. When the payment was
// already applied the items go back into stock in the same transaction.
func (s *OrderConfirmation) CancelOrder(ctx context.Context, req CancelOrderRequest) (result *CancelResult, err error) {
	ctx, span := util.StartSpan(ctx, "OrderConfirmation.CancelOrder")
	defer func() { util.EndSpan(span, err) }()
	span.SetAttributes(attribute.Int64("order_id", req.OrderID))

	err = s.repo.InTx(ctx, func(q store.Querier) error {
		var err error
		result, err = s.cancelTx(ctx, q, req)
		return err
	})
	if err != nil {
		return nil, txErr("cancel order", err)
	}
	if !result.Changed {
		return result, nil
	}

	util.OrdersCancelledTotal.Inc()
	s.logger.Info("Order cancelled",
		zap.Int64("order_id", req.OrderID),
		zap.Bool("restocked", result.Restocked),
		zap.String("reason", req.Reason))

	event := &models.OrderCancelledEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderCancelled),
		OrderID:   req.OrderID,
		Reason:    req.Reason,
		Restocked: result.Restocked,
	}
	if err := s.events.PublishOrderCancelled(ctx, event); err != nil {
		util.EventsPublishFailed.WithLabelValues(models.EventTypeOrderCancelled).Inc()
		s.logger.Error("Failed to publish OrderCancelled event", zap.Int64("order_id", req.OrderID), zap.Error(err))
	}

	e := audit.NewEntry(audit.ActionOrderCancelled)
	e.OrderID = &req.OrderID
	e.ActorID = req.ActorID
	e.Details = map[string]interface{}{"reason": req.Reason, "restocked": result.Restocked}
	s.audit.Record(ctx, e)
	if result.Restocked {
		for _, item := range result.Order.Items {
			productID := item.ProductID
			se := audit.NewEntry(audit.ActionStockAdjusted)
			se.OrderID = &req.OrderID
			se.ProductID = &productID
			se.ActorID = req.ActorID
			se.Details = map[string]interface{}{"quantity_change": item.Quantity, "reason": models.ReasonOrderCancelled}
			s.audit.Record(ctx, se)
		}
	}
	return result, nil
}

func (s *OrderConfirmation) cancelTx(ctx context.Context, q store.Querier, req CancelOrderRequest) (*CancelResult, error) {
	order, err := q.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, storeErr("get order", err, ErrOrderNotFound)
	}

	t := models.OrderTransition{OrderID: order.ID, ToStatus: models.OrderStatusCancelled}
	restock := false
	switch {
	case order.Status == models.OrderStatusCancelled:
		return &CancelResult{TransitionResult: TransitionResult{Order: order}}, nil
	case order.Status == models.OrderStatusPending && order.PaymentStatus == models.PaymentStatusPending:
		t.FromStatuses = []models.OrderStatus{models.OrderStatusPending}
		t.FromPaymentStatus = models.PaymentStatusPending
	case order.Status == models.OrderStatusProcessing && order.PaymentStatus == models.PaymentStatusPaid:
		t.FromStatuses = []models.OrderStatus{models.OrderStatusProcessing}
		t.FromPaymentStatus = models.PaymentStatusPaid
		restock = true
	default:
		return nil, fmt.Errorf("%w: order %d is %s/%s and cannot be cancelled",
			ErrOrderStateConflict, order.ID, order.Status, order.PaymentStatus)
	}

	moved, err := q.TransitionOrder(ctx, t)
	if err != nil {
		return nil, storeErr("transition order", err, nil)
	}
	if !moved {
		return nil, fmt.Errorf("%w: order %d changed concurrently", ErrOrderStateConflict, order.ID)
	}

	if restock {
		orderID := order.ID
		for _, item := range order.Items {
			_, err := s.ledger.adjustStockTx(ctx, q, AdjustStockRequest{
				ProductID: item.ProductID,
				Delta:     item.Quantity,
				Reason:    models.ReasonOrderCancelled,
				ActorID:   req.ActorID,
				OrderID:   &orderID,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	order.Status = models.OrderStatusCancelled
	return &CancelResult{TransitionResult: TransitionResult{Order: order, Changed: true}, Restocked: restock}, nil
}

// CompleteOrder marks a processing order as fulfilled.
func (s *OrderConfirmation) CompleteOrder(ctx context.Context, orderID int64, actorID *int64) (result *TransitionResult, err error) {
	ctx, span := util.StartSpan(ctx, "OrderConfirmation.CompleteOrder")
	defer func() { util.EndSpan(span, err) }()

	err = s.repo.InTx(ctx, func(q store.Querier) error {
		order, err := q.GetOrder(ctx, orderID)
		if err != nil {
			return storeErr("get order", err, ErrOrderNotFound)
		}
		switch order.Status {
		case models.OrderStatusPaid:
			result = &TransitionResult{Order: order}
			return nil
		case models.OrderStatusProcessing:
		default:
			return fmt.Errorf("%w: order %d is %s", ErrOrderStateConflict, order.ID, order.Status)
		}

		moved, err := q.TransitionOrder(ctx, models.OrderTransition{
			OrderID:           order.ID,
			FromStatuses:      []models.OrderStatus{models.OrderStatusProcessing},
			FromPaymentStatus: models.PaymentStatusPaid,
			ToStatus:          models.OrderStatusPaid,
		})
		if err != nil {
			return storeErr("transition order", err, nil)
		}
		if !moved {
			return fmt.Errorf("%w: order %d changed concurrently", ErrOrderStateConflict, order.ID)
		}
		order.Status = models.OrderStatusPaid
		result = &TransitionResult{Order: order, Changed: true}
		return nil
	})
	if err != nil {
		return nil, txErr("complete order", err)
	}

	if result.Changed {
		e := audit.NewEntry(audit.ActionOrderCompleted)
		e.OrderID = &orderID
		e.ActorID = actorID
		s.audit.Record(ctx, e)
	}
	return result, nil
}

type PaymentEventOutcome struct {
	Status           string        `json:"status"`
	AlreadyProcessed bool          `json:"already_processed"`
	Order            *models.Order `json:"order"`
}

// HandlePaymentEvent routes a gateway notification by its status. The same
// event may arrive any number of times, in any order.
func (s *OrderConfirmation) HandlePaymentEvent(ctx context.Context, event models.PaymentEvent) (*PaymentEventOutcome, error) {
	if event.OrderID <= 0 || strings.TrimSpace(event.PaymentID) == "" || strings.TrimSpace(event.Provider) == "" {
		return nil, fmt.Errorf("%w: payment_id, provider and order_id are required", ErrInvalidRequest)
	}

	switch strings.ToLower(event.Status) {
	case models.GatewayStatusSucceeded, "success", "paid":
		req := ConfirmPaymentRequest{
			OrderID:   event.OrderID,
			PaymentID: event.PaymentID,
			Provider:  event.Provider,
		}
		if !event.Amount.IsZero() {
			amount := event.Amount
			req.Amount = &amount
		}
		result, err := s.ConfirmPayment(ctx, req)
		if err != nil {
			return nil, err
		}
		return &PaymentEventOutcome{
			Status:           models.GatewayStatusSucceeded,
			AlreadyProcessed: result.AlreadyProcessed,
			Order:            result.Order,
		}, nil

	case models.GatewayStatusFailed:
		result, err := s.RecordPaymentFailure(ctx, PaymentFailureRequest{
			OrderID:   event.OrderID,
			PaymentID: event.PaymentID,
			Provider:  event.Provider,
			Reason:    event.Reason,
		})
		if err != nil {
			return nil, err
		}
		return &PaymentEventOutcome{
			Status:           models.GatewayStatusFailed,
			AlreadyProcessed: !result.Changed,
			Order:            result.Order,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown payment status %q", ErrInvalidRequest, event.Status)
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
