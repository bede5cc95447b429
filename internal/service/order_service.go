package service

import (
	"context"
	"fmt"
	"strings"

	"checkout-engine/internal/audit"
	"checkout-engine/internal/models"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderService handles order intake
type OrderService struct {
	repo    store.Repository
	ledger  *StockLedger
	coupons *CouponService
	events  EventPublisher
	audit   audit.Sink
	logger  *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	repo store.Repository,
	ledger *StockLedger,
	coupons *CouponService,
	events EventPublisher,
	sink audit.Sink,
) *OrderService {
	return &OrderService{
		repo:    repo,
		ledger:  ledger,
		coupons: coupons,
		events:  events,
		audit:   sink,
		logger:  util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	UserID        int64           `json:"user_id" binding:"required"`
	Items         []StockItem     `json:"items" binding:"required,min=1"`
	PaymentMethod string          `json:"payment_method" binding:"required"`
	CouponCode    string          `json:"coupon_code,omitempty"`
	ShippingCost  decimal.Decimal `json:"shipping_cost"`
}

// CreateOrder validates the items and prices the order. Stock is only
// checked here; it is taken when the payment is confirmed.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer func() { util.EndSpan(span, err) }()

	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method != models.PaymentMethodCash && method != models.PaymentMethodCard {
		return nil, fmt.Errorf("%w: unsupported payment method %q", ErrInvalidRequest, req.PaymentMethod)
	}
	if req.ShippingCost.IsNegative() {
		return nil, fmt.Errorf("%w: shipping cost must not be negative", ErrInvalidRequest)
	}

	items, err := mergeItems(req.Items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	products, err := s.validateOrderItems(ctx, items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	availability, err := s.ledger.CheckAvailability(ctx, items)
	if err != nil {
		return nil, err
	}
	if !availability.Available {
		util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
		return nil, &InsufficientStockError{Items: availability.Shortages()}
	}

	subtotal := calculateTotal(items, products)
	discount := decimal.Zero
	var couponID *int64
	if code := strings.TrimSpace(req.CouponCode); code != "" {
		userID := req.UserID
		v, err := s.coupons.ValidateCoupon(ctx, ValidateCouponRequest{
			Code:         code,
			UserID:       &userID,
			OrderAmount:  subtotal,
			ShippingCost: req.ShippingCost,
		})
		if err != nil {
			return nil, err
		}
		if err := v.Err(); err != nil {
			util.OrdersFailedTotal.WithLabelValues("invalid_coupon").Inc()
			return nil, err
		}
		discount = v.DiscountAmount
		couponID = &v.CouponID
	}

	order = &models.Order{
		UserID:         req.UserID,
		Status:         models.OrderStatusPending,
		PaymentStatus:  models.PaymentStatusPending,
		PaymentMethod:  method,
		CouponID:       couponID,
		Subtotal:       subtotal,
		DiscountAmount: discount,
		ShippingCost:   req.ShippingCost,
		TotalAmount:    subtotal.Sub(discount).Add(req.ShippingCost),
		Items:          make([]models.OrderItem, 0, len(items)),
	}
	for _, item := range items {
		order.Items = append(order.Items, models.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: products[item.ProductID].Price,
		})
	}

	err = s.repo.InTx(ctx, func(q store.Querier) error {
		return q.CreateOrder(ctx, order)
	})
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, storeErr("create order", err, nil)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.String("total", order.TotalAmount.String()))

	itemData := make([]models.OrderItemData, len(order.Items))
	for i, item := range order.Items {
		itemData[i] = models.OrderItemData{ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: item.UnitPrice}
	}
	event := &models.OrderCreatedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderCreated),
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Items:       itemData,
	}
	if err := s.events.PublishOrderCreated(ctx, event); err != nil {
		util.EventsPublishFailed.WithLabelValues(models.EventTypeOrderCreated).Inc()
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	userID := order.UserID
	e := audit.NewEntry(audit.ActionOrderCreated)
	e.OrderID = &order.ID
	e.ActorID = &userID
	e.Details = map[string]interface{}{
		"total_amount": order.TotalAmount.String(),
		"items":        len(order.Items),
	}
	s.audit.Record(ctx, e)
	return order, nil
}

// validateOrderItems validates that all products exist
func (s *OrderService) validateOrderItems(ctx context.Context, items []StockItem) (map[int64]*models.Product, error) {
	products, err := s.repo.GetProductsByIDs(ctx, productIDs(items))
	if err != nil {
		return nil, storeErr("get products", err, nil)
	}

	productMap := make(map[int64]*models.Product, len(products))
	for i := range products {
		productMap[products[i].ID] = &products[i]
	}
	for _, item := range items {
		if _, ok := productMap[item.ProductID]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrProductNotFound, item.ProductID)
		}
	}
	return productMap, nil
}

// calculateTotal calculates the subtotal of an order
func calculateTotal(items []StockItem, products map[int64]*models.Product) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(products[item.ProductID].Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// GetOrder retrieves an order with its items
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, storeErr("get order", err, ErrOrderNotFound)
	}
	return order, nil
}
