package service

import (
	"context"
	"testing"

	"checkout-engine/internal/audit"
	"checkout-engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateTotal(t *testing.T) {
	items := []StockItem{
		{ProductID: 1, Quantity: 2},
		{ProductID: 2, Quantity: 1},
	}

	products := map[int64]*models.Product{
		1: {ID: 1, Price: dec("10.50")},
		2: {ID: 2, Price: dec("4.99")},
	}

	total := calculateTotal(items, products)

	assert.True(t, dec("25.99").Equal(total), total.String())
}

func TestCreateOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p1 := h.product(t, "10.00", 5)
	p2 := h.product(t, "2.50", 5)

	order, err := h.orders.CreateOrder(ctx, &CreateOrderRequest{
		UserID:        1,
		Items:         []StockItem{{ProductID: p2, Quantity: 2}, {ProductID: p1, Quantity: 1}, {ProductID: p2, Quantity: 1}},
		PaymentMethod: "CARD",
		ShippingCost:  dec("3"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, models.PaymentStatusPending, order.PaymentStatus)
	assert.Equal(t, models.PaymentMethodCard, order.PaymentMethod)
	assert.True(t, dec("17.5").Equal(order.Subtotal))
	assert.True(t, dec("20.5").Equal(order.TotalAmount))
	require.Len(t, order.Items, 2)
	assert.Equal(t, p2, order.Items[1].ProductID)
	assert.Equal(t, 3, order.Items[1].Quantity)

	// Creating an order does not take stock.
	assert.Equal(t, 5, h.stock(t, p1))

	stored, err := h.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Items, 2)

	require.Len(t, h.events.created, 1)
	assert.Equal(t, order.ID, h.events.created[0].OrderID)
	assert.Equal(t, 1, h.sink.count(audit.ActionOrderCreated))
}

func TestCreateOrderWithCoupon(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, "40.00", 5)
	h.coupon(t, models.Coupon{
		Code: "HALF", Type: models.CouponTypePercentage, Amount: dec("50"),
		MaxDiscountAmount: decimal.NullDecimal{Decimal: dec("30"), Valid: true}, IsActive: true,
	})

	order, err := h.orders.CreateOrder(ctx, &CreateOrderRequest{
		UserID: 1, Items: []StockItem{{ProductID: p, Quantity: 2}},
		PaymentMethod: models.PaymentMethodCash, CouponCode: "HALF", ShippingCost: dec("5"),
	})
	require.NoError(t, err)
	require.NotNil(t, order.CouponID)
	assert.True(t, dec("30").Equal(order.DiscountAmount))
	assert.True(t, dec("55").Equal(order.TotalAmount))

	_, err = h.orders.CreateOrder(ctx, &CreateOrderRequest{
		UserID: 1, Items: []StockItem{{ProductID: p, Quantity: 1}},
		PaymentMethod: models.PaymentMethodCash, CouponCode: "MISSING",
	})
	assert.ErrorIs(t, err, ErrCouponNotFound)
}

func TestCreateOrderRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, "10.00", 2)

	_, err := h.orders.CreateOrder(ctx, &CreateOrderRequest{
		UserID: 1, Items: []StockItem{{ProductID: p, Quantity: 3}}, PaymentMethod: models.PaymentMethodCard,
	})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 2, insufficient.Items[0].Available)

	_, err = h.orders.CreateOrder(ctx, &CreateOrderRequest{
		UserID: 1, Items: []StockItem{{ProductID: 404, Quantity: 1}}, PaymentMethod: models.PaymentMethodCard,
	})
	assert.ErrorIs(t, err, ErrProductNotFound)

	_, err = h.orders.CreateOrder(ctx, &CreateOrderRequest{
		UserID: 1, Items: []StockItem{{ProductID: p, Quantity: 1}}, PaymentMethod: "barter",
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.orders.CreateOrder(ctx, &CreateOrderRequest{
		UserID: 1, Items: []StockItem{{ProductID: p, Quantity: 0}}, PaymentMethod: models.PaymentMethodCard,
	})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	assert.Empty(t, h.events.created)
}

func TestGetOrderNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.orders.GetOrder(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
