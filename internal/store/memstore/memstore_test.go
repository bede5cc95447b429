package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInTxDiscardsDraftOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := &models.Product{SKU: "A", Price: decimal.NewFromInt(1), StockQuantity: 3}
	require.NoError(t, s.CreateProduct(ctx, p))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(q store.Querier) error {
		_, err := q.DecrementStock(ctx, p.ID, 3)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	records, err := s.GetStockRecords(ctx, []int64{p.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, records[0].StockQuantity)
}

func TestStockGuards(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := &models.Product{SKU: "A", StockQuantity: 1}
	require.NoError(t, s.CreateProduct(ctx, p))

	_, err := s.DecrementStock(ctx, p.ID, 2)
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	_, err = s.AdjustStock(ctx, 404, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	change, err := s.AdjustStock(ctx, p.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, change.StockBefore)
	assert.Equal(t, 5, change.StockAfter)
}

func TestFailNextQueuesErrors(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")
	s.FailNext("GetOrder", boom)

	_, err := s.GetOrder(ctx, 1)
	assert.ErrorIs(t, err, boom)

	_, err = s.GetOrder(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIdempotencyExpiryUsesClock(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	ok, err := s.ClaimIdempotency(ctx, "k", "h", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimIdempotency(ctx, "k", "h", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	rec, err := s.GetIdempotency(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, rec)

	n, err := s.DeleteExpiredIdempotency(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTransitionOrderRequiresSourceState(t *testing.T) {
	ctx := context.Background()
	s := New()
	order := &models.Order{Status: models.OrderStatusPending, PaymentStatus: models.PaymentStatusPending}
	require.NoError(t, s.CreateOrder(ctx, order))

	ok, err := s.TransitionOrder(ctx, models.OrderTransition{
		OrderID:           order.ID,
		FromStatuses:      []models.OrderStatus{models.OrderStatusPending},
		FromPaymentStatus: models.PaymentStatusPaid,
		ToStatus:          models.OrderStatusCancelled,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TransitionOrder(ctx, models.OrderTransition{
		OrderID:      order.ID,
		FromStatuses: []models.OrderStatus{models.OrderStatusPending, models.OrderStatusProcessing},
		ToStatus:     models.OrderStatusCancelled,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	assert.Equal(t, models.PaymentStatusPending, got.PaymentStatus)
}
