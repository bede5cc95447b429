package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"checkout-engine/internal/audit"
	"checkout-engine/internal/models"
	"checkout-engine/internal/store"
	"checkout-engine/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingSink) Record(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingSink) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}

func (r *recordingSink) last(action string) (audit.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].Action == action {
			return r.entries[i], true
		}
	}
	return audit.Entry{}, false
}

func (r *recordingSink) count(action string) int {
	n := 0
	for _, a := range r.actions() {
		if a == action {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	mu        sync.Mutex
	created   []*models.OrderCreatedEvent
	paid      []*models.OrderPaidEvent
	cancelled []*models.OrderCancelledEvent
	failed    []*models.PaymentFailedEvent
	err       error
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return p.err
}

func (p *recordingPublisher) PublishOrderPaid(_ context.Context, e *models.OrderPaidEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paid = append(p.paid, e)
	return p.err
}

func (p *recordingPublisher) PublishOrderCancelled(_ context.Context, e *models.OrderCancelledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, e)
	return p.err
}

func (p *recordingPublisher) PublishPaymentFailed(_ context.Context, e *models.PaymentFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, e)
	return p.err
}

type harness struct {
	store   *memstore.Store
	sink    *recordingSink
	events  *recordingPublisher
	ledger  *StockLedger
	coupons *CouponService
	orders  *OrderService
	confirm *OrderConfirmation
	guard   *PaymentGuard
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memstore.New()
	sink := &recordingSink{}
	events := &recordingPublisher{}
	ledger := NewStockLedger(st, sink)
	coupons := NewCouponService(st, sink)
	return &harness{
		store:   st,
		sink:    sink,
		events:  events,
		ledger:  ledger,
		coupons: coupons,
		orders:  NewOrderService(st, ledger, coupons, events, sink),
		confirm: NewOrderConfirmation(st, ledger, coupons, events, sink),
		guard:   NewPaymentGuard(st, NewDBIdempotency(st), time.Hour, time.Minute),
	}
}

func (h *harness) product(t *testing.T, price string, stock int) int64 {
	t.Helper()
	p := &models.Product{
		SKU:           "SKU-" + price,
		Name:          "product",
		Price:         decimal.RequireFromString(price),
		StockQuantity: stock,
	}
	require.NoError(t, h.store.CreateProduct(context.Background(), p))
	return p.ID
}

func (h *harness) stock(t *testing.T, productID int64) int {
	t.Helper()
	records, err := h.store.GetStockRecords(context.Background(), []int64{productID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	return records[0].StockQuantity
}

func (h *harness) log(t *testing.T, productID int64) []models.StockLogEntry {
	t.Helper()
	entries, err := h.store.ListStockLog(context.Background(), productID)
	require.NoError(t, err)
	return entries
}

func (h *harness) coupon(t *testing.T, c models.Coupon) *models.Coupon {
	t.Helper()
	if c.ValidFrom.IsZero() {
		c.ValidFrom = time.Now().Add(-time.Hour)
	}
	require.NoError(t, h.store.CreateCoupon(context.Background(), &c))
	return &c
}

func (h *harness) order(t *testing.T, method string, items ...StockItem) *models.Order {
	t.Helper()
	order, err := h.orders.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID:        7,
		Items:         items,
		PaymentMethod: method,
	})
	require.NoError(t, err)
	return order
}

func (h *harness) reload(t *testing.T, orderID int64) *models.Order {
	t.Helper()
	order, err := h.store.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	return order
}

func intPtr(v int) *int { return &v }

// interleavingRepo runs concurrent() inside the next transaction, right
// before its first order transition, as if another handler had committed
// that change a moment earlier.
type interleavingRepo struct {
	*memstore.Store
	mu         sync.Mutex
	concurrent func(ctx context.Context, q store.Querier)
}

func (r *interleavingRepo) InTx(ctx context.Context, fn func(q store.Querier) error) error {
	r.mu.Lock()
	hook := r.concurrent
	r.concurrent = nil
	r.mu.Unlock()
	return r.Store.InTx(ctx, func(q store.Querier) error {
		return fn(&interleavingQuerier{Querier: q, before: hook})
	})
}

type interleavingQuerier struct {
	store.Querier
	before func(ctx context.Context, q store.Querier)
}

func (q *interleavingQuerier) TransitionOrder(ctx context.Context, t models.OrderTransition) (bool, error) {
	if q.before != nil {
		before := q.before
		q.before = nil
		before(ctx, q.Querier)
	}
	return q.Querier.TransitionOrder(ctx, t)
}
