// Package memstore is an in-memory store.Repository with the same
// conditional-update and uniqueness semantics as the Postgres store.
// Transactions are serialised and applied atomically on success.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/store"
)

type paymentKey struct {
	paymentID string
	provider  string
}

type usageKey struct {
	couponID int64
	orderID  int64
}

type state struct {
	products    map[int64]models.Product
	stockLog    []models.StockLogEntry
	processed   map[paymentKey]models.ProcessedPayment
	orders      map[int64]models.Order
	coupons     map[int64]models.Coupon
	usages      map[usageKey]models.CouponUsage
	idempotency map[string]models.IdempotencyRecord
	nextID      int64
}

func newState() *state {
	return &state{
		products:    make(map[int64]models.Product),
		processed:   make(map[paymentKey]models.ProcessedPayment),
		orders:      make(map[int64]models.Order),
		coupons:     make(map[int64]models.Coupon),
		usages:      make(map[usageKey]models.CouponUsage),
		idempotency: make(map[string]models.IdempotencyRecord),
	}
}

func (s *state) clone() *state {
	c := &state{
		products:    make(map[int64]models.Product, len(s.products)),
		stockLog:    append([]models.StockLogEntry(nil), s.stockLog...),
		processed:   make(map[paymentKey]models.ProcessedPayment, len(s.processed)),
		orders:      make(map[int64]models.Order, len(s.orders)),
		coupons:     make(map[int64]models.Coupon, len(s.coupons)),
		usages:      make(map[usageKey]models.CouponUsage, len(s.usages)),
		idempotency: make(map[string]models.IdempotencyRecord, len(s.idempotency)),
		nextID:      s.nextID,
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.processed {
		c.processed[k] = v
	}
	for k, v := range s.orders {
		v.Items = append([]models.OrderItem(nil), v.Items...)
		c.orders[k] = v
	}
	for k, v := range s.coupons {
		c.coupons[k] = v
	}
	for k, v := range s.usages {
		c.usages[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	st       *state
	now      func() time.Time
	failures map[string][]error
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		st:       newState(),
		now:      time.Now,
		failures: make(map[string][]error),
	}
}

// SetClock overrides the time source used for timestamps and expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNext makes the next call to op (a Querier method name) return err.
// Calls queue up: FailNext twice fails the next two calls.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// InTx runs fn against a private copy of the data and publishes the copy
// only when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(q store.Querier) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.st.clone()
	if err := fn(&view{st: draft, s: s}); err != nil {
		return err
	}
	s.st = draft
	return nil
}

func (s *Store) autocommit(fn func(v *view) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&view{st: s.st, s: s})
}

// view implements store.Querier over one state without locking; the
// caller holds Store.mu.
type view struct {
	st *state
	s  *Store
}

func (v *view) fail(op string) error {
	queue := v.s.failures[op]
	if len(queue) == 0 {
		return nil
	}
	v.s.failures[op] = queue[1:]
	return queue[0]
}

func (v *view) now() time.Time {
	return v.s.now()
}

func (v *view) CreateProduct(_ context.Context, p *models.Product) error {
	if err := v.fail("CreateProduct"); err != nil {
		return err
	}
	p.ID = v.st.id()
	p.CreatedAt = v.now()
	p.UpdatedAt = p.CreatedAt
	v.st.products[p.ID] = *p
	return nil
}

func (v *view) GetProductsByIDs(_ context.Context, ids []int64) ([]models.Product, error) {
	if err := v.fail("GetProductsByIDs"); err != nil {
		return nil, err
	}
	out := []models.Product{}
	for _, id := range uniqueSorted(ids) {
		if p, ok := v.st.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (v *view) GetStockRecords(_ context.Context, ids []int64) ([]models.StockRecord, error) {
	if err := v.fail("GetStockRecords"); err != nil {
		return nil, err
	}
	out := []models.StockRecord{}
	for _, id := range uniqueSorted(ids) {
		if p, ok := v.st.products[id]; ok {
			out = append(out, models.StockRecord{ProductID: id, StockQuantity: p.StockQuantity})
		}
	}
	return out, nil
}

func (v *view) DecrementStock(ctx context.Context, productID int64, quantity int) (*models.StockChange, error) {
	if err := v.fail("DecrementStock"); err != nil {
		return nil, err
	}
	return v.applyDelta(productID, -quantity)
}

func (v *view) AdjustStock(_ context.Context, productID int64, delta int) (*models.StockChange, error) {
	if err := v.fail("AdjustStock"); err != nil {
		return nil, err
	}
	return v.applyDelta(productID, delta)
}

func (v *view) applyDelta(productID int64, delta int) (*models.StockChange, error) {
	p, ok := v.st.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.StockQuantity+delta < 0 {
		return nil, store.ErrInsufficientStock
	}
	change := &models.StockChange{
		ProductID:   productID,
		StockBefore: p.StockQuantity,
		StockAfter:  p.StockQuantity + delta,
	}
	p.StockQuantity = change.StockAfter
	p.UpdatedAt = v.now()
	v.st.products[productID] = p
	return change, nil
}

func (v *view) InsertStockLog(_ context.Context, e *models.StockLogEntry) error {
	if err := v.fail("InsertStockLog"); err != nil {
		return err
	}
	e.ID = v.st.id()
	e.CreatedAt = v.now()
	v.st.stockLog = append(v.st.stockLog, *e)
	return nil
}

func (v *view) ListStockLog(_ context.Context, productID int64) ([]models.StockLogEntry, error) {
	var out []models.StockLogEntry
	for _, e := range v.st.stockLog {
		if e.ProductID == productID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (v *view) GetProcessedPayment(_ context.Context, paymentID, provider string) (*models.ProcessedPayment, error) {
	if err := v.fail("GetProcessedPayment"); err != nil {
		return nil, err
	}
	p, ok := v.st.processed[paymentKey{paymentID, provider}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (v *view) InsertProcessedPayment(_ context.Context, p *models.ProcessedPayment) (bool, error) {
	if err := v.fail("InsertProcessedPayment"); err != nil {
		return false, err
	}
	key := paymentKey{p.PaymentID, p.Provider}
	if _, exists := v.st.processed[key]; exists {
		return false, nil
	}
	p.ProcessedAt = v.now()
	v.st.processed[key] = *p
	return true, nil
}

func (v *view) CreateOrder(_ context.Context, order *models.Order) error {
	if err := v.fail("CreateOrder"); err != nil {
		return err
	}
	order.ID = v.st.id()
	order.CreatedAt = v.now()
	order.UpdatedAt = order.CreatedAt
	for i := range order.Items {
		order.Items[i].ID = v.st.id()
		order.Items[i].OrderID = order.ID
	}
	stored := *order
	stored.Items = append([]models.OrderItem(nil), order.Items...)
	v.st.orders[order.ID] = stored
	return nil
}

func (v *view) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	if err := v.fail("GetOrder"); err != nil {
		return nil, err
	}
	o, ok := v.st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	o.Items = append([]models.OrderItem(nil), o.Items...)
	sort.SliceStable(o.Items, func(i, j int) bool { return o.Items[i].ProductID < o.Items[j].ProductID })
	return &o, nil
}

func (v *view) TransitionOrder(_ context.Context, t models.OrderTransition) (bool, error) {
	if err := v.fail("TransitionOrder"); err != nil {
		return false, err
	}
	o, ok := v.st.orders[t.OrderID]
	if !ok {
		return false, nil
	}
	matched := false
	for _, s := range t.FromStatuses {
		if o.Status == s {
			matched = true
			break
		}
	}
	if !matched || (t.FromPaymentStatus != "" && o.PaymentStatus != t.FromPaymentStatus) {
		return false, nil
	}
	o.Status = t.ToStatus
	if t.ToPaymentStatus != "" {
		o.PaymentStatus = t.ToPaymentStatus
	}
	if t.PaymentID != nil {
		id := *t.PaymentID
		o.PaymentID = &id
	}
	o.UpdatedAt = v.now()
	v.st.orders[o.ID] = o
	return true, nil
}

func (v *view) CreateCoupon(_ context.Context, c *models.Coupon) error {
	if err := v.fail("CreateCoupon"); err != nil {
		return err
	}
	for _, existing := range v.st.coupons {
		if existing.Code == c.Code {
			return errDuplicateCode
		}
	}
	c.ID = v.st.id()
	c.CreatedAt = v.now()
	v.st.coupons[c.ID] = *c
	return nil
}

func (v *view) GetCoupon(_ context.Context, id int64) (*models.Coupon, error) {
	if err := v.fail("GetCoupon"); err != nil {
		return nil, err
	}
	c, ok := v.st.coupons[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (v *view) GetCouponByCode(_ context.Context, code string) (*models.Coupon, error) {
	if err := v.fail("GetCouponByCode"); err != nil {
		return nil, err
	}
	for _, c := range v.st.coupons {
		if c.Code == code {
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (v *view) IncrementCouponUses(_ context.Context, couponID int64) (bool, error) {
	if err := v.fail("IncrementCouponUses"); err != nil {
		return false, err
	}
	c, ok := v.st.coupons[couponID]
	if !ok {
		return false, nil
	}
	if c.MaxUses != nil && c.UsesCount >= *c.MaxUses {
		return false, nil
	}
	c.UsesCount++
	v.st.coupons[couponID] = c
	return true, nil
}

func (v *view) CountCouponUsages(_ context.Context, couponID, userID int64) (int, error) {
	if err := v.fail("CountCouponUsages"); err != nil {
		return 0, err
	}
	n := 0
	for _, u := range v.st.usages {
		if u.CouponID == couponID && u.UserID != nil && *u.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (v *view) InsertCouponUsage(_ context.Context, u *models.CouponUsage) (bool, error) {
	if err := v.fail("InsertCouponUsage"); err != nil {
		return false, err
	}
	key := usageKey{u.CouponID, u.OrderID}
	if _, exists := v.st.usages[key]; exists {
		return false, nil
	}
	u.ID = v.st.id()
	u.CreatedAt = v.now()
	v.st.usages[key] = *u
	return true, nil
}

func (v *view) GetCouponUsage(_ context.Context, couponID, orderID int64) (*models.CouponUsage, error) {
	u, ok := v.st.usages[usageKey{couponID, orderID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (v *view) GetIdempotency(_ context.Context, key string) (*models.IdempotencyRecord, error) {
	if err := v.fail("GetIdempotency"); err != nil {
		return nil, err
	}
	rec, ok := v.st.idempotency[key]
	if !ok || !rec.ExpiresAt.After(v.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (v *view) ClaimIdempotency(_ context.Context, key, requestHash string, expiresAt time.Time) (bool, error) {
	if err := v.fail("ClaimIdempotency"); err != nil {
		return false, err
	}
	if rec, ok := v.st.idempotency[key]; ok && rec.ExpiresAt.After(v.now()) {
		return false, nil
	}
	v.st.idempotency[key] = models.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      models.IdempotencyInProgress,
		CreatedAt:   v.now(),
		ExpiresAt:   expiresAt,
	}
	return true, nil
}

func (v *view) CompleteIdempotency(_ context.Context, key string, status int, body []byte, expiresAt time.Time) error {
	if err := v.fail("CompleteIdempotency"); err != nil {
		return err
	}
	rec, ok := v.st.idempotency[key]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = models.IdempotencyCompleted
	rec.ResponseStatus = status
	rec.ResponseBody = append([]byte(nil), body...)
	rec.ExpiresAt = expiresAt
	v.st.idempotency[key] = rec
	return nil
}

func (v *view) ReleaseIdempotency(_ context.Context, key string) error {
	if rec, ok := v.st.idempotency[key]; ok && rec.Status == models.IdempotencyInProgress {
		delete(v.st.idempotency, key)
	}
	return nil
}

func (v *view) DeleteExpiredIdempotency(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for key, rec := range v.st.idempotency {
		if !rec.ExpiresAt.After(now) {
			delete(v.st.idempotency, key)
			n++
		}
	}
	return n, nil
}

func uniqueSorted(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
