package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"checkout-engine/internal/audit"
	"checkout-engine/internal/models"
	"checkout-engine/internal/service"
	"checkout-engine/internal/store/memstore"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdminToken = "admin-secret"
	testWebhook    = "hook-secret"
)

type nopPublisher struct{}

func (nopPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error     { return nil }
func (nopPublisher) PublishOrderPaid(context.Context, *models.OrderPaidEvent) error           { return nil }
func (nopPublisher) PublishOrderCancelled(context.Context, *models.OrderCancelledEvent) error { return nil }
func (nopPublisher) PublishPaymentFailed(context.Context, *models.PaymentFailedEvent) error   { return nil }

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type testServer struct {
	router *gin.Engine
	store  *memstore.Store
}

func newTestServer(t *testing.T, ready map[string]Pinger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := memstore.New()
	sink := audit.Nop{}
	ledger := service.NewStockLedger(st, sink)
	coupons := service.NewCouponService(st, sink)
	orders := service.NewOrderService(st, ledger, coupons, nopPublisher{}, sink)
	confirm := service.NewOrderConfirmation(st, ledger, coupons, nopPublisher{}, sink)
	guard := service.NewPaymentGuard(st, service.NewDBIdempotency(st), time.Hour, time.Minute)

	h := NewHandler(orders, confirm, ledger, coupons, guard, Options{
		AdminToken:    testAdminToken,
		WebhookSecret: testWebhook,
		Ready:         ready,
	})
	router := gin.New()
	h.SetupRoutes(router)
	return &testServer{router: router, store: st}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) product(t *testing.T, price string, stock int) int64 {
	t.Helper()
	p := &models.Product{SKU: "SKU", Name: "p", Price: decimal.RequireFromString(price), StockQuantity: stock}
	require.NoError(t, s.store.CreateProduct(context.Background(), p))
	return p.ID
}

func (s *testServer) createOrder(t *testing.T, productID int64, qty int, method string) int64 {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/orders", gin.H{
		"user_id":        1,
		"items":          []gin.H{{"product_id": productID, "quantity": qty}},
		"payment_method": method,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var order models.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))
	return order.ID
}

func admin() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminToken}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, map[string]Pinger{"postgres": fakePinger{}})
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", nil, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/metrics", nil, nil).Code)

	s = newTestServer(t, map[string]Pinger{"redis": fakePinger{err: errors.New("down")}})
	w := s.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "down")
}

func TestCreateAndGetOrder(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.product(t, "12.50", 5)

	id := s.createOrder(t, p, 2, "card")

	w := s.do(t, http.MethodGet, "/api/v1/orders/"+itoa(id), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "25", body["total_amount"])

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/orders/999", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/orders/abc", nil, nil).Code)
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.product(t, "1.00", 1)

	w := s.do(t, http.MethodPost, "/api/v1/orders", gin.H{
		"user_id": 1, "items": []gin.H{{"product_id": p, "quantity": 2}}, "payment_method": "card",
	}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "insufficient_stock", decode(t, w)["error"])
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.product(t, "3.00", 10)
	body := gin.H{"user_id": 1, "items": []gin.H{{"product_id": p, "quantity": 1}}, "payment_method": "cash"}
	headers := map[string]string{headerIdempotencyKey: "order-key-1"}

	first := s.do(t, http.MethodPost, "/api/v1/orders", body, headers)
	require.Equal(t, http.StatusCreated, first.Code)

	second := s.do(t, http.MethodPost, "/api/v1/orders", body, headers)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(headerReplayed))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	body["user_id"] = 2
	mismatch := s.do(t, http.MethodPost, "/api/v1/orders", body, headers)
	assert.Equal(t, http.StatusUnprocessableEntity, mismatch.Code)
}

func TestIdempotencyKeyReleasedOnServerError(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.product(t, "3.00", 10)
	body := gin.H{"user_id": 1, "items": []gin.H{{"product_id": p, "quantity": 1}}, "payment_method": "cash"}
	headers := map[string]string{headerIdempotencyKey: "order-key-2"}

	s.store.FailNext("CreateOrder", &pq.Error{Code: "40001"})
	w := s.do(t, http.MethodPost, "/api/v1/orders", body, headers)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	w = s.do(t, http.MethodPost, "/api/v1/orders", body, headers)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Header().Get(headerReplayed))
}

func TestAvailabilityAndCoupons(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.product(t, "10.00", 3)
	require.NoError(t, s.store.CreateCoupon(context.Background(), &models.Coupon{
		Code: "FIVE", Type: models.CouponTypeFixed, Amount: decimal.NewFromInt(5),
		ValidFrom: time.Now().Add(-time.Hour), IsActive: true,
	}))

	w := s.do(t, http.MethodPost, "/api/v1/availability", gin.H{"items": []gin.H{{"product_id": p, "quantity": 4}}}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["available"])

	w = s.do(t, http.MethodPost, "/api/v1/coupons/validate", gin.H{"code": "FIVE", "order_amount": "20"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode(t, w)
	assert.Equal(t, true, res["valid"])
	assert.Equal(t, "5", res["discount_amount"])

	w = s.do(t, http.MethodPost, "/api/v1/coupons/validate", gin.H{"code": "NOPE", "order_amount": "20"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["reason"])
}

func TestPaymentWebhook(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.product(t, "10.00", 5)
	id := s.createOrder(t, p, 2, "card")
	event := gin.H{"payment_id": "pay_1", "provider": "stripe", "order_id": id, "amount": "20", "status": "succeeded"}

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/v1/webhooks/payments", event, nil).Code)

	hook := map[string]string{headerWebhookSecret: testWebhook}
	w := s.do(t, http.MethodPost, "/api/v1/webhooks/payments", event, hook)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, decode(t, w)["already_processed"])

	w = s.do(t, http.MethodPost, "/api/v1/webhooks/payments", event, hook)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["already_processed"])

	w = s.do(t, http.MethodGet, "/api/v1/admin/payments/stripe/pay_1", nil, admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pay_1", decode(t, w)["payment_id"])

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/webhooks/payments", "{", hook).Code)
}

func TestAdminRequiresToken(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, http.MethodPost, "/api/v1/admin/orders/1/confirm-payment", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/orders/1/confirm-payment", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/orders/1/confirm-payment", nil, map[string]string{"Authorization": testAdminToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminOrderLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.product(t, "10.00", 5)
	card := s.createOrder(t, p, 1, "card")
	cash := s.createOrder(t, p, 2, "cash")

	w := s.do(t, http.MethodPost, "/api/v1/admin/orders/"+itoa(card)+"/confirm-payment", nil, admin())
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/orders/"+itoa(cash)+"/confirm-payment", nil, admin())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, decode(t, w)["already_processed"])

	w = s.do(t, http.MethodPost, "/api/v1/admin/orders/"+itoa(cash)+"/confirm-payment", nil, admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["already_processed"])

	w = s.do(t, http.MethodPost, "/api/v1/admin/orders/"+itoa(cash)+"/cancel", gin.H{"reason": "customer"}, admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["restocked"])

	w = s.do(t, http.MethodPost, "/api/v1/admin/orders/"+itoa(cash)+"/complete", nil, admin())
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/admin/products/"+itoa(p)+"/stock/reconcile", nil, admin())
	require.Equal(t, http.StatusOK, w.Code)
	report := decode(t, w)
	assert.Equal(t, true, report["consistent"])
	assert.Equal(t, float64(5), report["current_stock"])
}

func TestAdminStockAdjust(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.product(t, "10.00", 10)
	path := "/api/v1/admin/products/" + itoa(p) + "/stock/adjust"

	w := s.do(t, http.MethodPost, path, gin.H{"delta": -100, "reason": "damage"}, admin())
	assert.Equal(t, http.StatusConflict, w.Code)

	headers := admin()
	headers[headerIdempotencyKey] = "adjust-1"
	headers[headerActorID] = "77"
	w = s.do(t, http.MethodPost, path, gin.H{"delta": 5, "reason": "restock"}, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(77), decode(t, w)["actor_id"])

	w = s.do(t, http.MethodPost, path, gin.H{"delta": 5, "reason": "restock"}, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(headerReplayed))

	w = s.do(t, http.MethodGet, "/api/v1/admin/products/"+itoa(p)+"/stock/history", nil, admin())
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode(t, w)["entries"].([]interface{})
	assert.Len(t, entries, 1)

	w = s.do(t, http.MethodGet, "/api/v1/admin/products/"+itoa(p)+"/stock/reconcile", nil, admin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(15), decode(t, w)["current_stock"])

	w = s.do(t, http.MethodGet, "/api/v1/admin/products/999/stock/history", nil, admin())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProcessedPaymentNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, http.MethodGet, "/api/v1/admin/payments/stripe/nope", nil, admin())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
