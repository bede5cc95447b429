package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"checkout-engine/internal/broker"
	"checkout-engine/internal/service"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	AdminToken    string
	WebhookSecret string
	// Ready maps a dependency name to its health check.
	Ready map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	orders  *service.OrderService
	confirm *service.OrderConfirmation
	ledger  *service.StockLedger
	coupons *service.CouponService
	guard   *service.PaymentGuard
	opts    Options
	logger  *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orders *service.OrderService,
	confirm *service.OrderConfirmation,
	ledger *service.StockLedger,
	coupons *service.CouponService,
	guard *service.PaymentGuard,
	opts Options,
) *Handler {
	return &Handler{
		orders:  orders,
		confirm: confirm,
		ledger:  ledger,
		coupons: coupons,
		guard:   guard,
		opts:    opts,
		logger:  util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	idempotent := idempotencyMiddleware(h.guard)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/availability", h.checkAvailability)
		v1.POST("/orders", idempotent, h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/coupons/validate", h.validateCoupon)
		v1.POST("/webhooks/payments", webhookAuth(h.opts.WebhookSecret), h.paymentWebhook)
	}

	admin := v1.Group("/admin", adminAuth(h.opts.AdminToken))
	{
		admin.POST("/orders/:id/confirm-payment", h.confirmPayment)
		admin.POST("/orders/:id/cancel", h.cancelOrder)
		admin.POST("/orders/:id/complete", h.completeOrder)
		admin.POST("/products/:id/stock/adjust", idempotent, h.adjustStock)
		admin.GET("/products/:id/stock/history", h.stockHistory)
		admin.GET("/products/:id/stock/reconcile", h.reconcileStock)
		admin.GET("/payments/:provider/:paymentId", h.getProcessedPayment)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.opts.Ready))
	ready := true
	for name, p := range h.opts.Ready {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

type availabilityRequest struct {
	Items []service.StockItem `json:"items" binding:"required,min=1"`
}

func (h *Handler) checkAvailability(c *gin.Context) {
	var req availabilityRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.ledger.CheckAvailability(c.Request.Context(), req.Items)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) validateCoupon(c *gin.Context) {
	var req service.ValidateCouponRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.coupons.ValidateCoupon(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// paymentWebhook receives gateway notifications. Duplicates are answered
// with 200 so the gateway stops redelivering.
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}
	event, err := broker.DecodePaymentEvent(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	outcome, err := h.confirm.HandlePaymentEvent(c.Request.Context(), *event)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *Handler) confirmPayment(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.ConfirmPaymentRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	req.OrderID = orderID
	req.ActorID = actorID(c)

	res, err := h.confirm.ConfirmPayment(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.CancelOrderRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	req.OrderID = orderID
	req.ActorID = actorID(c)

	res, err := h.confirm.CancelOrder(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) completeOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	res, err := h.confirm.CompleteOrder(c.Request.Context(), orderID, actorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) adjustStock(c *gin.Context) {
	productID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.AdjustStockRequest
	if !bindJSON(c, &req) {
		return
	}
	req.ProductID = productID
	if req.ActorID == nil {
		req.ActorID = actorID(c)
	}

	entry, err := h.ledger.AdjustStock(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) stockHistory(c *gin.Context) {
	productID, ok := pathID(c, "id")
	if !ok {
		return
	}

	entries, err := h.ledger.StockHistory(c.Request.Context(), productID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_id": productID, "entries": entries})
}

func (h *Handler) reconcileStock(c *gin.Context) {
	productID, ok := pathID(c, "id")
	if !ok {
		return
	}

	report, err := h.ledger.Reconcile(c.Request.Context(), productID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) getProcessedPayment(c *gin.Context) {
	p, err := h.guard.GetProcessedPayment(c.Request.Context(), c.Param("paymentId"), c.Param("provider"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not processed"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bindJSON(c, dst)
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
}

func actorID(c *gin.Context) *int64 {
	raw := c.GetHeader(headerActorID)
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}
