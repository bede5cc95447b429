package api

import (
	"errors"
	"net/http"

	"checkout-engine/internal/service"

	"github.com/gin-gonic/gin"
)

// writeError maps service errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var insufficient *service.InsufficientStockError
	var invalidCoupon *service.InvalidCouponError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusConflict, gin.H{
			"error": "insufficient_stock",
			"items": insufficient.Items,
		})
	case errors.As(err, &invalidCoupon):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "invalid_coupon",
			"reason": invalidCoupon.Reason,
		})
	case errors.Is(err, service.ErrOrderStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "order_state_conflict", "details": err.Error()})
	case errors.Is(err, service.ErrPaymentOrderMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "payment_order_mismatch", "details": err.Error()})
	case errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, service.ErrProductNotFound),
		errors.Is(err, service.ErrCouponNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrPaymentMethodMismatch),
		errors.Is(err, service.ErrPaymentAmountMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrInvalidReason),
		errors.Is(err, service.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrTransientStore):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, retry the request"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
