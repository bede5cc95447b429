package api

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/service"
	"checkout-engine/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	headerWebhookSecret  = "X-Webhook-Secret"
	headerActorID        = "X-Actor-ID"

	maxIdempotencyKeyLen = 255
)

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

// requestLogger logs one line per request
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if key := c.GetHeader(headerIdempotencyKey); key != "" {
			fields = append(fields, zap.String("idempotency_key", key))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("HTTP request", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Warn("HTTP request", fields...)
		default:
			logger.Info("HTTP request", fields...)
		}
	}
}

// adminAuth requires "Authorization: Bearer <token>". An empty token
// disables the admin routes.
func adminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		given := strings.TrimPrefix(header, "Bearer ")
		if token == "" || given == header || !secureEqual(given, token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// webhookAuth checks the shared secret sent by the payment gateway.
func webhookAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" || !secureEqual(c.GetHeader(headerWebhookSecret), secret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
			return
		}
		c.Next()
	}
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// bodyRecorder keeps a copy of the response so it can be replayed.
type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotencyMiddleware makes a route safe to retry with the same
// Idempotency-Key header. The first request claims the key and its response
// is stored; retries get that response back. A retry that arrives while the
// first is still running gets 409, and a key reused for a different request
// gets 422. Server errors release the key so the client can try again.
func idempotencyMiddleware(guard *service.PaymentGuard) gin.HandlerFunc {
	logger := util.GetLogger()
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Idempotency-Key is too long"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		ctx := c.Request.Context()
		hash := service.RequestHash(c.Request.Method, c.Request.URL.Path, body)

		rec, err := guard.CheckIdempotency(ctx, key)
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		if rec != nil {
			replayOrReject(c, rec, hash)
			return
		}

		claimed, err := guard.ClaimIdempotency(ctx, key, hash)
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		if !claimed {
			util.IdempotencyRequestsTotal.WithLabelValues("in_progress").Inc()
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "a request with this Idempotency-Key is in progress"})
			return
		}

		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		status := c.Writer.Status()
		if status >= http.StatusInternalServerError {
			util.IdempotencyRequestsTotal.WithLabelValues("released").Inc()
			if err := guard.ReleaseIdempotency(ctx, key); err != nil {
				logger.Error("Failed to release idempotency key", zap.String("key", key), zap.Error(err))
			}
			return
		}

		util.IdempotencyRequestsTotal.WithLabelValues("stored").Inc()
		if err := guard.SaveIdempotency(ctx, key, hash, status, recorder.body.Bytes(), 0); err != nil {
			logger.Error("Failed to store idempotent response", zap.String("key", key), zap.Error(err))
		}
	}
}

func replayOrReject(c *gin.Context, rec *models.IdempotencyRecord, hash string) {
	switch {
	case rec.RequestHash != hash:
		util.IdempotencyRequestsTotal.WithLabelValues("mismatch").Inc()
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "Idempotency-Key was already used for a different request"})
	case rec.Status == models.IdempotencyCompleted:
		util.IdempotencyRequestsTotal.WithLabelValues("replayed").Inc()
		c.Header(headerReplayed, "true")
		c.Data(rec.ResponseStatus, "application/json; charset=utf-8", rec.ResponseBody)
		c.Abort()
	default:
		util.IdempotencyRequestsTotal.WithLabelValues("in_progress").Inc()
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "a request with this Idempotency-Key is in progress"})
	}
}
