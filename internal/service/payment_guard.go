package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

const (
	DefaultIdempotencyTTL = 24 * time.Hour
	// DefaultIdempotencyLease bounds how long an in-progress claim blocks
	// retries when the request that holds it never completes.
	DefaultIdempotencyLease = time.Minute
)

// IdempotencyBackend stores request-level idempotency records. Implemented
// by redisclient.Client and by DBIdempotency.
type IdempotencyBackend interface {
	Get(ctx context.Context, key string) (*models.IdempotencyRecord, error)
	Claim(ctx context.Context, key, requestHash string, ttl time.Duration) (bool, error)
	Complete(ctx context.Context, key string, status int, body []byte, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// DBIdempotency keeps idempotency records in the idempotency_keys table.
// Expired rows are ignored on read and removed by the sweeper.
type DBIdempotency struct {
	q   store.Querier
	now func() time.Time
}

func NewDBIdempotency(q store.Querier) *DBIdempotency {
	return &DBIdempotency{q: q, now: time.Now}
}

func (d *DBIdempotency) Get(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	return d.q.GetIdempotency(ctx, key)
}

func (d *DBIdempotency) Claim(ctx context.Context, key, requestHash string, ttl time.Duration) (bool, error) {
	return d.q.ClaimIdempotency(ctx, key, requestHash, d.now().Add(ttl))
}

func (d *DBIdempotency) Complete(ctx context.Context, key string, status int, body []byte, ttl time.Duration) (bool, error) {
	err := d.q.CompleteIdempotency(ctx, key, status, body, d.now().Add(ttl))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (d *DBIdempotency) Release(ctx context.Context, key string) error {
	return d.q.ReleaseIdempotency(ctx, key)
}

// Sweep deletes expired rows
func (d *DBIdempotency) Sweep(ctx context.Context) (int64, error) {
	return d.q.DeleteExpiredIdempotency(ctx, d.now())
}

// PaymentGuard answers whether an external payment already produced side
// effects, and caches responses of retriable client requests.
type PaymentGuard struct {
	repo    store.Querier
	backend IdempotencyBackend
	ttl     time.Duration
	lease   time.Duration
	logger  *zap.Logger
}

// NewPaymentGuard keeps completed responses for ttl. In-progress claims
// expire after lease, so a crashed request frees its key quickly.
func NewPaymentGuard(repo store.Querier, backend IdempotencyBackend, ttl, lease time.Duration) *PaymentGuard {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if lease <= 0 {
		lease = DefaultIdempotencyLease
	}
	if lease > ttl {
		lease = ttl
	}
	return &PaymentGuard{
		repo:    repo,
		backend: backend,
		ttl:     ttl,
		lease:   lease,
		logger:  util.GetLogger(),
	}
}

func (g *PaymentGuard) IsPaymentProcessed(ctx context.Context, paymentID, provider string) (bool, error) {
	_, err := g.GetProcessedPayment(ctx, paymentID, provider)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// GetProcessedPayment returns store.ErrNotFound when the payment was never applied.
func (g *PaymentGuard) GetProcessedPayment(ctx context.Context, paymentID, provider string) (*models.ProcessedPayment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentGuard.GetProcessedPayment")
	defer span.End()

	if paymentID == "" || provider == "" {
		return nil, fmt.Errorf("%w: payment id and provider are required", ErrInvalidRequest)
	}
	p, err := g.repo.GetProcessedPayment(ctx, paymentID, provider)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, storeErr("get processed payment", err, nil)
	}
	return p, nil
}

// MarkPaymentAsProcessed records a payment outside of a stock decrement.
// It reports false, without error, when the payment was already recorded.
func (g *PaymentGuard) MarkPaymentAsProcessed(ctx context.Context, p models.ProcessedPayment) (bool, error) {
	ctx, span := util.StartSpan(ctx, "PaymentGuard.MarkPaymentAsProcessed")
	defer span.End()

	if p.PaymentID == "" || p.Provider == "" {
		return false, fmt.Errorf("%w: payment id and provider are required", ErrInvalidRequest)
	}
	inserted, err := g.repo.InsertProcessedPayment(ctx, &p)
	if err != nil {
		return false, storeErr("mark payment processed", err, nil)
	}
	if !inserted {
		g.logger.Info("Payment already processed",
			zap.String("payment_id", p.PaymentID),
			zap.String("provider", p.Provider))
	}
	return inserted, nil
}

// CheckIdempotency returns the live record for key, or nil.
func (g *PaymentGuard) CheckIdempotency(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	rec, err := g.backend.Get(ctx, key)
	if err != nil {
		return nil, storeErr("check idempotency", err, nil)
	}
	return rec, nil
}

// ClaimIdempotency marks key in progress for the lease. False means another
// request holds it. SaveIdempotency extends the record to the full TTL.
func (g *PaymentGuard) ClaimIdempotency(ctx context.Context, key, requestHash string) (bool, error) {
	claimed, err := g.backend.Claim(ctx, key, requestHash, g.lease)
	if err != nil {
		return false, storeErr("claim idempotency", err, nil)
	}
	return claimed, nil
}

// SaveIdempotency stores the final response for key. A key whose claim was
// lost is claimed again first so the response is still cached.
func (g *PaymentGuard) SaveIdempotency(ctx context.Context, key, requestHash string, status int, body []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = g.ttl
	}
	stored, err := g.backend.Complete(ctx, key, status, body, ttl)
	if err != nil {
		return storeErr("save idempotency", err, nil)
	}
	if stored {
		return nil
	}

	g.logger.Warn("Idempotency claim lost before completion, re-claiming", zap.String("key", key))
	if _, err := g.backend.Claim(ctx, key, requestHash, ttl); err != nil {
		return storeErr("save idempotency", err, nil)
	}
	if _, err := g.backend.Complete(ctx, key, status, body, ttl); err != nil {
		return storeErr("save idempotency", err, nil)
	}
	return nil
}

func (g *PaymentGuard) ReleaseIdempotency(ctx context.Context, key string) error {
	if err := g.backend.Release(ctx, key); err != nil {
		return storeErr("release idempotency", err, nil)
	}
	return nil
}

// RequestHash fingerprints a request so a reused key with a different
// payload can be detected.
func RequestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
