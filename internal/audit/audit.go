// Package audit records every consequential state change. Recording is
// fire-and-forget: a sink never blocks or fails the operation it describes.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Actions
const (
	ActionOrderCreated         = "order.created"
	ActionOrderCancelled       = "order.cancelled"
	ActionOrderCompleted       = "order.completed"
	ActionPaymentConfirmed     = "payment.confirmed"
	ActionPaymentDuplicate     = "payment.duplicate"
	ActionPaymentExtraCapture  = "payment.extra_capture"
	ActionPaymentAfterFailure  = "payment.after_failure"
	ActionPaymentFailed        = "payment.failed"
	ActionStockDecreased       = "stock.decreased"
	ActionStockAdjusted        = "stock.adjusted"
	ActionCouponRedeemed       = "coupon.redeemed"
	ActionCouponRedeemRejected = "coupon.redeem_rejected"
)

type Entry struct {
	models.BaseEvent
	Action    string                 `json:"action"`
	ActorID   *int64                 `json:"actor_id,omitempty"`
	OrderID   *int64                 `json:"order_id,omitempty"`
	ProductID *int64                 `json:"product_id,omitempty"`
	PaymentID string                 `json:"payment_id,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewEntry stamps an entry with an id and the current time.
func NewEntry(action string) Entry {
	return Entry{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeAudit,
			Timestamp: time.Now().UTC(),
		},
		Action: action,
	}
}

// Key picks the partition key: the order when known, else the product.
func (e Entry) Key() string {
	switch {
	case e.OrderID != nil:
		return fmt.Sprintf("order-%d", *e.OrderID)
	case e.ProductID != nil:
		return fmt.Sprintf("product-%d", *e.ProductID)
	default:
		return e.EventID
	}
}

type Sink interface {
	Record(ctx context.Context, e Entry)
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) {}

// Multi fans an entry out to several sinks.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Entry) {
	for _, s := range m {
		s.Record(ctx, e)
	}
}

// LogSink writes entries to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, e Entry) {
	fields := []zap.Field{
		zap.String("audit_id", e.EventID),
		zap.String("action", e.Action),
		zap.Time("at", e.Timestamp),
	}
	if e.ActorID != nil {
		fields = append(fields, zap.Int64("actor_id", *e.ActorID))
	}
	if e.OrderID != nil {
		fields = append(fields, zap.Int64("order_id", *e.OrderID))
	}
	if e.ProductID != nil {
		fields = append(fields, zap.Int64("product_id", *e.ProductID))
	}
	if e.PaymentID != "" {
		fields = append(fields, zap.String("payment_id", e.PaymentID), zap.String("provider", e.Provider))
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}
	s.logger.Info("audit", fields...)
}

// Publisher is satisfied by broker.Producer.
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// KafkaSink publishes entries asynchronously from a bounded buffer. When the
// buffer is full, or the sink is closed, the entry is dropped and counted.
type KafkaSink struct {
	publisher Publisher
	entries   chan Entry
	logger    *zap.Logger
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
}

func NewKafkaSink(publisher Publisher, bufferSize int) *KafkaSink {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	s := &KafkaSink{
		publisher: publisher,
		entries:   make(chan Entry, bufferSize),
		logger:    util.GetLogger(),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *KafkaSink) Record(_ context.Context, e Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		util.AuditEntriesDropped.Inc()
		s.logger.Warn("Audit sink closed, dropping entry",
			zap.String("audit_id", e.EventID),
			zap.String("action", e.Action))
		return
	}

	select {
	case s.entries <- e:
	default:
		util.AuditEntriesDropped.Inc()
		s.logger.Warn("Audit buffer full, dropping entry",
			zap.String("audit_id", e.EventID),
			zap.String("action", e.Action))
	}
}

func (s *KafkaSink) run() {
	defer s.wg.Done()
	for e := range s.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.publisher.PublishEvent(ctx, e.Key(), e); err != nil {
			util.AuditEntriesDropped.Inc()
			s.logger.Error("Failed to publish audit entry",
				zap.String("audit_id", e.EventID),
				zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting entries and waits for the buffer to drain.
func (s *KafkaSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.entries)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
