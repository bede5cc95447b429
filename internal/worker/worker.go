package worker

import (
	"context"
	"errors"
	"time"

	"checkout-engine/internal/broker"
	"checkout-engine/internal/models"
	"checkout-engine/internal/service"
	"checkout-engine/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// PaymentProcessor applies one gateway notification. Implemented by
// service.OrderConfirmation.
type PaymentProcessor interface {
	HandlePaymentEvent(ctx context.Context, event models.PaymentEvent) (*service.PaymentEventOutcome, error)
}

// PaymentWorker consumes gateway notifications from the payment-events topic.
type PaymentWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	processor    PaymentProcessor
	maxAttempts  int
	backoff      time.Duration
	logger       *zap.Logger
}

// NewPaymentWorker creates a new payment worker
func NewPaymentWorker(consumer *broker.Consumer, processor PaymentProcessor) *PaymentWorker {
	w := &PaymentWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		processor:    processor,
		maxAttempts:  5,
		backoff:      200 * time.Millisecond,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnPaymentEvent(w.process)
	return w
}

// Start starts the worker
func (w *PaymentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment worker")
	return w.consumer.StartConsuming(ctx, w.handleMessage)
}

// Stop stops the worker
func (w *PaymentWorker) Stop() error {
	w.logger.Info("Stopping payment worker")
	return w.consumer.Close()
}

// handleMessage decides whether a message is done with. Malformed payloads
// and business rejections are committed; any other error makes the consumer
// deliver the same message again.
func (w *PaymentWorker) handleMessage(ctx context.Context, msg kafka.Message) error {
	err := w.eventHandler.HandleMessage(ctx, msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, broker.ErrMalformedMessage):
		w.logger.Error("Discarding malformed payment event",
			zap.Int64("offset", msg.Offset),
			zap.ByteString("value", msg.Value),
			zap.Error(err))
		return nil
	case service.IsBusinessError(err):
		w.logger.Warn("Payment event rejected",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	default:
		return err
	}
}

func (w *PaymentWorker) process(ctx context.Context, event *models.PaymentEvent) error {
	backoff := w.backoff
	var err error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		var outcome *service.PaymentEventOutcome
		outcome, err = w.processor.HandlePaymentEvent(ctx, *event)
		if err == nil {
			w.logger.Info("Payment event applied",
				zap.String("payment_id", event.PaymentID),
				zap.Int64("order_id", event.OrderID),
				zap.String("status", outcome.Status),
				zap.Bool("already_processed", outcome.AlreadyProcessed))
			return nil
		}
		if !errors.Is(err, service.ErrTransientStore) {
			return err
		}

		w.logger.Warn("Transient failure applying payment event, retrying",
			zap.String("payment_id", event.PaymentID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == w.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// Sweeper deletes expired idempotency records.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// IdempotencySweeper periodically removes expired idempotency keys from the
// database backend.
type IdempotencySweeper struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *zap.Logger
}

func NewIdempotencySweeper(sweeper Sweeper, interval time.Duration) *IdempotencySweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &IdempotencySweeper{sweeper: sweeper, interval: interval, logger: util.GetLogger()}
}

// Run sweeps once per interval until ctx is done.
func (s *IdempotencySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Starting idempotency sweeper", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping idempotency sweeper")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *IdempotencySweeper) sweepOnce(ctx context.Context) {
	n, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("Idempotency sweep failed", zap.Error(err))
		return
	}
	util.IdempotencySweptTotal.Add(float64(n))
	if n > 0 {
		s.logger.Info("Swept expired idempotency keys", zap.Int64("count", n))
	}
}
