package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/service"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProcessor struct {
	mu     sync.Mutex
	errs   []error
	events []models.PaymentEvent
}

func (p *scriptedProcessor) HandlePaymentEvent(_ context.Context, e models.PaymentEvent) (*service.PaymentEventOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &service.PaymentEventOutcome{Status: e.Status}, nil
}

func newTestWorker(p PaymentProcessor) *PaymentWorker {
	w := NewPaymentWorker(nil, p)
	w.backoff = time.Millisecond
	return w
}

func paymentMessage(status string) kafka.Message {
	return kafka.Message{Value: []byte(fmt.Sprintf(
		`{"payment_id":"pay_1","provider":"stripe","order_id":5,"amount":"10","status":%q}`, status))}
}

func TestHandleMessageRetriesTransientErrors(t *testing.T) {
	transient := fmt.Errorf("confirm payment: %w", service.ErrTransientStore)
	p := &scriptedProcessor{errs: []error{transient, transient, nil}}
	w := newTestWorker(p)

	require.NoError(t, w.handleMessage(context.Background(), paymentMessage("succeeded")))
	assert.Len(t, p.events, 3)
}

func TestHandleMessageGivesUpAfterMaxAttempts(t *testing.T) {
	transient := fmt.Errorf("confirm payment: %w", service.ErrTransientStore)
	p := &scriptedProcessor{errs: []error{transient, transient, transient, transient, transient, transient}}
	w := newTestWorker(p)

	err := w.handleMessage(context.Background(), paymentMessage("succeeded"))
	assert.ErrorIs(t, err, service.ErrTransientStore)
	assert.Len(t, p.events, w.maxAttempts)
}

func TestHandleMessageCommitsBusinessRejections(t *testing.T) {
	p := &scriptedProcessor{errs: []error{&service.InsufficientStockError{Items: []service.ItemShortage{{ProductID: 1}}}}}
	w := newTestWorker(p)

	assert.NoError(t, w.handleMessage(context.Background(), paymentMessage("succeeded")))
	assert.Len(t, p.events, 1)
}

func TestHandleMessageDropsMalformedPayloads(t *testing.T) {
	p := &scriptedProcessor{}
	w := newTestWorker(p)

	assert.NoError(t, w.handleMessage(context.Background(), kafka.Message{Value: []byte(`{"status":"succeeded"}`)}))
	assert.Empty(t, p.events)
}

type countingSweeper struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSweeper) Sweep(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return 2, nil
}

func (s *countingSweeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestIdempotencySweeperRunsUntilCancelled(t *testing.T) {
	sweeper := &countingSweeper{}
	s := NewIdempotencySweeper(sweeper, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return sweeper.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
