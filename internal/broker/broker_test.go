package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"checkout-engine/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestEventPublisherKeysByOrder(t *testing.T) {
	w := &fakeWriter{}
	ep := NewEventPublisher(newProducer(w, "order-events"))

	err := ep.PublishOrderPaid(context.Background(), &models.OrderPaidEvent{
		BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypeOrderPaid},
		OrderID:   42,
		PaymentID: "pay_1",
		Provider:  "stripe",
		Amount:    decimal.RequireFromString("19.90"),
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "order-42", string(w.msgs[0].Key))

	var decoded models.OrderPaidEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, models.EventTypeOrderPaid, decoded.EventType)
	assert.True(t, decoded.Amount.Equal(decimal.RequireFromString("19.9")))

	w.err = errors.New("broker down")
	err = ep.PublishOrderCancelled(context.Background(), &models.OrderCancelledEvent{OrderID: 42})
	assert.Error(t, err)
}

func TestDecodePaymentEvent(t *testing.T) {
	event, err := DecodePaymentEvent([]byte(`{"payment_id":"pay_1","provider":"stripe","order_id":7,"amount":"12.50","status":" Succeeded "}`))
	require.NoError(t, err)
	assert.Equal(t, "succeeded", event.Status)
	assert.Equal(t, int64(7), event.OrderID)
	assert.True(t, event.Amount.Equal(decimal.RequireFromString("12.5")))

	_, err = DecodePaymentEvent([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = DecodePaymentEvent([]byte(`{"payment_id":"pay_1","order_id":7,"status":"failed"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func runConsumer(t *testing.T, ctx context.Context, c *Consumer, handler MessageHandler) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.StartConsuming(ctx, handler) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestStartConsumingRetriesFailedMessageInPlace(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{
		{Partition: 0, Offset: 0, Value: []byte("payment")},
		{Partition: 0, Offset: 1, Value: []byte("payment")},
	}}
	c := newConsumer(r, "payment-events")
	c.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	var handled []int64
	failures := 2
	runConsumer(t, ctx, c, func(_ context.Context, msg kafka.Message) error {
		handled = append(handled, msg.Offset)
		if msg.Offset == 0 && failures > 0 {
			failures--
			return errors.New("store unavailable")
		}
		if msg.Offset == 1 {
			cancel()
		}
		return nil
	})

	assert.Equal(t, []int64{0, 0, 0, 1}, handled)
	assert.Equal(t, []int64{0, 1}, r.committed)
}

func TestStartConsumingNeverCommitsPastAFailure(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{
		{Partition: 0, Offset: 0, Value: []byte("payment")},
		{Partition: 0, Offset: 1, Value: []byte("payment")},
	}}
	c := newConsumer(r, "payment-events")
	c.retryDelay = time.Millisecond
	c.maxDelay = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	var handled []int64
	runConsumer(t, ctx, c, func(_ context.Context, msg kafka.Message) error {
		handled = append(handled, msg.Offset)
		if len(handled) == 5 {
			cancel()
		}
		return errors.New("store unavailable")
	})

	assert.Equal(t, []int64{0, 0, 0, 0, 0}, handled)
	assert.Empty(t, r.committed)
	assert.Len(t, r.pending, 1, "later offsets are not fetched while an earlier one fails")
}

func TestEventHandlerRoutesPaymentEvents(t *testing.T) {
	eh := NewEventHandler()
	var got *models.PaymentEvent
	eh.OnPaymentEvent(func(_ context.Context, e *models.PaymentEvent) error {
		got = e
		return nil
	})

	err := eh.HandleMessage(context.Background(), kafka.Message{
		Value: []byte(`{"payment_id":"pay_9","provider":"adyen","order_id":3,"status":"failed","reason":"declined"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "declined", got.Reason)

	err = eh.HandleMessage(context.Background(), kafka.Message{Value: []byte(`[]`)})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
