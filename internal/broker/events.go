package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"checkout-engine/internal/models"
	"checkout-engine/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrMalformedMessage marks a message that can never be processed.
var ErrMalformedMessage = errors.New("malformed message")

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderPaid publishes OrderPaid event
func (ep *EventPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderCancelled publishes OrderCancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentFailed publishes PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// EventHandler decodes gateway payment notifications
type EventHandler struct {
	onPaymentEvent func(context.Context, *models.PaymentEvent) error
	logger         *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentEvent registers a handler for payment notifications
func (eh *EventHandler) OnPaymentEvent(handler func(context.Context, *models.PaymentEvent) error) {
	eh.onPaymentEvent = handler
}

// DecodePaymentEvent parses a gateway payload. Payloads missing the payment
// id, provider, order or status are malformed.
func DecodePaymentEvent(data []byte) (*models.PaymentEvent, error) {
	var event models.PaymentEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	event.Status = strings.ToLower(strings.TrimSpace(event.Status))
	if event.PaymentID == "" || event.Provider == "" || event.OrderID <= 0 || event.Status == "" {
		return nil, fmt.Errorf("%w: payment_id, provider, order_id and status are required", ErrMalformedMessage)
	}
	return &event, nil
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	event, err := DecodePaymentEvent(msg.Value)
	if err != nil {
		return err
	}

	eh.logger.Info("Handling payment event",
		zap.String("payment_id", event.PaymentID),
		zap.String("provider", event.Provider),
		zap.Int64("order_id", event.OrderID),
		zap.String("status", event.Status))

	if eh.onPaymentEvent == nil {
		eh.logger.Warn("No handler registered for payment events")
		return nil
	}
	return eh.onPaymentEvent(ctx, event)
}
