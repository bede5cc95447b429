package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated   = "ORDER_CREATED"
	EventTypeOrderPaid      = "ORDER_PAID"
	EventTypeOrderCancelled = "ORDER_CANCELLED"
	EventTypePaymentFailed  = "PAYMENT_FAILED"
	EventTypeAudit          = "AUDIT"
)

// Gateway payment statuses carried by PaymentEvent
const (
	GatewayStatusSucceeded = "succeeded"
	GatewayStatusFailed    = "failed"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when a pending order is created
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	UserID      int64           `json:"user_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// OrderPaidEvent published once per order when its payment is confirmed
type OrderPaidEvent struct {
	BaseEvent
	OrderID   int64           `json:"order_id"`
	PaymentID string          `json:"payment_id"`
	Provider  string          `json:"provider"`
	Amount    decimal.Decimal `json:"amount"`
}

// OrderCancelledEvent published when an order is cancelled
type OrderCancelledEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	Reason    string `json:"reason"`
	Restocked bool   `json:"restocked"`
}

// PaymentFailedEvent published when the gateway reports a failed payment
type PaymentFailedEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Provider  string `json:"provider"`
	Reason    string `json:"reason"`
}

// PaymentEvent is the confirmation payload delivered by a payment gateway,
// either through the webhook endpoint or the payment-events topic.
// Delivery is at-least-once and unordered.
type PaymentEvent struct {
	PaymentID string          `json:"payment_id"`
	Provider  string          `json:"provider"`
	OrderID   int64           `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
