package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a sellable product and its authoritative stock counter
type Product struct {
	ID            int64           `db:"id" json:"id"`
	SKU           string          `db:"sku" json:"sku"`
	Name          string          `db:"name" json:"name"`
	Price         decimal.Decimal `db:"price" json:"price"`
	StockQuantity int             `db:"stock_quantity" json:"stock_quantity"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// StockRecord is the stock view of a product
type StockRecord struct {
	ProductID     int64 `db:"product_id" json:"product_id"`
	StockQuantity int   `db:"stock_quantity" json:"stock_quantity"`
}

// InStock reports whether at least one unit is available
func (r StockRecord) InStock() bool {
	return r.StockQuantity > 0
}

// StockChange is the before/after pair produced by one conditional stock update
type StockChange struct {
	ProductID   int64 `json:"product_id"`
	StockBefore int   `json:"stock_before"`
	StockAfter  int   `json:"stock_after"`
}

// StockLogEntry is an immutable row of the stock audit trail
type StockLogEntry struct {
	ID             int64     `db:"id" json:"id"`
	ProductID      int64     `db:"product_id" json:"product_id"`
	QuantityChange int       `db:"quantity_change" json:"quantity_change"`
	ReasonCode     string    `db:"reason_code" json:"reason_code"`
	OrderID        *int64    `db:"order_id" json:"order_id,omitempty"`
	PaymentID      *string   `db:"payment_id" json:"payment_id,omitempty"`
	ActorID        *int64    `db:"actor_id" json:"actor_id,omitempty"`
	StockBefore    int       `db:"stock_before" json:"stock_before"`
	StockAfter     int       `db:"stock_after" json:"stock_after"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Stock log reason codes
const (
	ReasonPaymentConfirmed = "payment_confirmed"
	ReasonOrderCancelled   = "order_cancelled"
)

// ProcessedPayment proves that the side effects of one payment were applied
type ProcessedPayment struct {
	PaymentID   string          `db:"payment_id" json:"payment_id"`
	Provider    string          `db:"provider" json:"provider"`
	OrderID     int64           `db:"order_id" json:"order_id"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	ProcessedAt time.Time       `db:"processed_at" json:"processed_at"`
}

// Order represents a customer order
type Order struct {
	ID             int64           `db:"id" json:"id"`
	UserID         int64           `db:"user_id" json:"user_id"`
	Status         OrderStatus     `db:"status" json:"status"`
	PaymentStatus  PaymentStatus   `db:"payment_status" json:"payment_status"`
	PaymentMethod  string          `db:"payment_method" json:"payment_method"`
	PaymentID      *string         `db:"payment_id" json:"payment_id,omitempty"`
	CouponID       *int64          `db:"coupon_id" json:"coupon_id,omitempty"`
	Subtotal       decimal.Decimal `db:"subtotal" json:"subtotal"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	ShippingCost   decimal.Decimal `db:"shipping_cost" json:"shipping_cost"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
	Items          []OrderItem     `db:"-" json:"items"`
}

// OrderItem represents one line of an order
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   int64           `db:"order_id" json:"order_id"`
	ProductID int64           `db:"product_id" json:"product_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
}

type OrderStatus string

// Order statuses
const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusFailed     OrderStatus = "failed"
)

type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Payment methods and providers
const (
	PaymentMethodCash = "cash"
	PaymentMethodCard = "card"

	ProviderManual = "manual"
)

// OrderTransition describes a compare-and-swap update of an order's state.
// The update applies only while the order is in one of FromStatuses and,
// when FromPaymentStatus is set, has that payment status.
type OrderTransition struct {
	OrderID           int64
	FromStatuses      []OrderStatus
	FromPaymentStatus PaymentStatus
	ToStatus          OrderStatus
	ToPaymentStatus   PaymentStatus
	PaymentID         *string
}

type CouponType string

// Coupon types
const (
	CouponTypeFixed        CouponType = "fixed"
	CouponTypePercentage   CouponType = "percentage"
	CouponTypeFreeShipping CouponType = "free_shipping"
)

// Coupon is a promotional code with usage limits
type Coupon struct {
	ID                int64               `db:"id" json:"id"`
	Code              string              `db:"code" json:"code"`
	Type              CouponType          `db:"type" json:"type"`
	Amount            decimal.Decimal     `db:"amount" json:"amount"`
	MinOrderAmount    decimal.Decimal     `db:"min_order_amount" json:"min_order_amount"`
	MaxDiscountAmount decimal.NullDecimal `db:"max_discount_amount" json:"max_discount_amount"`
	MaxUses           *int                `db:"max_uses" json:"max_uses,omitempty"`
	PerUserLimit      *int                `db:"per_user_limit" json:"per_user_limit,omitempty"`
	ValidFrom         time.Time           `db:"valid_from" json:"valid_from"`
	ValidUntil        *time.Time          `db:"valid_until" json:"valid_until,omitempty"`
	IsActive          bool                `db:"is_active" json:"is_active"`
	UsesCount         int                 `db:"uses_count" json:"uses_count"`
	CreatedAt         time.Time           `db:"created_at" json:"created_at"`
}

// CouponUsage records one successful redemption
type CouponUsage struct {
	ID             int64           `db:"id" json:"id"`
	CouponID       int64           `db:"coupon_id" json:"coupon_id"`
	OrderID        int64           `db:"order_id" json:"order_id"`
	UserID         *int64          `db:"user_id" json:"user_id,omitempty"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// IdempotencyRecord caches the outcome of a retriable client request
type IdempotencyRecord struct {
	Key            string    `db:"key" json:"key"`
	RequestHash    string    `db:"request_hash" json:"request_hash"`
	Status         string    `db:"status" json:"status"`
	ResponseStatus int       `db:"response_status" json:"response_status"`
	ResponseBody   []byte    `db:"response_body" json:"response_body,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	ExpiresAt      time.Time `db:"expires_at" json:"expires_at"`
}

// Idempotency record statuses
const (
	IdempotencyInProgress = "in_progress"
	IdempotencyCompleted  = "completed"
)
