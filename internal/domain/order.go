/**
 * @description
 * Order aggregate state and its lifecycle table. The transition table is data so it
 * can be inspected and unit tested without running any event handler.
 *
 * @notes
 * - Monetary fields use shopspring/decimal. Profit is fixed when the order is created.
 * - An Order projection is rebuilt by folding its events; see internal/orders.
 */

package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "pending"
	OrderStatusAwaitingPayment   OrderStatus = "awaiting_payment"
	OrderStatusProcessing        OrderStatus = "processing"
	OrderStatusProviderPurchased OrderStatus = "provider_purchased"
	OrderStatusCompleted         OrderStatus = "completed"
	OrderStatusFailed            OrderStatus = "failed"
	OrderStatusRefunded          OrderStatus = "refunded"
	OrderStatusCancelled         OrderStatus = "cancelled"
	OrderStatusPendingRetry      OrderStatus = "pending_retry"
	OrderStatusAdminReview       OrderStatus = "admin_review"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:           {OrderStatusAwaitingPayment, OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusAwaitingPayment:   {OrderStatusProcessing, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusProcessing:        {OrderStatusProviderPurchased, OrderStatusFailed, OrderStatusPendingRetry, OrderStatusAdminReview},
	OrderStatusProviderPurchased: {OrderStatusCompleted, OrderStatusFailed, OrderStatusAdminReview},
	OrderStatusPendingRetry:      {OrderStatusProcessing, OrderStatusFailed, OrderStatusCancelled},
	OrderStatusAdminReview:       {OrderStatusProcessing, OrderStatusProviderPurchased, OrderStatusFailed, OrderStatusCancelled},
	OrderStatusCompleted:         {OrderStatusRefunded},
	OrderStatusFailed:            {OrderStatusPendingRetry},
}

var orderTerminal = map[OrderStatus]bool{
	OrderStatusCompleted: true,
	OrderStatusRefunded:  true,
	OrderStatusCancelled: true,
}

var orderRetryable = map[OrderStatus]bool{
	OrderStatusProcessing:        true,
	OrderStatusFailed:            true,
	OrderStatusPendingRetry:      true,
	OrderStatusAdminReview:       true,
	OrderStatusProviderPurchased: true,
}

// CanTransitionTo reports whether the table allows moving from s to next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s OrderStatus) IsTerminal() bool { return orderTerminal[s] }

// CanRetry reports whether automation may resume an order in this status.
func (s OrderStatus) CanRetry() bool { return orderRetryable[s] }

func (s OrderStatus) Valid() bool {
	if s == OrderStatusCompleted || s == OrderStatusRefunded || s == OrderStatusCancelled {
		return true
	}
	_, ok := orderTransitions[s]
	return ok
}

func (s OrderStatus) String() string { return string(s) }

// OrderType separates prepaid-balance resellers from pay-per-order consumers.
type OrderType string

const (
	OrderTypeBusiness OrderType = "b2b"
	OrderTypeConsumer OrderType = "b2c"
)

// Order is the projection of one order aggregate and maps to the `orders` read model.
type Order struct {
	ID                int64           `json:"id,string"`
	UUID              uuid.UUID       `json:"uuid"`
	OrderNumber       string          `json:"order_number"`
	CustomerID        uuid.UUID       `json:"customer_id"`
	PackageID         string          `json:"package_id"`
	Provider          ProviderKind    `json:"provider"`
	Type              OrderType       `json:"type"`
	Status            OrderStatus     `json:"status"`
	PaymentStatus     PaymentStatus   `json:"payment_status"`
	PaymentID         *uuid.UUID      `json:"payment_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	CostPrice         decimal.Decimal `json:"cost_price"`
	Profit            decimal.Decimal `json:"profit"`
	Currency          string          `json:"currency"`
	RetryCount        int             `json:"retry_count"`
	NextRetryAt       *time.Time      `json:"next_retry_at,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	FailureCode       string          `json:"failure_code,omitempty"`
	ProviderOrderID   string          `json:"provider_order_id,omitempty"`
	EsimProfileID     *uuid.UUID      `json:"esim_profile_id,omitempty"`
	CheckoutExpiresAt *time.Time      `json:"checkout_expires_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
	RefundedAt        *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`

	// FailedPayments holds every payment whose failure the order recorded. Projection only.
	FailedPayments []uuid.UUID `json:"-"`
}

// AggregateID is the event log key of the order.
func (o *Order) AggregateID() string {
	return strconv.FormatInt(o.ID, 10)
}

// PaymentFailureRecorded reports whether the failure of paymentID is already in the history.
func (o *Order) PaymentFailureRecorded(paymentID uuid.UUID) bool {
	for _, id := range o.FailedPayments {
		if id == paymentID {
			return true
		}
	}
	return false
}

// IsReseller reports whether the order is paid from a prepaid balance.
func (o *Order) IsReseller() bool {
	return o.Type == OrderTypeBusiness
}

// Exists reports whether the projection has seen its creation event.
func (o *Order) Exists() bool {
	return o.ID != 0
}

// CreateOrderRequest is the DTO accepted by the internal order API.
type CreateOrderRequest struct {
	CustomerID uuid.UUID       `json:"customer_id"`
	PackageID  string          `json:"package_id"`
	Provider   ProviderKind    `json:"provider"`
	Type       OrderType       `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	CostPrice  decimal.Decimal `json:"cost_price"`
	Currency   string          `json:"currency"`
}
