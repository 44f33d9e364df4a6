package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle status of a payment attempt.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusProcessing        PaymentStatus = "processing"
	PaymentStatusRequiresAction    PaymentStatus = "requires_action"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusCancelled         PaymentStatus = "cancelled"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusDisputed          PaymentStatus = "disputed"
)

// Completed is reachable from Pending and Processing only.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:           {PaymentStatusProcessing, PaymentStatusRequiresAction, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusProcessing:        {PaymentStatusRequiresAction, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusRequiresAction:    {PaymentStatusProcessing, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusCompleted:         {PaymentStatusRefunded, PaymentStatusPartiallyRefunded, PaymentStatusDisputed},
	PaymentStatusPartiallyRefunded: {PaymentStatusRefunded, PaymentStatusDisputed},
	PaymentStatusDisputed:          {PaymentStatusRefunded},
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}

func (s PaymentStatus) String() string { return string(s) }

// PaymentType distinguishes what a payment settles.
type PaymentType string

const (
	PaymentTypeCheckout PaymentType = "checkout"
	PaymentTypeBalance  PaymentType = "balance"
	PaymentTypeRefund   PaymentType = "refund"
	PaymentTypeTopUp    PaymentType = "top_up"
)

// GatewayKind names a payment gateway adapter. Gateways are resolved from a registry at the edge.
type GatewayKind string

const (
	GatewayBalance   GatewayKind = "balance"
	GatewayStripe    GatewayKind = "stripe"
	GatewayPayrexx   GatewayKind = "payrexx"
	GatewayPaysera   GatewayKind = "paysera"
	GatewayProcard   GatewayKind = "procard"
	GatewayCryptomus GatewayKind = "cryptomus"
)

var knownGateways = map[GatewayKind]bool{
	GatewayBalance:   true,
	GatewayStripe:    true,
	GatewayPayrexx:   true,
	GatewayPaysera:   true,
	GatewayProcard:   true,
	GatewayCryptomus: true,
}

// ParseGatewayKind normalizes a gateway slug; ok is false for unknown gateways.
func ParseGatewayKind(raw string) (GatewayKind, bool) {
	kind := GatewayKind(strings.ToLower(strings.TrimSpace(raw)))
	return kind, knownGateways[kind]
}

// Payment is the projection of one payment aggregate.
type Payment struct {
	ID                   uuid.UUID       `json:"id"`
	OrderID              *int64          `json:"order_id,omitempty,string"`
	CustomerID           uuid.UUID       `json:"customer_id"`
	Gateway              GatewayKind     `json:"gateway"`
	Type                 PaymentType     `json:"type"`
	Status               PaymentStatus   `json:"status"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	GatewayReference     string          `json:"gateway_reference,omitempty"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty"`
	CheckoutURL          string          `json:"checkout_url,omitempty"`
	ExpiresAt            *time.Time      `json:"expires_at,omitempty"`
	FailureCode          string          `json:"failure_code,omitempty"`
	FailureMessage       string          `json:"failure_message,omitempty"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	FailedAt             *time.Time      `json:"failed_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func (p *Payment) AggregateID() string { return p.ID.String() }

func (p *Payment) Exists() bool { return p.ID != uuid.Nil }

// WebhookEventType is the normalized outcome a gateway adapter extracts from a webhook.
type WebhookEventType string

const (
	WebhookEventSuccess   WebhookEventType = "success"
	WebhookEventFailed    WebhookEventType = "failed"
	WebhookEventCancelled WebhookEventType = "cancelled"
	WebhookEventPending   WebhookEventType = "pending"
	WebhookEventRefunded  WebhookEventType = "refunded"
)

// PaymentSignal is a normalized gateway notification. ReferenceID is the public order UUID.
type PaymentSignal struct {
	Gateway       GatewayKind      `json:"gateway"`
	EventType     WebhookEventType `json:"event_type"`
	ReferenceID   string           `json:"reference_id"`
	GatewayStatus string           `json:"gateway_status"`
	TransactionID string           `json:"transaction_id,omitempty"`
	FailureCode   string           `json:"failure_code,omitempty"`
	Message       string           `json:"message,omitempty"`
	Data          json.RawMessage  `json:"data,omitempty"`
}
