package payments

import (
	"encoding/json"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/eventsource"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const aggregateLabel = "payment"

func paymentTransition(state *domain.Payment, next domain.PaymentStatus) error {
	if !state.Exists() {
		return domain.ErrPaymentNotFound
	}
	if !state.Status.CanTransitionTo(next) {
		return domain.TransitionError(aggregateLabel, state.Status, next)
	}
	return nil
}

type PaymentCreated struct {
	PaymentID  uuid.UUID          `json:"payment_id"`
	OrderID    *int64             `json:"order_id,omitempty,string"`
	CustomerID uuid.UUID          `json:"customer_id"`
	Gateway    domain.GatewayKind `json:"gateway"`
	Type       domain.PaymentType `json:"type"`
	Amount     decimal.Decimal    `json:"amount"`
	Currency   string             `json:"currency"`
	ExpiresAt  *time.Time         `json:"expires_at,omitempty"`
	At         time.Time          `json:"at"`
}

func (*PaymentCreated) EventType() string { return "PaymentCreated" }

func (e *PaymentCreated) Validate(state *domain.Payment) error {
	if state.Exists() {
		return domain.Precondition(aggregateLabel, "%s already exists", state.ID)
	}
	if !e.Amount.IsPositive() {
		return domain.Precondition(aggregateLabel, "amount must be positive")
	}
	return nil
}

func (e *PaymentCreated) Apply(state *domain.Payment) {
	state.ID = e.PaymentID
	state.OrderID = e.OrderID
	state.CustomerID = e.CustomerID
	state.Gateway = e.Gateway
	state.Type = e.Type
	state.Status = domain.PaymentStatusPending
	state.Amount = e.Amount
	state.Currency = e.Currency
	state.ExpiresAt = e.ExpiresAt
	state.CreatedAt = e.At
	state.UpdatedAt = e.At
}

// PaymentCheckoutOpened records the hosted checkout the customer is sent to.
type PaymentCheckoutOpened struct {
	GatewayReference string    `json:"gateway_reference"`
	CheckoutURL      string    `json:"checkout_url"`
	At               time.Time `json:"at"`
}

func (*PaymentCheckoutOpened) EventType() string { return "PaymentCheckoutOpened" }

func (e *PaymentCheckoutOpened) Validate(state *domain.Payment) error {
	if !state.Exists() {
		return domain.ErrPaymentNotFound
	}
	if state.Status != domain.PaymentStatusPending {
		return domain.Precondition(aggregateLabel, "%s is %s, checkout can only open on a pending payment", state.ID, state.Status)
	}
	return nil
}

func (e *PaymentCheckoutOpened) Apply(state *domain.Payment) {
	state.GatewayReference = e.GatewayReference
	state.CheckoutURL = e.CheckoutURL
	state.UpdatedAt = e.At
}

// PaymentWebhookReceived is the audit record of a gateway notification, written before it is interpreted.
type PaymentWebhookReceived struct {
	Outcome       domain.WebhookEventType `json:"event_type"`
	GatewayStatus string                  `json:"gateway_status"`
	TransactionID string                  `json:"transaction_id,omitempty"`
	Data          json.RawMessage         `json:"data,omitempty"`
	At            time.Time               `json:"at"`
}

func (*PaymentWebhookReceived) EventType() string { return "PaymentWebhookReceived" }

func (e *PaymentWebhookReceived) Validate(state *domain.Payment) error {
	if !state.Exists() {
		return domain.ErrPaymentNotFound
	}
	return nil
}

func (e *PaymentWebhookReceived) Apply(state *domain.Payment) {
	if len(e.Data) > 0 {
		state.Metadata = e.Data
	}
	state.UpdatedAt = e.At
}

type PaymentSucceeded struct {
	TransactionID string    `json:"transaction_id,omitempty"`
	At            time.Time `json:"at"`
}

func (*PaymentSucceeded) EventType() string { return "PaymentSucceeded" }

func (e *PaymentSucceeded) Validate(state *domain.Payment) error {
	return paymentTransition(state, domain.PaymentStatusCompleted)
}

func (e *PaymentSucceeded) Apply(state *domain.Payment) {
	at := e.At
	state.Status = domain.PaymentStatusCompleted
	if e.TransactionID != "" {
		state.GatewayTransactionID = e.TransactionID
	}
	state.CompletedAt = &at
	state.UpdatedAt = e.At
}

type PaymentFailed struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (*PaymentFailed) EventType() string { return "PaymentFailed" }

func (e *PaymentFailed) Validate(state *domain.Payment) error {
	return paymentTransition(state, domain.PaymentStatusFailed)
}

func (e *PaymentFailed) Apply(state *domain.Payment) {
	at := e.At
	state.Status = domain.PaymentStatusFailed
	state.FailureCode = e.Code
	state.FailureMessage = e.Message
	state.FailedAt = &at
	state.UpdatedAt = e.At
}

type PaymentCancelled struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

func (*PaymentCancelled) EventType() string { return "PaymentCancelled" }

func (e *PaymentCancelled) Validate(state *domain.Payment) error {
	return paymentTransition(state, domain.PaymentStatusCancelled)
}

func (e *PaymentCancelled) Apply(state *domain.Payment) {
	state.Status = domain.PaymentStatusCancelled
	state.FailureMessage = e.Reason
	state.UpdatedAt = e.At
}

type PaymentRefunded struct {
	Amount  decimal.Decimal `json:"amount"`
	Partial bool            `json:"partial"`
	At      time.Time       `json:"at"`
}

func (*PaymentRefunded) EventType() string { return "PaymentRefunded" }

func (e *PaymentRefunded) target() domain.PaymentStatus {
	if e.Partial {
		return domain.PaymentStatusPartiallyRefunded
	}
	return domain.PaymentStatusRefunded
}

func (e *PaymentRefunded) Validate(state *domain.Payment) error {
	return paymentTransition(state, e.target())
}

func (e *PaymentRefunded) Apply(state *domain.Payment) {
	state.Status = e.target()
	state.UpdatedAt = e.At
}

func registerEvents(agg *eventsource.Aggregate[domain.Payment]) {
	agg.Register(
		func() eventsource.Event[domain.Payment] { return &PaymentCreated{} },
		func() eventsource.Event[domain.Payment] { return &PaymentCheckoutOpened{} },
		func() eventsource.Event[domain.Payment] { return &PaymentWebhookReceived{} },
		func() eventsource.Event[domain.Payment] { return &PaymentSucceeded{} },
		func() eventsource.Event[domain.Payment] { return &PaymentFailed{} },
		func() eventsource.Event[domain.Payment] { return &PaymentCancelled{} },
		func() eventsource.Event[domain.Payment] { return &PaymentRefunded{} },
	)
}
