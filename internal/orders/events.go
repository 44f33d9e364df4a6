package orders

import (
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/eventsource"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const aggregateLabel = "order"

// Failure codes written to Order.FailureCode.
const (
	CodeCheckoutExpired        = "checkout_expired"
	CodeProfileFetchFailed     = "profile_fetch_failed"
	CodeProviderRejected       = "provider_rejected"
	CodeProviderError          = "provider_error"
	CodeRetriesExhausted       = "retries_exhausted"
	CodeManual                 = "manual"
	CodeBalanceDeductionFailed = "balance_deduction_failed"
)

// Processing triggers carried by OrderProcessingStarted.
const (
	TriggerBalance     = "balance"
	TriggerRetry       = "retry"
	TriggerAdminResume = "admin_resume"
)

func transition(state *domain.Order, next domain.OrderStatus) error {
	if !state.Exists() {
		return domain.ErrOrderNotFound
	}
	if !state.Status.CanTransitionTo(next) {
		return domain.TransitionError(aggregateLabel, state.Status, next)
	}
	return nil
}

// OrderCreated opens the order. Profit is fixed here and never recomputed.
type OrderCreated struct {
	OrderID     int64               `json:"order_id,string"`
	UUID        uuid.UUID           `json:"uuid"`
	OrderNumber string              `json:"order_number"`
	CustomerID  uuid.UUID           `json:"customer_id"`
	PackageID   string              `json:"package_id"`
	Provider    domain.ProviderKind `json:"provider"`
	Type        domain.OrderType    `json:"type"`
	Amount      decimal.Decimal     `json:"amount"`
	CostPrice   decimal.Decimal     `json:"cost_price"`
	Currency    string              `json:"currency"`
	At          time.Time           `json:"at"`
}

func (*OrderCreated) EventType() string { return "OrderCreated" }

func (e *OrderCreated) Validate(state *domain.Order) error {
	if state.Exists() {
		return domain.Precondition(aggregateLabel, "%d already exists", state.ID)
	}
	if e.PackageID == "" {
		return domain.Precondition(aggregateLabel, "package is required")
	}
	if !e.Amount.IsPositive() {
		return domain.Precondition(aggregateLabel, "amount must be positive")
	}
	if e.CostPrice.IsNegative() {
		return domain.Precondition(aggregateLabel, "cost price cannot be negative")
	}
	if e.Type != domain.OrderTypeBusiness && e.Type != domain.OrderTypeConsumer {
		return domain.Precondition(aggregateLabel, "unknown order type %q", e.Type)
	}
	return nil
}

func (e *OrderCreated) Apply(state *domain.Order) {
	state.ID = e.OrderID
	state.UUID = e.UUID
	state.OrderNumber = e.OrderNumber
	state.CustomerID = e.CustomerID
	state.PackageID = e.PackageID
	state.Provider = e.Provider
	state.Type = e.Type
	state.Status = domain.OrderStatusPending
	state.PaymentStatus = domain.PaymentStatusPending
	state.Amount = e.Amount
	state.CostPrice = e.CostPrice
	state.Profit = e.Amount.Sub(e.CostPrice)
	state.Currency = e.Currency
	state.CreatedAt = e.At
	state.UpdatedAt = e.At
}

// OrderAwaitingPayment opens a hosted checkout that expires at ExpiresAt.
type OrderAwaitingPayment struct {
	PaymentID uuid.UUID `json:"payment_id"`
	ExpiresAt time.Time `json:"expires_at"`
	At        time.Time `json:"at"`
}

func (*OrderAwaitingPayment) EventType() string { return "OrderAwaitingPayment" }

func (e *OrderAwaitingPayment) Validate(state *domain.Order) error {
	return transition(state, domain.OrderStatusAwaitingPayment)
}

func (e *OrderAwaitingPayment) Apply(state *domain.Order) {
	expires := e.ExpiresAt
	paymentID := e.PaymentID
	state.Status = domain.OrderStatusAwaitingPayment
	state.PaymentID = &paymentID
	state.CheckoutExpiresAt = &expires
	state.UpdatedAt = e.At
}

// OrderPaymentCompleted moves the order into Processing. A balance-paid order is
// already Processing when it arrives.
type OrderPaymentCompleted struct {
	PaymentID uuid.UUID `json:"payment_id"`
	At        time.Time `json:"at"`
}

func (*OrderPaymentCompleted) EventType() string { return "OrderPaymentCompleted" }

func (e *OrderPaymentCompleted) Validate(state *domain.Order) error {
	if !state.Exists() {
		return domain.ErrOrderNotFound
	}
	if state.PaymentStatus == domain.PaymentStatusCompleted {
		return domain.Precondition(aggregateLabel, "%d payment already completed", state.ID)
	}
	if state.Status == domain.OrderStatusProcessing {
		return nil
	}
	return transition(state, domain.OrderStatusProcessing)
}

func (e *OrderPaymentCompleted) Apply(state *domain.Order) {
	paymentID := e.PaymentID
	state.Status = domain.OrderStatusProcessing
	state.PaymentStatus = domain.PaymentStatusCompleted
	state.PaymentID = &paymentID
	state.UpdatedAt = e.At
}

// OrderPaymentFailed records a failed payment attempt. The order keeps its status so the
// customer may pay again until the checkout expires.
type OrderPaymentFailed struct {
	PaymentID uuid.UUID `json:"payment_id"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

func (*OrderPaymentFailed) EventType() string { return "OrderPaymentFailed" }

func (e *OrderPaymentFailed) Validate(state *domain.Order) error {
	if !state.Exists() {
		return domain.ErrOrderNotFound
	}
	if state.Status.IsTerminal() || state.PaymentStatus == domain.PaymentStatusCompleted {
		return domain.Precondition(aggregateLabel, "%d cannot record a failed payment in status %s", state.ID, state.Status)
	}
	// Replaying an older payment must not move the order back to it.
	if state.PaymentFailureRecorded(e.PaymentID) {
		return domain.Precondition(aggregateLabel, "%d already recorded the failure of payment %s", state.ID, e.PaymentID)
	}
	return nil
}

func (e *OrderPaymentFailed) Apply(state *domain.Order) {
	paymentID := e.PaymentID
	state.PaymentID = &paymentID
	state.PaymentStatus = domain.PaymentStatusFailed
	state.FailedPayments = append(state.FailedPayments, paymentID)
	state.FailureCode = e.Code
	state.FailureReason = e.Message
	state.UpdatedAt = e.At
}

// OrderProcessingStarted resumes work on the order without a new payment.
type OrderProcessingStarted struct {
	Trigger string    `json:"trigger"`
	At      time.Time `json:"at"`
}

func (*OrderProcessingStarted) EventType() string { return "OrderProcessingStarted" }

func (e *OrderProcessingStarted) Validate(state *domain.Order) error {
	if err := transition(state, domain.OrderStatusProcessing); err != nil {
		return err
	}
	if e.Trigger == TriggerBalance && !state.IsReseller() {
		return domain.Precondition(aggregateLabel, "%d is not a balance order", state.ID)
	}
	return nil
}

func (e *OrderProcessingStarted) Apply(state *domain.Order) {
	state.Status = domain.OrderStatusProcessing
	state.NextRetryAt = nil
	state.UpdatedAt = e.At
}

// OrderProviderPurchased records the provider's order reference.
type OrderProviderPurchased struct {
	ProviderOrderID string    `json:"provider_order_id"`
	At              time.Time `json:"at"`
}

func (*OrderProviderPurchased) EventType() string { return "OrderProviderPurchased" }

func (e *OrderProviderPurchased) Validate(state *domain.Order) error {
	if e.ProviderOrderID == "" {
		return domain.Precondition(aggregateLabel, "provider order reference is required")
	}
	return transition(state, domain.OrderStatusProviderPurchased)
}

func (e *OrderProviderPurchased) Apply(state *domain.Order) {
	state.Status = domain.OrderStatusProviderPurchased
	state.ProviderOrderID = e.ProviderOrderID
	state.UpdatedAt = e.At
}

type OrderCompleted struct {
	EsimProfileID uuid.UUID `json:"esim_profile_id"`
	At            time.Time `json:"at"`
}

func (*OrderCompleted) EventType() string { return "OrderCompleted" }

func (e *OrderCompleted) Validate(state *domain.Order) error {
	return transition(state, domain.OrderStatusCompleted)
}

func (e *OrderCompleted) Apply(state *domain.Order) {
	profileID := e.EsimProfileID
	at := e.At
	state.Status = domain.OrderStatusCompleted
	state.EsimProfileID = &profileID
	state.CompletedAt = &at
	state.FailureCode = ""
	state.FailureReason = ""
	state.UpdatedAt = e.At
}

type OrderFailed struct {
	Reason string    `json:"reason"`
	Code   string    `json:"code"`
	At     time.Time `json:"at"`
}

func (*OrderFailed) EventType() string { return "OrderFailed" }

func (e *OrderFailed) Validate(state *domain.Order) error {
	return transition(state, domain.OrderStatusFailed)
}

func (e *OrderFailed) Apply(state *domain.Order) {
	state.Status = domain.OrderStatusFailed
	state.FailureReason = e.Reason
	state.FailureCode = e.Code
	state.NextRetryAt = nil
	state.UpdatedAt = e.At
}

// OrderRetryScheduled parks the order until NextRetryAt.
type OrderRetryScheduled struct {
	NextRetryAt time.Time `json:"next_retry_at"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

func (*OrderRetryScheduled) EventType() string { return "OrderRetryScheduled" }

func (e *OrderRetryScheduled) Validate(state *domain.Order) error {
	if err := transition(state, domain.OrderStatusPendingRetry); err != nil {
		return err
	}
	// A failed reseller order has already been refunded to balance.
	if state.Status == domain.OrderStatusFailed && state.IsReseller() {
		return domain.Precondition(aggregateLabel, "%d was refunded on failure and cannot be retried", state.ID)
	}
	return nil
}

func (e *OrderRetryScheduled) Apply(state *domain.Order) {
	next := e.NextRetryAt
	state.Status = domain.OrderStatusPendingRetry
	state.RetryCount++
	state.NextRetryAt = &next
	state.FailureReason = e.Reason
	state.UpdatedAt = e.At
}

// OrderAdminReviewRequired halts automation until an operator resumes or fails the order.
type OrderAdminReviewRequired struct {
	Reason string    `json:"reason"`
	Code   string    `json:"code"`
	At     time.Time `json:"at"`
}

func (*OrderAdminReviewRequired) EventType() string { return "OrderAdminReviewRequired" }

func (e *OrderAdminReviewRequired) Validate(state *domain.Order) error {
	return transition(state, domain.OrderStatusAdminReview)
}

func (e *OrderAdminReviewRequired) Apply(state *domain.Order) {
	state.Status = domain.OrderStatusAdminReview
	state.FailureReason = e.Reason
	state.FailureCode = e.Code
	state.NextRetryAt = nil
	state.UpdatedAt = e.At
}

// OrderProfileFetchFailed routes a purchased order to admin review once profile retrieval is exhausted.
type OrderProfileFetchFailed struct {
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

func (*OrderProfileFetchFailed) EventType() string { return "OrderProfileFetchFailed" }

func (e *OrderProfileFetchFailed) Validate(state *domain.Order) error {
	if err := transition(state, domain.OrderStatusAdminReview); err != nil {
		return err
	}
	if state.Status != domain.OrderStatusProviderPurchased {
		return domain.Precondition(aggregateLabel, "%d has no provider purchase to fetch a profile for", state.ID)
	}
	return nil
}

func (e *OrderProfileFetchFailed) Apply(state *domain.Order) {
	state.Status = domain.OrderStatusAdminReview
	state.FailureReason = e.Reason
	state.FailureCode = CodeProfileFetchFailed
	state.UpdatedAt = e.At
}

type OrderCancelled struct {
	Reason string    `json:"reason"`
	Code   string    `json:"code,omitempty"`
	At     time.Time `json:"at"`
}

func (*OrderCancelled) EventType() string { return "OrderCancelled" }

func (e *OrderCancelled) Validate(state *domain.Order) error {
	return transition(state, domain.OrderStatusCancelled)
}

func (e *OrderCancelled) Apply(state *domain.Order) {
	at := e.At
	state.Status = domain.OrderStatusCancelled
	state.CancelledAt = &at
	state.FailureReason = e.Reason
	state.FailureCode = e.Code
	state.NextRetryAt = nil
	state.UpdatedAt = e.At
}

// OrderRefunded is the administrative Completed -> Refunded transition.
type OrderRefunded struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

func (*OrderRefunded) EventType() string { return "OrderRefunded" }

func (e *OrderRefunded) Validate(state *domain.Order) error {
	return transition(state, domain.OrderStatusRefunded)
}

func (e *OrderRefunded) Apply(state *domain.Order) {
	at := e.At
	state.Status = domain.OrderStatusRefunded
	state.PaymentStatus = domain.PaymentStatusRefunded
	state.RefundedAt = &at
	state.FailureReason = e.Reason
	state.UpdatedAt = e.At
}

func registerEvents(agg *eventsource.Aggregate[domain.Order]) {
	agg.Register(
		func() eventsource.Event[domain.Order] { return &OrderCreated{} },
		func() eventsource.Event[domain.Order] { return &OrderAwaitingPayment{} },
		func() eventsource.Event[domain.Order] { return &OrderPaymentCompleted{} },
		func() eventsource.Event[domain.Order] { return &OrderPaymentFailed{} },
		func() eventsource.Event[domain.Order] { return &OrderProcessingStarted{} },
		func() eventsource.Event[domain.Order] { return &OrderProviderPurchased{} },
		func() eventsource.Event[domain.Order] { return &OrderCompleted{} },
		func() eventsource.Event[domain.Order] { return &OrderFailed{} },
		func() eventsource.Event[domain.Order] { return &OrderRetryScheduled{} },
		func() eventsource.Event[domain.Order] { return &OrderAdminReviewRequired{} },
		func() eventsource.Event[domain.Order] { return &OrderProfileFetchFailed{} },
		func() eventsource.Event[domain.Order] { return &OrderCancelled{} },
		func() eventsource.Event[domain.Order] { return &OrderRefunded{} },
	)
}
