package ledger

import (
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/eventsource"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const aggregateLabel = "customer balance"

// balanceEvent is the payload shared by every ledger event. TransactionID is the id of the
// ledger row the event records, so replay recognizes rows it already wrote.
type balanceEvent struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	CustomerID    uuid.UUID       `json:"customer_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	OrderID       *int64          `json:"order_id,omitempty,string"`
	PaymentID     *uuid.UUID      `json:"payment_id,omitempty"`
	Description   string          `json:"description,omitempty"`
	At            time.Time       `json:"at"`
}

func (e *balanceEvent) requirePositive() error {
	if !e.Amount.IsPositive() {
		return domain.Precondition(aggregateLabel, "amount must be positive, got %s", e.Amount.String())
	}
	return nil
}

func (e *balanceEvent) touch(state *domain.CustomerBalance) {
	state.CustomerID = e.CustomerID
	if state.Currency == "" {
		state.Currency = e.Currency
	}
	state.UpdatedAt = e.At
}

func (e *balanceEvent) row(txType domain.BalanceTransactionType, before, after decimal.Decimal) []any {
	return []any{&domain.BalanceTransaction{
		ID:            e.TransactionID,
		CustomerID:    e.CustomerID,
		Type:          txType,
		Amount:        e.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		OrderID:       e.OrderID,
		PaymentID:     e.PaymentID,
		Description:   e.Description,
		CreatedAt:     e.At,
	}}
}

// BalanceReserved earmarks funds for an in-flight order.
type BalanceReserved struct {
	balanceEvent
}

func (*BalanceReserved) EventType() string { return "BalanceReserved" }

func (e *BalanceReserved) Validate(state *domain.CustomerBalance) error {
	if err := e.requirePositive(); err != nil {
		return err
	}
	if !state.CanDeduct(e.Amount) {
		return &domain.InsufficientBalanceError{Required: e.Amount, Available: state.Available()}
	}
	return nil
}

func (e *BalanceReserved) Apply(state *domain.CustomerBalance) {
	e.touch(state)
	state.Reserved = state.Reserved.Add(e.Amount)
}

func (e *BalanceReserved) Rows(state *domain.CustomerBalance) []any {
	return e.row(domain.BalanceTxReservation, state.Balance, state.Balance)
}

// BalanceDeducted spends funds, either out of an earlier reservation or from available funds.
type BalanceDeducted struct {
	balanceEvent
	FromReservation bool `json:"from_reservation"`
}

func (*BalanceDeducted) EventType() string { return "BalanceDeducted" }

func (e *BalanceDeducted) Validate(state *domain.CustomerBalance) error {
	if err := e.requirePositive(); err != nil {
		return err
	}
	if e.FromReservation {
		if state.Reserved.LessThan(e.Amount) {
			return domain.Precondition(aggregateLabel, "cannot deduct %s from reservation of %s", e.Amount.String(), state.Reserved.String())
		}
		return nil
	}
	if !state.CanDeduct(e.Amount) {
		return &domain.InsufficientBalanceError{Required: e.Amount, Available: state.Available()}
	}
	return nil
}

func (e *BalanceDeducted) Apply(state *domain.CustomerBalance) {
	e.touch(state)
	state.Balance = state.Balance.Sub(e.Amount)
	if e.FromReservation {
		state.Reserved = state.Reserved.Sub(e.Amount)
	}
}

func (e *BalanceDeducted) Rows(state *domain.CustomerBalance) []any {
	return e.row(domain.BalanceTxPurchase, state.Balance.Add(e.Amount), state.Balance)
}

// ReservationReleased returns reserved funds to the available pool.
type ReservationReleased struct {
	balanceEvent
}

func (*ReservationReleased) EventType() string { return "ReservationReleased" }

func (e *ReservationReleased) Validate(state *domain.CustomerBalance) error {
	if err := e.requirePositive(); err != nil {
		return err
	}
	if state.Reserved.LessThan(e.Amount) {
		return domain.Precondition(aggregateLabel, "cannot release %s from reservation of %s", e.Amount.String(), state.Reserved.String())
	}
	return nil
}

func (e *ReservationReleased) Apply(state *domain.CustomerBalance) {
	e.touch(state)
	state.Reserved = state.Reserved.Sub(e.Amount)
}

func (e *ReservationReleased) Rows(state *domain.CustomerBalance) []any {
	return e.row(domain.BalanceTxReservationRelease, state.Balance, state.Balance)
}

// BalanceRefunded credits the amount of a failed or refunded order.
type BalanceRefunded struct {
	balanceEvent
}

func (*BalanceRefunded) EventType() string { return "BalanceRefunded" }

func (e *BalanceRefunded) Validate(*domain.CustomerBalance) error { return e.requirePositive() }

func (e *BalanceRefunded) Apply(state *domain.CustomerBalance) {
	e.touch(state)
	state.Balance = state.Balance.Add(e.Amount)
}

func (e *BalanceRefunded) Rows(state *domain.CustomerBalance) []any {
	return e.row(domain.BalanceTxRefund, state.Balance.Sub(e.Amount), state.Balance)
}

// BalanceToppedUp credits funds paid in through a top-up payment.
type BalanceToppedUp struct {
	balanceEvent
}

func (*BalanceToppedUp) EventType() string { return "BalanceToppedUp" }

func (e *BalanceToppedUp) Validate(*domain.CustomerBalance) error {
	if e.PaymentID == nil {
		return domain.Precondition(aggregateLabel, "top-up requires a payment reference")
	}
	return e.requirePositive()
}

func (e *BalanceToppedUp) Apply(state *domain.CustomerBalance) {
	e.touch(state)
	state.Balance = state.Balance.Add(e.Amount)
}

func (e *BalanceToppedUp) Rows(state *domain.CustomerBalance) []any {
	return e.row(domain.BalanceTxTopUp, state.Balance.Sub(e.Amount), state.Balance)
}

// BalanceAdjusted is an administrative correction. A debit may not push available funds below zero.
type BalanceAdjusted struct {
	balanceEvent
	IsCredit bool `json:"is_credit"`
}

func (*BalanceAdjusted) EventType() string { return "BalanceAdjusted" }

func (e *BalanceAdjusted) Validate(state *domain.CustomerBalance) error {
	if err := e.requirePositive(); err != nil {
		return err
	}
	if !e.IsCredit && !state.CanDeduct(e.Amount) {
		return &domain.InsufficientBalanceError{Required: e.Amount, Available: state.Available()}
	}
	return nil
}

func (e *BalanceAdjusted) Apply(state *domain.CustomerBalance) {
	e.touch(state)
	if e.IsCredit {
		state.Balance = state.Balance.Add(e.Amount)
		return
	}
	state.Balance = state.Balance.Sub(e.Amount)
}

func (e *BalanceAdjusted) Rows(state *domain.CustomerBalance) []any {
	if e.IsCredit {
		return e.row(domain.BalanceTxAdjustment, state.Balance.Sub(e.Amount), state.Balance)
	}
	return e.row(domain.BalanceTxAdjustment, state.Balance.Add(e.Amount), state.Balance)
}

func registerEvents(agg *eventsource.Aggregate[domain.CustomerBalance]) {
	agg.Register(
		func() eventsource.Event[domain.CustomerBalance] { return &BalanceReserved{} },
		func() eventsource.Event[domain.CustomerBalance] { return &BalanceDeducted{} },
		func() eventsource.Event[domain.CustomerBalance] { return &ReservationReleased{} },
		func() eventsource.Event[domain.CustomerBalance] { return &BalanceRefunded{} },
		func() eventsource.Event[domain.CustomerBalance] { return &BalanceToppedUp{} },
		func() eventsource.Event[domain.CustomerBalance] { return &BalanceAdjusted{} },
	)
}
