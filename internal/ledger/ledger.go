/**
 * @description
 * Package ledger is the only code path that mutates a customer balance. Every operation is an
 * event on the customer_balance aggregate; its BalanceTransaction row is committed with the event.
 *
 * @notes
 * - The ledger does not deduplicate repeated refunds by itself. Callers check for an existing
 *   refund, and the balance_transactions unique index rejects a second one per order.
 * - A customer without events folds to a zero balance, so the ledger is self-initializing.
 */

package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/eventsource"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const AggregateName = "customer_balance"

// Notifier receives top-up notifications. It is never called on replay.
type Notifier interface {
	BalanceToppedUp(ctx context.Context, balance *domain.CustomerBalance, tx domain.BalanceTransaction) error
}

type Config struct {
	Store    eventsource.Store
	IDs      domain.IDGenerator
	Notifier Notifier
	Currency string
	Now      func() time.Time
}

// Ledger applies balance operations for resellers.
type Ledger struct {
	balances *eventsource.Aggregate[domain.CustomerBalance]
	ids      domain.IDGenerator
	currency string
	now      func() time.Time
}

func New(cfg Config) *Ledger {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "USD"
	}
	agg := eventsource.New(eventsource.Config[domain.CustomerBalance]{
		Name:    AggregateName,
		Store:   cfg.Store,
		New:     newBalance(currency),
		Reactor: &reactor{notifier: cfg.Notifier},
		Now:     now,
		NewID:   cfg.IDs.NewUUID,
	})
	registerEvents(agg)
	return &Ledger{balances: agg, ids: cfg.IDs, currency: currency, now: now}
}

func newBalance(currency string) func(id string) *domain.CustomerBalance {
	return func(id string) *domain.CustomerBalance {
		customerID, _ := uuid.Parse(id)
		return &domain.CustomerBalance{
			CustomerID: customerID,
			Balance:    decimal.Zero,
			Reserved:   decimal.Zero,
			Currency:   currency,
		}
	}
}

// Balance returns the current projection, zero-valued for a customer without history.
func (l *Ledger) Balance(ctx context.Context, customerID uuid.UUID) (*domain.CustomerBalance, error) {
	state, _, err := l.balances.Load(ctx, customerID.String())
	return state, err
}

// Reserve earmarks amount for an order. It fails with InsufficientBalanceError when available funds are short.
func (l *Ledger) Reserve(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal, orderID int64) (*domain.CustomerBalance, error) {
	return l.fire(ctx, customerID, &BalanceReserved{balanceEvent: l.event(customerID, amount, &orderID, nil, fmt.Sprintf("Reservation for order %d", orderID))})
}

// Deduct spends amount for an order, consuming an earlier reservation when fromReservation is set.
func (l *Ledger) Deduct(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal, orderID int64, fromReservation bool) (*domain.CustomerBalance, error) {
	return l.fire(ctx, customerID, &BalanceDeducted{
		balanceEvent:    l.event(customerID, amount, &orderID, nil, fmt.Sprintf("Purchase for order %d", orderID)),
		FromReservation: fromReservation,
	})
}

func (l *Ledger) ReleaseReservation(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal, orderID int64) (*domain.CustomerBalance, error) {
	return l.fire(ctx, customerID, &ReservationReleased{balanceEvent: l.event(customerID, amount, &orderID, nil, fmt.Sprintf("Reservation released for order %d", orderID))})
}

// Refund credits amount back for an order. It is not idempotent; see the package notes.
func (l *Ledger) Refund(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal, orderID int64, reason string) (*domain.CustomerBalance, error) {
	description := fmt.Sprintf("Refund for order %d", orderID)
	if reason != "" {
		description += ": " + reason
	}
	return l.fire(ctx, customerID, &BalanceRefunded{balanceEvent: l.event(customerID, amount, &orderID, nil, description)})
}

func (l *Ledger) TopUp(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal, paymentID uuid.UUID) (*domain.CustomerBalance, error) {
	return l.fire(ctx, customerID, &BalanceToppedUp{balanceEvent: l.event(customerID, amount, nil, &paymentID, "Balance top-up")})
}

func (l *Ledger) Adjust(ctx context.Context, customerID uuid.UUID, req domain.AdjustmentRequest) (*domain.CustomerBalance, error) {
	description := req.Description
	if description == "" {
		description = "Administrative adjustment"
	}
	return l.fire(ctx, customerID, &BalanceAdjusted{
		balanceEvent: l.event(customerID, req.Amount, nil, nil, description),
		IsCredit:     req.IsCredit,
	})
}

// Replay rebuilds the balance read model and restores any missing ledger rows.
func (l *Ledger) Replay(ctx context.Context, customerID uuid.UUID) (*domain.CustomerBalance, error) {
	return l.balances.Replay(ctx, customerID.String())
}

func (l *Ledger) History(ctx context.Context, customerID uuid.UUID) ([]eventsource.Record, error) {
	return l.balances.History(ctx, customerID.String())
}

func (l *Ledger) event(customerID uuid.UUID, amount decimal.Decimal, orderID *int64, paymentID *uuid.UUID, description string) balanceEvent {
	return balanceEvent{
		TransactionID: l.ids.NewUUID(),
		CustomerID:    customerID,
		Amount:        amount,
		Currency:      l.currency,
		OrderID:       orderID,
		PaymentID:     paymentID,
		Description:   description,
		At:            l.now().UTC(),
	}
}

func (l *Ledger) fire(ctx context.Context, customerID uuid.UUID, ev eventsource.Event[domain.CustomerBalance]) (*domain.CustomerBalance, error) {
	state, err := l.balances.Fire(ctx, customerID.String(), ev)
	if err != nil {
		return state, err
	}
	log.WithFields(log.Fields{
		"component":   "ledger",
		"customer_id": customerID,
		"event":       ev.EventType(),
		"balance":     state.Balance.String(),
		"reserved":    state.Reserved.String(),
	}).Info("Balance updated")
	return state, nil
}

type reactor struct {
	notifier Notifier
}

func (r *reactor) Handle(context.Context, *domain.CustomerBalance, eventsource.Event[domain.CustomerBalance]) error {
	return nil
}

func (r *reactor) SideEffects(ctx context.Context, state *domain.CustomerBalance, ev eventsource.Event[domain.CustomerBalance]) error {
	topUp, ok := ev.(*BalanceToppedUp)
	if !ok || r.notifier == nil {
		return nil
	}
	rows := topUp.Rows(state)
	return r.notifier.BalanceToppedUp(ctx, state, *rows[0].(*domain.BalanceTransaction))
}
