package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CustomerBalance is the prepaid balance of one reseller.
// Available funds are Balance minus Reserved and never drop below zero.
type CustomerBalance struct {
	CustomerID uuid.UUID       `json:"customer_id"`
	Balance    decimal.Decimal `json:"balance"`
	Reserved   decimal.Decimal `json:"reserved"`
	Currency   string          `json:"currency"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (b *CustomerBalance) AggregateID() string { return b.CustomerID.String() }

func (b *CustomerBalance) Available() decimal.Decimal {
	return b.Balance.Sub(b.Reserved)
}

// CanDeduct reports whether amount fits into the unreserved funds.
func (b *CustomerBalance) CanDeduct(amount decimal.Decimal) bool {
	return b.Available().GreaterThanOrEqual(amount)
}

// BalanceTransactionType is the kind of ledger row.
type BalanceTransactionType string

const (
	BalanceTxTopUp              BalanceTransactionType = "top_up"
	BalanceTxPurchase           BalanceTransactionType = "purchase"
	BalanceTxReservation        BalanceTransactionType = "reservation"
	BalanceTxReservationRelease BalanceTransactionType = "reservation_release"
	BalanceTxRefund             BalanceTransactionType = "refund"
	BalanceTxAdjustment         BalanceTransactionType = "adjustment"
)

// BalanceTransaction is an immutable ledger row. Rows are never updated or deleted.
type BalanceTransaction struct {
	ID            uuid.UUID              `json:"id"`
	CustomerID    uuid.UUID              `json:"customer_id"`
	Type          BalanceTransactionType `json:"type"`
	Amount        decimal.Decimal        `json:"amount"`
	BalanceBefore decimal.Decimal        `json:"balance_before"`
	BalanceAfter  decimal.Decimal        `json:"balance_after"`
	OrderID       *int64                 `json:"order_id,omitempty,string"`
	PaymentID     *uuid.UUID             `json:"payment_id,omitempty"`
	Description   string                 `json:"description"`
	CreatedAt     time.Time              `json:"created_at"`
}

// AdjustmentRequest is the DTO for administrative balance corrections.
type AdjustmentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	IsCredit    bool            `json:"is_credit"`
	Description string          `json:"description"`
}
