package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrPreconditionFailed   = errors.New("precondition failed")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrOrderNotFound        = errors.New("order not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrProfileNotFound      = errors.New("esim profile not found")
	ErrBalanceNotFound      = errors.New("customer balance not found")
	ErrDuplicateTransaction = errors.New("duplicate balance transaction")
	ErrUnknownGateway       = errors.New("unknown payment gateway")
	ErrUnknownProvider      = errors.New("unknown esim provider")
)

// PreconditionError is returned when an event's validate phase rejects it.
// Nothing is committed when it is returned.
type PreconditionError struct {
	Aggregate string
	Current   string
	Requested string
	Reason    string
}

func (e *PreconditionError) Error() string {
	if e.Requested != "" {
		return fmt.Sprintf("%s: cannot move %s from %s to %s", ErrPreconditionFailed, e.Aggregate, e.Current, e.Requested)
	}
	return fmt.Sprintf("%s: %s %s", ErrPreconditionFailed, e.Aggregate, e.Reason)
}

func (e *PreconditionError) Unwrap() error { return ErrPreconditionFailed }

// TransitionError builds the error for a status change the table forbids.
func TransitionError(aggregate string, current, requested fmt.Stringer) *PreconditionError {
	return &PreconditionError{Aggregate: aggregate, Current: current.String(), Requested: requested.String()}
}

// Precondition builds a non-transition precondition failure.
func Precondition(aggregate, format string, args ...any) *PreconditionError {
	return &PreconditionError{Aggregate: aggregate, Reason: fmt.Sprintf(format, args...)}
}

// InsufficientBalanceError carries the shortfall so callers can show required vs available.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: required %s, available %s", ErrInsufficientBalance, e.Required.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance || target == ErrPreconditionFailed
}
