package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/eventsource"
	"github.com/esimly/fulfillment-service/internal/jobs"
	"github.com/esimly/fulfillment-service/internal/store"
	log "github.com/sirupsen/logrus"
)

type reactor struct {
	transactions store.LedgerRepository
	ledger       BalanceLedger
	jobs         jobs.Enqueuer
	notifier     Notifier
}

// Handle unwinds reseller funds. It runs on replay, so every ledger write is guarded by a
// lookup of the existing rows and a duplicate row is treated as already done.
func (r *reactor) Handle(ctx context.Context, order *domain.Order, ev eventsource.Event[domain.Order]) error {
	if !order.IsReseller() {
		return nil
	}
	switch e := ev.(type) {
	case *OrderFailed:
		return r.settleReseller(ctx, order, e.Reason)
	case *OrderCancelled:
		return r.settleReseller(ctx, order, e.Reason)
	case *OrderRefunded:
		return r.refundPurchase(ctx, order, e.Reason)
	}
	return nil
}

// settleReseller returns the reseller's money: a completed purchase is refunded, a held
// reservation is released.
func (r *reactor) settleReseller(ctx context.Context, order *domain.Order, reason string) error {
	purchased, err := r.transactions.HasOrderTransaction(ctx, order.ID, domain.BalanceTxPurchase)
	if err != nil {
		return err
	}
	if purchased {
		return r.refundPurchase(ctx, order, reason)
	}

	reserved, err := r.transactions.HasOrderTransaction(ctx, order.ID, domain.BalanceTxReservation)
	if err != nil || !reserved {
		return err
	}
	released, err := r.transactions.HasOrderTransaction(ctx, order.ID, domain.BalanceTxReservationRelease)
	if err != nil || released {
		return err
	}
	_, err = r.ledger.ReleaseReservation(ctx, order.CustomerID, order.Amount, order.ID)
	return ignoreDuplicate(err)
}

func (r *reactor) refundPurchase(ctx context.Context, order *domain.Order, reason string) error {
	purchased, err := r.transactions.HasOrderTransaction(ctx, order.ID, domain.BalanceTxPurchase)
	if err != nil || !purchased {
		return err
	}
	refunded, err := r.transactions.HasOrderTransaction(ctx, order.ID, domain.BalanceTxRefund)
	if err != nil {
		return err
	}
	if refunded {
		log.WithFields(log.Fields{"component": "orders", "order_id": order.ID}).Debug("Refund already recorded; skipping")
		return nil
	}
	_, err = r.ledger.Refund(ctx, order.CustomerID, order.Amount, order.ID, reason)
	return ignoreDuplicate(err)
}

func ignoreDuplicate(err error) error {
	if errors.Is(err, domain.ErrDuplicateTransaction) {
		return nil
	}
	return err
}

// SideEffects dispatches workflow jobs and notifications. Replay never reaches it.
func (r *reactor) SideEffects(ctx context.Context, order *domain.Order, ev eventsource.Event[domain.Order]) error {
	switch e := ev.(type) {
	case *OrderAwaitingPayment:
		return r.jobs.Enqueue(ctx, jobs.Job{
			Name:      jobs.NameExpireCheckout,
			Payload:   jobs.OrderPayload{OrderID: order.ID},
			RunAt:     e.ExpiresAt,
			DedupeKey: fmt.Sprintf("expire_checkout:%d", order.ID),
		})
	case *OrderPaymentCompleted:
		return r.enqueuePurchase(ctx, order, "payment")
	case *OrderProcessingStarted:
		if e.Trigger != TriggerAdminResume {
			return nil
		}
		return r.enqueuePurchase(ctx, order, fmt.Sprintf("resume:%d", e.At.UnixNano()))
	case *OrderRetryScheduled:
		return r.jobs.Enqueue(ctx, jobs.Job{
			Name:      jobs.NameProviderPurchase,
			Payload:   jobs.OrderPayload{OrderID: order.ID},
			RunAt:     e.NextRetryAt,
			DedupeKey: fmt.Sprintf("provider_purchase:%d:retry:%d", order.ID, order.RetryCount),
		})
	case *OrderProviderPurchased:
		return r.jobs.Enqueue(ctx, jobs.Job{
			Name:      jobs.NameFetchEsimProfile,
			Payload:   jobs.OrderPayload{OrderID: order.ID, Attempt: 1},
			DedupeKey: fmt.Sprintf("fetch_profile:%d:%s:%d", order.ID, e.ProviderOrderID, e.At.UnixNano()),
		})
	case *OrderCompleted:
		return r.notify(order, func(n Notifier) error { return n.OrderCompleted(ctx, order) })
	case *OrderFailed:
		return r.notify(order, func(n Notifier) error { return n.OrderFailed(ctx, order) })
	case *OrderAdminReviewRequired, *OrderProfileFetchFailed:
		return r.notify(order, func(n Notifier) error { return n.AdminReviewRequired(ctx, order) })
	}
	return nil
}

func (r *reactor) enqueuePurchase(ctx context.Context, order *domain.Order, reason string) error {
	return r.jobs.Enqueue(ctx, jobs.Job{
		Name:      jobs.NameProviderPurchase,
		Payload:   jobs.OrderPayload{OrderID: order.ID},
		DedupeKey: fmt.Sprintf("provider_purchase:%d:%s", order.ID, reason),
	})
}

func (r *reactor) notify(order *domain.Order, send func(Notifier) error) error {
	if r.notifier == nil {
		return nil
	}
	if err := send(r.notifier); err != nil {
		// The event is already committed.
		log.WithError(err).WithFields(log.Fields{"component": "orders", "order_id": order.ID}).Error("Failed to queue notification")
	}
	return nil
}
