package payments

import (
	"context"
	"errors"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// WebhookProcessor turns normalized gateway signals into payment events. Signals that cannot
// be matched to a payment are acknowledged without any state change.
type WebhookProcessor struct {
	payments *Service
	orders   store.OrderRepository
	reads    store.PaymentRepository
}

func NewWebhookProcessor(payments *Service, orders store.OrderRepository, reads store.PaymentRepository) *WebhookProcessor {
	return &WebhookProcessor{payments: payments, orders: orders, reads: reads}
}

// Process applies one signal. Only infrastructure failures are returned; the caller should
// let the sender retry those.
func (p *WebhookProcessor) Process(ctx context.Context, signal domain.PaymentSignal) error {
	logger := log.WithFields(log.Fields{
		"component": "payment_webhooks",
		"gateway":   signal.Gateway,
		"event":     signal.EventType,
		"reference": signal.ReferenceID,
	})

	payment, err := p.resolve(ctx, signal.ReferenceID)
	if errors.Is(err, domain.ErrOrderNotFound) || errors.Is(err, domain.ErrPaymentNotFound) {
		logger.Warn("Unresolvable payment reference; acknowledging")
		return nil
	}
	if err != nil {
		return err
	}
	logger = logger.WithField("payment_id", payment.ID)

	if _, err := p.payments.RecordWebhook(ctx, payment.ID, signal); err != nil {
		return err
	}

	switch signal.EventType {
	case domain.WebhookEventSuccess:
		_, err = p.payments.Succeed(ctx, payment.ID, signal.TransactionID)
	case domain.WebhookEventFailed:
		code := signal.FailureCode
		if code == "" {
			code = signal.GatewayStatus
		}
		_, err = p.payments.Fail(ctx, payment.ID, code, signal.Message)
	case domain.WebhookEventCancelled:
		_, err = p.payments.Cancel(ctx, payment.ID, signal.Message)
	case domain.WebhookEventRefunded:
		_, err = p.payments.MarkRefunded(ctx, payment.ID, decimal.Zero)
	default:
		logger.Debug("Webhook recorded; no action for this event")
		return nil
	}

	if errors.Is(err, domain.ErrPreconditionFailed) {
		logger.WithError(err).Info("Webhook does not apply to the payment's current status; ignoring")
		return nil
	}
	return err
}

// resolve finds the payment a reference points at. Order checkouts are referenced by the
// order's public UUID, top-ups by the payment id.
func (p *WebhookProcessor) resolve(ctx context.Context, reference string) (*domain.Payment, error) {
	id, err := uuid.Parse(reference)
	if err != nil {
		return nil, domain.ErrPaymentNotFound
	}
	order, err := p.orders.FindOrderByUUID(ctx, id)
	if err == nil {
		return p.reads.FindLatestPaymentForOrder(ctx, order.ID)
	}
	if !errors.Is(err, domain.ErrOrderNotFound) {
		return nil, err
	}
	return p.reads.GetPayment(ctx, id)
}
