/**
 * @description
 * Package notify delivers the service's outbound notifications. Domain notifications are
 * written to the outbox and published to RabbitMQ by the OutboxDispatcher; orders that need a
 * human also page the operator by e-mail.
 *
 * @dependencies
 * - internal/store: the outbox table.
 * - github.com/jordan-wright/email: operator e-mail over SMTP.
 */

package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	RoutingOrderCompleted   = "order.completed"
	RoutingOrderFailed      = "order.failed"
	RoutingOrderAdminReview = "order.admin_review"
	RoutingBalanceToppedUp  = "balance.topped_up"
)

// OrderEvent is the message body of every order notification.
type OrderEvent struct {
	Event           string             `json:"event"`
	OrderID         int64              `json:"order_id,string"`
	OrderUUID       uuid.UUID          `json:"order_uuid"`
	OrderNumber     string             `json:"order_number"`
	CustomerID      uuid.UUID          `json:"customer_id"`
	Type            domain.OrderType   `json:"type"`
	Status          domain.OrderStatus `json:"status"`
	Amount          decimal.Decimal    `json:"amount"`
	Currency        string             `json:"currency"`
	ProviderOrderID string             `json:"provider_order_id,omitempty"`
	EsimProfileID   *uuid.UUID         `json:"esim_profile_id,omitempty"`
	FailureCode     string             `json:"failure_code,omitempty"`
	FailureReason   string             `json:"failure_reason,omitempty"`
	OccurredAt      time.Time          `json:"occurred_at"`
}

// BalanceEvent is the message body of a top-up notification.
type BalanceEvent struct {
	Event         string          `json:"event"`
	CustomerID    uuid.UUID       `json:"customer_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	PaymentID     *uuid.UUID      `json:"payment_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Balance       decimal.Decimal `json:"balance"`
	Available     decimal.Decimal `json:"available"`
	Currency      string          `json:"currency"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Notifier writes notifications to the outbox. It satisfies both the order and the ledger
// notifier contracts.
type Notifier struct {
	outbox        store.OutboxRepository
	exchange      string
	mailer        Mailer
	operatorEmail string
	now           func() time.Time
}

func NewNotifier(outbox store.OutboxRepository, exchange string, mailer Mailer, operatorEmail string) *Notifier {
	if exchange == "" {
		exchange = "esim.events"
	}
	return &Notifier{outbox: outbox, exchange: exchange, mailer: mailer, operatorEmail: operatorEmail, now: time.Now}
}

func (n *Notifier) OrderCompleted(ctx context.Context, order *domain.Order) error {
	return n.enqueue(ctx, RoutingOrderCompleted, n.orderEvent(RoutingOrderCompleted, order))
}

func (n *Notifier) OrderFailed(ctx context.Context, order *domain.Order) error {
	return n.enqueue(ctx, RoutingOrderFailed, n.orderEvent(RoutingOrderFailed, order))
}

// AdminReviewRequired publishes the notification and pages the operator.
func (n *Notifier) AdminReviewRequired(ctx context.Context, order *domain.Order) error {
	if err := n.enqueue(ctx, RoutingOrderAdminReview, n.orderEvent(RoutingOrderAdminReview, order)); err != nil {
		return err
	}
	if n.mailer == nil || n.operatorEmail == "" {
		return nil
	}
	subject := fmt.Sprintf("Order %s needs review (%s)", order.OrderNumber, order.FailureCode)
	if err := n.mailer.SendEmail(ctx, n.operatorEmail, subject, adminReviewBody(order)); err != nil {
		return fmt.Errorf("send admin review e-mail for order %d: %w", order.ID, err)
	}
	return nil
}

func (n *Notifier) BalanceToppedUp(ctx context.Context, balance *domain.CustomerBalance, tx domain.BalanceTransaction) error {
	return n.enqueue(ctx, RoutingBalanceToppedUp, BalanceEvent{
		Event:         RoutingBalanceToppedUp,
		CustomerID:    balance.CustomerID,
		TransactionID: tx.ID,
		PaymentID:     tx.PaymentID,
		Amount:        tx.Amount,
		Balance:       balance.Balance,
		Available:     balance.Available(),
		Currency:      balance.Currency,
		OccurredAt:    tx.CreatedAt,
	})
}

func (n *Notifier) enqueue(ctx context.Context, routingKey string, payload interface{}) error {
	if err := n.outbox.EnqueueOutbox(ctx, n.exchange, routingKey, payload); err != nil {
		return fmt.Errorf("enqueue %s notification: %w", routingKey, err)
	}
	log.WithFields(log.Fields{"component": "notify", "routing_key": routingKey}).Debug("Notification queued")
	return nil
}

func (n *Notifier) orderEvent(event string, order *domain.Order) OrderEvent {
	return OrderEvent{
		Event:           event,
		OrderID:         order.ID,
		OrderUUID:       order.UUID,
		OrderNumber:     order.OrderNumber,
		CustomerID:      order.CustomerID,
		Type:            order.Type,
		Status:          order.Status,
		Amount:          order.Amount,
		Currency:        order.Currency,
		ProviderOrderID: order.ProviderOrderID,
		EsimProfileID:   order.EsimProfileID,
		FailureCode:     order.FailureCode,
		FailureReason:   order.FailureReason,
		OccurredAt:      n.now().UTC(),
	}
}

func adminReviewBody(order *domain.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order %s (%d) stopped in admin review.\n\n", order.OrderNumber, order.ID)
	fmt.Fprintf(&b, "Customer:  %s\n", order.CustomerID)
	fmt.Fprintf(&b, "Provider:  %s\n", order.Provider)
	fmt.Fprintf(&b, "Package:   %s\n", order.PackageID)
	fmt.Fprintf(&b, "Amount:    %s %s\n", order.Amount.StringFixed(2), order.Currency)
	if order.ProviderOrderID != "" {
		fmt.Fprintf(&b, "Provider order: %s\n", order.ProviderOrderID)
	}
	fmt.Fprintf(&b, "Code:      %s\n", order.FailureCode)
	fmt.Fprintf(&b, "Reason:    %s\n\n", order.FailureReason)
	b.WriteString("Resume or fail the order from the admin API once the provider side is checked.\n")
	return b.String()
}
