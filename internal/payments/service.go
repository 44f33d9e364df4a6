/**
 * @description
 * Package payments owns the payment aggregate and the checkout boundary: it opens balance and
 * hosted checkouts, interprets normalized gateway signals and hands completed payments over to
 * the order or the ledger.
 *
 * @notes
 * - A balance checkout starts processing before its payment completes; the order accepts the
 *   later payment-completed event while already Processing.
 * - Handing a payment over is guarded by lookups, so a repeated success signal is harmless.
 */

package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/eventsource"
	"github.com/esimly/fulfillment-service/internal/orders"
	"github.com/esimly/fulfillment-service/internal/store"
	"github.com/esimly/fulfillment-service/pkg/gateway"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const AggregateName = "payment"

// OrderService is the part of the order service payments drive.
type OrderService interface {
	Get(ctx context.Context, orderID int64) (*domain.Order, error)
	AwaitPayment(ctx context.Context, orderID int64, paymentID uuid.UUID) (*domain.Order, error)
	StartProcessing(ctx context.Context, orderID int64, trigger string) (*domain.Order, error)
	MarkPaymentCompleted(ctx context.Context, orderID int64, paymentID uuid.UUID) (*domain.Order, error)
	MarkPaymentFailed(ctx context.Context, orderID int64, paymentID uuid.UUID, code, message string) (*domain.Order, error)
	Fail(ctx context.Context, orderID int64, code, reason string) (*domain.Order, error)
}

// BalanceLedger is the part of the ledger payments drive.
type BalanceLedger interface {
	Reserve(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal, orderID int64) (*domain.CustomerBalance, error)
	Deduct(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal, orderID int64, fromReservation bool) (*domain.CustomerBalance, error)
	ReleaseReservation(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal, orderID int64) (*domain.CustomerBalance, error)
	TopUp(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal, paymentID uuid.UUID) (*domain.CustomerBalance, error)
}

type Config struct {
	Store          eventsource.Store
	Transactions   store.LedgerRepository
	Payments       store.PaymentRepository
	Orders         OrderService
	Ledger         BalanceLedger
	Gateways       *Registry
	IDs            domain.IDGenerator
	CheckoutExpiry time.Duration
	Now            func() time.Time
}

// Service fires payment events and orchestrates checkouts.
type Service struct {
	payments       *eventsource.Aggregate[domain.Payment]
	transactions   store.LedgerRepository
	readModel      store.PaymentRepository
	orders         OrderService
	ledger         BalanceLedger
	gateways       *Registry
	ids            domain.IDGenerator
	checkoutExpiry time.Duration
	now            func() time.Time
}

// CheckoutResult is what the caller shows the customer after StartCheckout.
type CheckoutResult struct {
	Order       *domain.Order   `json:"order"`
	Payment     *domain.Payment `json:"payment"`
	CheckoutURL string          `json:"checkout_url,omitempty"`
}

func NewService(cfg Config) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	expiry := cfg.CheckoutExpiry
	if expiry <= 0 {
		expiry = 1440 * time.Minute
	}
	gateways := cfg.Gateways
	if gateways == nil {
		gateways = NewRegistry()
	}
	s := &Service{
		transactions:   cfg.Transactions,
		readModel:      cfg.Payments,
		orders:         cfg.Orders,
		ledger:         cfg.Ledger,
		gateways:       gateways,
		ids:            cfg.IDs,
		checkoutExpiry: expiry,
		now:            now,
	}
	s.payments = eventsource.New(eventsource.Config[domain.Payment]{
		Name:    AggregateName,
		Store:   cfg.Store,
		New:     func(string) *domain.Payment { return &domain.Payment{} },
		Reactor: &reactor{service: s},
		Now:     now,
		NewID:   cfg.IDs.NewUUID,
	})
	registerEvents(s.payments)
	return s
}

func (s *Service) Get(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	payment, _, err := s.payments.Load(ctx, paymentID.String())
	if err != nil {
		return nil, err
	}
	if !payment.Exists() {
		return nil, domain.ErrPaymentNotFound
	}
	return payment, nil
}

// StartCheckout pays for an order through the given gateway. The balance gateway settles
// immediately from the reseller's prepaid funds; hosted gateways return a checkout URL.
func (s *Service) StartCheckout(ctx context.Context, orderID int64, kind domain.GatewayKind) (*CheckoutResult, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if kind == domain.GatewayBalance {
		return s.balanceCheckout(ctx, order)
	}
	return s.hostedCheckout(ctx, order, kind)
}

func (s *Service) balanceCheckout(ctx context.Context, order *domain.Order) (*CheckoutResult, error) {
	if !order.IsReseller() {
		return nil, domain.Precondition(aggregateLabel, "order %d is not a reseller order and cannot be paid from balance", order.ID)
	}
	if order.Status != domain.OrderStatusPending {
		return nil, domain.Precondition(aggregateLabel, "order %d is %s, balance checkout requires a pending order", order.ID, order.Status)
	}

	if _, err := s.ledger.Reserve(ctx, order.CustomerID, order.Amount, order.ID); err != nil {
		return nil, err
	}
	payment, err := s.create(ctx, order, domain.GatewayBalance, domain.PaymentTypeBalance, nil)
	if err != nil {
		s.release(ctx, order)
		return nil, err
	}
	if _, err := s.orders.StartProcessing(ctx, order.ID, orders.TriggerBalance); err != nil {
		s.release(ctx, order)
		_, _ = s.Cancel(ctx, payment.ID, "order could not start processing")
		return nil, err
	}
	if _, err := s.ledger.Deduct(ctx, order.CustomerID, order.Amount, order.ID, true); err != nil {
		s.abandonBalanceCheckout(ctx, order, payment.ID, err)
		return nil, fmt.Errorf("deduct balance for order %d: %w", order.ID, err)
	}
	payment, err = s.Succeed(ctx, payment.ID, "")
	if err != nil {
		return nil, err
	}
	updated, err := s.orders.Get(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{Order: updated, Payment: payment}, nil
}

// abandonBalanceCheckout unwinds a balance checkout whose deduction failed. Failing the order
// releases the reservation.
func (s *Service) abandonBalanceCheckout(ctx context.Context, order *domain.Order, paymentID uuid.UUID, cause error) {
	logger := log.WithFields(log.Fields{"component": "payments", "order_id": order.ID, "payment_id": paymentID})
	if _, err := s.Fail(ctx, paymentID, orders.CodeBalanceDeductionFailed, cause.Error()); err != nil {
		logger.WithError(err).Error("Failed to fail balance payment")
	}
	if _, err := s.orders.Fail(ctx, order.ID, orders.CodeBalanceDeductionFailed, cause.Error()); err != nil {
		logger.WithError(err).Error("Failed to fail order after balance deduction error")
		s.release(ctx, order)
	}
}

func (s *Service) release(ctx context.Context, order *domain.Order) {
	if _, err := s.ledger.ReleaseReservation(ctx, order.CustomerID, order.Amount, order.ID); err != nil {
		log.WithError(err).WithFields(log.Fields{"component": "payments", "order_id": order.ID}).Error("Failed to release reservation")
	}
}

func (s *Service) hostedCheckout(ctx context.Context, order *domain.Order, kind domain.GatewayKind) (*CheckoutResult, error) {
	if order.Status != domain.OrderStatusPending && order.Status != domain.OrderStatusAwaitingPayment {
		return nil, domain.Precondition(aggregateLabel, "order %d is %s and cannot be paid", order.ID, order.Status)
	}
	gw, err := s.gateways.Resolve(kind)
	if err != nil {
		return nil, err
	}

	expiresAt := s.now().UTC().Add(s.checkoutExpiry)
	if order.CheckoutExpiresAt != nil {
		expiresAt = *order.CheckoutExpiresAt
	}
	previous, err := s.readModel.FindLatestPaymentForOrder(ctx, order.ID)
	if err != nil && !errors.Is(err, domain.ErrPaymentNotFound) {
		return nil, err
	}
	payment, err := s.create(ctx, order, kind, domain.PaymentTypeCheckout, &expiresAt)
	if err != nil {
		return nil, err
	}

	session, err := gw.CreateCheckout(ctx, gateway.CheckoutRequest{
		Reference:  order.UUID.String(),
		PaymentID:  payment.ID.String(),
		Amount:     order.Amount.StringFixed(2),
		Currency:   order.Currency,
		CustomerID: order.CustomerID.String(),
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		_, _ = s.Fail(ctx, payment.ID, "gateway_error", err.Error())
		return nil, fmt.Errorf("open %s checkout for order %d: %w", kind, order.ID, err)
	}
	payment, err = s.fire(ctx, payment.ID, &PaymentCheckoutOpened{GatewayReference: session.ID, CheckoutURL: session.CheckoutURL, At: s.now().UTC()})
	if err != nil {
		return nil, err
	}
	s.supersede(ctx, previous, payment.ID)

	if order.Status == domain.OrderStatusPending {
		if order, err = s.orders.AwaitPayment(ctx, order.ID, payment.ID); err != nil {
			return nil, err
		}
	}
	if session.Paid {
		if payment, err = s.Succeed(ctx, payment.ID, session.ID); err != nil {
			return nil, err
		}
		if order, err = s.orders.Get(ctx, order.ID); err != nil {
			return nil, err
		}
	}
	return &CheckoutResult{Order: order, Payment: payment, CheckoutURL: session.CheckoutURL}, nil
}

// supersede cancels the earlier open payment of an order when the customer switches gateway.
func (s *Service) supersede(ctx context.Context, previous *domain.Payment, current uuid.UUID) {
	if previous == nil || previous.ID == current || previous.Status.IsTerminal() {
		return
	}
	if _, err := s.Cancel(ctx, previous.ID, "superseded by payment "+current.String()); err != nil {
		log.WithError(err).WithFields(log.Fields{"component": "payments", "payment_id": previous.ID}).Warn("Failed to cancel superseded payment")
	}
}

// StartTopUp opens a hosted checkout that credits the reseller's balance once paid.
func (s *Service) StartTopUp(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal, currency string, kind domain.GatewayKind) (*CheckoutResult, error) {
	if kind == domain.GatewayBalance {
		return nil, domain.Precondition(aggregateLabel, "a balance cannot be topped up from itself")
	}
	gw, err := s.gateways.Resolve(kind)
	if err != nil {
		return nil, err
	}
	if currency == "" {
		currency = "USD"
	}
	expiresAt := s.now().UTC().Add(s.checkoutExpiry)
	paymentID := s.ids.NewUUID()
	payment, err := s.fire(ctx, paymentID, &PaymentCreated{
		PaymentID:  paymentID,
		CustomerID: customerID,
		Gateway:    kind,
		Type:       domain.PaymentTypeTopUp,
		Amount:     amount,
		Currency:   currency,
		ExpiresAt:  &expiresAt,
		At:         s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	session, err := gw.CreateCheckout(ctx, gateway.CheckoutRequest{
		Reference:  paymentID.String(),
		PaymentID:  paymentID.String(),
		Amount:     amount.StringFixed(2),
		Currency:   currency,
		CustomerID: customerID.String(),
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		_, _ = s.Fail(ctx, paymentID, "gateway_error", err.Error())
		return nil, fmt.Errorf("open %s top-up checkout: %w", kind, err)
	}
	payment, err = s.fire(ctx, paymentID, &PaymentCheckoutOpened{GatewayReference: session.ID, CheckoutURL: session.CheckoutURL, At: s.now().UTC()})
	if err != nil {
		return nil, err
	}
	if session.Paid {
		if payment, err = s.Succeed(ctx, paymentID, session.ID); err != nil {
			return nil, err
		}
	}
	return &CheckoutResult{Payment: payment, CheckoutURL: session.CheckoutURL}, nil
}

func (s *Service) create(ctx context.Context, order *domain.Order, kind domain.GatewayKind, paymentType domain.PaymentType, expiresAt *time.Time) (*domain.Payment, error) {
	paymentID := s.ids.NewUUID()
	orderID := order.ID
	return s.fire(ctx, paymentID, &PaymentCreated{
		PaymentID:  paymentID,
		OrderID:    &orderID,
		CustomerID: order.CustomerID,
		Gateway:    kind,
		Type:       paymentType,
		Amount:     order.Amount,
		Currency:   order.Currency,
		ExpiresAt:  expiresAt,
		At:         s.now().UTC(),
	})
}

// Succeed completes a payment. A repeated success for an already completed payment
// re-runs the guarded hand-over and is not an error.
func (s *Service) Succeed(ctx context.Context, paymentID uuid.UUID, transactionID string) (*domain.Payment, error) {
	payment, err := s.fire(ctx, paymentID, &PaymentSucceeded{TransactionID: transactionID, At: s.now().UTC()})
	if err != nil && errors.Is(err, domain.ErrPreconditionFailed) && payment != nil && payment.Status == domain.PaymentStatusCompleted {
		log.WithFields(log.Fields{"component": "payments", "payment_id": paymentID}).Info("Payment already completed; re-checking hand-over")
		return payment, s.handOver(ctx, payment)
	}
	return payment, err
}

func (s *Service) Fail(ctx context.Context, paymentID uuid.UUID, code, message string) (*domain.Payment, error) {
	return s.fire(ctx, paymentID, &PaymentFailed{Code: code, Message: message, At: s.now().UTC()})
}

func (s *Service) Cancel(ctx context.Context, paymentID uuid.UUID, reason string) (*domain.Payment, error) {
	return s.fire(ctx, paymentID, &PaymentCancelled{Reason: reason, At: s.now().UTC()})
}

// MarkRefunded records a gateway-side refund. The amount defaults to the full payment.
func (s *Service) MarkRefunded(ctx context.Context, paymentID uuid.UUID, amount decimal.Decimal) (*domain.Payment, error) {
	current, err := s.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		amount = current.Amount
	}
	return s.fire(ctx, paymentID, &PaymentRefunded{Amount: amount, Partial: amount.LessThan(current.Amount), At: s.now().UTC()})
}

// RecordWebhook stores the raw signal on the payment before it is interpreted.
func (s *Service) RecordWebhook(ctx context.Context, paymentID uuid.UUID, signal domain.PaymentSignal) (*domain.Payment, error) {
	return s.fire(ctx, paymentID, &PaymentWebhookReceived{
		Outcome:       signal.EventType,
		GatewayStatus: signal.GatewayStatus,
		TransactionID: signal.TransactionID,
		Data:          signal.Data,
		At:            s.now().UTC(),
	})
}

func (s *Service) Replay(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	payment, err := s.payments.Replay(ctx, paymentID.String())
	if errors.Is(err, eventsource.ErrAggregateMissing) {
		return nil, domain.ErrPaymentNotFound
	}
	return payment, err
}

func (s *Service) History(ctx context.Context, paymentID uuid.UUID) ([]eventsource.Record, error) {
	return s.payments.History(ctx, paymentID.String())
}

func (s *Service) fire(ctx context.Context, paymentID uuid.UUID, ev eventsource.Event[domain.Payment]) (*domain.Payment, error) {
	payment, err := s.payments.Fire(ctx, paymentID.String(), ev)
	if err != nil {
		return payment, err
	}
	log.WithFields(log.Fields{
		"component":  "payments",
		"payment_id": paymentID,
		"event":      ev.EventType(),
		"status":     payment.Status,
	}).Info("Payment event committed")
	return payment, nil
}

// handOver gives a completed payment to what it paid for. Every step is guarded, so it is
// safe to run on replay and on repeated success signals.
func (s *Service) handOver(ctx context.Context, payment *domain.Payment) error {
	logger := log.WithFields(log.Fields{"component": "payments", "payment_id": payment.ID})
	switch payment.Type {
	case domain.PaymentTypeTopUp:
		done, err := s.transactions.HasPaymentTransaction(ctx, payment.ID, domain.BalanceTxTopUp)
		if err != nil || done {
			return err
		}
		_, err = s.ledger.TopUp(ctx, payment.CustomerID, payment.Amount, payment.ID)
		if errors.Is(err, domain.ErrDuplicateTransaction) {
			return nil
		}
		return err
	case domain.PaymentTypeCheckout, domain.PaymentTypeBalance:
		if payment.OrderID == nil {
			return nil
		}
		order, err := s.orders.Get(ctx, *payment.OrderID)
		if err != nil {
			return err
		}
		if order.PaymentStatus == domain.PaymentStatusCompleted {
			return nil
		}
		_, err = s.orders.MarkPaymentCompleted(ctx, order.ID, payment.ID)
		if errors.Is(err, domain.ErrPreconditionFailed) {
			logger.WithError(err).WithField("order_status", order.Status).Warn("Payment completed for an order that can no longer accept it")
			return nil
		}
		return err
	}
	return nil
}

type reactor struct {
	service *Service
}

func (r *reactor) Handle(ctx context.Context, payment *domain.Payment, ev eventsource.Event[domain.Payment]) error {
	switch e := ev.(type) {
	case *PaymentSucceeded:
		return r.service.handOver(ctx, payment)
	case *PaymentFailed:
		if payment.OrderID == nil {
			return nil
		}
		_, err := r.service.orders.MarkPaymentFailed(ctx, *payment.OrderID, payment.ID, e.Code, e.Message)
		if errors.Is(err, domain.ErrPreconditionFailed) {
			return nil
		}
		return err
	}
	return nil
}

func (r *reactor) SideEffects(context.Context, *domain.Payment, eventsource.Event[domain.Payment]) error {
	return nil
}
