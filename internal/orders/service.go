/**
 * @description
 * Package orders owns the order aggregate: its events, the handlers that unwind reseller
 * funds when an order fails or is cancelled, and the jobs each transition dispatches.
 *
 * @dependencies
 * - internal/eventsource: validate/apply/commit engine.
 * - internal/jobs: deferred workflow dispatch.
 * - internal/ledger (through BalanceLedger): reseller refunds and reservation releases.
 */

package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/eventsource"
	"github.com/esimly/fulfillment-service/internal/jobs"
	"github.com/esimly/fulfillment-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const AggregateName = "order"

// BalanceLedger is the part of the ledger the order handlers need.
type BalanceLedger interface {
	Refund(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal, orderID int64, reason string) (*domain.CustomerBalance, error)
	ReleaseReservation(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal, orderID int64) (*domain.CustomerBalance, error)
}

// Notifier publishes order notifications. It is never called on replay.
type Notifier interface {
	OrderCompleted(ctx context.Context, order *domain.Order) error
	OrderFailed(ctx context.Context, order *domain.Order) error
	AdminReviewRequired(ctx context.Context, order *domain.Order) error
}

type Config struct {
	Store          eventsource.Store
	Transactions   store.LedgerRepository
	Ledger         BalanceLedger
	Jobs           jobs.Enqueuer
	Notifier       Notifier
	IDs            domain.IDGenerator
	CheckoutExpiry time.Duration
	Now            func() time.Time
}

// Service fires order events.
type Service struct {
	orders         *eventsource.Aggregate[domain.Order]
	ids            domain.IDGenerator
	checkoutExpiry time.Duration
	now            func() time.Time
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
	agg := eventsource.New(eventsource.Config[domain.Order]{
		Name:  AggregateName,
		Store: cfg.Store,
		New:   func(string) *domain.Order { return &domain.Order{} },
		Reactor: &reactor{
			transactions: cfg.Transactions,
			ledger:       cfg.Ledger,
			jobs:         cfg.Jobs,
			notifier:     cfg.Notifier,
		},
		Now:   now,
		NewID: cfg.IDs.NewUUID,
	})
	registerEvents(agg)
	return &Service{orders: agg, ids: cfg.IDs, checkoutExpiry: expiry, now: now}
}

func key(orderID int64) string { return strconv.FormatInt(orderID, 10) }

// Create opens a Pending order with freshly allocated identifiers.
func (s *Service) Create(ctx context.Context, req domain.CreateOrderRequest) (*domain.Order, error) {
	if _, ok := domain.ParseProviderKind(string(req.Provider)); !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, req.Provider)
	}
	id := s.ids.NextOrderID()
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	order, err := s.fire(ctx, id, &OrderCreated{
		OrderID:     id,
		UUID:        s.ids.NewUUID(),
		OrderNumber: s.ids.OrderNumber(id),
		CustomerID:  req.CustomerID,
		PackageID:   req.PackageID,
		Provider:    req.Provider,
		Type:        req.Type,
		Amount:      req.Amount,
		CostPrice:   req.CostPrice,
		Currency:    currency,
		At:          s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Get folds the order from its events.
func (s *Service) Get(ctx context.Context, orderID int64) (*domain.Order, error) {
	order, _, err := s.orders.Load(ctx, key(orderID))
	if err != nil {
		return nil, err
	}
	if !order.Exists() {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// AwaitPayment stamps the checkout expiry and schedules the expiration check.
func (s *Service) AwaitPayment(ctx context.Context, orderID int64, paymentID uuid.UUID) (*domain.Order, error) {
	now := s.now().UTC()
	return s.fire(ctx, orderID, &OrderAwaitingPayment{PaymentID: paymentID, ExpiresAt: now.Add(s.checkoutExpiry), At: now})
}

func (s *Service) MarkPaymentCompleted(ctx context.Context, orderID int64, paymentID uuid.UUID) (*domain.Order, error) {
	return s.fire(ctx, orderID, &OrderPaymentCompleted{PaymentID: paymentID, At: s.now().UTC()})
}

func (s *Service) MarkPaymentFailed(ctx context.Context, orderID int64, paymentID uuid.UUID, code, message string) (*domain.Order, error) {
	return s.fire(ctx, orderID, &OrderPaymentFailed{PaymentID: paymentID, Code: code, Message: message, At: s.now().UTC()})
}

// StartProcessing moves the order into Processing for a balance payment, a due retry or an operator resume.
func (s *Service) StartProcessing(ctx context.Context, orderID int64, trigger string) (*domain.Order, error) {
	return s.fire(ctx, orderID, &OrderProcessingStarted{Trigger: trigger, At: s.now().UTC()})
}

func (s *Service) MarkProviderPurchased(ctx context.Context, orderID int64, providerOrderID string) (*domain.Order, error) {
	return s.fire(ctx, orderID, &OrderProviderPurchased{ProviderOrderID: providerOrderID, At: s.now().UTC()})
}

func (s *Service) Complete(ctx context.Context, orderID int64, profileID uuid.UUID) (*domain.Order, error) {
	return s.fire(ctx, orderID, &OrderCompleted{EsimProfileID: profileID, At: s.now().UTC()})
}

func (s *Service) Fail(ctx context.Context, orderID int64, code, reason string) (*domain.Order, error) {
	return s.fire(ctx, orderID, &OrderFailed{Code: code, Reason: reason, At: s.now().UTC()})
}

func (s *Service) ScheduleRetry(ctx context.Context, orderID int64, nextRetryAt time.Time, reason string) (*domain.Order, error) {
	return s.fire(ctx, orderID, &OrderRetryScheduled{NextRetryAt: nextRetryAt.UTC(), Reason: reason, At: s.now().UTC()})
}

func (s *Service) RequireAdminReview(ctx context.Context, orderID int64, code, reason string) (*domain.Order, error) {
	return s.fire(ctx, orderID, &OrderAdminReviewRequired{Code: code, Reason: reason, At: s.now().UTC()})
}

func (s *Service) MarkProfileFetchFailed(ctx context.Context, orderID int64, attempts int, reason string) (*domain.Order, error) {
	return s.fire(ctx, orderID, &OrderProfileFetchFailed{Attempts: attempts, Reason: reason, At: s.now().UTC()})
}

func (s *Service) Cancel(ctx context.Context, orderID int64, code, reason string) (*domain.Order, error) {
	return s.fire(ctx, orderID, &OrderCancelled{Code: code, Reason: reason, At: s.now().UTC()})
}

func (s *Service) Refund(ctx context.Context, orderID int64, reason string) (*domain.Order, error) {
	return s.fire(ctx, orderID, &OrderRefunded{Reason: reason, At: s.now().UTC()})
}

// Resume hands an order in admin review back to automation. With a provider reference the
// purchase is not repeated and the profile fetch resumes instead.
func (s *Service) Resume(ctx context.Context, orderID int64) (*domain.Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusAdminReview {
		return order, domain.Precondition(aggregateLabel, "%d is %s, only orders in admin review can be resumed", orderID, order.Status)
	}
	if order.ProviderOrderID != "" {
		return s.MarkProviderPurchased(ctx, orderID, order.ProviderOrderID)
	}
	return s.StartProcessing(ctx, orderID, TriggerAdminResume)
}

// Replay rebuilds the order read model and re-runs the guarded ledger handlers. No jobs or
// notifications are dispatched.
func (s *Service) Replay(ctx context.Context, orderID int64) (*domain.Order, error) {
	order, err := s.orders.Replay(ctx, key(orderID))
	if errors.Is(err, eventsource.ErrAggregateMissing) {
		return nil, domain.ErrOrderNotFound
	}
	return order, err
}

func (s *Service) History(ctx context.Context, orderID int64) ([]eventsource.Record, error) {
	return s.orders.History(ctx, key(orderID))
}

func (s *Service) fire(ctx context.Context, orderID int64, ev eventsource.Event[domain.Order]) (*domain.Order, error) {
	order, err := s.orders.Fire(ctx, key(orderID), ev)
	if err != nil {
		return order, err
	}
	log.WithFields(log.Fields{
		"component": "orders",
		"order_id":  orderID,
		"event":     ev.EventType(),
		"status":    order.Status,
	}).Info("Order event committed")
	return order, nil
}
