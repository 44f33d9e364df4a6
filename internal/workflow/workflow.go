/**
 * @description
 * Package workflow runs the background units of work that move a paid order to completion:
 * the provider purchase, the eSIM profile fetch and the checkout expiration. Every unit is
 * re-entrant. It reloads the order, returns early when the work is already done, and turns
 * provider failures into order events instead of returning them.
 *
 * @dependencies
 * - internal/orders, internal/payments: the aggregates the workflows drive.
 * - internal/jobs: deferred dispatch for retries and backoff.
 * - go-redsync/redsync: per-order purchase lock.
 * - redis/go-redis: provider rate limiting.
 */

package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/jobs"
	"github.com/esimly/fulfillment-service/internal/orders"
	"github.com/esimly/fulfillment-service/internal/store"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// OrderService is the part of the order service the workflows drive.
type OrderService interface {
	Get(ctx context.Context, orderID int64) (*domain.Order, error)
	StartProcessing(ctx context.Context, orderID int64, trigger string) (*domain.Order, error)
	MarkProviderPurchased(ctx context.Context, orderID int64, providerOrderID string) (*domain.Order, error)
	Complete(ctx context.Context, orderID int64, profileID uuid.UUID) (*domain.Order, error)
	Fail(ctx context.Context, orderID int64, code, reason string) (*domain.Order, error)
	ScheduleRetry(ctx context.Context, orderID int64, nextRetryAt time.Time, reason string) (*domain.Order, error)
	RequireAdminReview(ctx context.Context, orderID int64, code, reason string) (*domain.Order, error)
	MarkProfileFetchFailed(ctx context.Context, orderID int64, attempts int, reason string) (*domain.Order, error)
	Cancel(ctx context.Context, orderID int64, code, reason string) (*domain.Order, error)
}

// PaymentService is the part of the payment service checkout expiration drives.
type PaymentService interface {
	Fail(ctx context.Context, paymentID uuid.UUID, code, message string) (*domain.Payment, error)
}

type Config struct {
	Orders       OrderService
	Payments     PaymentService
	PaymentReads store.PaymentRepository
	Profiles     store.ProfileRepository
	Providers    *ProviderRegistry
	Jobs         jobs.Enqueuer
	IDs          domain.IDGenerator
	Classify     Classifier
	Retry        RetryPolicy
	// ProfileBackoff is the wait after each failed profile fetch; its length caps the attempts.
	ProfileBackoff []time.Duration
	// Locker and Throttle are optional.
	Locker   Locker
	Throttle ProviderThrottle
	Now      func() time.Time
}

// Runner executes the order workflows.
type Runner struct {
	orders         OrderService
	payments       PaymentService
	paymentReads   store.PaymentRepository
	profiles       store.ProfileRepository
	providers      *ProviderRegistry
	jobs           jobs.Enqueuer
	ids            domain.IDGenerator
	classify       Classifier
	retry          RetryPolicy
	profileBackoff []time.Duration
	locker         Locker
	throttle       ProviderThrottle
	now            func() time.Time
	logger         *log.Entry
}

func NewRunner(cfg Config) *Runner {
	classify := cfg.Classify
	if classify == nil {
		classify = ClassifyProviderError
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	backoff := cfg.ProfileBackoff
	if len(backoff) == 0 {
		backoff = DefaultProfileBackoff
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		orders:         cfg.Orders,
		payments:       cfg.Payments,
		paymentReads:   cfg.PaymentReads,
		profiles:       cfg.Profiles,
		providers:      cfg.Providers,
		jobs:           cfg.Jobs,
		ids:            cfg.IDs,
		classify:       classify,
		retry:          retry,
		profileBackoff: backoff,
		locker:         cfg.Locker,
		throttle:       cfg.Throttle,
		now:            now,
		logger:         log.WithField("component", "workflow"),
	}
}

// ProcessProviderPurchase buys the order's package from its provider. An order that already
// holds a provider reference skips straight to the profile fetch.
func (r *Runner) ProcessProviderPurchase(ctx context.Context, orderID int64) error {
	logger := r.logger.WithFields(log.Fields{"job": jobs.NameProviderPurchase, "order_id": orderID})

	if r.locker != nil {
		unlock, err := r.locker.Lock(ctx, "order_purchase:"+strconv.FormatInt(orderID, 10))
		if err != nil {
			return err
		}
		defer unlock()
	}

	order, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	logger = logger.WithField("status", order.Status)

	switch order.Status {
	case domain.OrderStatusProcessing:
	case domain.OrderStatusPendingRetry:
		order, err = r.orders.StartProcessing(ctx, orderID, orders.TriggerRetry)
		if errors.Is(err, domain.ErrPreconditionFailed) {
			logger.WithError(err).Info("Order moved before its retry ran; skipping")
			return nil
		}
		if err != nil {
			return err
		}
	case domain.OrderStatusProviderPurchased:
		logger.Info("Order already purchased; fetching profile")
		return r.FetchEsimProfile(ctx, orderID, 1)
	default:
		logger.Info("Order is not awaiting a provider purchase; skipping")
		return nil
	}

	if order.ProviderOrderID != "" {
		logger.WithField("provider_order_id", order.ProviderOrderID).Info("Provider reference already recorded; not purchasing again")
		return ignorePrecondition(r.orders.MarkProviderPurchased(ctx, orderID, order.ProviderOrderID))
	}

	provider, err := r.providers.Resolve(order.Provider)
	if err != nil {
		logger.WithError(err).Error("No client for the order's provider")
		return ignorePrecondition(r.orders.RequireAdminReview(ctx, orderID, orders.CodeProviderError, err.Error()))
	}

	if deferred, err := r.deferIfThrottled(ctx, order); deferred || err != nil {
		return err
	}

	result := provider.Purchase(ctx, order.PackageID, order.UUID.String())
	if result.Success {
		logger.WithField("provider_order_id", result.ProviderOrderRef).Info("Provider purchase succeeded")
		return ignorePrecondition(r.orders.MarkProviderPurchased(ctx, orderID, result.ProviderOrderRef))
	}

	class := r.classify(result.ErrorMessage)
	if result.IsRetryable {
		class = ClassRetryable
	}
	logger = logger.WithFields(log.Fields{"class": class, "retry_count": order.RetryCount})
	logger.WithField("error", result.ErrorMessage).Warn("Provider purchase failed")

	switch class {
	case ClassRetryable:
		if r.retry.Exhausted(order.RetryCount) {
			reason := fmt.Sprintf("retry budget of %d attempts exhausted: %s", r.retry.MaxAttempts, result.ErrorMessage)
			return ignorePrecondition(r.orders.RequireAdminReview(ctx, orderID, orders.CodeRetriesExhausted, reason))
		}
		next := r.now().Add(r.retry.NextDelay(order.RetryCount))
		return ignorePrecondition(r.orders.ScheduleRetry(ctx, orderID, next, result.ErrorMessage))
	case ClassPermanent:
		return ignorePrecondition(r.orders.Fail(ctx, orderID, orders.CodeProviderRejected, result.ErrorMessage))
	default:
		return ignorePrecondition(r.orders.RequireAdminReview(ctx, orderID, orders.CodeProviderError, result.ErrorMessage))
	}
}

// deferIfThrottled moves the purchase to the provider's next free slot when its pace is spent.
// The deferred job does not count against the order's retry budget.
func (r *Runner) deferIfThrottled(ctx context.Context, order *domain.Order) (bool, error) {
	if r.throttle == nil {
		return false, nil
	}
	wait, err := r.throttle.Admit(ctx, order.Provider)
	if err != nil {
		r.logger.WithError(err).Warn("Provider throttle unavailable; purchasing without it")
		return false, nil
	}
	if wait <= 0 {
		return false, nil
	}
	runAt := r.now().Add(wait)
	r.logger.WithFields(log.Fields{"order_id": order.ID, "provider": order.Provider, "run_at": runAt}).
		Info("Provider purchase budget spent; deferring")
	return true, r.jobs.Enqueue(ctx, jobs.Job{
		Name:      jobs.NameProviderPurchase,
		Payload:   jobs.OrderPayload{OrderID: order.ID},
		RunAt:     runAt,
		DedupeKey: fmt.Sprintf("provider_purchase:%d:throttled:%d", order.ID, runAt.Unix()),
	})
}

// FetchEsimProfile reads the installable profile of a purchased order. Only this read is
// retried automatically; once the attempts run out the order goes to admin review.
func (r *Runner) FetchEsimProfile(ctx context.Context, orderID int64, attempt int) error {
	if attempt < 1 {
		attempt = 1
	}
	logger := r.logger.WithFields(log.Fields{"job": jobs.NameFetchEsimProfile, "order_id": orderID, "attempt": attempt})

	order, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusProviderPurchased {
		logger.WithField("status", order.Status).Info("Order is not waiting for a profile; skipping")
		return nil
	}

	existing, err := r.profiles.FindProfileByOrderID(ctx, orderID)
	switch {
	case err == nil:
		logger.WithField("profile_id", existing.ID).Info("Profile already stored; completing order")
		return ignorePrecondition(r.orders.Complete(ctx, orderID, existing.ID))
	case !errors.Is(err, domain.ErrProfileNotFound):
		return err
	}

	provider, err := r.providers.Resolve(order.Provider)
	if err != nil {
		return ignorePrecondition(r.orders.MarkProfileFetchFailed(ctx, orderID, attempt, err.Error()))
	}

	result := provider.FetchProfile(ctx, order.ProviderOrderID)
	lpa := ""
	if result.Success {
		lpa = domain.BuildLPA(result.SMDPAddress, result.ActivationCode)
		if lpa == "" {
			result.Success = false
			result.ErrorMessage = "profile has no usable activation code"
		}
	}
	if !result.Success {
		return r.profileFetchFailed(ctx, order, attempt, result.ErrorMessage)
	}

	stored, created, err := r.profiles.CreateEsimProfile(ctx, &domain.EsimProfile{
		ID:             r.ids.NewUUID(),
		OrderID:        orderID,
		ICCID:          result.ICCID,
		ActivationCode: result.ActivationCode,
		SMDPAddress:    result.SMDPAddress,
		LPAString:      lpa,
		QRPayload:      domain.QRPayload(lpa),
		TotalDataBytes: result.TotalDataBytes,
		PIN:            result.PIN,
		PUK:            result.PUK,
		APN:            result.APN,
		RawPayload:     result.RawPayload,
		CreatedAt:      r.now().UTC(),
	})
	if err != nil {
		return err
	}
	logger.WithFields(log.Fields{"profile_id": stored.ID, "created": created, "iccid": stored.ICCID}).Info("eSIM profile stored")
	return ignorePrecondition(r.orders.Complete(ctx, orderID, stored.ID))
}

func (r *Runner) profileFetchFailed(ctx context.Context, order *domain.Order, attempt int, message string) error {
	logger := r.logger.WithFields(log.Fields{"order_id": order.ID, "attempt": attempt, "error": message})
	if attempt >= len(r.profileBackoff) {
		logger.Warn("Profile fetch attempts exhausted; routing order to admin review")
		reason := fmt.Sprintf("profile fetch failed after %d attempts: %s", attempt, message)
		return ignorePrecondition(r.orders.MarkProfileFetchFailed(ctx, order.ID, attempt, reason))
	}
	delay := r.profileBackoff[attempt-1]
	logger.WithField("retry_in", delay).Info("Profile not available yet; retrying later")
	return r.jobs.Enqueue(ctx, jobs.Job{
		Name:      jobs.NameFetchEsimProfile,
		Payload:   jobs.OrderPayload{OrderID: order.ID, Attempt: attempt + 1},
		RunAt:     r.now().Add(delay),
		DedupeKey: fmt.Sprintf("fetch_profile:%d:%s:attempt:%d", order.ID, order.ProviderOrderID, attempt+1),
	})
}

// ExpireCheckoutSession cancels an order whose hosted checkout was never paid.
func (r *Runner) ExpireCheckoutSession(ctx context.Context, orderID int64) error {
	logger := r.logger.WithFields(log.Fields{"job": jobs.NameExpireCheckout, "order_id": orderID})

	order, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusAwaitingPayment || order.PaymentStatus == domain.PaymentStatusCompleted {
		logger.WithField("status", order.Status).Debug("Checkout no longer open; nothing to expire")
		return nil
	}
	if order.CheckoutExpiresAt != nil && r.now().Before(*order.CheckoutExpiresAt) {
		logger.WithField("expires_at", order.CheckoutExpiresAt).Info("Checkout has not expired yet; skipping")
		return nil
	}

	payment, err := r.paymentReads.FindLatestPaymentForOrder(ctx, orderID)
	switch {
	case errors.Is(err, domain.ErrPaymentNotFound):
	case err != nil:
		return err
	case !payment.Status.IsTerminal():
		_, err := r.payments.Fail(ctx, payment.ID, orders.CodeCheckoutExpired, "checkout session expired")
		if err != nil && !errors.Is(err, domain.ErrPreconditionFailed) {
			return err
		}
	}

	// A success that raced the expiry wins.
	order, err = r.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.PaymentStatus == domain.PaymentStatusCompleted {
		logger.Info("Payment completed while expiring the checkout; keeping the order")
		return nil
	}
	logger.Info("Checkout expired; cancelling order")
	return ignorePrecondition(r.orders.Cancel(ctx, orderID, orders.CodeCheckoutExpired, "checkout session expired"))
}

func ignorePrecondition(_ *domain.Order, err error) error {
	if errors.Is(err, domain.ErrPreconditionFailed) {
		log.WithError(err).WithField("component", "workflow").Info("Order moved concurrently; event skipped")
		return nil
	}
	return err
}
