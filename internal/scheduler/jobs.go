/**
 * @description
 * Scheduled sweeps for the scheduler-service. Workflow jobs are normally dispatched by the
 * order event handlers; these sweeps recover orders whose job was lost after the event
 * committed, and probe provider connectivity.
 */
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/jobs"
	"github.com/esimly/fulfillment-service/internal/workflow"
	log "github.com/sirupsen/logrus"
)

const (
	defaultBatchSize = 100
	// Orders due less than this long ago are left to their regular job.
	defaultGrace = 2 * time.Minute
	// An in-flight order may sit this long behind a slow provider or a backed-off job.
	defaultStallGrace = 10 * time.Minute
	probeTimeout      = 15 * time.Second
)

// OrderReader lists orders whose deadline has passed.
type OrderReader interface {
	ListExpiredCheckouts(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
	ListOverdueRetries(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
	ListStalledOrders(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
}

// ProviderSet is the read side of the provider registry.
type ProviderSet interface {
	Kinds() []domain.ProviderKind
	Resolve(kind domain.ProviderKind) (workflow.Provider, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	orders     OrderReader
	queue      jobs.Enqueuer
	providers  ProviderSet
	batchSize  int
	grace      time.Duration
	stallGrace time.Duration
	now        func() time.Time
}

// NewJobs creates a new Jobs runner. providers may be nil when no probe is scheduled.
func NewJobs(orders OrderReader, queue jobs.Enqueuer, providers ProviderSet, batchSize int) *Jobs {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Jobs{
		orders:     orders,
		queue:      queue,
		providers:  providers,
		batchSize:  batchSize,
		grace:      defaultGrace,
		stallGrace: defaultStallGrace,
		now:        time.Now,
	}
}

// SweepExpiredCheckouts enqueues the expiration check for checkouts that expired without one.
func (j *Jobs) SweepExpiredCheckouts() {
	logger := log.WithFields(log.Fields{"component": "scheduler", "job": "expired_checkouts"})
	ctx := context.Background()

	orders, err := j.orders.ListExpiredCheckouts(ctx, j.now().UTC().Add(-j.grace), j.batchSize)
	if err != nil {
		logger.WithError(err).Error("Failed to list expired checkouts")
		return
	}
	if len(orders) == 0 {
		logger.Debug("No expired checkouts to sweep")
		return
	}

	enqueued := 0
	for _, order := range orders {
		expiry := int64(0)
		if order.CheckoutExpiresAt != nil {
			expiry = order.CheckoutExpiresAt.Unix()
		}
		err := j.queue.Enqueue(ctx, jobs.Job{
			Name:      jobs.NameExpireCheckout,
			Payload:   jobs.OrderPayload{OrderID: order.ID},
			DedupeKey: fmt.Sprintf("expire_checkout:%d:sweep:%d", order.ID, expiry),
		})
		if err != nil {
			logger.WithError(err).WithField("order_id", order.ID).Error("Failed to enqueue checkout expiration")
			continue
		}
		enqueued++
	}
	logger.WithFields(log.Fields{"found": len(orders), "enqueued": enqueued}).Info("Expired checkout sweep finished")
}

// SweepOverdueRetries re-dispatches purchase retries whose scheduled job never ran.
func (j *Jobs) SweepOverdueRetries() {
	logger := log.WithFields(log.Fields{"component": "scheduler", "job": "overdue_retries"})
	ctx := context.Background()

	orders, err := j.orders.ListOverdueRetries(ctx, j.now().UTC().Add(-j.grace), j.batchSize)
	if err != nil {
		logger.WithError(err).Error("Failed to list overdue retries")
		return
	}
	if len(orders) == 0 {
		logger.Debug("No overdue retries to sweep")
		return
	}

	enqueued := 0
	for _, order := range orders {
		err := j.queue.Enqueue(ctx, jobs.Job{
			Name:      jobs.NameProviderPurchase,
			Payload:   jobs.OrderPayload{OrderID: order.ID},
			DedupeKey: fmt.Sprintf("provider_purchase:%d:retry:%d:sweep", order.ID, order.RetryCount),
		})
		if err != nil {
			logger.WithError(err).WithField("order_id", order.ID).Error("Failed to enqueue overdue retry")
			continue
		}
		enqueued++
	}
	logger.WithFields(log.Fields{"found": len(orders), "enqueued": enqueued}).Info("Overdue retry sweep finished")
}

// SweepStalledOrders re-dispatches the purchase job of orders stuck in Processing or
// ProviderPurchased. The purchase job routes a purchased order to the profile fetch.
func (j *Jobs) SweepStalledOrders() {
	logger := log.WithFields(log.Fields{"component": "scheduler", "job": "stalled_orders"})
	ctx := context.Background()

	orders, err := j.orders.ListStalledOrders(ctx, j.now().UTC().Add(-j.stallGrace), j.batchSize)
	if err != nil {
		logger.WithError(err).Error("Failed to list stalled orders")
		return
	}
	if len(orders) == 0 {
		logger.Debug("No stalled orders to sweep")
		return
	}

	enqueued := 0
	for _, order := range orders {
		err := j.queue.Enqueue(ctx, jobs.Job{
			Name:      jobs.NameProviderPurchase,
			Payload:   jobs.OrderPayload{OrderID: order.ID},
			DedupeKey: fmt.Sprintf("provider_purchase:%d:stalled:%s:%d", order.ID, order.Status, order.UpdatedAt.Unix()),
		})
		if err != nil {
			logger.WithError(err).WithField("order_id", order.ID).Error("Failed to enqueue stalled order")
			continue
		}
		enqueued++
	}
	logger.WithFields(log.Fields{"found": len(orders), "enqueued": enqueued}).Info("Stalled order sweep finished")
}

// ProbeProviders checks connectivity of every registered provider and reports the ones
// that are down.
func (j *Jobs) ProbeProviders() map[domain.ProviderKind]bool {
	results := make(map[domain.ProviderKind]bool)
	if j.providers == nil {
		return results
	}
	logger := log.WithFields(log.Fields{"component": "scheduler", "job": "provider_probe"})

	for _, kind := range j.providers.Kinds() {
		provider, err := j.providers.Resolve(kind)
		if err != nil {
			logger.WithError(err).WithField("provider", kind).Error("Failed to resolve provider")
			results[kind] = false
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		healthy := provider.TestConnection(ctx)
		cancel()

		results[kind] = healthy
		if !healthy {
			logger.WithField("provider", kind).Warn("Provider connectivity check failed")
		}
	}
	return results
}

// probe adapts ProbeProviders to a cron func.
func (j *Jobs) probe() {
	j.ProbeProviders()
}
