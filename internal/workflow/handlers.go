package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/jobs"
)

// Register binds the workflows to their job names.
func (r *Runner) Register(pool *jobs.WorkerPool) {
	pool.Handle(jobs.NameProviderPurchase, orderJob(func(ctx context.Context, p jobs.OrderPayload) error {
		return r.ProcessProviderPurchase(ctx, p.OrderID)
	}))
	pool.Handle(jobs.NameFetchEsimProfile, orderJob(func(ctx context.Context, p jobs.OrderPayload) error {
		return r.FetchEsimProfile(ctx, p.OrderID, p.Attempt)
	}))
	pool.Handle(jobs.NameExpireCheckout, orderJob(func(ctx context.Context, p jobs.OrderPayload) error {
		return r.ExpireCheckoutSession(ctx, p.OrderID)
	}))
}

func orderJob(run func(context.Context, jobs.OrderPayload) error) jobs.HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) error {
		var payload jobs.OrderPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return jobs.Permanent(fmt.Errorf("decode order job payload: %w", err))
		}
		err := run(ctx, payload)
		if errors.Is(err, domain.ErrOrderNotFound) {
			return jobs.Permanent(err)
		}
		return err
	}
}
