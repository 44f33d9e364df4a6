/**
 * @description
 * Package jobs is the durable, at-least-once job queue behind every workflow. Jobs are rows
 * in the `jobs` table claimed with FOR UPDATE SKIP LOCKED; a deferred job is just a row whose
 * run_at lies in the future. Dedupe keys make dispatch exactly-once per key.
 */

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/esimly/fulfillment-service/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	NameProviderPurchase = "provider_purchase"
	NameFetchEsimProfile = "fetch_esim_profile"
	NameExpireCheckout   = "expire_checkout_session"
)

// Job is a request to run a named handler, optionally in the future.
type Job struct {
	Name    string
	Payload interface{}
	// RunAt defers the job; zero means as soon as a worker is free.
	RunAt time.Time
	// DedupeKey, when set, makes a second enqueue with the same key a no-op.
	DedupeKey string
}

// OrderPayload is the payload of every order workflow job.
type OrderPayload struct {
	OrderID int64 `json:"order_id,string"`
	Attempt int   `json:"attempt,omitempty"`
}

// Enqueuer dispatches jobs. Delivery is at-least-once, so handlers must be idempotent.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Queue is the Enqueuer backed by a JobRepository.
type Queue struct {
	repo        store.JobRepository
	maxAttempts int
}

func NewQueue(repo store.JobRepository, maxAttempts int) *Queue {
	return &Queue{repo: repo, maxAttempts: maxAttempts}
}

func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", job.Name, err)
	}
	inserted, err := q.repo.EnqueueJob(ctx, store.JobRecord{
		Name:        job.Name,
		Payload:     payload,
		DedupeKey:   job.DedupeKey,
		RunAt:       job.RunAt,
		MaxAttempts: q.maxAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Name, err)
	}
	fields := log.Fields{"component": "jobs", "job": job.Name, "dedupe_key": job.DedupeKey}
	if !inserted {
		log.WithFields(fields).Debug("Job already dispatched; skipping")
		return nil
	}
	if !job.RunAt.IsZero() {
		fields["run_at"] = job.RunAt.UTC().Format(time.RFC3339)
	}
	log.WithFields(fields).Info("Job enqueued")
	return nil
}
