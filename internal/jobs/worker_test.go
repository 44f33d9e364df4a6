package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/esimly/fulfillment-service/internal/store"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestQueue() (*Queue, *store.MemoryStore, *clock) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryStore(c.Now)
	return NewQueue(mem, 3), mem, c
}

func TestEnqueue_DedupeKeyDispatchesOnce(t *testing.T) {
	queue, mem, _ := newTestQueue()
	ctx := context.Background()

	job := Job{Name: NameProviderPurchase, Payload: OrderPayload{OrderID: 42}, DedupeKey: "provider_purchase:42:payment"}
	if err := queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("unexpected error on duplicate enqueue: %v", err)
	}

	pending := mem.PendingJobs()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending job, got %d", len(pending))
	}
	var payload OrderPayload
	if err := json.Unmarshal(pending[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.OrderID != 42 {
		t.Fatalf("expected order 42, got %d", payload.OrderID)
	}
}

func TestEnqueue_RequiresName(t *testing.T) {
	queue, _, _ := newTestQueue()
	if err := queue.Enqueue(context.Background(), Job{}); err == nil {
		t.Fatal("expected error for unnamed job")
	}
}

func TestRunOnce_DefersFutureJobs(t *testing.T) {
	queue, mem, c := newTestQueue()
	pool := NewWorkerPool(mem, WorkerOptions{})
	ran := 0
	pool.Handle(NameExpireCheckout, func(context.Context, json.RawMessage) error {
		ran++
		return nil
	})

	_ = queue.Enqueue(context.Background(), Job{Name: NameExpireCheckout, Payload: OrderPayload{OrderID: 1}, RunAt: c.now.Add(time.Hour)})

	if n, _ := pool.RunOnce(context.Background()); n != 0 || ran != 0 {
		t.Fatalf("expected deferred job to wait, ran %d", ran)
	}
	c.now = c.now.Add(time.Hour)
	if n, _ := pool.RunOnce(context.Background()); n != 1 || ran != 1 {
		t.Fatalf("expected job to run once due, ran %d", ran)
	}
	if len(mem.PendingJobs()) != 0 {
		t.Fatalf("expected no pending jobs after completion")
	}
}

func TestRunOnce_FailureOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		register    bool
		err         error
		wantPending int
	}{
		{name: "transient error reschedules", register: true, err: errors.New("db unavailable"), wantPending: 1},
		{name: "permanent error buries", register: true, err: Permanent(errors.New("bad payload")), wantPending: 0},
		{name: "missing handler buries", register: false, wantPending: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue, mem, c := newTestQueue()
			pool := NewWorkerPool(mem, WorkerOptions{})
			if tt.register {
				pool.Handle(NameFetchEsimProfile, func(context.Context, json.RawMessage) error { return tt.err })
			}
			_ = queue.Enqueue(context.Background(), Job{Name: NameFetchEsimProfile, Payload: OrderPayload{OrderID: 7, Attempt: 1}})

			if _, err := pool.RunOnce(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			pending := mem.PendingJobs()
			if len(pending) != tt.wantPending {
				t.Fatalf("expected %d pending jobs, got %d", tt.wantPending, len(pending))
			}
			if tt.wantPending == 1 && !pending[0].RunAt.After(c.now) {
				t.Fatalf("expected rescheduled job to run later than %v, got %v", c.now, pending[0].RunAt)
			}
		})
	}
}

func TestRunOnce_BuriesAfterMaxAttempts(t *testing.T) {
	queue, mem, c := newTestQueue()
	pool := NewWorkerPool(mem, WorkerOptions{})
	calls := 0
	pool.Handle(NameProviderPurchase, func(context.Context, json.RawMessage) error {
		calls++
		return errors.New("still broken")
	})
	_ = queue.Enqueue(context.Background(), Job{Name: NameProviderPurchase, Payload: OrderPayload{OrderID: 9}})

	for i := 0; i < 5; i++ {
		_, _ = pool.RunOnce(context.Background())
		c.now = c.now.Add(10 * time.Minute)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts before burying, got %d", calls)
	}
	if len(mem.PendingJobs()) != 0 {
		t.Fatalf("expected job to be buried")
	}
}

func TestRunOnce_RecoversFromPanic(t *testing.T) {
	queue, mem, _ := newTestQueue()
	pool := NewWorkerPool(mem, WorkerOptions{})
	pool.Handle(NameProviderPurchase, func(context.Context, json.RawMessage) error {
		panic("boom")
	})
	_ = queue.Enqueue(context.Background(), Job{Name: NameProviderPurchase, Payload: OrderPayload{OrderID: 3}})

	if _, err := pool.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mem.PendingJobs()) != 1 {
		t.Fatalf("expected panicking job to be rescheduled")
	}
}

func TestRetryDelaySeconds(t *testing.T) {
	tests := []struct {
		attempt int
		want    int
	}{
		{0, 1},
		{1, 2},
		{3, 8},
		{8, 256},
		{12, 256},
	}
	for _, tt := range tests {
		if got := retryDelaySeconds(tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: expected %d, got %d", tt.attempt, tt.want, got)
		}
	}
}
