package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/jobs"
	"github.com/esimly/fulfillment-service/internal/store"
	"github.com/esimly/fulfillment-service/internal/workflow"
)

type ordersStub struct {
	expired    []domain.Order
	overdue    []domain.Order
	stalled    []domain.Order
	err        error
	lastCutoff time.Time
	lastLimit  int
}

func (s *ordersStub) ListExpiredCheckouts(_ context.Context, before time.Time, limit int) ([]domain.Order, error) {
	s.lastCutoff, s.lastLimit = before, limit
	return s.expired, s.err
}

func (s *ordersStub) ListOverdueRetries(_ context.Context, before time.Time, limit int) ([]domain.Order, error) {
	s.lastCutoff, s.lastLimit = before, limit
	return s.overdue, s.err
}

func (s *ordersStub) ListStalledOrders(_ context.Context, before time.Time, limit int) ([]domain.Order, error) {
	s.lastCutoff, s.lastLimit = before, limit
	return s.stalled, s.err
}

type probeProvider struct {
	workflow.Provider
	healthy bool
	calls   int
}

func (p *probeProvider) TestConnection(context.Context) bool {
	p.calls++
	return p.healthy
}

func newTestJobs(orders OrderReader, providers ProviderSet) (*Jobs, *store.MemoryStore, time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemoryStore(func() time.Time { return now })
	j := NewJobs(orders, jobs.NewQueue(mem, 5), providers, 0)
	j.now = func() time.Time { return now }
	return j, mem, now
}

func TestSweepExpiredCheckouts_EnqueuesOncePerExpiry(t *testing.T) {
	expires := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	orders := &ordersStub{expired: []domain.Order{
		{ID: 101, Status: domain.OrderStatusAwaitingPayment, CheckoutExpiresAt: &expires},
		{ID: 102, Status: domain.OrderStatusAwaitingPayment, CheckoutExpiresAt: &expires},
	}}
	j, mem, now := newTestJobs(orders, nil)

	j.SweepExpiredCheckouts()
	j.SweepExpiredCheckouts()

	pending := mem.PendingJobs()
	if len(pending) != 2 {
		t.Fatalf("expected 2 jobs after two sweeps, got %d", len(pending))
	}
	for _, job := range pending {
		if job.Name != jobs.NameExpireCheckout {
			t.Fatalf("expected %s, got %s", jobs.NameExpireCheckout, job.Name)
		}
		if !strings.Contains(job.DedupeKey, ":sweep:") {
			t.Fatalf("expected sweep dedupe key, got %q", job.DedupeKey)
		}
	}
	if want := now.Add(-defaultGrace); !orders.lastCutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, orders.lastCutoff)
	}
	if orders.lastLimit != defaultBatchSize {
		t.Fatalf("expected limit %d, got %d", defaultBatchSize, orders.lastLimit)
	}
}

func TestSweepOverdueRetries_KeysByRetryCount(t *testing.T) {
	orders := &ordersStub{overdue: []domain.Order{{ID: 7, Status: domain.OrderStatusPendingRetry, RetryCount: 3}}}
	j, mem, _ := newTestJobs(orders, nil)

	j.SweepOverdueRetries()
	j.SweepOverdueRetries()

	pending := mem.PendingJobs()
	if len(pending) != 1 {
		t.Fatalf("expected 1 job, got %d", len(pending))
	}
	if pending[0].Name != jobs.NameProviderPurchase || pending[0].DedupeKey != "provider_purchase:7:retry:3:sweep" {
		t.Fatalf("unexpected job %s with key %q", pending[0].Name, pending[0].DedupeKey)
	}

	orders.overdue[0].RetryCount = 4
	j.SweepOverdueRetries()
	if got := len(mem.PendingJobs()); got != 2 {
		t.Fatalf("expected a new job for the next retry, got %d jobs", got)
	}
}

func TestSweepStalledOrders_RedispatchesInFlightOrders(t *testing.T) {
	touched := time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC)
	orders := &ordersStub{stalled: []domain.Order{
		{ID: 21, Status: domain.OrderStatusProcessing, UpdatedAt: touched},
		{ID: 22, Status: domain.OrderStatusProviderPurchased, UpdatedAt: touched},
	}}
	j, mem, now := newTestJobs(orders, nil)

	j.SweepStalledOrders()
	j.SweepStalledOrders()

	pending := mem.PendingJobs()
	if len(pending) != 2 {
		t.Fatalf("expected 2 jobs after two sweeps, got %d", len(pending))
	}
	wantKeys := map[string]bool{
		fmt.Sprintf("provider_purchase:21:stalled:processing:%d", touched.Unix()):         true,
		fmt.Sprintf("provider_purchase:22:stalled:provider_purchased:%d", touched.Unix()): true,
	}
	for _, job := range pending {
		if job.Name != jobs.NameProviderPurchase || !wantKeys[job.DedupeKey] {
			t.Fatalf("unexpected job %s with key %q", job.Name, job.DedupeKey)
		}
	}
	if want := now.Add(-defaultStallGrace); !orders.lastCutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, orders.lastCutoff)
	}

	orders.stalled[0].UpdatedAt = touched.Add(time.Minute)
	j.SweepStalledOrders()
	if got := len(mem.PendingJobs()); got != 3 {
		t.Fatalf("expected a new job once the order moved again, got %d jobs", got)
	}
}

func TestSweep_ListErrorEnqueuesNothing(t *testing.T) {
	orders := &ordersStub{err: errors.New("connection refused")}
	j, mem, _ := newTestJobs(orders, nil)

	j.SweepExpiredCheckouts()
	j.SweepOverdueRetries()
	j.SweepStalledOrders()

	if got := len(mem.PendingJobs()); got != 0 {
		t.Fatalf("expected no jobs, got %d", got)
	}
}

func TestProbeProviders(t *testing.T) {
	registry := workflow.NewProviderRegistry()
	airalo := &probeProvider{healthy: true}
	esimAccess := &probeProvider{healthy: false}
	registry.Register(domain.ProviderAiralo, airalo)
	registry.Register(domain.ProviderEsimAccess, esimAccess)

	j, _, _ := newTestJobs(&ordersStub{}, registry)
	results := j.ProbeProviders()

	if !results[domain.ProviderAiralo] || results[domain.ProviderEsimAccess] {
		t.Fatalf("unexpected probe results %v", results)
	}
	if airalo.calls != 1 || esimAccess.calls != 1 {
		t.Fatalf("expected one probe per provider, got %d and %d", airalo.calls, esimAccess.calls)
	}
}

func TestSchedulerStart_SkipsDisabledAndInvalidSchedules(t *testing.T) {
	j, _, _ := newTestJobs(&ordersStub{}, nil)
	s := NewScheduler(j, Schedules{
		ExpiredCheckouts: "@every 1m",
		OverdueRetries:   "not a schedule",
	})

	registered := s.Start()
	<-s.Stop().Done()

	if registered != 1 {
		t.Fatalf("expected 1 registered job, got %d", registered)
	}
}
