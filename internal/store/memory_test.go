package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/eventsource"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func newClockedStore() (*MemoryStore, *fixedClock) {
	clock := &fixedClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewMemoryStore(clock.Now), clock
}

func orderRecord(id string, seq int64) eventsource.Record {
	return eventsource.Record{
		ID:            uuid.New(),
		AggregateType: "order",
		AggregateID:   id,
		Sequence:      seq,
		EventType:     "OrderCreated",
		Payload:       []byte(`{}`),
	}
}

func TestMemoryStoreAppendRejectsSequenceGap(t *testing.T) {
	store, _ := newClockedStore()
	ctx := context.Background()
	order := &domain.Order{ID: 1, Status: domain.OrderStatusPending}

	if err := store.Append(ctx, orderRecord("1", 1), order, nil); err != nil {
		t.Fatalf("expected first append to succeed, got %v", err)
	}
	if err := store.Append(ctx, orderRecord("1", 1), order, nil); !errors.Is(err, eventsource.ErrSequenceConflict) {
		t.Fatalf("expected sequence conflict, got %v", err)
	}
	if err := store.Append(ctx, orderRecord("1", 3), order, nil); !errors.Is(err, eventsource.ErrSequenceConflict) {
		t.Fatalf("expected sequence conflict for a gap, got %v", err)
	}

	records, err := store.Load(ctx, "order", "1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestMemoryStoreAppendRejectsDuplicateOrderTransaction(t *testing.T) {
	store, _ := newClockedStore()
	ctx := context.Background()
	customerID := uuid.New()
	orderID := int64(42)
	balance := &domain.CustomerBalance{CustomerID: customerID}

	refund := func() *domain.BalanceTransaction {
		return &domain.BalanceTransaction{
			ID:         uuid.New(),
			CustomerID: customerID,
			Type:       domain.BalanceTxRefund,
			Amount:     decimal.NewFromInt(10),
			OrderID:    &orderID,
		}
	}
	rec := func(seq int64) eventsource.Record {
		r := orderRecord(customerID.String(), seq)
		r.AggregateType = "customer_balance"
		return r
	}

	if err := store.Append(ctx, rec(1), balance, []any{refund()}); err != nil {
		t.Fatalf("expected first refund to be recorded, got %v", err)
	}
	err := store.Append(ctx, rec(2), balance, []any{refund()})
	if !errors.Is(err, domain.ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate transaction error, got %v", err)
	}
	records, _ := store.Load(ctx, "customer_balance", customerID.String())
	if len(records) != 1 {
		t.Fatalf("expected rejected append to leave the log untouched, got %d records", len(records))
	}

	ok, err := store.HasOrderTransaction(ctx, orderID, domain.BalanceTxRefund)
	if err != nil || !ok {
		t.Fatalf("expected refund transaction to exist, got %v (err %v)", ok, err)
	}
}

func TestMemoryStoreSaveSnapshotSkipsExistingRows(t *testing.T) {
	store, _ := newClockedStore()
	ctx := context.Background()
	customerID := uuid.New()
	tx := &domain.BalanceTransaction{ID: uuid.New(), CustomerID: customerID, Type: domain.BalanceTxAdjustment}
	balance := &domain.CustomerBalance{CustomerID: customerID}

	for i := 0; i < 2; i++ {
		if err := store.SaveSnapshot(ctx, "customer_balance", balance, []any{tx}); err != nil {
			t.Fatalf("unexpected error on pass %d: %v", i, err)
		}
	}
	txs, err := store.ListBalanceTransactions(ctx, customerID, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction after replaying twice, got %d", len(txs))
	}
}

func TestMemoryStoreListExpiredCheckouts(t *testing.T) {
	store, clock := newClockedStore()
	ctx := context.Background()
	past := clock.now.Add(-time.Minute)
	future := clock.now.Add(time.Minute)

	snapshots := []*domain.Order{
		{ID: 1, Status: domain.OrderStatusAwaitingPayment, CheckoutExpiresAt: &past},
		{ID: 2, Status: domain.OrderStatusAwaitingPayment, CheckoutExpiresAt: &future},
		{ID: 3, Status: domain.OrderStatusCompleted, CheckoutExpiresAt: &past},
		{ID: 4, Status: domain.OrderStatusAwaitingPayment, CheckoutExpiresAt: &past},
	}
	for _, order := range snapshots {
		if err := store.SaveSnapshot(ctx, "order", order, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	expired, err := store.ListExpiredCheckouts(ctx, clock.now, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(expired) != 2 || expired[0].ID != 1 || expired[1].ID != 4 {
		t.Fatalf("expected orders 1 and 4, got %+v", expired)
	}

	limited, _ := store.ListExpiredCheckouts(ctx, clock.now, 1)
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d orders", len(limited))
	}
}

func TestMemoryStoreListStalledOrders(t *testing.T) {
	store, clock := newClockedStore()
	ctx := context.Background()
	old := clock.now.Add(-time.Hour)

	snapshots := []*domain.Order{
		{ID: 1, Status: domain.OrderStatusProcessing, UpdatedAt: old},
		{ID: 2, Status: domain.OrderStatusProviderPurchased, UpdatedAt: old},
		{ID: 3, Status: domain.OrderStatusProcessing, UpdatedAt: clock.now},
		{ID: 4, Status: domain.OrderStatusAdminReview, UpdatedAt: old},
	}
	for _, order := range snapshots {
		if err := store.SaveSnapshot(ctx, "order", order, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	stalled, err := store.ListStalledOrders(ctx, clock.now.Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stalled) != 2 || stalled[0].ID != 1 || stalled[1].ID != 2 {
		t.Fatalf("expected orders 1 and 2, got %+v", stalled)
	}
}

func TestMemoryStoreJobLifecycle(t *testing.T) {
	store, clock := newClockedStore()
	ctx := context.Background()

	created, err := store.EnqueueJob(ctx, JobRecord{Name: "provider_purchase", DedupeKey: "provider_purchase:1", MaxAttempts: 3})
	if err != nil || !created {
		t.Fatalf("expected job to be created, got %v (err %v)", created, err)
	}
	created, _ = store.EnqueueJob(ctx, JobRecord{Name: "provider_purchase", DedupeKey: "provider_purchase:1"})
	if created {
		t.Fatalf("expected duplicate dedupe key to be ignored")
	}

	claimed, _ := store.ClaimJobs(ctx, 10, 60)
	if len(claimed) != 1 || claimed[0].Attempts != 1 {
		t.Fatalf("expected one claimed job on its first attempt, got %+v", claimed)
	}
	if again, _ := store.ClaimJobs(ctx, 10, 60); len(again) != 0 {
		t.Fatalf("expected a processing job not to be claimed twice, got %d", len(again))
	}

	if err := store.RetryJob(ctx, claimed[0].ID, 30, "provider timeout"); err != nil {
		t.Fatalf("unexpected retry error: %v", err)
	}
	if early, _ := store.ClaimJobs(ctx, 10, 60); len(early) != 0 {
		t.Fatalf("expected retried job to wait for its run time, got %d", len(early))
	}

	clock.now = clock.now.Add(31 * time.Second)
	claimed, _ = store.ClaimJobs(ctx, 10, 60)
	if len(claimed) != 1 || claimed[0].Attempts != 2 || claimed[0].LastError != "provider timeout" {
		t.Fatalf("expected retried job on attempt 2, got %+v", claimed)
	}

	clock.now = clock.now.Add(2 * time.Minute)
	reaped, _ := store.ClaimJobs(ctx, 10, 60)
	if len(reaped) != 1 || reaped[0].Attempts != 3 {
		t.Fatalf("expected stale job to be reclaimed, got %+v", reaped)
	}

	if err := store.CompleteJob(ctx, reaped[0].ID); err != nil {
		t.Fatalf("unexpected complete error: %v", err)
	}
	if pending := store.PendingJobs(); len(pending) != 0 {
		t.Fatalf("expected no pending jobs, got %d", len(pending))
	}
	if err := store.BuryJob(ctx, 99, "missing"); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}

func TestMemoryStoreOutboxRetry(t *testing.T) {
	store, clock := newClockedStore()
	ctx := context.Background()

	if err := store.EnqueueOutbox(ctx, "fulfillment.events", "order.completed", map[string]string{"order_id": "1"}); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	msgs, _ := store.ClaimOutboxMessages(ctx, 10, 60)
	if len(msgs) != 1 || string(msgs[0].Payload) != `{"order_id":"1"}` {
		t.Fatalf("expected one encoded message, got %+v", msgs)
	}

	_ = store.MarkOutboxFailed(ctx, msgs[0].ID, 10, "broker down")
	if early, _ := store.ClaimOutboxMessages(ctx, 10, 60); len(early) != 0 {
		t.Fatalf("expected failed message to wait, got %d", len(early))
	}
	clock.now = clock.now.Add(11 * time.Second)
	msgs, _ = store.ClaimOutboxMessages(ctx, 10, 60)
	if len(msgs) != 1 || msgs[0].Attempts != 2 {
		t.Fatalf("expected message on attempt 2, got %+v", msgs)
	}

	_ = store.MarkOutboxPublished(ctx, msgs[0].ID)
	clock.now = clock.now.Add(time.Hour)
	if rest, _ := store.ClaimOutboxMessages(ctx, 10, 60); len(rest) != 0 {
		t.Fatalf("expected published message to stay published, got %d", len(rest))
	}
}

func TestMemoryStoreProfilesAreUniquePerOrder(t *testing.T) {
	store, _ := newClockedStore()
	ctx := context.Background()

	first, created, err := store.CreateEsimProfile(ctx, &domain.EsimProfile{ID: uuid.New(), OrderID: 7, ICCID: "8900001"})
	if err != nil || !created {
		t.Fatalf("expected profile to be created, got %v (err %v)", created, err)
	}
	second, created, _ := store.CreateEsimProfile(ctx, &domain.EsimProfile{ID: uuid.New(), OrderID: 7, ICCID: "8900002"})
	if created {
		t.Fatalf("expected second profile for the same order to be rejected")
	}
	if second.ID != first.ID || second.ICCID != "8900001" {
		t.Fatalf("expected existing profile, got %+v", second)
	}

	if _, err := store.FindProfileByOrderID(ctx, 8); !errors.Is(err, domain.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}
