package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/eventsource"
	"github.com/google/uuid"
)

const (
	jobStatusPending    = "pending"
	jobStatusProcessing = "processing"
	jobStatusDone       = "done"
	jobStatusDead       = "dead"
)

type memoryJob struct {
	JobRecord
	status    string
	claimedAt time.Time
}

type memoryOutbox struct {
	OutboxMessage
	status      string
	nextAttempt time.Time
}

// MemoryStore is an in-process Repository used by tests and by STORE_DRIVER=memory.
// It enforces the same uniqueness rules as the Postgres schema.
type MemoryStore struct {
	mu           sync.Mutex
	now          func() time.Time
	events       map[string][]eventsource.Record
	orders       map[int64]domain.Order
	payments     map[uuid.UUID]domain.Payment
	balances     map[uuid.UUID]domain.CustomerBalance
	transactions []domain.BalanceTransaction
	profiles     map[int64]domain.EsimProfile
	jobs         []*memoryJob
	outbox       []*memoryOutbox
	nextJobID    int64
	nextOutboxID int64
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		events:   make(map[string][]eventsource.Record),
		orders:   make(map[int64]domain.Order),
		payments: make(map[uuid.UUID]domain.Payment),
		balances: make(map[uuid.UUID]domain.CustomerBalance),
		profiles: make(map[int64]domain.EsimProfile),
	}
}

func eventKey(aggregateType, aggregateID string) string {
	return aggregateType + "|" + aggregateID
}

func (m *MemoryStore) Append(_ context.Context, rec eventsource.Record, snapshot any, rows []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := eventKey(rec.AggregateType, rec.AggregateID)
	if int64(len(m.events[key])) != rec.Sequence-1 {
		return eventsource.ErrSequenceConflict
	}
	for _, row := range rows {
		tx, ok := row.(*domain.BalanceTransaction)
		if !ok {
			return fmt.Errorf("memory store: unsupported row %T", row)
		}
		if m.transactionConflictLocked(tx) {
			return fmt.Errorf("%w: %s for customer %s", domain.ErrDuplicateTransaction, tx.Type, tx.CustomerID)
		}
	}
	if err := m.saveSnapshotLocked(snapshot); err != nil {
		return err
	}
	for _, row := range rows {
		m.transactions = append(m.transactions, *row.(*domain.BalanceTransaction))
	}
	m.events[key] = append(m.events[key], rec)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, aggregateType, aggregateID string) ([]eventsource.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]eventsource.Record(nil), m.events[eventKey(aggregateType, aggregateID)]...), nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, _ string, snapshot any, rows []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.saveSnapshotLocked(snapshot); err != nil {
		return err
	}
	for _, row := range rows {
		tx, ok := row.(*domain.BalanceTransaction)
		if !ok {
			return fmt.Errorf("memory store: unsupported row %T", row)
		}
		if m.transactionConflictLocked(tx) {
			continue
		}
		m.transactions = append(m.transactions, *tx)
	}
	return nil
}

func (m *MemoryStore) saveSnapshotLocked(snapshot any) error {
	switch s := snapshot.(type) {
	case *domain.Order:
		m.orders[s.ID] = *s
	case *domain.Payment:
		m.payments[s.ID] = *s
	case *domain.CustomerBalance:
		m.balances[s.CustomerID] = *s
	default:
		return fmt.Errorf("memory store: unsupported snapshot %T", snapshot)
	}
	return nil
}

func (m *MemoryStore) transactionConflictLocked(tx *domain.BalanceTransaction) bool {
	for _, existing := range m.transactions {
		if existing.ID == tx.ID {
			return true
		}
		if tx.OrderID != nil && existing.OrderID != nil && *existing.OrderID == *tx.OrderID &&
			existing.Type == tx.Type && uniquePerOrder(tx.Type) {
			return true
		}
		if tx.Type == domain.BalanceTxTopUp && existing.Type == domain.BalanceTxTopUp &&
			tx.PaymentID != nil && existing.PaymentID != nil && *existing.PaymentID == *tx.PaymentID {
			return true
		}
	}
	return false
}

func uniquePerOrder(t domain.BalanceTransactionType) bool {
	switch t {
	case domain.BalanceTxRefund, domain.BalanceTxReservation, domain.BalanceTxReservationRelease, domain.BalanceTxPurchase:
		return true
	}
	return false
}

func (m *MemoryStore) GetOrder(_ context.Context, id int64) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &order, nil
}

func (m *MemoryStore) FindOrderByUUID(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.UUID == id {
			found := order
			return &found, nil
		}
	}
	return nil, domain.ErrOrderNotFound
}

func (m *MemoryStore) ListExpiredCheckouts(_ context.Context, before time.Time, limit int) ([]domain.Order, error) {
	return m.listOrders(limit, func(o domain.Order) bool {
		return o.Status == domain.OrderStatusAwaitingPayment && o.CheckoutExpiresAt != nil && o.CheckoutExpiresAt.Before(before)
	}), nil
}

func (m *MemoryStore) ListOverdueRetries(_ context.Context, before time.Time, limit int) ([]domain.Order, error) {
	return m.listOrders(limit, func(o domain.Order) bool {
		return o.Status == domain.OrderStatusPendingRetry && o.NextRetryAt != nil && o.NextRetryAt.Before(before)
	}), nil
}

func (m *MemoryStore) ListStalledOrders(_ context.Context, before time.Time, limit int) ([]domain.Order, error) {
	return m.listOrders(limit, func(o domain.Order) bool {
		inFlight := o.Status == domain.OrderStatusProcessing || o.Status == domain.OrderStatusProviderPurchased
		return inFlight && o.UpdatedAt.Before(before)
	}), nil
}

func (m *MemoryStore) listOrders(limit int, match func(domain.Order) bool) []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Order, 0)
	for _, order := range m.orders {
		if match(order) {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) GetPayment(_ context.Context, id uuid.UUID) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[id]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return &payment, nil
}

func (m *MemoryStore) FindLatestPaymentForOrder(_ context.Context, orderID int64) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.Payment
	for _, payment := range m.payments {
		if payment.OrderID == nil || *payment.OrderID != orderID || payment.Status == domain.PaymentStatusCancelled {
			continue
		}
		if latest == nil || payment.CreatedAt.After(latest.CreatedAt) {
			candidate := payment
			latest = &candidate
		}
	}
	if latest == nil {
		return nil, domain.ErrPaymentNotFound
	}
	return latest, nil
}

func (m *MemoryStore) GetBalance(_ context.Context, customerID uuid.UUID) (*domain.CustomerBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[customerID]
	if !ok {
		return nil, domain.ErrBalanceNotFound
	}
	return &balance, nil
}

func (m *MemoryStore) HasOrderTransaction(_ context.Context, orderID int64, txType domain.BalanceTransactionType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.transactions {
		if tx.OrderID != nil && *tx.OrderID == orderID && tx.Type == txType {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) HasPaymentTransaction(_ context.Context, paymentID uuid.UUID, txType domain.BalanceTransactionType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.transactions {
		if tx.PaymentID != nil && *tx.PaymentID == paymentID && tx.Type == txType {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListBalanceTransactions(_ context.Context, customerID uuid.UUID, limit int) ([]domain.BalanceTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.BalanceTransaction, 0)
	for i := len(m.transactions) - 1; i >= 0; i-- {
		if m.transactions[i].CustomerID == customerID {
			out = append(out, m.transactions[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateEsimProfile(_ context.Context, profile *domain.EsimProfile) (*domain.EsimProfile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.profiles[profile.OrderID]; ok {
		return &existing, false, nil
	}
	m.profiles[profile.OrderID] = *profile
	stored := *profile
	return &stored, true, nil
}

func (m *MemoryStore) FindProfileByOrderID(_ context.Context, orderID int64) (*domain.EsimProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile, ok := m.profiles[orderID]
	if !ok {
		return nil, domain.ErrProfileNotFound
	}
	return &profile, nil
}

func (m *MemoryStore) EnqueueJob(_ context.Context, job JobRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.DedupeKey != "" {
		for _, existing := range m.jobs {
			if existing.DedupeKey == job.DedupeKey {
				return false, nil
			}
		}
	}
	m.nextJobID++
	job.ID = m.nextJobID
	if job.RunAt.IsZero() {
		job.RunAt = m.now()
	}
	m.jobs = append(m.jobs, &memoryJob{JobRecord: job, status: jobStatusPending})
	return true, nil
}

func (m *MemoryStore) ClaimJobs(_ context.Context, limit int, staleAfterSeconds int) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	stale := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	claimed := make([]JobRecord, 0)
	for _, job := range m.jobs {
		if limit > 0 && len(claimed) == limit {
			break
		}
		due := job.status == jobStatusPending && !job.RunAt.After(now)
		abandoned := job.status == jobStatusProcessing && job.claimedAt.Before(stale)
		if !due && !abandoned {
			continue
		}
		job.status = jobStatusProcessing
		job.claimedAt = now
		job.Attempts++
		claimed = append(claimed, job.JobRecord)
	}
	return claimed, nil
}

func (m *MemoryStore) CompleteJob(_ context.Context, id int64) error {
	return m.updateJob(id, func(job *memoryJob) {
		job.status = jobStatusDone
	})
}

func (m *MemoryStore) RetryJob(_ context.Context, id int64, retryAfterSeconds int, reason string) error {
	return m.updateJob(id, func(job *memoryJob) {
		job.status = jobStatusPending
		job.RunAt = m.now().Add(time.Duration(retryAfterSeconds) * time.Second)
		job.LastError = reason
	})
}

func (m *MemoryStore) BuryJob(_ context.Context, id int64, reason string) error {
	return m.updateJob(id, func(job *memoryJob) {
		job.status = jobStatusDead
		job.LastError = reason
	})
}

func (m *MemoryStore) updateJob(id int64, update func(*memoryJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.ID == id {
			update(job)
			return nil
		}
	}
	return fmt.Errorf("job %d not found", id)
}

// PendingJobs returns queued jobs that have not run yet, in enqueue order.
func (m *MemoryStore) PendingJobs() []JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRecord, 0)
	for _, job := range m.jobs {
		if job.status == jobStatusPending {
			out = append(out, job.JobRecord)
		}
	}
	return out
}

func (m *MemoryStore) EnqueueOutbox(_ context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOutboxID++
	m.outbox = append(m.outbox, &memoryOutbox{
		OutboxMessage: OutboxMessage{ID: m.nextOutboxID, Exchange: exchange, RoutingKey: routingKey, Payload: blob},
		status:        "pending",
		nextAttempt:   m.now(),
	})
	return nil
}

func (m *MemoryStore) ClaimOutboxMessages(_ context.Context, limit int, _ int) ([]OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]OutboxMessage, 0)
	for _, msg := range m.outbox {
		if limit > 0 && len(out) == limit {
			break
		}
		if msg.status != "pending" || msg.nextAttempt.After(now) {
			continue
		}
		msg.status = "processing"
		msg.Attempts++
		out = append(out, msg.OutboxMessage)
	}
	return out, nil
}

func (m *MemoryStore) MarkOutboxPublished(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.outbox {
		if msg.ID == id {
			msg.status = "published"
		}
	}
	return nil
}

func (m *MemoryStore) MarkOutboxFailed(_ context.Context, id int64, retryAfterSeconds int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.outbox {
		if msg.ID == id {
			msg.status = "pending"
			msg.nextAttempt = m.now().Add(time.Duration(retryAfterSeconds) * time.Second)
		}
	}
	return nil
}

// OutboxMessages returns every message ever enqueued, in order.
func (m *MemoryStore) OutboxMessages() []OutboxMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboxMessage, 0, len(m.outbox))
	for _, msg := range m.outbox {
		out = append(out, msg.OutboxMessage)
	}
	return out
}

var _ Repository = (*MemoryStore)(nil)
