/**
 * @description
 * This file defines the storage contracts of the fulfillment-service. The event log is the
 * source of truth; orders, payments and customer balances are read models written in the
 * same transaction as the event that produced them.
 *
 * @dependencies
 * - internal/eventsource: the event log contract.
 * - internal/domain: projections and ledger rows.
 */

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/eventsource"
	"github.com/google/uuid"
)

// OrderRepository reads the orders read model.
type OrderRepository interface {
	GetOrder(ctx context.Context, id int64) (*domain.Order, error)
	FindOrderByUUID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	// ListExpiredCheckouts returns AwaitingPayment orders whose checkout expired before the cutoff.
	ListExpiredCheckouts(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
	// ListOverdueRetries returns PendingRetry orders whose next retry is before the cutoff.
	ListOverdueRetries(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
	// ListStalledOrders returns Processing and ProviderPurchased orders last updated before the cutoff.
	ListStalledOrders(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
}

// PaymentRepository reads the payments read model.
type PaymentRepository interface {
	GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	// FindLatestPaymentForOrder returns the most recent payment that was not cancelled.
	FindLatestPaymentForOrder(ctx context.Context, orderID int64) (*domain.Payment, error)
}

// LedgerRepository reads balances and the append-only balance transaction ledger.
type LedgerRepository interface {
	GetBalance(ctx context.Context, customerID uuid.UUID) (*domain.CustomerBalance, error)
	HasOrderTransaction(ctx context.Context, orderID int64, txType domain.BalanceTransactionType) (bool, error)
	HasPaymentTransaction(ctx context.Context, paymentID uuid.UUID, txType domain.BalanceTransactionType) (bool, error)
	ListBalanceTransactions(ctx context.Context, customerID uuid.UUID, limit int) ([]domain.BalanceTransaction, error)
}

// ProfileRepository stores eSIM profiles, at most one per order.
type ProfileRepository interface {
	// CreateEsimProfile inserts the profile, or returns the existing one for the order with created=false.
	CreateEsimProfile(ctx context.Context, profile *domain.EsimProfile) (stored *domain.EsimProfile, created bool, err error)
	FindProfileByOrderID(ctx context.Context, orderID int64) (*domain.EsimProfile, error)
}

// JobRecord is one row of the durable job queue.
type JobRecord struct {
	ID          int64
	Name        string
	Payload     json.RawMessage
	DedupeKey   string
	RunAt       time.Time
	Attempts    int
	MaxAttempts int
	LastError   string
}

// JobRepository is the durable job queue.
type JobRepository interface {
	// EnqueueJob inserts the job. It returns false when a job with the same dedupe key exists.
	EnqueueJob(ctx context.Context, job JobRecord) (bool, error)
	ClaimJobs(ctx context.Context, limit int, staleAfterSeconds int) ([]JobRecord, error)
	CompleteJob(ctx context.Context, id int64) error
	RetryJob(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
	BuryJob(ctx context.Context, id int64, reason string) error
}

// OutboxMessage is a notification waiting to be published to RabbitMQ.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// OutboxRepository is the transactional outbox drained by the dispatcher.
type OutboxRepository interface {
	EnqueueOutbox(ctx context.Context, exchange, routingKey string, payload interface{}) error
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// Repository is everything the service needs from storage.
type Repository interface {
	eventsource.Store
	OrderRepository
	PaymentRepository
	LedgerRepository
	ProfileRepository
	JobRepository
	OutboxRepository
}
