/**
 * @description
 * This file provides the PostgreSQL implementation of the event log. Appending an event,
 * upserting the read model row of its aggregate and inserting its ledger rows happen in a
 * single pgx transaction, so a read model never runs ahead of or behind the log.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - internal/eventsource: record and store contract.
 * - internal/domain: read model projections.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/esimly/fulfillment-service/internal/eventsource"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"

	constraintEventSequence = "event_log_aggregate_sequence_key"
)

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Append(ctx context.Context, rec eventsource.Record, snapshot any, rows []any) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO event_log (id, aggregate_type, aggregate_id, sequence, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, rec.ID, rec.AggregateType, rec.AggregateID, rec.Sequence, rec.EventType, string(rec.Payload), rec.OccurredAt)
	if err != nil {
		return mapWriteError(err)
	}
	if err := saveSnapshotTx(ctx, tx, snapshot); err != nil {
		return mapWriteError(err)
	}
	for _, row := range rows {
		if err := insertRowTx(ctx, tx, row, false); err != nil {
			return mapWriteError(err)
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) Load(ctx context.Context, aggregateType, aggregateID string) ([]eventsource.Record, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, sequence, event_type, payload::text, occurred_at
		FROM event_log
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY sequence ASC
	`, aggregateType, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]eventsource.Record, 0)
	for rows.Next() {
		var (
			rec     eventsource.Record
			payload string
		)
		if err := rows.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.Sequence, &rec.EventType, &payload, &rec.OccurredAt); err != nil {
			return nil, err
		}
		rec.Payload = []byte(payload)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PostgresRepository) SaveSnapshot(ctx context.Context, _ string, snapshot any, rows []any) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := saveSnapshotTx(ctx, tx, snapshot); err != nil {
		return mapWriteError(err)
	}
	for _, row := range rows {
		if err := insertRowTx(ctx, tx, row, true); err != nil {
			return mapWriteError(err)
		}
	}
	return tx.Commit(ctx)
}

func saveSnapshotTx(ctx context.Context, tx pgx.Tx, snapshot any) error {
	switch s := snapshot.(type) {
	case *domain.Order:
		return upsertOrderTx(ctx, tx, s)
	case *domain.Payment:
		return upsertPaymentTx(ctx, tx, s)
	case *domain.CustomerBalance:
		return upsertBalanceTx(ctx, tx, s)
	default:
		return fmt.Errorf("postgres store: unsupported snapshot %T", snapshot)
	}
}

func insertRowTx(ctx context.Context, tx pgx.Tx, row any, ignoreExisting bool) error {
	switch v := row.(type) {
	case *domain.BalanceTransaction:
		return insertBalanceTransactionTx(ctx, tx, v, ignoreExisting)
	default:
		return fmt.Errorf("postgres store: unsupported row %T", row)
	}
}

// mapWriteError turns constraint violations into the errors callers branch on.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraintEventSequence:
		return eventsource.ErrSequenceConflict
	case pgErr.Code == pgUniqueViolation && strings.Contains(pgErr.ConstraintName, "balance_transactions"):
		return fmt.Errorf("%w: %s", domain.ErrDuplicateTransaction, pgErr.ConstraintName)
	case pgErr.Code == pgCheckViolation:
		return domain.Precondition("customer balance", "violates %s", pgErr.ConstraintName)
	}
	return err
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

var _ Repository = (*PostgresRepository)(nil)
