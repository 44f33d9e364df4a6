package store

import (
	"context"
	"fmt"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", raw, err)
	}
	return d, nil
}

func nullableJSON(raw []byte) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

// Orders

const orderColumns = `
	id, uuid, order_number, customer_id, package_id, provider, type, status, payment_status,
	payment_id, amount::text, cost_price::text, profit::text, currency, retry_count, next_retry_at,
	failure_reason, failure_code, provider_order_id, esim_profile_id, checkout_expires_at,
	completed_at, cancelled_at, refunded_at, created_at, updated_at`

func upsertOrderTx(ctx context.Context, tx pgx.Tx, o *domain.Order) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO orders (
			id, uuid, order_number, customer_id, package_id, provider, type, status, payment_status,
			payment_id, amount, cost_price, profit, currency, retry_count, next_retry_at,
			failure_reason, failure_code, provider_order_id, esim_profile_id, checkout_expires_at,
			completed_at, cancelled_at, refunded_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			$10, $11::numeric, $12::numeric, $13::numeric, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23, $24, $25, $26
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			payment_status = EXCLUDED.payment_status,
			payment_id = EXCLUDED.payment_id,
			retry_count = EXCLUDED.retry_count,
			next_retry_at = EXCLUDED.next_retry_at,
			failure_reason = EXCLUDED.failure_reason,
			failure_code = EXCLUDED.failure_code,
			provider_order_id = EXCLUDED.provider_order_id,
			esim_profile_id = EXCLUDED.esim_profile_id,
			checkout_expires_at = EXCLUDED.checkout_expires_at,
			completed_at = EXCLUDED.completed_at,
			cancelled_at = EXCLUDED.cancelled_at,
			refunded_at = EXCLUDED.refunded_at,
			updated_at = EXCLUDED.updated_at
	`,
		o.ID, o.UUID, o.OrderNumber, o.CustomerID, o.PackageID, string(o.Provider), string(o.Type), string(o.Status), string(o.PaymentStatus),
		o.PaymentID, o.Amount.String(), o.CostPrice.String(), o.Profit.String(), o.Currency, o.RetryCount, o.NextRetryAt,
		o.FailureReason, o.FailureCode, o.ProviderOrderID, o.EsimProfileID, o.CheckoutExpiresAt,
		o.CompletedAt, o.CancelledAt, o.RefundedAt, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                                      domain.Order
		provider, orderType, status, payStatus string
		amount, cost, profit                   string
	)
	if err := row.Scan(
		&o.ID, &o.UUID, &o.OrderNumber, &o.CustomerID, &o.PackageID, &provider, &orderType, &status, &payStatus,
		&o.PaymentID, &amount, &cost, &profit, &o.Currency, &o.RetryCount, &o.NextRetryAt,
		&o.FailureReason, &o.FailureCode, &o.ProviderOrderID, &o.EsimProfileID, &o.CheckoutExpiresAt,
		&o.CompletedAt, &o.CancelledAt, &o.RefundedAt, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.Provider = domain.ProviderKind(provider)
	o.Type = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	o.PaymentStatus = domain.PaymentStatus(payStatus)
	var err error
	if o.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if o.CostPrice, err = parseDecimal(cost); err != nil {
		return nil, err
	}
	if o.Profit, err = parseDecimal(profit); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

func (r *PostgresRepository) FindOrderByUUID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE uuid = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

func (r *PostgresRepository) ListExpiredCheckouts(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	return r.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'awaiting_payment' AND checkout_expires_at < $1
		ORDER BY checkout_expires_at ASC
		LIMIT $2
	`, before, normalizeLimit(limit))
}

func (r *PostgresRepository) ListOverdueRetries(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	return r.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'pending_retry' AND next_retry_at < $1
		ORDER BY next_retry_at ASC
		LIMIT $2
	`, before, normalizeLimit(limit))
}

func (r *PostgresRepository) ListStalledOrders(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	return r.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('processing', 'provider_purchased') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, before, normalizeLimit(limit))
}

func (r *PostgresRepository) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

// Payments

const paymentColumns = `
	id, order_id, customer_id, gateway, type, status, amount::text, currency, gateway_reference,
	gateway_transaction_id, checkout_url, expires_at, failure_code, failure_message, metadata::text,
	completed_at, failed_at, created_at, updated_at`

func upsertPaymentTx(ctx context.Context, tx pgx.Tx, p *domain.Payment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payments (
			id, order_id, customer_id, gateway, type, status, amount, currency, gateway_reference,
			gateway_transaction_id, checkout_url, expires_at, failure_code, failure_message, metadata,
			completed_at, failed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7::numeric, $8, $9,
			$10, $11, $12, $13, $14, $15::jsonb,
			$16, $17, $18, $19
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			gateway_reference = EXCLUDED.gateway_reference,
			gateway_transaction_id = EXCLUDED.gateway_transaction_id,
			checkout_url = EXCLUDED.checkout_url,
			expires_at = EXCLUDED.expires_at,
			failure_code = EXCLUDED.failure_code,
			failure_message = EXCLUDED.failure_message,
			metadata = EXCLUDED.metadata,
			completed_at = EXCLUDED.completed_at,
			failed_at = EXCLUDED.failed_at,
			updated_at = EXCLUDED.updated_at
	`,
		p.ID, p.OrderID, p.CustomerID, string(p.Gateway), string(p.Type), string(p.Status), p.Amount.String(), p.Currency, p.GatewayReference,
		p.GatewayTransactionID, p.CheckoutURL, p.ExpiresAt, p.FailureCode, p.FailureMessage, nullableJSON(p.Metadata),
		p.CompletedAt, p.FailedAt, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var (
		p                        domain.Payment
		gateway, payType, status string
		amount                   string
		metadata                 *string
	)
	if err := row.Scan(
		&p.ID, &p.OrderID, &p.CustomerID, &gateway, &payType, &status, &amount, &p.Currency, &p.GatewayReference,
		&p.GatewayTransactionID, &p.CheckoutURL, &p.ExpiresAt, &p.FailureCode, &p.FailureMessage, &metadata,
		&p.CompletedAt, &p.FailedAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Gateway = domain.GatewayKind(gateway)
	p.Type = domain.PaymentType(payType)
	p.Status = domain.PaymentStatus(status)
	if metadata != nil {
		p.Metadata = []byte(*metadata)
	}
	var err error
	if p.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresRepository) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	payment, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

func (r *PostgresRepository) FindLatestPaymentForOrder(ctx context.Context, orderID int64) (*domain.Payment, error) {
	payment, err := scanPayment(r.db.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_id = $1 AND status <> 'cancelled'
		ORDER BY created_at DESC
		LIMIT 1
	`, orderID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

// Balances and ledger

func upsertBalanceTx(ctx context.Context, tx pgx.Tx, b *domain.CustomerBalance) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO customer_balances (customer_id, balance, reserved, currency, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, $4, $5)
		ON CONFLICT (customer_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			reserved = EXCLUDED.reserved,
			currency = EXCLUDED.currency,
			updated_at = EXCLUDED.updated_at
	`, b.CustomerID, b.Balance.String(), b.Reserved.String(), b.Currency, b.UpdatedAt)
	return err
}

func insertBalanceTransactionTx(ctx context.Context, tx pgx.Tx, t *domain.BalanceTransaction, ignoreExisting bool) error {
	query := `
		INSERT INTO balance_transactions (
			id, customer_id, type, amount, balance_before, balance_after, order_id, payment_id, description, created_at
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9, $10)`
	if ignoreExisting {
		query += ` ON CONFLICT DO NOTHING`
	}
	_, err := tx.Exec(ctx, query,
		t.ID, t.CustomerID, string(t.Type), t.Amount.String(), t.BalanceBefore.String(), t.BalanceAfter.String(),
		t.OrderID, t.PaymentID, t.Description, t.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) GetBalance(ctx context.Context, customerID uuid.UUID) (*domain.CustomerBalance, error) {
	var (
		b                 domain.CustomerBalance
		balance, reserved string
	)
	err := r.db.QueryRow(ctx, `
		SELECT customer_id, balance::text, reserved::text, currency, updated_at
		FROM customer_balances
		WHERE customer_id = $1
	`, customerID).Scan(&b.CustomerID, &balance, &reserved, &b.Currency, &b.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrBalanceNotFound
		}
		return nil, err
	}
	if b.Balance, err = parseDecimal(balance); err != nil {
		return nil, err
	}
	if b.Reserved, err = parseDecimal(reserved); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *PostgresRepository) HasOrderTransaction(ctx context.Context, orderID int64, txType domain.BalanceTransactionType) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM balance_transactions WHERE order_id = $1 AND type = $2)
	`, orderID, string(txType)).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) HasPaymentTransaction(ctx context.Context, paymentID uuid.UUID, txType domain.BalanceTransactionType) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM balance_transactions WHERE payment_id = $1 AND type = $2)
	`, paymentID, string(txType)).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) ListBalanceTransactions(ctx context.Context, customerID uuid.UUID, limit int) ([]domain.BalanceTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, customer_id, type, amount::text, balance_before::text, balance_after::text,
			order_id, payment_id, description, created_at
		FROM balance_transactions
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, customerID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.BalanceTransaction, 0)
	for rows.Next() {
		var (
			t                     domain.BalanceTransaction
			txType                string
			amount, before, after string
		)
		if err := rows.Scan(&t.ID, &t.CustomerID, &txType, &amount, &before, &after, &t.OrderID, &t.PaymentID, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = domain.BalanceTransactionType(txType)
		if t.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if t.BalanceBefore, err = parseDecimal(before); err != nil {
			return nil, err
		}
		if t.BalanceAfter, err = parseDecimal(after); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// eSIM profiles

const profileColumns = `
	id, order_id, iccid, activation_code, smdp_address, lpa_string, qr_payload, total_data_bytes,
	pin, puk, apn, raw_payload::text, created_at`

func scanProfile(row rowScanner) (*domain.EsimProfile, error) {
	var (
		p   domain.EsimProfile
		raw *string
	)
	if err := row.Scan(&p.ID, &p.OrderID, &p.ICCID, &p.ActivationCode, &p.SMDPAddress, &p.LPAString, &p.QRPayload,
		&p.TotalDataBytes, &p.PIN, &p.PUK, &p.APN, &raw, &p.CreatedAt); err != nil {
		return nil, err
	}
	if raw != nil {
		p.RawPayload = []byte(*raw)
	}
	return &p, nil
}

func (r *PostgresRepository) CreateEsimProfile(ctx context.Context, profile *domain.EsimProfile) (*domain.EsimProfile, bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO esim_profiles (
			id, order_id, iccid, activation_code, smdp_address, lpa_string, qr_payload, total_data_bytes,
			pin, puk, apn, raw_payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13)
		ON CONFLICT (order_id) DO NOTHING
	`, profile.ID, profile.OrderID, profile.ICCID, profile.ActivationCode, profile.SMDPAddress, profile.LPAString,
		profile.QRPayload, profile.TotalDataBytes, profile.PIN, profile.PUK, profile.APN, nullableJSON(profile.RawPayload),
		profile.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return profile, true, nil
	}
	existing, err := r.FindProfileByOrderID(ctx, profile.OrderID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PostgresRepository) FindProfileByOrderID(ctx context.Context, orderID int64) (*domain.EsimProfile, error) {
	profile, err := scanProfile(r.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM esim_profiles WHERE order_id = $1`, orderID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrProfileNotFound
		}
		return nil, err
	}
	return profile, nil
}
