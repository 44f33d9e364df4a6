package store

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// EnqueueJob inserts a job; a dedupe key that was already used makes it a no-op.
func (r *PostgresRepository) EnqueueJob(ctx context.Context, job JobRecord) (bool, error) {
	var dedupe *string
	if job.DedupeKey != "" {
		dedupe = &job.DedupeKey
	}
	payload := string(job.Payload)
	if payload == "" {
		payload = "{}"
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 25
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO jobs (name, payload, dedupe_key, run_at, max_attempts)
		VALUES ($1, $2::jsonb, $3, COALESCE($4, NOW()), $5)
		ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
	`, job.Name, payload, dedupe, nullableTime(job.RunAt), maxAttempts)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimJobs marks due jobs, and jobs whose worker went silent, as processing.
func (r *PostgresRepository) ClaimJobs(ctx context.Context, limit int, staleAfterSeconds int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 300
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM jobs
			WHERE (
				(status = 'pending' AND run_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY run_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs AS j
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = j.attempts + 1
		FROM candidates
		WHERE j.id = candidates.id
		RETURNING j.id, j.name, j.payload::text, COALESCE(j.dedupe_key, ''), j.run_at, j.attempts, j.max_attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		if isUndefinedTableError(err) {
			log.WithField("component", "store").Warn("jobs table missing; run migrations")
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	jobs := make([]JobRecord, 0, limit)
	for rows.Next() {
		var (
			job     JobRecord
			payload string
		)
		if err := rows.Scan(&job.ID, &job.Name, &payload, &job.DedupeKey, &job.RunAt, &job.Attempts, &job.MaxAttempts); err != nil {
			return nil, err
		}
		job.Payload = []byte(payload)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *PostgresRepository) CompleteJob(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'done',
			completed_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) RetryJob(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	_, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending',
			run_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, truncateReason(reason))
	return err
}

func (r *PostgresRepository) BuryJob(ctx context.Context, id int64, reason string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'dead',
			processing_started_at = NULL,
			last_error = $2
		WHERE id = $1
	`, id, truncateReason(reason))
	return err
}

func truncateReason(reason string) string {
	if len(reason) > 2000 {
		return reason[:2000]
	}
	return reason
}
