package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bhorvath-dev/wa-scheduler/internal/model"
)

const uniqueViolation = "23505"

const jobColumns = `
	id, owner_id, recipient, body, scheduled_at,
	gateway_url, gateway_instance, gateway_token,
	status, retries, created_at, processed_at, last_error
`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

func (s *PostgresJobStore) ListAll(ctx context.Context) ([]model.ScheduledJob, error) {
	return s.list(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		ORDER BY created_at ASC, id ASC
	`)
}

func (s *PostgresJobStore) ListByOwner(ctx context.Context, ownerID string) ([]model.ScheduledJob, error) {
	return s.list(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE owner_id = $1
		ORDER BY created_at ASC, id ASC
	`, ownerID)
}

func (s *PostgresJobStore) list(ctx context.Context, query string, args ...any) ([]model.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (model.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE id = $1
	`, id)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduledJob{}, ErrNotFound
	}
	return j, err
}

func (s *PostgresJobStore) Create(ctx context.Context, job model.ScheduledJob) error {
	var owner sql.NullString
	if job.OwnerID != "" {
		owner = sql.NullString{String: job.OwnerID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, owner_id, recipient, body, scheduled_at,
			gateway_url, gateway_instance, gateway_token,
			status, retries, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		job.ID,
		owner,
		job.Recipient,
		job.Body,
		job.ScheduledAt.UTC(),
		job.Gateway.BaseURL,
		job.Gateway.Instance,
		job.Gateway.Token,
		string(job.Status),
		job.Retries,
		job.CreatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateID
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) MarkSent(ctx context.Context, id string, processedAt time.Time) error {
	return s.transition(ctx, id, `
		UPDATE jobs
		SET status = 'sent', processed_at = $2, last_error = NULL
		WHERE id = $1 AND status = 'pending'
	`, processedAt.UTC())
}

func (s *PostgresJobStore) MarkFailed(ctx context.Context, id string, processedAt time.Time, reason string) error {
	return s.transition(ctx, id, `
		UPDATE jobs
		SET status = 'failed', processed_at = $2, last_error = $3
		WHERE id = $1 AND status = 'pending'
	`, processedAt.UTC(), reason)
}

func (s *PostgresJobStore) RecordAttempt(ctx context.Context, id string, attemptedAt time.Time, reason string) error {
	return s.transition(ctx, id, `
		UPDATE jobs
		SET retries = retries + 1, processed_at = $2, last_error = $3
		WHERE id = $1 AND status = 'pending'
	`, attemptedAt.UTC(), reason)
}

func (s *PostgresJobStore) Cancel(ctx context.Context, id string) error {
	return s.transition(ctx, id, `
		UPDATE jobs
		SET status = 'cancelled'
		WHERE id = $1 AND status = 'pending'
	`)
}

// transition runs a status-guarded UPDATE. Zero rows affected means the job
// either does not exist or is no longer pending; a follow-up read tells the
// two apart.
func (s *PostgresJobStore) transition(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job %s: %w", id, err)
	}
	return ErrTerminalState
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.ScheduledJob, error) {
	var (
		j           model.ScheduledJob
		owner       sql.NullString
		status      string
		processedAt sql.NullTime
		lastErr     sql.NullString
	)

	err := row.Scan(
		&j.ID,
		&owner,
		&j.Recipient,
		&j.Body,
		&j.ScheduledAt,
		&j.Gateway.BaseURL,
		&j.Gateway.Instance,
		&j.Gateway.Token,
		&status,
		&j.Retries,
		&j.CreatedAt,
		&processedAt,
		&lastErr,
	)
	if err != nil {
		return model.ScheduledJob{}, err
	}

	j.Status = model.Status(status)
	if owner.Valid {
		j.OwnerID = owner.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		j.ProcessedAt = &t
	}
	if lastErr.Valid {
		s := lastErr.String
		j.LastError = &s
	}
	return j, nil
}
