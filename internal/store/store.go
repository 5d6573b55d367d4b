package store

import (
	"context"
	"errors"
	"time"

	"github.com/bhorvath-dev/wa-scheduler/internal/model"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrDuplicateID   = errors.New("job id already exists")
	ErrTerminalState = errors.New("job is in a terminal state")
)

// JobStore is the durable record of scheduled jobs. Every mutating call is
// fully persisted before it returns, and status transitions out of a terminal
// state are rejected with ErrTerminalState.
type JobStore interface {
	// ListAll returns every job in insertion order (created_at, then id).
	ListAll(ctx context.Context) ([]model.ScheduledJob, error)
	// ListByOwner filters to jobs created by ownerID, same order as ListAll.
	ListByOwner(ctx context.Context, ownerID string) ([]model.ScheduledJob, error)
	Get(ctx context.Context, id string) (model.ScheduledJob, error)
	// Create appends a new job, failing with ErrDuplicateID on id collision.
	Create(ctx context.Context, job model.ScheduledJob) error
	// MarkSent transitions a pending job to sent.
	MarkSent(ctx context.Context, id string, processedAt time.Time) error
	// MarkFailed transitions a pending job to failed with a diagnostic.
	MarkFailed(ctx context.Context, id string, processedAt time.Time, reason string) error
	// RecordAttempt keeps a pending job pending after a transient failure,
	// incrementing its retry counter and recording the diagnostic.
	RecordAttempt(ctx context.Context, id string, attemptedAt time.Time, reason string) error
	// Cancel transitions a pending job to cancelled.
	Cancel(ctx context.Context, id string) error
}
