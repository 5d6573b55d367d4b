package introspect

import (
	"context"
	"time"

	"github.com/bhorvath-dev/wa-scheduler/internal/model"
	"github.com/bhorvath-dev/wa-scheduler/internal/store"
)

// JobDiagnostic is the operator view of one job, with due/config fields
// derived against the snapshot's reference time.
type JobDiagnostic struct {
	ID                string       `json:"id"`
	OwnerID           string       `json:"ownerId,omitempty"`
	Recipient         string       `json:"recipient"`
	Status            model.Status `json:"status"`
	ScheduledAt       time.Time    `json:"scheduledAt"`
	IsDueNow          bool         `json:"isDueNow"`
	HasCompleteConfig bool         `json:"hasCompleteConfig"`
	SecondsUntilDue   int64        `json:"secondsUntilDue"`
	Retries           int          `json:"retries"`
	ProcessedAt       *time.Time   `json:"processedAt,omitempty"`
	LastError         string       `json:"lastError,omitempty"`
}

// Snapshot is a read-only diagnostic view of the job store.
type Snapshot struct {
	CurrentTime time.Time       `json:"currentTime"`
	Total       int             `json:"total"`
	Pending     int             `json:"pending"`
	Sent        int             `json:"sent"`
	Failed      int             `json:"failed"`
	Cancelled   int             `json:"cancelled"`
	Jobs        []JobDiagnostic `json:"jobs"`
}

// Build reads the store once and derives the snapshot against now. It never
// mutates the store.
func Build(ctx context.Context, st store.JobStore, now time.Time) (Snapshot, error) {
	jobs, err := st.ListAll(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		CurrentTime: now,
		Total:       len(jobs),
		Jobs:        make([]JobDiagnostic, 0, len(jobs)),
	}

	for _, j := range jobs {
		switch j.Status {
		case model.StatusPending:
			snap.Pending++
		case model.StatusSent:
			snap.Sent++
		case model.StatusFailed:
			snap.Failed++
		case model.StatusCancelled:
			snap.Cancelled++
		}

		d := JobDiagnostic{
			ID:                j.ID,
			OwnerID:           j.OwnerID,
			Recipient:         j.Recipient,
			Status:            j.Status,
			ScheduledAt:       j.ScheduledAt,
			IsDueNow:          j.Due(now),
			HasCompleteConfig: j.Gateway.Complete(),
			SecondsUntilDue:   int64(j.ScheduledAt.Sub(now) / time.Second),
			Retries:           j.Retries,
			ProcessedAt:       j.ProcessedAt,
		}
		if j.LastError != nil {
			d.LastError = *j.LastError
		}
		snap.Jobs = append(snap.Jobs, d)
	}

	return snap, nil
}
