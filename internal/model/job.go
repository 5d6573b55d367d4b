package model

import (
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// GatewayConfig is the credential bundle a job needs to reach the messaging
// provider. It is captured at creation time and frozen with the job, so a
// later credential change never alters already-scheduled jobs.
type GatewayConfig struct {
	BaseURL  string
	Instance string
	Token    string
}

// Complete reports whether every field needed for a send attempt is present.
func (g GatewayConfig) Complete() bool {
	return strings.TrimSpace(g.BaseURL) != "" &&
		strings.TrimSpace(g.Instance) != "" &&
		strings.TrimSpace(g.Token) != ""
}

// ScheduledJob is a single outbound message awaiting or having completed
// dispatch. Status, Retries, ProcessedAt and LastError are the only mutable
// fields after creation.
type ScheduledJob struct {
	ID          string
	OwnerID     string
	Recipient   string
	Body        string
	ScheduledAt time.Time
	Gateway     GatewayConfig
	Status      Status
	Retries     int
	CreatedAt   time.Time
	ProcessedAt *time.Time
	LastError   *string
}

// Due reports whether the job's target instant is at or before now.
func (j ScheduledJob) Due(now time.Time) bool {
	return !j.ScheduledAt.After(now)
}

// Validate checks the fields a job must carry before it is accepted into the
// store. Gateway completeness is intentionally not required here: a job with
// missing credentials is storable and fails at dispatch time with a
// configuration diagnostic.
func (j ScheduledJob) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("id must not be empty")
	}
	if strings.TrimSpace(j.Recipient) == "" {
		return errors.New("recipient must not be empty")
	}
	if strings.TrimSpace(j.Body) == "" {
		return errors.New("body must not be empty")
	}
	if j.ScheduledAt.IsZero() {
		return errors.New("scheduledAt must be set")
	}
	if j.CreatedAt.IsZero() {
		return errors.New("createdAt must be set")
	}
	if !j.Status.Valid() {
		return errors.New("invalid status")
	}
	return nil
}
