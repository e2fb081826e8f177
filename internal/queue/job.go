package queue

import (
	"database/sql"
	"time"
)

// State is the lifecycle state of a notification job
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateActive, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// NotificationType selects the kind of reminder requested by the producer
type NotificationType string

const (
	NotificationMedication NotificationType = "medication"
	NotificationGoal       NotificationType = "goal"
	NotificationCheckup    NotificationType = "checkup"
)

// DefaultNotificationType is used when the producer leaves the type empty
const DefaultNotificationType = NotificationMedication

// Valid reports whether t is a known notification type
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationMedication, NotificationGoal, NotificationCheckup:
		return true
	}
	return false
}

// Job is one persisted notification job
type Job struct {
	ID                  string           `db:"id"`
	PatientID           string           `db:"patient_id"`
	NotificationType    NotificationType `db:"notification_type"`
	State               State            `db:"state"`
	Attempts            int              `db:"attempts"`
	MaxAttempts         int              `db:"max_attempts"`
	BackoffMillis       int64            `db:"backoff_ms"`
	CompletedTTLSeconds int64            `db:"completed_ttl_seconds"` // 0 keeps the job forever
	FailedTTLSeconds    int64            `db:"failed_ttl_seconds"`    // 0 keeps the job forever
	WorkerID            sql.NullString   `db:"worker_id"`
	LastError           sql.NullString   `db:"last_error"`
	Result              sql.NullString   `db:"result"`
	CreatedAt           time.Time        `db:"created_at"`
	UpdatedAt           time.Time        `db:"updated_at"`
	RunAt               time.Time        `db:"run_at"`
	StartedAt           sql.NullTime     `db:"started_at"`
	HeartbeatAt         sql.NullTime     `db:"heartbeat_at"`
	FinishedAt          sql.NullTime     `db:"finished_at"`
	ExpiresAt           sql.NullTime     `db:"expires_at"`
}

// Backoff returns the base retry delay configured for the job
func (j *Job) Backoff() time.Duration {
	return time.Duration(j.BackoffMillis) * time.Millisecond
}

// AttemptsLeft reports whether another claim is allowed after the current one
func (j *Job) AttemptsLeft() bool {
	return j.Attempts < j.MaxAttempts
}

// EnqueueRequest is the producer-side payload of a notification job
type EnqueueRequest struct {
	PatientID        string
	NotificationType NotificationType
}

// Options control retry and retention of a single job. Zero values fall back
// to the queue defaults.
type Options struct {
	Attempts      int
	Backoff       time.Duration
	KeepCompleted bool
	KeepFailed    bool
}

// Retention controls pruning of finished jobs
type Retention struct {
	CompletedAge   time.Duration
	CompletedCount int
	FailedAge      time.Duration
}

// DefaultOptions mirror the producer defaults: 3 attempts, 5s exponential backoff
func DefaultOptions() Options {
	return Options{
		Attempts: 3,
		Backoff:  5 * time.Second,
	}
}

// DefaultRetention keeps completed jobs for 1h (newest 100) and failed jobs for 24h
func DefaultRetention() Retention {
	return Retention{
		CompletedAge:   time.Hour,
		CompletedCount: 100,
		FailedAge:      24 * time.Hour,
	}
}

// FailOutcome describes what Fail did with a job
type FailOutcome struct {
	Retrying bool
	Delay    time.Duration
	Attempt  int
}

// Filter narrows ListJobs
type Filter struct {
	State            State
	PatientID        string
	NotificationType NotificationType
	PageSize         int
	Cursor           *Cursor
}

// Cursor is a keyset position in the created_at DESC, id DESC ordering
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// PruneResult counts rows removed by Prune
type PruneResult struct {
	Expired   int64
	OverLimit int64
}

// Message is the wake-up published to the broker for a job
type Message struct {
	JobID string `json:"job_id"`
}
