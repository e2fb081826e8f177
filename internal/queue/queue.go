package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/carecall/shared/clock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schemaSQL string

const jobColumns = `
	id, patient_id, notification_type, state, attempts, max_attempts,
	backoff_ms, completed_ttl_seconds, failed_ttl_seconds, worker_id,
	last_error, result, created_at, updated_at, run_at, started_at,
	heartbeat_at, finished_at, expires_at`

const stalledError = "job stalled"

// Config holds queue dependencies and defaults
type Config struct {
	DB        *sqlx.DB
	Logger    *slog.Logger
	Clock     clock.Clock
	Notifier  Notifier
	Defaults  Options
	Retention Retention
}

// Queue is a durable notification job queue backed by a SQL table.
// Every statement uses ? placeholders rebound for the driver and takes its
// timestamps from the clock, so the same code runs on Postgres and SQLite.
type Queue struct {
	db        *sqlx.DB
	logger    *slog.Logger
	clock     clock.Clock
	notifier  Notifier
	defaults  Options
	retention Retention
}

// New creates a queue. Missing optional dependencies fall back to a real
// clock, a no-op notifier and the default options.
func New(cfg *Config) *Queue {
	q := &Queue{
		db:        cfg.DB,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		notifier:  cfg.Notifier,
		defaults:  cfg.Defaults,
		retention: cfg.Retention,
	}

	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.clock == nil {
		q.clock = clock.NewRealClock()
	}
	if q.notifier == nil {
		q.notifier = NopNotifier{}
	}

	defaults := DefaultOptions()
	if q.defaults.Attempts <= 0 {
		q.defaults.Attempts = defaults.Attempts
	}
	if q.defaults.Backoff <= 0 {
		q.defaults.Backoff = defaults.Backoff
	}

	return q
}

// Backoff returns the exponential retry delay base * 2^(attempt-1)
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(int64(1)<<uint(attempt-1))
}

// Migrate creates the job table and its indexes
func (q *Queue) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate job table: %w", err)
		}
	}

	q.logger.Info("Job table migrated")
	return nil
}

func (q *Queue) now() time.Time {
	return q.clock.Now().UTC().Truncate(time.Microsecond)
}

// Enqueue validates and persists one job in the waiting state
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest, opts Options) (*Job, error) {
	resolved, err := q.resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	job, err := q.newJob(req.PatientID, req.NotificationType, resolved)
	if err != nil {
		return nil, err
	}

	if _, err := q.db.NamedExecContext(ctx, insertJobQuery, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	q.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("patient_id", job.PatientID),
		slog.String("notification_type", string(job.NotificationType)),
	)

	q.notify(ctx, job.ID, 0)

	return job, nil
}

// EnqueueBulk persists one job per patient id in a single transaction.
// Every id is validated before anything is written.
func (q *Queue) EnqueueBulk(ctx context.Context, patientIDs []string, notificationType NotificationType, opts Options) ([]*Job, error) {
	if len(patientIDs) == 0 {
		return nil, &ValidationError{Field: "patientIds", Message: "must contain at least one patient id"}
	}

	resolved, err := q.resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(patientIDs))
	for _, patientID := range patientIDs {
		job, err := q.newJob(patientID, notificationType, resolved)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, job := range jobs {
		if _, err := tx.NamedExecContext(ctx, insertJobQuery, job); err != nil {
			return nil, fmt.Errorf("failed to create job for patient %s: %w", job.PatientID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit bulk enqueue: %w", err)
	}

	q.logger.Info("Bulk jobs enqueued",
		slog.Int("count", len(jobs)),
		slog.String("notification_type", string(jobs[0].NotificationType)),
	)

	for _, job := range jobs {
		q.notify(ctx, job.ID, 0)
	}

	return jobs, nil
}

const insertJobQuery = `
	INSERT INTO notification_jobs (
		id, patient_id, notification_type, state, attempts, max_attempts,
		backoff_ms, completed_ttl_seconds, failed_ttl_seconds,
		created_at, updated_at, run_at
	) VALUES (
		:id, :patient_id, :notification_type, :state, :attempts, :max_attempts,
		:backoff_ms, :completed_ttl_seconds, :failed_ttl_seconds,
		:created_at, :updated_at, :run_at
	)`

func (q *Queue) resolveOptions(opts Options) (Options, error) {
	if opts.Attempts < 0 {
		return opts, &ValidationError{Field: "attempts", Message: "must be at least 1"}
	}
	if opts.Backoff < 0 {
		return opts, &ValidationError{Field: "backoff", Message: "must not be negative"}
	}
	if opts.Attempts == 0 {
		opts.Attempts = q.defaults.Attempts
	}
	if opts.Backoff == 0 {
		opts.Backoff = q.defaults.Backoff
	}
	return opts, nil
}

func (q *Queue) newJob(patientID string, notificationType NotificationType, opts Options) (*Job, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, &ValidationError{Field: "patientId", Message: "is required"}
	}

	if notificationType == "" {
		notificationType = DefaultNotificationType
	}
	if !notificationType.Valid() {
		return nil, &ValidationError{
			Field:   "notificationType",
			Message: fmt.Sprintf("unknown type %q", notificationType),
		}
	}

	var completedTTL, failedTTL int64
	if !opts.KeepCompleted {
		completedTTL = int64(q.retention.CompletedAge / time.Second)
	}
	if !opts.KeepFailed {
		failedTTL = int64(q.retention.FailedAge / time.Second)
	}

	now := q.now()
	return &Job{
		ID:                  uuid.NewString(),
		PatientID:           patientID,
		NotificationType:    notificationType,
		State:               StateWaiting,
		MaxAttempts:         opts.Attempts,
		BackoffMillis:       opts.Backoff.Milliseconds(),
		CompletedTTLSeconds: completedTTL,
		FailedTTLSeconds:    failedTTL,
		CreatedAt:           now,
		UpdatedAt:           now,
		RunAt:               now,
	}, nil
}

// GetJob returns a job by id or a *NotFoundError
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	query := q.db.Rebind(`SELECT ` + jobColumns + ` FROM notification_jobs WHERE id = ?`)

	if err := q.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// Claim atomically moves a due waiting job to active for workerID and
// consumes one attempt. Only one concurrent caller can win.
func (q *Queue) Claim(ctx context.Context, jobID, workerID string) (*Job, error) {
	now := q.now()
	query := q.db.Rebind(`
		UPDATE notification_jobs
		SET state = ?,
		    worker_id = ?,
		    attempts = attempts + 1,
		    started_at = ?,
		    heartbeat_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND state = ?
		  AND run_at <= ?`)

	res, err := q.db.ExecContext(ctx, query, StateActive, workerID, now, now, now, jobID, StateWaiting, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if claimed == 0 {
		if job.State == StateWaiting && job.RunAt.After(now) {
			return nil, ErrNotDue
		}
		q.logger.Debug("Failed to claim job - already claimed or finished",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
			slog.String("state", string(job.State)),
		)
		return nil, ErrAlreadyClaimed
	}

	q.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	return job, nil
}

// Ack completes an active job owned by the caller and stores its result
func (q *Queue) Ack(ctx context.Context, job *Job, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	now := q.now()
	expiresAt := expiry(now, job.CompletedTTLSeconds)

	query := q.db.Rebind(`
		UPDATE notification_jobs
		SET state = ?,
		    result = ?,
		    finished_at = ?,
		    expires_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND state = ?
		  AND worker_id = ?`)

	if err := q.execOwned(ctx, query, StateCompleted, string(payload), now, expiresAt, now, job.ID, StateActive, job.WorkerID.String); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}

	job.State = StateCompleted
	job.Result.String, job.Result.Valid = string(payload), true
	job.FinishedAt.Time, job.FinishedAt.Valid = now, true
	job.ExpiresAt = expiresAt
	job.UpdatedAt = now

	q.logger.Info("Job completed",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempts),
	)

	return nil
}

// Fail records a failed attempt. A retryable failure with attempts left goes
// back to waiting after an exponential delay; anything else is terminal.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error, retryable bool) (*FailOutcome, error) {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}

	now := q.now()

	if retryable && job.AttemptsLeft() {
		delay := Backoff(job.Backoff(), job.Attempts)
		runAt := now.Add(delay)

		query := q.db.Rebind(`
			UPDATE notification_jobs
			SET state = ?,
			    worker_id = NULL,
			    last_error = ?,
			    run_at = ?,
			    heartbeat_at = NULL,
			    updated_at = ?
			WHERE id = ?
			  AND state = ?
			  AND worker_id = ?`)

		if err := q.execOwned(ctx, query, StateWaiting, message, runAt, now, job.ID, StateActive, job.WorkerID.String); err != nil {
			return nil, fmt.Errorf("failed to schedule retry for job %s: %w", job.ID, err)
		}

		job.State = StateWaiting
		job.WorkerID.Valid = false
		job.LastError.String, job.LastError.Valid = message, true
		job.RunAt = runAt
		job.UpdatedAt = now

		q.logger.Warn("Job failed, retry scheduled",
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempts),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", message),
		)

		q.notify(ctx, job.ID, delay)

		return &FailOutcome{Retrying: true, Delay: delay, Attempt: job.Attempts}, nil
	}

	expiresAt := expiry(now, job.FailedTTLSeconds)
	query := q.db.Rebind(`
		UPDATE notification_jobs
		SET state = ?,
		    last_error = ?,
		    finished_at = ?,
		    expires_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND state = ?
		  AND worker_id = ?`)

	if err := q.execOwned(ctx, query, StateFailed, message, now, expiresAt, now, job.ID, StateActive, job.WorkerID.String); err != nil {
		return nil, fmt.Errorf("failed to mark job %s as failed: %w", job.ID, err)
	}

	job.State = StateFailed
	job.LastError.String, job.LastError.Valid = message, true
	job.FinishedAt.Time, job.FinishedAt.Valid = now, true
	job.ExpiresAt = expiresAt
	job.UpdatedAt = now

	q.logger.Error("Job failed permanently",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Bool("retryable", retryable),
		slog.String("error", message),
	)

	return &FailOutcome{Retrying: false, Attempt: job.Attempts}, nil
}

// Heartbeat refreshes heartbeat_at of an active job owned by the caller
func (q *Queue) Heartbeat(ctx context.Context, job *Job) error {
	now := q.now()
	query := q.db.Rebind(`
		UPDATE notification_jobs
		SET heartbeat_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND state = ?
		  AND worker_id = ?`)

	if err := q.execOwned(ctx, query, now, now, job.ID, StateActive, job.WorkerID.String); err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	job.HeartbeatAt.Time, job.HeartbeatAt.Valid = now, true
	return nil
}

// execOwned runs a lease-guarded update and maps zero affected rows to ErrLeaseLost
func (q *Queue) execOwned(ctx context.Context, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RequeueStalled recovers active jobs whose heartbeat is older than olderThan.
// Jobs with attempts left go back to waiting, the rest fail. Returns the
// number of recovered jobs.
func (q *Queue) RequeueStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.now()
	cutoff := now.Add(-olderThan)

	var stalled []Job
	query := q.db.Rebind(`SELECT ` + jobColumns + `
		FROM notification_jobs
		WHERE state = ?
		  AND heartbeat_at < ?
		ORDER BY heartbeat_at`)

	if err := q.db.SelectContext(ctx, &stalled, query, StateActive, cutoff); err != nil {
		return 0, fmt.Errorf("failed to select stalled jobs: %w", err)
	}

	requeueQuery := q.db.Rebind(`
		UPDATE notification_jobs
		SET state = ?,
		    worker_id = NULL,
		    last_error = ?,
		    run_at = ?,
		    heartbeat_at = NULL,
		    updated_at = ?
		WHERE id = ?
		  AND state = ?
		  AND heartbeat_at < ?`)

	failQuery := q.db.Rebind(`
		UPDATE notification_jobs
		SET state = ?,
		    last_error = ?,
		    finished_at = ?,
		    expires_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND state = ?
		  AND heartbeat_at < ?`)

	recovered := 0
	for i := range stalled {
		job := &stalled[i]

		var res sql.Result
		var err error
		if job.AttemptsLeft() {
			res, err = q.db.ExecContext(ctx, requeueQuery, StateWaiting, stalledError, now, now, job.ID, StateActive, cutoff)
		} else {
			res, err = q.db.ExecContext(ctx, failQuery, StateFailed, stalledError, now, expiry(now, job.FailedTTLSeconds), now, job.ID, StateActive, cutoff)
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to recover stalled job %s: %w", job.ID, err)
		}

		// the worker may have finished or heartbeated since the select
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		recovered++

		q.logger.Warn("Stalled job recovered",
			slog.String("job_id", job.ID),
			slog.String("worker_id", job.WorkerID.String),
			slog.Bool("requeued", job.AttemptsLeft()),
			slog.Int("attempts", job.Attempts),
		)

		if job.AttemptsLeft() {
			q.notify(ctx, job.ID, 0)
		}
	}

	return recovered, nil
}

// DueJobIDs returns ids of waiting jobs whose run_at has passed, oldest first
func (q *Queue) DueJobIDs(ctx context.Context, limit int) ([]string, error) {
	return q.waitingBefore(ctx, q.now(), limit)
}

// OverdueJobIDs returns ids of waiting jobs that have been due for longer
// than grace. The sweeper republishes wake-ups for them.
func (q *Queue) OverdueJobIDs(ctx context.Context, grace time.Duration, limit int) ([]string, error) {
	return q.waitingBefore(ctx, q.now().Add(-grace), limit)
}

func (q *Queue) waitingBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	var ids []string
	query := q.db.Rebind(`
		SELECT id
		FROM notification_jobs
		WHERE state = ?
		  AND run_at <= ?
		ORDER BY run_at, id
		LIMIT ?`)

	if err := q.db.SelectContext(ctx, &ids, query, StateWaiting, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to select due jobs: %w", err)
	}

	return ids, nil
}

// ListJobs returns up to PageSize+1 jobs ordered by created_at DESC, id DESC.
// The extra row tells the caller whether another page exists.
func (q *Queue) ListJobs(ctx context.Context, filter Filter) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM notification_jobs WHERE 1=1`
	args := []any{}

	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, filter.State)
	}

	if filter.PatientID != "" {
		query += " AND patient_id = ?"
		args = append(args, filter.PatientID)
	}

	if filter.NotificationType != "" {
		query += " AND notification_type = ?"
		args = append(args, filter.NotificationType)
	}

	if filter.Cursor != nil {
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		createdAt := filter.Cursor.CreatedAt.UTC()
		args = append(args, createdAt, createdAt, filter.Cursor.JobID)
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, filter.PageSize+1)

	var jobs []Job
	if err := q.db.SelectContext(ctx, &jobs, q.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// Prune deletes finished jobs whose retention expired, then completed jobs
// beyond the newest Retention.CompletedCount. Jobs kept by their options are
// never touched.
func (q *Queue) Prune(ctx context.Context) (*PruneResult, error) {
	now := q.now()
	result := &PruneResult{}

	query := q.db.Rebind(`
		DELETE FROM notification_jobs
		WHERE expires_at IS NOT NULL
		  AND expires_at <= ?`)

	res, err := q.db.ExecContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to prune expired jobs: %w", err)
	}
	result.Expired, _ = res.RowsAffected()

	if q.retention.CompletedCount > 0 {
		query = q.db.Rebind(`
			DELETE FROM notification_jobs
			WHERE state = ?
			  AND completed_ttl_seconds > 0
			  AND id NOT IN (
				SELECT id FROM (
					SELECT id
					FROM notification_jobs
					WHERE state = ?
					  AND completed_ttl_seconds > 0
					ORDER BY finished_at DESC, id DESC
					LIMIT ?
				) newest
			  )`)

		res, err = q.db.ExecContext(ctx, query, StateCompleted, StateCompleted, q.retention.CompletedCount)
		if err != nil {
			return nil, fmt.Errorf("failed to prune completed jobs: %w", err)
		}
		result.OverLimit, _ = res.RowsAffected()
	}

	if result.Expired > 0 || result.OverLimit > 0 {
		q.logger.Info("Pruned finished jobs",
			slog.Int64("expired", result.Expired),
			slog.Int64("over_limit", result.OverLimit),
		)
	}

	return result, nil
}

func (q *Queue) notify(ctx context.Context, jobID string, delay time.Duration) {
	if err := q.notifier.Notify(ctx, jobID, delay); err != nil {
		q.logger.Warn("Failed to publish job wake-up",
			slog.String("job_id", jobID),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	}
}

// expiry is NULL when the job is kept forever
func expiry(now time.Time, ttlSeconds int64) sql.NullTime {
	if ttlSeconds <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: now.Add(time.Duration(ttlSeconds) * time.Second), Valid: true}
}
