package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/carecall/internal/queue"
	"github.com/cuongbtq/carecall/internal/reminder"
	"github.com/cuongbtq/carecall/internal/worker/domain"
)

// processJob claims one job, runs it and records the outcome in the queue.
// It only returns an error when the outcome could not be recorded.
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	job, err := w.queue.Claim(ctx, msg.JobID, w.workerID)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrAlreadyClaimed),
			errors.Is(err, queue.ErrJobNotFound),
			errors.Is(err, queue.ErrNotDue):
			w.logger.Debug("Skipping wake-up",
				slog.String("job_id", msg.JobID),
				slog.String("source", msg.Source),
				slog.String("reason", err.Error()),
			)
			return nil
		default:
			return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
		}
	}

	// a claimed job runs to completion even while the worker shuts down
	jobCtx := context.WithoutCancel(ctx)

	stopHeartbeat := w.startHeartbeat(jobCtx, job)
	result, execErr := w.executeJob(jobCtx, job)
	stopHeartbeat()

	if execErr != nil {
		execErr = classify(execErr)
		retryable := w.retryPolicy.Retryable(execErr)

		outcome, err := w.queue.Fail(jobCtx, job, execErr, retryable)
		if err != nil {
			return w.recordError(job, "failed", err)
		}

		w.logger.Info("Job attempt failed",
			slog.String("job_id", job.ID),
			slog.Int("attempt", outcome.Attempt),
			slog.Bool("retrying", outcome.Retrying),
			slog.Duration("delay", outcome.Delay),
			slog.String("error", execErr.Error()),
		)
		return nil
	}

	if err := w.queue.Ack(jobCtx, job, result); err != nil {
		return w.recordError(job, "completed", err)
	}

	w.logger.Info("Job completed successfully",
		slog.String("job_id", job.ID),
		slog.String("patient_id", job.PatientID),
		slog.Int("attempt", job.Attempts),
	)
	return nil
}

// recordError reports a failed transition. A lost lease means the stall
// recovery already moved the job on, so there is nothing left to do.
func (w *Worker) recordError(job *queue.Job, target string, err error) error {
	if errors.Is(err, queue.ErrLeaseLost) {
		w.logger.Warn("Job lease lost before it could be marked "+target,
			slog.String("job_id", job.ID),
		)
		return nil
	}
	return fmt.Errorf("failed to mark job %s as %s: %w", job.ID, target, err)
}

// startHeartbeat refreshes the job lease until the returned func is called
func (w *Worker) startHeartbeat(ctx context.Context, job *queue.Job) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.sendJobHeartbeat(ctx, job)
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, job *queue.Job) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, job); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
				if errors.Is(err, queue.ErrLeaseLost) {
					return
				}
				continue
			}
			w.logger.Debug("Job heartbeat updated",
				slog.String("job_id", job.ID),
			)
		}
	}
}

// executeJob loads the patient, picks a reminder and places the call. The
// returned value becomes the job result.
func (w *Worker) executeJob(ctx context.Context, job *queue.Job) (any, error) {
	w.logger.Info("Executing job",
		slog.String("job_id", job.ID),
		slog.String("patient_id", job.PatientID),
		slog.String("notification_type", string(job.NotificationType)),
		slog.Int("attempt", job.Attempts),
	)

	snapshot, err := w.patients.Load(ctx, job.PatientID)
	if err != nil {
		return nil, err
	}

	if !snapshot.HasMedicationGoals {
		w.logger.Info("Patient has no medication goals, skipping call",
			slog.String("job_id", job.ID),
			slog.String("patient_id", job.PatientID),
		)
		return domain.SkippedResult{Skipped: true, Reason: domain.SkipReasonNoMedicationGoals}, nil
	}

	if strings.TrimSpace(snapshot.Phone) == "" {
		return nil, fmt.Errorf("%w: patient %s has no phone number", domain.ErrInvalidPayload, job.PatientID)
	}

	r := reminder.Select(snapshot)
	message := r.Message(snapshot.FullName)

	call, err := w.gateway.PlaceCall(ctx, snapshot.Phone, message, snapshot.FullName)
	if err != nil {
		return nil, fmt.Errorf("failed to place call: %w", err)
	}
	if !call.Success {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallFailed, call.Error)
	}

	return domain.CallOutcome{
		Success:      true,
		CallID:       call.CallID,
		ReminderKind: string(r.Kind()),
	}, nil
}
