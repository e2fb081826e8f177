package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/carecall/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg := <-w.jobsChan:
			err := w.processJob(ctx, msg)
			if err != nil {
				w.logger.Error("Job processing failed",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
				)
			}

			w.settle(msg, err)
		}
	}
}

// settle acks or nacks the delivery behind msg. Poll-mode messages have
// nothing to settle.
func (w *Worker) settle(msg *domain.JobMessage, err error) {
	if msg.Ack == nil || msg.Nack == nil {
		return
	}

	if err != nil && shouldRequeueJob(err) {
		if nackErr := msg.Nack(true); nackErr != nil {
			w.logger.Error("Failed to NACK message",
				slog.String("job_id", msg.JobID),
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	if ackErr := msg.Ack(); ackErr != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("job_id", msg.JobID),
			slog.String("error", ackErr.Error()),
		)
	}
}

// shouldRequeueJob reports whether the wake-up should be redelivered. Only
// infrastructure failures that left the job untouched qualify; the job row
// drives everything else.
func shouldRequeueJob(err error) bool {
	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
