package worker

import (
	"context"
	"log/slog"
	"time"
)

// runSweeper periodically recovers stalled jobs, prunes finished ones and,
// in rabbitmq mode, republishes wake-ups that were lost
func (w *Worker) runSweeper(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	recovered, err := w.queue.RequeueStalled(ctx, w.stallTimeout)
	if err != nil {
		w.logger.Error("Failed to requeue stalled jobs", slog.String("error", err.Error()))
	} else if recovered > 0 {
		w.logger.Warn("Recovered stalled jobs", slog.Int("count", recovered))
	}

	if _, err := w.queue.Prune(ctx); err != nil {
		w.logger.Error("Failed to prune jobs", slog.String("error", err.Error()))
	}

	if w.mode != ModeRabbitMQ {
		return
	}

	ids, err := w.queue.OverdueJobIDs(ctx, w.sweepInterval, w.pollBatchSize)
	if err != nil {
		w.logger.Error("Failed to find overdue jobs", slog.String("error", err.Error()))
		return
	}

	for _, id := range ids {
		if err := w.notifier.Notify(ctx, id, 0); err != nil {
			w.logger.Warn("Failed to republish overdue job",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	if len(ids) > 0 {
		w.logger.Info("Republished overdue jobs", slog.Int("count", len(ids)))
	}
}
