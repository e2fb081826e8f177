package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/carecall/internal/queue"
	"github.com/cuongbtq/carecall/internal/worker/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer starts consuming wake-ups with the worker id as consumer tag
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.deliveries.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
	)

	return deliveries, nil
}

// parseJobMessage extracts and validates the job id of a wake-up body
func parseJobMessage(body []byte) (string, error) {
	var msg queue.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	if _, err := uuid.Parse(msg.JobID); err != nil {
		return "", fmt.Errorf("%w: job_id %q is not a uuid", domain.ErrInvalidPayload, msg.JobID)
	}

	return msg.JobID, nil
}

// startMessageDispatcher listens to RabbitMQ deliveries and dispatches jobs to worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case <-w.stopChan:
			w.logger.Info("Message dispatcher stopped - stopChan closed")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			jobID, err := parseJobMessage(delivery.Body)
			if err != nil {
				w.logger.Error("Discarding malformed message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			jobMsg := &domain.JobMessage{
				JobID:  jobID,
				Source: domain.SourceRabbitMQ,
				Ack:    func() error { return delivery.Ack(false) },
				Nack:   func(requeue bool) error { return delivery.Nack(false, requeue) },
			}

			select {
			case w.jobsChan <- jobMsg:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", jobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.requeueOnShutdown(delivery)
				return
			case <-w.stopChan:
				w.requeueOnShutdown(delivery)
				return
			}
		}
	}
}

func (w *Worker) requeueOnShutdown(delivery amqp.Delivery) {
	w.logger.Info("Message dispatcher stopped while dispatching job")
	if nackErr := delivery.Nack(false, true); nackErr != nil {
		w.logger.Error("Failed to NACK message on shutdown",
			slog.String("error", nackErr.Error()),
		)
	}
}

// startPollDispatcher feeds due job ids from the table to the pool
func (w *Worker) startPollDispatcher(ctx context.Context) {
	w.logger.Info("Poll dispatcher started",
		slog.String("worker_id", w.workerID),
		slog.Duration("poll_interval", w.pollInterval),
	)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if !w.pollOnce(ctx) {
			return
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Poll dispatcher stopped - context canceled")
			return
		case <-w.stopChan:
			w.logger.Info("Poll dispatcher stopped - stopChan closed")
			return
		case <-ticker.C:
		}
	}
}

// pollOnce dispatches one batch of due jobs. It returns false when the
// worker is shutting down.
func (w *Worker) pollOnce(ctx context.Context) bool {
	ids, err := w.queue.DueJobIDs(ctx, w.pollBatchSize)
	if err != nil {
		w.logger.Error("Failed to poll due jobs",
			slog.String("error", err.Error()),
		)
		return true
	}

	for _, id := range ids {
		select {
		case w.jobsChan <- &domain.JobMessage{JobID: id, Source: domain.SourcePoll}:
		case <-ctx.Done():
			return false
		case <-w.stopChan:
			return false
		}
	}

	return true
}
