package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/carecall/internal/queue"
)

// JobQueue is the producer side of the notification queue
type JobQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest, opts queue.Options) (*queue.Job, error)
	EnqueueBulk(ctx context.Context, patientIDs []string, notificationType queue.NotificationType, opts queue.Options) ([]*queue.Job, error)
	GetJob(ctx context.Context, jobID string) (*queue.Job, error)
	ListJobs(ctx context.Context, filter queue.Filter) ([]queue.Job, error)
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Queue  JobQueue

	// Checks are probed by the health endpoint, keyed by service name
	Checks map[string]HealthChecker
}

// NotificationHandler handles notification job HTTP requests
type NotificationHandler struct {
	logger *slog.Logger
	queue  JobQueue
}

// NewNotificationHandler creates a new NotificationHandler instance
func NewNotificationHandler(deps *Dependencies) *NotificationHandler {
	return &NotificationHandler{
		logger: deps.Logger,
		queue:  deps.Queue,
	}
}
