package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Notifier wakes up workers for a job that became due now or after delay.
// The job row stays the source of truth; a lost wake-up only delays the job
// until the sweeper republishes it.
type Notifier interface {
	Notify(ctx context.Context, jobID string, delay time.Duration) error
}

// NopNotifier is used by poll-mode workers and tests
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, time.Duration) error { return nil }

// Publisher is the broker surface BrokerNotifier needs
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
	PublishDelayed(ctx context.Context, body []byte, contentType string, delay time.Duration) error
}

// BrokerNotifier publishes {"job_id": ...} wake-ups to a message broker
type BrokerNotifier struct {
	publisher Publisher
}

// NewBrokerNotifier creates a notifier on top of a broker publisher
func NewBrokerNotifier(publisher Publisher) *BrokerNotifier {
	return &BrokerNotifier{publisher: publisher}
}

func (n *BrokerNotifier) Notify(ctx context.Context, jobID string, delay time.Duration) error {
	body, err := json.Marshal(Message{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	if delay > 0 {
		return n.publisher.PublishDelayed(ctx, body, "application/json", delay)
	}
	return n.publisher.PublishWithRetry(ctx, body, "application/json")
}
