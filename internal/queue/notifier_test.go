package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	body        string
	contentType string
	delay       time.Duration
	delayed     bool
}

type fakePublisher struct {
	messages []published
	err      error
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, body []byte, contentType string) error {
	p.messages = append(p.messages, published{body: string(body), contentType: contentType})
	return p.err
}

func (p *fakePublisher) PublishDelayed(_ context.Context, body []byte, contentType string, delay time.Duration) error {
	p.messages = append(p.messages, published{body: string(body), contentType: contentType, delay: delay, delayed: true})
	return p.err
}

func TestBrokerNotifier_Notify(t *testing.T) {
	tests := []struct {
		name        string
		delay       time.Duration
		wantDelayed bool
	}{
		{name: "due now goes to the work exchange", delay: 0},
		{name: "retry delay goes to the retry queue", delay: 10 * time.Second, wantDelayed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := &fakePublisher{}
			notifier := NewBrokerNotifier(publisher)

			require.NoError(t, notifier.Notify(context.Background(), "job-1", tt.delay))
			require.Len(t, publisher.messages, 1)

			msg := publisher.messages[0]
			assert.JSONEq(t, `{"job_id":"job-1"}`, msg.body)
			assert.Equal(t, "application/json", msg.contentType)
			assert.Equal(t, tt.wantDelayed, msg.delayed)
			assert.Equal(t, tt.delay, msg.delay)
		})
	}
}

func TestBrokerNotifier_PropagatesPublishError(t *testing.T) {
	publisher := &fakePublisher{err: errors.New("channel closed")}
	notifier := NewBrokerNotifier(publisher)

	err := notifier.Notify(context.Background(), "job-1", 0)
	assert.EqualError(t, err, "channel closed")
}

func TestNopNotifier(t *testing.T) {
	assert.NoError(t, NopNotifier{}.Notify(context.Background(), "job-1", time.Second))
}
