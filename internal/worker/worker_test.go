package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/carecall/internal/patient"
	"github.com/cuongbtq/carecall/internal/queue"
	"github.com/cuongbtq/carecall/internal/voicecall"
	"github.com/cuongbtq/carecall/internal/voicecall/mocks"
	"github.com/cuongbtq/carecall/internal/worker/domain"
	"github.com/cuongbtq/carecall/shared/clock"
	"github.com/cuongbtq/carecall/shared/logger"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var testStart = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

const (
	patientWithMeds   = "65a1f0c2e4b0a1b2c3d4e5f1"
	patientWithGoal   = "65a1f0c2e4b0a1b2c3d4e5f2"
	patientNoGoals    = "65a1f0c2e4b0a1b2c3d4e5f3"
	patientNoPhone    = "65a1f0c2e4b0a1b2c3d4e5f4"
	patientNotInStore = "65a1f0c2e4b0a1b2c3d4e5f9"
)

type fakeStore struct {
	patients map[string]*patient.Patient
	goals    map[string][]patient.Goal
	pending  map[string][]patient.GoalTracking
}

func (s *fakeStore) FindPatientByID(_ context.Context, id string) (*patient.Patient, error) {
	p, ok := s.patients[id]
	if !ok {
		return nil, patient.ErrPatientNotFound
	}
	return p, nil
}

func (s *fakeStore) FindMedicationGoals(_ context.Context, id string) ([]patient.Goal, error) {
	return s.goals[id], nil
}

func (s *fakeStore) FindPendingGoalTracking(_ context.Context, id string, limit int) ([]patient.GoalTracking, error) {
	entries := s.pending[id]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		patients: map[string]*patient.Patient{
			patientWithMeds: {ID: patientWithMeds, FullName: "John Doe", Phone: "+15550001"},
			patientWithGoal: {ID: patientWithGoal, FullName: "Jane Roe", Phone: "+15550002"},
			patientNoGoals:  {ID: patientNoGoals, FullName: "Sam Poe", Phone: "+15550003"},
			patientNoPhone:  {ID: patientNoPhone, FullName: "Kim Loe"},
		},
		goals: map[string][]patient.Goal{
			patientWithMeds: {{ID: "g1", Category: patient.CategoryMedication, Values: []string{"Aspirin 100mg", "Metformin 500mg"}}},
			patientWithGoal: {{ID: "g2", Category: patient.CategoryMedication}},
			patientNoPhone:  {{ID: "g3", Category: patient.CategoryMedication, Values: []string{"Aspirin 100mg"}}},
		},
		pending: map[string][]patient.GoalTracking{
			patientWithGoal: {{ID: "t1", Target: "Walk 30 minutes daily"}},
		},
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	jobIDs []string
}

func (n *recordingNotifier) Notify(_ context.Context, jobID string, _ time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobIDs = append(n.jobIDs, jobID)
	return nil
}

func (n *recordingNotifier) ids() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.jobIDs...)
}

type fakeDeliveries struct {
	ch chan amqp.Delivery
}

func (f *fakeDeliveries) Consume(string) (<-chan amqp.Delivery, error) {
	return f.ch, nil
}

type settlement struct {
	acked   bool
	nacked  bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	settled map[uint64]settlement
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{settled: map[uint64]settlement{}}
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled[tag] = settlement{acked: true}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled[tag] = settlement{nacked: true, requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) get(tag uint64) (settlement, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.settled[tag]
	return s, ok
}

type testEnv struct {
	queue    *queue.Queue
	clock    *clock.MockClock
	gateway  *mocks.MockGateway
	notifier *recordingNotifier
	worker   *Worker
}

func newTestEnv(t *testing.T, mutate ...func(cfg *Config)) *testEnv {
	t.Helper()

	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "worker.db")+"?_busy_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewMockClock(testStart)
	q := queue.New(&queue.Config{
		DB:        db,
		Logger:    logger.NewDiscard(),
		Clock:     clk,
		Retention: queue.DefaultRetention(),
	})
	require.NoError(t, q.Migrate(context.Background()))

	ctrl := gomock.NewController(t)
	gateway := mocks.NewMockGateway(ctrl)
	notifier := &recordingNotifier{}

	cfg := &Config{
		Logger:        logger.NewDiscard(),
		Queue:         q,
		Patients:      patient.NewLoader(newFakeStore(), logger.NewDiscard()),
		Gateway:       gateway,
		Notifier:      notifier,
		WorkerID:      "worker-test",
		Mode:          ModePoll,
		Concurrency:   2,
		PollInterval:  10 * time.Millisecond,
		SweepInterval: time.Hour,
	}
	for _, m := range mutate {
		m(cfg)
	}

	w, err := NewWorker(cfg)
	require.NoError(t, err)

	return &testEnv{queue: q, clock: clk, gateway: gateway, notifier: notifier, worker: w}
}

func (e *testEnv) enqueue(t *testing.T, patientID string) *queue.Job {
	t.Helper()
	job, err := e.queue.Enqueue(context.Background(), queue.EnqueueRequest{PatientID: patientID}, queue.Options{})
	require.NoError(t, err)
	return job
}

func (e *testEnv) process(t *testing.T, jobID string) {
	t.Helper()
	require.NoError(t, e.worker.processJob(context.Background(), &domain.JobMessage{JobID: jobID}))
}

func (e *testEnv) get(t *testing.T, jobID string) *queue.Job {
	t.Helper()
	job, err := e.queue.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func TestNewWorker_Validation(t *testing.T) {
	base := func() *Config {
		ctrl := gomock.NewController(t)
		return &Config{
			Queue:      queue.New(&queue.Config{}),
			Patients:   patient.NewLoader(newFakeStore(), logger.NewDiscard()),
			Gateway:    mocks.NewMockGateway(ctrl),
			Deliveries: &fakeDeliveries{},
		}
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "missing gateway", mutate: func(cfg *Config) { cfg.Gateway = nil }, wantErr: "required"},
		{name: "unknown mode", mutate: func(cfg *Config) { cfg.Mode = "kafka" }, wantErr: "unknown dispatch mode"},
		{name: "rabbitmq without deliveries", mutate: func(cfg *Config) { cfg.Deliveries = nil }, wantErr: "delivery source"},
		{name: "poll without deliveries", mutate: func(cfg *Config) { cfg.Mode = ModePoll; cfg.Deliveries = nil }},
		{name: "unknown retry policy", mutate: func(cfg *Config) { cfg.RetryPolicy = "sometimes" }, wantErr: "unknown retry policy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)

			w, err := NewWorker(cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, w.ID())
			assert.Equal(t, 1, w.concurrency)
			assert.Equal(t, RetryUniform, w.retryPolicy)
		})
	}
}

func TestProcessJob_MedicationReminder(t *testing.T) {
	env := newTestEnv(t)
	job := env.enqueue(t, patientWithMeds)

	env.gateway.EXPECT().
		PlaceCall(gomock.Any(), "+15550001", gomock.Any(), "John Doe").
		DoAndReturn(func(_ context.Context, _, message, _ string) (*voicecall.CallResult, error) {
			assert.Contains(t, message, "Aspirin 100mg, Metformin 500mg")
			return &voicecall.CallResult{Success: true, CallID: "call-1"}, nil
		})

	env.process(t, job.ID)

	got := env.get(t, job.ID)
	assert.Equal(t, queue.StateCompleted, got.State)
	assert.Equal(t, 1, got.Attempts)

	var outcome domain.CallOutcome
	require.NoError(t, json.Unmarshal([]byte(got.Result.String), &outcome))
	assert.Equal(t, domain.CallOutcome{Success: true, CallID: "call-1", ReminderKind: "medication"}, outcome)
}

func TestProcessJob_GoalReminder(t *testing.T) {
	env := newTestEnv(t)
	job := env.enqueue(t, patientWithGoal)

	env.gateway.EXPECT().
		PlaceCall(gomock.Any(), "+15550002",
			"Hi Jane Roe, this is a reminder about your health goal: Walk 30 minutes daily. Have you completed this goal today?",
			"Jane Roe").
		Return(&voicecall.CallResult{Success: true, CallID: "call-2"}, nil)

	env.process(t, job.ID)

	got := env.get(t, job.ID)
	assert.Equal(t, queue.StateCompleted, got.State)
	assert.Contains(t, got.Result.String, `"reminderKind":"goal"`)
}

func TestProcessJob_NoMedicationGoalsCompletesQuietly(t *testing.T) {
	env := newTestEnv(t)
	job := env.enqueue(t, patientNoGoals)

	// no PlaceCall expectation: any call fails the test
	env.process(t, job.ID)

	got := env.get(t, job.ID)
	assert.Equal(t, queue.StateCompleted, got.State)
	assert.JSONEq(t, `{"skipped":true,"reason":"no_medication_goals"}`, got.Result.String)
}

func TestProcessJob_GatewayFailureBacksOffThenFails(t *testing.T) {
	env := newTestEnv(t)
	job := env.enqueue(t, patientWithMeds)

	env.gateway.EXPECT().
		PlaceCall(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&voicecall.CallResult{Success: false, Error: "Invalid phone number"}, nil).
		Times(3)

	env.process(t, job.ID)
	got := env.get(t, job.ID)
	assert.Equal(t, queue.StateWaiting, got.State)
	assert.Equal(t, testStart.Add(5*time.Second), got.RunAt.UTC())

	env.clock.Add(5 * time.Second)
	env.process(t, job.ID)
	got = env.get(t, job.ID)
	assert.Equal(t, queue.StateWaiting, got.State)
	assert.Equal(t, testStart.Add(15*time.Second), got.RunAt.UTC())

	env.clock.Add(10 * time.Second)
	env.process(t, job.ID)
	got = env.get(t, job.ID)
	assert.Equal(t, queue.StateFailed, got.State)
	assert.Equal(t, 3, got.Attempts)
	assert.Contains(t, got.LastError.String, "Invalid phone number")
}

func TestProcessJob_GatewayErrorIsRetried(t *testing.T) {
	env := newTestEnv(t)
	job := env.enqueue(t, patientWithMeds)

	env.gateway.EXPECT().
		PlaceCall(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("failed to marshal call payload"))

	env.process(t, job.ID)

	got := env.get(t, job.ID)
	assert.Equal(t, queue.StateWaiting, got.State)
	assert.Contains(t, got.LastError.String, "failed to place call")
}

func TestProcessJob_RetryPolicy(t *testing.T) {
	tests := []struct {
		name      string
		policy    RetryPolicy
		patientID string
		wantState queue.State
		wantError string
	}{
		{
			name:      "uniform retries an unknown patient",
			policy:    RetryUniform,
			patientID: patientNotInStore,
			wantState: queue.StateWaiting,
			wantError: "patient not found",
		},
		{
			name:      "classified fails an unknown patient at once",
			policy:    RetryClassified,
			patientID: patientNotInStore,
			wantState: queue.StateFailed,
			wantError: "patient not found",
		},
		{
			name:      "classified fails a patient without phone at once",
			policy:    RetryClassified,
			patientID: patientNoPhone,
			wantState: queue.StateFailed,
			wantError: "no phone number",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(cfg *Config) { cfg.RetryPolicy = tt.policy })
			job := env.enqueue(t, tt.patientID)

			env.process(t, job.ID)

			got := env.get(t, job.ID)
			assert.Equal(t, tt.wantState, got.State)
			assert.Equal(t, 1, got.Attempts)
			assert.Contains(t, got.LastError.String, tt.wantError)
		})
	}
}

func TestProcessJob_SkipsDuplicateWakeups(t *testing.T) {
	env := newTestEnv(t)
	job := env.enqueue(t, patientNoGoals)

	_, err := env.queue.Claim(context.Background(), job.ID, "other-worker")
	require.NoError(t, err)

	// active elsewhere, unknown and not yet due are all skipped
	env.process(t, job.ID)
	env.process(t, "3f2504e0-4f89-11d3-9a0c-0305e82c3301")

	delayed := env.enqueue(t, patientNoGoals)
	claimed, err := env.queue.Claim(context.Background(), delayed.ID, "other-worker")
	require.NoError(t, err)
	_, err = env.queue.Fail(context.Background(), claimed, errors.New("busy"), true)
	require.NoError(t, err)
	env.process(t, delayed.ID)

	got := env.get(t, job.ID)
	assert.Equal(t, queue.StateActive, got.State)
	assert.Equal(t, "other-worker", got.WorkerID.String)

	got = env.get(t, delayed.ID)
	assert.Equal(t, queue.StateWaiting, got.State)
	assert.Equal(t, 1, got.Attempts)
}

func TestRetryPolicy_Retryable(t *testing.T) {
	notFound := classify(errors.Join(errors.New("lookup"), patient.ErrPatientNotFound))
	callFailed := classify(domain.ErrCallFailed)

	tests := []struct {
		name   string
		policy RetryPolicy
		err    error
		want   bool
	}{
		{name: "uniform permanent", policy: RetryUniform, err: notFound, want: true},
		{name: "uniform transient", policy: RetryUniform, err: callFailed, want: true},
		{name: "classified permanent", policy: RetryClassified, err: notFound, want: false},
		{name: "classified transient", policy: RetryClassified, err: callFailed, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Retryable(tt.err))
		})
	}

	assert.ErrorIs(t, notFound, patient.ErrPatientNotFound)
	assert.Equal(t, "lookup\npatient not found", notFound.Error())
}

func TestParseJobMessage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{name: "valid", body: `{"job_id":"3f2504e0-4f89-11d3-9a0c-0305e82c3301"}`, want: "3f2504e0-4f89-11d3-9a0c-0305e82c3301"},
		{name: "not json", body: `job`, wantErr: true},
		{name: "missing id", body: `{}`, wantErr: true},
		{name: "not a uuid", body: `{"job_id":"42"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseJobMessage([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want settlement
	}{
		{name: "success acks", err: nil, want: settlement{acked: true}},
		{name: "recorded failure acks", err: errors.New("failed to mark job as failed"), want: settlement{acked: true}},
		{name: "infrastructure failure requeues", err: domain.NewRetryableError(errors.New("db down")), want: settlement{nacked: true, requeue: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			var got settlement
			msg := &domain.JobMessage{
				JobID: "job",
				Ack:   func() error { got.acked = true; return nil },
				Nack:  func(requeue bool) error { got.nacked, got.requeue = true, requeue; return nil },
			}

			env.worker.settle(msg, tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSweep_RecoversStalledAndRepublishesOverdue(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Mode = ModeRabbitMQ
		cfg.Deliveries = &fakeDeliveries{}
		cfg.SweepInterval = 30 * time.Second
		cfg.StallTimeout = 2 * time.Minute
	})
	ctx := context.Background()

	overdue := env.enqueue(t, patientNoGoals)
	stalled := env.enqueue(t, patientNoGoals)
	_, err := env.queue.Claim(ctx, stalled.ID, "crashed-worker")
	require.NoError(t, err)

	env.clock.Add(3 * time.Minute)
	env.worker.sweep(ctx)

	got := env.get(t, stalled.ID)
	assert.Equal(t, queue.StateWaiting, got.State)
	assert.Equal(t, "job stalled", got.LastError.String)

	assert.Equal(t, []string{overdue.ID}, env.notifier.ids())
}

func TestWorker_PollMode(t *testing.T) {
	env := newTestEnv(t)
	first := env.enqueue(t, patientNoGoals)
	second := env.enqueue(t, patientWithMeds)

	env.gateway.EXPECT().
		PlaceCall(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&voicecall.CallResult{Success: true, CallID: "call-9"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, env.worker.Start(ctx))
	}()

	require.Eventually(t, func() bool {
		return env.get(t, first.ID).State == queue.StateCompleted &&
			env.get(t, second.ID).State == queue.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
	env.worker.Stop()
}

func TestWorker_RabbitMQMode(t *testing.T) {
	deliveries := &fakeDeliveries{ch: make(chan amqp.Delivery)}
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Mode = ModeRabbitMQ
		cfg.Deliveries = deliveries
	})
	job := env.enqueue(t, patientNoGoals)
	ack := newFakeAcknowledger()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, env.worker.Start(ctx))
	}()

	deliveries.ch <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`not json`)}
	deliveries.ch <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`{"job_id":"` + job.ID + `"}`)}

	require.Eventually(t, func() bool {
		s, ok := ack.get(2)
		return ok && s.acked
	}, 5*time.Second, 20*time.Millisecond)

	malformed, ok := ack.get(1)
	require.True(t, ok)
	assert.Equal(t, settlement{nacked: true, requeue: false}, malformed)
	assert.Equal(t, queue.StateCompleted, env.get(t, job.ID).State)

	cancel()
	<-done
	env.worker.Stop()
}
