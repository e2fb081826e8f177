package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/carecall/internal/patient"
	"github.com/cuongbtq/carecall/internal/queue"
	"github.com/cuongbtq/carecall/internal/voicecall"
	"github.com/cuongbtq/carecall/internal/worker/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Dispatch modes
const (
	ModeRabbitMQ = "rabbitmq"
	ModePoll     = "poll"
)

const (
	defaultPollInterval      = time.Second
	defaultPollBatchSize     = 20
	defaultSweepInterval     = 30 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultStallTimeout      = 2 * time.Minute
)

// PatientLoader builds the per-job patient snapshot
type PatientLoader interface {
	Load(ctx context.Context, patientID string) (*patient.Snapshot, error)
}

// DeliverySource yields wake-up messages in rabbitmq mode
type DeliverySource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Queue    *queue.Queue
	Patients PatientLoader
	Gateway  voicecall.Gateway

	// Deliveries and Notifier are only used in rabbitmq mode
	Deliveries DeliverySource
	Notifier   queue.Notifier

	WorkerID          string
	Mode              string
	Concurrency       int
	PollInterval      time.Duration
	PollBatchSize     int
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	StallTimeout      time.Duration
	RetryPolicy       RetryPolicy
}

// Worker claims notification jobs and places reminder calls
type Worker struct {
	logger      *slog.Logger
	queue       *queue.Queue
	patients    PatientLoader
	gateway     voicecall.Gateway
	deliveries  DeliverySource
	notifier    queue.Notifier
	retryPolicy RetryPolicy

	workerID          string
	mode              string
	concurrency       int
	pollInterval      time.Duration
	pollBatchSize     int
	sweepInterval     time.Duration
	heartbeatInterval time.Duration
	stallTimeout      time.Duration

	jobsChan chan *domain.JobMessage
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	w := &Worker{
		logger:            cfg.Logger,
		queue:             cfg.Queue,
		patients:          cfg.Patients,
		gateway:           cfg.Gateway,
		deliveries:        cfg.Deliveries,
		notifier:          cfg.Notifier,
		retryPolicy:       cfg.RetryPolicy,
		workerID:          cfg.WorkerID,
		mode:              cfg.Mode,
		concurrency:       cfg.Concurrency,
		pollInterval:      cfg.PollInterval,
		pollBatchSize:     cfg.PollBatchSize,
		sweepInterval:     cfg.SweepInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		stallTimeout:      cfg.StallTimeout,
		jobsChan:          make(chan *domain.JobMessage),
		stopChan:          make(chan struct{}),
	}

	if w.queue == nil || w.patients == nil || w.gateway == nil {
		return nil, fmt.Errorf("queue, patient loader and gateway are required")
	}

	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.workerID == "" {
		w.workerID = "worker-" + uuid.NewString()
	}
	if w.mode == "" {
		w.mode = ModeRabbitMQ
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.pollBatchSize <= 0 {
		w.pollBatchSize = defaultPollBatchSize
	}
	if w.sweepInterval <= 0 {
		w.sweepInterval = defaultSweepInterval
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = defaultHeartbeatInterval
	}
	if w.stallTimeout <= 0 {
		w.stallTimeout = defaultStallTimeout
	}
	if w.notifier == nil {
		w.notifier = queue.NopNotifier{}
	}
	if w.retryPolicy == "" {
		w.retryPolicy = RetryUniform
	}

	switch w.mode {
	case ModeRabbitMQ:
		if w.deliveries == nil {
			return nil, fmt.Errorf("rabbitmq mode requires a delivery source")
		}
	case ModePoll:
	default:
		return nil, fmt.Errorf("unknown dispatch mode: %q", w.mode)
	}

	if !w.retryPolicy.Valid() {
		return nil, fmt.Errorf("unknown retry policy: %q", w.retryPolicy)
	}

	return w, nil
}

// ID returns the identity written into claimed jobs
func (w *Worker) ID() string {
	return w.workerID
}

// Start runs the dispatcher, the pool and the sweeper until ctx is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.String("mode", w.mode),
		slog.Int("concurrency", w.concurrency),
		slog.String("retry_policy", string(w.retryPolicy)),
	)

	var deliveries <-chan amqp.Delivery
	if w.mode == ModeRabbitMQ {
		var err error
		deliveries, err = w.setupConsumer()
		if err != nil {
			return err
		}
	}

	w.spawnWorkerPool(ctx)

	w.wg.Add(1)
	go w.runSweeper(ctx)

	switch w.mode {
	case ModeRabbitMQ:
		w.startMessageDispatcher(ctx, deliveries)
	case ModePoll:
		w.startPollDispatcher(ctx)
	}

	w.logger.Info("Worker dispatcher stopped", slog.String("worker_id", w.workerID))
	return nil
}

// Stop signals every goroutine to exit and waits for in-flight jobs
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
