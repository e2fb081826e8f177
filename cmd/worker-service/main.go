package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/carecall/internal/config"
	"github.com/cuongbtq/carecall/internal/patient"
	"github.com/cuongbtq/carecall/internal/queue"
	"github.com/cuongbtq/carecall/internal/voicecall"
	"github.com/cuongbtq/carecall/internal/worker"
	"github.com/cuongbtq/carecall/shared/logger"
	"github.com/cuongbtq/carecall/shared/mongodb"
	"github.com/cuongbtq/carecall/shared/postgresql"
	"github.com/cuongbtq/carecall/shared/rabbitmq"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("dispatch_mode", cfg.Worker.DispatchMode),
		slog.String("retry_policy", cfg.Worker.RetryPolicy),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Initialize MongoDB client for patient data
	mongoClient, err := initMongo(&cfg.Mongo, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize MongoDB: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		mongoClient.Close(closeCtx)
	}()

	appLogger.Info("MongoDB connection established")

	// RabbitMQ is only needed when deliveries drive dispatch
	var (
		notifier   queue.Notifier = queue.NopNotifier{}
		deliveries worker.DeliverySource
		brokerDown <-chan error
	)
	if cfg.Worker.DispatchMode == config.DispatchModeRabbitMQ {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		appLogger.Info("RabbitMQ connection established")

		notifier = queue.NewBrokerNotifier(rabbitClient)
		deliveries = rabbitClient
		brokerDown = watchBroker(rabbitClient)
	}

	jobQueue := queue.New(&queue.Config{
		DB:       dbClient.GetDB(),
		Logger:   appLogger.Logger,
		Notifier: notifier,
		Defaults: queue.Options{
			Attempts: cfg.Queue.Attempts,
			Backoff:  cfg.Queue.Backoff,
		},
		Retention: queue.Retention{
			CompletedAge:   cfg.Queue.CompletedRetention,
			CompletedCount: cfg.Queue.CompletedRetentionKeep,
			FailedAge:      cfg.Queue.FailedRetention,
		},
	})

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = jobQueue.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		return err
	}

	// Create worker instance
	workerInstance, err := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Queue:             jobQueue,
		Patients:          patient.NewLoader(patient.NewMongoStore(mongoClient.Database(), appLogger.Logger, cfg.Mongo.QueryTimeout), appLogger.Logger),
		Gateway:           voicecall.NewClient(cfg.VoiceCall, appLogger.Logger),
		Deliveries:        deliveries,
		Notifier:          notifier,
		Mode:              cfg.Worker.DispatchMode,
		Concurrency:       cfg.Worker.Concurrency,
		PollInterval:      cfg.Worker.PollInterval,
		PollBatchSize:     cfg.Worker.PollBatchSize,
		SweepInterval:     cfg.Worker.SweepInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		StallTimeout:      cfg.Worker.StallTimeout,
		RetryPolicy:       worker.RetryPolicy(cfg.Worker.RetryPolicy),
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully", slog.String("worker_id", workerInstance.ID()))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	case err := <-brokerDown:
		appLogger.Error("RabbitMQ connection lost",
			slog.Any("error", err),
		)
		cancel()
		workerInstance.Stop()
		return err
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownTimeout := cfg.Worker.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// watchBroker turns an unexpected connection close into an error so the
// process exits and its supervisor restarts it
func watchBroker(client *rabbitmq.Client) <-chan error {
	errs := make(chan error, 1)
	go func() {
		amqpErr, ok := <-client.NotifyClose()
		if !ok || amqpErr == nil {
			return
		}
		errs <- fmt.Errorf("rabbitmq connection closed: %w", amqpErr)
	}()
	return errs
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

func initMongo(cfg *config.MongoConfig, logger *slog.Logger) (*mongodb.Client, error) {
	return mongodb.NewClient(&mongodb.Config{
		URI:            cfg.URI,
		Database:       cfg.Database,
		ConnectTimeout: cfg.ConnectTimeout,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		RetryQueueName:     cfg.Queue.RetryName,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
