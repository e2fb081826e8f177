package mongodb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Config holds MongoDB connection configuration
type Config struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// Client represents a MongoDB client bound to one database
type Client struct {
	client   *mongo.Client
	database *mongo.Database
	config   *Config
	logger   *slog.Logger
}

// NewClient connects to MongoDB and verifies the connection with a ping
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	logger.Info("Connecting to MongoDB",
		slog.String("database", config.Database),
	)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(config.URI).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		logger.Error("Failed to connect to MongoDB",
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		logger.Error("Failed to ping MongoDB",
			slog.Any("error", err),
		)
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("Successfully connected to MongoDB",
		slog.String("database", config.Database),
	)

	return &Client{
		client:   client,
		database: client.Database(config.Database),
		config:   config,
		logger:   logger,
	}, nil
}

// Database returns the configured database handle
func (c *Client) Database() *mongo.Database {
	return c.database
}

// HealthCheck pings the primary
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongodb health check failed: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB
func (c *Client) Close(ctx context.Context) error {
	c.logger.Info("Closing MongoDB connection")

	if err := c.client.Disconnect(ctx); err != nil {
		c.logger.Error("Failed to close MongoDB connection",
			slog.Any("error", err),
		)
		return err
	}

	c.logger.Info("MongoDB connection closed successfully")
	return nil
}
