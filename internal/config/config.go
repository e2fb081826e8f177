package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Retry policies understood by the worker
const (
	RetryPolicyUniform    = "uniform"
	RetryPolicyClassified = "classified"
)

// Dispatch modes understood by the worker
const (
	DispatchModeRabbitMQ = "rabbitmq"
	DispatchModePoll     = "poll"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Queue     QueueConfig     `yaml:"queue"`
	VoiceCall VoiceCallConfig `yaml:"voice_call"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowOrigins    []string      `yaml:"allow_origins"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueDeclConfig  `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueDeclConfig holds RabbitMQ queue declaration settings
type QueueDeclConfig struct {
	Name       string `yaml:"name"`
	RetryName  string `yaml:"retry_name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// MongoConfig holds the patient document store connection
type MongoConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	DispatchMode      string        `yaml:"dispatch_mode"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	PollBatchSize     int           `yaml:"poll_batch_size"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	StallTimeout      time.Duration `yaml:"stall_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	RetryPolicy       string        `yaml:"retry_policy"`
}

// QueueConfig holds notification job defaults and retention
type QueueConfig struct {
	Attempts               int           `yaml:"attempts"`
	Backoff                time.Duration `yaml:"backoff"`
	CompletedRetention     time.Duration `yaml:"completed_retention"`
	CompletedRetentionKeep int           `yaml:"completed_retention_count"`
	FailedRetention        time.Duration `yaml:"failed_retention"`
}

// VoiceCallConfig holds the VAPI voice-call provider settings
type VoiceCallConfig struct {
	BaseURL             string        `yaml:"base_url"`
	APIKey              string        `yaml:"api_key"`
	PhoneNumberID       string        `yaml:"phone_number_id"`
	Timeout             time.Duration `yaml:"timeout"`
	AssistantName       string        `yaml:"assistant_name"`
	SystemPrompt        string        `yaml:"system_prompt"`
	ModelProvider       string        `yaml:"model_provider"`
	Model               string        `yaml:"model"`
	VoiceProvider       string        `yaml:"voice_provider"`
	VoiceID             string        `yaml:"voice_id"`
	TranscriberProvider string        `yaml:"transcriber_provider"`
	TranscriberModel    string        `yaml:"transcriber_model"`
	TranscriberLanguage string        `yaml:"transcriber_language"`
	EndCallMessage      string        `yaml:"end_call_message"`
	EndCallPhrases      []string      `yaml:"end_call_phrases"`
	RecordingEnabled    *bool         `yaml:"recording_enabled"`
	SilenceTimeout      time.Duration `yaml:"silence_timeout"`
	MaxDuration         time.Duration `yaml:"max_duration"`
}

// Secrets are read from the environment and override values from the file
type Secrets struct {
	DatabasePassword  string `envconfig:"DB_PASSWORD"`
	RabbitMQPassword  string `envconfig:"RABBITMQ_PASSWORD"`
	MongoURI          string `envconfig:"MONGO_URI"`
	VAPIAPIKey        string `envconfig:"VAPI_API_KEY"`
	VAPIPhoneNumberID string `envconfig:"VAPI_PHONE_NUMBER_ID"`
	VAPIBaseURL       string `envconfig:"VAPI_BASE_URL"`
	WorkerRetryPolicy string `envconfig:"WORKER_RETRY_POLICY"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.applySecrets(); err != nil {
		return nil, err
	}

	config.applyDefaults()

	return &config, nil
}

// applySecrets overlays non-empty environment secrets
func (c *Config) applySecrets() error {
	var s Secrets
	if err := envconfig.Process("", &s); err != nil {
		return fmt.Errorf("failed to process env secrets: %w", err)
	}

	if s.DatabasePassword != "" {
		c.Database.Password = s.DatabasePassword
	}
	if s.RabbitMQPassword != "" {
		c.RabbitMQ.Password = s.RabbitMQPassword
	}
	if s.MongoURI != "" {
		c.Mongo.URI = s.MongoURI
	}
	if s.VAPIAPIKey != "" {
		c.VoiceCall.APIKey = s.VAPIAPIKey
	}
	if s.VAPIPhoneNumberID != "" {
		c.VoiceCall.PhoneNumberID = s.VAPIPhoneNumberID
	}
	if s.VAPIBaseURL != "" {
		c.VoiceCall.BaseURL = s.VAPIBaseURL
	}
	if s.WorkerRetryPolicy != "" {
		c.Worker.RetryPolicy = s.WorkerRetryPolicy
	}

	return nil
}

// applyDefaults fills values the pipeline cannot run without
func (c *Config) applyDefaults() {
	if c.Queue.Attempts == 0 {
		c.Queue.Attempts = 3
	}
	if c.Queue.Backoff == 0 {
		c.Queue.Backoff = 5 * time.Second
	}
	if c.Queue.CompletedRetention == 0 {
		c.Queue.CompletedRetention = time.Hour
	}
	if c.Queue.CompletedRetentionKeep == 0 {
		c.Queue.CompletedRetentionKeep = 100
	}
	if c.Queue.FailedRetention == 0 {
		c.Queue.FailedRetention = 24 * time.Hour
	}
	if c.Worker.DispatchMode == "" {
		c.Worker.DispatchMode = DispatchModeRabbitMQ
	}
	if c.Worker.RetryPolicy == "" {
		c.Worker.RetryPolicy = RetryPolicyUniform
	}
	if c.RabbitMQ.Queue.RetryName == "" && c.RabbitMQ.Queue.Name != "" {
		c.RabbitMQ.Queue.RetryName = c.RabbitMQ.Queue.Name + ".retry"
	}
}

// Validate checks the settings shared by both services. RabbitMQ is checked
// separately since a poll-mode worker runs without it.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Queue.Attempts < 1 {
		return fmt.Errorf("queue attempts must be at least 1")
	}

	if c.Queue.Backoff < 0 {
		return fmt.Errorf("queue backoff must not be negative")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

// ValidateAPIConfig checks the settings the api-service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.Validate(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
}

// ValidateWorkerConfig checks the settings the worker-service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	switch c.Worker.DispatchMode {
	case DispatchModeRabbitMQ:
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	case DispatchModePoll:
		if c.Worker.PollInterval <= 0 {
			return fmt.Errorf("worker poll_interval must be greater than 0 in poll mode")
		}
	default:
		return fmt.Errorf("unknown worker dispatch_mode: %q", c.Worker.DispatchMode)
	}

	if c.Worker.SweepInterval <= 0 {
		return fmt.Errorf("worker sweep_interval must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.StallTimeout <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker stall_timeout must be greater than heartbeat_interval")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	switch c.Worker.RetryPolicy {
	case RetryPolicyUniform, RetryPolicyClassified:
	default:
		return fmt.Errorf("unknown worker retry_policy: %q", c.Worker.RetryPolicy)
	}

	if c.Mongo.URI == "" {
		return fmt.Errorf("mongo uri is required")
	}

	if c.Mongo.Database == "" {
		return fmt.Errorf("mongo database is required")
	}

	if c.VoiceCall.APIKey == "" {
		return fmt.Errorf("voice_call api_key is required")
	}

	if c.VoiceCall.PhoneNumberID == "" {
		return fmt.Errorf("voice_call phone_number_id is required")
	}

	return nil
}
