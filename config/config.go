// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageBadger   = "badger"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Queue overflow policies.
const (
	OverflowDeadLetter = "dead_letter"
	OverflowReject     = "reject"
)

// Config holds all configuration for the callback broker.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Connection ConnectionConfig `yaml:"connection"`
	Queue      QueueConfig      `yaml:"queue"`
	Storage    StorageConfig    `yaml:"storage"`
	Transports TransportsConfig `yaml:"transports"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	APIAddr         string        `yaml:"api_addr"`
	HealthAddr      string        `yaml:"health_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP gRPC endpoint
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	APIEnabled      bool          `yaml:"api_enabled"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DeliveryConfig holds worker pool and batching settings.
type DeliveryConfig struct {
	// Process-wide bound on concurrently running delivery workers.
	MaxWorkers int `yaml:"max_workers"`

	// Maximum entries taken from a session queue per delivery attempt.
	BatchSize int `yaml:"batch_size"`

	// How long a worker waits for a pool slot before a starvation warning is logged.
	StarvationWarning time.Duration `yaml:"starvation_warning"`

	// failover or broadcast
	DispatchMode string `yaml:"dispatch_mode"`
}

// ConnectionConfig holds delivery connection timing.
type ConnectionConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval"` // 0 disables pings
	RetryDelay      time.Duration `yaml:"retry_delay"`
	MaxRetries      int           `yaml:"max_retries"` // -1 retries forever
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// QueueConfig holds session queue defaults.
type QueueConfig struct {
	Capacity        int    `yaml:"capacity"`
	MaxRedeliveries int    `yaml:"max_redeliveries"` // 0 means unlimited
	OverflowPolicy  string `yaml:"overflow_policy"`  // dead_letter or reject
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger, sqlite, postgres

	// BadgerDB settings
	BadgerDir        string        `yaml:"badger_dir"`
	BadgerSyncWrites bool          `yaml:"badger_sync_writes"`
	BadgerGCInterval time.Duration `yaml:"badger_gc_interval"`

	// SQL settings
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	TablePrefix string `yaml:"table_prefix"`
}

// TransportsConfig selects and tunes callback transports.
type TransportsConfig struct {
	Enabled   []string            `yaml:"enabled"`
	HTTP      HTTPTransportConfig `yaml:"http"`
	WebSocket WSTransportConfig   `yaml:"websocket"`
	MQTT      MQTTTransportConfig `yaml:"mqtt"`
}

// HTTPTransportConfig holds HTTP callback settings.
type HTTPTransportConfig struct {
	UserAgent       string        `yaml:"user_agent"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
	Timeout         time.Duration `yaml:"timeout"`
}

// WSTransportConfig holds WebSocket callback settings.
type WSTransportConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
}

// MQTTTransportConfig holds MQTT callback settings.
type MQTTTransportConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
}

// WebhookConfig holds lifecycle webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`       // "oldest" or "newest"
	Workers         int               `yaml:"workers"`           // Number of worker goroutines
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`  // Graceful shutdown timeout
	CompressMinSize int               `yaml:"compress_min_size"` // Gzip payloads at least this large (0 = off)
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"` // "http"
	URL      string            `yaml:"url"`
	Events   []string          `yaml:"events"`   // Event type filter (empty = all)
	Sessions []string          `yaml:"sessions"` // Session filter (empty = all)
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry    *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// RateLimitConfig holds admin API rate limiting.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RequestRate     float64       `yaml:"request_rate"` // requests per second per IP
	RequestBurst    int           `yaml:"request_burst"`
	PublishRate     float64       `yaml:"publish_rate"` // publishes per second per publisher
	PublishBurst    int           `yaml:"publish_burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			APIAddr:         ":8080",
			APIEnabled:      true,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:     "fluxcb",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Delivery: DeliveryConfig{
			MaxWorkers:        64,
			BatchSize:         100,
			StarvationWarning: 5 * time.Second,
			DispatchMode:      "failover",
		},
		Connection: ConnectionConfig{
			PingInterval:    30 * time.Second,
			RetryDelay:      5 * time.Second,
			MaxRetries:      10,
			ResponseTimeout: 10 * time.Second,
		},
		Queue: QueueConfig{
			Capacity:        10000,
			MaxRedeliveries: 0,
			OverflowPolicy:  OverflowDeadLetter,
		},
		Storage: StorageConfig{
			Type:        StorageBadger,
			BadgerDir:   "/tmp/fluxcb/data",
			SQLitePath:  "/tmp/fluxcb/fluxcb.db",
			TablePrefix: "fluxcb_",
		},
		Transports: TransportsConfig{
			Enabled: []string{"http", "websocket", "mqtt", "coap"},
			HTTP: HTTPTransportConfig{
				UserAgent:       "fluxcb/1.0",
				MaxIdleConns:    100,
				IdleConnTimeout: 90 * time.Second,
				Timeout:         30 * time.Second,
			},
			WebSocket: WSTransportConfig{
				HandshakeTimeout: 10 * time.Second,
				WriteTimeout:     10 * time.Second,
				ReadLimit:        4 << 20,
			},
			MQTT: MQTTTransportConfig{
				ConnectTimeout: 10 * time.Second,
				KeepAlive:      30 * time.Second,
			},
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			RequestRate:     50,
			RequestBurst:    100,
			PublishRate:     1000,
			PublishBurst:    2000,
			CleanupInterval: 5 * time.Minute,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.Log),
		validation.Field(&c.Delivery),
		validation.Field(&c.Connection),
		validation.Field(&c.Queue),
		validation.Field(&c.Storage),
		validation.Field(&c.Transports),
		validation.Field(&c.Webhook),
		validation.Field(&c.RateLimit),
	)
}

// Validate checks server settings.
func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.APIAddr, validation.When(s.APIEnabled, validation.Required)),
		validation.Field(&s.HealthAddr, validation.When(s.HealthEnabled, validation.Required)),
		validation.Field(&s.ShutdownTimeout, validation.Min(time.Second)),
		validation.Field(&s.MetricsAddr, validation.When(s.MetricsEnabled, validation.Required)),
		validation.Field(&s.OtelServiceName, validation.When(s.MetricsEnabled, validation.Required)),
		validation.Field(&s.OtelTraceSampleRate, validation.Min(0.0), validation.Max(1.0)),
	)
}

// Validate checks logging settings.
func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.Required, validation.In("debug", "info", "warn", "error")),
		validation.Field(&l.Format, validation.Required, validation.In("text", "json")),
	)
}

// Validate checks delivery settings.
func (d DeliveryConfig) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.MaxWorkers, validation.Required, validation.Min(1)),
		validation.Field(&d.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&d.StarvationWarning, validation.Min(time.Duration(0))),
		validation.Field(&d.DispatchMode, validation.Required, validation.In("failover", "broadcast")),
	)
}

// Validate checks connection timing.
func (c ConnectionConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.PingInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.RetryDelay, validation.Required, validation.Min(10*time.Millisecond)),
		validation.Field(&c.MaxRetries, validation.Min(-1)),
		validation.Field(&c.ResponseTimeout, validation.Required, validation.Min(10*time.Millisecond)),
	)
}

// Validate checks queue defaults.
func (q QueueConfig) Validate() error {
	return validation.ValidateStruct(&q,
		validation.Field(&q.Capacity, validation.Min(0)),
		validation.Field(&q.MaxRedeliveries, validation.Min(0)),
		validation.Field(&q.OverflowPolicy, validation.Required, validation.In(OverflowDeadLetter, OverflowReject)),
	)
}

// Validate checks the storage backend settings.
func (s StorageConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Type, validation.Required, validation.In(StorageMemory, StorageBadger, StorageSQLite, StoragePostgres)),
		validation.Field(&s.BadgerDir, validation.When(s.Type == StorageBadger, validation.Required)),
		validation.Field(&s.SQLitePath, validation.When(s.Type == StorageSQLite, validation.Required)),
		validation.Field(&s.PostgresDSN, validation.When(s.Type == StoragePostgres, validation.Required)),
	)
}

// Validate checks the transport settings.
func (t TransportsConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Enabled, validation.Required, validation.Each(validation.In("http", "websocket", "mqtt", "coap"))),
	)
}

// Validate checks webhook settings when webhooks are enabled.
func (w WebhookConfig) Validate() error {
	if !w.Enabled {
		return nil
	}
	return validation.ValidateStruct(&w,
		validation.Field(&w.QueueSize, validation.Min(100)),
		validation.Field(&w.DropPolicy, validation.In("oldest", "newest")),
		validation.Field(&w.Workers, validation.Min(1)),
		validation.Field(&w.ShutdownTimeout, validation.Min(time.Second)),
		validation.Field(&w.CompressMinSize, validation.Min(0)),
		validation.Field(&w.Defaults),
		validation.Field(&w.Endpoints),
	)
}

// Validate checks webhook defaults.
func (d WebhookDefaults) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Timeout, validation.Min(time.Second)),
		validation.Field(&d.Retry),
		validation.Field(&d.CircuitBreaker),
	)
}

// Validate checks retry settings.
func (r RetryConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxAttempts, validation.Min(1)),
		validation.Field(&r.Multiplier, validation.Min(1.0)),
	)
}

// Validate checks circuit breaker settings.
func (c CircuitBreakerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.FailureThreshold, validation.Min(1)),
	)
}

// Validate checks a webhook endpoint.
func (e WebhookEndpoint) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Name, validation.Required),
		validation.Field(&e.Type, validation.Required, validation.In("http")),
		validation.Field(&e.URL, validation.Required, validation.By(httpURL)),
	)
}

// Validate checks rate limit settings when rate limiting is enabled.
func (r RateLimitConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	return validation.ValidateStruct(&r,
		validation.Field(&r.RequestRate, validation.Required, validation.Min(0.0)),
		validation.Field(&r.RequestBurst, validation.Required, validation.Min(1)),
		validation.Field(&r.PublishRate, validation.Required, validation.Min(0.0)),
		validation.Field(&r.PublishBurst, validation.Required, validation.Min(1)),
		validation.Field(&r.CleanupInterval, validation.Required, validation.Min(time.Second)),
	)
}

func httpURL(value interface{}) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("must be an http or https URL")
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
