// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config loads the hub configuration. Values are layered: compiled
// defaults, then the YAML file, then environment variables, so a container
// can override any single knob without shipping a new file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the aggregate configuration for the vertex-hub process.
type Config struct {
	Server        Server        `yaml:"server"`
	Log           Log           `yaml:"log"`
	Auth          Auth          `yaml:"auth"`
	Storage       Storage       `yaml:"storage"`
	Cache         Cache         `yaml:"cache"`
	Secrets       Secrets       `yaml:"secrets"`
	Integrations  Integrations  `yaml:"integrations"`
	Webhooks      Webhooks      `yaml:"webhooks"`
	Notifications Notifications `yaml:"notifications"`
	Events        Events        `yaml:"events"`
	Reports       Reports       `yaml:"reports"`
}

// Server configures the public HTTP API.
type Server struct {
	ListenAddress string   `yaml:"listen_address" env:"VERTEX_SERVER_LISTEN"`
	ReadTimeout   Duration `yaml:"read_timeout" env:"VERTEX_SERVER_READ_TIMEOUT"`
	WriteTimeout  Duration `yaml:"write_timeout" env:"VERTEX_SERVER_WRITE_TIMEOUT"`
	ShutdownGrace Duration `yaml:"shutdown_grace" env:"VERTEX_SERVER_SHUTDOWN_GRACE"`
	MaxBodyBytes  int64    `yaml:"max_body_bytes" env:"VERTEX_SERVER_MAX_BODY_BYTES"`
	// Token-bucket limits applied per authenticated caller.
	RateLimit float64 `yaml:"rate_limit" env:"VERTEX_SERVER_RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"VERTEX_SERVER_RATE_BURST"`
}

// Log configures the shared logger.
type Log struct {
	Level  string `yaml:"level" env:"VERTEX_LOG_LEVEL"`
	Format string `yaml:"format" env:"VERTEX_LOG_FORMAT"`
}

// Auth configures bearer-token validation.
type Auth struct {
	// JWTSecret signs and validates HMAC bearer tokens. Mandatory outside
	// of tests; the server refuses to start without it.
	JWTSecret string `yaml:"jwt_secret" env:"VERTEX_AUTH_JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"VERTEX_AUTH_ISSUER"`
}

// Storage selects and tunes the repository backend.
type Storage struct {
	// Driver is "memory" or "postgres".
	Driver          string   `yaml:"driver" env:"VERTEX_STORAGE_DRIVER"`
	DSN             string   `yaml:"dsn" env:"VERTEX_STORAGE_DSN"`
	MaxOpenConns    int      `yaml:"max_open_conns" env:"VERTEX_STORAGE_MAX_OPEN_CONNS"`
	MaxIdleConns    int      `yaml:"max_idle_conns" env:"VERTEX_STORAGE_MAX_IDLE_CONNS"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" env:"VERTEX_STORAGE_CONN_MAX_LIFETIME"`
	// Migrate runs pending schema migrations at startup.
	Migrate bool `yaml:"migrate" env:"VERTEX_STORAGE_MIGRATE"`
	// Retention prunes terminal deliveries and executions older than this.
	Retention      Duration `yaml:"retention" env:"VERTEX_STORAGE_RETENTION"`
	RetentionSweep Duration `yaml:"retention_sweep" env:"VERTEX_STORAGE_RETENTION_SWEEP"`
}

// Cache tunes the two cache tiers.
type Cache struct {
	LocalSize int      `yaml:"local_size" env:"VERTEX_CACHE_LOCAL_SIZE"`
	LocalTTL  Duration `yaml:"local_ttl" env:"VERTEX_CACHE_LOCAL_TTL"`
	// RedisAddr enables the distributed tier when non-empty.
	RedisAddr     string   `yaml:"redis_addr" env:"VERTEX_CACHE_REDIS_ADDR"`
	RedisPassword string   `yaml:"redis_password" env:"VERTEX_CACHE_REDIS_PASSWORD"`
	RedisDB       int      `yaml:"redis_db" env:"VERTEX_CACHE_REDIS_DB"`
	RedisTTL      Duration `yaml:"redis_ttl" env:"VERTEX_CACHE_REDIS_TTL"`
}

// Secrets configures credential resolution.
type Secrets struct {
	// MasterKey (base64, 32 bytes decoded) seals stored credentials. When
	// empty the encrypted store is disabled and only env:// refs resolve.
	MasterKey string `yaml:"master_key" env:"VERTEX_SECRETS_MASTER_KEY"`
	FilePath  string `yaml:"file_path" env:"VERTEX_SECRETS_FILE_PATH"`
}

// Integrations tunes the connector engine.
type Integrations struct {
	InstanceTTL    Duration `yaml:"instance_ttl" env:"VERTEX_INTEGRATIONS_INSTANCE_TTL"`
	InstanceSweep  Duration `yaml:"instance_sweep" env:"VERTEX_INTEGRATIONS_INSTANCE_SWEEP"`
	TestTimeout    Duration `yaml:"test_timeout" env:"VERTEX_INTEGRATIONS_TEST_TIMEOUT"`
	ExecuteTimeout Duration `yaml:"execute_timeout" env:"VERTEX_INTEGRATIONS_EXECUTE_TIMEOUT"`
}

// Webhooks tunes the delivery pipeline.
type Webhooks struct {
	Workers         int      `yaml:"workers" env:"VERTEX_WEBHOOKS_WORKERS"`
	QueueSize       int      `yaml:"queue_size" env:"VERTEX_WEBHOOKS_QUEUE_SIZE"`
	RetryQueueLimit int      `yaml:"retry_queue_limit" env:"VERTEX_WEBHOOKS_RETRY_QUEUE_LIMIT"`
	RequestTimeout  Duration `yaml:"request_timeout" env:"VERTEX_WEBHOOKS_REQUEST_TIMEOUT"`
	RetryBase       Duration `yaml:"retry_base" env:"VERTEX_WEBHOOKS_RETRY_BASE"`
	RetryCap        Duration `yaml:"retry_cap" env:"VERTEX_WEBHOOKS_RETRY_CAP"`
	RetryJitter     float64  `yaml:"retry_jitter" env:"VERTEX_WEBHOOKS_RETRY_JITTER"`
	MaxAttempts     int      `yaml:"max_attempts" env:"VERTEX_WEBHOOKS_MAX_ATTEMPTS"`
	// RetryTick is how often the retry queue is scanned for due deliveries.
	RetryTick Duration `yaml:"retry_tick" env:"VERTEX_WEBHOOKS_RETRY_TICK"`
	// RatePerTarget caps deliveries per second against one target URL.
	RatePerTarget float64 `yaml:"rate_per_target" env:"VERTEX_WEBHOOKS_RATE_PER_TARGET"`
}

// Notifications tunes the notification engine and its channel transports.
type Notifications struct {
	Workers        int      `yaml:"workers" env:"VERTEX_NOTIFY_WORKERS"`
	QueueSize      int      `yaml:"queue_size" env:"VERTEX_NOTIFY_QUEUE_SIZE"`
	ChannelTimeout Duration `yaml:"channel_timeout" env:"VERTEX_NOTIFY_CHANNEL_TIMEOUT"`
	MaxRetries     int      `yaml:"max_retries" env:"VERTEX_NOTIFY_MAX_RETRIES"`
	RetryBase      Duration `yaml:"retry_base" env:"VERTEX_NOTIFY_RETRY_BASE"`
	RetryCap       Duration `yaml:"retry_cap" env:"VERTEX_NOTIFY_RETRY_CAP"`
	RetryJitter    float64  `yaml:"retry_jitter" env:"VERTEX_NOTIFY_RETRY_JITTER"`
	RatePerChannel float64  `yaml:"rate_per_channel" env:"VERTEX_NOTIFY_RATE_PER_CHANNEL"`
	// QueueTick is how often the schedule queue is scanned for due work.
	QueueTick Duration `yaml:"queue_tick" env:"VERTEX_NOTIFY_QUEUE_TICK"`

	Email EmailTransport `yaml:"email"`
	SMS   HTTPTransport  `yaml:"sms"`
	Push  HTTPTransport  `yaml:"push"`
	Chat  ChatTransport  `yaml:"chat"`
}

// EmailTransport configures the SMTP channel. MaxRetries of zero falls back
// to the engine-wide retry cap.
type EmailTransport struct {
	Host       string `yaml:"host" env:"VERTEX_NOTIFY_EMAIL_HOST"`
	Port       int    `yaml:"port" env:"VERTEX_NOTIFY_EMAIL_PORT"`
	From       string `yaml:"from" env:"VERTEX_NOTIFY_EMAIL_FROM"`
	Username   string `yaml:"username" env:"VERTEX_NOTIFY_EMAIL_USERNAME"`
	Password   string `yaml:"password" env:"VERTEX_NOTIFY_EMAIL_PASSWORD"`
	MaxRetries int    `yaml:"max_retries" env:"VERTEX_NOTIFY_EMAIL_MAX_RETRIES"`
}

// HTTPTransport configures a gateway-backed channel (sms, push). Gateway
// URLs are yaml-only; the two channels would otherwise fight over one
// environment variable.
type HTTPTransport struct {
	GatewayURL string `yaml:"gateway_url"`
	APIKey     string `yaml:"api_key"`
	MaxRetries int    `yaml:"max_retries"`
}

// ChatTransport configures the chat channel.
type ChatTransport struct {
	// WebhookURL is the default incoming-webhook target; a recipient that
	// is itself a URL overrides it per message.
	WebhookURL string `yaml:"webhook_url" env:"VERTEX_NOTIFY_CHAT_WEBHOOK_URL"`
	MaxRetries int    `yaml:"max_retries" env:"VERTEX_NOTIFY_CHAT_MAX_RETRIES"`
}

// Events tunes the broker.
type Events struct {
	QueueSize          int      `yaml:"queue_size" env:"VERTEX_EVENTS_QUEUE_SIZE"`
	PublishTimeout     Duration `yaml:"publish_timeout" env:"VERTEX_EVENTS_PUBLISH_TIMEOUT"`
	SubscriptionBuffer int      `yaml:"subscription_buffer" env:"VERTEX_EVENTS_SUBSCRIPTION_BUFFER"`
	HandlerWorkers     int      `yaml:"handler_workers" env:"VERTEX_EVENTS_HANDLER_WORKERS"`
}

// Reports tunes the scheduler and generator.
type Reports struct {
	TickInterval     Duration `yaml:"tick_interval" env:"VERTEX_REPORTS_TICK_INTERVAL"`
	MaxConcurrent    int      `yaml:"max_concurrent" env:"VERTEX_REPORTS_MAX_CONCURRENT"`
	ExecutionTimeout Duration `yaml:"execution_timeout" env:"VERTEX_REPORTS_EXECUTION_TIMEOUT"`
	ArtifactDir      string   `yaml:"artifact_dir" env:"VERTEX_REPORTS_ARTIFACT_DIR"`
	ShutdownGrace    Duration `yaml:"shutdown_grace" env:"VERTEX_REPORTS_SHUTDOWN_GRACE"`
	// QueryCacheTTL bounds how long report query results are served from
	// the cache before the data source is hit again.
	QueryCacheTTL Duration `yaml:"query_cache_ttl" env:"VERTEX_REPORTS_QUERY_CACHE_TTL"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			ListenAddress: ":8080",
			ReadTimeout:   Duration(15 * time.Second),
			WriteTimeout:  Duration(30 * time.Second),
			ShutdownGrace: Duration(30 * time.Second),
			MaxBodyBytes:  1 << 20,
			RateLimit:     50,
			RateBurst:     100,
		},
		Log: Log{Level: "info", Format: "text"},
		Storage: Storage{
			Driver:          "memory",
			MaxOpenConns:    16,
			MaxIdleConns:    4,
			ConnMaxLifetime: Duration(30 * time.Minute),
			Migrate:         true,
			Retention:       Duration(7 * 24 * time.Hour),
			RetentionSweep:  Duration(time.Hour),
		},
		Cache: Cache{
			LocalSize: 4096,
			LocalTTL:  Duration(5 * time.Minute),
			RedisTTL:  Duration(15 * time.Minute),
		},
		Integrations: Integrations{
			InstanceTTL:    Duration(15 * time.Minute),
			InstanceSweep:  Duration(5 * time.Minute),
			TestTimeout:    Duration(10 * time.Second),
			ExecuteTimeout: Duration(30 * time.Second),
		},
		Webhooks: Webhooks{
			Workers:         4,
			QueueSize:       1024,
			RetryQueueLimit: 4096,
			RequestTimeout:  Duration(10 * time.Second),
			RetryBase:       Duration(time.Second),
			RetryCap:        Duration(60 * time.Second),
			RetryJitter:     0.2,
			MaxAttempts:     3,
			RetryTick:       Duration(500 * time.Millisecond),
			RatePerTarget:   10,
		},
		Notifications: Notifications{
			Workers:        4,
			QueueSize:      1024,
			ChannelTimeout: Duration(10 * time.Second),
			MaxRetries:     2,
			RetryBase:      Duration(500 * time.Millisecond),
			RetryCap:       Duration(15 * time.Second),
			RetryJitter:    0.2,
			RatePerChannel: 20,
			QueueTick:      Duration(200 * time.Millisecond),
		},
		Events: Events{
			QueueSize:          1024,
			PublishTimeout:     Duration(50 * time.Millisecond),
			SubscriptionBuffer: 256,
			HandlerWorkers:     8,
		},
		Reports: Reports{
			TickInterval:     Duration(60 * time.Second),
			MaxConcurrent:    4,
			ExecutionTimeout: Duration(5 * time.Minute),
			ArtifactDir:      os.TempDir(),
			ShutdownGrace:    Duration(30 * time.Second),
			QueryCacheTTL:    Duration(30 * time.Second),
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (may
// be empty), then environment variables. A .env file in the working
// directory is folded into the environment first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engines cannot run with.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address must not be empty")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required with the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Cache.LocalSize <= 0 {
		return fmt.Errorf("cache.local_size must be positive")
	}
	if c.Webhooks.MaxAttempts < 1 {
		return fmt.Errorf("webhooks.max_attempts must be at least 1")
	}
	if c.Webhooks.RetryJitter < 0 || c.Webhooks.RetryJitter >= 1 {
		return fmt.Errorf("webhooks.retry_jitter must be in [0, 1)")
	}
	if c.Webhooks.RetryBase.Std() <= 0 || c.Webhooks.RetryCap.Std() < c.Webhooks.RetryBase.Std() {
		return fmt.Errorf("webhooks retry delays must satisfy 0 < retry_base <= retry_cap")
	}
	if c.Webhooks.RetryTick.Std() <= 0 {
		return fmt.Errorf("webhooks.retry_tick must be positive")
	}
	if c.Webhooks.Workers < 1 || c.Notifications.Workers < 1 {
		return fmt.Errorf("worker counts must be at least 1")
	}
	if c.Notifications.RetryJitter < 0 || c.Notifications.RetryJitter >= 1 {
		return fmt.Errorf("notifications.retry_jitter must be in [0, 1)")
	}
	if c.Notifications.RetryBase.Std() <= 0 || c.Notifications.RetryCap.Std() < c.Notifications.RetryBase.Std() {
		return fmt.Errorf("notifications retry delays must satisfy 0 < retry_base <= retry_cap")
	}
	if c.Notifications.QueueTick.Std() <= 0 {
		return fmt.Errorf("notifications.queue_tick must be positive")
	}
	if c.Events.QueueSize < 1 || c.Events.SubscriptionBuffer < 1 {
		return fmt.Errorf("events queue sizes must be at least 1")
	}
	if c.Reports.TickInterval.Std() <= 0 {
		return fmt.Errorf("reports.tick_interval must be positive")
	}
	if c.Reports.MaxConcurrent < 1 {
		return fmt.Errorf("reports.max_concurrent must be at least 1")
	}
	return nil
}
