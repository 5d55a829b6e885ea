// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Broker struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	VHost          string        `mapstructure:"vhost"`
	Prefetch       int           `mapstructure:"prefetch"`
	HeartbeatSec   time.Duration `mapstructure:"heartbeat"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type Stream struct {
	NormalStream      string        `mapstructure:"normal_stream"`
	HighPriorityStream string       `mapstructure:"high_priority_stream"`
	DLQStream         string        `mapstructure:"dlq_stream"`
	ConsumerGroup     string        `mapstructure:"consumer_group"`
	MaxLen            int64         `mapstructure:"max_len"`
	BlockTimeout      time.Duration `mapstructure:"block_timeout"`
	BatchSize         int64         `mapstructure:"batch_size"`
	ClaimIdle         time.Duration `mapstructure:"claim_idle"`
}

type Store struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MigrationsPath  string `mapstructure:"migrations_path"`
}

type Retry struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialDelay    time.Duration `mapstructure:"initial_delay"`
	BackoffFactor   float64       `mapstructure:"backoff_factor"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	JitterFraction  float64       `mapstructure:"jitter_fraction"`
	CounterTTL      time.Duration `mapstructure:"counter_ttl"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	HalfOpenTimeout  time.Duration `mapstructure:"half_open_timeout"`
}

type DLQ struct {
	BackupListKey   string `mapstructure:"backup_list_key"`
	BackupListLimit int64  `mapstructure:"backup_list_limit"`
	BackupFilePath  string `mapstructure:"backup_file_path"`
}

type Ingest struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	SchemaPath      string        `mapstructure:"schema_path"`
	IdempotencyTTL  time.Duration `mapstructure:"idempotency_ttl"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

type Supervisor struct {
	BatchSize          int           `mapstructure:"batch_size"`
	PollSleep          time.Duration `mapstructure:"poll_sleep"`
	MaxPollSleep       time.Duration `mapstructure:"max_poll_sleep"`
	MemoryCapMB        int64         `mapstructure:"memory_cap_mb"`
	MaxUptime          time.Duration `mapstructure:"max_uptime"`
	RestartFlagPath    string        `mapstructure:"restart_flag_path"`
	StatsLogEveryN     int64         `mapstructure:"stats_log_every_n"`
}

type Analytics struct {
	Enabled      bool   `mapstructure:"enabled"`
	DSN          string `mapstructure:"dsn"`
	Database     string `mapstructure:"database"`
	Table        string `mapstructure:"table"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type Archive struct {
	Enabled       bool          `mapstructure:"enabled"`
	Bucket        string        `mapstructure:"bucket"`
	Region        string        `mapstructure:"region"`
	Endpoint      string        `mapstructure:"endpoint"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	Schedule      string        `mapstructure:"schedule"`
	RetentionDays int           `mapstructure:"retention_days"`
}

type Hooks struct {
	Enabled bool   `mapstructure:"enabled"`
	NATSURL string `mapstructure:"nats_url"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Environment string `mapstructure:"environment"`
}

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type Config struct {
	Redis          Redis                `mapstructure:"redis"`
	Broker         Broker               `mapstructure:"broker"`
	Stream         Stream               `mapstructure:"stream"`
	Store          Store                `mapstructure:"store"`
	Retry          Retry                `mapstructure:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	DLQ            DLQ                  `mapstructure:"dlq"`
	Ingest         Ingest               `mapstructure:"ingest"`
	Supervisor     Supervisor           `mapstructure:"supervisor"`
	Analytics      Analytics            `mapstructure:"analytics"`
	Archive        Archive              `mapstructure:"archive"`
	Hooks          Hooks                `mapstructure:"hooks"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Broker: Broker{
			Host:           "localhost",
			Port:           "5672",
			User:           "guest",
			Password:       "guest",
			VHost:          "/",
			Prefetch:       10,
			HeartbeatSec:   60 * time.Second,
			ConnectTimeout: 3 * time.Second,
		},
		Stream: Stream{
			NormalStream:       "events_stream",
			HighPriorityStream: "events_high_priority",
			DLQStream:          "events_dlq_stream",
			ConsumerGroup:      "event_processors",
			MaxLen:             10_000,
			BlockTimeout:       1 * time.Second,
			BatchSize:          10,
			ClaimIdle:          30 * time.Second,
		},
		Store: Store{
			MaxOpenConns:   20,
			MaxIdleConns:   5,
			MigrationsPath: "internal/store/migrations",
		},
		Retry: Retry{
			MaxRetries:     5,
			InitialDelay:   1 * time.Second,
			BackoffFactor:  2,
			MaxDelay:       60 * time.Second,
			JitterFraction: 0.2,
			CounterTTL:     24 * time.Hour,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			OpenTimeout:      60 * time.Second,
			HalfOpenTimeout:  30 * time.Second,
		},
		DLQ: DLQ{
			BackupListKey:   "events:dlq:backup",
			BackupListLimit: 10_000,
			BackupFilePath:  "dlq_backup.log",
		},
		Ingest: Ingest{
			ListenAddr:     ":8080",
			SchemaPath:     "internal/validation/schema/event.json",
			IdempotencyTTL: 24 * time.Hour,
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   5 * time.Second,
		},
		Supervisor: Supervisor{
			BatchSize:       10,
			PollSleep:       1 * time.Second,
			MaxPollSleep:    10 * time.Second,
			MemoryCapMB:     512,
			MaxUptime:       6 * time.Hour,
			RestartFlagPath: "/tmp/event-worker.restart",
			StatsLogEveryN:  1000,
		},
		Analytics: Analytics{
			Table:        "events_analytics",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Archive: Archive{
			KeyPrefix:     "events/",
			Schedule:      "0 3 * * *",
			RetentionDays: 90,
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("broker.host", def.Broker.Host)
	v.SetDefault("broker.port", def.Broker.Port)
	v.SetDefault("broker.user", def.Broker.User)
	v.SetDefault("broker.password", def.Broker.Password)
	v.SetDefault("broker.vhost", def.Broker.VHost)
	v.SetDefault("broker.prefetch", def.Broker.Prefetch)
	v.SetDefault("broker.heartbeat", def.Broker.HeartbeatSec)
	v.SetDefault("broker.connect_timeout", def.Broker.ConnectTimeout)

	v.SetDefault("stream.normal_stream", def.Stream.NormalStream)
	v.SetDefault("stream.high_priority_stream", def.Stream.HighPriorityStream)
	v.SetDefault("stream.dlq_stream", def.Stream.DLQStream)
	v.SetDefault("stream.consumer_group", def.Stream.ConsumerGroup)
	v.SetDefault("stream.max_len", def.Stream.MaxLen)
	v.SetDefault("stream.block_timeout", def.Stream.BlockTimeout)
	v.SetDefault("stream.batch_size", def.Stream.BatchSize)
	v.SetDefault("stream.claim_idle", def.Stream.ClaimIdle)

	v.SetDefault("store.max_open_conns", def.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", def.Store.MaxIdleConns)
	v.SetDefault("store.migrations_path", def.Store.MigrationsPath)

	v.SetDefault("retry.max_retries", def.Retry.MaxRetries)
	v.SetDefault("retry.initial_delay", def.Retry.InitialDelay)
	v.SetDefault("retry.backoff_factor", def.Retry.BackoffFactor)
	v.SetDefault("retry.max_delay", def.Retry.MaxDelay)
	v.SetDefault("retry.jitter_fraction", def.Retry.JitterFraction)
	v.SetDefault("retry.counter_ttl", def.Retry.CounterTTL)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.success_threshold", def.CircuitBreaker.SuccessThreshold)
	v.SetDefault("circuit_breaker.open_timeout", def.CircuitBreaker.OpenTimeout)
	v.SetDefault("circuit_breaker.half_open_timeout", def.CircuitBreaker.HalfOpenTimeout)

	v.SetDefault("dlq.backup_list_key", def.DLQ.BackupListKey)
	v.SetDefault("dlq.backup_list_limit", def.DLQ.BackupListLimit)
	v.SetDefault("dlq.backup_file_path", def.DLQ.BackupFilePath)

	v.SetDefault("ingest.listen_addr", def.Ingest.ListenAddr)
	v.SetDefault("ingest.schema_path", def.Ingest.SchemaPath)
	v.SetDefault("ingest.idempotency_ttl", def.Ingest.IdempotencyTTL)
	v.SetDefault("ingest.read_timeout", def.Ingest.ReadTimeout)
	v.SetDefault("ingest.write_timeout", def.Ingest.WriteTimeout)

	v.SetDefault("supervisor.batch_size", def.Supervisor.BatchSize)
	v.SetDefault("supervisor.poll_sleep", def.Supervisor.PollSleep)
	v.SetDefault("supervisor.max_poll_sleep", def.Supervisor.MaxPollSleep)
	v.SetDefault("supervisor.memory_cap_mb", def.Supervisor.MemoryCapMB)
	v.SetDefault("supervisor.max_uptime", def.Supervisor.MaxUptime)
	v.SetDefault("supervisor.restart_flag_path", def.Supervisor.RestartFlagPath)
	v.SetDefault("supervisor.stats_log_every_n", def.Supervisor.StatsLogEveryN)

	v.SetDefault("analytics.enabled", def.Analytics.Enabled)
	v.SetDefault("analytics.table", def.Analytics.Table)
	v.SetDefault("analytics.max_open_conns", def.Analytics.MaxOpenConns)
	v.SetDefault("analytics.max_idle_conns", def.Analytics.MaxIdleConns)

	v.SetDefault("archive.enabled", def.Archive.Enabled)
	v.SetDefault("archive.key_prefix", def.Archive.KeyPrefix)
	v.SetDefault("archive.schedule", def.Archive.Schedule)
	v.SetDefault("archive.retention_days", def.Archive.RetentionDays)

	v.SetDefault("hooks.enabled", def.Hooks.Enabled)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be >= 1")
	}
	if cfg.Retry.InitialDelay <= 0 {
		return fmt.Errorf("retry.initial_delay must be > 0")
	}
	if cfg.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1")
	}
	if cfg.CircuitBreaker.SuccessThreshold < 1 {
		return fmt.Errorf("circuit_breaker.success_threshold must be >= 1")
	}
	if cfg.Stream.MaxLen <= 0 {
		return fmt.Errorf("stream.max_len must be > 0")
	}
	if cfg.Stream.BatchSize <= 0 || cfg.Stream.BatchSize > 10 {
		return fmt.Errorf("stream.batch_size must be 1..10")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
