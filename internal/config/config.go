package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/caarlos0/env/v10"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Backend kinds accepted in PIPEFLOW_BACKEND.
const (
	BackendInProcess = "inprocess"
	BackendPool      = "pool"
	BackendBatch     = "batch"
)

// History drivers accepted in PIPEFLOW_HISTORY_DRIVER.
const (
	HistoryNone   = "none"
	HistorySQLite = "sqlite"
	HistoryMySQL  = "mysql"
)

// Config holds everything the runner needs besides the pipeline files.
type Config struct {
	CacheDir string `env:"PIPEFLOW_CACHE_DIR" envDefault:".pipeflow/cache"`
	WorkDir  string `env:"PIPEFLOW_WORK_DIR" envDefault:".pipeflow/work"`
	LogLevel string `env:"PIPEFLOW_LOG_LEVEL" envDefault:"info"`

	// MetricsAddr serves Prometheus metrics when set, e.g. ":9464".
	MetricsAddr string `env:"PIPEFLOW_METRICS_ADDR"`

	// Tracing records OpenTelemetry spans for node events and logs them at
	// debug level.
	Tracing bool `env:"PIPEFLOW_TRACING" envDefault:"false"`

	Executor ExecutorConfig
	Backend  BackendConfig
	Retry    RetryConfig
	History  HistoryConfig
	Redis    RedisConfig
}

// ExecutorConfig maps onto the graph.Executor options.
type ExecutorConfig struct {
	MaxConcurrent int           `env:"PIPEFLOW_MAX_CONCURRENT" envDefault:"0"`
	PollInterval  time.Duration `env:"PIPEFLOW_POLL_INTERVAL" envDefault:"1s"`
	NodeTimeout   time.Duration `env:"PIPEFLOW_NODE_TIMEOUT" envDefault:"0s"`
	CancelGrace   time.Duration `env:"PIPEFLOW_CANCEL_GRACE" envDefault:"10s"`
	HashWorkers   int           `env:"PIPEFLOW_HASH_WORKERS" envDefault:"4"`
}

// BackendConfig selects where node tasks run.
type BackendConfig struct {
	Kind     string `env:"PIPEFLOW_BACKEND" envDefault:"pool"`
	PoolSize int    `env:"PIPEFLOW_POOL_SIZE" envDefault:"4"`

	// Batch commands are space separated argv templates. With no submit
	// command, batch jobs run through the local shell.
	SubmitCmd   []string      `env:"PIPEFLOW_BATCH_SUBMIT" envSeparator:" "`
	StatusCmd   []string      `env:"PIPEFLOW_BATCH_STATUS" envSeparator:" "`
	CancelCmd   []string      `env:"PIPEFLOW_BATCH_CANCEL" envSeparator:" "`
	JobIDRegexp string        `env:"PIPEFLOW_BATCH_JOB_ID"`
	StatusGrace time.Duration `env:"PIPEFLOW_BATCH_STATUS_GRACE" envDefault:"30s"`
}

// RetryConfig wraps the backend in a retrying backend when MaxAttempts > 1.
type RetryConfig struct {
	MaxAttempts int           `env:"PIPEFLOW_RETRY_ATTEMPTS" envDefault:"1"`
	BaseDelay   time.Duration `env:"PIPEFLOW_RETRY_BASE_DELAY" envDefault:"1s"`
	MaxDelay    time.Duration `env:"PIPEFLOW_RETRY_MAX_DELAY" envDefault:"30s"`
}

// HistoryConfig selects the run-history store.
type HistoryConfig struct {
	Driver string `env:"PIPEFLOW_HISTORY_DRIVER" envDefault:"sqlite"`
	// DSN is a file path for sqlite and a go-sql-driver DSN for mysql.
	DSN string `env:"PIPEFLOW_HISTORY_DSN" envDefault:".pipeflow/history.db"`
}

// RedisConfig enables publishing events to a Redis stream when Addr is set.
type RedisConfig struct {
	Addr     string `env:"PIPEFLOW_REDIS_ADDR"`
	Password string `env:"PIPEFLOW_REDIS_PASS"`
	DB       int    `env:"PIPEFLOW_REDIS_DB" envDefault:"0"`
	Stream   string `env:"PIPEFLOW_REDIS_STREAM" envDefault:"pipeflow:events"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return load(env.Options{})
}

func load(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache directory is required")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work directory is required")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	if c.Executor.MaxConcurrent < 0 {
		return fmt.Errorf("max concurrent must not be negative: %d", c.Executor.MaxConcurrent)
	}
	if c.Executor.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive: %s", c.Executor.PollInterval)
	}
	if c.Executor.NodeTimeout < 0 || c.Executor.CancelGrace < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Executor.HashWorkers < 1 {
		return fmt.Errorf("hash workers must be at least 1")
	}

	switch c.Backend.Kind {
	case BackendInProcess:
	case BackendPool:
		if c.Backend.PoolSize < 1 {
			return fmt.Errorf("pool size must be at least 1")
		}
	case BackendBatch:
		if len(c.Backend.SubmitCmd) > 0 && len(c.Backend.StatusCmd) == 0 {
			return fmt.Errorf("batch status command is required with a submit command")
		}
		if _, err := c.Backend.JobID(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported backend: %s (must be inprocess, pool, or batch)", c.Backend.Kind)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}

	switch c.History.Driver {
	case HistoryNone:
	case HistorySQLite, HistoryMySQL:
		if c.History.DSN == "" {
			return fmt.Errorf("history DSN is required for %s", c.History.Driver)
		}
	default:
		return fmt.Errorf("unsupported history driver: %s (must be none, sqlite, or mysql)", c.History.Driver)
	}

	if c.Redis.Addr != "" && c.Redis.Stream == "" {
		return fmt.Errorf("redis stream is required with a redis address")
	}
	return nil
}

// JobID compiles JobIDRegexp. It returns nil when unset.
func (b BackendConfig) JobID() (*regexp.Regexp, error) {
	if b.JobIDRegexp == "" {
		return nil, nil
	}
	re, err := regexp.Compile(b.JobIDRegexp)
	if err != nil {
		return nil, fmt.Errorf("invalid batch job id pattern: %w", err)
	}
	return re, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
}

// NewLogger builds a production zap logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
