package config

import (
	"strings"
	"testing"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/google/go-cmp/cmp"
)

func loadEnv(t *testing.T, environ map[string]string) *Config {
	t.Helper()
	if environ == nil {
		environ = map[string]string{}
	}
	cfg, err := load(env.Options{Environment: environ})
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadEnv(t, nil)

	if cfg.Backend.Kind != BackendPool || cfg.Backend.PoolSize != 4 {
		t.Errorf("backend = %+v", cfg.Backend)
	}
	if cfg.Executor.PollInterval != time.Second || cfg.Executor.CancelGrace != 10*time.Second {
		t.Errorf("executor = %+v", cfg.Executor)
	}
	if cfg.History.Driver != HistorySQLite || cfg.History.DSN == "" {
		t.Errorf("history = %+v", cfg.History)
	}
	if cfg.Retry.MaxAttempts != 1 {
		t.Errorf("retry attempts = %d, want 1", cfg.Retry.MaxAttempts)
	}
	if cfg.Redis.Addr != "" || cfg.Redis.Stream != "pipeflow:events" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
}

func TestLoadBatch(t *testing.T) {
	cfg := loadEnv(t, map[string]string{
		"PIPEFLOW_BACKEND":        "batch",
		"PIPEFLOW_BATCH_SUBMIT":   "sbatch --parsable --job-name={name} {script}",
		"PIPEFLOW_BATCH_STATUS":   "squeue --noheader --format=%T --jobs={id}",
		"PIPEFLOW_BATCH_JOB_ID":   `^(\d+)`,
		"PIPEFLOW_RETRY_ATTEMPTS": "3",
		"PIPEFLOW_NODE_TIMEOUT":   "2h",
	})
	want := []string{"sbatch", "--parsable", "--job-name={name}", "{script}"}
	if diff := cmp.Diff(want, cfg.Backend.SubmitCmd); diff != "" {
		t.Errorf("submit command mismatch (-want +got):\n%s", diff)
	}
	re, err := cfg.Backend.JobID()
	if err != nil || re == nil {
		t.Fatalf("JobID() = %v, %v", re, err)
	}
	if got := re.FindStringSubmatch("4242;cluster")[1]; got != "4242" {
		t.Errorf("job id = %q", got)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Executor.NodeTimeout != 2*time.Hour {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := load(env.Options{Environment: map[string]string{"PIPEFLOW_BACKEND": "lambda"}})
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Errorf("load() error = %v", err)
	}
	_, err = load(env.Options{Environment: map[string]string{"PIPEFLOW_POLL_INTERVAL": "soon"}})
	if err == nil || !strings.Contains(err.Error(), "failed to parse config") {
		t.Errorf("load() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			CacheDir: "cache",
			WorkDir:  "work",
			LogLevel: "info",
			Executor: ExecutorConfig{PollInterval: time.Second, HashWorkers: 2},
			Backend:  BackendConfig{Kind: BackendPool, PoolSize: 2},
			Retry:    RetryConfig{MaxAttempts: 1},
			History:  HistoryConfig{Driver: HistoryNone},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate() on valid config: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		substr string
	}{
		{"log level", func(c *Config) { c.LogLevel = "verbose" }, "log level"},
		{"cache dir", func(c *Config) { c.CacheDir = "" }, "cache directory"},
		{"poll interval", func(c *Config) { c.Executor.PollInterval = 0 }, "poll interval"},
		{"negative concurrency", func(c *Config) { c.Executor.MaxConcurrent = -1 }, "max concurrent"},
		{"backend kind", func(c *Config) { c.Backend.Kind = "k8s" }, "unsupported backend"},
		{"pool size", func(c *Config) { c.Backend.PoolSize = 0 }, "pool size"},
		{"batch without status", func(c *Config) {
			c.Backend.Kind = BackendBatch
			c.Backend.SubmitCmd = []string{"qsub", "{script}"}
		}, "status command"},
		{"bad job id pattern", func(c *Config) {
			c.Backend.Kind = BackendBatch
			c.Backend.JobIDRegexp = "("
		}, "job id pattern"},
		{"retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry attempts"},
		{"history driver", func(c *Config) { c.History.Driver = "postgres" }, "history driver"},
		{"history dsn", func(c *Config) { c.History.Driver = HistoryMySQL }, "DSN"},
		{"redis stream", func(c *Config) { c.Redis.Addr = "localhost:6379" }, "redis stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.substr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.substr)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Error("debug level not enabled")
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Error("NewLogger() accepted an unknown level")
	}
}
