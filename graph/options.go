package graph

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/pipeflow/graph/cache"
	"github.com/dshills/pipeflow/graph/emit"
)

const (
	defaultMaxConcurrent = 4
	defaultPollInterval  = 100 * time.Millisecond
	defaultCancelGrace   = 30 * time.Second
	defaultWorkDir       = "work"
)

// Option is a functional option for configuring an Executor.
//
// Example:
//
//	exec, err := graph.NewExecutor(backend, store,
//	    graph.WithMaxConcurrent(16),
//	    graph.WithPollInterval(500*time.Millisecond),
//	    graph.WithWorkDir("/scratch/pipeflow"),
//	    graph.WithLogger(logger),
//	)
type Option func(*executorConfig) error

// executorConfig collects options before they are applied to an Executor.
type executorConfig struct {
	maxConcurrent      int
	pollInterval       time.Duration
	workDir            string
	defaultNodeTimeout time.Duration
	cancelGrace        time.Duration
	emitter            emit.Emitter
	logger             *zap.Logger
	metrics            *PrometheusMetrics
	recorder           Recorder
	hasher             *cache.Hasher
}

func defaultConfig() executorConfig {
	return executorConfig{
		maxConcurrent: defaultMaxConcurrent,
		pollInterval:  defaultPollInterval,
		workDir:       defaultWorkDir,
		cancelGrace:   defaultCancelGrace,
		emitter:       emit.NewNullEmitter(),
		logger:        zap.NewNop(),
	}
}

// WithMaxConcurrent bounds the number of nodes submitted to the backend and
// not yet finished. Cache hits do not count against the bound.
//
// Default: 4. The backend may impose its own, lower limit (a Pool backend's
// worker count, a cluster queue's slot count); this one keeps the Executor
// from flooding it.
func WithMaxConcurrent(n int) Option {
	return func(cfg *executorConfig) error {
		if n < 1 {
			return fmt.Errorf("max concurrent must be at least 1, got %d", n)
		}
		cfg.maxConcurrent = n
		return nil
	}
}

// WithPollInterval sets how long the Executor sleeps when an iteration of
// its loop made no progress.
//
// Default: 100ms. Batch backends whose status checks are expensive warrant
// several seconds.
func WithPollInterval(d time.Duration) Option {
	return func(cfg *executorConfig) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive, got %v", d)
		}
		cfg.pollInterval = d
		return nil
	}
}

// WithWorkDir sets the root under which node working directories are
// created, as <root>/<node>/<fingerprint prefix>.
//
// Default: "work" relative to the process working directory.
func WithWorkDir(dir string) Option {
	return func(cfg *executorConfig) error {
		if dir == "" {
			return fmt.Errorf("work dir cannot be empty")
		}
		cfg.workDir = dir
		return nil
	}
}

// WithDefaultNodeTimeout bounds the execution time of every node. A node
// that overruns fails with ReasonTimeout.
//
// Default: 0 (no limit).
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *executorConfig) error {
		if d < 0 {
			return fmt.Errorf("node timeout cannot be negative, got %v", d)
		}
		cfg.defaultNodeTimeout = d
		return nil
	}
}

// WithCancelGrace bounds how long a cancelled run keeps polling in-flight
// nodes for their final state before marking them cancelled.
//
// Default: 30s.
func WithCancelGrace(d time.Duration) Option {
	return func(cfg *executorConfig) error {
		if d < 0 {
			return fmt.Errorf("cancel grace cannot be negative, got %v", d)
		}
		cfg.cancelGrace = d
		return nil
	}
}

// WithEmitter sends node lifecycle events to e.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *executorConfig) error {
		if e != nil {
			cfg.emitter = e
		}
		return nil
	}
}

// WithLogger sets the structured logger. Default: zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *executorConfig) error {
		if logger != nil {
			cfg.logger = logger
		}
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Example:
//
//	metrics := graph.NewPrometheusMetrics(prometheus.NewRegistry())
//	exec, _ := graph.NewExecutor(backend, store, graph.WithMetrics(metrics))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *executorConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithRecorder persists every finished Report, for example to a run-history
// database. Recorder errors are logged and do not fail the run.
func WithRecorder(r Recorder) Option {
	return func(cfg *executorConfig) error {
		cfg.recorder = r
		return nil
	}
}

// WithHasher replaces the default fingerprint hasher.
func WithHasher(h *cache.Hasher) Option {
	return func(cfg *executorConfig) error {
		if h != nil {
			cfg.hasher = h
		}
		return nil
	}
}

// RunOption configures a single call to Executor.Run.
type RunOption func(*runConfig)

type runConfig struct {
	rerun    map[string]struct{}
	rerunAll bool
}

// Rerun invalidates the cache entries of the named nodes before they are
// looked up, forcing them to execute again. Their dependents then run only
// if the new outputs differ.
//
// A MapNode name also matches every one of its sub-nodes.
func Rerun(names ...string) RunOption {
	return func(cfg *runConfig) {
		if cfg.rerun == nil {
			cfg.rerun = make(map[string]struct{})
		}
		for _, n := range names {
			cfg.rerun[n] = struct{}{}
		}
	}
}

// RerunAll ignores and replaces every cache entry the run touches.
func RerunAll() RunOption {
	return func(cfg *runConfig) {
		cfg.rerunAll = true
	}
}
