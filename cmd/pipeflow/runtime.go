package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/dshills/pipeflow/graph"
	"github.com/dshills/pipeflow/graph/backend"
	"github.com/dshills/pipeflow/graph/cache"
	"github.com/dshills/pipeflow/graph/emit"
	"github.com/dshills/pipeflow/graph/store"
	"github.com/dshills/pipeflow/internal/config"
)

const shutdownTimeout = 5 * time.Second

// runtime owns everything the executor depends on and closes it in reverse
// order of creation.
type runtime struct {
	executor *graph.Executor
	logger   *zap.Logger
	closers  []func(context.Context) error
}

func (rt *runtime) onClose(fn func(context.Context) error) {
	rt.closers = append(rt.closers, fn)
}

// Close releases resources. Errors are logged, not returned.
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			rt.logger.Warn("shutdown", zap.Error(err))
		}
	}
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *runtime, err error) {
	rt := &runtime{logger: logger}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	cacheStore, err := cache.NewFileStore(cfg.CacheDir, cache.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	be, closeBackend, err := newBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.onClose(func(context.Context) error { return closeBackend() })

	opts := []graph.Option{
		graph.WithWorkDir(cfg.WorkDir),
		graph.WithPollInterval(cfg.Executor.PollInterval),
		graph.WithDefaultNodeTimeout(cfg.Executor.NodeTimeout),
		graph.WithCancelGrace(cfg.Executor.CancelGrace),
		graph.WithHasher(cache.NewHasher(cfg.Executor.HashWorkers)),
		graph.WithLogger(logger),
	}
	if cfg.Executor.MaxConcurrent > 0 {
		opts = append(opts, graph.WithMaxConcurrent(cfg.Executor.MaxConcurrent))
	}

	emitters := []emit.Emitter{emit.NewZapEmitter(logger)}
	if cfg.Redis.Addr != "" {
		e, err := rt.redisEmitter(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		emitters = append(emitters, e)
	}
	if cfg.Tracing {
		emitters = append(emitters, rt.otelEmitter(logger))
	}
	opts = append(opts, graph.WithEmitter(emit.NewMultiEmitter(emitters...)))

	if cfg.MetricsAddr != "" {
		opts = append(opts, graph.WithMetrics(rt.serveMetrics(cfg.MetricsAddr)))
	}

	history, err := openHistory(cfg)
	if err != nil {
		return nil, err
	}
	if history != nil {
		rt.onClose(func(context.Context) error { return history.Close() })
		opts = append(opts, graph.WithRecorder(history))
	}

	rt.executor, err = graph.NewExecutor(be, cacheStore, opts...)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// newBackend returns the configured backend, wrapped for retries when
// enabled, and a function that stops its workers.
func newBackend(cfg *config.Config, logger *zap.Logger) (graph.Backend, func() error, error) {
	bopts := []backend.Option{
		backend.WithLogger(logger),
		backend.WithWorkers(cfg.Backend.PoolSize),
		backend.WithStatusGrace(cfg.Backend.StatusGrace),
	}

	var be graph.Backend
	closeFn := func() error { return nil }
	switch cfg.Backend.Kind {
	case config.BackendInProcess:
		be = backend.NewInProcess(bopts...)
	case config.BackendPool:
		pool := backend.NewPool(bopts...)
		be, closeFn = pool, pool.Close
	case config.BackendBatch:
		var sched backend.Scheduler = &backend.LocalScheduler{}
		if len(cfg.Backend.SubmitCmd) > 0 {
			re, err := cfg.Backend.JobID()
			if err != nil {
				return nil, nil, err
			}
			sched = &backend.CommandScheduler{
				SubmitCmd: cfg.Backend.SubmitCmd,
				StatusCmd: cfg.Backend.StatusCmd,
				CancelCmd: cfg.Backend.CancelCmd,
				JobID:     re,
			}
		}
		batch := backend.NewBatch(sched, bopts...)
		be, closeFn = batch, batch.Close
	default:
		return nil, nil, fmt.Errorf("unsupported backend: %s", cfg.Backend.Kind)
	}

	if cfg.Retry.MaxAttempts <= 1 {
		return be, closeFn, nil
	}
	retry, err := backend.NewRetry(be, backend.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, bopts...)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return retry, closeFn, nil
}

// openHistory returns nil when history is disabled.
func openHistory(cfg *config.Config) (store.Store, error) {
	switch cfg.History.Driver {
	case config.HistorySQLite:
		if dir := filepath.Dir(cfg.History.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating history directory: %w", err)
			}
		}
		return store.NewSQLiteStore(cfg.History.DSN)
	case config.HistoryMySQL:
		return store.NewMySQLStore(cfg.History.DSN)
	}
	return nil, nil
}

func (rt *runtime) redisEmitter(ctx context.Context, cfg config.RedisConfig) (*emit.RedisEmitter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}
	rt.logger.Info("publishing events to Redis", zap.String("addr", cfg.Addr), zap.String("stream", cfg.Stream))

	e := emit.NewRedisEmitter(client, cfg.Stream, emit.WithRedisLogger(rt.logger))
	rt.onClose(func(ctx context.Context) error {
		return errors.Join(e.Close(ctx), client.Close())
	})
	return e, nil
}

func (rt *runtime) otelEmitter(logger *zap.Logger) *emit.OTelEmitter {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&logExporter{logger: logger.Named("trace")}),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "pipeflow"))),
	)
	rt.onClose(tp.Shutdown)
	return emit.NewOTelProviderEmitter(tp)
}

func (rt *runtime) serveMetrics(addr string) *graph.PrometheusMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := graph.NewPrometheusMetrics(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	rt.logger.Info("serving metrics", zap.String("addr", addr))
	rt.onClose(srv.Shutdown)
	return metrics
}

// logExporter writes finished spans to the logger at debug level.
type logExporter struct {
	logger *zap.Logger
}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := []zap.Field{
			zap.String("trace_id", s.SpanContext().TraceID().String()),
			zap.String("span_id", s.SpanContext().SpanID().String()),
			zap.Duration("duration", s.EndTime().Sub(s.StartTime())),
			zap.String("status", s.Status().Code.String()),
		}
		for _, kv := range s.Attributes() {
			fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
		}
		e.logger.Debug(s.Name(), fields...)
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error { return nil }
