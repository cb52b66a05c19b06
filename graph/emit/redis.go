package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRedisBuffer  = 1024
	defaultRedisTimeout = 2 * time.Second
)

// RedisEmitter publishes events to a Redis stream with XADD, so that other
// processes (dashboards, notifiers) can follow runs as they progress.
//
// Emit never blocks the Executor: events are queued and written by a
// background goroutine. When the queue is full the event is dropped and
// counted. Call Close to flush the queue before exit.
//
// Each stream entry has a single field "data" holding the JSON event.
type RedisEmitter struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger

	queue   chan Event
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	dropped int
}

// RedisOption configures a RedisEmitter.
type RedisOption func(*RedisEmitter)

// WithStreamMaxLen trims the stream to roughly n entries (XADD MAXLEN ~).
func WithStreamMaxLen(n int64) RedisOption {
	return func(r *RedisEmitter) { r.maxLen = n }
}

// WithRedisLogger sets the logger for publish failures.
func WithRedisLogger(logger *zap.Logger) RedisOption {
	return func(r *RedisEmitter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRedisEmitter starts a publisher writing to stream.
func NewRedisEmitter(client *redis.Client, stream string, opts ...RedisOption) *RedisEmitter {
	r := &RedisEmitter{
		client: client,
		stream: stream,
		logger: zap.NewNop(),
		queue:  make(chan Event, defaultRedisBuffer),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.publishLoop()
	return r
}

// Emit queues event for publication.
func (r *RedisEmitter) Emit(event Event) {
	select {
	case r.queue <- event:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (r *RedisEmitter) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops accepting events and waits until queued events are published
// or ctx is done. Emit must not be called after Close.
func (r *RedisEmitter) Close(ctx context.Context) error {
	r.once.Do(func() { close(r.queue) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RedisEmitter) publishLoop() {
	defer close(r.done)
	for event := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), defaultRedisTimeout)
		if err := r.publish(ctx, event); err != nil {
			r.logger.Warn("failed to publish event",
				zap.String("stream", r.stream),
				zap.String("run_id", event.RunID),
				zap.String("msg", event.Msg),
				zap.Error(err))
		}
		cancel()
	}
}

func (r *RedisEmitter) publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(redisEvent{
		RunID:  event.RunID,
		NodeID: event.NodeID,
		Depth:  event.Depth,
		Msg:    event.Msg,
		Time:   event.Time,
		Meta:   event.Meta,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{"data": string(data)},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if _, err := r.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}
	return nil
}

// ReadStream returns every event currently in stream, oldest first.
func ReadStream(ctx context.Context, client *redis.Client, stream string) ([]Event, error) {
	msgs, err := client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
	}

	events := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		data, ok := m.Values["data"].(string)
		if !ok {
			return nil, fmt.Errorf("stream entry %s has no data field", m.ID)
		}
		var e redisEvent
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stream entry %s: %w", m.ID, err)
		}
		events = append(events, Event(e))
	}
	return events, nil
}

type redisEvent struct {
	RunID  string                 `json:"run_id"`
	NodeID string                 `json:"node,omitempty"`
	Depth  int                    `json:"depth"`
	Msg    string                 `json:"msg"`
	Time   time.Time              `json:"time"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
}
