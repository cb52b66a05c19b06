package backend

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/pipeflow/graph"
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy configures automatic resubmission of failed tasks.
//
// Delays grow exponentially with jitter to avoid synchronized retries:
// min(BaseDelay * 2^attempt, MaxDelay) + jitter(0, BaseDelay).
type RetryPolicy struct {
	// MaxAttempts counts the first attempt. 1 means no retries.
	MaxAttempts int

	BaseDelay time.Duration

	// MaxDelay caps the exponential part. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether a failure is worth another attempt. When
	// nil, infrastructure failures and timeouts are retried.
	Retryable func(*graph.Failure) bool
}

// Validate checks MaxAttempts and the delay bounds.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return fmt.Errorf("%w: MaxAttempts must be at least 1", ErrInvalidRetryPolicy)
	}
	if rp.BaseDelay < 0 || rp.MaxDelay < 0 {
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidRetryPolicy)
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return fmt.Errorf("%w: MaxDelay is below BaseDelay", ErrInvalidRetryPolicy)
	}
	return nil
}

func (rp *RetryPolicy) retryable(f *graph.Failure) bool {
	if f == nil || f.Reason == graph.ReasonCancelled {
		return false
	}
	if rp.Retryable != nil {
		return rp.Retryable(f)
	}
	return f.Reason == graph.ReasonInfrastructure || f.Reason == graph.ReasonTimeout
}

// computeBackoff returns the delay before retry number attempt (0-based).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for range attempt {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay + time.Duration(rng.Int63n(int64(base)))
}

// Retry wraps a backend and resubmits tasks whose failures the policy deems
// retryable. It never sleeps: a task waiting out its backoff is reported as
// running and resubmitted by the first Poll after the delay.
//
// Every attempt starts from an empty work directory.
type Retry struct {
	inner  graph.Backend
	policy RetryPolicy
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	rng  *rand.Rand
	jobs map[graph.Handle]*retryJob
}

type retryJob struct {
	task      graph.Task
	inner     graph.Handle
	attempt   int
	waitUntil time.Time
	cancelled bool
	last      *graph.Failure
}

var _ graph.Backend = (*Retry)(nil)

// NewRetry wraps inner. It fails if policy is invalid.
func NewRetry(inner graph.Backend, policy RetryPolicy, opts ...Option) (*Retry, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	cfg := newConfig(opts)
	return &Retry{
		inner:  inner,
		policy: policy,
		logger: cfg.logger,
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
		jobs:   make(map[graph.Handle]*retryJob),
	}, nil
}

// Submit makes the first attempt.
func (r *Retry) Submit(ctx context.Context, task graph.Task) (graph.Handle, error) {
	inner, err := r.inner.Submit(ctx, task)
	if err != nil {
		return "", err
	}
	h := newHandle()
	r.mu.Lock()
	r.jobs[h] = &retryJob{task: task, inner: inner, attempt: 1}
	r.mu.Unlock()
	return h, nil
}

// Poll reports the current attempt. A retryable failure with attempts left
// is reported as running.
func (r *Retry) Poll(ctx context.Context, h graph.Handle) (graph.Status, error) {
	r.mu.Lock()
	job, ok := r.jobs[h]
	r.mu.Unlock()
	if !ok {
		return graph.Status{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}

	status, err := r.poll(ctx, job)
	if err != nil {
		return graph.Status{}, err
	}
	if status.State != graph.JobRunning {
		r.mu.Lock()
		delete(r.jobs, h)
		r.mu.Unlock()
	}
	return status, nil
}

func (r *Retry) poll(ctx context.Context, job *retryJob) (graph.Status, error) {
	if !job.waitUntil.IsZero() {
		if job.cancelled {
			return cancelledStatus(job.task.Name), nil
		}
		if r.now().Before(job.waitUntil) {
			return graph.Running(), nil
		}
		if err := r.resubmit(ctx, job); err != nil {
			// The previous failure is the more useful one to report.
			r.logger.Warn("retry submission failed",
				zap.String("node", job.task.Name),
				zap.Int("attempt", job.attempt+1),
				zap.Error(err))
			return graph.Failed(job.last), nil
		}
		return graph.Running(), nil
	}

	status, err := r.inner.Poll(ctx, job.inner)
	if err != nil || status.State != graph.JobFailed {
		return status, err
	}
	if job.cancelled || job.attempt >= r.policy.MaxAttempts || !r.policy.retryable(status.Failure) {
		return status, nil
	}

	r.mu.Lock()
	delay := computeBackoff(job.attempt-1, r.policy.BaseDelay, r.policy.MaxDelay, r.rng)
	r.mu.Unlock()
	job.waitUntil = r.now().Add(delay)
	job.last = status.Failure
	r.logger.Info("retrying node",
		zap.String("node", job.task.Name),
		zap.Int("attempt", job.attempt),
		zap.Int("max_attempts", r.policy.MaxAttempts),
		zap.String("reason", string(status.Failure.Reason)),
		zap.Duration("delay", delay))
	return graph.Running(), nil
}

func (r *Retry) resubmit(ctx context.Context, job *retryJob) error {
	if err := clearDir(job.task.WorkDir); err != nil {
		return fmt.Errorf("failed to clear work dir: %w", err)
	}
	inner, err := r.inner.Submit(ctx, job.task)
	if err != nil {
		return err
	}
	job.inner = inner
	job.attempt++
	job.waitUntil = time.Time{}
	return nil
}

// clearDir removes what an earlier attempt left in dir. The directory itself
// belongs to the submission and stays in place.
func clearDir(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return os.MkdirAll(dir, 0o750)
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Cancel cancels the current attempt and prevents further ones.
func (r *Retry) Cancel(ctx context.Context, h graph.Handle) error {
	r.mu.Lock()
	job, ok := r.jobs[h]
	if ok {
		job.cancelled = true
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if !job.waitUntil.IsZero() {
		return nil
	}
	return r.inner.Cancel(ctx, job.inner)
}
