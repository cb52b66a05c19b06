package backend_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/pipeflow/graph"
	"github.com/dshills/pipeflow/graph/backend"
)

// flaky fails with reason until it has been called failures times.
func flaky(calls *atomic.Int32, failures int32, reason graph.Reason) graph.Node {
	return valueNode("flaky", func(context.Context, graph.Call) (graph.Values, error) {
		if calls.Add(1) <= failures {
			return nil, &graph.Failure{Reason: reason, Message: "transient"}
		}
		return graph.Values{"y": "ok"}, nil
	})
}

func TestRetry(t *testing.T) {
	policy := backend.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	t.Run("recovers from transient failures", func(t *testing.T) {
		var calls atomic.Int32
		r, err := backend.NewRetry(backend.NewInProcess(), policy)
		if err != nil {
			t.Fatalf("NewRetry() error = %v", err)
		}
		h, _ := r.Submit(context.Background(), task(t, flaky(&calls, 2, graph.ReasonInfrastructure), nil))
		status := wait(t, r, h)
		if status.State != graph.JobSucceeded {
			t.Fatalf("status = %+v, want succeeded", status)
		}
		if got := calls.Load(); got != 3 {
			t.Errorf("calls = %d, want 3", got)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		var calls atomic.Int32
		r, _ := backend.NewRetry(backend.NewInProcess(), policy)
		h, _ := r.Submit(context.Background(), task(t, flaky(&calls, 10, graph.ReasonInfrastructure), nil))
		status := wait(t, r, h)
		if status.State != graph.JobFailed || status.Failure.Reason != graph.ReasonInfrastructure {
			t.Fatalf("status = %+v, want infrastructure failure", status)
		}
		if got := calls.Load(); got != 3 {
			t.Errorf("calls = %d, want 3", got)
		}
	})

	t.Run("does not retry execution failures by default", func(t *testing.T) {
		var calls atomic.Int32
		r, _ := backend.NewRetry(backend.NewInProcess(), policy)
		h, _ := r.Submit(context.Background(), task(t, flaky(&calls, 10, graph.ReasonExecution), nil))
		status := wait(t, r, h)
		if status.State != graph.JobFailed {
			t.Fatalf("state = %v, want failed", status.State)
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("calls = %d, want 1", got)
		}
	})

	t.Run("custom predicate", func(t *testing.T) {
		var calls atomic.Int32
		p := policy
		p.Retryable = func(f *graph.Failure) bool { return f.Reason == graph.ReasonExecution }
		r, _ := backend.NewRetry(backend.NewInProcess(), p)
		h, _ := r.Submit(context.Background(), task(t, flaky(&calls, 1, graph.ReasonExecution), nil))
		if status := wait(t, r, h); status.State != graph.JobSucceeded {
			t.Fatalf("status = %+v, want succeeded", status)
		}
	})

	t.Run("cancel during backoff", func(t *testing.T) {
		var calls atomic.Int32
		p := policy
		p.BaseDelay = time.Hour
		p.MaxDelay = time.Hour
		r, _ := backend.NewRetry(backend.NewInProcess(), p)
		h, _ := r.Submit(context.Background(), task(t, flaky(&calls, 10, graph.ReasonInfrastructure), nil))

		status, err := r.Poll(context.Background(), h)
		if err != nil || status.State != graph.JobRunning {
			t.Fatalf("Poll() = %+v, %v; want running", status, err)
		}
		if err := r.Cancel(context.Background(), h); err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		status = wait(t, r, h)
		if status.State != graph.JobFailed || status.Failure.Reason != graph.ReasonCancelled {
			t.Fatalf("status = %+v, want cancelled", status)
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("calls = %d, want 1", got)
		}
	})
}

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  backend.RetryPolicy
		wantErr bool
	}{
		{"single attempt", backend.RetryPolicy{MaxAttempts: 1}, false},
		{"with delays", backend.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}, false},
		{"no cap", backend.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}, false},
		{"zero attempts", backend.RetryPolicy{}, true},
		{"cap below base", backend.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Minute, MaxDelay: time.Second}, true},
		{"negative delay", backend.RetryPolicy{MaxAttempts: 2, BaseDelay: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, backend.ErrInvalidRetryPolicy) {
				t.Errorf("error %v does not match ErrInvalidRetryPolicy", err)
			}
		})
	}

	if _, err := backend.NewRetry(backend.NewInProcess(), backend.RetryPolicy{}); err == nil {
		t.Error("NewRetry() with invalid policy succeeded")
	}
}
