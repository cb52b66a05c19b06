package backend_test

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/pipeflow/graph"
	"github.com/dshills/pipeflow/graph/backend"
)

// wait polls h until it finishes or the deadline passes.
func wait(t *testing.T, b graph.Backend, h graph.Handle) graph.Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, err := b.Poll(context.Background(), h)
		if err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
		if status.State != graph.JobRunning {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("handle %s did not finish", h)
	return graph.Status{}
}

func valueNode(name string, fn graph.Func) graph.Node {
	return graph.NewFuncNode(name, name+"/v1", graph.Ports{
		In:  []graph.PortSpec{graph.Port("x").AsOptional()},
		Out: []graph.PortSpec{graph.Port("y")},
	}, fn)
}

func task(t *testing.T, n graph.Node, inputs graph.Values) graph.Task {
	return graph.Task{
		RunID:   "run-1",
		Name:    n.Name(),
		Node:    n,
		Inputs:  inputs,
		WorkDir: t.TempDir(),
	}
}

func double(_ context.Context, call graph.Call) (graph.Values, error) {
	return graph.Values{"y": call.Inputs.Float("x") * 2}, nil
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestInProcess(t *testing.T) {
	t.Run("runs task inside submit", func(t *testing.T) {
		b := backend.NewInProcess()
		h, err := b.Submit(context.Background(), task(t, valueNode("double", double), graph.Values{"x": 21}))
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		status := wait(t, b, h)
		if status.State != graph.JobSucceeded {
			t.Fatalf("state = %v, want succeeded (failure %v)", status.State, status.Failure)
		}
		if got := status.Outputs.Float("y"); got != 42 {
			t.Errorf("y = %v, want 42", got)
		}
	})

	t.Run("handle is forgotten after reporting", func(t *testing.T) {
		b := backend.NewInProcess()
		h, _ := b.Submit(context.Background(), task(t, valueNode("double", double), nil))
		wait(t, b, h)
		if _, err := b.Poll(context.Background(), h); !errors.Is(err, backend.ErrUnknownHandle) {
			t.Errorf("second Poll() error = %v, want ErrUnknownHandle", err)
		}
	})

	t.Run("classifies failures", func(t *testing.T) {
		b := backend.NewInProcess()
		boom := valueNode("boom", func(context.Context, graph.Call) (graph.Values, error) {
			return nil, errors.New("bad input")
		})
		h, _ := b.Submit(context.Background(), task(t, boom, nil))
		status := wait(t, b, h)
		if status.State != graph.JobFailed || status.Failure.Reason != graph.ReasonExecution {
			t.Fatalf("status = %+v, want execution failure", status)
		}
	})

	t.Run("enforces task timeout", func(t *testing.T) {
		b := backend.NewInProcess()
		slow := valueNode("slow", func(ctx context.Context, _ graph.Call) (graph.Values, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		tk := task(t, slow, nil)
		tk.Timeout = 20 * time.Millisecond
		h, _ := b.Submit(context.Background(), tk)
		status := wait(t, b, h)
		if status.State != graph.JobFailed || status.Failure.Reason != graph.ReasonTimeout {
			t.Fatalf("status = %+v, want timeout", status)
		}
	})
}

func TestPool(t *testing.T) {
	t.Run("bounds concurrency", func(t *testing.T) {
		const workers = 2
		p := backend.NewPool(backend.WithWorkers(workers))
		defer p.Close()

		var running, peak atomic.Int32
		n := valueNode("busy", func(context.Context, graph.Call) (graph.Values, error) {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return graph.Values{"y": 1}, nil
		})

		var handles []graph.Handle
		for range 6 {
			h, err := p.Submit(context.Background(), task(t, n, nil))
			if err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
			handles = append(handles, h)
		}
		for _, h := range handles {
			if status := wait(t, p, h); status.State != graph.JobSucceeded {
				t.Fatalf("state = %v, want succeeded", status.State)
			}
		}
		if got := peak.Load(); got > workers {
			t.Errorf("peak concurrency = %d, want <= %d", got, workers)
		}
	})

	t.Run("submit does not block", func(t *testing.T) {
		p := backend.NewPool(backend.WithWorkers(1))
		defer p.Close()

		release := make(chan struct{})
		blocker := valueNode("blocker", func(ctx context.Context, _ graph.Call) (graph.Values, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return graph.Values{"y": 1}, nil
		})

		done := make(chan struct{})
		go func() {
			defer close(done)
			for range 5 {
				if _, err := p.Submit(context.Background(), task(t, blocker, nil)); err != nil {
					t.Errorf("Submit() error = %v", err)
				}
			}
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Submit blocked while the worker was busy")
		}
		close(release)
	})

	t.Run("cancel removes queued task", func(t *testing.T) {
		p := backend.NewPool(backend.WithWorkers(1))
		defer p.Close()

		release := make(chan struct{})
		var ran atomic.Bool
		first := valueNode("first", func(context.Context, graph.Call) (graph.Values, error) {
			<-release
			return graph.Values{"y": 1}, nil
		})
		second := valueNode("second", func(context.Context, graph.Call) (graph.Values, error) {
			ran.Store(true)
			return graph.Values{"y": 2}, nil
		})

		h1, _ := p.Submit(context.Background(), task(t, first, nil))
		h2, _ := p.Submit(context.Background(), task(t, second, nil))
		if err := p.Cancel(context.Background(), h2); err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		close(release)

		if status := wait(t, p, h1); status.State != graph.JobSucceeded {
			t.Errorf("first state = %v, want succeeded", status.State)
		}
		status := wait(t, p, h2)
		if status.State != graph.JobFailed || status.Failure.Reason != graph.ReasonCancelled {
			t.Errorf("second status = %+v, want cancelled", status)
		}
		if ran.Load() {
			t.Error("cancelled task ran")
		}
	})

	t.Run("cancel stops running task", func(t *testing.T) {
		p := backend.NewPool()
		defer p.Close()

		started := make(chan struct{})
		n := valueNode("wait", func(ctx context.Context, _ graph.Call) (graph.Values, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		h, _ := p.Submit(context.Background(), task(t, n, nil))
		<-started
		if err := p.Cancel(context.Background(), h); err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		status := wait(t, p, h)
		if status.State != graph.JobFailed || status.Failure.Reason != graph.ReasonCancelled {
			t.Errorf("status = %+v, want cancelled", status)
		}
	})

	t.Run("submit after close", func(t *testing.T) {
		p := backend.NewPool()
		if err := p.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if _, err := p.Submit(context.Background(), task(t, valueNode("x", double), nil)); !errors.Is(err, backend.ErrClosed) {
			t.Errorf("Submit() error = %v, want ErrClosed", err)
		}
	})
}
