package graph_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/pipeflow/graph"
	"github.com/dshills/pipeflow/graph/backend"
	"github.com/dshills/pipeflow/graph/cache"
)

// calls counts executions per node name.
type calls struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *calls) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = make(map[string]int)
	}
	c.n[name]++
}

func (c *calls) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[name]
}

// constNode outputs value on "out".
func constNode(name string, value any, c *calls) graph.Node {
	return graph.NewFuncNode(name, "const/v1", graph.Ports{
		In:  []graph.PortSpec{graph.Port("value").WithDefault(value)},
		Out: []graph.PortSpec{graph.Port("out")},
	}, func(_ context.Context, call graph.Call) (graph.Values, error) {
		if c != nil {
			c.inc(name)
		}
		return graph.Values{"out": call.Inputs["value"]}, nil
	})
}

// addNode sums inputs a and b into "sum".
func addNode(name string, c *calls) graph.Node {
	return graph.NewFuncNode(name, "add/v1", graph.Ports{
		In:  []graph.PortSpec{graph.Port("a"), graph.Port("b").WithDefault(0)},
		Out: []graph.PortSpec{graph.Port("sum")},
	}, func(_ context.Context, call graph.Call) (graph.Values, error) {
		if c != nil {
			c.inc(name)
		}
		return graph.Values{"sum": call.Inputs.Float("a") + call.Inputs.Float("b")}, nil
	})
}

// failNode always fails with an execution error.
func failNode(name string, c *calls) graph.Node {
	return graph.NewFuncNode(name, "fail/v1", graph.Ports{
		In:  []graph.PortSpec{graph.Port("a").AsOptional()},
		Out: []graph.PortSpec{graph.Port("sum")},
	}, func(context.Context, graph.Call) (graph.Values, error) {
		if c != nil {
			c.inc(name)
		}
		return nil, errors.New("deliberate failure")
	})
}

func mustAdd(t *testing.T, g *graph.Graph, nodes ...graph.Node) {
	t.Helper()
	for _, n := range nodes {
		if err := g.AddNode(n); err != nil {
			t.Fatalf("AddNode(%s) error = %v", n.Name(), err)
		}
	}
}

func mustConnect(t *testing.T, g *graph.Graph, from, output, to, input string) {
	t.Helper()
	if err := g.Connect(from, output, to, input); err != nil {
		t.Fatalf("Connect(%s.%s -> %s.%s) error = %v", from, output, to, input, err)
	}
}

func mustSet(t *testing.T, g *graph.Graph, node, input string, v any) {
	t.Helper()
	if err := g.SetInput(node, input, v); err != nil {
		t.Fatalf("SetInput(%s.%s) error = %v", node, input, err)
	}
}

func newExecutor(t *testing.T, b graph.Backend, store cache.Store, opts ...graph.Option) *graph.Executor {
	t.Helper()
	if b == nil {
		b = backend.NewInProcess()
	}
	if store == nil {
		store = cache.NewMemStore()
	}
	base := []graph.Option{
		graph.WithWorkDir(t.TempDir()),
		graph.WithPollInterval(time.Millisecond),
	}
	ex, err := graph.NewExecutor(b, store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	return ex
}

func nodeState(t *testing.T, r *graph.Report, name string) graph.NodeState {
	t.Helper()
	n, ok := r.Node(name)
	if !ok {
		t.Fatalf("report has no node %q", name)
	}
	return n.State
}

func failureReason(t *testing.T, r *graph.Report, name string) graph.Reason {
	t.Helper()
	n, ok := r.Node(name)
	if !ok {
		t.Fatalf("report has no node %q", name)
	}
	if n.Failure == nil {
		t.Fatalf("node %q has no failure (state %s)", name, n.State)
	}
	return n.Failure.Reason
}

// countingBackend records submissions to an InProcess backend.
type countingBackend struct {
	inner   graph.Backend
	submits atomic.Int32
	cancels atomic.Int32
}

func newCountingBackend(inner graph.Backend) *countingBackend {
	if inner == nil {
		inner = backend.NewInProcess()
	}
	return &countingBackend{inner: inner}
}

func (b *countingBackend) Submit(ctx context.Context, task graph.Task) (graph.Handle, error) {
	b.submits.Add(1)
	return b.inner.Submit(ctx, task)
}

func (b *countingBackend) Poll(ctx context.Context, h graph.Handle) (graph.Status, error) {
	return b.inner.Poll(ctx, h)
}

func (b *countingBackend) Cancel(ctx context.Context, h graph.Handle) error {
	b.cancels.Add(1)
	return b.inner.Cancel(ctx, h)
}
