package graph_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/pipeflow/graph"
	"github.com/dshills/pipeflow/graph/backend"
)

// labelNode formats its inputs as "<x>-<y>".
func labelNode(name string, c *calls) graph.Node {
	return graph.NewFuncNode(name, "label/v1", graph.Ports{
		In:  []graph.PortSpec{graph.Port("x"), graph.Port("y").WithDefault("_")},
		Out: []graph.PortSpec{graph.Port("label")},
	}, func(_ context.Context, call graph.Call) (graph.Values, error) {
		if c != nil {
			c.inc(name)
		}
		return graph.Values{"label": fmt.Sprintf("%v-%v", call.Inputs["x"], call.Inputs["y"])}, nil
	})
}

func mapNode(t *testing.T, inner graph.Node, iterate []string, nested bool) *graph.MapNode {
	t.Helper()
	m, err := graph.NewMapNode(inner, iterate, nested)
	if err != nil {
		t.Fatalf("NewMapNode() error = %v", err)
	}
	return m
}

func TestNewMapNode(t *testing.T) {
	inner := labelNode("label", nil)

	if _, err := graph.NewMapNode(inner, nil, false); err == nil {
		t.Error("accepted empty iterate list")
	}
	if _, err := graph.NewMapNode(inner, []string{"missing"}, false); !errors.Is(err, graph.ErrUnknownPort) {
		t.Errorf("unknown iterated input: error = %v, want ErrUnknownPort", err)
	}
	if _, err := graph.NewMapNode(inner, []string{"x", "x"}, false); err == nil {
		t.Error("accepted duplicate iterated input")
	}
	m := mapNode(t, inner, []string{"x"}, false)
	if _, err := graph.NewMapNode(m, []string{"x"}, false); err == nil {
		t.Error("accepted a map node as inner node")
	}
}

func TestMapNodeExpand(t *testing.T) {
	g := graph.New()
	mustAdd(t, g, mapNode(t, labelNode("label", nil), []string{"x"}, false))
	mustSet(t, g, "label", "x", []any{"a", "b", "c"})
	mustSet(t, g, "label", "y", "k")

	if err := g.Expand(); err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	want := []string{"label", "label[0]", "label[1]", "label[2]"}
	if diff := cmp.Diff(want, g.Nodes()); diff != "" {
		t.Errorf("Nodes() mismatch (-want +got):\n%s", diff)
	}
	for i, x := range []string{"a", "b", "c"} {
		name := fmt.Sprintf("label[%d]", i)
		if v, _ := g.Literal(name, "x"); v != x {
			t.Errorf("%s.x = %v, want %s", name, v, x)
		}
		if v, _ := g.Literal(name, "y"); v != "k" {
			t.Errorf("%s.y = %v, want k (copied verbatim)", name, v)
		}
	}
	if diff := cmp.Diff([]string{"label[0]", "label[1]", "label[2]"}, g.Upstream("label")); diff != "" {
		t.Errorf("gather upstream mismatch (-want +got):\n%s", diff)
	}
}

func TestMapNodeRun(t *testing.T) {
	tests := []struct {
		name    string
		iterate []string
		nested  bool
		x, y    any
		want    []any
	}{
		{
			name:    "zip",
			iterate: []string{"x", "y"},
			x:       []any{1, 2, 3},
			y:       []any{"a", "b", "c"},
			want:    []any{"1-a", "2-b", "3-c"},
		},
		{
			name:    "nested is row-major",
			iterate: []string{"x", "y"},
			nested:  true,
			x:       []any{1, 2},
			y:       []any{"a", "b", "c"},
			want:    []any{"1-a", "1-b", "1-c", "2-a", "2-b", "2-c"},
		},
		{
			name:    "single input keeps order",
			iterate: []string{"x"},
			x:       []any{"z", "y", "x", "w", "v", "u", "t", "s", "r", "q", "p"},
			y:       "_",
			want:    []any{"z-_", "y-_", "x-_", "w-_", "v-_", "u-_", "t-_", "s-_", "r-_", "q-_", "p-_"},
		},
		{
			name:    "empty list",
			iterate: []string{"x"},
			x:       []any{},
			y:       "_",
			want:    []any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := graph.New()
			mustAdd(t, g, mapNode(t, labelNode("label", nil), tt.iterate, tt.nested))
			mustSet(t, g, "label", "x", tt.x)
			mustSet(t, g, "label", "y", tt.y)

			report, err := newExecutor(t, nil, nil, graph.WithMaxConcurrent(3)).Run(t.Context(), "map", g)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if report.Status != graph.StatusSuccess {
				t.Fatalf("Status = %s, failures %v", report.Status, report.Failed())
			}
			gather, _ := report.Node("label")
			if diff := cmp.Diff(tt.want, gather.Outputs["label"]); diff != "" {
				t.Errorf("gathered labels mismatch (-want +got):\n%s", diff)
			}
			if got := len(report.Nodes); got != len(tt.want)+1 {
				t.Errorf("report has %d nodes, want %d sub-nodes plus gather", got, len(tt.want))
			}
		})
	}
}

func TestMapNodeGatherOrderOnPool(t *testing.T) {
	var (
		mu       sync.Mutex
		finished []int
	)
	// Later elements sleep less, so they finish first.
	slow := graph.NewFuncNode("f", "f/v1", graph.Ports{
		In:  []graph.PortSpec{graph.Port("x")},
		Out: []graph.PortSpec{graph.Port("y")},
	}, func(ctx context.Context, call graph.Call) (graph.Values, error) {
		i := call.Inputs.Int("x")
		select {
		case <-time.After(time.Duration(5-i) * 30 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		mu.Lock()
		finished = append(finished, i)
		mu.Unlock()
		return graph.Values{"y": fmt.Sprintf("f(%d)", i)}, nil
	})

	g := graph.New()
	mustAdd(t, g, mapNode(t, slow, []string{"x"}, false))
	mustSet(t, g, "f", "x", []any{1, 2, 3, 4})

	pool := backend.NewPool(backend.WithWorkers(4))
	defer pool.Close()
	report, err := newExecutor(t, pool, nil, graph.WithMaxConcurrent(4)).Run(t.Context(), "pool-map", g)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Status != graph.StatusSuccess {
		t.Fatalf("Status = %s, failures %v", report.Status, report.Failed())
	}

	mu.Lock()
	order := append([]int(nil), finished...)
	mu.Unlock()
	if diff := cmp.Diff([]int{4, 3, 2, 1}, order); diff != "" {
		t.Errorf("completion order mismatch (-want +got):\n%s", diff)
	}
	gather, _ := report.Node("f")
	if diff := cmp.Diff([]any{"f(1)", "f(2)", "f(3)", "f(4)"}, gather.Outputs["y"]); diff != "" {
		t.Errorf("gathered outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestMapNodeZipLengthMismatch(t *testing.T) {
	g := graph.New()
	mustAdd(t, g, mapNode(t, labelNode("label", nil), []string{"x", "y"}, false))
	mustSet(t, g, "label", "x", []any{1, 2})
	mustSet(t, g, "label", "y", []any{"a"})

	_, err := newExecutor(t, nil, nil).Run(t.Context(), "mismatch", g)
	var execErr *graph.ExecutorError
	if !errors.As(err, &execErr) || execErr.Code != "MAP_INPUT" {
		t.Fatalf("Run() error = %v, want MAP_INPUT", err)
	}
}

func TestMapNodeDynamic(t *testing.T) {
	var c calls
	list := graph.NewFuncNode("list", "list/v1", graph.Ports{
		Out: []graph.PortSpec{graph.Port("items")},
	}, func(context.Context, graph.Call) (graph.Values, error) {
		c.inc("list")
		return graph.Values{"items": []string{"p", "q"}}, nil
	})
	join := graph.NewFuncNode("join", "join/v1", graph.Ports{
		In:  []graph.PortSpec{graph.Port("labels")},
		Out: []graph.PortSpec{graph.Port("n")},
	}, func(_ context.Context, call graph.Call) (graph.Values, error) {
		return graph.Values{"n": len(call.Inputs.Strings("labels"))}, nil
	})

	g := graph.New()
	mustAdd(t, g, list, mapNode(t, labelNode("label", &c), []string{"x"}, false), join)
	mustConnect(t, g, "list", "items", "label", "x")
	mustConnect(t, g, "label", "label", "join", "labels")

	ex := newExecutor(t, nil, nil)
	report, err := ex.Run(t.Context(), "dyn", g)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Status != graph.StatusSuccess {
		t.Fatalf("Status = %s, failures %v", report.Status, report.Failed())
	}

	gather, _ := report.Node("label")
	if diff := cmp.Diff([]any{"p-_", "q-_"}, gather.Outputs["label"]); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	j, _ := report.Node("join")
	if j.Outputs["n"] != 2.0 {
		t.Errorf("join.n = %v, want 2", j.Outputs["n"])
	}
	for _, name := range []string{"label[0]", "label[1]"} {
		if got := nodeState(t, report, name); got != graph.StateSucceeded {
			t.Errorf("%s = %s, want succeeded", name, got)
		}
	}

	// The original graph is untouched and a second run is served from cache.
	if _, ok := g.Node("label[0]"); ok {
		t.Error("Run expanded the caller's graph")
	}
	report, err = ex.Run(t.Context(), "dyn2", g)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if got := report.Counts()[graph.StateCached]; got != 5 {
		t.Errorf("cached nodes = %d, want 5", got)
	}
	if c.get("label") != 2 {
		t.Errorf("inner node ran %d times, want 2", c.get("label"))
	}
}

func TestMapNodeSubNodeFailure(t *testing.T) {
	inner := graph.NewFuncNode("check", "check/v1", graph.Ports{
		In:  []graph.PortSpec{graph.Port("x")},
		Out: []graph.PortSpec{graph.Port("ok")},
	}, func(_ context.Context, call graph.Call) (graph.Values, error) {
		if call.Inputs.Int("x") == 2 {
			return nil, errors.New("two is not allowed")
		}
		return graph.Values{"ok": true}, nil
	})

	g := graph.New()
	mustAdd(t, g, mapNode(t, inner, []string{"x"}, false))
	mustSet(t, g, "check", "x", []any{1, 2, 3})

	report, err := newExecutor(t, nil, nil).Run(t.Context(), "subfail", g)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Status != graph.StatusPartial {
		t.Errorf("Status = %s, want partial", report.Status)
	}
	if got := failureReason(t, report, "check[1]"); got != graph.ReasonExecution {
		t.Errorf("check[1] reason = %s, want execution", got)
	}
	if got := failureReason(t, report, "check"); got != graph.ReasonUpstream {
		t.Errorf("gather reason = %s, want upstream_failure", got)
	}
	for _, name := range []string{"check[0]", "check[2]"} {
		if got := nodeState(t, report, name); got != graph.StateSucceeded {
			t.Errorf("%s = %s, want succeeded", name, got)
		}
	}
}

func TestMapNodeRerunMatchesSubNodes(t *testing.T) {
	var c calls
	build := func() *graph.Graph {
		g := graph.New()
		mustAdd(t, g, mapNode(t, labelNode("label", &c), []string{"x"}, false))
		mustSet(t, g, "label", "x", []any{1, 2})
		return g
	}
	ex := newExecutor(t, nil, nil)
	if _, err := ex.Run(t.Context(), "first", build()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := ex.Run(t.Context(), "rerun", build(), graph.Rerun("label")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := c.get("label"); got != 4 {
		t.Errorf("inner runs = %d, want 4", got)
	}
}
