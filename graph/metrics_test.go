package graph_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dshills/pipeflow/graph"
	"github.com/dshills/pipeflow/graph/cache"
)

func TestPrometheusMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := graph.NewPrometheusMetrics(registry)

	build := func() *graph.Graph {
		g := graph.New()
		mustAdd(t, g, constNode("a", 2, nil), addNode("b", nil), failNode("bad", nil))
		mustConnect(t, g, "a", "out", "b", "a")
		return g
	}
	ex := newExecutor(t, nil, cache.NewMemStore(), graph.WithMetrics(metrics))

	report, err := ex.Run(t.Context(), "m1", build())
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != graph.StatusPartial {
		t.Fatalf("Status = %s, want partial", report.Status)
	}
	if _, err := ex.Run(t.Context(), "m2", build()); err != nil {
		t.Fatal(err)
	}

	counter := func(name string, labels ...string) float64 {
		t.Helper()
		families, err := registry.Gather()
		if err != nil {
			t.Fatal(err)
		}
		for _, mf := range families {
			if mf.GetName() != name {
				continue
			}
		metric:
			for _, m := range mf.GetMetric() {
				for i, lp := range m.GetLabel() {
					if i >= len(labels)/2 || lp.GetName() != labels[2*i] || lp.GetValue() != labels[2*i+1] {
						continue metric
					}
				}
				return m.GetCounter().GetValue()
			}
		}
		return 0
	}

	if got := counter("pipeflow_runs_total", "status", "partial"); got != 2 {
		t.Errorf("runs_total{partial} = %v, want 2", got)
	}
	if got := counter("pipeflow_node_failures_total", "reason", "execution"); got != 2 {
		t.Errorf("node_failures_total{execution} = %v, want 2", got)
	}
	if got := counter("pipeflow_cache_lookups_total", "result", "hit"); got != 2 {
		t.Errorf("cache_lookups_total{hit} = %v, want 2 (a and b on the second run)", got)
	}
	if got := counter("pipeflow_cache_lookups_total", "result", "miss"); got != 4 {
		t.Errorf("cache_lookups_total{miss} = %v, want 4", got)
	}
	if n := testutil.CollectAndCount(registry, "pipeflow_node_latency_ms"); n != 3 {
		t.Errorf("latency series = %d, want 3 (a, b, bad)", n)
	}
	if n := testutil.CollectAndCount(registry, "pipeflow_inflight_nodes"); n != 1 {
		t.Errorf("inflight gauge series = %d", n)
	}
}

func TestPrometheusMetricsDisable(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := graph.NewPrometheusMetrics(registry)

	metrics.Disable()
	metrics.IncrementRuns(graph.StatusSuccess)
	metrics.RecordNodeLatency("n", time.Second, graph.StateSucceeded)
	if n := testutil.CollectAndCount(registry, "pipeflow_runs_total"); n != 0 {
		t.Errorf("disabled metrics recorded %d run series", n)
	}

	metrics.Enable()
	metrics.IncrementRuns(graph.StatusSuccess)
	if n := testutil.CollectAndCount(registry, "pipeflow_runs_total"); n != 1 {
		t.Errorf("runs series = %d, want 1", n)
	}

	metrics.UpdateInflightNodes(3)
	metrics.Reset()
	if n := testutil.CollectAndCount(registry, "pipeflow_inflight_nodes"); n != 1 {
		t.Errorf("inflight series = %d", n)
	}

	var nilMetrics *graph.PrometheusMetrics
	nilMetrics.IncrementRuns(graph.StatusFailed)
}
