package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/dshills/pipeflow/graph"
	"github.com/dshills/pipeflow/graph/backend"
	"github.com/dshills/pipeflow/graph/cache"
	"github.com/dshills/pipeflow/graph/store"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleReport(runID string, offset time.Duration, fp string) *graph.Report {
	return &graph.Report{
		RunID:      runID,
		Status:     graph.StatusPartial,
		StartedAt:  base.Add(offset),
		FinishedAt: base.Add(offset + time.Minute),
		Nodes: []graph.NodeReport{
			{
				Name:        "bet",
				State:       graph.StateSucceeded,
				Fingerprint: fp,
				WorkDir:     "/cache/" + fp + "/artifacts",
				Outputs:     map[string]any{"out_file": "/cache/" + fp + "/artifacts/T1_brain.nii.gz", "voxels": 1024.0},
				Duration:    1500 * time.Millisecond,
			},
			{
				Name:    "fast",
				State:   graph.StateFailed,
				Failure: &graph.Failure{Reason: graph.ReasonTimeout, Message: "exceeded 1m"},
			},
			{
				Name:  "report",
				State: graph.StateFailed,
				Failure: &graph.Failure{
					Reason:  graph.ReasonUpstream,
					Message: "upstream node fast failed",
				},
			},
		},
	}
}

// stores returns every store to run the contract tests against.
func stores(t *testing.T) map[string]func(t *testing.T) store.Store {
	return map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store { return store.NewMemStore() },
		"sqlite": func(t *testing.T) store.Store {
			s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			return s
		},
		"mysql": func(t *testing.T) store.Store {
			dsn := os.Getenv("PIPEFLOW_MYSQL_DSN")
			if dsn == "" {
				t.Skip("PIPEFLOW_MYSQL_DSN not set")
			}
			s, err := store.NewMySQLStore(dsn)
			if err != nil {
				t.Fatalf("NewMySQLStore() error = %v", err)
			}
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s store.Store, prefix string)) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			// Shared databases keep rows between tests; unique IDs keep runs apart.
			fn(t, s, t.Name()+"-"+time.Now().Format("150405.000000000")+"-")
		})
	}
}

func TestSaveAndLoadRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store, prefix string) {
		ctx := context.Background()
		want := sampleReport(prefix+"run-1", 0, "fp-aaa")
		if err := s.SaveRun(ctx, want); err != nil {
			t.Fatalf("SaveRun() error = %v", err)
		}

		got, err := s.LoadRun(ctx, want.RunID)
		if err != nil {
			t.Fatalf("LoadRun() error = %v", err)
		}
		if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(graph.Failure{}, "Cause")); diff != "" {
			t.Errorf("report mismatch (-want +got):\n%s", diff)
		}

		if _, err := s.LoadRun(ctx, prefix+"missing"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("LoadRun(missing) error = %v, want ErrNotFound", err)
		}
	})
}

func TestSaveRunReplaces(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store, prefix string) {
		ctx := context.Background()
		r := sampleReport(prefix+"run", 0, "fp-old")
		if err := s.SaveRun(ctx, r); err != nil {
			t.Fatal(err)
		}

		r.Status = graph.StatusSuccess
		r.Nodes = r.Nodes[:1]
		r.Nodes[0].Fingerprint = "fp-new-" + prefix
		if err := s.SaveRun(ctx, r); err != nil {
			t.Fatal(err)
		}

		got, err := s.LoadRun(ctx, r.RunID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != graph.StatusSuccess || len(got.Nodes) != 1 {
			t.Errorf("got status %s with %d nodes, want success with 1", got.Status, len(got.Nodes))
		}
		recs, err := s.FindByFingerprint(ctx, "fp-old")
		if err != nil {
			t.Fatal(err)
		}
		for _, rec := range recs {
			if rec.RunID == r.RunID {
				t.Errorf("replaced run still indexed under its old fingerprint")
			}
		}
	})
}

func TestListRuns(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store, prefix string) {
		ctx := context.Background()
		// Far-future start times keep these runs at the head of a shared table.
		future := 100 * 365 * 24 * time.Hour
		for i, id := range []string{"a", "b", "c"} {
			r := sampleReport(prefix+id, future+time.Duration(i)*time.Hour, "fp")
			if err := s.SaveRun(ctx, r); err != nil {
				t.Fatal(err)
			}
		}

		got, err := s.ListRuns(ctx, 2)
		if err != nil {
			t.Fatalf("ListRuns() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("ListRuns(2) returned %d runs", len(got))
		}
		if got[0].RunID != prefix+"c" || got[1].RunID != prefix+"b" {
			t.Errorf("order = %s, %s; want newest first", got[0].RunID, got[1].RunID)
		}
		want := store.RunSummary{
			RunID:      prefix + "c",
			Status:     graph.StatusPartial,
			StartedAt:  base.Add(future + 2*time.Hour),
			FinishedAt: base.Add(future + 2*time.Hour + time.Minute),
			Nodes:      3,
			Failed:     2,
		}
		if diff := cmp.Diff(want, got[0]); diff != "" {
			t.Errorf("summary mismatch (-want +got):\n%s", diff)
		}

		all, err := s.ListRuns(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) < 3 {
			t.Errorf("ListRuns(0) returned %d runs, want at least 3", len(all))
		}
	})
}

func TestFindByFingerprint(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store, prefix string) {
		ctx := context.Background()
		fp := "fp-shared-" + prefix
		for i, id := range []string{"old", "new"} {
			if err := s.SaveRun(ctx, sampleReport(prefix+id, time.Duration(i)*time.Hour, fp)); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.SaveRun(ctx, sampleReport(prefix+"other", 0, "fp-other-"+prefix)); err != nil {
			t.Fatal(err)
		}

		recs, err := s.FindByFingerprint(ctx, fp)
		if err != nil {
			t.Fatalf("FindByFingerprint() error = %v", err)
		}
		if len(recs) != 2 {
			t.Fatalf("found %d records, want 2", len(recs))
		}
		if recs[0].RunID != prefix+"new" || recs[1].RunID != prefix+"old" {
			t.Errorf("order = %s, %s; want newest run first", recs[0].RunID, recs[1].RunID)
		}
		if recs[0].Node.Name != "bet" || recs[0].Node.Outputs["voxels"] != 1024.0 {
			t.Errorf("record = %+v", recs[0].Node)
		}

		none, err := s.FindByFingerprint(ctx, "fp-unknown-"+prefix)
		if err != nil || len(none) != 0 {
			t.Errorf("unknown fingerprint: %v, %v", none, err)
		}
	})
}

func TestClosedStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store, prefix string) {
		if err := s.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		ctx := context.Background()
		if err := s.SaveRun(ctx, sampleReport(prefix+"x", 0, "fp")); !errors.Is(err, store.ErrClosed) {
			t.Errorf("SaveRun() after Close error = %v", err)
		}
		if _, err := s.LoadRun(ctx, "x"); !errors.Is(err, store.ErrClosed) {
			t.Errorf("LoadRun() after Close error = %v", err)
		}
	})
}

func TestSaveRunValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store, _ string) {
		if err := s.SaveRun(context.Background(), nil); err == nil {
			t.Error("SaveRun(nil) succeeded")
		}
		if err := s.SaveRun(context.Background(), &graph.Report{}); err == nil {
			t.Error("SaveRun() without run ID succeeded")
		}
	})
}

func TestMemStoreIsolation(t *testing.T) {
	s := store.NewMemStore()
	r := sampleReport("run", 0, "fp")
	if err := s.SaveRun(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	r.Nodes[0].Outputs["voxels"] = 1.0

	got, _ := s.LoadRun(context.Background(), "run")
	if got.Nodes[0].Outputs["voxels"] != 1024.0 {
		t.Error("caller mutation reached the stored report")
	}
	got.Nodes[0].Name = "changed"
	again, _ := s.LoadRun(context.Background(), "run")
	if again.Nodes[0].Name != "bet" {
		t.Error("mutating a loaded report changed the store")
	}
}

func TestExecutorRecordsRuns(t *testing.T) {
	history, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer history.Close()

	double := graph.NewFuncNode("double", "double/v1", graph.Ports{
		In:  []graph.PortSpec{graph.Port("x")},
		Out: []graph.PortSpec{graph.Port("y")},
	}, func(_ context.Context, call graph.Call) (graph.Values, error) {
		return graph.Values{"y": call.Inputs.Float("x") * 2}, nil
	})
	g := graph.New()
	if err := g.AddNode(double); err != nil {
		t.Fatal(err)
	}
	if err := g.SetInput("double", "x", 21); err != nil {
		t.Fatal(err)
	}

	ex, err := graph.NewExecutor(backend.NewInProcess(), cache.NewMemStore(),
		graph.WithWorkDir(t.TempDir()),
		graph.WithPollInterval(time.Millisecond),
		graph.WithRecorder(history))
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"first", "second"} {
		if _, err := ex.Run(context.Background(), id, g); err != nil {
			t.Fatalf("Run(%s) error = %v", id, err)
		}
	}

	second, err := history.LoadRun(context.Background(), "second")
	if err != nil {
		t.Fatalf("LoadRun() error = %v", err)
	}
	node := second.Nodes[0]
	if node.State != graph.StateCached || node.Outputs["y"] != 42.0 {
		t.Errorf("recorded node = %+v", node)
	}

	recs, err := history.FindByFingerprint(context.Background(), node.Fingerprint)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Errorf("fingerprint recorded in %d runs, want 2", len(recs))
	}
}
