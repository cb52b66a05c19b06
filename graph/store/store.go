// Package store keeps a history of pipeline runs: the Report of every run
// and, per node, the fingerprint it ran under and the outputs it produced.
//
// Stores implement graph.Recorder, so they plug into an Executor with
// graph.WithRecorder. The fingerprint index answers "which runs produced
// this result?", which the cache alone cannot.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/pipeflow/graph"
)

// ErrNotFound is returned when a requested run ID does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("store is closed")

// Store is a run history.
type Store interface {
	graph.Recorder

	// LoadRun returns the report saved for runID, or ErrNotFound.
	LoadRun(ctx context.Context, runID string) (*graph.Report, error)

	// ListRuns returns summaries of the most recent runs, newest first.
	// A limit of zero or less returns every run.
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)

	// FindByFingerprint returns every recorded node execution with the given
	// fingerprint, newest run first.
	FindByFingerprint(ctx context.Context, fingerprint string) ([]NodeRecord, error)

	Close() error
}

// RunSummary describes one run without its node details.
type RunSummary struct {
	RunID      string          `json:"run_id"`
	Status     graph.RunStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Nodes      int             `json:"nodes"`
	Failed     int             `json:"failed"`
}

// NodeRecord is one node of one recorded run.
type NodeRecord struct {
	RunID      string           `json:"run_id"`
	FinishedAt time.Time        `json:"finished_at"`
	Node       graph.NodeReport `json:"node"`
}

func summarize(r *graph.Report) RunSummary {
	s := RunSummary{
		RunID:      r.RunID,
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Nodes:      len(r.Nodes),
	}
	for _, n := range r.Nodes {
		if n.State == graph.StateFailed {
			s.Failed++
		}
	}
	return s
}

func validateReport(r *graph.Report) error {
	if r == nil {
		return errors.New("report cannot be nil")
	}
	if r.RunID == "" {
		return errors.New("report has no run ID")
	}
	return nil
}

// nodeRow is the column form of a NodeReport shared by the SQL stores.
type nodeRow struct {
	name        string
	state       string
	fingerprint string
	workDir     string
	outputs     []byte
	failure     []byte
	durationNS  int64
}

func toRow(n graph.NodeReport) (nodeRow, error) {
	row := nodeRow{
		name:        n.Name,
		state:       string(n.State),
		fingerprint: n.Fingerprint,
		workDir:     n.WorkDir,
		durationNS:  int64(n.Duration),
	}
	var err error
	if row.outputs, err = json.Marshal(n.Outputs); err != nil {
		return nodeRow{}, fmt.Errorf("failed to marshal outputs of %s: %w", n.Name, err)
	}
	if n.Failure != nil {
		if row.failure, err = json.Marshal(n.Failure); err != nil {
			return nodeRow{}, fmt.Errorf("failed to marshal failure of %s: %w", n.Name, err)
		}
	}
	return row, nil
}

func (row nodeRow) report() (graph.NodeReport, error) {
	n := graph.NodeReport{
		Name:        row.name,
		State:       graph.NodeState(row.state),
		Fingerprint: row.fingerprint,
		WorkDir:     row.workDir,
		Duration:    time.Duration(row.durationNS),
	}
	if len(row.outputs) > 0 && string(row.outputs) != "null" {
		if err := json.Unmarshal(row.outputs, &n.Outputs); err != nil {
			return graph.NodeReport{}, fmt.Errorf("failed to unmarshal outputs of %s: %w", row.name, err)
		}
	}
	if len(row.failure) > 0 {
		n.Failure = &graph.Failure{}
		if err := json.Unmarshal(row.failure, n.Failure); err != nil {
			return graph.NodeReport{}, fmt.Errorf("failed to unmarshal failure of %s: %w", row.name, err)
		}
	}
	return n, nil
}

// Times are stored as Unix nanoseconds so both SQL dialects sort and
// compare them the same way.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
