package graph

import (
	"context"
	"sort"
	"time"
)

// RunStatus summarizes how a run ended.
type RunStatus string

const (
	// StatusSuccess: every node succeeded or was cached.
	StatusSuccess RunStatus = "success"
	// StatusPartial: some nodes failed, others completed.
	StatusPartial RunStatus = "partial"
	// StatusFailed: nodes failed and none completed.
	StatusFailed RunStatus = "failed"
	// StatusAborted: the run was cancelled or stopped on a fatal error.
	StatusAborted RunStatus = "aborted"
)

// NodeReport is the final state of one node.
type NodeReport struct {
	Name        string         `json:"name"`
	State       NodeState      `json:"state"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	// WorkDir is where the outputs live: the cache entry's artifact directory
	// for completed nodes, the execution directory for failed ones.
	WorkDir     string         `json:"work_dir,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Failure     *Failure       `json:"failure,omitempty"`
	Duration    time.Duration  `json:"duration,omitempty"`
}

// Report is the result of Executor.Run. It lists every node of the executed
// graph, including MapNode sub-nodes, in name order.
type Report struct {
	RunID      string       `json:"run_id"`
	Status     RunStatus    `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Error      string       `json:"error,omitempty"`
	Nodes      []NodeReport `json:"nodes"`
}

// Node returns the report for name.
func (r *Report) Node(name string) (NodeReport, bool) {
	i := sort.Search(len(r.Nodes), func(i int) bool { return r.Nodes[i].Name >= name })
	if i < len(r.Nodes) && r.Nodes[i].Name == name {
		return r.Nodes[i], true
	}
	return NodeReport{}, false
}

// Succeeded returns the names of nodes that succeeded or were cached.
func (r *Report) Succeeded() []string {
	var names []string
	for _, n := range r.Nodes {
		if n.State.Successful() {
			names = append(names, n.Name)
		}
	}
	return names
}

// Failed returns the failure of every failed node.
func (r *Report) Failed() map[string]*Failure {
	out := make(map[string]*Failure)
	for _, n := range r.Nodes {
		if n.State == StateFailed {
			out[n.Name] = n.Failure
		}
	}
	return out
}

// Counts returns the number of nodes in each state.
func (r *Report) Counts() map[NodeState]int {
	out := make(map[NodeState]int)
	for _, n := range r.Nodes {
		out[n.State]++
	}
	return out
}

// Duration returns the wall-clock time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Recorder persists finished reports.
type Recorder interface {
	SaveRun(ctx context.Context, report *Report) error
}

func summarize(nodes []NodeReport, runErr error) RunStatus {
	if runErr != nil {
		return StatusAborted
	}
	var ok, failed int
	for _, n := range nodes {
		switch {
		case n.State.Successful():
			ok++
		case n.State == StateFailed:
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusSuccess
	case ok > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}
