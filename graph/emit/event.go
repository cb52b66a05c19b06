package emit

import "time"

// Event messages emitted by the Executor.
const (
	MsgRunStarted    = "run_started"
	MsgRunFinished   = "run_finished"
	MsgNodeReady     = "node_ready"
	MsgNodeCached    = "node_cached"
	MsgNodeSubmitted = "node_submitted"
	MsgNodeSucceeded = "node_succeeded"
	MsgNodeFailed    = "node_failed"
	MsgMapExpanded   = "map_expanded"
)

// Event is one observable step of a run: a node changing state, a MapNode
// being expanded, or the run starting and finishing.
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string

	// NodeID is the qualified node name. Empty for run-level events.
	NodeID string

	// Depth is the node's topological layer (0 for source nodes).
	Depth int

	// Msg is one of the Msg* constants.
	Msg string

	// Time is when the Executor observed the change.
	Time time.Time

	// Meta holds event-specific data. Common keys:
	//   - "fingerprint": the node's fingerprint
	//   - "work_dir": the node's working directory
	//   - "reason", "error": failure reason and message
	//   - "duration_ms": execution time in milliseconds
	//   - "status": the final run status
	Meta map[string]interface{}
}
