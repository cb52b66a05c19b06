package graph

import (
	"context"
	"time"
)

// Handle identifies a submitted task within the backend that accepted it.
type Handle string

// JobState is the coarse state a backend reports for a task.
type JobState int

const (
	JobRunning JobState = iota
	JobSucceeded
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is the result of polling a task.
type Status struct {
	State JobState
	// Outputs are set when State is JobSucceeded.
	Outputs Values
	// Failure is set when State is JobFailed.
	Failure *Failure
}

// Running reports a task that has not finished.
func Running() Status { return Status{State: JobRunning} }

// Succeeded reports a finished task and its outputs.
func Succeeded(outputs Values) Status { return Status{State: JobSucceeded, Outputs: outputs} }

// Failed reports a finished task that did not succeed.
func Failed(f *Failure) Status { return Status{State: JobFailed, Failure: f} }

// Task is everything a backend needs to execute one node.
type Task struct {
	RunID       string
	Name        string
	Node        Node
	Inputs      Values
	WorkDir     string
	Fingerprint string
	// Timeout bounds execution; zero means unlimited.
	Timeout time.Duration
}

// Call returns the argument for Node.Run.
func (t Task) Call() Call {
	return Call{RunID: t.RunID, Inputs: t.Inputs, WorkDir: t.WorkDir}
}

// Backend executes tasks on behalf of the Executor.
//
// The Executor drives a backend from a single goroutine: it submits ready
// tasks, polls in-flight handles, and cancels them when the run is
// cancelled. Backends own all concurrency and any retry policy. Submit and
// Poll must not block on the task itself: Submit enqueues and Poll reports
// the current state. The InProcess backend is the one deliberate exception.
//
// A Submit or Poll error is an infrastructure failure of the node; failures
// of the computation itself are reported through Status.
type Backend interface {
	Submit(ctx context.Context, task Task) (Handle, error)
	Poll(ctx context.Context, h Handle) (Status, error)
	// Cancel asks the backend to stop the task. Polling a cancelled handle
	// eventually reports JobFailed with ReasonCancelled.
	Cancel(ctx context.Context, h Handle) error
}
