package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is. Each typed error below matches exactly one.
var (
	ErrDuplicateNode   = errors.New("duplicate node")
	ErrUnknownNode     = errors.New("unknown node")
	ErrUnknownPort     = errors.New("unknown port")
	ErrPortConflict    = errors.New("port conflict")
	ErrCyclicGraph     = errors.New("cyclic graph")
	ErrUnresolvedInput = errors.New("unresolved input")
	ErrInvalidName     = errors.New("invalid node name")
)

// ExecutorError reports a misconfigured Executor or an internal fault.
type ExecutorError struct {
	Message string
	Code    string
}

func (e *ExecutorError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// DuplicateNodeError is returned by AddNode when the name is taken.
type DuplicateNodeError struct {
	Name string
}

func (e *DuplicateNodeError) Error() string        { return "duplicate node name: " + e.Name }
func (e *DuplicateNodeError) Is(target error) bool { return target == ErrDuplicateNode }

// InvalidNameError is returned for names the engine reserves syntax in.
type InvalidNameError struct {
	Name   string
	Reason string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid node name %q: %s", e.Name, e.Reason)
}
func (e *InvalidNameError) Is(target error) bool { return target == ErrInvalidName }

// UnknownNodeError is returned when an operation names a node that is not in
// the graph.
type UnknownNodeError struct {
	Name string
}

func (e *UnknownNodeError) Error() string        { return "unknown node: " + e.Name }
func (e *UnknownNodeError) Is(target error) bool { return target == ErrUnknownNode }

// PortDirection distinguishes inputs from outputs in port errors.
type PortDirection string

const (
	DirInput  PortDirection = "input"
	DirOutput PortDirection = "output"
)

// UnknownPortError is returned when a port is not declared by its node.
type UnknownPortError struct {
	Node      string
	Port      string
	Direction PortDirection
}

func (e *UnknownPortError) Error() string {
	return fmt.Sprintf("node %s has no %s %q", e.Node, e.Direction, e.Port)
}
func (e *UnknownPortError) Is(target error) bool { return target == ErrUnknownPort }

// PortConflictError is returned when an input slot is bound twice.
type PortConflictError struct {
	Node  string
	Input string
	// Existing describes the binding already in place.
	Existing string
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("input %s.%s is already bound to %s", e.Node, e.Input, e.Existing)
}
func (e *PortConflictError) Is(target error) bool { return target == ErrPortConflict }

// CyclicGraphError names one cycle. Cycle starts and ends with the same node.
type CyclicGraphError struct {
	Cycle []string
}

func (e *CyclicGraphError) Error() string {
	return "graph contains a cycle: " + strings.Join(e.Cycle, " -> ")
}
func (e *CyclicGraphError) Is(target error) bool { return target == ErrCyclicGraph }

// UnresolvedInputError reports a required input with no literal, edge, or
// default. It is fatal for a run.
type UnresolvedInputError struct {
	Node  string
	Input string
}

func (e *UnresolvedInputError) Error() string {
	return fmt.Sprintf("required input %s.%s is not set", e.Node, e.Input)
}
func (e *UnresolvedInputError) Is(target error) bool { return target == ErrUnresolvedInput }

// Reason classifies why a node failed.
type Reason string

const (
	// ReasonExecution: the computation itself reported failure.
	ReasonExecution Reason = "execution"
	// ReasonTimeout: the computation exceeded its time limit.
	ReasonTimeout Reason = "timeout"
	// ReasonInfrastructure: submission, polling, or result storage failed.
	ReasonInfrastructure Reason = "infrastructure"
	// ReasonUpstream: a node this one depends on failed.
	ReasonUpstream Reason = "upstream_failure"
	// ReasonCancelled: the run was cancelled.
	ReasonCancelled Reason = "cancelled"
	// ReasonCacheInconsistency: the fingerprint already maps to other outputs.
	ReasonCacheInconsistency Reason = "cache_inconsistency"
	// ReasonAborted: the run stopped on a fatal error before this node ran.
	ReasonAborted Reason = "aborted"
)

// Failure describes why a node did not succeed. It is returned by backends
// in Status and recorded in the Report.
type Failure struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
	// Cause is the underlying error, when there is one. It is not persisted.
	Cause error `json:"-"`
}

func (f *Failure) Error() string {
	return string(f.Reason) + ": " + f.Message
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// NewFailure builds a Failure from an error.
func NewFailure(reason Reason, err error) *Failure {
	if err == nil {
		return &Failure{Reason: reason, Message: string(reason)}
	}
	return &Failure{Reason: reason, Message: err.Error(), Cause: err}
}

// ClassifyError turns an error returned by a node or backend into a Failure.
// An existing *Failure is returned unchanged; context deadlines become
// timeouts and cancellations become cancelled; everything else is an
// execution failure.
func ClassifyError(err error) *Failure {
	var f *Failure
	switch {
	case err == nil:
		return nil
	case errors.As(err, &f):
		return f
	case errors.Is(err, context.DeadlineExceeded):
		return NewFailure(ReasonTimeout, err)
	case errors.Is(err, context.Canceled):
		return NewFailure(ReasonCancelled, err)
	default:
		return NewFailure(ReasonExecution, err)
	}
}
