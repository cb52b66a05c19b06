package graph

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// Execute runs task.Node in the calling goroutine and converts the outcome
// into a Status. Backends that run nodes in-process share it.
//
// When task.Timeout is positive the node runs under a deadline and a node
// that overruns fails with ReasonTimeout, whatever it returned. A panic in
// the node becomes an execution failure. Cancellation of ctx becomes
// ReasonCancelled.
func Execute(ctx context.Context, task Task) (status Status) {
	defer func() {
		if r := recover(); r != nil {
			status = Failed(&Failure{
				Reason:  ReasonExecution,
				Message: fmt.Sprintf("node %s panicked: %v\n%s", task.Name, r, debug.Stack()),
			})
		}
	}()

	if task.Node == nil {
		return Failed(&Failure{Reason: ReasonInfrastructure, Message: "task has no node"})
	}

	runCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	outputs, err := task.Node.Run(runCtx, task.Call())

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return Failed(&Failure{
			Reason:  ReasonTimeout,
			Message: fmt.Sprintf("node %s exceeded timeout of %v", task.Name, task.Timeout),
			Cause:   err,
		})
	}
	if err != nil {
		if ctx.Err() != nil {
			return Failed(NewFailure(ReasonCancelled, err))
		}
		return Failed(ClassifyError(err))
	}
	if outputs == nil {
		outputs = Values{}
	}
	return Succeeded(outputs)
}
