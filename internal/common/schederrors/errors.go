// Package schederrors contains the error types shared between the scheduler
// components. Callers branch on these with errors.As/errors.Is to decide
// whether a failure is retryable within the cycle, deferrable to the next
// cycle, or diagnostic only. Errors of any other type are treated as
// deferrable.
package schederrors

import (
	"fmt"
	"time"
)

// ErrConflict indicates a reservation raced with another update: at least one
// targeted GPU slot was no longer free, or the volume no longer had the
// requested space. Recoverable; retry once against a refreshed snapshot, then
// defer the job to the next cycle.
type ErrConflict struct {
	NodeId string
	Reason string
}

func (err *ErrConflict) Error() string {
	return fmt.Sprintf("reservation conflict on node %s: %s", err.NodeId, err.Reason)
}

// ErrStaleNode indicates a node's most recent monitor report is older than the
// staleness threshold. The node is excluded from allocation but kept for
// diagnostics; never fatal.
type ErrStaleNode struct {
	NodeId     string
	ReportTime time.Time
	Threshold  time.Duration
}

func (err *ErrStaleNode) Error() string {
	return fmt.Sprintf("node %s is stale: last report %s exceeds threshold %s",
		err.NodeId, err.ReportTime.Format(time.RFC3339), err.Threshold)
}

// ErrCapacityUnavailable indicates no fresh node can currently satisfy a job's
// resource request. The job stays pending and is re-attempted next cycle.
type ErrCapacityUnavailable struct {
	JobId string
}

func (err *ErrCapacityUnavailable) Error() string {
	return fmt.Sprintf("no node with sufficient capacity for job %s", err.JobId)
}

// ErrTerminationFailure indicates the node agent could not be reached to kill
// an overdue job. The allocation stays overdue with its resources held, and
// the kill is retried every cycle until confirmed.
type ErrTerminationFailure struct {
	AllocationId string
	NodeId       string
	Cause        error
}

func (err *ErrTerminationFailure) Error() string {
	return fmt.Sprintf("failed to terminate allocation %s on node %s: %v",
		err.AllocationId, err.NodeId, err.Cause)
}

func (err *ErrTerminationFailure) Unwrap() error {
	return err.Cause
}

// ErrDurableWrite indicates a write to the external store (queue
// acknowledgment, allocation record) did not persist. The operation that
// depended on it must not proceed; the affected job is retried next cycle.
type ErrDurableWrite struct {
	Operation string
	Cause     error
}

func (err *ErrDurableWrite) Error() string {
	return fmt.Sprintf("durable write failed during %s: %v", err.Operation, err.Cause)
}

func (err *ErrDurableWrite) Unwrap() error {
	return err.Cause
}
