// Package executor contains the client for the node-side execution agents.
// The agent runs the job's script with the assigned GPU ids and storage mount;
// the scheduler only dispatches, terminates and polls.
package executor

import (
	"context"

	"github.com/torrvision/slite/internal/slite/api"
)

type Executor interface {
	// Start dispatches the allocation's script on its assigned node.
	Start(ctx context.Context, allocation *api.Allocation) error
	// Terminate requests a forced kill. A nil return means the agent confirmed
	// the job is stopped.
	Terminate(ctx context.Context, allocation *api.Allocation) error
	// Status reports the agent's view of the job. JobStatusUnknown is returned
	// when the agent cannot be reached.
	Status(ctx context.Context, allocation *api.Allocation) (api.JobStatus, error)
}
