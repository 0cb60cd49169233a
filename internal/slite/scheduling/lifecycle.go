package scheduling

import (
	"context"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/torrvision/slite/internal/common/schederrors"
	"github.com/torrvision/slite/internal/common/util"
	"github.com/torrvision/slite/internal/slite/api"
	"github.com/torrvision/slite/internal/slite/executor"
	"github.com/torrvision/slite/internal/slite/repository"
	"github.com/torrvision/slite/internal/slite/snapshot"
)

// LifecycleMonitor drives each allocation through its state machine:
// running → completed (job finished on its own) or running → overdue →
// terminated (time limit reached, forced kill). Resources are only ever
// released after the terminal state has been durably recorded, and a forced
// kill is only considered done once the node agent confirms it; until then
// the allocation stays overdue with its resources held, retried every cycle.
type LifecycleMonitor struct {
	store                *snapshot.Store
	allocationRepository repository.AllocationRepository
	executor             executor.Executor
	clock                util.Clock
}

func NewLifecycleMonitor(
	store *snapshot.Store,
	allocationRepository repository.AllocationRepository,
	executor executor.Executor,
	clock util.Clock,
) *LifecycleMonitor {
	return &LifecycleMonitor{
		store:                store,
		allocationRepository: allocationRepository,
		executor:             executor,
		clock:                clock,
	}
}

// CheckAllocations runs one lifecycle pass over all active allocations.
// Failures are contained per allocation and aggregated into the returned
// error; one runaway job never stops the others from being checked.
func (m *LifecycleMonitor) CheckAllocations(ctx context.Context) error {
	active, err := m.allocationRepository.GetActiveAllocations()
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, allocation := range active {
		if err := m.checkAllocation(ctx, allocation); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m *LifecycleMonitor) checkAllocation(ctx context.Context, allocation *api.Allocation) error {
	status, err := m.executor.Status(ctx, allocation)
	if err != nil {
		log.Warnf("Could not get status of job %s from node %s: %s", allocation.JobId, allocation.NodeId, err)
		status = api.JobStatusUnknown
	}

	if status == api.JobStatusCompleted || status == api.JobStatusFailed {
		return m.finish(allocation, api.AllocationCompleted)
	}

	if allocation.State == api.AllocationRunning && allocation.ExceededLimit(m.clock.Now()) {
		log.Infof("Job %s exceeded its time limit of %s after %s, marking overdue",
			allocation.JobId, allocation.TimeLimit, allocation.Elapsed(m.clock.Now()))
		allocation.State = api.AllocationOverdue
		if err := m.allocationRepository.UpdateAllocation(allocation); err != nil {
			allocation.State = api.AllocationRunning
			return &schederrors.ErrDurableWrite{Operation: "overdue transition", Cause: err}
		}
	}

	if allocation.State == api.AllocationOverdue {
		if err := m.executor.Terminate(ctx, allocation); err != nil {
			// Never release without confirmation, the process may still hold
			// the GPUs. Stays overdue, retried next cycle.
			return &schederrors.ErrTerminationFailure{
				AllocationId: allocation.JobId,
				NodeId:       allocation.NodeId,
				Cause:        err,
			}
		}
		return m.finish(allocation, api.AllocationTerminated)
	}
	return nil
}

// finish durably records the terminal state, then releases the resources.
// If the write fails the allocation stays active and reserved; the transition
// is re-attempted next cycle, and releasing is idempotent either way.
func (m *LifecycleMonitor) finish(allocation *api.Allocation, state api.AllocationState) error {
	previous := allocation.State
	allocation.State = state
	if err := m.allocationRepository.UpdateAllocation(allocation); err != nil {
		allocation.State = previous
		return &schederrors.ErrDurableWrite{Operation: "allocation " + string(state), Cause: err}
	}
	m.store.Release(allocation.JobId)
	log.Infof("Job %s on node %s is %s, released %d GPUs",
		allocation.JobId, allocation.NodeId, state, len(allocation.GpuIds))
	return nil
}
