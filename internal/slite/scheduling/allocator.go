package scheduling

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/torrvision/slite/internal/common/schederrors"
	"github.com/torrvision/slite/internal/common/util"
	"github.com/torrvision/slite/internal/slite/api"
	"github.com/torrvision/slite/internal/slite/executor"
	"github.com/torrvision/slite/internal/slite/repository"
	"github.com/torrvision/slite/internal/slite/snapshot"
)

// Allocator greedily matches ranked pending jobs to nodes. It is a first-fit
// by priority, best-fit by node heuristic: allocations are node-local, and
// among qualifying nodes the one left with the fewest spare GPUs wins, so big
// jobs keep finding room. Cheap enough to re-run every cycle from scratch.
type Allocator struct {
	store         *snapshot.Store
	jobRepository repository.JobRepository
	executor      executor.Executor
	clock         util.Clock
}

func NewAllocator(
	store *snapshot.Store,
	jobRepository repository.JobRepository,
	executor executor.Executor,
	clock util.Clock,
) *Allocator {
	return &Allocator{
		store:         store,
		jobRepository: jobRepository,
		executor:      executor,
		clock:         clock,
	}
}

// Allocate walks rankedJobs in order and admits every job some node can hold.
// Jobs with no feasible node are returned as unmet and simply stay pending;
// per-job failures are collected into the returned error and never abort the
// pass for the other jobs.
func (a *Allocator) Allocate(
	ctx context.Context,
	rankedJobs []*api.JobRequest,
	snap *snapshot.Snapshot,
) ([]*api.Allocation, []*api.JobRequest, error) {
	allocated := []*api.Allocation{}
	unmet := []*api.JobRequest{}
	var result *multierror.Error

	current := snap
	for _, job := range rankedJobs {
		allocation, err := a.allocateJob(ctx, job, current)
		if err != nil {
			if _, capacity := err.(*schederrors.ErrCapacityUnavailable); !capacity {
				result = multierror.Append(result, err)
			}
			unmet = append(unmet, job)
			continue
		}
		if allocation == nil {
			// Job was no longer pending, somebody acknowledged it already.
			continue
		}
		allocated = append(allocated, allocation)
		// Later jobs in the pass must see the slots this one consumed.
		current = a.store.Query()
	}
	return allocated, unmet, result.ErrorOrNil()
}

// allocateJob runs the per-job admission pipeline: match, reserve, durably
// acknowledge, dispatch. On a reservation race it retries once against a
// refreshed snapshot, then gives up until the next cycle.
func (a *Allocator) allocateJob(
	ctx context.Context,
	job *api.JobRequest,
	snap *snapshot.Snapshot,
) (*api.Allocation, error) {
	allocation, err := a.reserveJob(job, snap)
	if err != nil {
		switch err.(type) {
		case *schederrors.ErrConflict, *schederrors.ErrStaleNode:
			log.Warnf("Reservation for job %s raced (%s), retrying against a fresh snapshot", job.Id, err)
			allocation, err = a.reserveJob(job, a.store.Query())
		}
		if err != nil {
			return nil, err
		}
	}

	acknowledged, err := a.jobRepository.Acknowledge(allocation)
	if err != nil {
		a.store.Release(allocation.JobId)
		return nil, &schederrors.ErrDurableWrite{Operation: "queue acknowledgment", Cause: err}
	}
	if !acknowledged {
		a.store.Release(allocation.JobId)
		return nil, nil
	}

	if err := a.executor.Start(ctx, allocation); err != nil {
		// The allocation is committed; the lifecycle monitor owns it from here
		// and will observe the dispatch failure through status polling.
		log.Warnf("Failed to dispatch job %s to node %s: %s", job.Id, allocation.NodeId, err)
	}
	return allocation, nil
}

func (a *Allocator) reserveJob(job *api.JobRequest, snap *snapshot.Snapshot) (*api.Allocation, error) {
	// Submission validates resource requests, but the queue is an external
	// store; a malformed job that slipped in must not take down the pass.
	if job.GpuCount < 1 || job.StorageBytes < 0 {
		return nil, errors.Errorf("job %s has a malformed resource request: %d GPUs, %d storage bytes",
			job.Id, job.GpuCount, job.StorageBytes)
	}

	node, volume := matchNode(job, snap)
	if node == nil {
		return nil, &schederrors.ErrCapacityUnavailable{JobId: job.Id}
	}

	allocation := &api.Allocation{
		JobId:        job.Id,
		User:         job.User,
		ScriptPath:   job.ScriptPath,
		NodeId:       node.NodeId,
		GpuIds:       node.FreeGpuIds()[:job.GpuCount],
		StorageBytes: job.StorageBytes,
		Started:      a.clock.Now(),
		TimeLimit:    job.TimeLimit,
		State:        api.AllocationRunning,
	}
	if volume != nil {
		allocation.Mountpoint = volume.Mountpoint
	}

	if err := a.store.Reserve(allocation); err != nil {
		return nil, err
	}
	return allocation, nil
}

// matchNode finds the best node for a job: enough free GPUs and, if storage is
// requested, a volume of the requested kind with enough space. Best fit by
// spare GPU count, ties broken by node id; volume best fit by spare bytes,
// ties broken by mountpoint. snap.Nodes is sorted by node id, so taking
// strictly better candidates keeps the comparison deterministic.
func matchNode(job *api.JobRequest, snap *snapshot.Snapshot) (*api.NodeReport, *api.StorageVolume) {
	var bestNode *api.NodeReport
	var bestVolume *api.StorageVolume
	bestSpare := 0

	for _, node := range snap.Nodes {
		spare := node.FreeGpuCount() - job.GpuCount
		if spare < 0 {
			continue
		}
		volume := matchVolume(job, node)
		if job.StorageBytes > 0 && volume == nil {
			continue
		}
		if bestNode == nil || spare < bestSpare {
			bestNode, bestVolume, bestSpare = node, volume, spare
		}
	}
	return bestNode, bestVolume
}

func matchVolume(job *api.JobRequest, node *api.NodeReport) *api.StorageVolume {
	if job.StorageBytes == 0 {
		return nil
	}
	var best *api.StorageVolume
	for i := range node.Volumes {
		volume := &node.Volumes[i]
		if volume.Kind != job.StorageKind || volume.FreeBytes < job.StorageBytes {
			continue
		}
		if best == nil || volume.FreeBytes < best.FreeBytes ||
			(volume.FreeBytes == best.FreeBytes && volume.Mountpoint < best.Mountpoint) {
			best = volume
		}
	}
	return best
}
