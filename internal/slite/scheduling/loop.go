package scheduling

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/torrvision/slite/internal/common/util"
	"github.com/torrvision/slite/internal/slite/api"
	"github.com/torrvision/slite/internal/slite/configuration"
	"github.com/torrvision/slite/internal/slite/repository"
	"github.com/torrvision/slite/internal/slite/snapshot"
)

// Scheduler is the top level control loop. Each cycle recomputes the full
// desired state from the latest reports and the pending queue: level
// triggered, so a missed or failed cycle heals on the next one.
type Scheduler struct {
	config configuration.SchedulingConfig

	store                *snapshot.Store
	nodeRepository       repository.NodeRepository
	jobRepository        repository.JobRepository
	usageRepository      repository.UsageRepository
	allocationRepository repository.AllocationRepository
	allocator            *Allocator
	lifecycle            *LifecycleMonitor
	clock                util.Clock
}

func NewScheduler(
	config configuration.SchedulingConfig,
	store *snapshot.Store,
	nodeRepository repository.NodeRepository,
	jobRepository repository.JobRepository,
	usageRepository repository.UsageRepository,
	allocationRepository repository.AllocationRepository,
	allocator *Allocator,
	lifecycle *LifecycleMonitor,
	clock util.Clock,
) *Scheduler {
	return &Scheduler{
		config:               config,
		store:                store,
		nodeRepository:       nodeRepository,
		jobRepository:        jobRepository,
		usageRepository:      usageRepository,
		allocationRepository: allocationRepository,
		allocator:            allocator,
		lifecycle:            lifecycle,
		clock:                clock,
	}
}

// RunCycle executes one scheduling cycle: ingest fresh node reports, run the
// lifecycle pass, settle usage accounting, then rank and allocate pending
// jobs against one consistent snapshot. Every step tolerates failure of the
// previous one; errors are logged and the cycle carries on with what it has.
func (s *Scheduler) RunCycle(ctx context.Context) {
	reports, err := s.nodeRepository.GetNodeReports()
	if err != nil {
		log.Errorf("Failed to read node reports, proceeding with last known state: %s", err)
	}
	for _, report := range reports {
		s.store.Ingest(report)
	}

	if err := s.lifecycle.CheckAllocations(ctx); err != nil {
		log.Errorf("Lifecycle pass finished with errors: %s", err)
	}

	stats := s.settleUsage()

	jobs, err := s.jobRepository.PeekPending(s.config.MaxJobsPerCycle)
	if err != nil {
		log.Errorf("Failed to poll pending jobs: %s", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	ranked := Rank(jobs, stats)
	allocated, unmet, err := s.allocator.Allocate(ctx, ranked, s.store.Query())
	if err != nil {
		log.Errorf("Allocation pass finished with errors: %s", err)
	}
	if len(allocated) > 0 || len(unmet) > 0 {
		log.Infof("Cycle allocated %d jobs, %d remain pending", len(allocated), len(unmet))
	}
}

// settleUsage charges active allocations to their users and persists the
// decayed counters. On any failure ranking falls back to the last persisted
// stats, which only skews fairness, never correctness.
func (s *Scheduler) settleUsage() map[string]*api.UserStats {
	stats, err := s.usageRepository.GetUserStats()
	if err != nil {
		log.Errorf("Failed to read user stats: %s", err)
		return map[string]*api.UserStats{}
	}

	active, err := s.allocationRepository.GetActiveAllocations()
	if err != nil {
		log.Errorf("Failed to read active allocations for usage accounting: %s", err)
		return stats
	}

	updated := AccrueUsage(stats, active, s.clock.Now(), s.config.UsageHalfLife)
	if err := s.usageRepository.UpdateUserStats(updated); err != nil {
		log.Errorf("Failed to persist user stats: %s", err)
		return stats
	}
	return updated
}
