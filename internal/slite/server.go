package slite

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/torrvision/slite/internal/common/task"
	"github.com/torrvision/slite/internal/common/util"
	"github.com/torrvision/slite/internal/slite/configuration"
	"github.com/torrvision/slite/internal/slite/executor"
	"github.com/torrvision/slite/internal/slite/metrics"
	"github.com/torrvision/slite/internal/slite/repository"
	"github.com/torrvision/slite/internal/slite/scheduling"
	"github.com/torrvision/slite/internal/slite/snapshot"
)

// Serve wires up the scheduler against Redis and starts the scheduling loop.
// The returned function stops the loop, letting the in-flight cycle finish.
// Connectivity failures at startup are the only fatal ones; everything after
// that is retried cycle by cycle.
func Serve(config *configuration.SchedulerConfig) (shutdown func(), err error) {
	db := redis.NewUniversalClient(&config.Redis)
	err = retry.Do(
		func() error { return db.Ping().Err() },
		retry.Attempts(5),
		retry.Delay(time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to redis")
	}

	clock := util.RealClock{}
	jobRepository := repository.NewRedisJobRepository(db)
	nodeRepository := repository.NewRedisNodeRepository(db)
	usageRepository := repository.NewRedisUsageRepository(db)
	allocationRepository := repository.NewRedisAllocationRepository(db)

	store := snapshot.NewStore(config.Scheduling.StalenessThreshold, clock)

	// A restart resumes from durable state: committed allocations become
	// reservations again before the first cycle runs.
	active, err := allocationRepository.GetActiveAllocations()
	if err != nil {
		return nil, errors.Wrap(err, "could not load active allocations")
	}
	store.Restore(active)
	log.Infof("Restored %d active allocations", len(active))

	nodeExecutor := executor.NewHttpExecutor(config.Executor)
	allocator := scheduling.NewAllocator(store, jobRepository, nodeExecutor, clock)
	lifecycle := scheduling.NewLifecycleMonitor(store, allocationRepository, nodeExecutor, clock)
	scheduler := scheduling.NewScheduler(
		config.Scheduling,
		store,
		nodeRepository,
		jobRepository,
		usageRepository,
		allocationRepository,
		allocator,
		lifecycle,
		clock,
	)

	metrics.ExposeDataMetrics(store, jobRepository, usageRepository, allocationRepository)

	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix)
	taskManager.Register(
		func() { scheduler.RunCycle(context.Background()) },
		config.Scheduling.CycleInterval,
		"scheduling_cycle",
	)

	return func() {
		if timedOut := taskManager.StopAll(config.Scheduling.ShutdownTimeout); timedOut {
			log.Warn("Graceful shutdown timed out")
		}
		if err := db.Close(); err != nil {
			log.Errorf("Failed to close redis connection: %s", err)
		}
	}, nil
}
