package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torrvision/slite/internal/common/util"
	"github.com/torrvision/slite/internal/slite/api"
	"github.com/torrvision/slite/internal/slite/executor/fake"
	"github.com/torrvision/slite/internal/slite/repository"
	"github.com/torrvision/slite/internal/slite/snapshot"
)

var allocTime = time.Date(2023, 6, 20, 12, 0, 0, 0, time.UTC)

func TestAllocateMatchesJobToNodeWithCapacity(t *testing.T) {
	withAllocator(t, func(f *allocatorFixture) {
		f.ingest(clusterNode("torrnode1", 4))
		job := f.submit("alice", 2, 10*gb, time.Hour)

		allocated, unmet, err := f.allocator.Allocate(context.Background(), []*api.JobRequest{job}, f.store.Query())
		assert.NoError(t, err)
		assert.Empty(t, unmet)
		require.Len(t, allocated, 1)

		allocation := allocated[0]
		assert.Equal(t, job.Id, allocation.JobId)
		assert.Equal(t, "torrnode1", allocation.NodeId)
		assert.Equal(t, []int{0, 1}, allocation.GpuIds)
		assert.Equal(t, "/storage", allocation.Mountpoint)
		assert.Equal(t, api.AllocationRunning, allocation.State)

		node := f.store.Query().Node("torrnode1")
		assert.Equal(t, 2, node.FreeGpuCount())
		assert.Equal(t, 90*gb, node.Volumes[0].FreeBytes)

		assert.Equal(t, []string{job.Id}, f.executor.Started)
	})
}

func TestAllocateAdmitsInRankOrderUntilCapacityRunsOut(t *testing.T) {
	withAllocator(t, func(f *allocatorFixture) {
		f.ingest(clusterNode("torrnode1", 4))
		first := f.submit("alice", 2, 0, time.Hour)
		second := f.submit("bob", 3, 0, time.Hour)

		allocated, unmet, err := f.allocator.Allocate(
			context.Background(), []*api.JobRequest{first, second}, f.store.Query())
		assert.NoError(t, err)
		require.Len(t, allocated, 1)
		assert.Equal(t, first.Id, allocated[0].JobId)

		// The bigger job stays pending until capacity frees.
		require.Len(t, unmet, 1)
		assert.Equal(t, second.Id, unmet[0].Id)
		pending, err := f.jobs.PeekPending(10)
		assert.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, second.Id, pending[0].Id)
	})
}

func TestAllocatePrefersNodeWithLeastSpareGpus(t *testing.T) {
	withAllocator(t, func(f *allocatorFixture) {
		f.ingest(clusterNode("torrnode1", 8))
		f.ingest(clusterNode("torrnode2", 2))
		job := f.submit("alice", 2, 0, time.Hour)

		allocated, _, err := f.allocator.Allocate(context.Background(), []*api.JobRequest{job}, f.store.Query())
		assert.NoError(t, err)
		require.Len(t, allocated, 1)
		assert.Equal(t, "torrnode2", allocated[0].NodeId)
	})
}

func TestAllocateBreaksNodeTiesById(t *testing.T) {
	withAllocator(t, func(f *allocatorFixture) {
		f.ingest(clusterNode("torrnode2", 4))
		f.ingest(clusterNode("torrnode1", 4))
		job := f.submit("alice", 2, 0, time.Hour)

		allocated, _, err := f.allocator.Allocate(context.Background(), []*api.JobRequest{job}, f.store.Query())
		assert.NoError(t, err)
		require.Len(t, allocated, 1)
		assert.Equal(t, "torrnode1", allocated[0].NodeId)
	})
}

func TestAllocateRetriesAgainstFreshSnapshotOnConflict(t *testing.T) {
	withAllocator(t, func(f *allocatorFixture) {
		f.ingest(clusterNode("torrnode1", 4))
		stale := f.store.Query()

		// Slots 0 and 1 go to someone else after the snapshot was taken.
		require.NoError(t, f.store.Reserve(&api.Allocation{
			JobId: "competing", NodeId: "torrnode1", GpuIds: []int{0, 1}, State: api.AllocationRunning,
		}))

		job := f.submit("alice", 2, 0, time.Hour)
		allocated, unmet, err := f.allocator.Allocate(context.Background(), []*api.JobRequest{job}, stale)
		assert.NoError(t, err)
		assert.Empty(t, unmet)
		require.Len(t, allocated, 1)
		assert.Equal(t, []int{2, 3}, allocated[0].GpuIds)
	})
}

func TestAllocateDefersJobWhenRetryStillConflicts(t *testing.T) {
	withAllocator(t, func(f *allocatorFixture) {
		f.ingest(clusterNode("torrnode1", 4))
		stale := f.store.Query()

		require.NoError(t, f.store.Reserve(&api.Allocation{
			JobId: "competing", NodeId: "torrnode1", GpuIds: []int{0, 1, 2}, State: api.AllocationRunning,
		}))

		job := f.submit("alice", 4, 0, time.Hour)
		allocated, unmet, err := f.allocator.Allocate(context.Background(), []*api.JobRequest{job}, stale)
		assert.NoError(t, err)
		assert.Empty(t, allocated)
		require.Len(t, unmet, 1)
		assert.Equal(t, job.Id, unmet[0].Id)
	})
}

func TestAllocateSkipsJobAcknowledgedElsewhere(t *testing.T) {
	withAllocator(t, func(f *allocatorFixture) {
		f.ingest(clusterNode("torrnode1", 4))

		// Never submitted, so acknowledgment cannot succeed.
		job := f.jobs.CreateJob("alice", "/homes/alice/train.sh", 2, api.StorageShared, 0, time.Hour)

		allocated, unmet, err := f.allocator.Allocate(context.Background(), []*api.JobRequest{job}, f.store.Query())
		assert.NoError(t, err)
		assert.Empty(t, allocated)
		assert.Empty(t, unmet)

		// The tentative reservation was rolled back.
		assert.Equal(t, 4, f.store.Query().Node("torrnode1").FreeGpuCount())
		assert.Empty(t, f.executor.Started)
	})
}

func TestAllocateReleasesReservationOnDurableWriteFailure(t *testing.T) {
	withAllocator(t, func(f *allocatorFixture) {
		f.ingest(clusterNode("torrnode1", 4))
		job := f.submit("alice", 2, 0, time.Hour)

		f.redis.Close()

		allocated, unmet, err := f.allocator.Allocate(context.Background(), []*api.JobRequest{job}, f.store.Query())
		assert.Error(t, err)
		assert.Empty(t, allocated)
		require.Len(t, unmet, 1)

		assert.Equal(t, 4, f.store.Query().Node("torrnode1").FreeGpuCount())
		assert.Empty(t, f.executor.Started)
	})
}

func TestAllocateContainsMalformedJobWithoutAbortingThePass(t *testing.T) {
	withAllocator(t, func(f *allocatorFixture) {
		f.ingest(clusterNode("torrnode1", 4))

		// Submission rejects these, but the queue is external; a bad record
		// must surface as a per-job error, never take down the cycle.
		malformed := &api.JobRequest{
			Id:          "01h35fpv3qwm80000000000bad",
			User:        "mallory",
			ScriptPath:  "/homes/mallory/train.sh",
			GpuCount:    -3,
			StorageKind: api.StorageShared,
			Submitted:   allocTime,
		}
		job := f.submit("alice", 2, 0, time.Hour)

		allocated, unmet, err := f.allocator.Allocate(
			context.Background(), []*api.JobRequest{malformed, job}, f.store.Query())
		assert.Error(t, err)

		require.Len(t, allocated, 1)
		assert.Equal(t, job.Id, allocated[0].JobId)
		require.Len(t, unmet, 1)
		assert.Equal(t, malformed.Id, unmet[0].Id)
		assert.Equal(t, []string{job.Id}, f.executor.Started)
	})
}

func TestAllocateKeepsAllocationWhenDispatchFails(t *testing.T) {
	withAllocator(t, func(f *allocatorFixture) {
		f.ingest(clusterNode("torrnode1", 4))
		job := f.submit("alice", 2, 0, time.Hour)
		f.executor.FailStart(job.Id, assert.AnError)

		allocated, unmet, err := f.allocator.Allocate(context.Background(), []*api.JobRequest{job}, f.store.Query())
		assert.NoError(t, err)
		assert.Empty(t, unmet)
		require.Len(t, allocated, 1)

		// Committed; the lifecycle monitor owns it from here.
		assert.Equal(t, 2, f.store.Query().Node("torrnode1").FreeGpuCount())
	})
}

type allocatorFixture struct {
	allocator *Allocator
	store     *snapshot.Store
	jobs      *repository.RedisJobRepository
	executor  *fake.Executor
	clock     *util.TestClock
	redis     *miniredis.Miniredis
}

func (f *allocatorFixture) ingest(node *api.NodeReport) {
	f.store.Ingest(node)
}

func (f *allocatorFixture) submit(user string, gpus int, storageBytes int64, timeLimit time.Duration) *api.JobRequest {
	job := f.jobs.CreateJob(user, "/homes/"+user+"/train.sh", gpus, api.StorageShared, storageBytes, timeLimit)
	if err := f.jobs.SubmitJob(job); err != nil {
		panic(err)
	}
	return job
}

func withAllocator(t *testing.T, action func(f *allocatorFixture)) {
	db, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	clock := &util.TestClock{T: allocTime}
	store := snapshot.NewStore(5*time.Minute, clock)
	jobs := repository.NewRedisJobRepository(client)
	exec := fake.NewExecutor()

	action(&allocatorFixture{
		allocator: NewAllocator(store, jobs, exec, clock),
		store:     store,
		jobs:      jobs,
		executor:  exec,
		clock:     clock,
		redis:     db,
	})
}

const gb = int64(1024 * 1024 * 1024)

func clusterNode(nodeId string, gpus int) *api.NodeReport {
	report := &api.NodeReport{
		NodeId: nodeId,
		Volumes: []api.StorageVolume{
			{Mountpoint: "/storage", Kind: api.StorageShared, FreeBytes: 100 * gb, IoSpeedMBps: 250},
			{Mountpoint: "/scratch/local/ssd", Kind: api.StorageLocal, FreeBytes: 500 * gb, IoSpeedMBps: 1500},
		},
		ReportTime: allocTime,
	}
	for i := 0; i < gpus; i++ {
		report.Gpus = append(report.Gpus, api.Gpu{Id: i, State: api.GpuFree})
	}
	return report
}
