package repository

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"

	"github.com/torrvision/slite/internal/slite/api"
)

func TestSubmitAndPeekReturnsJobsInSubmissionOrder(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		older := makeJob("alice", 1)
		older.Submitted = time.Date(2023, 6, 20, 10, 0, 0, 0, time.UTC)
		newer := makeJob("bob", 2)
		newer.Submitted = time.Date(2023, 6, 20, 11, 0, 0, 0, time.UTC)

		// Deliberately submitted out of order.
		assert.NoError(t, r.SubmitJob(newer))
		assert.NoError(t, r.SubmitJob(older))

		jobs, err := r.PeekPending(10)
		assert.NoError(t, err)
		assert.Len(t, jobs, 2)
		assert.Equal(t, older.Id, jobs[0].Id)
		assert.Equal(t, newer.Id, jobs[1].Id)
	})
}

func TestPeekPendingRespectsLimit(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		for i := 0; i < 5; i++ {
			assert.NoError(t, r.SubmitJob(makeJob("alice", 1)))
		}

		jobs, err := r.PeekPending(3)
		assert.NoError(t, err)
		assert.Len(t, jobs, 3)
	})
}

func TestPeekPendingReturnsNothingForNonPositiveLimit(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		assert.NoError(t, r.SubmitJob(makeJob("alice", 1)))

		for _, limit := range []int64{0, -1} {
			jobs, err := r.PeekPending(limit)
			assert.NoError(t, err)
			assert.Empty(t, jobs)
		}
	})
}

func TestSubmitJobRejectsMalformedResourceRequests(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		assert.Error(t, r.SubmitJob(makeJob("alice", 0)))
		assert.Error(t, r.SubmitJob(makeJob("alice", -3)))

		negativeStorage := makeJob("alice", 1)
		negativeStorage.StorageBytes = -1
		assert.Error(t, r.SubmitJob(negativeStorage))

		size, err := r.GetQueueSize()
		assert.NoError(t, err)
		assert.Equal(t, int64(0), size)
	})
}

func TestPeekPendingReturnsEmptyWhenNothingQueued(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		jobs, err := r.PeekPending(10)
		assert.NoError(t, err)
		assert.Empty(t, jobs)
	})
}

func TestAcknowledgeRemovesJobFromQueueAndRecordsAllocation(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		job := makeJob("alice", 2)
		assert.NoError(t, r.SubmitJob(job))

		acknowledged, err := r.Acknowledge(makeAllocation(job))
		assert.NoError(t, err)
		assert.True(t, acknowledged)

		jobs, err := r.PeekPending(10)
		assert.NoError(t, err)
		assert.Empty(t, jobs)

		allocations, err := NewRedisAllocationRepository(r.db).GetAllocations()
		assert.NoError(t, err)
		assert.Len(t, allocations, 1)
		assert.Equal(t, job.Id, allocations[job.Id].JobId)

		// The job blob and the allocation record are the only state left
		// behind; acknowledging accumulates nothing else.
		keys, err := r.db.Keys("*").Result()
		assert.NoError(t, err)
		assert.ElementsMatch(t, []string{jobObjectPrefix + job.Id, allocationsKey}, keys)
	})
}

func TestAcknowledgeSucceedsAtMostOnce(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		job := makeJob("alice", 2)
		assert.NoError(t, r.SubmitJob(job))

		acknowledged, err := r.Acknowledge(makeAllocation(job))
		assert.NoError(t, err)
		assert.True(t, acknowledged)

		acknowledged, err = r.Acknowledge(makeAllocation(job))
		assert.NoError(t, err)
		assert.False(t, acknowledged)
	})
}

func TestAcknowledgeUnknownJobWritesNothing(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		job := makeJob("alice", 1)

		acknowledged, err := r.Acknowledge(makeAllocation(job))
		assert.NoError(t, err)
		assert.False(t, acknowledged)

		allocations, err := NewRedisAllocationRepository(r.db).GetAllocations()
		assert.NoError(t, err)
		assert.Empty(t, allocations)
	})
}

func TestGetQueueSize(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		size, err := r.GetQueueSize()
		assert.NoError(t, err)
		assert.Equal(t, int64(0), size)

		assert.NoError(t, r.SubmitJob(makeJob("alice", 1)))
		assert.NoError(t, r.SubmitJob(makeJob("bob", 1)))

		size, err = r.GetQueueSize()
		assert.NoError(t, err)
		assert.Equal(t, int64(2), size)
	})
}

func makeJob(user string, gpus int) *api.JobRequest {
	repo := &RedisJobRepository{}
	return repo.CreateJob(user, "/homes/"+user+"/train.sh", gpus, api.StorageShared, 10*1024*1024*1024, time.Hour)
}

func makeAllocation(job *api.JobRequest) *api.Allocation {
	return &api.Allocation{
		JobId:        job.Id,
		User:         job.User,
		ScriptPath:   job.ScriptPath,
		NodeId:       "torrnode1",
		GpuIds:       []int{0, 1},
		Mountpoint:   "/storage",
		StorageBytes: job.StorageBytes,
		Started:      time.Now().UTC(),
		TimeLimit:    job.TimeLimit,
		State:        api.AllocationRunning,
	}
}

func withJobRepository(t *testing.T, action func(r *RedisJobRepository)) {
	db, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	action(NewRedisJobRepository(client))
}
