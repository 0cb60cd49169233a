package repository

import (
	"encoding/json"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/torrvision/slite/internal/common/util"
	"github.com/torrvision/slite/internal/slite/api"
)

const (
	jobObjectPrefix = "Job:"
	jobPendingKey   = "Job:Queue:Pending"
	allocationsKey  = "Allocation"
)

type JobRepository interface {
	CreateJob(user string, scriptPath string, gpuCount int, storageKind api.StorageKind, storageBytes int64, timeLimit time.Duration) *api.JobRequest
	SubmitJob(job *api.JobRequest) error
	PeekPending(limit int64) ([]*api.JobRequest, error)
	Acknowledge(allocation *api.Allocation) (bool, error)
	GetQueueSize() (int64, error)
}

type RedisJobRepository struct {
	db redis.UniversalClient
}

func NewRedisJobRepository(db redis.UniversalClient) *RedisJobRepository {
	return &RedisJobRepository{db: db}
}

func (repo *RedisJobRepository) CreateJob(
	user string,
	scriptPath string,
	gpuCount int,
	storageKind api.StorageKind,
	storageBytes int64,
	timeLimit time.Duration,
) *api.JobRequest {
	return &api.JobRequest{
		Id:           util.NewULID(),
		User:         user,
		ScriptPath:   scriptPath,
		GpuCount:     gpuCount,
		StorageKind:  storageKind,
		StorageBytes: storageBytes,
		TimeLimit:    timeLimit,
		Submitted:    time.Now().UTC(),
	}
}

// SubmitJob durably enqueues the job. Malformed resource requests are rejected
// here, at the gate, so the scheduler only ever sees satisfiable shapes.
func (repo *RedisJobRepository) SubmitJob(job *api.JobRequest) error {
	if err := validateJobRequest(job); err != nil {
		return err
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return errors.WithStack(err)
	}

	pipe := repo.db.TxPipeline()
	pipe.Set(jobObjectPrefix+job.Id, jobData, 0)
	pipe.ZAdd(jobPendingKey, redis.Z{
		Member: job.Id,
		Score:  float64(job.Submitted.UnixNano()) / float64(time.Second),
	})
	_, err = pipe.Exec()
	return errors.WithStack(err)
}

func validateJobRequest(job *api.JobRequest) error {
	if job.GpuCount < 1 {
		return errors.Errorf("job %s requests %d GPUs, at least 1 is required", job.Id, job.GpuCount)
	}
	if job.StorageBytes < 0 {
		return errors.Errorf("job %s requests %d bytes of storage", job.Id, job.StorageBytes)
	}
	return nil
}

// PeekPending returns up to limit unacknowledged jobs in submission order.
// Equal submission times are tie-broken by id, so the order is a total one.
// A non-positive limit returns nothing rather than the whole queue.
func (repo *RedisJobRepository) PeekPending(limit int64) ([]*api.JobRequest, error) {
	if limit <= 0 {
		return []*api.JobRequest{}, nil
	}
	ids, err := repo.db.ZRange(jobPendingKey, 0, limit-1).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return repo.getJobsByIds(ids)
}

const acknowledgeScript = `
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return 1
`

// Acknowledge durably marks the allocation's job as consumed and records the
// allocation, in one atomic step. The ZREM guard is what makes consumption
// exactly-once: it returns false if the job was no longer pending, in which
// case nothing is written, so a job is acknowledged, and allocated, at most
// once even across scheduler restarts.
func (repo *RedisJobRepository) Acknowledge(allocation *api.Allocation) (bool, error) {
	allocationData, err := json.Marshal(allocation)
	if err != nil {
		return false, errors.WithStack(err)
	}

	result, err := repo.db.Eval(
		acknowledgeScript,
		[]string{jobPendingKey, allocationsKey},
		allocation.JobId, allocationData,
	).Int()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return result == 1, nil
}

func (repo *RedisJobRepository) GetQueueSize() (int64, error) {
	size, err := repo.db.ZCard(jobPendingKey).Result()
	return size, errors.WithStack(err)
}

func (repo *RedisJobRepository) getJobsByIds(ids []string) ([]*api.JobRequest, error) {
	if len(ids) == 0 {
		return []*api.JobRequest{}, nil
	}

	pipe := repo.db.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.Get(jobObjectPrefix+id))
	}
	_, err := pipe.Exec()
	if err != nil && err != redis.Nil {
		return nil, errors.WithStack(err)
	}

	jobs := make([]*api.JobRequest, 0, len(ids))
	for _, cmd := range cmds {
		jobData, err := cmd.Bytes()
		if err == redis.Nil {
			// Queue entry without a job blob, submission did not complete.
			continue
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
		job := &api.JobRequest{}
		if err := json.Unmarshal(jobData, job); err != nil {
			return nil, errors.WithStack(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
