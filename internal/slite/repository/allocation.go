package repository

import (
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/torrvision/slite/internal/slite/api"
)

// AllocationRepository persists every allocation keyed by job id. Creation
// happens atomically with queue acknowledgment (see JobRepository.Acknowledge);
// state transitions go through UpdateAllocation. Completed and terminated
// allocations are retained for diagnostics.
type AllocationRepository interface {
	GetAllocations() (map[string]*api.Allocation, error)
	GetActiveAllocations() ([]*api.Allocation, error)
	UpdateAllocation(allocation *api.Allocation) error
}

type RedisAllocationRepository struct {
	db redis.UniversalClient
}

func NewRedisAllocationRepository(db redis.UniversalClient) *RedisAllocationRepository {
	return &RedisAllocationRepository{db: db}
}

func (repo *RedisAllocationRepository) GetAllocations() (map[string]*api.Allocation, error) {
	result, err := repo.db.HGetAll(allocationsKey).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	allocations := make(map[string]*api.Allocation, len(result))
	for jobId, allocationData := range result {
		allocation := &api.Allocation{}
		if err := json.Unmarshal([]byte(allocationData), allocation); err != nil {
			return nil, errors.WithStack(err)
		}
		allocations[jobId] = allocation
	}
	return allocations, nil
}

func (repo *RedisAllocationRepository) GetActiveAllocations() ([]*api.Allocation, error) {
	allocations, err := repo.GetAllocations()
	if err != nil {
		return nil, err
	}

	active := []*api.Allocation{}
	for _, allocation := range allocations {
		if allocation.State.Active() {
			active = append(active, allocation)
		}
	}
	return active, nil
}

func (repo *RedisAllocationRepository) UpdateAllocation(allocation *api.Allocation) error {
	allocationData, err := json.Marshal(allocation)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(repo.db.HSet(allocationsKey, allocation.JobId, allocationData).Err())
}
