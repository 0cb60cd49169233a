package repository

import (
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/torrvision/slite/internal/slite/api"
)

const nodeReportKey = "Node:Report"

// NodeRepository is the landing zone for the external resource monitor's
// per-node reports. The monitor writes, the scheduler reads.
type NodeRepository interface {
	UpdateNodeReport(report *api.NodeReport) error
	GetNodeReports() (map[string]*api.NodeReport, error)
}

type RedisNodeRepository struct {
	db redis.UniversalClient
}

func NewRedisNodeRepository(db redis.UniversalClient) *RedisNodeRepository {
	return &RedisNodeRepository{db: db}
}

func (repo *RedisNodeRepository) UpdateNodeReport(report *api.NodeReport) error {
	reportData, err := json.Marshal(report)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(repo.db.HSet(nodeReportKey, report.NodeId, reportData).Err())
}

func (repo *RedisNodeRepository) GetNodeReports() (map[string]*api.NodeReport, error) {
	result, err := repo.db.HGetAll(nodeReportKey).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	reports := make(map[string]*api.NodeReport, len(result))
	for nodeId, reportData := range result {
		report := &api.NodeReport{}
		if err := json.Unmarshal([]byte(reportData), report); err != nil {
			return nil, errors.WithStack(err)
		}
		reports[nodeId] = report
	}
	return reports, nil
}
