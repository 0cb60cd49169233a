package repository

import (
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/torrvision/slite/internal/slite/api"
)

const userStatsKey = "User:Stats"

// UsageRepository persists per-user resource consumption used by the ranking
// engine. Users are accumulated, never deleted.
type UsageRepository interface {
	GetUserStats() (map[string]*api.UserStats, error)
	UpdateUserStats(stats map[string]*api.UserStats) error
}

type RedisUsageRepository struct {
	db redis.UniversalClient
}

func NewRedisUsageRepository(db redis.UniversalClient) *RedisUsageRepository {
	return &RedisUsageRepository{db: db}
}

func (repo *RedisUsageRepository) GetUserStats() (map[string]*api.UserStats, error) {
	result, err := repo.db.HGetAll(userStatsKey).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	stats := make(map[string]*api.UserStats, len(result))
	for user, statsData := range result {
		userStats := &api.UserStats{}
		if err := json.Unmarshal([]byte(statsData), userStats); err != nil {
			return nil, errors.WithStack(err)
		}
		stats[user] = userStats
	}
	return stats, nil
}

func (repo *RedisUsageRepository) UpdateUserStats(stats map[string]*api.UserStats) error {
	if len(stats) == 0 {
		return nil
	}

	fields := make(map[string]interface{}, len(stats))
	for user, userStats := range stats {
		statsData, err := json.Marshal(userStats)
		if err != nil {
			return errors.WithStack(err)
		}
		fields[user] = statsData
	}
	return errors.WithStack(repo.db.HMSet(userStatsKey, fields).Err())
}
