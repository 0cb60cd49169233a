package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

type SchedulerConfig struct {
	MetricsPort uint16
	Redis       redis.UniversalOptions

	Scheduling SchedulingConfig
	Executor   ExecutorConfig
}

type SchedulingConfig struct {
	// Interval between scheduling cycles.
	CycleInterval time.Duration
	// Nodes whose last report is older than this are excluded from allocation.
	StalenessThreshold time.Duration
	// Half-life of the exponential decay applied to per-user GPU-seconds.
	UsageHalfLife time.Duration
	// Maximum number of pending jobs considered per cycle. A non-positive
	// value stops admission entirely.
	MaxJobsPerCycle int64
	// How long StopAll waits for the in-flight cycle on shutdown.
	ShutdownTimeout time.Duration
}

type ExecutorConfig struct {
	// Template producing the node agent base url from a node id,
	// e.g. "http://%s:8090".
	UrlTemplate    string
	RequestTimeout time.Duration
	RetryMax       int
}
