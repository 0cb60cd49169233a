package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/torrvision/slite/internal/slite/api"
	"github.com/torrvision/slite/internal/slite/repository"
	"github.com/torrvision/slite/internal/slite/snapshot"
)

const MetricPrefix = "slite_"

func ExposeDataMetrics(
	store *snapshot.Store,
	jobRepository repository.JobRepository,
	usageRepository repository.UsageRepository,
	allocationRepository repository.AllocationRepository,
) *SchedulerInfoCollector {
	collector := &SchedulerInfoCollector{
		store:                store,
		jobRepository:        jobRepository,
		usageRepository:      usageRepository,
		allocationRepository: allocationRepository,
	}
	prometheus.MustRegister(collector)
	return collector
}

type SchedulerInfoCollector struct {
	store                *snapshot.Store
	jobRepository        repository.JobRepository
	usageRepository      repository.UsageRepository
	allocationRepository repository.AllocationRepository
}

var queueSizeDesc = prometheus.NewDesc(
	MetricPrefix+"queue_size",
	"Number of pending jobs in the queue",
	nil,
	nil,
)

var userUsageDesc = prometheus.NewDesc(
	MetricPrefix+"user_usage_gpu_seconds",
	"Decayed GPU-seconds consumed per user",
	[]string{"user"},
	nil,
)

var nodeFreeGpusDesc = prometheus.NewDesc(
	MetricPrefix+"node_free_gpus",
	"Free GPU slots per fresh node",
	[]string{"node"},
	nil,
)

var nodeFreeStorageDesc = prometheus.NewDesc(
	MetricPrefix+"node_free_storage_bytes",
	"Free storage per volume on fresh nodes",
	[]string{"node", "mountpoint", "kind"},
	nil,
)

var staleNodesDesc = prometheus.NewDesc(
	MetricPrefix+"stale_nodes",
	"Number of nodes excluded from allocation for staleness",
	nil,
	nil,
)

var allocationStateDesc = prometheus.NewDesc(
	MetricPrefix+"allocations",
	"Number of allocations per state",
	[]string{"state"},
	nil,
)

func (c *SchedulerInfoCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- queueSizeDesc
	desc <- userUsageDesc
	desc <- nodeFreeGpusDesc
	desc <- nodeFreeStorageDesc
	desc <- staleNodesDesc
	desc <- allocationStateDesc
}

func (c *SchedulerInfoCollector) Collect(metrics chan<- prometheus.Metric) {
	queueSize, err := c.jobRepository.GetQueueSize()
	if err != nil {
		log.Errorf("Error while getting queue size metric: %s", err)
	} else {
		metrics <- prometheus.MustNewConstMetric(queueSizeDesc, prometheus.GaugeValue, float64(queueSize))
	}

	stats, err := c.usageRepository.GetUserStats()
	if err != nil {
		log.Errorf("Error while getting user usage metrics: %s", err)
	} else {
		for user, userStats := range stats {
			metrics <- prometheus.MustNewConstMetric(
				userUsageDesc, prometheus.GaugeValue, userStats.GpuSeconds, user)
		}
	}

	snap := c.store.Query()
	for _, node := range snap.Nodes {
		metrics <- prometheus.MustNewConstMetric(
			nodeFreeGpusDesc, prometheus.GaugeValue, float64(node.FreeGpuCount()), node.NodeId)
		for _, volume := range node.Volumes {
			metrics <- prometheus.MustNewConstMetric(
				nodeFreeStorageDesc, prometheus.GaugeValue, float64(volume.FreeBytes),
				node.NodeId, volume.Mountpoint, string(volume.Kind))
		}
	}
	metrics <- prometheus.MustNewConstMetric(staleNodesDesc, prometheus.GaugeValue, float64(len(snap.Stale)))

	allocations, err := c.allocationRepository.GetAllocations()
	if err != nil {
		log.Errorf("Error while getting allocation metrics: %s", err)
		return
	}
	counts := map[api.AllocationState]int{}
	for _, allocation := range allocations {
		counts[allocation.State]++
	}
	for _, state := range []api.AllocationState{
		api.AllocationRunning, api.AllocationOverdue, api.AllocationCompleted, api.AllocationTerminated,
	} {
		metrics <- prometheus.MustNewConstMetric(
			allocationStateDesc, prometheus.GaugeValue, float64(counts[state]), string(state))
	}
}
