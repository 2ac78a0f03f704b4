package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/herdcompute/herd/internal/herd/domain"
	"github.com/herdcompute/herd/internal/herd/repository"
)

const MetricPrefix = "herd_"

var batchStateDesc = prometheus.NewDesc(
	MetricPrefix+"batches",
	"Number of batches by state",
	[]string{"state"},
	nil,
)

var nodeHealthDesc = prometheus.NewDesc(
	MetricPrefix+"nodes",
	"Number of nodes by health state",
	[]string{"health"},
	nil,
)

var nodeFreeMemoryDesc = prometheus.NewDesc(
	MetricPrefix+"node_memory_capacity",
	"Total memory capacity of a node",
	[]string{"node"},
	nil,
)

var nodeGPUCountDesc = prometheus.NewDesc(
	MetricPrefix+"node_gpu_capacity",
	"Number of GPU devices on a node",
	[]string{"node"},
	nil,
)

func ExposeDataMetrics(
	batchRepository repository.BatchRepository,
	nodeRepository repository.NodeRepository,
) *ClusterInfoCollector {
	collector := &ClusterInfoCollector{
		batchRepository: batchRepository,
		nodeRepository:  nodeRepository,
	}
	prometheus.MustRegister(collector)
	return collector
}

type ClusterInfoCollector struct {
	batchRepository repository.BatchRepository
	nodeRepository  repository.NodeRepository
}

func (c *ClusterInfoCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- batchStateDesc
	desc <- nodeHealthDesc
	desc <- nodeFreeMemoryDesc
	desc <- nodeGPUCountDesc
}

func (c *ClusterInfoCollector) Collect(metrics chan<- prometheus.Metric) {
	for _, state := range domain.AllBatchStates {
		count, err := c.batchRepository.CountByState(state)
		if err != nil {
			log.WithError(err).Error("Failed to collect batch state metrics")
			return
		}
		metrics <- prometheus.MustNewConstMetric(batchStateDesc, prometheus.GaugeValue, float64(count), string(state))
	}

	nodes, err := c.nodeRepository.GetNodes()
	if err != nil {
		log.WithError(err).Error("Failed to collect node metrics")
		return
	}
	healthCounts := map[domain.NodeHealth]int{}
	for _, node := range nodes {
		healthCounts[node.Health]++
		metrics <- prometheus.MustNewConstMetric(nodeFreeMemoryDesc, prometheus.GaugeValue, float64(node.Memory), node.Name)
		metrics <- prometheus.MustNewConstMetric(nodeGPUCountDesc, prometheus.GaugeValue, float64(len(node.GPUs)), node.Name)
	}
	for health, count := range healthCounts {
		metrics <- prometheus.MustNewConstMetric(nodeHealthDesc, prometheus.GaugeValue, float64(count), string(health))
	}
}
