package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_device_kernels_total",
		Help: "Total number of kernels submitted to device queues",
	}, []string{"queue"})

	syncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_device_syncs_total",
		Help: "Total number of queue synchronization points",
	}, []string{"queue"})

	poolHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_device_pool_hits_total",
		Help: "Total number of successful buffer pool retrievals",
	}, []string{"queue"})

	poolMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_device_pool_misses_total",
		Help: "Total number of buffer pool misses (allocations)",
	}, []string{"queue"})
)
