package comm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	collectives = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_comm_collectives_total",
		Help: "Total number of communicator operations issued by this process",
	}, []string{"op"})

	bytesMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_comm_bytes_total",
		Help: "Total number of payload bytes contributed to communicator operations",
	}, []string{"op"})

	runtimesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quiver_comm_runtime_refs",
		Help: "Current number of references held on each messaging runtime",
	}, []string{"runtime"})
)
