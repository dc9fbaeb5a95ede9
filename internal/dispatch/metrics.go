package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	calls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_dispatch_calls_total",
		Help: "Total number of dispatched calls that reached a backend",
	}, []string{"op", "policy", "algorithm", "status"})

	duration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_dispatch_duration_seconds",
		Help:    "Backend latency per dispatched call",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"op", "policy", "algorithm"})

	unsupported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_dispatch_unsupported_total",
		Help: "Total number of calls rejected for lack of a backend",
	}, []string{"op"})
)
