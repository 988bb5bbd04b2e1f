package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	nodesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dfm_executor_nodes_completed_total",
		Help: "Nodes that reached COMPLETED.",
	})
	nodesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dfm_executor_nodes_failed_total",
		Help: "Nodes that reached FAILED.",
	})
	nodeCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dfm_executor_cache_hits_total",
		Help: "Node activations served from the content-addressed cache.",
	})
	nodeCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dfm_executor_cache_misses_total",
		Help: "Node activations that had to run their adapter.",
	})
)
