package process

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pipelinesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dfm_process_pipelines_accepted_total",
		Help: "Pipelines that passed verification and were enqueued.",
	})
	pipelinesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dfm_process_pipelines_rejected_total",
		Help: "Pipelines rejected by verification.",
	})
)
