package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tasksAccepted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_pipeline_tasks_accepted_total",
	Help: "Transfer tasks created from chat media.",
})

var tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_pipeline_tasks_finished_total",
	Help: "Transfer tasks reaching a terminal status, by outcome.",
}, []string{"outcome"})

var instantTransfers = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_pipeline_instant_transfers_total",
	Help: "Tasks completed by finding a size-equivalent copy on the drive.",
})

var localCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_pipeline_local_cache_hits_total",
	Help: "Downloads skipped because the file was already cached on disk.",
})

var bytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_pipeline_bytes_total",
	Help: "Bytes moved through the pipeline, by direction.",
}, []string{"direction"})

var webhookResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_pipeline_webhook_results_total",
	Help: "Queue delivery outcomes by phase and HTTP code.",
}, []string{"phase", "code"})

var republishes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_pipeline_republished_tasks_total",
	Help: "Stale tasks re-enqueued by the sweep, by status found.",
}, []string{"status"})

var cancellations = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_pipeline_cancellations_total",
	Help: "Tasks cancelled on user request.",
})

var poolWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "collector_pipeline_pool_workers",
	Help: "Live workers per transfer pool.",
}, []string{"pool"})

var poolDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "collector_pipeline_pool_depth",
	Help: "Jobs waiting per transfer pool.",
}, []string{"pool"})
