package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tasksCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_store_tasks_created_total",
	Help: "Tasks inserted into the repository.",
})

var tasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_store_tasks_claimed_total",
	Help: "Successful queued-to-downloading claims.",
})

var patchesBuffered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_store_patches_buffered_total",
	Help: "Task patches absorbed by the write-coalescing buffer.",
})

var flushes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_store_flushes_total",
	Help: "Buffered patches written to the backend.",
})

var staleDrops = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_store_stale_drops_total",
	Help: "Buffered patches dropped after exceeding the stale cutoff.",
})
