package kvcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var l1Hits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_kvcache_l1_hits_total",
	Help: "Reads served from the in-process cache.",
})

var l1Misses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_kvcache_l1_misses_total",
	Help: "Reads that had to consult the remote provider.",
})

var smartWriteSkips = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_kvcache_smart_write_skips_total",
	Help: "Writes elided because L1 already held an identical value.",
})

var providerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_kvcache_provider_errors_total",
	Help: "Remote provider failures by provider and error class.",
}, []string{"provider", "class"})

var failoverTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_kvcache_failover_total",
	Help: "Provider switches by direction.",
}, []string{"direction"})

var onBackupGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "collector_kvcache_on_backup",
	Help: "1 while L2 calls are served by the backup provider.",
})
