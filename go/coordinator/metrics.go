package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var heartbeats = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_coordinator_heartbeats_total",
	Help: "Instance heartbeats written to the registry.",
})

var staleSwept = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_coordinator_stale_instances_total",
	Help: "Instances flipped offline by the stale sweep.",
})

var lockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_coordinator_lock_attempts_total",
	Help: "Lock acquisition attempts by lock and outcome.",
}, []string{"lock", "outcome"})

var leaderGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "collector_coordinator_leader",
	Help: "1 while this instance holds the named lease.",
}, []string{"lock"})

var leaderLosses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_coordinator_leader_losses_total",
	Help: "Times an exclusive lease was lost while running.",
}, []string{"lock"})
