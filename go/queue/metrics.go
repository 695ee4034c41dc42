package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var publishes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_queue_publishes_total",
	Help: "Queue publishes by outcome.",
}, []string{"outcome"})

var verifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_queue_verify_failures_total",
	Help: "Rejected webhook deliveries by reason.",
}, []string{"reason"})
