package protocol

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var classifiedErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_protocol_classified_errors_total",
	Help: "Protocol errors recorded by the breaker, by classified kind.",
}, []string{"kind"})

var watchdogFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_protocol_watchdog_failures_total",
	Help: "Liveness probes that failed.",
})

var reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_protocol_reconnects_total",
	Help: "Successful reconnects, by strategy type.",
}, []string{"type"})

var breakerState = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "collector_protocol_breaker_state",
	Help: "Breaker state: 0 closed, 1 half-open, 2 open.",
})
