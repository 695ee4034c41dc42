package limits

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var acquiredCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_limits_tokens_acquired_total",
	Help: "counter of rate tokens acquired, by priority tier",
}, []string{"tier"})

var waitingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "collector_limits_waiting",
	Help: "gauge of callers currently waiting on a rate token, by priority tier",
}, []string{"tier"})

var retryCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_limits_retries_total",
	Help: "counter of retried attempts across all retry policies",
})
