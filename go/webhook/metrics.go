package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_webhook_requests_total",
	Help: "HTTP requests served, by path and status.",
}, []string{"path", "status"})

var unknownTopics = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_webhook_unknown_topics_total",
	Help: "Verified deliveries acknowledged for unrecognized topics.",
})
