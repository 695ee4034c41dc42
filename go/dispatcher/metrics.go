package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_dispatcher_events_total",
		Help: "Gateway updates handled, by kind.",
	}, []string{"kind"})
	guardBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collector_dispatcher_blocked_total",
		Help: "Updates rejected by the access guard.",
	})
	groupFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collector_dispatcher_group_flushes_total",
		Help: "Media groups submitted as batches.",
	})
	flowOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_dispatcher_flow_outcomes_total",
		Help: "Drive config flows finished, by outcome.",
	}, []string{"outcome"})
)
