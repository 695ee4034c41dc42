package telegram

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var updatesReceived = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_telegram_updates_total",
	Help: "Updates received from the gateway.",
})

var droppedUpdates = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_telegram_dropped_updates_total",
	Help: "Updates dropped because the dispatcher fell behind.",
})

var pollErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_telegram_poll_errors_total",
	Help: "Receive-loop poll failures.",
})

var apiCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_telegram_api_calls_total",
	Help: "Gateway API calls by method and outcome.",
}, []string{"method", "outcome"})

var bytesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_telegram_downloaded_bytes_total",
	Help: "File bytes streamed from the gateway.",
})
