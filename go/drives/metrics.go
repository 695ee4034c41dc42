package drives

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var uploads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_drives_uploads_total",
	Help: "Drive uploads by backend type and outcome.",
}, []string{"type", "outcome"})

var uploadedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_drives_uploaded_bytes_total",
	Help: "Bytes pushed to drive backends.",
}, []string{"type"})
