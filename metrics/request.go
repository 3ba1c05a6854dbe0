package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequest = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_request_total",
			Help: "Policy requests and the response given.",
		},
		[]string{
			"listener", // unix, tcp
			"result",   // allow, reject, bypass, fallback, malformed
		},
	)
)

func RequestInc(listener, result string) {
	metricRequest.WithLabelValues(listener, result).Inc()
}
