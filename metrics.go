package main

import (
	"runtime"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/policyd-ratelimit/policyd/config"
	"github.com/policyd-ratelimit/policyd/policydvar"
)

var metricBuildInfo = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "policyd_build_info",
		Help: "Version of the running policyd, value is always 1.",
	},
	[]string{
		"version",
		"goversion",
	},
)

var metricWindowLimit = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "policyd_window_limit",
		Help: "Configured rate limit per window, by period in seconds.",
	},
	[]string{
		"period",
	},
)

// configMetrics sets the gauges describing the running configuration.
func configMetrics(sc config.Static) {
	metricBuildInfo.WithLabelValues(policydvar.Version, runtime.Version()).Set(1)
	metricWindowLimit.Reset()
	for _, w := range sc.Windows {
		metricWindowLimit.WithLabelValues(strconv.FormatUint(uint64(w.Period), 10)).Set(float64(w.Limit))
	}
}
