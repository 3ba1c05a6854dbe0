// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/policyd-ratelimit/policyd/mlog"
)

var pkglog = mlog.New("metrics", nil)

var (
	metricStore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policyd_store_duration_seconds",
			Help:    "Rate store operations, by backend, operation and result.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5},
		},
		[]string{
			"backend", // postgres, mysql, sqlite, bstore, redis, memory
			"op",      // update, list, reset
			"result",  // ok, conflict, timeout, canceled, error
		},
	)
)

// StoreObserve tracks the result of a rate store operation in a metric, and
// logs the result. Conflict is a transient error that is retried.
func StoreObserve(ctx context.Context, backend, op string, err error, conflict bool, start time.Time) {
	log := pkglog.WithContext(ctx)
	var result string
	switch {
	case err == nil:
		result = "ok"
	case conflict:
		result = "conflict"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	case errors.Is(err, context.Canceled):
		result = "canceled"
	default:
		result = "error"
	}
	metricStore.WithLabelValues(backend, op, result).Observe(float64(time.Since(start)) / float64(time.Second))
	log.Debugx("store result", err,
		slog.String("backend", backend),
		slog.String("op", op),
		slog.String("result", result),
		slog.Duration("duration", time.Since(start)))
}
