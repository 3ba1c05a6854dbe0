package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/policyd-ratelimit/policyd/mlog"
	"github.com/policyd-ratelimit/policyd/policyd-"
	"github.com/policyd-ratelimit/policyd/ratestore"
)

var metricRetry = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "policyd_store_retry_total",
		Help: "Number of retries of store transactions after a transient error.",
	},
)

// Retry runs an operation again when it fails with a transient store error.
type Retry struct {
	Attempts int           // Total number of attempts. Values below 1 mean 1.
	Backoff  time.Duration // Delay before the first retry, doubled for each further retry.
}

// Do calls fn until it succeeds, fails with a non-transient error, the attempts
// are exhausted or ctx is done. The last error is returned.
func (r Retry) Do(ctx context.Context, log mlog.Log, fn func() error) error {
	backoff := r.Backoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !ratestore.IsTransient(err) {
			return err
		}
		if attempt >= r.Attempts {
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		metricRetry.Inc()
		log.Debugx("transient store error, retrying", err, slog.Int("attempt", attempt), slog.Duration("backoff", backoff))
		if backoff > 0 && policyd.Sleep(ctx, backoff) {
			return fmt.Errorf("%w, while waiting to retry: %w", ctx.Err(), err)
		}
		backoff *= 2
	}
}
