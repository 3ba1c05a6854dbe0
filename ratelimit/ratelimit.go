// Package ratelimit evaluates policy requests against the configured rate limit
// windows of the sender, and counts them.
//
// Evaluation of a request loads the windows of the sender, resets those that
// are expired, decides, and increments all windows, in one store transaction.
// Rejected messages are counted too, so a sender cannot keep trying without
// being tracked.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/text/unicode/norm"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/policyd-ratelimit/policyd/mlog"
	"github.com/policyd-ratelimit/policyd/ratestore"
)

var pkglog = mlog.New("ratelimit", nil)

var (
	metricEvaluation = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policyd_evaluation_duration_seconds",
			Help:    "Rate limit evaluations, by result.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5},
		},
		[]string{
			"result", // allow, reject, bypass, error
		},
	)
)

// ErrStore is returned when the store failed, also after retrying transient
// errors, or did not respond in time.
var ErrStore = errors.New("rate store failure")

// Decision is the outcome of an evaluation.
type Decision int

const (
	Allow Decision = iota
	Reject
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Result of an evaluation.
type Result struct {
	Decision Decision
	Bypass   bool               // No username, the store was not used.
	Exceeded []ratestore.Window // Windows that were at or over their limit.
	States   []ratestore.State  // States after the update, in order of the windows.
}

// Config for a Limiter.
type Config struct {
	Windows   []ratestore.Window
	Timeout   time.Duration // For an evaluation including retries. Zero means no timeout.
	Retry     Retry
	Slots     int  // Maximum number of concurrent store transactions. Zero means unlimited.
	Normalize bool // Normalize usernames to unicode NFC.
}

// Limiter evaluates requests against a store.
type Limiter struct {
	store     ratestore.Store
	windows   []ratestore.Window
	timeout   time.Duration
	retry     Retry
	slots     *semaphore.Weighted
	normalize bool
	now       func() time.Time
}

// New returns a new limiter for store. The store is not closed by the limiter.
func New(store ratestore.Store, c Config) *Limiter {
	l := &Limiter{
		store:     store,
		windows:   append([]ratestore.Window{}, c.Windows...),
		timeout:   c.Timeout,
		retry:     c.Retry,
		normalize: c.Normalize,
		now:       time.Now,
	}
	if c.Slots > 0 {
		l.slots = semaphore.NewWeighted(int64(c.Slots))
	}
	return l
}

// Windows returns the configured windows.
func (l *Limiter) Windows() []ratestore.Window {
	return append([]ratestore.Window{}, l.windows...)
}

// Username returns the key used in the store for a SASL username.
func (l *Limiter) Username(username string) string {
	if l.normalize {
		return norm.NFC.String(username)
	}
	return username
}

// Evaluate decides whether a message from username is allowed, and counts it
// against all windows. An empty username is always allowed, without touching the
// store.
//
// Errors wrap ErrStore. The caller decides how to respond to a failed
// evaluation.
func (l *Limiter) Evaluate(ctx context.Context, username string) (result Result, rerr error) {
	log := pkglog.WithContext(ctx)
	start := time.Now()
	defer func() {
		var r string
		switch {
		case rerr != nil:
			r = "error"
		case result.Bypass:
			r = "bypass"
		default:
			r = result.Decision.String()
		}
		metricEvaluation.WithLabelValues(r).Observe(float64(time.Since(start)) / float64(time.Second))
	}()

	if username == "" {
		return Result{Decision: Allow, Bypass: true}, nil
	}
	username = l.Username(username)

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	if l.slots != nil {
		if err := l.slots.Acquire(ctx, 1); err != nil {
			return Result{}, fmt.Errorf("%w: waiting for store: %w", ErrStore, err)
		}
		defer l.slots.Release(1)
	}

	err := l.retry.Do(ctx, log, func() error {
		now := l.now().UTC().Truncate(time.Second)
		return l.store.Update(ctx, username, l.windows, now, func(states []ratestore.State) ([]ratestore.Commit, error) {
			var commits []ratestore.Commit
			result, commits = decide(l.windows, states, now)
			for i, s := range states {
				result.States = append(result.States, s.Apply(commits[i], l.windows[i], now))
			}
			return commits, nil
		})
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	log.Debug("evaluated",
		slog.String("username", username),
		slog.String("decision", result.Decision.String()),
		slog.Any("exceeded", result.Exceeded))
	return result, nil
}

// decide returns the decision for states, which are in order of windows, at time
// now, and the commit for each window. Expired windows are reset before
// checking their limit. Every window is incremented, also when rejecting.
func decide(windows []ratestore.Window, states []ratestore.State, now time.Time) (Result, []ratestore.Commit) {
	r := Result{Decision: Allow}
	commits := make([]ratestore.Commit, len(windows))
	for i, w := range windows {
		used := states[i].Used
		if states[i].Expired(now) {
			commits[i].Reset = true
			used = 0
		}
		if used >= w.Limit {
			r.Decision = Reject
			r.Exceeded = append(r.Exceeded, w)
		}
	}
	return r, commits
}
