// Package ratestore persists rate limit windows per sender.
//
// Each sender has one row per configured window period, with the configured
// limit (quota), the number of messages counted (used) and the time the counter
// was last reset (rdate). Updates for a sender are done in a single transaction,
// concurrent updates for the same sender are serialized.
package ratestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/policyd-ratelimit/policyd/metrics"
	"github.com/policyd-ratelimit/policyd/mlog"
)

var (
	// ErrConflict indicates a transient failure, like a deadlock or serialization
	// failure. The operation can be retried.
	ErrConflict = errors.New("transaction conflict")

	ErrUnknownBackend = errors.New("unknown store backend")
)

// Window is a configured rate limit window.
type Window struct {
	Limit  uint32
	Period uint32 // In seconds. Zero means the window never resets.
}

// State is the stored state of one window for a sender.
type State struct {
	Username    string
	Period      uint32 // Column "rate".
	Quota       uint32
	Used        uint32
	WindowStart time.Time // Column "rdate", in UTC with second precision.
}

// Expired returns whether the counter of the window should be reset at now.
func (s State) Expired(now time.Time) bool {
	if s.Period == 0 {
		return false
	}
	return now.Sub(s.WindowStart) >= time.Duration(s.Period)*time.Second
}

// Commit is the change to a single window at the end of an update. The counter is
// always incremented, after an optional reset.
type Commit struct {
	Reset bool
}

// Apply returns the state after commit c at time now. The quota is set to the
// configured limit of the window, so changed limits are picked up.
func (s State) Apply(c Commit, w Window, now time.Time) State {
	if c.Reset {
		s.Used = 0
		s.WindowStart = now
	}
	if s.Used < math.MaxUint32 {
		s.Used++
	}
	s.Quota = w.Limit
	return s
}

// UpdateFunc receives the states for all windows of a sender, in the order of
// the configured windows, and returns a commit for each.
type UpdateFunc func(states []State) ([]Commit, error)

// Store is a backend holding window states.
type Store interface {
	// Update loads the states of the windows of username, creating missing rows
	// with zero usage and window start now, calls fn and applies the commits
	// it returns. All in one transaction, that holds off concurrent updates of
	// the same username. If fn returns an error, nothing is changed, not even
	// the creation of rows.
	Update(ctx context.Context, username string, windows []Window, now time.Time, fn UpdateFunc) error

	// List returns all stored states of username, ordered by period.
	List(ctx context.Context, username string) ([]State, error)

	// Reset sets usage of all windows of username to zero, with window start now.
	// It returns the number of windows reset.
	Reset(ctx context.Context, username string, now time.Time) (int, error)

	Close() error
}

// Options for opening a store.
type Options struct {
	PoolSize     int    // Maximum number of database connections.
	CreateSchema bool   // For SQL databases, create the table if it doesn't exist.
	KeyPrefix    string // For redis.
}

// IsTransient returns whether err is a transient error for which the operation
// can be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Open opens the store for dsn. The backend is selected by the scheme of the
// dsn: postgres, postgresql, mysql, sqlite, bstore, redis, rediss or memory.
//
// Open verifies the database can be reached. The returned store records metrics
// for each operation.
func Open(ctx context.Context, log mlog.Log, dsn string, opts Options) (Store, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 5
	}
	scheme, _, _ := strings.Cut(dsn, ":")
	var st Store
	var err error
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql", "mysql", "sqlite":
		st, err = openSQL(ctx, log, dsn, opts)
	case "bstore":
		st, err = openBstore(ctx, log, strings.TrimPrefix(dsn[len(scheme)+1:], "//"))
	case "redis", "rediss":
		st, err = openRedis(ctx, log, dsn, opts)
	case "memory":
		st = NewMemory()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, scheme)
	}
	if err != nil {
		return nil, err
	}
	return observed{st, backendName(scheme)}, nil
}

func backendName(scheme string) string {
	switch s := strings.ToLower(scheme); s {
	case "postgresql":
		return "postgres"
	case "rediss":
		return "redis"
	default:
		return s
	}
}

// load returns states for windows, in order, from the stored states. States
// for windows that are not yet stored are returned in missing.
func load(username string, windows []Window, stored []State, now time.Time) (states []State, missing []State) {
	byPeriod := map[uint32]State{}
	for _, s := range stored {
		byPeriod[s.Period] = s
	}
	states = make([]State, len(windows))
	for i, w := range windows {
		s, ok := byPeriod[w.Period]
		if !ok {
			s = State{Username: username, Period: w.Period, Quota: w.Limit, WindowStart: now}
			missing = append(missing, s)
		}
		states[i] = s
	}
	return states, missing
}

// apply calls fn with the states and returns the new states.
func apply(windows []Window, states []State, now time.Time, fn UpdateFunc) ([]State, error) {
	commits, err := fn(append([]State{}, states...))
	if err != nil {
		return nil, err
	}
	if len(commits) != len(windows) {
		return nil, fmt.Errorf("got %d commits for %d windows", len(commits), len(windows))
	}
	nstates := make([]State, len(states))
	for i, s := range states {
		nstates[i] = s.Apply(commits[i], windows[i], now)
	}
	return nstates, nil
}

// observed is a Store that tracks metrics for its operations.
type observed struct {
	Store
	backend string
}

func (o observed) Update(ctx context.Context, username string, windows []Window, now time.Time, fn UpdateFunc) error {
	start := time.Now()
	err := o.Store.Update(ctx, username, windows, now, fn)
	metrics.StoreObserve(ctx, o.backend, "update", err, IsTransient(err), start)
	return err
}

func (o observed) List(ctx context.Context, username string) ([]State, error) {
	start := time.Now()
	l, err := o.Store.List(ctx, username)
	metrics.StoreObserve(ctx, o.backend, "list", err, IsTransient(err), start)
	return l, err
}

func (o observed) Reset(ctx context.Context, username string, now time.Time) (int, error) {
	start := time.Now()
	n, err := o.Store.Reset(ctx, username, now)
	metrics.StoreObserve(ctx, o.backend, "reset", err, IsTransient(err), start)
	return n, err
}
