package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/policyd-ratelimit/policyd/ratestore"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

// faultStore wraps a store, failing the first updates with a configured error.
type faultStore struct {
	ratestore.Store
	fail    atomic.Int32 // Number of updates still to fail.
	err     error
	updates atomic.Int32
	block   chan struct{} // If not nil, updates wait for it or ctx.
}

func (s *faultStore) Update(ctx context.Context, username string, windows []ratestore.Window, now time.Time, fn ratestore.UpdateFunc) error {
	s.updates.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.fail.Add(-1) >= 0 {
		return s.err
	}
	return s.Store.Update(ctx, username, windows, now, fn)
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	return c.t
}

func newLimiter(st ratestore.Store, windows ...ratestore.Window) (*Limiter, *clock) {
	c := &clock{time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(st, Config{Windows: windows, Timeout: time.Second, Retry: Retry{Attempts: 3, Backoff: time.Millisecond}, Slots: 4})
	l.now = c.now
	return l, c
}

func evaluate(t *testing.T, l *Limiter, username string, exp Decision) Result {
	t.Helper()
	r, err := l.Evaluate(ctxbg, username)
	tcheck(t, err, "evaluate")
	if r.Decision != exp {
		t.Fatalf("got decision %s, expected %s", r.Decision, exp)
	}
	return r
}

func used(t *testing.T, st ratestore.Store, username string) []uint32 {
	t.Helper()
	l, err := st.List(ctxbg, username)
	tcheck(t, err, "list")
	var r []uint32
	for _, s := range l {
		r = append(r, s.Used)
	}
	return r
}

func TestScenario(t *testing.T) {
	st := ratestore.NewMemory()
	l, c := newLimiter(st, ratestore.Window{Limit: 2, Period: 60})
	t0 := c.t
	const user = "a@example.com"

	evaluate(t, l, user, Allow)
	c.t = t0.Add(10 * time.Second)
	evaluate(t, l, user, Allow)
	tcompare(t, used(t, st, user), []uint32{2})

	// Over quota, and still counted.
	c.t = t0.Add(20 * time.Second)
	r := evaluate(t, l, user, Reject)
	tcompare(t, r.Exceeded, []ratestore.Window{{Limit: 2, Period: 60}})
	tcompare(t, used(t, st, user), []uint32{3})

	// Window expired, reset and counted again.
	c.t = t0.Add(65 * time.Second)
	r = evaluate(t, l, user, Allow)
	tcompare(t, used(t, st, user), []uint32{1})
	if !r.States[0].WindowStart.Equal(c.t) {
		t.Fatalf("got window start %s, expected %s", r.States[0].WindowStart, c.t)
	}
	tcompare(t, r.States[0].Quota, uint32(2))
}

func TestExpiryBoundary(t *testing.T) {
	st := ratestore.NewMemory()
	l, c := newLimiter(st, ratestore.Window{Limit: 1, Period: 60})
	t0 := c.t
	evaluate(t, l, "b", Allow)
	c.t = t0.Add(59 * time.Second)
	evaluate(t, l, "b", Reject)
	// Exactly the period later, the window is reset.
	c.t = t0.Add(60 * time.Second)
	evaluate(t, l, "b", Allow)
	tcompare(t, used(t, st, "b"), []uint32{1})
}

func TestMultiWindow(t *testing.T) {
	st := ratestore.NewMemory()
	l, c := newLimiter(st, ratestore.Window{Limit: 3, Period: 3600}, ratestore.Window{Limit: 100, Period: 86400})
	t0 := c.t
	for i := 0; i < 3; i++ {
		c.t = t0.Add(time.Duration(i) * time.Minute)
		evaluate(t, l, "multi", Allow)
	}
	c.t = t0.Add(30 * time.Minute)
	r := evaluate(t, l, "multi", Reject)
	tcompare(t, r.Exceeded, []ratestore.Window{{Limit: 3, Period: 3600}})
	// Both windows count the rejected message.
	tcompare(t, used(t, st, "multi"), []uint32{4, 4})

	// Next hour, the hourly window is reset, the daily window continues.
	c.t = t0.Add(time.Hour)
	evaluate(t, l, "multi", Allow)
	tcompare(t, used(t, st, "multi"), []uint32{1, 5})
}

func TestZeroLimitAndPeriod(t *testing.T) {
	st := ratestore.NewMemory()
	l, c := newLimiter(st, ratestore.Window{Limit: 0, Period: 60})
	evaluate(t, l, "zero", Reject)
	c.t = c.t.Add(time.Hour)
	evaluate(t, l, "zero", Reject)

	// Period 0 never resets.
	st = ratestore.NewMemory()
	l, c = newLimiter(st, ratestore.Window{Limit: 2, Period: 0})
	evaluate(t, l, "cap", Allow)
	evaluate(t, l, "cap", Allow)
	c.t = c.t.Add(10 * 365 * 24 * time.Hour)
	evaluate(t, l, "cap", Reject)
	tcompare(t, used(t, st, "cap"), []uint32{3})
}

func TestBypass(t *testing.T) {
	fs := &faultStore{Store: ratestore.NewMemory()}
	l, _ := newLimiter(fs, ratestore.Window{Limit: 0, Period: 60})
	for i := 0; i < 3; i++ {
		r := evaluate(t, l, "", Allow)
		tcompare(t, r.Bypass, true)
	}
	tcompare(t, fs.updates.Load(), int32(0))
}

func TestRetry(t *testing.T) {
	conflict := fmt.Errorf("%w: deadlock", ratestore.ErrConflict)

	// Transient errors are retried.
	fs := &faultStore{Store: ratestore.NewMemory(), err: conflict}
	fs.fail.Store(2)
	l, _ := newLimiter(fs, ratestore.Window{Limit: 5, Period: 60})
	evaluate(t, l, "retry", Allow)
	tcompare(t, fs.updates.Load(), int32(3))
	tcompare(t, used(t, fs, "retry"), []uint32{1})

	// Retries are bounded.
	fs = &faultStore{Store: ratestore.NewMemory(), err: conflict}
	fs.fail.Store(10)
	l, _ = newLimiter(fs, ratestore.Window{Limit: 5, Period: 60})
	_, err := l.Evaluate(ctxbg, "retry")
	if !errors.Is(err, ErrStore) || !errors.Is(err, ratestore.ErrConflict) {
		t.Fatalf("got %v, expected ErrStore with ErrConflict", err)
	}
	tcompare(t, fs.updates.Load(), int32(3))
	tcompare(t, len(used(t, fs, "retry")), 0)

	// Other errors are not retried.
	fs = &faultStore{Store: ratestore.NewMemory(), err: errors.New("connection refused")}
	fs.fail.Store(1)
	l, _ = newLimiter(fs, ratestore.Window{Limit: 5, Period: 60})
	_, err = l.Evaluate(ctxbg, "retry")
	if !errors.Is(err, ErrStore) {
		t.Fatalf("got %v, expected ErrStore", err)
	}
	tcompare(t, fs.updates.Load(), int32(1))
}

func TestRetryCanceled(t *testing.T) {
	conflict := fmt.Errorf("%w: deadlock", ratestore.ErrConflict)
	ctx, cancel := context.WithCancel(ctxbg)
	cancel()
	n := 0
	err := Retry{Attempts: 5, Backoff: time.Hour}.Do(ctx, pkglog, func() error {
		n++
		return conflict
	})
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ratestore.ErrConflict) {
		t.Fatalf("got %v, expected canceled and conflict", err)
	}
	tcompare(t, n, 1)

	err = Retry{}.Do(ctxbg, pkglog, func() error { return nil })
	tcheck(t, err, "retry without error")
}

func TestTimeout(t *testing.T) {
	fs := &faultStore{Store: ratestore.NewMemory(), block: make(chan struct{})}
	l, _ := newLimiter(fs, ratestore.Window{Limit: 5, Period: 60})
	l.timeout = 10 * time.Millisecond
	_, err := l.Evaluate(ctxbg, "slow")
	if !errors.Is(err, ErrStore) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, expected ErrStore with deadline exceeded", err)
	}
}

func TestConcurrent(t *testing.T) {
	st := ratestore.NewMemory()
	l, _ := newLimiter(st, ratestore.Window{Limit: 1, Period: 3600})
	const n = 50
	var allowed atomic.Int32
	var wg sync.WaitGroup
	errc := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Evaluate(ctxbg, "busy")
			if err == nil && r.Decision == Allow {
				allowed.Add(1)
			}
			errc <- err
		}()
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		tcheck(t, <-errc, "evaluate")
	}
	tcompare(t, allowed.Load(), int32(1))
	tcompare(t, used(t, st, "busy"), []uint32{n})
}

func TestNormalize(t *testing.T) {
	st := ratestore.NewMemory()
	l, _ := newLimiter(st, ratestore.Window{Limit: 1, Period: 60})
	l.normalize = true
	// Decomposed and precomposed forms of the same name share their windows.
	evaluate(t, l, "jose\u0301@example.com", Allow)
	evaluate(t, l, "jos\u00e9@example.com", Reject)
	tcompare(t, used(t, st, "jos\u00e9@example.com"), []uint32{2})
}

func TestDecide(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	windows := []ratestore.Window{{Limit: 2, Period: 60}, {Limit: 10, Period: 0}}
	states := []ratestore.State{
		{Period: 60, Quota: 2, Used: 5, WindowStart: now.Add(-time.Minute)},
		{Period: 0, Quota: 10, Used: 9, WindowStart: now.Add(-time.Hour)},
	}
	r, commits := decide(windows, states, now)
	tcompare(t, r.Decision, Allow)
	tcompare(t, commits, []ratestore.Commit{{Reset: true}, {}})

	states[1].Used = 10
	r, commits = decide(windows, states, now)
	tcompare(t, r.Decision, Reject)
	tcompare(t, r.Exceeded, []ratestore.Window{{Limit: 10, Period: 0}})
	tcompare(t, commits, []ratestore.Commit{{Reset: true}, {}})
}
