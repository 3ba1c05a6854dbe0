package ratestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/policyd-ratelimit/policyd/mlog"
)

var ctxbg = context.Background()
var pkglog = mlog.New("ratestore", nil)

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

// retryUpdate retries on transient errors, like the limiter does.
func retryUpdate(st Store, username string, windows []Window, now time.Time, fn UpdateFunc) error {
	for i := 0; ; i++ {
		err := st.Update(ctxbg, username, windows, now, fn)
		if err == nil || !IsTransient(err) || i >= 1000 {
			return err
		}
		time.Sleep(time.Millisecond)
	}
}

func update(t *testing.T, st Store, username string, windows []Window, now time.Time, fn UpdateFunc) {
	t.Helper()
	err := retryUpdate(st, username, windows, now, fn)
	tcheck(t, err, "update")
}

func increment(states []State) ([]Commit, error) {
	return make([]Commit, len(states)), nil
}

func checkState(t *testing.T, s State, period, quota, used uint32, start time.Time) {
	t.Helper()
	if s.Period != period || s.Quota != quota || s.Used != used || !s.WindowStart.Equal(start) {
		t.Fatalf("got state %+v, expected period %d, quota %d, used %d, start %s", s, period, quota, used, start)
	}
}

func testStore(t *testing.T, st Store) {
	defer func() {
		err := st.Close()
		tcheck(t, err, "close")
	}()

	t0 := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	windows := []Window{{Limit: 3, Period: 3600}, {Limit: 100, Period: 86400}, {Limit: 1000, Period: 0}}

	// Failing fn leaves nothing behind.
	errFail := errors.New("fail")
	err := st.Update(ctxbg, "a@example.com", windows, t0, func(states []State) ([]Commit, error) {
		return nil, errFail
	})
	if !errors.Is(err, errFail) {
		t.Fatalf("got %v, expected errFail", err)
	}
	l, err := st.List(ctxbg, "a@example.com")
	tcheck(t, err, "list")
	tcompare(t, len(l), 0)

	// New windows are created with zero usage and configured quota, in order of windows.
	update(t, st, "a@example.com", windows, t0, func(states []State) ([]Commit, error) {
		tcompare(t, len(states), 3)
		checkState(t, states[0], 3600, 3, 0, t0)
		checkState(t, states[1], 86400, 100, 0, t0)
		checkState(t, states[2], 0, 1000, 0, t0)
		return increment(states)
	})
	l, err = st.List(ctxbg, "a@example.com")
	tcheck(t, err, "list")
	tcompare(t, len(l), 3)
	checkState(t, l[0], 0, 1000, 1, t0)
	checkState(t, l[1], 3600, 3, 1, t0)
	checkState(t, l[2], 86400, 100, 1, t0)

	// Reset of one window, changed limit is stored as quota.
	t1 := t0.Add(time.Hour)
	windows[1].Limit = 50
	update(t, st, "a@example.com", windows, t1, func(states []State) ([]Commit, error) {
		checkState(t, states[0], 3600, 3, 1, t0)
		checkState(t, states[1], 86400, 100, 1, t0)
		if !states[0].Expired(t1) || states[1].Expired(t1) || states[2].Expired(t1) {
			t.Fatalf("bad expiry at t1 for %v", states)
		}
		return []Commit{{Reset: true}, {}, {}}, nil
	})
	l, err = st.List(ctxbg, "a@example.com")
	tcheck(t, err, "list")
	checkState(t, l[0], 0, 1000, 2, t0)
	checkState(t, l[1], 3600, 3, 1, t1)
	checkState(t, l[2], 86400, 50, 2, t0)

	// Windows no longer configured are kept, but not passed to fn.
	update(t, st, "a@example.com", windows[:1], t1, func(states []State) ([]Commit, error) {
		tcompare(t, len(states), 1)
		return increment(states)
	})
	l, err = st.List(ctxbg, "a@example.com")
	tcheck(t, err, "list")
	tcompare(t, len(l), 3)
	checkState(t, l[1], 3600, 3, 2, t1)

	// Other users are independent.
	l, err = st.List(ctxbg, "b@example.com")
	tcheck(t, err, "list")
	tcompare(t, len(l), 0)

	t2 := t1.Add(time.Minute)
	n, err := st.Reset(ctxbg, "a@example.com", t2)
	tcheck(t, err, "reset")
	tcompare(t, n, 3)
	l, err = st.List(ctxbg, "a@example.com")
	tcheck(t, err, "list")
	for _, s := range l {
		if s.Used != 0 || !s.WindowStart.Equal(t2) {
			t.Fatalf("window not reset: %+v", s)
		}
	}
	n, err = st.Reset(ctxbg, "nobody@example.com", t2)
	tcheck(t, err, "reset unknown user")
	tcompare(t, n, 0)

	// Concurrent updates are all counted.
	const count = 20
	cwindows := []Window{{Limit: 1, Period: 60}, {Limit: 1, Period: 0}}
	var wg sync.WaitGroup
	errc := make(chan error, count)
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errc <- retryUpdate(st, "c@example.com", cwindows, t0, increment)
		}()
	}
	wg.Wait()
	for i := 0; i < count; i++ {
		tcheck(t, <-errc, "concurrent update")
	}
	l, err = st.List(ctxbg, "c@example.com")
	tcheck(t, err, "list")
	tcompare(t, len(l), 2)
	checkState(t, l[0], 0, 1, count, t0)
	checkState(t, l[1], 60, 1, count, t0)
}

func TestMemory(t *testing.T) {
	st, err := Open(ctxbg, pkglog, "memory:", Options{})
	tcheck(t, err, "open")
	testStore(t, st)
}

func TestSQLite(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ratelimit.db")
	st, err := Open(ctxbg, pkglog, "sqlite://"+p, Options{PoolSize: 4, CreateSchema: true})
	tcheck(t, err, "open")
	testStore(t, st)
}

func TestSQLiteMemory(t *testing.T) {
	st, err := Open(ctxbg, pkglog, "sqlite::memory:", Options{CreateSchema: true})
	tcheck(t, err, "open")
	testStore(t, st)
}

func TestBstore(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ratelimit.db")
	st, err := Open(ctxbg, pkglog, "bstore://"+p, Options{})
	tcheck(t, err, "open")
	testStore(t, st)
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := Open(ctxbg, pkglog, "redis://"+mr.Addr()+"/0", Options{KeyPrefix: "test"})
	tcheck(t, err, "open")

	// Keys are per user under the prefix.
	update(t, st, "x@example.com", []Window{{Limit: 5, Period: 60}}, time.Unix(1000, 0).UTC(), increment)
	tcompare(t, mr.HGet("test:x@example.com", "60:used"), "1")
	tcompare(t, mr.HGet("test:x@example.com", "60:quota"), "5")
	tcompare(t, mr.HGet("test:x@example.com", "60:rdate"), "1000")

	testStore(t, st)
}

// TestLiveSQL runs against real database servers, when configured.
func TestLiveSQL(t *testing.T) {
	for _, env := range []string{"POLICYD_TEST_POSTGRES", "POLICYD_TEST_MYSQL"} {
		dsn := os.Getenv(env)
		if dsn == "" {
			continue
		}
		t.Run(env, func(t *testing.T) {
			st, err := Open(ctxbg, pkglog, dsn, Options{CreateSchema: true})
			tcheck(t, err, "open")
			sq := st.(observed).Store.(*sqlStore)
			_, err = sq.db.ExecContext(ctxbg, "DELETE FROM ratelimit WHERE username IN ('a@example.com', 'b@example.com', 'c@example.com')")
			tcheck(t, err, "cleanup")
			testStore(t, st)
		})
	}
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(ctxbg, pkglog, "mongodb://localhost", Options{})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("got %v, expected ErrUnknownBackend", err)
	}
	_, err = Open(ctxbg, pkglog, "sqlite:", Options{})
	if err == nil {
		t.Fatalf("expected error for sqlite without path")
	}
	_, err = Open(ctxbg, pkglog, "bstore://", Options{})
	if err == nil {
		t.Fatalf("expected error for bstore without path")
	}
}

func TestExpired(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := State{Period: 60, WindowStart: t0}
	tcompare(t, s.Expired(t0.Add(59*time.Second)), false)
	tcompare(t, s.Expired(t0.Add(60*time.Second)), true)
	s.Period = 0
	tcompare(t, s.Expired(t0.Add(1000*time.Hour)), false)

	s = State{Period: 60, Used: 5, Quota: 1, WindowStart: t0}
	t1 := t0.Add(time.Minute)
	n := s.Apply(Commit{Reset: true}, Window{Limit: 7, Period: 60}, t1)
	tcompare(t, n, State{Period: 60, Used: 1, Quota: 7, WindowStart: t1})
	n = s.Apply(Commit{}, Window{Limit: 1, Period: 60}, t1)
	tcompare(t, n, State{Period: 60, Used: 6, Quota: 1, WindowStart: t0})
}
