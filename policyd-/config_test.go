package policyd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/policyd-ratelimit/policyd/config"
	"github.com/policyd-ratelimit/policyd/mlog"
)

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

var ctxbg = context.Background()

func writeConfig(t *testing.T, s string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "policyd.conf")
	err := os.WriteFile(p, []byte(s), 0600)
	tcheck(t, err, "write config")
	return p
}

func TestConfigDefaults(t *testing.T) {
	c, errs := ParseConfig(ctxbg, pkglog, "", Overrides{DSN: "memory:"})
	if len(errs) > 0 {
		t.Fatalf("parse config: %v", errs)
	}
	s := c.Static
	tcompare(t, s.Windows, []config.Window{{Limit: 10, Period: 86400}})
	tcompare(t, s.Socket, "/tmp/policy-rate-limit.sock")
	tcompare(t, s.PoolSize, 5)
	tcompare(t, s.Fallback, config.FallbackDefer)
	tcompare(t, s.RejectText, "Rate limit exceeded")
	tcompare(t, s.StoreTimeout, 5*time.Second)
	tcompare(t, s.Retry.Attempts, 3)
	tcompare(t, s.MaxRequestSize, 64*1024)
	tcompare(t, c.Log[""], mlog.LevelInfo)
}

func TestConfigFile(t *testing.T) {
	p := writeConfig(t, `LogLevel: debug
PackageLogLevels:
	ratestore: trace
DSN: sqlite:///var/lib/policyd/ratelimit.db
Socket: /run/policyd.sock
SocketMode: 0660
Windows:
	-
		Limit: 20
		Period: 3600
	-
		Limit: 200
		Period: 86400
StoreTimeout: 2s
FallbackAction: Reject
`)
	c, errs := ParseConfig(ctxbg, pkglog, p, Overrides{})
	if len(errs) > 0 {
		t.Fatalf("parse config: %v", errs)
	}
	s := c.Static
	tcompare(t, s.Windows, []config.Window{{Limit: 20, Period: 3600}, {Limit: 200, Period: 86400}})
	tcompare(t, s.SocketPerm, os.FileMode(0660))
	tcompare(t, s.StoreTimeout, 2*time.Second)
	tcompare(t, s.Fallback, config.FallbackReject)
	tcompare(t, c.Log, map[string]slog.Level{"": mlog.LevelDebug, "ratestore": mlog.LevelTrace})

	// Command-line windows replace those from the file.
	c, errs = ParseConfig(ctxbg, pkglog, p, Overrides{Limits: []uint32{5, 50}, Periods: []uint32{60, 600}, DSN: "memory:"})
	if len(errs) > 0 {
		t.Fatalf("parse config with overrides: %v", errs)
	}
	tcompare(t, c.Static.Windows, []config.Window{{Limit: 5, Period: 60}, {Limit: 50, Period: 600}})
	tcompare(t, c.Static.DSN, "memory:")

	_, errs = ParseConfig(ctxbg, pkglog, filepath.Join(t.TempDir(), "missing.conf"), Overrides{})
	if len(errs) != 1 {
		t.Fatalf("missing config file: got %v, expected 1 error", errs)
	}
}

func TestConfigInvalid(t *testing.T) {
	test := func(ov Overrides, file string) {
		t.Helper()
		var p string
		if file != "" {
			p = writeConfig(t, file)
		}
		_, errs := ParseConfig(ctxbg, pkglog, p, ov)
		if len(errs) == 0 {
			t.Fatalf("expected config error")
		}
		for _, err := range errs {
			if p == "" && !errors.Is(err, ErrConfig) {
				t.Fatalf("got %v, expected ErrConfig", err)
			}
		}
	}

	test(Overrides{}, "")                                                            // No DSN.
	test(Overrides{DSN: "memory:", Limits: []uint32{1, 2}, Periods: []uint32{60}}, "") // Unpaired windows.
	test(Overrides{DSN: "memory:", Limits: []uint32{1, 2}, Periods: []uint32{60, 60}}, "")
	test(Overrides{DSN: "memory:", LogLevel: "verbose"}, "")
	test(Overrides{DSN: "memory:", Socket: "-"}, "")
	test(Overrides{DSN: "memory:"}, "FallbackAction: tempfail\n")
	test(Overrides{DSN: "memory:"}, "SocketMode: 999\n")
	test(Overrides{DSN: "memory:"}, "PoolSize: -1\n")
	test(Overrides{DSN: "memory:"}, "Bogus: 1\n")
}

func TestOverridesSingle(t *testing.T) {
	var s config.Static
	errs := ApplyOverrides(&s, Overrides{Limits: []uint32{100}})
	if len(errs) > 0 {
		t.Fatalf("apply: %v", errs)
	}
	tcompare(t, s.Windows, []config.Window{{Limit: 100, Period: 86400}})

	s = config.Static{}
	errs = ApplyOverrides(&s, Overrides{Periods: []uint32{3600}})
	if len(errs) > 0 {
		t.Fatalf("apply: %v", errs)
	}
	tcompare(t, s.Windows, []config.Window{{Limit: 10, Period: 3600}})
}
