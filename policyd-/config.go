package policyd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/policyd-ratelimit/policyd/config"
	"github.com/policyd-ratelimit/policyd/mlog"
)

var pkglog = mlog.New("policyd", nil)

// Config path is set early in program startup. Empty means no config file, only
// command-line flags.
var (
	ConfigStaticPath string
	Conf             = Config{Log: map[string]slog.Level{"": mlog.LevelError}}
)

var ErrConfig = errors.New("config error")

// Config as used in the code, a processed version of what is in the config file
// and on the command-line.
type Config struct {
	Static config.Static // Does not change during the lifetime of a running instance.
	Log    map[string]slog.Level
}

// Overrides are settings from the command-line, they take precedence over the
// config file. Zero values are not applied.
type Overrides struct {
	DSN            string
	Socket         string
	Address        string
	MetricsAddress string
	PoolSize       int
	LogLevel       string

	// Limits and Periods are paired by position. If any are set, they replace the
	// windows from the config file.
	Limits  []uint32
	Periods []uint32
}

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig(ov Overrides) {
	errs := LoadConfig(context.Background(), pkglog, ov)
	if len(errs) > 1 {
		pkglog.Error("loading config: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config", errs[0])
	}
}

// LoadConfig attempts to parse and load a config, returning any errors
// encountered.
func LoadConfig(ctx context.Context, log mlog.Log, ov Overrides) []error {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())

	c, errs := ParseConfig(ctx, log, ConfigStaticPath, ov)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(c.Log)
	SetConfig(c)
	return nil
}

// SetConfig sets a new config. Not to be used during normal operation.
func SetConfig(c *Config) {
	Conf = Config{c.Static, c.Log}
}

// ParseConfig parses the static config at path p, if not empty, applies the
// command-line overrides and validates the result.
func ParseConfig(ctx context.Context, log mlog.Log, p string, ov Overrides) (c *Config, errs []error) {
	c = &Config{}

	if p != "" {
		f, err := os.Open(p)
		if err != nil {
			return nil, []error{fmt.Errorf("open config file: %v", err)}
		}
		defer f.Close()
		if err := sconf.Parse(f, &c.Static); err != nil {
			return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
		}
	}

	if xerrs := ApplyOverrides(&c.Static, ov); len(xerrs) > 0 {
		return nil, xerrs
	}
	if xerrs := PrepareStaticConfig(ctx, log, p, c); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

// ApplyOverrides sets fields in c from the command-line.
func ApplyOverrides(c *config.Static, ov Overrides) (errs []error) {
	if ov.DSN != "" {
		c.DSN = ov.DSN
	}
	if ov.Socket != "" {
		c.Socket = ov.Socket
	}
	if ov.Address != "" {
		c.Address = ov.Address
	}
	if ov.MetricsAddress != "" {
		c.MetricsAddress = ov.MetricsAddress
	}
	if ov.PoolSize != 0 {
		c.PoolSize = ov.PoolSize
	}
	if ov.LogLevel != "" {
		c.LogLevel = ov.LogLevel
	}

	if len(ov.Limits) == 0 && len(ov.Periods) == 0 {
		return nil
	}
	limits, periods := ov.Limits, ov.Periods
	if len(limits) != len(periods) {
		// A single limit or period on the command-line pairs with the default for
		// the other.
		switch {
		case len(periods) == 0 && len(limits) == 1:
			periods = []uint32{config.DefaultPeriod}
		case len(limits) == 0 && len(periods) == 1:
			limits = []uint32{config.DefaultLimit}
		default:
			return []error{fmt.Errorf("%w: got %d limits and %d periods, must be paired", ErrConfig, len(limits), len(periods))}
		}
	}
	c.Windows = nil
	for i := range limits {
		c.Windows = append(c.Windows, config.Window{Limit: limits[i], Period: periods[i]})
	}
	return nil
}

// PrepareStaticConfig validates the static config and fills in defaults.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, configFile string, conf *Config) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...)))
	}

	c := &conf.Static

	// Post-process logging config.
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			if conf.Log == nil {
				conf.Log = map[string]slog.Level{}
			}
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if c.DSN == "" {
		addErrorf("missing DSN (hint: set DSN in the config file, use -dsn or set $DSN)")
	}
	if c.PoolSize == 0 {
		c.PoolSize = config.DefaultPoolSize
	} else if c.PoolSize < 0 {
		addErrorf("pool size must be positive, got %d", c.PoolSize)
	}

	if c.Socket == "" {
		c.Socket = config.DefaultSocket
	}
	if c.Socket == "-" && c.Address == "" {
		addErrorf("no listener, socket is disabled and no address configured")
	}
	if c.SocketMode != "" {
		mode, err := strconv.ParseUint(c.SocketMode, 8, 32)
		if err != nil || mode > 0777 {
			addErrorf("invalid socket mode %q, must be octal permissions like 0660", c.SocketMode)
		} else {
			c.SocketPerm = os.FileMode(mode)
		}
	}

	if len(c.Windows) == 0 {
		c.Windows = []config.Window{{Limit: config.DefaultLimit, Period: config.DefaultPeriod}}
	}
	periods := map[uint32]bool{}
	for _, w := range c.Windows {
		if periods[w.Period] {
			addErrorf("duplicate window period %d, each period can be configured once", w.Period)
		}
		periods[w.Period] = true
	}

	if c.StoreTimeout == 0 {
		c.StoreTimeout = config.DefaultStoreTimeout
	} else if c.StoreTimeout < 0 {
		addErrorf("store timeout must be positive")
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = config.DefaultIdleTimeout
	} else if c.IdleTimeout < 0 {
		addErrorf("idle timeout must be positive")
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = config.DefaultMaxConnections
	} else if c.MaxConnections < 0 {
		addErrorf("max connections must be positive")
	}
	if c.ConnectionRate < 0 {
		addErrorf("connection rate cannot be negative")
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = config.DefaultMaxRequestSize
	} else if c.MaxRequestSize < 2 {
		addErrorf("max request size must be at least 2 bytes")
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = config.DefaultRetryAttempts
	} else if c.Retry.Attempts < 0 {
		addErrorf("retry attempts must be positive")
	}
	if c.Retry.Backoff == 0 {
		c.Retry.Backoff = config.DefaultRetryBackoff
	} else if c.Retry.Backoff < 0 {
		addErrorf("retry backoff cannot be negative")
	}

	switch fa := config.FallbackAction(strings.ToLower(c.FallbackAction)); fa {
	case "":
		c.Fallback = config.FallbackDefer
	case config.FallbackDunno, config.FallbackDefer, config.FallbackReject:
		c.Fallback = fa
	default:
		addErrorf("unknown fallback action %q, must be dunno, defer or reject", c.FallbackAction)
	}
	if c.FallbackText == "" {
		c.FallbackText = config.DefaultFallbackText
	}
	if c.RejectText == "" {
		c.RejectText = config.DefaultRejectText
	}
	if strings.ContainsAny(c.RejectText+c.FallbackText, "\r\n") {
		addErrorf("reject and fallback texts cannot contain newlines")
	}
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "policyd"
	}

	return errs
}
