package config

import (
	"os"
	"time"
)

// Defaults for optional fields that are left at their zero value.
const (
	DefaultSocket         = "/tmp/policy-rate-limit.sock"
	DefaultPoolSize       = 5
	DefaultLimit          = 10
	DefaultPeriod         = 86400
	DefaultStoreTimeout   = 5 * time.Second
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultMaxConnections = 256
	DefaultMaxRequestSize = 64 * 1024
	DefaultRetryAttempts  = 3
	DefaultRetryBackoff   = 20 * time.Millisecond
	DefaultRejectText     = "Rate limit exceeded"
	DefaultFallbackText   = "Rate limit service unavailable, try again later"
)

// Static is the parsed form of the policyd.conf configuration file, with
// command-line overrides applied.
type Static struct {
	LogLevel         string            `sconf:"optional" sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDefault log level, one of: error, warn, info, debug, trace. Trace also logs the raw policy requests. Default: info."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. policyserver, ratelimit, ratestore, metrics)."`

	DSN      string `sconf:"optional" sconf-doc:"Database holding the rate limit counters. Schemes: postgres://, mysql://, sqlite://, bstore://, redis://, memory:. Can also be set with $DSN or -dsn. Required."`
	PoolSize int    `sconf:"optional" sconf-doc:"Maximum number of database connections in use at the same time. Requests wait for a connection when all are in use. Default: 5."`

	Socket         string `sconf:"optional" sconf-doc:"Path to the unix domain socket the mail server connects to. A stale socket file is removed at startup. Default: /tmp/policy-rate-limit.sock. Set to \"-\" to disable when Address is set."`
	SocketMode     string `sconf:"optional" sconf-doc:"File permissions for the socket, in octal, e.g. 0660. By default, the permissions are left as created under the process umask."`
	Address        string `sconf:"optional" sconf-doc:"Optional TCP address to also listen on for policy requests, e.g. 127.0.0.1:10031."`
	MetricsAddress string `sconf:"optional" sconf-doc:"Optional TCP address serving prometheus metrics at /metrics, e.g. 127.0.0.1:8010."`

	Windows []Window `sconf:"optional" sconf-doc:"Rate limit windows, identical for every sender. A message is only allowed if all windows have quota left. Each evaluated message, allowed or rejected, counts against all windows. Default: a single window of 10 messages per 86400 seconds."`

	StoreTimeout   time.Duration `sconf:"optional" sconf-doc:"Maximum duration of a single rate limit evaluation against the database, including retries. Exceeding it is handled as a database failure, see FallbackAction. Default: 5s."`
	IdleTimeout    time.Duration `sconf:"optional" sconf-doc:"Close connections that do not complete a policy request within this duration. Default: 5m."`
	MaxConnections int           `sconf:"optional" sconf-doc:"Maximum number of connections served at the same time. Further connections wait to be accepted. Default: 256."`
	ConnectionRate float64       `sconf:"optional" sconf-doc:"If non-zero, maximum number of new connections accepted per second, with a burst of MaxConnections."`
	MaxRequestSize int           `sconf:"optional" sconf-doc:"Maximum size in bytes of a single policy request. Connections sending larger requests are closed. Default: 65536."`

	Retry struct {
		Attempts int           `sconf:"optional" sconf-doc:"Total number of attempts for an evaluation that fails with a transient database conflict, e.g. a deadlock or serialization failure. Default: 3."`
		Backoff  time.Duration `sconf:"optional" sconf-doc:"Delay before the first retry, doubled for each next retry. Default: 20ms."`
	} `sconf:"optional" sconf-doc:"Retrying of evaluations that fail with a transient database conflict."`

	FallbackAction string `sconf:"optional" sconf-doc:"Response when the database fails or times out: dunno (accept the message), defer (temporary failure, DEFER_IF_PERMIT) or reject. Default: defer."`
	FallbackText   string `sconf:"optional" sconf-doc:"Text for the defer and reject fallback actions. Default: Rate limit service unavailable, try again later."`
	RejectText     string `sconf:"optional" sconf-doc:"Text returned with REJECT when a sender is over quota. Default: Rate limit exceeded."`

	NormalizeUsername bool   `sconf:"optional" sconf-doc:"Normalize SASL usernames to unicode NFC before using them as key in the database, so differently encoded but equal names share their counters."`
	CreateSchema      bool   `sconf:"optional" sconf-doc:"Create the ratelimit table at startup if it does not exist. Only for SQL databases."`
	RedisKeyPrefix    string `sconf:"optional" sconf-doc:"Prefix for redis keys. Default: policyd."`

	Fallback   FallbackAction `sconf:"-" json:"-"` // Parsed form of FallbackAction.
	SocketPerm os.FileMode     `sconf:"-" json:"-"` // Parsed form of SocketMode, 0 if not set.
}

// Window is a rate limit window: at most Limit messages per Period seconds.
type Window struct {
	Limit  uint32 `sconf-doc:"Maximum number of messages in the period. Zero means every message is rejected."`
	Period uint32 `sconf-doc:"Period in seconds after which the counter is reset. Zero means the counter is never reset, for a permanent cap."`
}

// FallbackAction is the response to a request that could not be evaluated
// because of a database failure.
type FallbackAction string

const (
	FallbackDunno  FallbackAction = "dunno"
	FallbackDefer  FallbackAction = "defer"
	FallbackReject FallbackAction = "reject"
)
