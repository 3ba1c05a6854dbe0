// Package mlog provides logging on top of slog, with log levels configurable
// per originating package and attributes for connection ids.
//
// Log levels can be configured per package, e.g. policyserver, ratestore. The
// configuration is application-global, each Log instance uses the same log
// levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
//
// Fatal* stops the program. Its log text is always printed.
//
// Logging strings themselves should be constant, for easier log processing.
// Variable data goes into attributes.
package mlog

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Logfmt enables logfmt output instead of the default human-oriented output.
var Logfmt bool

// Levels in use. Print and fatal are always printed.
const (
	LevelPrint slog.Level = 12
	LevelFatal slog.Level = 10
	LevelError slog.Level = 8
	LevelWarn  slog.Level = 4
	LevelInfo  slog.Level = 0
	LevelDebug slog.Level = -4
	LevelTrace slog.Level = -8
)

// Levels maps the configurable level names to levels.
var Levels = map[string]slog.Level{
	"print": LevelPrint,
	"fatal": LevelFatal,
	"error": LevelError,
	"warn":  LevelWarn,
	"info":  LevelInfo,
	"debug": LevelDebug,
	"trace": LevelTrace,
}

// LevelStrings maps levels to their names.
var LevelStrings = map[slog.Level]string{
	LevelPrint: "print",
	LevelFatal: "fatal",
	LevelError: "error",
	LevelWarn:  "warn",
	LevelInfo:  "info",
	LevelDebug: "debug",
	LevelTrace: "trace",
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a log
// level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for
// logging.
var CidKey key = "cid"

// Output is where log lines are written. Tests can replace it.
var output io.Writer = os.Stderr
var outputMutex sync.Mutex

// Log wraps an slog.Logger, providing convenience functions.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds field "pkg". If logger is nil, a new logger
// writing with the global configuration is created.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{pkg: pkg})
	}
	return Log{logger}.WithPkg(pkg)
}

// WithPkg returns a new logger with an attribute "pkg". Log levels are
// matched against the last pkg attribute.
func (l Log) WithPkg(pkg string) Log {
	if h, ok := l.Logger.Handler().(*handler); ok {
		nh := *h
		nh.pkg = pkg
		return Log{slog.New(&nh)}
	}
	return Log{l.Logger.With(slog.String("pkg", pkg))}
}

// WithCid adds attribute "cid".
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present. A context is often passed
// between packages for an operation. At the start of a function, a variable
// "log" is typically made from a package-level "pkglog" with WithContext.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	cid := cidv.(int64)
	return l.WithCid(cid)
}

// With adds attributes that are logged with each line.
func (l Log) With(attrs ...slog.Attr) Log {
	if len(attrs) == 0 {
		return l
	}
	if h, ok := l.Logger.Handler().(*handler); ok {
		nh := *h
		nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
		return Log{slog.New(&nh)}
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

// WithFunc sets fn to be called for additional attributes on each logged line.
// Used for connections, where the attributes change over time.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	if h, ok := l.Logger.Handler().(*handler); ok {
		nh := *h
		nh.fn = fn
		return Log{slog.New(&nh)}
	}
	return l
}

// Check logs an error if err is not nil. Intended for logging errors that are
// good to know, but would not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func errAttr(err error) slog.Attr {
	return slog.Any("err", err)
}

func (l Log) logx(level slog.Level, err error, msg string, attrs ...slog.Attr) {
	if !l.Logger.Enabled(noctx, level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, level, msg, attrs...)
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelFatal, err, msg, attrs...)
	os.Exit(1)
}

func (l Log) Print(msg string, attrs ...slog.Attr) { l.Printx(msg, nil, attrs...) }
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelPrint, err, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.Errorx(msg, nil, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelError, err, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.Infox(msg, nil, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelInfo, err, msg, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.Debugx(msg, nil, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelDebug, err, msg, attrs...)
}

// Trace logs data at trace level, prefixed, e.g. a raw protocol frame.
func (l Log) Trace(prefix string, data []byte) {
	if !l.Logger.Enabled(noctx, LevelTrace) {
		return
	}
	l.Logger.LogAttrs(noctx, LevelTrace, "trace", slog.String("data", prefix+string(data)))
}

type handler struct {
	pkg   string
	attrs []slog.Attr
	fn    func() []slog.Attr
}

var _ slog.Handler = (*handler)(nil)

// match returns whether level is enabled for package pkg.
func match(pkg string, level slog.Level) bool {
	if level == LevelPrint || level == LevelFatal {
		return true
	}
	cl := config.Load().(map[string]slog.Level)
	if v, ok := cl[pkg]; ok {
		return level >= v
	}
	v, ok := cl[""]
	return ok && level >= v
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return match(h.pkg, level)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	// Groups are not used, attributes are kept flat.
	return h
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	attrs := []slog.Attr{slog.String("pkg", h.pkg)}
	attrs = append(attrs, h.attrs...)
	if h.fn != nil {
		attrs = append(attrs, h.fn()...)
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})

	level := LevelStrings[r.Level]
	if level == "" {
		level = r.Level.String()
	}

	// We build up a buffer so we can do a single atomic write of the data.
	// Otherwise partial log lines may interleave.
	b := &bytes.Buffer{}
	if Logfmt {
		fmt.Fprintf(b, "l=%s m=%s", level, logfmtValue(r.Message))
		for _, a := range attrs {
			fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(stringValue(a.Key == "cid", a.Value.Any())))
		}
	} else {
		fmt.Fprintf(b, "%s: %s", level, r.Message)
		if len(attrs) > 0 {
			b.WriteString(" (")
			for i, a := range attrs {
				if i > 0 {
					b.WriteString("; ")
				}
				fmt.Fprintf(b, "%s: %s", a.Key, logfmtValue(stringValue(a.Key == "cid", a.Value.Any())))
			}
			b.WriteString(")")
		}
	}
	b.WriteString("\n")

	outputMutex.Lock()
	defer outputMutex.Unlock()
	_, err := output.Write(b.Bytes())
	return err
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return strconv.Quote(s)
		}
	}
	return s
}

func stringValue(iscid bool, v any) string {
	// Handle some common types first.
	if v == nil {
		return ""
	}
	switch r := v.(type) {
	case string:
		return r
	case int:
		return strconv.Itoa(r)
	case int64:
		if iscid {
			return fmt.Sprintf("%x", r)
		}
		return strconv.FormatInt(r, 10)
	case bool:
		return strconv.FormatBool(r)
	case float64:
		return fmt.Sprintf("%v", r)
	case time.Duration:
		return r.String()
	case time.Time:
		return r.Format(time.RFC3339)
	case []byte:
		return base64.RawURLEncoding.EncodeToString(r)
	case []string:
		return "[" + strings.Join(r, ",") + "]"
	case error:
		return r.Error()
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return ""
	}
	if r, ok := v.(fmt.Stringer); ok {
		return r.String()
	}
	return fmt.Sprintf("%v", v)
}

type errWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	err := fmt.Errorf("%s", strings.TrimSpace(string(buf)))
	w.log.logx(w.level, err, w.msg)
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on "log"
// with given "level" and "msg" and the written content as an error.
// Can be used for making a Go log.Logger for use in http.Server.ErrorLog.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}
