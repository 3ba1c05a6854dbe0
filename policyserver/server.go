// Package policyserver serves the postfix policy delegation protocol.
//
// Each connection is handled in its own goroutine. Requests on a connection are
// handled sequentially: the response to a request is written before the next
// request is evaluated.
package policyserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/policyd-ratelimit/policyd/config"
	"github.com/policyd-ratelimit/policyd/metrics"
	"github.com/policyd-ratelimit/policyd/mlog"
	"github.com/policyd-ratelimit/policyd/policy"
	"github.com/policyd-ratelimit/policyd/policyd-"
	"github.com/policyd-ratelimit/policyd/policydio"
	"github.com/policyd-ratelimit/policyd/ratelimit"
)

var pkglog = mlog.New("policyserver", nil)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_connection_total",
			Help: "Incoming policy connections.",
		},
		[]string{
			"listener", // unix, tcp
		},
	)
)

// For read/write errors and errors that should close the connection.
var errIO = errors.New("io error")

var errRequestTooLarge = errors.New("request too large")

// Sentinel value for panic/recover indicating clean close of connection.
var cleanClose struct{}

// Evaluator decides on the rate limit for a sender.
type Evaluator interface {
	Evaluate(ctx context.Context, username string) (ratelimit.Result, error)
}

// Config for a Server.
type Config struct {
	IdleTimeout    time.Duration // For reading a complete request.
	MaxRequestSize int
	MaxConnections int     // Zero means no limit.
	ConnectionRate float64 // New connections per second, zero means no limit.
	RejectText     string
	Fallback       policy.Action // When evaluation fails.
}

// FallbackAction returns the response for failed evaluations.
func FallbackAction(fa config.FallbackAction, text string) policy.Action {
	switch fa {
	case config.FallbackDunno:
		return policy.Dunno()
	case config.FallbackReject:
		return policy.Reject(text)
	default:
		return policy.DeferIfPermit(text)
	}
}

// Server accepts policy connections on its listeners.
type Server struct {
	evaluator Evaluator
	config    Config

	sync.Mutex
	listeners []*listener
	wg        sync.WaitGroup
}

type listener struct {
	name string // "unix" or "tcp", for logging and metrics.
	ln   net.Listener
}

// New returns a server without listeners.
func New(ev Evaluator, c Config) *Server {
	if c.MaxRequestSize <= 0 {
		c.MaxRequestSize = config.DefaultMaxRequestSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = config.DefaultIdleTimeout
	}
	if c.Fallback.Name == "" {
		c.Fallback = policy.DeferIfPermit(config.DefaultFallbackText)
	}
	if c.RejectText == "" {
		c.RejectText = config.DefaultRejectText
	}
	return &Server{evaluator: ev, config: c}
}

// ListenUnix listens on a unix domain socket at path. A stale socket file from
// an earlier run is removed. If perm is not zero, the permissions of the socket
// file are changed.
func (s *Server) ListenUnix(path string, perm os.FileMode) error {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("existing file %s is not a socket, not removing", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing stale socket: %v", err)
		}
		pkglog.Debug("removed stale socket", slog.String("path", path))
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on unix socket: %w", err)
	}
	if perm != 0 {
		if err := os.Chmod(path, perm); err != nil {
			ln.Close()
			return fmt.Errorf("setting permissions of socket: %w", err)
		}
	}
	s.add("unix", ln)
	return nil
}

// ListenTCP listens on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on tcp address: %w", err)
	}
	s.add("tcp", ln)
	return nil
}

func (s *Server) add(name string, ln net.Listener) {
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}
	s.Lock()
	defer s.Unlock()
	s.listeners = append(s.listeners, &listener{name, ln})
	pkglog.Print("listening for policy requests", slog.String("listener", name), slog.String("address", ln.Addr().String()))
}

// Addrs returns the addresses of the listeners.
func (s *Server) Addrs() []net.Addr {
	s.Lock()
	defer s.Unlock()
	var l []net.Addr
	for _, ln := range s.listeners {
		l = append(l, ln.ln.Addr())
	}
	return l
}

// Serve starts serving on all listeners, launching a goroutine per listener.
func (s *Server) Serve() {
	s.Lock()
	defer s.Unlock()
	for _, l := range s.listeners {
		s.wg.Add(1)
		go s.accept(l)
	}
}

func (s *Server) accept(l *listener) {
	defer s.wg.Done()

	var limiter *rate.Limiter
	if s.config.ConnectionRate > 0 {
		burst := s.config.MaxConnections
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.config.ConnectionRate), burst)
	}

	for {
		if limiter != nil {
			if err := limiter.Wait(policyd.Shutdown); err != nil {
				return
			}
		}
		nc, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			pkglog.Infox("accept", err, slog.String("listener", l.name))
			if policyd.Sleep(policyd.Shutdown, 100*time.Millisecond) {
				return
			}
			continue
		}
		go s.serve(l.name, policyd.Cid(), nc)
	}
}

// Close stops the listeners and waits for the accept loops to finish. The unix
// socket file is removed. Open connections are not closed.
func (s *Server) Close() error {
	s.Lock()
	var errs *multierror.Error
	for _, l := range s.listeners {
		if err := l.ln.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing %s listener: %w", l.name, err))
		}
	}
	s.listeners = nil
	s.Unlock()
	s.wg.Wait()
	return errs.ErrorOrNil()
}

type conn struct {
	cid      int64
	srv      *Server
	nc       net.Conn
	r        io.Reader // Traced reads from nc.
	w        io.Writer // Traced writes to nc.
	listener string
	log      mlog.Log
	lastlog  time.Time
	username string // Of the last request, for logging.

	buf  []byte // Unprocessed data, at most a partial request.
	rbuf []byte
}

func (s *Server) serve(listenerName string, cid int64, nc net.Conn) {
	c := &conn{
		cid:      cid,
		srv:      s,
		nc:       nc,
		listener: listenerName,
		lastlog:  time.Now(),
		rbuf:     make([]byte, 4096),
	}
	var logmutex sync.Mutex
	c.log = pkglog.WithFunc(func() []slog.Attr {
		logmutex.Lock()
		defer logmutex.Unlock()
		now := time.Now()
		l := []slog.Attr{
			slog.Int64("cid", c.cid),
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		if c.username != "" {
			l = append(l, slog.String("username", c.username))
		}
		return l
	})

	c.r = policydio.NewTraceReader(c.log, "RC: ", nc)
	c.w = policydio.NewTraceWriter(c.log, "LW: ", nc)

	metricConnection.WithLabelValues(listenerName).Inc()
	c.log.Debug("new connection", slog.String("listener", listenerName))

	defer func() {
		err := c.nc.Close()
		c.log.Check(err, "closing connection")

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Debug("connection closed")
		} else if err, ok := x.(error); ok && errors.Is(err, errIO) && policydio.IsClosed(err) {
			c.log.Debugx("connection closed by peer", err)
		} else if ok && errors.Is(err, errIO) {
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc("policyserver")
		}
	}()

	policyd.Connections.Register(nc, "policy", listenerName)
	defer policyd.Connections.Unregister(nc)

	for {
		req, err := c.readRequest()
		c.handle(req, err)
	}
}

// readRequest returns the next request from the connection. A malformed request
// is returned as error. It panics on i/o errors, at the end of the connection,
// for too large requests and when shutting down between requests.
func (c *conn) readRequest() (policy.Request, error) {
	deadline := time.Now().Add(c.srv.config.IdleTimeout)
	for {
		req, n, err := policy.Decode(c.buf)
		if n > 0 {
			c.buf = append(c.buf[:0], c.buf[n:]...)
			return req, err
		}
		if len(c.buf) >= c.srv.config.MaxRequestSize {
			panic(fmt.Errorf("%w: more than %d bytes without end of request (%w)", errRequestTooLarge, c.srv.config.MaxRequestSize, errIO))
		}
		if len(c.buf) == 0 {
			select {
			case <-policyd.Shutdown.Done():
				panic(cleanClose)
			default:
			}
		}

		if err := c.nc.SetReadDeadline(deadline); err != nil {
			c.log.Errorx("setting deadline for read", err)
		}
		rbuf := c.rbuf
		if room := c.srv.config.MaxRequestSize - len(c.buf); room < len(rbuf) {
			rbuf = rbuf[:room]
		}
		nn, err := c.r.Read(rbuf)
		c.buf = append(c.buf, rbuf[:nn]...)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(c.buf) > 0 {
				c.log.Debug("discarding incomplete request at end of connection", slog.Int("size", len(c.buf)))
			}
			panic(cleanClose)
		}
		panic(fmt.Errorf("read: %w (%w)", err, errIO))
	}
}

// handle evaluates a request and writes the response.
func (c *conn) handle(req policy.Request, err error) {
	var action policy.Action
	var result string
	if err != nil {
		c.log.Infox("malformed policy request, responding with dunno", err)
		action = policy.Dunno()
		result = "malformed"
	} else {
		c.username = req.SASLUsername()
		c.log.Debug("policy request", req.LogAttrs()...)

		ctx := context.WithValue(policyd.Context, mlog.CidKey, c.cid)
		r, err := c.srv.evaluator.Evaluate(ctx, c.username)
		switch {
		case err != nil:
			action = c.srv.config.Fallback
			result = "fallback"
			c.log.Errorx("rate limit evaluation failed, responding with fallback", err, slog.String("action", action.String()))
		case r.Bypass:
			action = policy.Dunno()
			result = "bypass"
		case r.Decision == ratelimit.Reject:
			action = policy.Reject(c.srv.config.RejectText)
			result = "reject"
			c.log.Info("rate limit exceeded, rejecting",
				slog.Any("exceeded", r.Exceeded),
				slog.String("sender", req["sender"]),
				slog.String("recipient", req["recipient"]))
		default:
			action = policy.Dunno()
			result = "allow"
		}
	}
	metrics.RequestInc(c.listener, result)
	c.write(action.Encode())
}

// write writes a response. It panics on i/o errors.
func (c *conn) write(buf []byte) {
	if err := c.nc.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
		c.log.Errorx("setting deadline for write", err)
	}
	if _, err := c.w.Write(buf); err != nil {
		panic(fmt.Errorf("write: %w (%w)", err, errIO))
	}
}
