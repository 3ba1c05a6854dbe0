package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/policyd-ratelimit/policyd/metrics"
	"github.com/policyd-ratelimit/policyd/mlog"
	"github.com/policyd-ratelimit/policyd/policyd-"
	"github.com/policyd-ratelimit/policyd/policyserver"
	"github.com/policyd-ratelimit/policyd/ratelimit"
	"github.com/policyd-ratelimit/policyd/ratestore"
)

// service is a running policy daemon.
type service struct {
	store   ratestore.Store
	limiter *ratelimit.Limiter
	server  *policyserver.Server
	metrics *http.Server // Nil if not enabled.
}

func shutdown(log mlog.Log, svc *service) error {
	// We indicate we are shutting down. Causes connections to close after their
	// current request.
	policyd.ShutdownCancel()

	var errs *multierror.Error
	if err := svc.server.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	// Now we are going to wait for all connections to be gone, up to a timeout.
	done := policyd.Connections.Done()
	select {
	case <-done:
		log.Print("connections shutdown")

	case <-time.After(3 * time.Second):
		// We now cancel all pending operations, and set an immediate deadline on sockets.
		// Should get us a clean shutdown relatively quickly.
		policyd.ContextCancel()
		policyd.Connections.Shutdown()

		select {
		case <-done:
			log.Print("no more connections, shutdown is clean")
		case <-time.After(time.Second):
			log.Print("shutting down with pending connections", slog.Int("connections", policyd.Connections.Count()))
		}
	}

	if svc.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := metrics.Shutdown(ctx, svc.metrics); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("stopping metrics server: %w", err))
		}
	}
	if err := svc.store.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errs.ErrorOrNil()
}

// start opens the store and starts the listeners for policy requests and
// metrics, then returns. On error, everything started is stopped again.
func start(ctx context.Context, log mlog.Log) (rsvc *service, rerr error) {
	sc := policyd.Conf.Static

	openctx, cancel := context.WithTimeout(ctx, sc.StoreTimeout)
	defer cancel()
	st, err := ratestore.Open(openctx, log, sc.DSN, ratestore.Options{
		PoolSize:     sc.PoolSize,
		CreateSchema: sc.CreateSchema,
		KeyPrefix:    sc.RedisKeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	svc := &service{store: st}
	defer func() {
		if rerr == nil {
			return
		}
		if svc.server != nil {
			err := svc.server.Close()
			log.Check(err, "closing listeners after failed start")
		}
		if svc.metrics != nil {
			err := svc.metrics.Close()
			log.Check(err, "closing metrics server after failed start")
		}
		err := st.Close()
		log.Check(err, "closing store after failed start")
	}()

	var windows []ratestore.Window
	for _, w := range sc.Windows {
		windows = append(windows, ratestore.Window{Limit: w.Limit, Period: w.Period})
	}
	svc.limiter = ratelimit.New(st, ratelimit.Config{
		Windows:   windows,
		Timeout:   sc.StoreTimeout,
		Retry:     ratelimit.Retry{Attempts: sc.Retry.Attempts, Backoff: sc.Retry.Backoff},
		Slots:     sc.PoolSize,
		Normalize: sc.NormalizeUsername,
	})

	svc.server = policyserver.New(svc.limiter, policyserver.Config{
		IdleTimeout:    sc.IdleTimeout,
		MaxRequestSize: sc.MaxRequestSize,
		MaxConnections: sc.MaxConnections,
		ConnectionRate: sc.ConnectionRate,
		RejectText:     sc.RejectText,
		Fallback:       policyserver.FallbackAction(sc.Fallback, sc.FallbackText),
	})
	if sc.Socket != "-" {
		if err := svc.server.ListenUnix(sc.Socket, sc.SocketPerm); err != nil {
			return nil, err
		}
	}
	if sc.Address != "" {
		if err := svc.server.ListenTCP(sc.Address); err != nil {
			return nil, err
		}
	}

	if sc.MetricsAddress != "" {
		ln, err := net.Listen("tcp", sc.MetricsAddress)
		if err != nil {
			return nil, fmt.Errorf("listen for metrics: %w", err)
		}
		svc.metrics = metrics.Serve(ln)
		log.Print("serving metrics", slog.String("addr", ln.Addr().String()))
	}

	svc.server.Serve()
	return svc, nil
}
