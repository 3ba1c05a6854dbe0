package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/policyd-ratelimit/policyd/mlog"
)

// Handler returns the http handler for the metrics endpoint, with /metrics in
// prometheus format and a small index page at /.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body>see <a href="metrics">metrics</a></body></html>`)
	})
	return mux
}

// Serve starts serving metrics on ln in a goroutine. The returned server can be
// closed with Shutdown.
func Serve(ln net.Listener) *http.Server {
	srv := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          log.New(mlog.ErrWriter(pkglog, mlog.LevelInfo, "metrics http server error"), "", 0),
	}
	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			pkglog.Errorx("serving metrics", err, slog.String("addr", ln.Addr().String()))
		}
	}()
	return srv
}

// Shutdown gracefully stops a metrics server started by Serve.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
