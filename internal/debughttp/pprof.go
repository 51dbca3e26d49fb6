// Package debughttp exposes the optional pprof endpoint either node
// process can enable for live profiling.
package debughttp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"
)

const drainTimeout = 5 * time.Second

// StartPprofServer binds a pprof HTTP listener on addr and serves it until
// ctx is canceled. An empty addr is a no-op. The bind happens synchronously
// so a misconfigured address aborts startup instead of failing later.
func StartPprofServer(ctx context.Context, addr string, log *slog.Logger, component string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if log != nil {
			log.Info("pprof listening", "component", component, "addr", ln.Addr().String())
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && log != nil {
			log.Error("pprof server error", "component", component, "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		_ = srv.Shutdown(drainCtx)
	}()

	return nil
}
