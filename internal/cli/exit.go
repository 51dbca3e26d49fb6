package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ocbridge/ocbridge/internal/auth"
	"github.com/ocbridge/ocbridge/internal/config"
	"github.com/ocbridge/ocbridge/internal/controlapi"
	"github.com/ocbridge/ocbridge/internal/debughttp"
	ilog "github.com/ocbridge/ocbridge/internal/log"
	"github.com/ocbridge/ocbridge/internal/ocserv"
	"github.com/ocbridge/ocbridge/internal/relayserver"
	"github.com/ocbridge/ocbridge/internal/store/sqlite"
)

const httpShutdownTimeout = 5 * time.Second

func runExit(ctx context.Context, args []string) int {
	cfg, err := config.ParseExitFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "exit config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	// Resolve the token once so the relay server and control API share the
	// same digest and the token file is read a single time.
	tokenHash, err := auth.LoadTokenHash(cfg.TokenHash, cfg.TokenFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "exit config error:", err)
		return 2
	}
	cfg.TokenHash = tokenHash

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer store.Close()

	if err := debughttp.StartPprofServer(ctx, cfg.PprofAddr, logger, "exit"); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	daemon := ocserv.NewExec(logger, cfg.OcpasswdPath, cfg.OcctlPath, cfg.PasswdFile)
	relay, err := relayserver.New(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relay error:", err)
		return 2
	}
	api := controlapi.New(logger, store, daemon, tokenHash, relay.Stats)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		relay.Janitor(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				api.CleanupTick()
			}
		}
	}()

	startServer := func(name, addr string, handler http.Handler) {
		// Unauthenticated peers get AuthTimeout to present their request
		// headers before the connection is dropped.
		srv := &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: cfg.AuthTimeout,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancelShutdown()
			_ = srv.Shutdown(shutdownCtx)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info(name+" listening", "addr", addr, "tls", cfg.TLSCertFile != "")
			var err error
			if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
				err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
		logger.Warn("no TLS certificate configured, serving plaintext; front with a TLS terminator")
	}
	startServer("relay server", cfg.ListenRelay, relay.Handler())
	startServer("control api", cfg.ListenAPI, api.Handler())

	logger.Info("exit node up", "vpn", cfg.VPNAddr)
	<-ctx.Done()
	relay.Shutdown()
	wg.Wait()

	select {
	case err := <-errCh:
		fmt.Fprintln(os.Stderr, "exit error:", err)
		return 1
	default:
		return 0
	}
}
