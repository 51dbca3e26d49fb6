package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/ocbridge/ocbridge/internal/config"
	"github.com/ocbridge/ocbridge/internal/controlapi"
	"github.com/ocbridge/ocbridge/internal/debughttp"
	"github.com/ocbridge/ocbridge/internal/domain"
	ilog "github.com/ocbridge/ocbridge/internal/log"
	"github.com/ocbridge/ocbridge/internal/reconcile"
	"github.com/ocbridge/ocbridge/internal/relayclient"
	"github.com/ocbridge/ocbridge/internal/store/sqlite"
)

func runEntry(ctx context.Context, args []string) int {
	cfg, err := config.ParseEntryFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "entry config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer store.Close()

	nodes, err := store.ListNodes(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	if len(nodes) == 0 {
		fmt.Fprintln(os.Stderr, "no exit node registered; run `ocbridge node add` first")
		return 2
	}
	node := nodes[0]
	if len(nodes) > 1 {
		logger.Warn("multiple exit nodes registered, using the first", "node", node.Host)
	}

	if err := debughttp.StartPprofServer(ctx, cfg.PprofAddr, logger, "entry"); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	apiClient := controlapi.NewClient(
		fmt.Sprintf("https://%s:%d", node.Host, node.APIPort),
		node.Token,
		controlapi.ClientOptions{Timeout: cfg.RequestTimeout, NodeID: node.ID, InsecureTLS: cfg.AllowInsecureTLS},
	)
	relay := relayclient.New(cfg, node, logger)
	coordinator := reconcile.New(logger, store, apiClient, reconcile.Options{
		Interval:     cfg.ReconcileInterval,
		Workers:      cfg.SyncWorkers,
		RetryCeiling: cfg.SyncRetryCeiling,
	})
	prober := reconcile.NewProber(logger, apiClient, store, node.ID, cfg.ProbeInterval, cfg.ProbeDownAfter)
	traffic := reconcile.NewTrafficPoller(logger, apiClient, store, coordinator, cfg.TrafficInterval)

	ln, err := net.Listen("tcp", cfg.ListenLocal)
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen error:", err)
		return 1
	}
	logger.Info("entry node up", "listen", cfg.ListenLocal, "node", node.Host)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var runErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := relay.Run(ctx); err != nil {
			runErr = err
			cancel()
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		coordinator.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		prober.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		traffic.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		_ = ln.Close()
	}()

	acceptLoop(ctx, ln, relay, logger)
	cancel()
	wg.Wait()

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "entry error:", runErr)
		return 1
	}
	return 0
}

// acceptLoop feeds accepted end-user connections into the relay client's
// bounded queue; when the queue is full the connection is refused rather
// than silently stalled.
func acceptLoop(ctx context.Context, ln net.Listener, relay *relayclient.Client, logger *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("accept failed", "err", err)
			continue
		}
		if err := relay.HandleConn(conn); err != nil {
			if errors.Is(err, domain.ErrBackpressure) {
				logger.Warn("connection refused, accept queue full", "remote", conn.RemoteAddr())
			} else {
				logger.Warn("connection refused", "remote", conn.RemoteAddr(), "err", err)
			}
			_ = conn.Close()
		}
	}
}
