// Klingdex indexing and query daemon.
//
// Usage:
//
//	klingdexd [--network=mainnet --node-rpc=host:port] Run indexer
//	klingdexd --help                                    Show help
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klingontech/klingdex/config"
	"github.com/klingontech/klingdex/internal/broadcast"
	"github.com/klingontech/klingdex/internal/chainindex"
	"github.com/klingontech/klingdex/internal/feeestimator"
	"github.com/klingontech/klingdex/internal/fetcher"
	"github.com/klingontech/klingdex/internal/httpapi"
	klog "github.com/klingontech/klingdex/internal/log"
	"github.com/klingontech/klingdex/internal/mempoolindex"
	"github.com/klingontech/klingdex/internal/nodeclient"
	"github.com/klingontech/klingdex/internal/query"
	"github.com/klingontech/klingdex/internal/store"
	"github.com/klingontech/klingdex/internal/supervisor"
)

func main() {
	// ── 1. Load config (defaults → file → .env → flags) ─────────────────
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 2. Init logger ───────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating logs dir: %v\n", err)
			os.Exit(1)
		}
		logFile = logsDir + "/klingdex.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := klog.Logger

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("node_rpc", cfg.NodeRPC.Addr).
		Msg("Starting klingdex")

	// ── 3. Open index store ──────────────────────────────────────────────
	db, err := store.Open(cfg.IndexDir())
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.IndexDir()).Msg("Failed to open index store")
	}
	defer db.Close()

	// ── 4. Upstream node client ───────────────────────────────────────────
	timeout := time.Duration(cfg.NodeRPC.TimeoutS) * time.Second
	node := nodeclient.New(cfg.NodeRPC.Addr, cfg.NodeRPC.User, cfg.NodeRPC.Pass, timeout)

	// ── 5. Fetcher, chain indexer, mempool indexer ────────────────────────
	fetch := fetcher.New(node)

	reorgMaxDepth := uint32(cfg.Reorg.MaxDepth)
	if reorgMaxDepth == 0 {
		reorgMaxDepth = 100
	}
	chain, err := chainindex.New(db, reorgMaxDepth, cfg.Network.Params())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create chain indexer")
	}

	pool := mempoolindex.New(chain, 100_000)

	height, tip, ok := chain.Chain().Tip()
	if ok {
		logger.Info().Uint32("height", height).Str("tip", tip.String()[:16]+"...").Msg("Index resumed from store")
	} else {
		logger.Info().Msg("Index starting from genesis")
	}

	// ── 6. Query, fee estimator, broadcast layers ─────────────────────────
	svc := query.New(db, chain, pool, node, cfg.Query)

	fee, err := feeestimator.New(cfg.FeeEst, node, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create fee estimator")
	}

	bcast := broadcast.New(node)

	// ── 7. Supervisor: tip-watch and mempool-sync loops ───────────────────
	supCfg := supervisor.Config{
		PollInterval:        time.Duration(cfg.Supervisor.PollIntervalS) * time.Second,
		MempoolSyncInterval: time.Duration(cfg.Supervisor.MempoolSyncIntervalS) * time.Second,
	}
	if supCfg.PollInterval <= 0 {
		supCfg.PollInterval = 5 * time.Second
	}
	if supCfg.MempoolSyncInterval <= 0 {
		supCfg.MempoolSyncInterval = 30 * time.Second
	}

	sup := supervisor.New(node, fetch, chain, pool, supCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.Run(ctx)
	logger.Info().
		Dur("poll_interval", supCfg.PollInterval).
		Dur("mempool_sync_interval", supCfg.MempoolSyncInterval).
		Msg("Supervisor started")

	// ── 8. HTTP REST server ───────────────────────────────────────────────
	httpAddr := fmt.Sprintf("%s:%d", cfg.HTTP.Addr, cfg.HTTP.Port)
	srv := httpapi.New(httpAddr, svc, fee, bcast, chain, pool, cfg.Network, cfg.HTTP)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Str("addr", httpAddr).Msg("Failed to start HTTP server")
	}
	defer srv.Stop()

	logger.Info().Str("addr", srv.Addr()).Msg("HTTP server started")

	// ── 9. Wait for shutdown ──────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	// Graceful shutdown: stop supervisor → flush store → stop HTTP and close store (via defers).
	sup.Stop()
	cancel()
	if err := db.Flush(); err != nil {
		logger.Warn().Err(err).Msg("Failed to flush index store on shutdown")
	}
	logger.Info().Msg("Goodbye!")
}
