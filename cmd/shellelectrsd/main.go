// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command shellelectrsd indexes a Bitcoin-protocol full node's chain and
// mempool by scripthash and serves the result to Electrum wallets.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btclog"

	"github.com/toole-brendan/shell/internal/cache"
	"github.com/toole-brendan/shell/internal/chain"
	"github.com/toole-brendan/shell/internal/config"
	"github.com/toole-brendan/shell/internal/electrum"
	"github.com/toole-brendan/shell/internal/index"
	"github.com/toole-brendan/shell/internal/logctx"
	"github.com/toole-brendan/shell/internal/mempool"
	"github.com/toole-brendan/shell/internal/metrics"
	"github.com/toole-brendan/shell/internal/p2p"
	"github.com/toole-brendan/shell/internal/rpcclient"
	"github.com/toole-brendan/shell/internal/server"
	"github.com/toole-brendan/shell/internal/store"
)

// version is stamped into server.version replies and the startup log
// line; there is no automated release process for this exercise so it
// is simply a constant.
const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "shellelectrsd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	if err := setupLogging(cfg); err != nil {
		return err
	}
	log := logctx.Logger()
	log.Infof("shellelectrsd %s starting (network=%s, datadir=%s)", version, cfg.Network, cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("shellelectrsd: create data directory %s: %w", cfg.DataDir, err)
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("shellelectrsd: open store: %w", err)
	}
	defer db.Close()

	idx, err := index.Open(db)
	if err != nil {
		return fmt.Errorf("shellelectrsd: open index: %w", err)
	}

	ch := chain.New()
	if cfg.Params.GenesisBlock != nil {
		if err := ch.SeedGenesis(cfg.Params.GenesisBlock.Header); err != nil {
			return fmt.Errorf("shellelectrsd: seed genesis: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p2pClient, err := p2p.Dial(ctx, cfg.P2PAddr, cfg.Params)
	if err != nil {
		return fmt.Errorf("shellelectrsd: connect to full node P2P %s: %w", cfg.P2PAddr, err)
	}
	defer p2pClient.Close()

	rpcClient, err := rpcclient.New(cfg.RPCClientConfig())
	if err != nil {
		return fmt.Errorf("shellelectrsd: build RPC client: %w", err)
	}

	mirror := mempool.New()
	txCache := cache.New()
	recorder := metrics.New()

	dispatcher := &electrum.Dispatcher{
		Params:          cfg.Params,
		Chain:           ch,
		Index:           idx,
		Mirror:          mirror,
		Cache:           txCache,
		RPC:             rpcClient,
		Metrics:         recorder,
		GenesisHash:     ch.Tip(),
		ServerVersion:   "shellelectrsd/" + version,
		Banner:          cfg.Banner,
		DonationAddress: cfg.DonationAddress,
	}

	srv := server.New(cfg.ServerConfig(), dispatcher, ch, idx, mirror, txCache, p2pClient, rpcClient)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("shellelectrsd: start server: %w", err)
	}
	log.Infof("listening for Electrum clients on %s", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// SIGUSR1 triggers an immediate sync tick instead of shutting down,
	// for an operator driving the indexer from a bitcoind blocknotify
	// hook rather than waiting out the sync interval.
	triggerCh := make(chan os.Signal, 1)
	signal.Notify(triggerCh, syscall.SIGUSR1)
	go func() {
		for range triggerCh {
			log.Debugf("SIGUSR1 received, triggering an immediate sync")
			srv.Trigger()
		}
	}()

	go logMetricsPeriodically(ctx, recorder, log)

	<-sigCh
	log.Infof("shutting down")
	srv.Stop()
	return nil
}

// logMetricsPeriodically dumps the per-method latency histogram to the
// log every five minutes; there is no HTTP metrics endpoint (spec.md §1
// treats that as commodity infrastructure out of scope), so this is the
// only place an operator can observe per-method latency.
func logMetricsPeriodically(ctx context.Context, recorder *metrics.Recorder, log btclog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Infof("method latencies: %s", recorder.String())
		}
	}
}

func setupLogging(cfg *config.Config) error {
	var w io.Writer = os.Stdout

	if logPath := cfg.LogFilePath(); logPath != "" {
		rotator, err := logctx.NewRotator(logPath, 10)
		if err != nil {
			return err
		}
		w = io.MultiWriter(os.Stdout, rotator)
	}

	return logctx.Init(w, cfg.DebugLevel)
}
