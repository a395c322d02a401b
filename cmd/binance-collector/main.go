// binance-collector continuously collects live trade and order-book
// depth streams for a configurable set of currency pairs from the
// Binance combined-stream endpoint and persists the raw messages into
// per-pair, per-day gzip files. A periodic manager reconciles the local
// pair set against the exchange catalogue, and a small HTTP API exposes
// status and manual start/stop control.
//
// Usage:
//
//	./binance-collector              # reads ./config.yaml
//	./binance-collector -config /etc/collector.yaml
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coinlake/binance-collector/internal/app"
	"github.com/coinlake/binance-collector/internal/binance"
	"github.com/coinlake/binance-collector/internal/collector"
	"github.com/coinlake/binance-collector/internal/config"
	"github.com/coinlake/binance-collector/internal/datafile"
	"github.com/coinlake/binance-collector/internal/logging"
	"github.com/coinlake/binance-collector/internal/manager"
	"github.com/coinlake/binance-collector/internal/model"
	"github.com/coinlake/binance-collector/internal/repository"
	"github.com/coinlake/binance-collector/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Init(logging.Config{})
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})
	log.Info().Str("config", *configPath).Str("data_root", cfg.DataRoot).
		Msg("binance-collector starting")

	// Root context cancelled on SIGINT or SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
	}()

	repo, err := repository.OpenFile(filepath.Join(cfg.DataRoot, "currency_pairs.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open currency pair repository")
	}

	files := datafile.NewManager(cfg.DataRoot, cfg.DataFileNamePattern)
	defer files.Close()

	defaultPair := model.NewCurrencyPair(cfg.DefaultCurrencyPair.Base, cfg.DefaultCurrencyPair.Quote)

	dc := collector.New(defaultPair, files)
	dc.Start()
	defer dc.Shutdown()

	mgr := manager.New(binance.NewClient(), repo, dc, time.Duration(cfg.SnapshotPeriodS)*time.Second)
	mgr.Start()
	defer mgr.Stop()

	svc := app.NewService(repo, dc, mgr.Pairs(), mgr.Changes())
	svc.Start()
	defer svc.Stop()

	// Blocks until the context is cancelled.
	if err := server.New(svc, cfg.ListenAddr).Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("binance-collector stopped")
}
