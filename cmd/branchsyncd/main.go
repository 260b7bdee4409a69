package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"branchsync/adminapi"
	"branchsync/branchnet"
	"branchsync/config"
	"branchsync/correlate"
	"branchsync/liveness"
	"branchsync/observability/logging"
	"branchsync/storage"
	"branchsync/wire"
)

// netSender defers the tracker's reference to the connection manager, which
// is constructed after the tracker.
type netSender struct {
	srv *branchnet.Server
}

func (n *netSender) Send(branchID int64, rec wire.Record) bool {
	if n.srv == nil {
		return false
	}
	return n.srv.Send(branchID, rec)
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BRANCHSYNC_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("branchsyncd", env, logging.Options{File: cfg.LogFile})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("Failed to create data dir", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	branches, err := storage.OpenBranchStore(filepath.Join(cfg.DataDir, "branches"))
	if err != nil {
		logger.Error("Failed to open branch store", slog.Any("error", err))
		os.Exit(1)
	}
	defer branches.Close()

	queue := correlate.New()

	sender := &netSender{}
	contracts := liveness.NewContractTracker(liveness.ContractTrackerConfig{
		IdleTimeout:   cfg.ContractIdleTimeout.Std(),
		SweepInterval: cfg.ContractSweepInterval.Std(),
	}, sender, queue, store, logger)
	cabinets := liveness.NewCabinetTracker(liveness.CabinetTrackerConfig{
		IdleTimeout:   cfg.CabinetIdleTimeout.Std(),
		SweepInterval: cfg.CabinetSweepInterval.Std(),
	}, logger)

	netServer := branchnet.NewServer(branchnet.ServerConfig{
		ListenAddress: cfg.ListenAddress,
		DefaultKey:    cfg.DefaultCipherKey,
		AuthTimeout:   cfg.AuthTimeout.Std(),
	}, branchnet.Deps{
		Codec:       wire.PlainCodec{},
		Credentials: store,
		Renewals:    store,
		Audit:       store,
		Tracker:     contracts,
		Resolver:    queue,
		Directory:   branches,
		Logger:      logger,
	})
	sender.srv = netServer

	if err := netServer.Start(); err != nil {
		logger.Error("Failed to start protocol listener", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Protocol listener up", slog.String("address", netServer.ListenAddress()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	contracts.Start(ctx)
	cabinets.Start(ctx)

	adminHandler := adminapi.New(adminapi.Deps{
		Net:       netServer,
		Directory: branches,
		Contracts: contracts,
		Cabinets:  cabinets,
		Logger:    logger,
	}, adminapi.NewAuthenticator(adminapi.AuthConfig{
		Enabled:    cfg.Admin.AuthEnabled,
		HMACSecret: cfg.Admin.JWTSecret,
	}, logger))

	adminSrv := &http.Server{
		Addr:              cfg.AdminAddress,
		Handler:           adminHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Admin API up", slog.String("address", cfg.AdminAddress))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin API failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin API shutdown", slog.Any("error", err))
	}
	if err := netServer.Close(); err != nil {
		logger.Warn("Protocol listener shutdown", slog.Any("error", err))
	}
}
