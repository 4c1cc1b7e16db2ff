package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"delta-copy-trader/internal/config"
	"delta-copy-trader/internal/database"
	"delta-copy-trader/internal/delta"
	"delta-copy-trader/internal/lease"
	"delta-copy-trader/internal/ledger"
	"delta-copy-trader/internal/logger"
	"delta-copy-trader/internal/sizing"
	"delta-copy-trader/internal/store"
	"delta-copy-trader/internal/trader"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	log.Info("Configuration loaded")

	// Initialize datastore
	db, err := database.Open(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to connect to datastore", zap.Error(err))
	}
	log.Info("Datastore connection successful")

	accounts := store.NewAccountStore(db, log)
	ledgerOpts := ledger.DefaultOptions()
	ledgerOpts.Window = cfg.Engine.DetectionWindow
	writer := ledger.NewWriter(store.NewLedgerRepository(db), log, ledgerOpts)

	// Initialize Delta clients
	pool := delta.NewPool(&cfg.Delta, log)
	syncCtx, syncCancel := context.WithTimeout(context.Background(), cfg.Delta.RequestTimeout)
	if err := pool.SyncTime(syncCtx); err != nil {
		log.Warn("Could not reach Delta Exchange API, continuing", zap.Error(err))
	} else {
		log.Info("Successfully connected to Delta Exchange API")
	}
	syncCancel()

	catalogCtx, catalogCancel := context.WithTimeout(context.Background(), cfg.Delta.RequestTimeout)
	if err := pool.Catalog().Refresh(catalogCtx); err != nil {
		log.Warn("Could not load product catalog, it will load on first use", zap.Error(err))
	}
	catalogCancel()

	var accountLease lease.Lease = lease.Nop{}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.Fatal("Failed to connect to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer rdb.Close()
		rl := lease.NewRedisLease(rdb, cfg.Redis.LeaseTTL)
		accountLease = rl
		log.Info("Account leasing enabled", zap.String("owner", rl.Owner()), zap.Duration("ttl", cfg.Redis.LeaseTTL))
	}

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	engine := trader.NewEngine(log, trader.OptionsFromConfig(&cfg), trader.Deps{
		Accounts:    accounts,
		Ledger:      writer,
		Brokers:     pool,
		Instruments: pool.Catalog(),
		Policy:      sizing.NewPolicy(cfg.Sizing.StrictMode),
		Lease:       accountLease,
	})

	var status *trader.StatusServer
	if cfg.Server.Port > 0 {
		status = trader.NewStatusServer(engine, cfg.Server.Port, log)
		status.Start()
	}

	runErr := engine.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if status != nil {
		if err := status.Stop(shutdownCtx); err != nil {
			log.Warn("Status server shutdown failed", zap.Error(err))
		}
	}
	if err := writer.Close(shutdownCtx); err != nil {
		log.Error("Ledger writer did not drain", zap.Error(err))
	}

	if runErr != nil {
		log.Fatal("Copy-trade engine failed", zap.Error(runErr))
	}
	log.Info("Copy trader has been shut down.")
}
