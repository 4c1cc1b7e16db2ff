package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"delta-copy-trader/internal/config"
	"delta-copy-trader/internal/database"
	"delta-copy-trader/internal/logger"
	"delta-copy-trader/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	// Connect to the datastore
	db, err := database.Open(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to connect to datastore", zap.Error(err))
	}

	port := cfg.Server.Port
	if port <= 0 {
		port = 8080
	}
	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewRouter(NewAPIHandler(log, store.NewLedgerRepository(db))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("Starting ledger API", zap.String("address", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("Ledger API failed", zap.Error(err))
	}
}
