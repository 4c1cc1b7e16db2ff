package trader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatusServer exposes engine liveness and per-account loop health over HTTP.
type StatusServer struct {
	server *http.Server
	engine *Engine
	logger *zap.Logger
}

// NewStatusServer creates a new StatusServer.
func NewStatusServer(engine *Engine, port int, logger *zap.Logger) *StatusServer {
	s := &StatusServer{
		engine: engine,
		logger: logger.Named("status-server"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routes served by the status server.
func (s *StatusServer) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", s.healthHandler)
	router.GET("/status", s.statusHandler)
	return router
}

// Start runs the HTTP server in a new goroutine.
func (s *StatusServer) Start() {
	s.logger.Info("Starting status server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *StatusServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping status server...")
	return s.server.Shutdown(ctx)
}

func (s *StatusServer) statusHandler(c *gin.Context) {
	accounts := s.engine.Health()
	healthy := 0
	for _, h := range accounts {
		if h.ConsecutiveFailures == 0 {
			healthy++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"start_time":       s.engine.StartTime.Format(time.RFC3339),
		"uptime":           time.Since(s.engine.StartTime).Round(time.Second).String(),
		"accounts":         accounts,
		"healthy_accounts": healthy,
	})
}

func (s *StatusServer) healthHandler(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}
