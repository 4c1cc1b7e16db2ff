package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"delta-copy-trader/internal/models"
	"delta-copy-trader/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RecordReader is the read side of the copy-trade ledger.
type RecordReader interface {
	ListCopyTradeRecords(ctx context.Context, f store.RecordFilter) ([]models.CopyTrade, error)
	Stats(ctx context.Context, since time.Time) (store.Stats, error)
}

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log     *zap.Logger
	records RecordReader
	now     func() time.Time
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, records RecordReader) *APIHandler {
	return &APIHandler{log: log, records: records, now: time.Now}
}

// NewRouter registers the ledger endpoints.
func NewRouter(h *APIHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	api := router.Group("/api")
	api.GET("/health", h.HealthHandler)
	api.GET("/trades", h.TradesHandler)
	api.GET("/statistics", h.StatisticsHandler)
	return router
}

// HealthHandler reports liveness.
func (h *APIHandler) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// TradesHandler returns copy-trade records, most recent first.
func (h *APIHandler) TradesHandler(c *gin.Context) {
	f := store.RecordFilter{
		FollowerID:     c.Query("follower_id"),
		MasterBrokerID: c.Query("master_broker_id"),
		Symbol:         strings.ToUpper(c.Query("symbol")),
		Status:         models.CopyTradeStatus(c.Query("status")),
	}
	switch f.Status {
	case "", models.StatusPending, models.StatusExecuted, models.StatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		f.Limit = n
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		f.Since = since
	}

	records, err := h.records.ListCopyTradeRecords(c.Request.Context(), f)
	if err != nil {
		h.log.Error("Failed to get copy trades from datastore", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get trades"})
		return
	}
	c.JSON(http.StatusOK, records)
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h store.Stats `json:"since_24h"`
	AllTime  store.Stats `json:"all_time"`
}

// StatisticsHandler returns record outcome counts.
func (h *APIHandler) StatisticsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	day, err := h.records.Stats(ctx, h.now().Add(-24*time.Hour))
	if err != nil {
		h.log.Error("Failed to calculate statistics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to calculate statistics"})
		return
	}
	all, err := h.records.Stats(ctx, time.Time{})
	if err != nil {
		h.log.Error("Failed to calculate statistics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to calculate statistics"})
		return
	}
	c.JSON(http.StatusOK, StatisticsResponse{Since24h: day, AllTime: all})
}
