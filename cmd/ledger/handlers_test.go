package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"delta-copy-trader/internal/models"
	"delta-copy-trader/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubReader struct {
	filter  store.RecordFilter
	records []models.CopyTrade
	stats   map[bool]store.Stats
	err     error
}

func (s *stubReader) ListCopyTradeRecords(_ context.Context, f store.RecordFilter) ([]models.CopyTrade, error) {
	s.filter = f
	return s.records, s.err
}

func (s *stubReader) Stats(_ context.Context, since time.Time) (store.Stats, error) {
	return s.stats[since.IsZero()], s.err
}

func serve(t *testing.T, reader RecordReader, target string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	NewRouter(NewAPIHandler(zap.NewNop(), reader)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestTradesHandler(t *testing.T) {
	t.Run("passes filters", func(t *testing.T) {
		// Arrange
		reader := &stubReader{records: []models.CopyTrade{{ID: "r1", Symbol: "BTCUSD", Status: models.StatusExecuted}}}

		// Act
		rec := serve(t, reader, "/api/trades?follower_id=f1&symbol=btcusd&status=executed&limit=10&since=2026-01-02T03:04:05Z")

		// Assert
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "f1", reader.filter.FollowerID)
		assert.Equal(t, "BTCUSD", reader.filter.Symbol)
		assert.Equal(t, models.StatusExecuted, reader.filter.Status)
		assert.Equal(t, 10, reader.filter.Limit)
		assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), reader.filter.Since)
		var got []models.CopyTrade
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "r1", got[0].ID)
	})

	testCases := []struct {
		name   string
		target string
	}{
		{name: "bad status", target: "/api/trades?status=done"},
		{name: "bad limit", target: "/api/trades?limit=-1"},
		{name: "bad since", target: "/api/trades?since=yesterday"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(t, &stubReader{}, tc.target)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	t.Run("datastore error", func(t *testing.T) {
		rec := serve(t, &stubReader{err: errors.New("down")}, "/api/trades")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestStatisticsHandler(t *testing.T) {
	reader := &stubReader{stats: map[bool]store.Stats{
		false: {Total: 2, Executed: 1, Failed: 1, SuccessRate: 50},
		true:  {Total: 10, Executed: 9, Failed: 1, SuccessRate: 90},
	}}

	rec := serve(t, reader, "/api/statistics")

	require.Equal(t, http.StatusOK, rec.Code)
	var got StatisticsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(2), got.Since24h.Total)
	assert.Equal(t, int64(10), got.AllTime.Total)
	assert.InDelta(t, 90, got.AllTime.SuccessRate, 1e-9)
}

func TestHealthHandler(t *testing.T) {
	rec := serve(t, &stubReader{}, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}
