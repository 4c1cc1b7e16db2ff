package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"delta-copy-trader/internal/config"
	"delta-copy-trader/internal/database"
	"delta-copy-trader/internal/models"
	"delta-copy-trader/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// flakyRepo fails the first failures calls of each method.
type flakyRepo struct {
	mu       sync.Mutex
	failures int
	inserts  int
	updates  int
	records  map[string]models.CopyTrade
}

func newFlakyRepo(failures int) *flakyRepo {
	return &flakyRepo{failures: failures, records: make(map[string]models.CopyTrade)}
}

func (r *flakyRepo) InsertCopyTradeRecord(ctx context.Context, rec *models.CopyTrade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	if r.inserts <= r.failures {
		return store.ErrUnavailable
	}
	r.records[rec.ID] = *rec
	return nil
}

func (r *flakyRepo) UpdateCopyTradeRecord(ctx context.Context, id string, out models.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	if r.updates <= r.failures {
		return store.ErrUnavailable
	}
	rec, ok := r.records[id]
	if !ok {
		return store.ErrRecordNotFound
	}
	if rec.Status.Terminal() {
		return store.ErrRecordFinal
	}
	rec.Apply(out)
	r.records[id] = rec
	return nil
}

func (r *flakyRepo) HasExecuted(ctx context.Context, eventID, followerID string, since time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.MasterEventID == eventID && rec.FollowerID == followerID && rec.Status == models.StatusExecuted {
			return true, nil
		}
	}
	return false, nil
}

func (r *flakyRepo) get(id string) (models.CopyTrade, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

func fastOptions() Options {
	return Options{QueueSize: 16, MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Window: time.Hour}
}

func TestWriter_WithStore(t *testing.T) {
	// Arrange
	db, err := database.Open(config.Database{URL: "file::memory:", AutoMigrate: true, MaxOpenConns: 1}, zap.NewNop())
	require.NoError(t, err)
	w := NewWriter(store.NewLedgerRepository(db), zap.NewNop(), fastOptions())
	ctx := context.Background()
	rec := &models.CopyTrade{MasterEventID: "e1", FollowerID: "f1", MasterBrokerID: "m1", Action: "open", Symbol: "BTCUSD", Side: "buy", RequestedSize: 1}

	// Act
	w.Begin(ctx, rec)
	w.Resolve(ctx, rec, models.Outcome{Status: models.StatusExecuted, BrokerOrderID: "9001", Attempts: 1})
	require.NoError(t, w.Close(ctx))

	// Assert
	require.NotEmpty(t, rec.ID)
	var got models.CopyTrade
	require.NoError(t, db.First(&got, "id = ?", rec.ID).Error)
	assert.Equal(t, models.StatusExecuted, got.Status)
	assert.Equal(t, "9001", got.BrokerOrderID)
	assert.NotNil(t, got.EntryTime)
}

func TestWriter_RetriesFailedWrites(t *testing.T) {
	// Arrange
	repo := newFlakyRepo(1)
	w := NewWriter(repo, zap.NewNop(), fastOptions())
	ctx := context.Background()
	rec := &models.CopyTrade{MasterEventID: "e1", FollowerID: "f1", Symbol: "BTCUSD", Side: "buy", RequestedSize: 1}

	// Act
	w.Begin(ctx, rec)
	w.Resolve(ctx, rec, models.Outcome{Status: models.StatusFailed, ErrorKind: "insufficient_margin", Attempts: 1})
	require.NoError(t, w.Close(ctx))

	// Assert
	got, ok := repo.get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "insufficient_margin", got.ErrorKind)
}

func TestWriter_LogsExhaustedRecords(t *testing.T) {
	// Arrange
	core, logs := observer.New(zapcore.WarnLevel)
	repo := newFlakyRepo(100)
	w := NewWriter(repo, zap.New(core), fastOptions())
	ctx := context.Background()
	rec := &models.CopyTrade{MasterEventID: "e1", FollowerID: "f1", Symbol: "ETHUSD", Side: "sell", RequestedSize: 2}

	// Act
	w.Begin(ctx, rec)
	require.NoError(t, w.Close(ctx))

	// Assert
	lost := logs.FilterMessage("Copy trade record not persisted").All()
	require.Len(t, lost, 1)
	assert.Equal(t, zapcore.ErrorLevel, lost[0].Level)
	fields := lost[0].ContextMap()
	assert.Equal(t, rec.ID, fields["record_id"])
	assert.Equal(t, "ETHUSD", fields["symbol"])
	assert.Equal(t, int64(2), fields["requested_size"])
	assert.Equal(t, 4, repo.inserts)
}

func TestWriter_HasExecuted(t *testing.T) {
	repo := newFlakyRepo(0)
	w := NewWriter(repo, zap.NewNop(), fastOptions())
	defer w.Close(context.Background())
	ctx := context.Background()

	before, err := w.HasExecuted(ctx, "e1", "f1")
	require.NoError(t, err)

	rec := &models.CopyTrade{MasterEventID: "e1", FollowerID: "f1"}
	w.Begin(ctx, rec)
	w.Resolve(ctx, rec, models.Outcome{Status: models.StatusExecuted, Attempts: 1})

	after, err := w.HasExecuted(ctx, "e1", "f1")
	require.NoError(t, err)
	other, err := w.HasExecuted(ctx, "e1", "f2")
	require.NoError(t, err)

	assert.False(t, before)
	assert.True(t, after)
	assert.False(t, other)
}

type failingRepo struct{ *flakyRepo }

func (failingRepo) HasExecuted(ctx context.Context, eventID, followerID string, since time.Time) (bool, error) {
	return false, errors.New("connection refused")
}

func TestWriter_HasExecutedPropagatesStoreError(t *testing.T) {
	w := NewWriter(failingRepo{flakyRepo: newFlakyRepo(0)}, zap.NewNop(), fastOptions())
	defer w.Close(context.Background())

	_, err := w.HasExecuted(context.Background(), "e1", "f1")

	assert.Error(t, err)
}
