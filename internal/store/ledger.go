package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"delta-copy-trader/internal/models"

	"gorm.io/gorm"
)

// LedgerRepository persists copy trade records.
type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// InsertCopyTradeRecord stores a new record. Records are inserted pending.
func (r *LedgerRepository) InsertCopyTradeRecord(ctx context.Context, rec *models.CopyTrade) error {
	if rec.ID == "" {
		return errors.New("copy trade record has no id")
	}
	if rec.Status != models.StatusPending {
		return fmt.Errorf("copy trade record must be inserted pending, got %q", rec.Status)
	}
	return wrap("insert copy trade", r.db.WithContext(ctx).Create(rec).Error)
}

// UpdateCopyTradeRecord applies the terminal outcome to a pending record.
// It returns ErrRecordFinal if the record already holds an outcome.
func (r *LedgerRepository) UpdateCopyTradeRecord(ctx context.Context, id string, out models.Outcome) error {
	if err := out.Validate(); err != nil {
		return err
	}

	res := r.db.WithContext(ctx).Model(&models.CopyTrade{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Updates(map[string]interface{}{
			"status":          out.Status,
			"broker_order_id": out.BrokerOrderID,
			"error_kind":      out.ErrorKind,
			"error_message":   out.ErrorMessage,
			"attempts":        out.Attempts,
			"resolved_at":     out.At,
		})
	if res.Error != nil {
		return wrap("update copy trade", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&models.CopyTrade{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return wrap("update copy trade", err)
	}
	if count == 0 {
		return fmt.Errorf("update copy trade %s: %w", id, ErrRecordNotFound)
	}
	return fmt.Errorf("update copy trade %s: %w", id, ErrRecordFinal)
}

// HasExecuted reports whether the follower already has an executed record for
// the master event created at or after since.
func (r *LedgerRepository) HasExecuted(ctx context.Context, eventID, followerID string, since time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.CopyTrade{}).
		Where("master_event_id = ? AND follower_id = ? AND status = ? AND created_at >= ?",
			eventID, followerID, models.StatusExecuted, since).
		Count(&count).Error
	if err != nil {
		return false, wrap("check executed copy trade", err)
	}
	return count > 0, nil
}

// RecordFilter narrows ListCopyTradeRecords. Zero fields do not filter.
type RecordFilter struct {
	FollowerID     string
	MasterBrokerID string
	Symbol         string
	Status         models.CopyTradeStatus
	Since          time.Time
	Limit          int
}

const maxListLimit = 500

// ListCopyTradeRecords returns records newest first.
func (r *LedgerRepository) ListCopyTradeRecords(ctx context.Context, f RecordFilter) ([]models.CopyTrade, error) {
	q := r.db.WithContext(ctx).Model(&models.CopyTrade{})
	if f.FollowerID != "" {
		q = q.Where("follower_id = ?", f.FollowerID)
	}
	if f.MasterBrokerID != "" {
		q = q.Where("master_broker_id = ?", f.MasterBrokerID)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}

	limit := f.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	var records []models.CopyTrade
	if err := q.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, wrap("list copy trades", err)
	}
	return records, nil
}

// Stats summarizes record outcomes.
type Stats struct {
	Total       int64   `json:"total"`
	Pending     int64   `json:"pending"`
	Executed    int64   `json:"executed"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// Stats counts records by status created at or after since.
func (r *LedgerRepository) Stats(ctx context.Context, since time.Time) (Stats, error) {
	var rows []struct {
		Status models.CopyTradeStatus
		N      int64
	}
	q := r.db.WithContext(ctx).Model(&models.CopyTrade{}).Select("status, count(*) as n")
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	if err := q.Group("status").Scan(&rows).Error; err != nil {
		return Stats{}, wrap("copy trade stats", err)
	}

	var s Stats
	for _, row := range rows {
		s.Total += row.N
		switch row.Status {
		case models.StatusPending:
			s.Pending = row.N
		case models.StatusExecuted:
			s.Executed = row.N
		case models.StatusFailed:
			s.Failed = row.N
		}
	}
	if resolved := s.Executed + s.Failed; resolved > 0 {
		s.SuccessRate = float64(s.Executed) / float64(resolved) * 100
	}
	return s, nil
}
