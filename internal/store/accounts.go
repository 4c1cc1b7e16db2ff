package store

import (
	"context"
	"time"

	"delta-copy-trader/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AccountStore reads master accounts and their followers.
type AccountStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewAccountStore(db *gorm.DB, logger *zap.Logger) *AccountStore {
	return &AccountStore{db: db, logger: logger}
}

// SelectActiveBrokerAccounts returns active master accounts. Rows with
// half-set credentials are skipped with a warning.
func (s *AccountStore) SelectActiveBrokerAccounts(ctx context.Context) ([]models.BrokerAccount, error) {
	var rows []models.BrokerAccount
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("created_at").Find(&rows).Error; err != nil {
		return nil, wrap("select broker accounts", err)
	}

	accounts := rows[:0]
	for _, a := range rows {
		if err := a.Validate(); err != nil {
			s.logger.Warn("Skipping broker account", zap.String("account_id", a.ID), zap.Error(err))
			continue
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// SelectActiveFollowers returns the active followers of one master account.
// Followers whose configuration cannot be sized are skipped with a warning.
func (s *AccountStore) SelectActiveFollowers(ctx context.Context, masterID string) ([]models.Follower, error) {
	var rows []models.Follower
	err := s.db.WithContext(ctx).
		Where("master_broker_account_id = ? AND account_status = ?", masterID, models.FollowerStatusActive).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, wrap("select followers", err)
	}

	followers := rows[:0]
	for _, f := range rows {
		if err := f.Validate(); err != nil {
			s.logger.Warn("Skipping follower", zap.String("master_id", masterID), zap.Error(err))
			continue
		}
		followers = append(followers, f)
	}
	return followers, nil
}

// TouchVerified records a successful credential check.
func (s *AccountStore) TouchVerified(ctx context.Context, accountID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.BrokerAccount{}).
		Where("id = ?", accountID).
		Update("last_verified_at", at).Error
	return wrap("touch broker account", err)
}
