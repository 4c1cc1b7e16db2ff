package models

import (
	"fmt"
	"strings"
	"time"
)

// CopyMode selects how a follower's order size is derived from a master change.
type CopyMode string

const (
	ModeMultiplier     CopyMode = "multiplier"
	ModeFixedLot       CopyMode = "fixed_lot"
	ModePercentBalance CopyMode = "percent_balance"
)

var copyModeAliases = map[string]CopyMode{
	"multiplier":      ModeMultiplier,
	"ratio":           ModeMultiplier,
	"copy_ratio":      ModeMultiplier,
	"fixed_lot":       ModeFixedLot,
	"fixed_lots":      ModeFixedLot,
	"lot":             ModeFixedLot,
	"percent_balance": ModePercentBalance,
	"%_balance":       ModePercentBalance,
	"balance_percent": ModePercentBalance,
	"percentage":      ModePercentBalance,
	"percent":         ModePercentBalance,
}

// ParseCopyMode normalizes the stored copy mode. Case, surrounding spaces and
// the separators " " and "-" are not significant.
func ParseCopyMode(s string) (CopyMode, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if mode, ok := copyModeAliases[key]; ok {
		return mode, nil
	}
	return "", fmt.Errorf("unknown copy mode %q", s)
}

// Follower is an account that mirrors one master broker account.
type Follower struct {
	ID                    string    `gorm:"primaryKey" json:"id"`
	MasterBrokerAccountID string    `gorm:"column:master_broker_account_id;index" json:"master_broker_account_id"`
	FollowerName          string    `gorm:"column:follower_name" json:"follower_name"`
	APIKey                string    `gorm:"column:api_key" json:"-"`
	APISecret             string    `gorm:"column:api_secret" json:"-"`
	CopyMode              string    `gorm:"column:copy_mode" json:"copy_mode"`
	Multiplier            float64   `gorm:"column:multiplier" json:"multiplier"`
	FixedLot              float64   `gorm:"column:fixed_lot" json:"fixed_lot"`
	Percentage            float64   `gorm:"column:percentage" json:"percentage"`
	MinLotSize            float64   `gorm:"column:min_lot_size" json:"min_lot_size"`
	MaxLotSize            float64   `gorm:"column:max_lot_size" json:"max_lot_size"`
	AccountStatus         string    `gorm:"column:account_status;index" json:"account_status"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

const FollowerStatusActive = "active"

func (Follower) TableName() string { return "followers" }

// Mode returns the normalized copy mode.
func (f Follower) Mode() (CopyMode, error) {
	return ParseCopyMode(f.CopyMode)
}

// ModeParameter returns the positive parameter that goes with the follower's mode.
func (f Follower) ModeParameter() (float64, error) {
	mode, err := f.Mode()
	if err != nil {
		return 0, err
	}

	var v float64
	switch mode {
	case ModeMultiplier:
		v = f.Multiplier
	case ModeFixedLot:
		v = f.FixedLot
	case ModePercentBalance:
		v = f.Percentage
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s requires a positive parameter, got %v", mode, v)
	}
	return v, nil
}

// Validate checks the invariants the engine relies on before mirroring.
func (f Follower) Validate() error {
	if strings.TrimSpace(f.APIKey) == "" || strings.TrimSpace(f.APISecret) == "" {
		return fmt.Errorf("follower %s has no api credentials", f.ID)
	}
	if _, err := f.ModeParameter(); err != nil {
		return fmt.Errorf("follower %s: %w", f.ID, err)
	}
	if f.MinLotSize < 0 || f.MaxLotSize < 0 {
		return fmt.Errorf("follower %s: lot bounds must not be negative", f.ID)
	}
	if f.MaxLotSize > 0 && f.MinLotSize > f.MaxLotSize {
		return fmt.Errorf("follower %s: min lot %v exceeds max lot %v", f.ID, f.MinLotSize, f.MaxLotSize)
	}
	return nil
}
