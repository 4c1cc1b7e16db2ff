package models

import (
	"errors"
	"strings"
	"time"
)

// BrokerAccount is a master account whose positions are mirrored to its followers.
type BrokerAccount struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	AccountName    string     `gorm:"column:account_name" json:"account_name"`
	APIKey         string     `gorm:"column:api_key" json:"-"`
	APISecret      string     `gorm:"column:api_secret" json:"-"`
	IsActive       bool       `gorm:"column:is_active;index" json:"is_active"`
	LastVerifiedAt *time.Time `gorm:"column:last_verified_at" json:"last_verified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (BrokerAccount) TableName() string { return "broker_accounts" }

// HasCredentials reports whether both halves of the API credential are present.
func (a BrokerAccount) HasCredentials() bool {
	return strings.TrimSpace(a.APIKey) != "" && strings.TrimSpace(a.APISecret) != ""
}

// Validate checks that credentials are either both set or both absent.
func (a BrokerAccount) Validate() error {
	hasKey := strings.TrimSpace(a.APIKey) != ""
	hasSecret := strings.TrimSpace(a.APISecret) != ""
	if hasKey != hasSecret {
		return errors.New("api key and secret must be set together")
	}
	return nil
}
