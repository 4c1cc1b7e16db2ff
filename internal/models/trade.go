package models

import (
	"fmt"
	"time"
)

// CopyTradeStatus is the lifecycle state of a copy trade record.
// A record starts pending and moves to exactly one terminal state.
type CopyTradeStatus string

const (
	StatusPending  CopyTradeStatus = "pending"
	StatusExecuted CopyTradeStatus = "executed"
	StatusFailed   CopyTradeStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s CopyTradeStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

// CopyTrade is the audit record of one follower order attempt.
type CopyTrade struct {
	ID             string          `gorm:"primaryKey" json:"id"`
	MasterEventID  string          `gorm:"column:master_event_id;index:idx_copy_trades_event_follower" json:"master_event_id"`
	FollowerID     string          `gorm:"column:follower_id;index:idx_copy_trades_event_follower;index" json:"follower_id"`
	MasterBrokerID string          `gorm:"column:master_broker_id;index" json:"master_broker_id"`
	Action         string          `gorm:"column:action" json:"action"`
	Symbol         string          `gorm:"column:symbol" json:"symbol"`
	ProductID      int64           `gorm:"column:product_id" json:"product_id"`
	Side           string          `gorm:"column:side" json:"side"`
	RequestedSize  int64           `gorm:"column:requested_size" json:"requested_size"`
	RequestedPrice float64         `gorm:"column:requested_price" json:"requested_price"`
	ReduceOnly     bool            `gorm:"column:reduce_only" json:"reduce_only"`
	Status         CopyTradeStatus `gorm:"column:status;index" json:"status"`
	BrokerOrderID  string          `gorm:"column:broker_order_id" json:"broker_order_id,omitempty"`
	ErrorKind      string          `gorm:"column:error_kind" json:"error_kind,omitempty"`
	ErrorMessage   string          `gorm:"column:error_message" json:"error_message,omitempty"`
	Attempts       int             `gorm:"column:attempts" json:"attempts"`
	EntryTime      *time.Time      `gorm:"column:entry_time" json:"entry_time,omitempty"`
	ExitTime       *time.Time      `gorm:"column:exit_time" json:"exit_time,omitempty"`
	ResolvedAt     *time.Time      `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	CreatedAt      time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (CopyTrade) TableName() string { return "copy_trades" }

// Outcome is the single terminal update applied to a pending record.
type Outcome struct {
	Status        CopyTradeStatus
	BrokerOrderID string
	ErrorKind     string
	ErrorMessage  string
	Attempts      int
	At            time.Time
}

// Validate rejects outcomes that would not leave the record terminal.
func (o Outcome) Validate() error {
	if !o.Status.Terminal() {
		return fmt.Errorf("outcome status %q is not terminal", o.Status)
	}
	return nil
}

// Apply copies the outcome onto the record held in memory.
func (t *CopyTrade) Apply(o Outcome) {
	t.Status = o.Status
	t.BrokerOrderID = o.BrokerOrderID
	t.ErrorKind = o.ErrorKind
	t.ErrorMessage = o.ErrorMessage
	t.Attempts = o.Attempts
	at := o.At
	t.ResolvedAt = &at
}
