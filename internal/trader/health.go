package trader

import (
	"sync"
	"time"

	"delta-copy-trader/internal/delta"
)

// State is where an account loop is in its poll cycle.
type State string

const (
	StateIdle        State = "idle"
	StatePolling     State = "polling"
	StateDiffing     State = "diffing"
	StateDispatching State = "dispatching"
	StateStopped     State = "stopped"
)

// Health is a point-in-time view of one account loop.
type Health struct {
	AccountID           string     `json:"account_id"`
	AccountName         string     `json:"account_name"`
	State               State      `json:"state"`
	Cycles              int64      `json:"cycles"`
	LastCycleAt         *time.Time `json:"last_cycle_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastEvents          int        `json:"last_events"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastErrorKind       string     `json:"last_error_kind,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	CredentialsVerified bool       `json:"credentials_verified"`
}

type healthTracker struct {
	mu sync.Mutex
	h  Health
}

func newHealthTracker(accountID, accountName string) *healthTracker {
	return &healthTracker{h: Health{AccountID: accountID, AccountName: accountName, State: StateIdle}}
}

func (t *healthTracker) setState(s State) {
	t.mu.Lock()
	t.h.State = s
	t.mu.Unlock()
}

func (t *healthTracker) begin(at time.Time) {
	t.mu.Lock()
	t.h.State = StatePolling
	t.h.Cycles++
	t.h.LastCycleAt = &at
	t.mu.Unlock()
}

func (t *healthTracker) fail(kind string, err error) {
	t.mu.Lock()
	t.h.State = StateIdle
	t.h.ConsecutiveFailures++
	t.h.LastErrorKind = kind
	t.h.LastError = err.Error()
	if kind == delta.KindAuth.String() {
		t.h.CredentialsVerified = false
	}
	t.mu.Unlock()
}

func (t *healthTracker) succeed(at time.Time, events int) {
	t.mu.Lock()
	t.h.State = StateIdle
	t.h.LastSuccessAt = &at
	t.h.LastEvents = events
	t.h.ConsecutiveFailures = 0
	t.h.LastErrorKind = ""
	t.h.LastError = ""
	t.h.CredentialsVerified = true
	t.mu.Unlock()
}

func (t *healthTracker) verified(ok bool) {
	t.mu.Lock()
	t.h.CredentialsVerified = ok
	t.mu.Unlock()
}

func (t *healthTracker) snapshot() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h
}
