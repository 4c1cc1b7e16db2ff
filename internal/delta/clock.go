package delta

import (
	"sync/atomic"
	"time"
)

// Clock keeps the local view of the exchange clock used for request signing.
type Clock struct {
	offset atomic.Int64 // seconds to add to local time
	now    func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the estimated exchange time in unix seconds.
func (c *Clock) Now() int64 {
	return c.now().Unix() + c.offset.Load()
}

// Sync records the exchange time reported in unix seconds.
func (c *Clock) Sync(serverTime int64) {
	c.offset.Store(serverTime - c.now().Unix())
}

func (c *Clock) Offset() time.Duration {
	return time.Duration(c.offset.Load()) * time.Second
}
