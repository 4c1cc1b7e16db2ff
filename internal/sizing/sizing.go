// Package sizing decides the follower order for one master change.
package sizing

import (
	"fmt"
	"math"

	"delta-copy-trader/internal/delta"
	"delta-copy-trader/internal/models"

	"github.com/shopspring/decimal"
)

// EventKind is the kind of master change being mirrored.
type EventKind string

const (
	EventOpen     EventKind = "open"
	EventIncrease EventKind = "increase"
	EventReduce   EventKind = "reduce"
	EventClose    EventKind = "close"
)

// Exposing reports whether the event adds exposure and so needs margin.
func (k EventKind) Exposing() bool {
	return k == EventOpen || k == EventIncrease
}

// Reason explains a skip.
type Reason string

const (
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonTooSmall            Reason = "too_small"
	ReasonNoPosition          Reason = "no_position"
	ReasonInvalidConfig       Reason = "invalid_config"
	ReasonNoPrice             Reason = "no_price"
	ReasonNoMarginEstimate    Reason = "no_margin_estimate"
	ReasonAlreadyHeld         Reason = "already_held"
)

// Input is everything needed to size one follower order.
type Input struct {
	Kind EventKind
	// Side of the master change: buy for long exposure added or short reduced.
	Side string
	// MasterSize is the absolute contract change on the master.
	MasterSize float64
	// MasterHeld is the absolute master size before the change.
	MasterHeld float64

	ReferencePrice float64
	ContractValue  float64

	Follower          models.Follower
	AvailableBalance  float64
	MarginPerContract float64
	// FollowerHeld is the follower's live signed size for the symbol. For an
	// open it is only set when reconciling a baseline; a holding on the
	// entry side is then subtracted from the target size.
	FollowerHeld float64
}

// Decision is either a market order to place or a skip with a reason.
type Decision struct {
	Place      bool
	Side       string
	Size       int64
	ReduceOnly bool
	Reason     Reason

	Nominal   float64
	RoundedUp bool
	Clamped   bool
}

func skip(reason Reason) Decision { return Decision{Reason: reason} }

func (d Decision) String() string {
	if !d.Place {
		return "skip(" + string(d.Reason) + ")"
	}
	return fmt.Sprintf("%s %d reduce_only=%t", d.Side, d.Size, d.ReduceOnly)
}

// Policy sizes follower orders using one ModePolicy per copy mode.
type Policy struct {
	modes  map[models.CopyMode]ModePolicy
	strict bool
}

// NewPolicy returns the standard policy. In strict mode a nominal size below
// one contract is skipped instead of rounded up.
func NewPolicy(strict bool) *Policy {
	p := &Policy{modes: make(map[models.CopyMode]ModePolicy), strict: strict}
	p.Register(multiplierPolicy{})
	p.Register(fixedLotPolicy{})
	p.Register(percentBalancePolicy{})
	return p
}

// Register adds or replaces the policy for a copy mode.
func (p *Policy) Register(m ModePolicy) {
	p.modes[m.Mode()] = m
}

// Decide returns the follower order for in. It is pure and never places more
// margin than AvailableBalance covers.
func (p *Policy) Decide(in Input) Decision {
	switch in.Kind {
	case EventClose:
		return closeAll(in)
	case EventReduce:
		return reduce(in)
	case EventOpen, EventIncrease:
		return p.expose(in)
	}
	return skip(ReasonInvalidConfig)
}

// closeAll flattens whatever the follower actually holds.
func closeAll(in Input) Decision {
	held := math.Floor(math.Abs(in.FollowerHeld))
	if held < 1 {
		return skip(ReasonNoPosition)
	}
	return Decision{Place: true, Side: exitSide(in.FollowerHeld), Size: int64(held), ReduceOnly: true, Nominal: held}
}

// reduce scales the follower's live holding by the fraction the master shed.
func reduce(in Input) Decision {
	held := math.Floor(math.Abs(in.FollowerHeld))
	if held < 1 {
		return skip(ReasonNoPosition)
	}
	if in.MasterHeld <= 0 || in.MasterSize <= 0 {
		return skip(ReasonInvalidConfig)
	}

	fraction := decimal.NewFromFloat(in.MasterSize).Div(decimal.NewFromFloat(in.MasterHeld))
	if fraction.GreaterThan(decimal.NewFromInt(1)) {
		fraction = decimal.NewFromInt(1)
	}
	nominal := decimal.NewFromFloat(held).Mul(fraction)
	size := nominal.Floor().IntPart()

	d := Decision{Place: true, Side: exitSide(in.FollowerHeld), ReduceOnly: true, Nominal: nominal.InexactFloat64()}
	switch {
	case size < 1:
		size = 1
		d.RoundedUp = true
	case size > int64(held):
		size = int64(held)
	}
	d.Size = size
	return d
}

func (p *Policy) expose(in Input) Decision {
	mode, err := in.Follower.Mode()
	if err != nil {
		return skip(ReasonInvalidConfig)
	}
	if _, err := in.Follower.ModeParameter(); err != nil {
		return skip(ReasonInvalidConfig)
	}
	m, ok := p.modes[mode]
	if !ok {
		return skip(ReasonInvalidConfig)
	}

	nominal, err := m.Nominal(in)
	if err != nil {
		return skip(ReasonNoPrice)
	}
	if !nominal.IsPositive() {
		return skip(ReasonTooSmall)
	}

	d := Decision{Place: true, Side: in.Side, Nominal: nominal.InexactFloat64()}
	size := nominal.Floor().IntPart()
	if size < 1 {
		if p.strict || !m.RoundsUp() {
			return skip(ReasonTooSmall)
		}
		size = 1
		d.RoundedUp = true
	}

	if maxLot := int64(math.Floor(in.Follower.MaxLotSize)); maxLot > 0 && size > maxLot {
		size = maxLot
		d.Clamped = true
	}
	if minLot := int64(math.Ceil(in.Follower.MinLotSize)); minLot > 0 && size < minLot {
		size = minLot
	}

	if held := heldOnSide(in.FollowerHeld, in.Side); held > 0 {
		if size <= held {
			return skip(ReasonAlreadyHeld)
		}
		size -= held
	}

	if in.MarginPerContract <= 0 {
		return skip(ReasonNoMarginEstimate)
	}
	balance := decimal.NewFromFloat(in.AvailableBalance)
	margin := decimal.NewFromFloat(in.MarginPerContract)
	affordable := balance.Div(margin).Floor().IntPart()
	// Div rounds at DivisionPrecision; step back if that rounded up across an integer.
	if affordable > 0 && decimal.NewFromInt(affordable).Mul(margin).GreaterThan(balance) {
		affordable--
	}
	if affordable < 1 {
		return skip(ReasonInsufficientBalance)
	}
	if size > affordable {
		size = affordable
		d.Clamped = true
	}

	d.Size = size
	return d
}

// heldOnSide is the whole-contract holding that an order on side would add to.
func heldOnSide(held float64, side string) int64 {
	if (side == delta.OrderSideBuy && held > 0) || (side == delta.OrderSideSell && held < 0) {
		return int64(math.Floor(math.Abs(held)))
	}
	return 0
}

// exitSide is the order side that shrinks a signed holding.
func exitSide(held float64) string {
	if held > 0 {
		return delta.OrderSideSell
	}
	return delta.OrderSideBuy
}
