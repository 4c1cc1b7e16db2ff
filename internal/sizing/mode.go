package sizing

import (
	"errors"

	"delta-copy-trader/internal/models"

	"github.com/shopspring/decimal"
)

// ModePolicy turns a master change into a nominal follower contract count
// before rounding, bounds and affordability are applied.
type ModePolicy interface {
	// Mode returns the copy mode the policy serves.
	Mode() models.CopyMode

	// Nominal returns the unrounded contract count for an open or increase.
	Nominal(in Input) (decimal.Decimal, error)

	// RoundsUp reports whether a positive nominal below one contract becomes one.
	RoundsUp() bool
}

type multiplierPolicy struct{}

func (multiplierPolicy) Mode() models.CopyMode { return models.ModeMultiplier }
func (multiplierPolicy) RoundsUp() bool        { return true }

func (multiplierPolicy) Nominal(in Input) (decimal.Decimal, error) {
	return decimal.NewFromFloat(in.MasterSize).Mul(decimal.NewFromFloat(in.Follower.Multiplier)), nil
}

type fixedLotPolicy struct{}

func (fixedLotPolicy) Mode() models.CopyMode { return models.ModeFixedLot }
func (fixedLotPolicy) RoundsUp() bool        { return true }

func (fixedLotPolicy) Nominal(in Input) (decimal.Decimal, error) {
	return decimal.NewFromFloat(in.Follower.FixedLot), nil
}

var errNoPrice = errors.New("reference price and contract value are required")

type percentBalancePolicy struct{}

func (percentBalancePolicy) Mode() models.CopyMode { return models.ModePercentBalance }
func (percentBalancePolicy) RoundsUp() bool        { return false }

// Nominal spends pct% of the available balance on contracts at the reference price.
func (percentBalancePolicy) Nominal(in Input) (decimal.Decimal, error) {
	if in.ReferencePrice <= 0 || in.ContractValue <= 0 {
		return decimal.Zero, errNoPrice
	}
	budget := decimal.NewFromFloat(in.AvailableBalance).
		Mul(decimal.NewFromFloat(in.Follower.Percentage)).
		Div(decimal.NewFromInt(100))
	perContract := decimal.NewFromFloat(in.ReferencePrice).Mul(decimal.NewFromFloat(in.ContractValue))
	return budget.Div(perContract), nil
}
