package sizing

import (
	"math/rand"
	"testing"

	"delta-copy-trader/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func multiplierFollower(ratio float64) models.Follower {
	return models.Follower{ID: "f1", APIKey: "k", APISecret: "s", CopyMode: "multiplier", Multiplier: ratio}
}

func TestDecide_Expose(t *testing.T) {
	testCases := []struct {
		name   string
		strict bool
		in     Input
		want   Decision
	}{
		{
			name: "mirror open rounds up to one contract",
			in: Input{Kind: EventOpen, Side: "buy", MasterSize: 1, ReferencePrice: 50000,
				Follower: multiplierFollower(0.1), AvailableBalance: 1000, MarginPerContract: 50},
			want: Decision{Place: true, Side: "buy", Size: 1, Nominal: 0.1, RoundedUp: true},
		},
		{
			name: "insufficient balance",
			in: Input{Kind: EventOpen, Side: "buy", MasterSize: 1,
				Follower: multiplierFollower(0.1), AvailableBalance: 2, MarginPerContract: 50},
			want: Decision{Reason: ReasonInsufficientBalance},
		},
		{
			name:   "strict mode skips sub-contract size",
			strict: true,
			in: Input{Kind: EventOpen, Side: "buy", MasterSize: 1,
				Follower: multiplierFollower(0.1), AvailableBalance: 1000, MarginPerContract: 50},
			want: Decision{Reason: ReasonTooSmall},
		},
		{
			name: "clamped to affordable",
			in: Input{Kind: EventIncrease, Side: "sell", MasterSize: 10,
				Follower: multiplierFollower(2), AvailableBalance: 260, MarginPerContract: 50},
			want: Decision{Place: true, Side: "sell", Size: 5, Nominal: 20, Clamped: true},
		},
		{
			name: "max lot",
			in: Input{Kind: EventOpen, Side: "buy", MasterSize: 10,
				Follower:         models.Follower{CopyMode: "multiplier", Multiplier: 1, APIKey: "k", APISecret: "s", MaxLotSize: 3},
				AvailableBalance: 1000, MarginPerContract: 1},
			want: Decision{Place: true, Side: "buy", Size: 3, Nominal: 10, Clamped: true},
		},
		{
			name: "min lot",
			in: Input{Kind: EventOpen, Side: "buy", MasterSize: 2,
				Follower:         models.Follower{CopyMode: "multiplier", Multiplier: 1, APIKey: "k", APISecret: "s", MinLotSize: 4},
				AvailableBalance: 1000, MarginPerContract: 1},
			want: Decision{Place: true, Side: "buy", Size: 4, Nominal: 2},
		},
		{
			name: "fixed lot ignores master size",
			in: Input{Kind: EventOpen, Side: "buy", MasterSize: 100,
				Follower:         models.Follower{CopyMode: "fixed lot", FixedLot: 2, APIKey: "k", APISecret: "s"},
				AvailableBalance: 1000, MarginPerContract: 10},
			want: Decision{Place: true, Side: "buy", Size: 2, Nominal: 2},
		},
		{
			name: "percent balance",
			in: Input{Kind: EventOpen, Side: "buy", MasterSize: 1, ReferencePrice: 50000, ContractValue: 0.001,
				Follower:         models.Follower{CopyMode: "% balance", Percentage: 10, APIKey: "k", APISecret: "s"},
				AvailableBalance: 1000, MarginPerContract: 1},
			want: Decision{Place: true, Side: "buy", Size: 2, Nominal: 2},
		},
		{
			name: "percent balance below one contract",
			in: Input{Kind: EventOpen, Side: "buy", MasterSize: 1, ReferencePrice: 50000, ContractValue: 0.001,
				Follower:         models.Follower{CopyMode: "percent", Percentage: 1, APIKey: "k", APISecret: "s"},
				AvailableBalance: 1000, MarginPerContract: 1},
			want: Decision{Reason: ReasonTooSmall},
		},
		{
			name: "percent balance without price",
			in: Input{Kind: EventOpen, Side: "buy", MasterSize: 1,
				Follower:         models.Follower{CopyMode: "percent", Percentage: 10, APIKey: "k", APISecret: "s"},
				AvailableBalance: 1000, MarginPerContract: 1},
			want: Decision{Reason: ReasonNoPrice},
		},
		{
			name: "unknown mode",
			in: Input{Kind: EventOpen, Side: "buy", MasterSize: 1,
				Follower: models.Follower{CopyMode: "grid"}, AvailableBalance: 1000, MarginPerContract: 1},
			want: Decision{Reason: ReasonInvalidConfig},
		},
		{
			name: "baseline top-up orders only the shortfall",
			in: Input{Kind: EventOpen, Side: "buy", MasterSize: 5,
				Follower: multiplierFollower(1), AvailableBalance: 1000, MarginPerContract: 10, FollowerHeld: 3},
			want: Decision{Place: true, Side: "buy", Size: 2, Nominal: 5},
		},
		{
			name: "baseline already held",
			in: Input{Kind: EventOpen, Side: "buy", MasterSize: 2,
				Follower: multiplierFollower(1), AvailableBalance: 1000, MarginPerContract: 10, FollowerHeld: 2},
			want: Decision{Reason: ReasonAlreadyHeld},
		},
		{
			name: "opposite holding does not reduce an open",
			in: Input{Kind: EventOpen, Side: "sell", MasterSize: 2,
				Follower: multiplierFollower(1), AvailableBalance: 1000, MarginPerContract: 10, FollowerHeld: 3},
			want: Decision{Place: true, Side: "sell", Size: 2, Nominal: 2},
		},
		{
			name: "no margin estimate",
			in: Input{Kind: EventOpen, Side: "buy", MasterSize: 1,
				Follower: multiplierFollower(1), AvailableBalance: 1000},
			want: Decision{Reason: ReasonNoMarginEstimate},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Act
			got := NewPolicy(tc.strict).Decide(tc.in)

			// Assert
			assert.Equal(t, tc.want.Place, got.Place)
			assert.Equal(t, tc.want.Reason, got.Reason)
			assert.Equal(t, tc.want.Side, got.Side)
			assert.Equal(t, tc.want.Size, got.Size)
			assert.Equal(t, tc.want.RoundedUp, got.RoundedUp)
			assert.Equal(t, tc.want.Clamped, got.Clamped)
			assert.False(t, got.ReduceOnly)
			if tc.want.Place {
				assert.InDelta(t, tc.want.Nominal, got.Nominal, 1e-9)
			}
		})
	}
}

func TestDecide_Exit(t *testing.T) {
	testCases := []struct {
		name string
		in   Input
		want Decision
	}{
		{
			name: "close uses follower's actual size",
			in:   Input{Kind: EventClose, MasterSize: 10, MasterHeld: 10, FollowerHeld: 3},
			want: Decision{Place: true, Side: "sell", Size: 3, ReduceOnly: true},
		},
		{
			name: "close short",
			in:   Input{Kind: EventClose, MasterSize: 4, MasterHeld: 4, FollowerHeld: -2},
			want: Decision{Place: true, Side: "buy", Size: 2, ReduceOnly: true},
		},
		{
			name: "close when follower is flat",
			in:   Input{Kind: EventClose, MasterSize: 2, MasterHeld: 2, FollowerHeld: 0},
			want: Decision{Reason: ReasonNoPosition},
		},
		{
			name: "reduce proportionally",
			in:   Input{Kind: EventReduce, MasterSize: 5, MasterHeld: 10, FollowerHeld: 4},
			want: Decision{Place: true, Side: "sell", Size: 2, ReduceOnly: true},
		},
		{
			name: "reduce at least one contract",
			in:   Input{Kind: EventReduce, MasterSize: 1, MasterHeld: 10, FollowerHeld: 3},
			want: Decision{Place: true, Side: "sell", Size: 1, ReduceOnly: true},
		},
		{
			name: "reduce never exceeds holding",
			in:   Input{Kind: EventReduce, MasterSize: 20, MasterHeld: 10, FollowerHeld: -3},
			want: Decision{Place: true, Side: "buy", Size: 3, ReduceOnly: true},
		},
		{
			name: "reduce when follower is flat",
			in:   Input{Kind: EventReduce, MasterSize: 5, MasterHeld: 10},
			want: Decision{Reason: ReasonNoPosition},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := NewPolicy(false).Decide(tc.in)

			assert.Equal(t, tc.want.Place, got.Place)
			assert.Equal(t, tc.want.Reason, got.Reason)
			assert.Equal(t, tc.want.Side, got.Side)
			assert.Equal(t, tc.want.Size, got.Size)
			assert.Equal(t, tc.want.ReduceOnly, got.ReduceOnly)
		})
	}
}

func TestDecide_NeverExceedsBalance(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	policy := NewPolicy(false)
	modes := []models.Follower{
		{CopyMode: "multiplier", Multiplier: 0.5, APIKey: "k", APISecret: "s"},
		{CopyMode: "fixed_lot", FixedLot: 7, APIKey: "k", APISecret: "s"},
		{CopyMode: "percent_balance", Percentage: 80, APIKey: "k", APISecret: "s", MinLotSize: 2},
	}

	for i := 0; i < 500; i++ {
		in := Input{
			Kind:              EventOpen,
			Side:              "buy",
			MasterSize:        float64(rng.Intn(50) + 1),
			ReferencePrice:    float64(rng.Intn(90000) + 100),
			ContractValue:     0.001,
			Follower:          modes[i%len(modes)],
			AvailableBalance:  rng.Float64() * 500,
			MarginPerContract: rng.Float64()*100 + 0.01,
		}

		d := policy.Decide(in)

		if d.Place {
			used := decimal.NewFromInt(d.Size).Mul(decimal.NewFromFloat(in.MarginPerContract))
			assert.True(t, used.LessThanOrEqual(decimal.NewFromFloat(in.AvailableBalance)),
				"size %d x margin %v exceeds balance %v", d.Size, in.MarginPerContract, in.AvailableBalance)
			assert.GreaterOrEqual(t, d.Size, int64(1))
		}
	}
}
