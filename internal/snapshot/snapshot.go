// Package snapshot holds master position snapshots and the pure diff between
// two consecutive snapshots.
package snapshot

import (
	"math"
	"sort"

	"delta-copy-trader/internal/delta"
)

// DefaultEpsilon is the size below which a position counts as flat.
const DefaultEpsilon = 1e-9

// Position is a master position. Size is signed: long positive, short negative.
type Position struct {
	ProductID  int64
	Size       float64
	EntryPrice float64
}

// Snapshot maps symbol to position at one poll.
type Snapshot map[string]Position

// FromPositions builds a snapshot, dropping flat rows.
func FromPositions(positions []delta.Position) Snapshot {
	s := make(Snapshot, len(positions))
	for _, p := range positions {
		if math.Abs(p.Size) <= DefaultEpsilon {
			continue
		}
		s[p.Symbol] = Position{ProductID: p.ProductID, Size: p.Size, EntryPrice: p.EntryPrice}
	}
	return s
}

// Symbols returns the snapshot's symbols in sorted order.
func (s Snapshot) Symbols() []string {
	symbols := make([]string, 0, len(s))
	for sym := range s {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}

type Opened struct {
	Symbol   string
	Position Position
}

type Closed struct {
	Symbol string
	// Last is the position as last seen before it disappeared.
	Last Position
}

type Resized struct {
	Symbol   string
	Old, New Position
}

// Flipped reports whether the position changed direction.
func (r Resized) Flipped() bool {
	return (r.Old.Size > 0) != (r.New.Size > 0)
}

// Increased reports whether the absolute size grew in the same direction.
func (r Resized) Increased() bool {
	return !r.Flipped() && math.Abs(r.New.Size) > math.Abs(r.Old.Size)
}

// Delta is the set of changes between two snapshots. Each slice is sorted by symbol.
type Delta struct {
	Opened  []Opened
	Closed  []Closed
	Resized []Resized
}

func (d Delta) Empty() bool {
	return len(d.Opened) == 0 && len(d.Closed) == 0 && len(d.Resized) == 0
}

func (d Delta) Len() int {
	return len(d.Opened) + len(d.Closed) + len(d.Resized)
}

// Diff compares two snapshots using DefaultEpsilon.
func Diff(prev, cur Snapshot) Delta {
	return DiffWithEpsilon(prev, cur, DefaultEpsilon)
}

// DiffWithEpsilon compares two snapshots. Sizes within eps of zero count as
// flat and size changes within eps are ignored. It does not modify its inputs.
func DiffWithEpsilon(prev, cur Snapshot, eps float64) Delta {
	var d Delta

	for _, sym := range cur.Symbols() {
		c := cur[sym]
		if math.Abs(c.Size) <= eps {
			continue
		}
		p, ok := prev[sym]
		if !ok || math.Abs(p.Size) <= eps {
			d.Opened = append(d.Opened, Opened{Symbol: sym, Position: c})
			continue
		}
		if math.Abs(c.Size-p.Size) > eps {
			d.Resized = append(d.Resized, Resized{Symbol: sym, Old: p, New: c})
		}
	}

	for _, sym := range prev.Symbols() {
		p := prev[sym]
		if math.Abs(p.Size) <= eps {
			continue
		}
		if c, ok := cur[sym]; !ok || math.Abs(c.Size) <= eps {
			d.Closed = append(d.Closed, Closed{Symbol: sym, Last: p})
		}
	}

	return d
}
