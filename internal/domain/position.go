package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position or order.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign returns +1 for long and -1 for short.
// PnL math is always (mark - entry) * size * Sign().
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// IsValid reports whether the side is one of the known values.
func (s Side) IsValid() bool {
	return s == SideLong || s == SideShort
}

// Position is an open position as reported by the backend.
// Size is strictly positive while the position is open; direction is
// carried by Side.
type Position struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	MarkPrice  decimal.Decimal `json:"markPrice"`
	PnL        decimal.Decimal `json:"pnl"`
	OpenedAt   time.Time       `json:"openedAt"`
}

// UnrealizedPnL computes the pnl of the position at the given mark price:
// (mark - entry) * size * sign(side).
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	return mark.Sub(p.EntryPrice).Mul(p.Size).Mul(p.Side.Sign())
}

// ApplyMark updates MarkPrice and recomputes PnL from it.
func (p *Position) ApplyMark(mark decimal.Decimal) {
	p.MarkPrice = mark
	p.PnL = p.UnrealizedPnL(mark)
}

// Clone returns a copy of the position. Read accessors hand out clones so
// callers can never mutate store-owned state.
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}
