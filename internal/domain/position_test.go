package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestUnrealizedPnL_Long(t *testing.T) {
	p := &Position{
		ID:         "p1",
		Symbol:     "SOL-USD",
		Side:       SideLong,
		Size:       d("2"),
		EntryPrice: d("100"),
	}
	pnl := p.UnrealizedPnL(d("110"))
	if !pnl.Equal(d("20")) {
		t.Fatalf("expected pnl 20, got %s", pnl)
	}
}

func TestUnrealizedPnL_Short(t *testing.T) {
	p := &Position{
		Side:       SideShort,
		Size:       d("3"),
		EntryPrice: d("50"),
	}
	pnl := p.UnrealizedPnL(d("40"))
	if !pnl.Equal(d("30")) {
		t.Fatalf("expected pnl 30, got %s", pnl)
	}
	pnl = p.UnrealizedPnL(d("60"))
	if !pnl.Equal(d("-30")) {
		t.Fatalf("expected pnl -30, got %s", pnl)
	}
}

func TestApplyMark(t *testing.T) {
	p := &Position{Side: SideLong, Size: d("2"), EntryPrice: d("100")}
	p.ApplyMark(d("110"))
	if !p.MarkPrice.Equal(d("110")) {
		t.Fatalf("mark price not applied: %s", p.MarkPrice)
	}
	if !p.PnL.Equal(d("20")) {
		t.Fatalf("pnl not recomputed: %s", p.PnL)
	}
}

func TestClone_Isolation(t *testing.T) {
	p := &Position{ID: "p1", Side: SideLong, Size: d("1"), EntryPrice: d("10")}
	cp := p.Clone()
	cp.ApplyMark(d("99"))
	if !p.MarkPrice.IsZero() {
		t.Fatal("mutating a clone must not touch the original")
	}
}
