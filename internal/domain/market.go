package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Channel 实时数据频道
type Channel string

const (
	ChannelMarket    Channel = "market"
	ChannelOrderbook Channel = "orderbook"
	ChannelTrades    Channel = "trades"
)

// IsValid reports whether the channel is one the backend understands.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelMarket, ChannelOrderbook, ChannelTrades:
		return true
	}
	return false
}

// MarketTick is a streamed market summary for one symbol.
// Ticks are ephemeral: a tick is superseded by any tick with a higher
// sequence for the same symbol, and out-of-order or duplicate sequences
// are discarded by the consumer.
type MarketTick struct {
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	Volume   decimal.Decimal `json:"volume"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Change   decimal.Decimal `json:"change"`
	Sequence uint64          `json:"sequence"`
}

// PriceLevel is one level of an order book side.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBookSnapshot 订单簿快照
// The backend pushes full snapshots, not incremental diffs; each update
// replaces the previous book wholesale.
type OrderBookSnapshot struct {
	Symbol   string       `json:"symbol"`
	Bids     []PriceLevel `json:"bids"`
	Asks     []PriceLevel `json:"asks"`
	Sequence uint64       `json:"sequence"`
}

// BestBid returns the top bid level, or false when the book side is empty.
func (b *OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, or false when the book side is empty.
func (b *OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Trade 成交记录（trades 频道推送）
type Trade struct {
	ID     string          `json:"id"`
	Symbol string          `json:"symbol"`
	Side   Side            `json:"side"`
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
	Time   time.Time       `json:"time"`
}
