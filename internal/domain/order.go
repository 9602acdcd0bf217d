package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus 订单状态
// Transitions are monotonic: pending -> filled | cancelled | rejected.
// Terminal states are immutable.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// IsTerminal reports whether the status can no longer change.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// CanTransition reports whether moving from s to next is a legal status
// transition. Terminal states never transition; pending may move to any
// terminal state.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return next.IsTerminal()
}

// Order 订单领域模型
type Order struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Type      OrderType       `json:"type"`
	Price     decimal.Decimal `json:"price,omitempty"` // zero for market orders
	Quantity  decimal.Decimal `json:"quantity"`
	Status    OrderStatus     `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}

// IsOpen 检查订单是否仍可撤销
func (o *Order) IsOpen() bool {
	return !o.Status.IsTerminal()
}

// Clone returns a copy of the order.
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}
