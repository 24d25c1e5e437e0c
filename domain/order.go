package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Opposite returns the other binary side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Opposite returns the other action: sell for buy, buy for sell.
func (a Action) Opposite() Action {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// IsResting reports whether an order in this status is expected to
// have a live entry in the in-memory OrderBook.
func (s OrderStatus) IsResting() bool {
	return s == OrderOpen || s == OrderPartial
}

// Order is a single order request and its current fill state.
type Order struct {
	OrderID         string `gorm:"primaryKey"`
	MarketID        string `gorm:"index"`
	UserID          string `gorm:"index"`
	Side            Side
	Action          Action
	OrderType       OrderType
	Price           *decimal.Decimal `gorm:"type:decimal(20,10)"` // nil for pure market orders
	Quantity        decimal.Decimal  `gorm:"type:decimal(20,10)"`
	FilledQuantity  decimal.Decimal  `gorm:"type:decimal(20,10)"`
	Status          OrderStatus      `gorm:"index"`
	LockedAmount    decimal.Decimal  `gorm:"type:decimal(20,10)"`
	IdempotencyKey  string           `gorm:"index:idx_user_idem,priority:2"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Remaining is quantity - filledQuantity, the amount still available to
// match.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// EffectivePrice is the price used to key this order for matching
// purposes. Pure market orders have no stored price; callers that need
// one (for fund locking) must supply a ceiling instead.
func (o *Order) EffectivePrice() decimal.Decimal {
	if o.Price == nil {
		return decimal.Zero
	}
	return *o.Price
}
