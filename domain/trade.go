package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TradeType string

const (
	TradeTypeShareTrade    TradeType = "share_trade"
	TradeTypeShareCreation TradeType = "share_creation"
)

type SettlementStatus string

const (
	SettlementPending  SettlementStatus = "pending"
	SettlementSettling SettlementStatus = "settling"
	SettlementSettled  SettlementStatus = "settled"
	SettlementFailed   SettlementStatus = "failed"
)

// Trade is a single match between two orders, always normalised to
// side=yes with a single price in (0,1).
type Trade struct {
	TradeID          string `gorm:"primaryKey"`
	MarketID         string `gorm:"index"`
	BuyerID          string `gorm:"index"`
	SellerID         string `gorm:"index"`
	Side             Side
	Price            decimal.Decimal `gorm:"type:decimal(20,10)"`
	Quantity         decimal.Decimal `gorm:"type:decimal(20,10)"`
	BuyerOrderID     string
	SellerOrderID    string
	TradeType        TradeType
	SettlementStatus SettlementStatus `gorm:"index"`
	SettlementID     string
	CreatedAt        time.Time
	SettledAt        *time.Time
}
