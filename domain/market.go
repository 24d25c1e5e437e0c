// Package domain holds the persistent data model shared by every core
// component: markets, accounts, orders, trades, positions, settlement
// batches, and the bookkeeping rows that support them.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus is the lifecycle state of a Market.
type MarketStatus string

const (
	MarketOpen     MarketStatus = "open"
	MarketClosed   MarketStatus = "closed"
	MarketResolved MarketStatus = "resolved"
)

// Market is a single binary (YES/NO) prediction market.
type Market struct {
	MarketID       string       `gorm:"primaryKey"`
	Question       string
	Description    string
	ResolutionTime time.Time
	CreatedAt      time.Time
	Status         MarketStatus
	Outcome        *bool // nil until resolved
	YesPrice       decimal.Decimal `gorm:"type:decimal(20,10)"`
	NoPrice        decimal.Decimal `gorm:"type:decimal(20,10)"`
	Volume24h      decimal.Decimal `gorm:"type:decimal(20,10)"`
	TotalVolume    decimal.Decimal `gorm:"type:decimal(20,10)"`
	OpenInterest   decimal.Decimal `gorm:"type:decimal(20,10)"`
	ContractID     string
	Version        int64
}

// IsOpen reports whether orders may currently be placed against m.
func (m *Market) IsOpen() bool { return m.Status == MarketOpen }
