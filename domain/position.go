package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is keyed logically by (userId, marketId, side) while active;
// UTXO-style archive+create evolution means a new row replaces the
// active one rather than mutating contractId in place.
type Position struct {
	PositionID    string `gorm:"primaryKey"`
	UserID        string `gorm:"index:idx_pos_owner,priority:1"`
	MarketID      string `gorm:"index:idx_pos_owner,priority:2"`
	Side          Side   `gorm:"index:idx_pos_owner,priority:3"`
	ContractID    string
	Quantity      decimal.Decimal `gorm:"type:decimal(20,10)"`
	LockedQuantity decimal.Decimal `gorm:"type:decimal(20,10)"`
	AvgCostBasis  decimal.Decimal `gorm:"type:decimal(20,10)"`
	IsArchived    bool            `gorm:"index"`
	LastUpdated   time.Time
}

// Available is quantity not currently locked behind a resting sell.
func (p *Position) Available() decimal.Decimal {
	return p.Quantity.Sub(p.LockedQuantity)
}
