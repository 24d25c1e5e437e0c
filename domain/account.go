package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the off-chain projection of a party's on-chain
// TradingAccount contract. partyId and userId coincide in
// this MVP.
type Account struct {
	UserID                   string `gorm:"primaryKey"`
	PartyID                  string
	AccountContractID        string
	AuthorizationContractID  string
	AvailableBalance         decimal.Decimal `gorm:"type:decimal(20,10)"`
	LockedBalance            decimal.Decimal `gorm:"type:decimal(20,10)"`
	LastUpdated              time.Time
}

// Total is availableBalance + lockedBalance, the quantity reconciliation
// compares against the on-chain contract.
func (a *Account) Total() decimal.Decimal {
	return a.AvailableBalance.Add(a.LockedBalance)
}
