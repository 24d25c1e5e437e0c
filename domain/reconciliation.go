package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationHistory is an append-only audit row written every time
// the reconciliation loop checks an account, whether or not it needed
// correction.
type ReconciliationHistory struct {
	ID                uint `gorm:"primaryKey;autoIncrement"`
	UserID            string `gorm:"index"`
	PreviousAvailable decimal.Decimal `gorm:"type:decimal(20,10)"`
	PreviousLocked    decimal.Decimal `gorm:"type:decimal(20,10)"`
	OnchainAvailable  decimal.Decimal `gorm:"type:decimal(20,10)"`
	OnchainLocked     decimal.Decimal `gorm:"type:decimal(20,10)"`
	Drift             decimal.Decimal `gorm:"type:decimal(20,10)"`
	RelativeDrift     decimal.Decimal `gorm:"type:decimal(20,10)"`
	Reconciled        bool
	CheckedAt         time.Time
}

// FaucetRequest is the history of test/dev faucet credits; the
// endpoint itself is transport, out of scope, but the core records the
// grant the way a deposit is recorded.
type FaucetRequest struct {
	ID          uint `gorm:"primaryKey;autoIncrement"`
	UserID      string `gorm:"index"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,10)"`
	Status      string
	RequestedAt time.Time
	FulfilledAt *time.Time
}

// SystemState is a generic key-value row used for singleton values such
// as lastProcessedOffset and schemaVersion.
type SystemState struct {
	Key   string `gorm:"primaryKey"`
	Value string
}
