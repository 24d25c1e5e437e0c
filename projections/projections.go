// Package projections applies ledger events to the local read models
// (account balances, positions, markets) that EventProcessor keeps in
// sync with the external ledger. Every write here is UTXO-aware: a
// Position mutation is an archive+create pair, never an in-place edit
// of ledger-owned fields.
package projections

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/pebblemarket/core/domain"
	"github.com/pebblemarket/core/store"
)

// Projections wraps a Store with the event-driven upserts EventProcessor
// needs. Reads go straight to Store; this type only adds the
// event-application semantics on top.
type Projections struct {
	store *store.Store
}

// New builds a Projections over st.
func New(st *store.Store) *Projections {
	return &Projections{store: st}
}

// AccountPayload is the decoded TradingAccount contract payload.
type AccountPayload struct {
	Owner             string
	ContractID        string
	AuthContractID    string
	AvailableBalance  decimal.Decimal
	LockedBalance     decimal.Decimal
}

// UpsertAccount applies a TradingAccount created event: the contract is
// the source of truth for balances, so this overwrites the projection
// outright rather than merging.
func (p *Projections) UpsertAccount(tx *gorm.DB, pl AccountPayload, now time.Time) error {
	existing, err := p.store.GetAccount(pl.Owner)
	acct := &domain.Account{
		UserID:                  pl.Owner,
		PartyID:                 pl.Owner,
		AccountContractID:       pl.ContractID,
		AuthorizationContractID: pl.AuthContractID,
		AvailableBalance:        pl.AvailableBalance,
		LockedBalance:           pl.LockedBalance,
		LastUpdated:             now,
	}
	if err == nil && existing != nil && pl.AuthContractID == "" {
		acct.AuthorizationContractID = existing.AuthorizationContractID
	}
	return p.store.SaveAccount(tx, acct)
}

// PositionPayload is the decoded Position contract payload.
type PositionPayload struct {
	Owner      string
	MarketID   string
	Side       domain.Side
	ContractID string
	Quantity   decimal.Decimal
	LockedQty  decimal.Decimal
	AvgCost    decimal.Decimal
}

// UpsertPosition applies a Position created event, keyed logically on
// (owner, marketId, side) rather than contractId: the new contract
// replaces whatever was active, per the UTXO archive+create evolution.
func (p *Projections) UpsertPosition(tx *gorm.DB, pl PositionPayload, positionID string, now time.Time) error {
	pos := &domain.Position{
		PositionID:     positionID,
		UserID:         pl.Owner,
		MarketID:       pl.MarketID,
		Side:           pl.Side,
		ContractID:     pl.ContractID,
		Quantity:       pl.Quantity,
		LockedQuantity: pl.LockedQty,
		AvgCostBasis:   pl.AvgCost,
		IsArchived:     false,
		LastUpdated:    now,
	}
	return p.store.SavePosition(tx, pos)
}

// ArchivePosition marks the active position for (owner, marketId, side)
// archived, but only when its resulting quantity is zero: archiving a
// contract that was immediately replaced by a nonzero-quantity create is
// not a closure, it is a UTXO-style rewrite the caller must apply via
// UpsertPosition instead.
func (p *Projections) ArchivePosition(tx *gorm.DB, userID, marketID string, side domain.Side, resultingQuantity decimal.Decimal, now time.Time) error {
	if resultingQuantity.Sign() > 0 {
		return nil
	}
	pos, err := p.store.GetActivePosition(tx, userID, marketID, side)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	pos.Quantity = decimal.Zero
	pos.LockedQuantity = decimal.Zero
	pos.IsArchived = true
	pos.LastUpdated = now
	return p.store.SavePosition(tx, pos)
}

// MarketPayload is the decoded Market contract payload.
type MarketPayload struct {
	MarketID       string
	Question       string
	Description    string
	ResolutionTime time.Time
	YesPrice       decimal.Decimal
	NoPrice        decimal.Decimal
	ContractID     string
	Version        int64
}

// UpsertMarket applies a Market created event. Out-of-order delivery is
// resolved last-write-wins keyed by the higher version: an event
// carrying a version no greater than what's stored is a no-op.
func (p *Projections) UpsertMarket(tx *gorm.DB, pl MarketPayload, now time.Time) error {
	existing, err := p.store.GetMarket(tx, pl.MarketID)
	if err == nil && existing.Version >= pl.Version {
		return nil
	}
	status := domain.MarketOpen
	if err == nil {
		status = existing.Status
	}
	m := &domain.Market{
		MarketID:       pl.MarketID,
		Question:       pl.Question,
		Description:    pl.Description,
		ResolutionTime: pl.ResolutionTime,
		Status:         status,
		YesPrice:       pl.YesPrice,
		NoPrice:        pl.NoPrice,
		ContractID:     pl.ContractID,
		Version:        pl.Version,
	}
	if err == nil {
		m.CreatedAt = existing.CreatedAt
		m.Outcome = existing.Outcome
		m.Volume24h = existing.Volume24h
		m.TotalVolume = existing.TotalVolume
		m.OpenInterest = existing.OpenInterest
	} else {
		m.CreatedAt = now
	}
	return p.store.SaveMarket(tx, m)
}

// ResolveMarket applies a MarketSettlement created event: the market
// transitions to resolved with the given outcome.
func (p *Projections) ResolveMarket(tx *gorm.DB, marketID string, outcome bool, now time.Time) error {
	m, err := p.store.GetMarket(tx, marketID)
	if err != nil {
		return err
	}
	m.Status = domain.MarketResolved
	m.Outcome = &outcome
	m.Version++
	return p.store.SaveMarket(tx, m)
}
