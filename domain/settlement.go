package domain

import "time"

type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchProposing BatchStatus = "proposing"
	BatchAccepting BatchStatus = "accepting"
	BatchExecuting BatchStatus = "executing"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// SettlementBatch groups pending trades for a single pass through the
// three-phase ledger exchange.
type SettlementBatch struct {
	BatchID     string `gorm:"primaryKey"`
	Status      BatchStatus `gorm:"index"`
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// SettlementBatchTrade is the join row linking a batch to its trades,
// so "a trade belongs to at most one non-failed batch" is a
// checkable query rather than an implicit invariant.
type SettlementBatchTrade struct {
	BatchID string `gorm:"primaryKey"`
	TradeID string `gorm:"primaryKey"`
}

// CompensationFailure records a terminal settlement failure so an
// operator can manually resolve it.
type CompensationFailure struct {
	ID         uint `gorm:"primaryKey;autoIncrement"`
	BatchID    string
	TradeIDs   string // comma-joined trade ids
	Reason     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
	ResolvedBy string
}

// IdempotencyRecord binds a client-supplied key to the prior response
// for a user, so replaying PlaceOrder is a no-op.
type IdempotencyRecord struct {
	UserID    string `gorm:"primaryKey;index:idx_idem,priority:1"`
	Key       string `gorm:"primaryKey;index:idx_idem,priority:2"`
	Response  string // serialized PlaceResult
	ExpiresAt time.Time
}
