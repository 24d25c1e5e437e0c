// Package store is the durable backing store for every domain model,
// built on gorm.io/gorm with a sqlite driver in WAL mode. Every
// multi-row write goes through db.Transaction so a crash mid-write
// never leaves a half-applied batch.
package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"cosmossdk.io/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pebblemarket/core/domain"
)

// Store wraps a *gorm.DB with the schema and queries the core needs.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn (a sqlite file path) and migrates the schema.
// walMode enables sqlite's write-ahead log, the concurrency mode every
// component assumes is active.
func Open(dsn string, walMode bool, logger log.Logger) (*Store, error) {
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "?") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		if walMode {
			dsn = dsn + "?_journal_mode=WAL&_busy_timeout=5000"
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&domain.Market{},
		&domain.Account{},
		&domain.Order{},
		&domain.Trade{},
		&domain.Position{},
		&domain.SettlementBatch{},
		&domain.SettlementBatchTrade{},
		&domain.CompensationFailure{},
		&domain.IdempotencyRecord{},
		&domain.ReconciliationHistory{},
		&domain.FaucetRequest{},
		&domain.SystemState{},
	); err != nil {
		return nil, err
	}

	logger.Info("store opened", "dsn", dsn, "wal", walMode)
	return &Store{db: db}, nil
}

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = gorm.ErrRecordNotFound

// Transaction runs fn inside a single database transaction, grounded
// on the GORM transactional-write pattern every multi-row mutation in
// this package follows.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// DB exposes the underlying handle for callers (tx-scoped repositories)
// that need to compose queries this package doesn't wrap directly.
func (s *Store) DB() *gorm.DB { return s.db }

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// --- Markets ---

func (s *Store) SaveMarket(tx *gorm.DB, m *domain.Market) error {
	return dbOrTx(s, tx).Save(m).Error
}

func (s *Store) GetMarket(tx *gorm.DB, marketID string) (*domain.Market, error) {
	var m domain.Market
	if err := dbOrTx(s, tx).First(&m, "market_id = ?", marketID).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListMarkets(status domain.MarketStatus) ([]domain.Market, error) {
	var out []domain.Market
	q := s.db.Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&out).Error
	return out, err
}

// --- Accounts ---

func (s *Store) SaveAccount(tx *gorm.DB, a *domain.Account) error {
	return dbOrTx(s, tx).Save(a).Error
}

func (s *Store) GetAccount(userID string) (*domain.Account, error) {
	var a domain.Account
	if err := s.db.First(&a, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccountForUpdate locks the account row for the duration of tx, so
// concurrent fund-lock attempts against the same user serialize.
func (s *Store) GetAccountForUpdate(tx *gorm.DB, userID string) (*domain.Account, error) {
	var a domain.Account
	if err := dbOrTx(s, tx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListAccounts() ([]domain.Account, error) {
	var out []domain.Account
	err := s.db.Find(&out).Error
	return out, err
}

// --- Orders ---

func (s *Store) SaveOrder(tx *gorm.DB, o *domain.Order) error {
	return dbOrTx(s, tx).Save(o).Error
}

func (s *Store) GetOrder(orderID string) (*domain.Order, error) {
	var o domain.Order
	if err := s.db.First(&o, "order_id = ?", orderID).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) ListOpenOrdersByMarket(marketID string) ([]domain.Order, error) {
	var out []domain.Order
	err := s.db.Where("market_id = ? AND status IN ?", marketID,
		[]domain.OrderStatus{domain.OrderOpen, domain.OrderPartial}).
		Order("created_at ASC").Find(&out).Error
	return out, err
}

func (s *Store) ListOrdersByUser(userID string, marketID string) ([]domain.Order, error) {
	var out []domain.Order
	q := s.db.Where("user_id = ?", userID)
	if marketID != "" {
		q = q.Where("market_id = ?", marketID)
	}
	err := q.Order("created_at DESC").Find(&out).Error
	return out, err
}

func (s *Store) FindOrderByIdempotencyKey(userID, key string) (*domain.Order, error) {
	var o domain.Order
	err := s.db.Where("user_id = ? AND idempotency_key = ?", userID, key).First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// --- Trades ---

func (s *Store) SaveTrade(tx *gorm.DB, t *domain.Trade) error {
	return dbOrTx(s, tx).Save(t).Error
}

func (s *Store) ListUnsettledTrades(limit int) ([]domain.Trade, error) {
	var out []domain.Trade
	err := s.db.Where("settlement_status = ?", domain.SettlementPending).
		Order("created_at ASC").Limit(limit).Find(&out).Error
	return out, err
}

func (s *Store) ListTradesByMarket(marketID string, limit int) ([]domain.Trade, error) {
	var out []domain.Trade
	err := s.db.Where("market_id = ?", marketID).Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// --- Positions ---

func (s *Store) SavePosition(tx *gorm.DB, p *domain.Position) error {
	return dbOrTx(s, tx).Save(p).Error
}

func (s *Store) GetActivePosition(tx *gorm.DB, userID, marketID string, side domain.Side) (*domain.Position, error) {
	var p domain.Position
	err := dbOrTx(s, tx).Where("user_id = ? AND market_id = ? AND side = ? AND is_archived = ?",
		userID, marketID, side, false).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPositionsByUser(userID string) ([]domain.Position, error) {
	var out []domain.Position
	err := s.db.Where("user_id = ? AND is_archived = ?", userID, false).Find(&out).Error
	return out, err
}

// --- Settlement batches ---

func (s *Store) SaveSettlementBatch(tx *gorm.DB, b *domain.SettlementBatch) error {
	return dbOrTx(s, tx).Save(b).Error
}

func (s *Store) GetSettlementBatch(batchID string) (*domain.SettlementBatch, error) {
	var b domain.SettlementBatch
	if err := s.db.First(&b, "batch_id = ?", batchID).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) LinkBatchTrade(tx *gorm.DB, batchID, tradeID string) error {
	return dbOrTx(s, tx).Create(&domain.SettlementBatchTrade{BatchID: batchID, TradeID: tradeID}).Error
}

func (s *Store) ListBatchTradeIDs(batchID string) ([]string, error) {
	var rows []domain.SettlementBatchTrade
	if err := s.db.Where("batch_id = ?", batchID).Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.TradeID
	}
	return ids, nil
}

func (s *Store) SaveCompensationFailure(tx *gorm.DB, f *domain.CompensationFailure) error {
	return dbOrTx(s, tx).Create(f).Error
}

func (s *Store) CountOpenCompensationFailures() (int64, error) {
	var n int64
	err := s.db.Model(&domain.CompensationFailure{}).Where("resolved_at IS NULL").Count(&n).Error
	return n, err
}

// --- Idempotency ---

func (s *Store) SaveIdempotencyRecord(tx *gorm.DB, r *domain.IdempotencyRecord) error {
	return dbOrTx(s, tx).Create(r).Error
}

// GetIdempotencyRecord returns the stored record for (userID, key)
// whether or not it has expired; callers judge expiry against their own
// clock.
func (s *Store) GetIdempotencyRecord(userID, key string) (*domain.IdempotencyRecord, error) {
	var r domain.IdempotencyRecord
	err := s.db.Where("user_id = ? AND key = ?", userID, key).First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Reconciliation ---

func (s *Store) SaveReconciliationHistory(tx *gorm.DB, h *domain.ReconciliationHistory) error {
	return dbOrTx(s, tx).Create(h).Error
}

// --- Faucet ---

func (s *Store) SaveFaucetRequest(f *domain.FaucetRequest) error {
	return s.db.Save(f).Error
}

// --- System state (singleton key/value rows) ---

func (s *Store) GetSystemState(key string) (string, bool, error) {
	var row domain.SystemState
	err := s.db.First(&row, "key = ?", key).Error
	if isNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

func (s *Store) SetSystemState(tx *gorm.DB, key, value string) error {
	return dbOrTx(s, tx).Save(&domain.SystemState{Key: key, Value: value}).Error
}

func dbOrTx(s *Store, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}
