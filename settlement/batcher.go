// Package settlement runs the periodic batcher that carries pending
// trades through the three-phase ledger exchange
// (proposing/accepting/executing) to a terminal settled or failed
// state, with retry and a compensation log for terminal buy-side
// failures. The batch-tick loop follows the same
// Config{MaxBatchSize,BatchInterval} plus stopCh/wg tick-loop shape used
// elsewhere in this codebase.
package settlement

import (
	"context"
	"sync"
	"time"

	"cosmossdk.io/log"

	"github.com/pebblemarket/core/apperr"
	"github.com/pebblemarket/core/domain"
	"github.com/pebblemarket/core/hub"
	"github.com/pebblemarket/core/ledger"
	"github.com/pebblemarket/core/metrics"
	"github.com/pebblemarket/core/money"
	"github.com/pebblemarket/core/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Config tunes the batcher's cadence and retry policy.
type Config struct {
	BatchInterval   time.Duration
	MaxBatchSize    int
	MaxRetries      int
	ProposalTimeout time.Duration
	RoundDelay      time.Duration
}

// DefaultConfig mirrors the default values named for SettlementBatcher.
func DefaultConfig() Config {
	return Config{
		BatchInterval:   2 * time.Second,
		MaxBatchSize:    50,
		MaxRetries:      5,
		ProposalTimeout: 30 * time.Second,
		RoundDelay:      250 * time.Millisecond,
	}
}

// Batcher drives pending trades through settlement on a fixed tick.
type Batcher struct {
	store   *store.Store
	ledger  ledger.Client
	hub     *hub.Hub
	metrics *metrics.Collector
	logger  log.Logger
	clock   func() time.Time
	cfg     Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Batcher. clock defaults to time.Now.
func New(st *store.Store, lc ledger.Client, h *hub.Hub, m *metrics.Collector, logger log.Logger, cfg Config, clock func() time.Time) *Batcher {
	if clock == nil {
		clock = time.Now
	}
	return &Batcher{
		store:   st,
		ledger:  lc,
		hub:     h,
		metrics: m,
		logger:  logger.With("module", "settlement"),
		clock:   clock,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start runs the tick loop until Stop is called. Ticks never propagate
// an error upward: a failed tick logs and the next tick tries again.
func (b *Batcher) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.loop(ctx)
}

// Stop ends the tick loop. New ticks stop firing; any in-flight tick
// finishes its current phase before Start's goroutine returns.
func (b *Batcher) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

func (b *Batcher) loop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.tick(ctx); err != nil {
				b.logger.Error("settlement tick failed", "error", err)
				if b.metrics != nil {
					b.metrics.SettlementBatchesTotal.WithLabelValues("tick_error").Inc()
				}
			}
		}
	}
}

// tick fetches up to MaxBatchSize pending trades, forms a batch, and
// runs it through the three-phase exchange.
func (b *Batcher) tick(ctx context.Context) error {
	trades, err := b.store.ListUnsettledTrades(b.cfg.MaxBatchSize)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "list unsettled trades")
	}
	if len(trades) == 0 {
		return nil
	}

	batch := &domain.SettlementBatch{
		BatchID:    uuid.NewString(),
		Status:     domain.BatchPending,
		CreatedAt:  b.clock(),
		RetryCount: 0,
	}
	err = b.store.Transaction(func(tx *gorm.DB) error {
		if err := b.store.SaveSettlementBatch(tx, batch); err != nil {
			return err
		}
		for i := range trades {
			trades[i].SettlementStatus = domain.SettlementSettling
			trades[i].SettlementID = batch.BatchID
			if err := b.store.SaveTrade(tx, &trades[i]); err != nil {
				return err
			}
			if err := b.store.LinkBatchTrade(tx, batch.BatchID, trades[i].TradeID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	start := b.clock()
	b.runPhases(ctx, batch, trades)
	if b.metrics != nil {
		b.metrics.SettlementBatchLatency.WithLabelValues(string(batch.Status)).Observe(b.clock().Sub(start).Seconds())
		b.metrics.SettlementBatchesTotal.WithLabelValues(string(batch.Status)).Inc()
	}
	b.emit(batch, trades)
	return nil
}

// runPhases runs the proposing and accepting exchanges against the
// ledger for every distinct counterparty pair in the batch, then one
// executing command for the whole batch, advancing batch.Status in
// place. A phase failure marks the batch failed and
// either demotes its trades back to pending (retry budget remains) or
// fails them into compensation.
func (b *Batcher) runPhases(ctx context.Context, batch *domain.SettlementBatch, trades []domain.Trade) {
	pairs := counterpartyPairs(trades)

	batch.Status = domain.BatchProposing
	for _, pair := range pairs {
		if _, err := b.ledger.SubmitCommand(ctx, ledger.Command{
			CommandID:  "propose-" + batch.BatchID + "-" + pair.buyer + "-" + pair.seller,
			TemplateID: ledger.TemplateSettlementProposal,
			Party:      pair.buyer,
			Payload: map[string]interface{}{
				"buyer":  pair.buyer,
				"seller": pair.seller,
			},
		}); err != nil {
			b.failBatch(batch, trades, "proposing", err)
			return
		}
	}
	time.Sleep(b.cfg.RoundDelay)

	batch.Status = domain.BatchAccepting
	for _, pair := range pairs {
		if _, err := b.ledger.SubmitCommand(ctx, ledger.Command{
			CommandID:  "accept-buyer-" + batch.BatchID + "-" + pair.buyer,
			TemplateID: ledger.TemplateSettlementAccepted,
			ChoiceName: ledger.ChoiceBuyerAccept,
			Party:      pair.buyer,
		}); err != nil {
			b.failBatch(batch, trades, "accepting", err)
			return
		}
		if _, err := b.ledger.SubmitCommand(ctx, ledger.Command{
			CommandID:  "accept-seller-" + batch.BatchID + "-" + pair.seller,
			TemplateID: ledger.TemplateSettlementAccepted,
			ChoiceName: ledger.ChoiceSellerAccept,
			Party:      pair.seller,
		}); err != nil {
			b.failBatch(batch, trades, "accepting", err)
			return
		}
	}
	time.Sleep(b.cfg.RoundDelay)

	batch.Status = domain.BatchExecuting
	if _, err := b.ledger.SubmitCommand(ctx, ledger.Command{
		CommandID:  "execute-" + batch.BatchID,
		TemplateID: ledger.TemplateSettlement,
		ChoiceName: ledger.ChoiceExecuteSettlement,
	}); err != nil {
		b.failBatch(batch, trades, "executing", err)
		return
	}

	now := b.clock()
	batch.Status = domain.BatchCompleted
	batch.ProcessedAt = &now
	for i := range trades {
		trades[i].SettlementStatus = domain.SettlementSettled
		trades[i].SettledAt = &now
	}
	b.persistOutcome(batch, trades)
}

type pair struct{ buyer, seller string }

// counterpartyPairs returns the distinct (buyer, seller) pairs in
// trades, one SettlementProposal per pair regardless of how many
// trades they share.
func counterpartyPairs(trades []domain.Trade) []pair {
	seen := make(map[pair]bool)
	var out []pair
	for _, t := range trades {
		p := pair{buyer: t.BuyerID, seller: t.SellerID}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// failBatch marks batch failed and either demotes its trades back to
// pending for a later tick (retry budget remains) or moves them to
// failed and logs a compensation entry for every buy-side lock still
// held.
func (b *Batcher) failBatch(batch *domain.SettlementBatch, trades []domain.Trade, phase string, cause error) {
	batch.Status = domain.BatchFailed
	batch.LastError = cause.Error()
	batch.RetryCount++
	if b.metrics != nil {
		b.metrics.SettlementRetries.WithLabelValues(phase).Inc()
	}

	if batch.RetryCount < b.cfg.MaxRetries {
		for i := range trades {
			trades[i].SettlementStatus = domain.SettlementPending
			trades[i].SettlementID = ""
		}
		b.persistOutcome(batch, trades)
		return
	}

	for i := range trades {
		trades[i].SettlementStatus = domain.SettlementFailed
	}
	b.persistOutcome(batch, trades)
	b.compensate(batch, trades, phase, cause)
}

func (b *Batcher) persistOutcome(batch *domain.SettlementBatch, trades []domain.Trade) {
	err := b.store.Transaction(func(tx *gorm.DB) error {
		if err := b.store.SaveSettlementBatch(tx, batch); err != nil {
			return err
		}
		for i := range trades {
			if err := b.store.SaveTrade(tx, &trades[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.logger.Error("failed to persist settlement outcome", "batchId", batch.BatchID, "error", err)
	}
}

// compensate unlocks funds still held against each buyer in trades and
// appends a CompensationFailure row for operator follow-up. Unlocking
// is idempotent: a second call against an already-compensated trade
// simply finds nothing left to release.
func (b *Batcher) compensate(batch *domain.SettlementBatch, trades []domain.Trade, phase string, cause error) {
	ids := make([]string, 0, len(trades))
	owed := make(map[string]decimal.Decimal)
	var buyers []string
	for _, t := range trades {
		ids = append(ids, t.TradeID)
		if _, ok := owed[t.BuyerID]; !ok {
			buyers = append(buyers, t.BuyerID)
		}
		owed[t.BuyerID] = owed[t.BuyerID].Add(money.Mul(t.Price, t.Quantity))
	}
	for _, buyer := range buyers {
		if err := b.unlockBuyerFunds(buyer, owed[buyer]); err != nil {
			b.logger.Error("compensation unlock failed", "userId", buyer, "error", err)
		}
	}

	if err := b.store.SaveCompensationFailure(nil, &domain.CompensationFailure{
		BatchID:   batch.BatchID,
		TradeIDs:  joinIDs(ids),
		Reason:    phase + ": " + cause.Error(),
		CreatedAt: b.clock(),
	}); err != nil {
		b.logger.Error("failed to record compensation failure", "batchId", batch.BatchID, "error", err)
	}
	if b.metrics != nil {
		n, _ := b.store.CountOpenCompensationFailures()
		b.metrics.CompensationFailures.Set(float64(n))
	}
}

// unlockBuyerFunds releases up to amount from an account's locked
// balance back to available. A trade whose lock was already released
// by an earlier compensation pass simply has less than amount left to
// release; the rest is a no-op.
func (b *Batcher) unlockBuyerFunds(userID string, amount decimal.Decimal) error {
	return b.store.Transaction(func(tx *gorm.DB) error {
		acct, err := b.store.GetAccountForUpdate(tx, userID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil
			}
			return err
		}
		release := decimal.Min(amount, acct.LockedBalance)
		acct.LockedBalance = acct.LockedBalance.Sub(release)
		acct.AvailableBalance = acct.AvailableBalance.Add(release)
		acct.LastUpdated = b.clock()
		return b.store.SaveAccount(tx, acct)
	})
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}

func (b *Batcher) emit(batch *domain.SettlementBatch, trades []domain.Trade) {
	if b.hub == nil {
		return
	}
	for _, t := range trades {
		b.hub.SendToUser(t.BuyerID, hub.ChannelOrders, "trade_settled", t)
		b.hub.SendToUser(t.SellerID, hub.ChannelOrders, "trade_settled", t)
		b.hub.SendToUser(t.BuyerID, hub.ChannelBalance, "balance_update", nil)
		b.hub.SendToUser(t.SellerID, hub.ChannelPositions, "position_update", nil)
	}
}
