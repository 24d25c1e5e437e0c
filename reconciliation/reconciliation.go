// Package reconciliation runs the periodic drift-check loop that
// compares each stale account's projected balance against the ledger's
// active TradingAccount contract, correcting the projection when they
// diverge past tolerance. The Start/Stop loop shape is shared with the
// rest of this codebase's background workers, narrowed here to a
// single-purpose compare-and-correct tick.
package reconciliation

import (
	"context"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/pebblemarket/core/domain"
	"github.com/pebblemarket/core/ledger"
	"github.com/pebblemarket/core/metrics"
	"github.com/pebblemarket/core/store"
)

// Config tunes the loop's cadence, staleness window, and drift
// tolerance.
type Config struct {
	Interval       time.Duration
	StaleAfter     time.Duration
	DriftTolerance decimal.Decimal
}

// DefaultConfig mirrors the named default reconciliation values.
func DefaultConfig() Config {
	return Config{
		Interval:       60 * time.Second,
		StaleAfter:     5 * time.Minute,
		DriftTolerance: decimal.NewFromFloat(0.001),
	}
}

// Loop periodically reconciles projected account balances against the
// ledger's active contract set.
type Loop struct {
	store   *store.Store
	ledger  ledger.Client
	metrics *metrics.Collector
	logger  log.Logger
	clock   func() time.Time
	cfg     Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Loop. clock defaults to time.Now.
func New(st *store.Store, lc ledger.Client, m *metrics.Collector, logger log.Logger, cfg Config, clock func() time.Time) *Loop {
	if clock == nil {
		clock = time.Now
	}
	return &Loop{
		store:   st,
		ledger:  lc,
		metrics: m,
		logger:  logger.With("module", "reconciliation"),
		clock:   clock,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start runs the tick loop until Stop is called.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.loop(ctx)
}

// Stop ends the tick loop, letting any in-flight tick finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Loop) loop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				l.logger.Error("reconciliation tick failed", "error", err)
				if l.metrics != nil {
					l.metrics.ReconciliationRunsTotal.WithLabelValues("error").Inc()
				}
			}
		}
	}
}

// tick reconciles every account whose projection has not been touched
// in the last StaleAfter window.
func (l *Loop) tick(ctx context.Context) error {
	accounts, err := l.store.ListAccounts()
	if err != nil {
		return err
	}
	now := l.clock()
	checked := 0
	corrected := 0
	for i := range accounts {
		acct := &accounts[i]
		if now.Sub(acct.LastUpdated) < l.cfg.StaleAfter {
			continue
		}
		checked++
		wasCorrected, err := l.reconcileAccount(ctx, acct, now)
		if err != nil {
			l.logger.Error("reconcile account failed", "userId", acct.UserID, "error", err)
			continue
		}
		if wasCorrected {
			corrected++
		}
	}
	if l.metrics != nil {
		outcome := "clean"
		if corrected > 0 {
			outcome = "corrected"
		}
		l.metrics.ReconciliationRunsTotal.WithLabelValues(outcome).Inc()
	}
	l.logger.Info("reconciliation tick complete", "checked", checked, "corrected", corrected)
	return nil
}

// reconcileAccount compares one account's projection against its
// on-chain contract and overwrites the projection if relative drift
// exceeds tolerance. A ReconciliationHistory row is appended either
// way, so a clean check is as auditable as a correction.
func (l *Loop) reconcileAccount(ctx context.Context, acct *domain.Account, now time.Time) (bool, error) {
	contracts, err := l.ledger.GetActiveContracts(ctx, ledger.ContractFilter{
		TemplateID: ledger.TemplateTradingAccount,
		Party:      acct.UserID,
	})
	if err != nil {
		return false, err
	}
	if len(contracts) == 0 {
		return false, nil // nothing on-chain yet for this account; not this loop's job to create one
	}
	onchainAvailable := decimalField(contracts[0].Payload, "availableBalance")
	onchainLocked := decimalField(contracts[0].Payload, "lockedBalance")

	drift := acct.AvailableBalance.Sub(onchainAvailable).Abs().Add(acct.LockedBalance.Sub(onchainLocked).Abs())
	denominator := decimal.Max(onchainAvailable.Add(onchainLocked), decimal.NewFromInt(1))
	relative := drift.Div(denominator)

	record := &domain.ReconciliationHistory{
		UserID:            acct.UserID,
		PreviousAvailable: acct.AvailableBalance,
		PreviousLocked:    acct.LockedBalance,
		OnchainAvailable:  onchainAvailable,
		OnchainLocked:     onchainLocked,
		Drift:             drift,
		RelativeDrift:     relative,
		CheckedAt:         now,
	}

	corrected := relative.GreaterThan(l.cfg.DriftTolerance)
	record.Reconciled = corrected
	if l.metrics != nil {
		l.metrics.ReconciliationDrift.WithLabelValues(acct.UserID).Set(drift.InexactFloat64())
	}

	err = l.store.Transaction(func(tx *gorm.DB) error {
		if corrected {
			acct.AvailableBalance = onchainAvailable
			acct.LockedBalance = onchainLocked
			acct.AccountContractID = contracts[0].ContractID
			acct.LastUpdated = now
			if err := l.store.SaveAccount(tx, acct); err != nil {
				return err
			}
		}
		return l.store.SaveReconciliationHistory(tx, record)
	})
	if err != nil {
		return false, err
	}
	return corrected, nil
}

func decimalField(payload map[string]interface{}, key string) decimal.Decimal {
	s, ok := payload[key].(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
