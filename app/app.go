// Package app wires the trading core's components into a single
// runnable process: one dependency-injected context struct built by
// Init, started by Run, and torn down in reverse order by Shutdown.
// Apart from the process-wide metrics collector, every component is
// constructed here and passed down explicitly.
package app

import (
	"context"

	"cosmossdk.io/log"
	"github.com/shopspring/decimal"

	"github.com/pebblemarket/core/applog"
	"github.com/pebblemarket/core/appconfig"
	"github.com/pebblemarket/core/eventstream"
	"github.com/pebblemarket/core/hub"
	"github.com/pebblemarket/core/ledger"
	"github.com/pebblemarket/core/metrics"
	"github.com/pebblemarket/core/orders"
	"github.com/pebblemarket/core/projections"
	"github.com/pebblemarket/core/reconciliation"
	"github.com/pebblemarket/core/settlement"
	"github.com/pebblemarket/core/store"
)

// App holds every component the process runs, fully constructed and
// ready to Start/Stop. The only shared piece is the metrics collector
// from metrics.GetCollector: a second App built in the same process
// gets its own store, hub and services but reports into the same
// collector.
type App struct {
	Config  *appconfig.Config
	Logger  log.Logger
	Store   *store.Store
	Ledger  ledger.Client
	Hub     *hub.Hub
	Metrics *metrics.Collector

	Orders    *orders.Service
	Accounts  *orders.AccountService
	Markets   *orders.MarketService
	Positions *orders.PositionService

	Settlement     *settlement.Batcher
	EventProcessor *eventstream.Processor
	Reconciliation *reconciliation.Loop
}

// Init builds every component from cfg. lc lets callers supply a
// ledger.Client (the real participant client or, in tests, a
// ledger.Mock); a nil lc defaults to ledger.NewMock() so the process
// can run standalone against nothing but its own store.
func Init(cfg *appconfig.Config, lc ledger.Client) (*App, error) {
	logger := applog.New(applog.Config{Level: cfg.LogLevel, JSON: cfg.NodeEnv == "production"})

	st, err := store.Open(storeDSN(cfg), cfg.DatabaseWALMode, logger)
	if err != nil {
		return nil, err
	}

	if lc == nil {
		lc = ledger.NewMock()
	}

	m := metrics.GetCollector()
	h := hub.New(m, logger)
	proj := projections.New(st)

	ordersSvc := orders.New(st, lc, h, m, logger, nil)
	accountsSvc := orders.NewAccountService(st, lc, h, logger, nil)
	marketsSvc := orders.NewMarketService(st, lc, h, logger, nil)
	positionsSvc := orders.NewPositionService(st, lc, h, logger, nil)

	settlementCfg := settlement.Config{
		BatchInterval:   cfg.SettlementBatchInterval(),
		MaxBatchSize:    cfg.SettlementMaxBatchSize,
		MaxRetries:      cfg.SettlementMaxRetries,
		ProposalTimeout: cfg.SettlementProposalTimeout(),
		RoundDelay:      cfg.SettlementRoundDelay(),
	}
	batcher := settlement.New(st, lc, h, m, logger, settlementCfg, nil)

	eventstreamCfg := eventstream.Config{
		InitialReconnectDelay: cfg.EventProcessorInitialReconnect(),
		MaxReconnectDelay:     cfg.EventProcessorMaxReconnect(),
		BackoffMultiplier:     cfg.EventProcessorReconnectMultiplier,
	}
	processor := eventstream.New(st, lc, proj, m, logger, eventstreamCfg, nil)

	tolerance, err := decimal.NewFromString(cfg.ReconciliationDriftTolerance)
	if err != nil {
		tolerance = decimal.NewFromFloat(0.001)
	}
	reconciliationCfg := reconciliation.Config{
		Interval:       cfg.ReconciliationInterval(),
		StaleAfter:     cfg.ReconciliationStaleThreshold(),
		DriftTolerance: tolerance,
	}
	reconciler := reconciliation.New(st, lc, m, logger, reconciliationCfg, nil)

	return &App{
		Config:  cfg,
		Logger:  logger,
		Store:   st,
		Ledger:  lc,
		Hub:     h,
		Metrics: m,

		Orders:    ordersSvc,
		Accounts:  accountsSvc,
		Markets:   marketsSvc,
		Positions: positionsSvc,

		Settlement:     batcher,
		EventProcessor: processor,
		Reconciliation: reconciler,
	}, nil
}

// Run rehydrates in-flight order state and starts every background
// loop. It does not block; call Shutdown when the process receives a
// termination signal.
func (a *App) Run(ctx context.Context) error {
	excluded, err := a.Orders.Initialize(ctx)
	if err != nil {
		return err
	}
	if len(excluded) > 0 {
		a.Logger.Warn("excluded orders with an in-flight trade from rehydration", "count", len(excluded))
	}
	a.Hub.Start()
	a.Settlement.Start(ctx)
	a.EventProcessor.Start(ctx)
	a.Reconciliation.Start(ctx)
	a.Logger.Info("app started")
	return nil
}

// Shutdown stops every background loop in the reverse of startup
// order. Each Stop call blocks until its loop's in-flight work has
// finished.
func (a *App) Shutdown(ctx context.Context) {
	a.Logger.Info("app shutting down")
	a.Reconciliation.Stop()
	a.EventProcessor.Stop()
	a.Settlement.Stop()
	a.Hub.Stop()
}

func storeDSN(cfg *appconfig.Config) string {
	if cfg.DatabaseDSN != "" {
		return cfg.DatabaseDSN
	}
	return cfg.DatabasePath
}
