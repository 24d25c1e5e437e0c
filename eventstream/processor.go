// Package eventstream consumes the ledger's transaction stream and
// applies each event to the local projections, at-most-once-forward:
// a checkpointed offset is advanced only after the event it names has
// been fully applied, so a crash mid-apply replays that one event
// rather than skipping it. The consume loop runs behind the same
// stopCh/wg controlled goroutine shape as this codebase's other
// background workers, with an added reconnect backoff since its
// source is a remote stream rather than an in-process call.
package eventstream

import (
	"context"
	"io"
	"strconv"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/pebblemarket/core/domain"
	"github.com/pebblemarket/core/ledger"
	"github.com/pebblemarket/core/metrics"
	"github.com/pebblemarket/core/projections"
	"github.com/pebblemarket/core/store"

	"github.com/google/uuid"
)

const offsetKey = "eventstream.lastProcessedOffset"

// Config tunes reconnect backoff.
type Config struct {
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	BackoffMultiplier     float64
}

// DefaultConfig mirrors the default reconnect backoff values.
func DefaultConfig() Config {
	return Config{
		InitialReconnectDelay: time.Second,
		MaxReconnectDelay:     30 * time.Second,
		BackoffMultiplier:     2,
	}
}

// Status is a point-in-time snapshot of the processor's health, for a
// status endpoint or operator tooling.
type Status struct {
	IsRunning         bool
	CurrentOffset     uint64
	LastEventTime     time.Time
	ReconnectAttempts int
	EventsProcessed   uint64
	Errors            uint64
}

// Processor drives a single logical consumer of the ledger's
// transaction stream against one set of projections.
type Processor struct {
	store   *store.Store
	ledger  ledger.Client
	proj    *projections.Projections
	metrics *metrics.Collector
	logger  log.Logger
	clock   func() time.Time
	cfg     Config

	mu     sync.Mutex
	status Status

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Processor. clock defaults to time.Now.
func New(st *store.Store, lc ledger.Client, proj *projections.Projections, m *metrics.Collector, logger log.Logger, cfg Config, clock func() time.Time) *Processor {
	if clock == nil {
		clock = time.Now
	}
	return &Processor{
		store:   st,
		ledger:  lc,
		proj:    proj,
		metrics: m,
		logger:  logger.With("module", "eventstream"),
		clock:   clock,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start begins consuming the stream from the last checkpointed offset,
// reconnecting with exponential backoff on stream failure.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	p.status.IsRunning = true
	p.mu.Unlock()
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop ends consumption; in-flight event application is allowed to
// finish before the goroutine returns.
func (p *Processor) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.mu.Lock()
	p.status.IsRunning = false
	p.mu.Unlock()
}

// Status returns a snapshot of the processor's current health.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()
	delay := p.cfg.InitialReconnectDelay
	offset := p.loadOffset()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		stream, err := p.ledger.StreamTransactions(ctx, ledger.StreamFilter{BeginOffset: offset})
		if err != nil {
			p.recordError()
			p.logger.Error("failed to open transaction stream", "error", err)
			if !p.sleep(delay) {
				return
			}
			delay = p.nextDelay(delay)
			continue
		}

		delay = p.cfg.InitialReconnectDelay // reset on a successful connect

		streamErr := p.consume(ctx, stream, &offset)
		stream.Close()
		if streamErr == nil {
			return // ctx/stopCh closed the stream cleanly
		}
		p.recordError()
		p.logger.Error("transaction stream ended, reconnecting", "error", streamErr)
		p.bumpReconnectAttempts()
		if !p.sleep(delay) {
			return
		}
		delay = p.nextDelay(delay)
	}
}

// consume reads events off stream until it ends, ctx is cancelled, or
// Stop is called. A nil return means shutdown was requested; a non-nil
// return means the stream itself failed and the caller should
// reconnect.
func (p *Processor) consume(ctx context.Context, stream ledger.TransactionStream, offset *uint64) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		default:
		}

		evt, ok, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ok {
			return io.EOF // the stream ended on its own; reconnect
		}

		if err := p.apply(evt); err != nil {
			p.recordError()
			p.logger.Error("failed to apply transaction event", "transactionId", evt.TransactionID, "error", err)
			continue
		}

		*offset = evt.Offset
		p.mu.Lock()
		p.status.CurrentOffset = evt.Offset
		p.status.LastEventTime = p.clock()
		p.status.EventsProcessed++
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.EventStreamOffset.Set(float64(evt.Offset))
		}
	}
}

// apply routes every Event in evt's atomic group to the matching
// projection update inside a single transaction, so a multi-event
// transaction is never applied partially, and advances the checkpoint
// offset in that same transaction so a crash between applying the
// event and recording its offset is impossible.
func (p *Processor) apply(evt ledger.TransactionEvent) error {
	return p.store.Transaction(func(tx *gorm.DB) error {
		for _, e := range evt.Events {
			if err := p.applyEvent(tx, e); err != nil {
				return err
			}
		}
		return p.store.SetSystemState(tx, offsetKey, strconv.FormatUint(evt.Offset, 10))
	})
}

func (p *Processor) applyEvent(tx *gorm.DB, e ledger.Event) error {
	now := p.clock()
	switch e.TemplateID {
	case ledger.TemplateTradingAccount:
		if !e.Created {
			return nil // archive is superseded by the paired create
		}
		return p.proj.UpsertAccount(tx, decodeAccount(e), now)

	case ledger.TemplatePosition:
		owner, _ := e.Payload["owner"].(string)
		marketID, _ := e.Payload["marketId"].(string)
		side := domain.Side(stringField(e.Payload, "side"))
		if !e.Created {
			qty := decimalField(e.Payload, "quantity")
			return p.proj.ArchivePosition(tx, owner, marketID, side, qty, now)
		}
		positionID := p.resolvePositionID(tx, owner, marketID, side)
		return p.proj.UpsertPosition(tx, decodePosition(e), positionID, now)

	case ledger.TemplateMarket:
		if !e.Created {
			return nil
		}
		return p.proj.UpsertMarket(tx, decodeMarket(e), now)

	case ledger.TemplateMarketSettlement:
		if !e.Created {
			return nil
		}
		marketID, _ := e.Payload["marketId"].(string)
		outcome, _ := e.Payload["outcome"].(bool)
		return p.proj.ResolveMarket(tx, marketID, outcome, now)

	case ledger.TemplateSettlement, ledger.TemplateSettlementProposal, ledger.TemplateSettlementAccepted:
		return nil // settlement lifecycle contracts are audit trail only, no projection

	default:
		return nil
	}
}

// resolvePositionID reuses the active position's id for (owner,
// marketId, side) if one exists, so a UTXO-style archive+create pair
// updates the same logical row instead of forking history.
func (p *Processor) resolvePositionID(tx *gorm.DB, owner, marketID string, side domain.Side) string {
	if existing, err := p.store.GetActivePosition(tx, owner, marketID, side); err == nil {
		return existing.PositionID
	}
	return uuid.NewString()
}

func decodeAccount(e ledger.Event) projections.AccountPayload {
	return projections.AccountPayload{
		Owner:            stringField(e.Payload, "owner"),
		ContractID:       e.ContractID,
		AuthContractID:   stringField(e.Payload, "authorizationContractId"),
		AvailableBalance: decimalField(e.Payload, "availableBalance"),
		LockedBalance:    decimalField(e.Payload, "lockedBalance"),
	}
}

func decodePosition(e ledger.Event) projections.PositionPayload {
	return projections.PositionPayload{
		Owner:      stringField(e.Payload, "owner"),
		MarketID:   stringField(e.Payload, "marketId"),
		Side:       domain.Side(stringField(e.Payload, "side")),
		ContractID: e.ContractID,
		Quantity:   decimalField(e.Payload, "quantity"),
		LockedQty:  decimalField(e.Payload, "lockedQuantity"),
		AvgCost:    decimalField(e.Payload, "avgCostBasis"),
	}
}

func decodeMarket(e ledger.Event) projections.MarketPayload {
	version := int64(0)
	if v, ok := e.Payload["version"].(string); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			version = n
		}
	}
	return projections.MarketPayload{
		MarketID:    stringField(e.Payload, "marketId"),
		Question:    stringField(e.Payload, "question"),
		Description: stringField(e.Payload, "description"),
		YesPrice:    decimalField(e.Payload, "yesPrice"),
		NoPrice:     decimalField(e.Payload, "noPrice"),
		ContractID:  e.ContractID,
		Version:     version,
	}
}

func stringField(payload map[string]interface{}, key string) string {
	v, _ := payload[key].(string)
	return v
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

func (p *Processor) loadOffset() uint64 {
	v, ok, err := p.store.GetSystemState(offsetKey)
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (p *Processor) recordError() {
	p.mu.Lock()
	p.status.Errors++
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.EventProcessErrors.WithLabelValues("stream").Inc()
	}
}

func (p *Processor) bumpReconnectAttempts() {
	p.mu.Lock()
	p.status.ReconnectAttempts++
	p.mu.Unlock()
}

func (p *Processor) nextDelay(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * p.cfg.BackoffMultiplier)
	if next > p.cfg.MaxReconnectDelay {
		next = p.cfg.MaxReconnectDelay
	}
	return next
}

// sleep waits out d or returns false early if shutdown was requested.
func (p *Processor) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.stopCh:
		return false
	}
}
