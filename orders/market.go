package orders

import (
	"context"
	"time"

	"cosmossdk.io/log"
	"github.com/shopspring/decimal"

	"github.com/pebblemarket/core/apperr"
	"github.com/pebblemarket/core/domain"
	"github.com/pebblemarket/core/hub"
	"github.com/pebblemarket/core/ledger"
	"github.com/pebblemarket/core/store"
)

// MarketService is the admin surface for a market's lifecycle: create,
// close, resolve. The caller's authority to invoke these is checked
// entirely by the out-of-scope transport layer; once invoked, the core
// trusts its caller.
type MarketService struct {
	store  *store.Store
	ledger ledger.Client
	hub    *hub.Hub
	logger log.Logger
	clock  func() time.Time
}

// NewMarketService builds a MarketService. clock defaults to time.Now.
func NewMarketService(st *store.Store, lc ledger.Client, h *hub.Hub, logger log.Logger, clock func() time.Time) *MarketService {
	if clock == nil {
		clock = time.Now
	}
	return &MarketService{store: st, ledger: lc, hub: h, logger: logger.With("module", "orders.market"), clock: clock}
}

// CreateRequest describes a new market.
type CreateRequest struct {
	MarketID       string
	Question       string
	Description    string
	ResolutionTime time.Time
}

// Create opens a new market at the default 0.5/0.5 price, version 1.
func (s *MarketService) Create(req CreateRequest) (*domain.Market, error) {
	if req.MarketID == "" || req.Question == "" {
		return nil, apperr.New(apperr.KindValidation, "INVALID_MARKET", "marketId and question are required")
	}
	if _, err := s.store.GetMarket(nil, req.MarketID); err == nil {
		return nil, apperr.New(apperr.KindConflict, "MARKET_EXISTS", "a market with this id already exists")
	} else if err != store.ErrNotFound {
		return nil, apperr.Wrap(apperr.KindInternal, err, "check existing market")
	}

	m := &domain.Market{
		MarketID:       req.MarketID,
		Question:       req.Question,
		Description:    req.Description,
		ResolutionTime: req.ResolutionTime,
		CreatedAt:      s.clock(),
		Status:         domain.MarketOpen,
		YesPrice:       decimal.NewFromFloat(0.5),
		NoPrice:        decimal.NewFromFloat(0.5),
		Version:        1,
	}
	if err := s.store.SaveMarket(nil, m); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "save market")
	}
	return m, nil
}

// Close stops new order placement against marketId; resting orders are
// left untouched until explicitly cancelled.
func (s *MarketService) Close(marketID string) (*domain.Market, error) {
	m, err := s.getOpenOrFail(marketID, domain.MarketOpen, "MARKET_NOT_OPEN", "market is not open")
	if err != nil {
		return nil, err
	}
	m.Status = domain.MarketClosed
	m.Version++
	if err := s.store.SaveMarket(nil, m); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "save market")
	}
	return m, nil
}

// Resolve settles marketId to outcome, requiring it to be closed first.
func (s *MarketService) Resolve(ctx context.Context, marketID string, outcome bool) (*domain.Market, error) {
	m, err := s.getOpenOrFail(marketID, domain.MarketClosed, "MARKET_NOT_CLOSED", "market must be closed before it can be resolved")
	if err != nil {
		return nil, err
	}
	m.Status = domain.MarketResolved
	m.Outcome = &outcome
	m.Version++
	if err := s.store.SaveMarket(nil, m); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "save market")
	}

	_, err = s.ledger.SubmitCommand(ctx, ledger.Command{
		CommandID:  "resolve-" + marketID,
		TemplateID: ledger.TemplateMarket,
		ChoiceName: ledger.ChoiceResolveMarket,
		ContractID: m.ContractID,
		Payload:    map[string]interface{}{"outcome": outcome},
	})
	if err != nil {
		s.logger.Warn("resolve market ledger submission failed", "marketId", marketID, "error", err)
	}
	if s.hub != nil {
		s.hub.Broadcast("orderbook:"+marketID, "market_resolved", m)
	}
	return m, nil
}

func (s *MarketService) getOpenOrFail(marketID string, want domain.MarketStatus, code, msg string) (*domain.Market, error) {
	m, err := s.store.GetMarket(nil, marketID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.New(apperr.KindNotFound, "MARKET_NOT_FOUND", "market does not exist")
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "load market")
	}
	if m.Status != want {
		return nil, apperr.New(apperr.KindValidation, apperr.Code(code), msg)
	}
	return m, nil
}
