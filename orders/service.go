// Package orders orchestrates order placement and cancellation:
// validation, fund/position locking, matching, persistence, trade
// emission, idempotency, and crash-recovery rehydration. It also hosts
// MarketService, AccountService, and PositionService, the admin and
// account/position operations named alongside it.
package orders

import (
	"context"
	"encoding/json"
	"time"

	"cosmossdk.io/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/pebblemarket/core/apperr"
	"github.com/pebblemarket/core/domain"
	"github.com/pebblemarket/core/hub"
	"github.com/pebblemarket/core/ledger"
	"github.com/pebblemarket/core/matching"
	"github.com/pebblemarket/core/metrics"
	"github.com/pebblemarket/core/money"
	"github.com/pebblemarket/core/orderbook"
	"github.com/pebblemarket/core/store"
)

// MaxQuantity bounds a single order's quantity; the boundary behavior
// accepts exactly 1,000,000 and rejects anything above.
var MaxQuantity = decimal.NewFromInt(1_000_000)

// IdempotencyTTL is how long a stored PlaceOrder response is replayable.
const IdempotencyTTL = 24 * time.Hour

// Service orchestrates orders across every market, one in-memory
// OrderBook per market guarded by its own lock.
type Service struct {
	store   *store.Store
	ledger  ledger.Client
	hub     *hub.Hub
	metrics *metrics.Collector
	logger  log.Logger
	engine  *matching.Engine
	clock   func() time.Time

	locks *marketLocks
	books *bookRegistry
}

// New builds a Service. clock defaults to time.Now.
func New(st *store.Store, lc ledger.Client, h *hub.Hub, m *metrics.Collector, logger log.Logger, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:   st,
		ledger:  lc,
		hub:     h,
		metrics: m,
		logger:  logger.With("module", "orders"),
		engine:  matching.New(clock),
		clock:   clock,
		locks:   newMarketLocks(),
		books:   newBookRegistry(),
	}
}

// PlaceRequest is the inbound order placement request.
type PlaceRequest struct {
	MarketID  string
	Side      domain.Side
	Action    domain.Action
	OrderType domain.OrderType
	Price     *decimal.Decimal
	Quantity  decimal.Decimal
}

// PlaceResult is what PlaceOrder returns, and what an idempotency
// replay reproduces exactly.
type PlaceResult struct {
	OrderID           string             `json:"orderId"`
	Status            domain.OrderStatus `json:"status"`
	FilledQuantity    decimal.Decimal    `json:"filledQuantity"`
	RemainingQuantity decimal.Decimal    `json:"remainingQuantity"`
	Trades            []*domain.Trade    `json:"trades"`
	LockedAmount      decimal.Decimal    `json:"lockedAmount"`
	IdempotencyKey    string             `json:"idempotencyKey,omitempty"`
}

// Initialize rehydrates every market's book from durable orders. Orders
// that appear in a trade still pending or settling are excluded: they
// may already be submitted to the ledger, and re-matching them would
// double-settle. Excluded order ids are returned for manual review;
// SettlementBatcher is responsible for retrying their trades.
func (s *Service) Initialize(ctx context.Context) (excluded []string, err error) {
	markets, err := s.store.ListMarkets("")
	if err != nil {
		return nil, err
	}
	for _, m := range markets {
		rows, err := s.store.ListOpenOrdersByMarket(m.MarketID)
		if err != nil {
			return nil, err
		}
		book := s.books.get(m.MarketID)
		for i := range rows {
			o := &rows[i]
			inFlight, err := s.orderHasInFlightTrade(o.OrderID)
			if err != nil {
				return nil, err
			}
			if inFlight {
				excluded = append(excluded, o.OrderID)
				continue
			}
			book.AddOrder(o)
		}
	}
	s.logger.Info("rehydrated order books", "markets", len(markets), "excluded", len(excluded))
	return excluded, nil
}

func (s *Service) orderHasInFlightTrade(orderID string) (bool, error) {
	var n int64
	err := s.store.DB().Model(&domain.Trade{}).
		Where("(buyer_order_id = ? OR seller_order_id = ?) AND settlement_status IN ?",
			orderID, orderID, []domain.SettlementStatus{domain.SettlementPending, domain.SettlementSettling}).
		Count(&n).Error
	return n > 0, err
}

// PlaceOrder validates req, locks funds or position, runs the matching
// engine under marketId's exclusive lock, and persists the outcome in
// a single store transaction. idempotencyKey, when non-empty, makes a
// replay with the same (userId, key) return the original PlaceResult
// with no further side effects.
func (s *Service) PlaceOrder(ctx context.Context, userID string, req PlaceRequest, idempotencyKey string) (*PlaceResult, error) {
	if idempotencyKey != "" {
		if cached, err := s.loadIdempotent(userID, idempotencyKey); err != nil {
			return nil, err
		} else if cached != nil {
			return cached, nil
		}
	}

	market, err := s.store.GetMarket(nil, req.MarketID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.New(apperr.KindNotFound, "MARKET_NOT_FOUND", "market does not exist")
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "load market")
	}
	if !market.IsOpen() {
		return nil, apperr.New(apperr.KindValidation, "MARKET_NOT_OPEN", "market is not open for trading")
	}
	if err := validatePlacement(req); err != nil {
		return nil, err
	}

	now := s.clock()
	order := &domain.Order{
		OrderID:        uuid.NewString(),
		MarketID:       req.MarketID,
		UserID:         userID,
		Side:           req.Side,
		Action:         req.Action,
		OrderType:      req.OrderType,
		Price:          req.Price,
		Quantity:       req.Quantity,
		FilledQuantity: decimal.Zero,
		Status:         domain.OrderPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	lock := s.locks.get(req.MarketID)
	lock.Lock()
	defer lock.Unlock()

	book := s.books.get(req.MarketID)
	var result *matching.Result
	var balanceUsers []string

	err = s.store.Transaction(func(tx *gorm.DB) error {
		lockedAmount, err := s.lockForPlacement(tx, book, order)
		if err != nil {
			return err
		}
		order.LockedAmount = lockedAmount
		if order.Action == domain.ActionBuy {
			balanceUsers = append(balanceUsers, order.UserID)
		}

		result = s.engine.Match(book, order)

		if err := s.store.SaveOrder(tx, order); err != nil {
			return err
		}
		for _, maker := range result.UpdatedMakers {
			if err := s.store.SaveOrder(tx, maker); err != nil {
				return err
			}
		}
		for _, trade := range result.Trades {
			if err := s.store.SaveTrade(tx, trade); err != nil {
				return err
			}
		}

		if idempotencyKey != "" {
			pr := buildPlaceResult(order, result.Trades, idempotencyKey)
			payload, err := json.Marshal(pr)
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, err, "marshal idempotent response")
			}
			if err := s.store.SaveIdempotencyRecord(tx, &domain.IdempotencyRecord{
				UserID:    userID,
				Key:       idempotencyKey,
				Response:  string(payload),
				ExpiresAt: now.Add(IdempotencyTTL),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.submitFundLockBestEffort(ctx, order)
	s.emitPlacementEvents(order, result, balanceUsers)
	if s.metrics != nil {
		s.metrics.OrdersTotal.WithLabelValues(order.MarketID, string(order.Side), string(order.OrderType), string(order.Status)).Inc()
		for _, trade := range result.Trades {
			s.metrics.TradesTotal.WithLabelValues(order.MarketID, string(trade.TradeType)).Inc()
			if trade.TradeType == domain.TradeTypeShareCreation {
				s.metrics.ShareCreations.WithLabelValues(order.MarketID).Inc()
			}
		}
	}

	return buildPlaceResult(order, result.Trades, idempotencyKey), nil
}

// validatePlacement checks every Validation-kind rule that does not
// require a store round trip.
func validatePlacement(req PlaceRequest) error {
	if req.OrderType != domain.OrderTypeLimit && req.OrderType != domain.OrderTypeMarket {
		return apperr.New(apperr.KindValidation, "INVALID_ORDER_TYPE", "orderType must be limit or market")
	}
	if req.Side != domain.SideYes && req.Side != domain.SideNo {
		return apperr.New(apperr.KindValidation, "INVALID_SIDE", "side must be yes or no")
	}
	if req.Action != domain.ActionBuy && req.Action != domain.ActionSell {
		return apperr.New(apperr.KindValidation, "INVALID_ACTION", "action must be buy or sell")
	}
	if req.Quantity.Sign() <= 0 {
		return apperr.New(apperr.KindValidation, "INVALID_QUANTITY", "quantity must be positive")
	}
	if req.Quantity.GreaterThan(MaxQuantity) {
		return apperr.New(apperr.KindValidation, "QUANTITY_TOO_LARGE", "quantity exceeds the maximum order size")
	}
	if req.OrderType == domain.OrderTypeLimit {
		if req.Price == nil {
			return apperr.New(apperr.KindValidation, "INVALID_PRICE", "limit orders require a price")
		}
		if !money.InPriceRange(*req.Price) {
			return apperr.New(apperr.KindValidation, "INVALID_PRICE", "price must be between 0.01 and 0.99")
		}
	}
	return nil
}

// lockForPlacement locks funds (buy) or shares (sell) ahead of
// matching, returning the amount recorded on the order.
func (s *Service) lockForPlacement(tx *gorm.DB, book *orderbook.Book, order *domain.Order) (decimal.Decimal, error) {
	if order.Action == domain.ActionSell {
		pos, err := s.store.GetActivePosition(tx, order.UserID, order.MarketID, order.Side)
		if err != nil {
			if err == store.ErrNotFound {
				return decimal.Zero, apperr.New(apperr.KindInsufficientPosition, "INSUFFICIENT_POSITIONS", "no position to sell from")
			}
			return decimal.Zero, apperr.Wrap(apperr.KindInternal, err, "load position")
		}
		if pos.Available().LessThan(order.Quantity) {
			return decimal.Zero, apperr.New(apperr.KindInsufficientPosition, "INSUFFICIENT_POSITIONS", "position quantity available is below the requested quantity")
		}
		pos.LockedQuantity = pos.LockedQuantity.Add(order.Quantity)
		pos.LastUpdated = order.CreatedAt
		if err := s.store.SavePosition(tx, pos); err != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, nil
	}

	price := order.EffectivePrice()
	if order.OrderType == domain.OrderTypeMarket {
		price = referencePrice(book, order.Side, order.Action)
	}
	lockedAmount := money.Mul(price, order.Quantity)

	acct, err := s.store.GetAccountForUpdate(tx, order.UserID)
	if err != nil {
		if err == store.ErrNotFound {
			return decimal.Zero, apperr.New(apperr.KindNotFound, "ACCOUNT_NOT_FOUND", "trading account does not exist")
		}
		return decimal.Zero, apperr.Wrap(apperr.KindInternal, err, "load account")
	}
	if acct.AvailableBalance.LessThan(lockedAmount) {
		return decimal.Zero, apperr.New(apperr.KindInsufficientFunds, "INSUFFICIENT_BALANCE", "available balance is below the required lock amount")
	}
	acct.AvailableBalance = acct.AvailableBalance.Sub(lockedAmount)
	acct.LockedBalance = acct.LockedBalance.Add(lockedAmount)
	acct.LastUpdated = order.CreatedAt
	if err := s.store.SaveAccount(tx, acct); err != nil {
		return decimal.Zero, err
	}
	return lockedAmount, nil
}

// referencePrice is the ceiling used to lock funds for a market buy
// order with no explicit price: the best resting same-side opposite
// action price, or 1.0 if the book has no such liquidity.
func referencePrice(book *orderbook.Book, side domain.Side, action domain.Action) decimal.Decimal {
	var best decimal.Decimal
	found := false
	book.Walk(side, action.Opposite(), func(o *domain.Order) bool {
		best = o.EffectivePrice()
		found = true
		return false
	})
	if !found {
		return money.One
	}
	return best
}

// submitFundLockBestEffort enqueues the off-chain fund lock as a ledger
// command; failures are logged, never propagated, since the off-chain
// lock already happened and settlement reconciles any drift.
func (s *Service) submitFundLockBestEffort(ctx context.Context, order *domain.Order) {
	if order.Action != domain.ActionBuy || order.LockedAmount.IsZero() {
		return
	}
	_, err := s.ledger.SubmitCommand(ctx, ledger.Command{
		CommandID:  "lock-" + order.OrderID,
		TemplateID: ledger.TemplateTradingAccount,
		ChoiceName: ledger.ChoiceLockFunds,
		Party:      order.UserID,
		Payload: map[string]interface{}{
			"amount": order.LockedAmount.String(),
		},
	})
	if err != nil {
		s.logger.Warn("fund lock command failed", "orderId", order.OrderID, "error", err)
	}
}

func (s *Service) emitPlacementEvents(order *domain.Order, result *matching.Result, balanceUsers []string) {
	if s.hub == nil {
		return
	}
	s.hub.SendToUser(order.UserID, hub.ChannelOrders, "order_update", order)
	for _, trade := range result.Trades {
		s.hub.Broadcast("trades:"+order.MarketID, "trade", trade)
		s.hub.SendToUser(trade.BuyerID, hub.ChannelOrders, "trade", trade)
		s.hub.SendToUser(trade.SellerID, hub.ChannelOrders, "trade", trade)
	}
	for _, maker := range result.UpdatedMakers {
		s.hub.SendToUser(maker.UserID, hub.ChannelOrders, "order_update", maker)
	}
	if len(result.Trades) > 0 {
		book := s.books.get(order.MarketID)
		s.hub.Broadcast("orderbook:"+order.MarketID, "snapshot", book.Snapshot())
	}
	for _, u := range balanceUsers {
		s.hub.SendToUser(u, hub.ChannelBalance, "balance_update", nil)
	}
}

func buildPlaceResult(order *domain.Order, trades []*domain.Trade, idempotencyKey string) *PlaceResult {
	return &PlaceResult{
		OrderID:           order.OrderID,
		Status:            order.Status,
		FilledQuantity:    order.FilledQuantity,
		RemainingQuantity: order.Remaining(),
		Trades:            trades,
		LockedAmount:      order.LockedAmount,
		IdempotencyKey:    idempotencyKey,
	}
}

// loadIdempotent returns the cached PlaceResult for (userId, key), or
// nil if no record exists or it has expired.
func (s *Service) loadIdempotent(userID, key string) (*PlaceResult, error) {
	rec, err := s.store.GetIdempotencyRecord(userID, key)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "load idempotency record")
	}
	if rec.ExpiresAt.Before(s.clock()) {
		return nil, nil
	}
	var pr PlaceResult
	if err := json.Unmarshal([]byte(rec.Response), &pr); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "decode idempotency record")
	}
	return &pr, nil
}

// CancelOrder verifies ownership, removes the order from its book if
// resting, and unlocks whatever remains locked against it. A
// non-owned or unknown order both fail NotFound, to avoid an existence
// leak through the error kind.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	order, err := s.store.GetOrder(orderID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.New(apperr.KindNotFound, "ORDER_NOT_FOUND", "order does not exist")
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "load order")
	}
	if order.UserID != userID {
		return nil, apperr.New(apperr.KindNotFound, "ORDER_NOT_FOUND", "order does not exist")
	}
	if !order.Status.IsResting() {
		return nil, apperr.New(apperr.KindConflict, "ORDER_NOT_CANCELLABLE", "order is no longer open or partially filled")
	}

	lock := s.locks.get(order.MarketID)
	lock.Lock()
	defer lock.Unlock()

	book := s.books.get(order.MarketID)
	remaining := order.Remaining()

	err = s.store.Transaction(func(tx *gorm.DB) error {
		book.RemoveOrder(order.OrderID)
		order.Status = domain.OrderCancelled
		order.UpdatedAt = s.clock()

		if order.Action == domain.ActionBuy {
			if order.Quantity.Sign() > 0 {
				perUnit := order.LockedAmount.Div(order.Quantity)
				unlockAmt := money.Mul(perUnit, remaining)
				acct, err := s.store.GetAccountForUpdate(tx, order.UserID)
				if err != nil {
					return apperr.Wrap(apperr.KindInternal, err, "load account")
				}
				acct.AvailableBalance = acct.AvailableBalance.Add(unlockAmt)
				acct.LockedBalance = acct.LockedBalance.Sub(unlockAmt)
				acct.LastUpdated = order.UpdatedAt
				if err := s.store.SaveAccount(tx, acct); err != nil {
					return err
				}
			}
		} else {
			pos, err := s.store.GetActivePosition(tx, order.UserID, order.MarketID, order.Side)
			if err == nil {
				pos.LockedQuantity = pos.LockedQuantity.Sub(remaining)
				if pos.LockedQuantity.Sign() < 0 {
					pos.LockedQuantity = decimal.Zero
				}
				pos.LastUpdated = order.UpdatedAt
				if err := s.store.SavePosition(tx, pos); err != nil {
					return err
				}
			} else if err != store.ErrNotFound {
				return apperr.Wrap(apperr.KindInternal, err, "load position")
			}
		}

		return s.store.SaveOrder(tx, order)
	})
	if err != nil {
		return nil, err
	}

	if s.hub != nil {
		s.hub.SendToUser(order.UserID, hub.ChannelOrders, "order_update", order)
		s.hub.SendToUser(order.UserID, hub.ChannelBalance, "balance_update", nil)
	}
	return order, nil
}

// ListOrders returns userId's orders, optionally filtered to a single
// market.
func (s *Service) ListOrders(userID, marketID string) ([]domain.Order, error) {
	return s.store.ListOrdersByUser(userID, marketID)
}

// GetOrder returns a single order, failing NotFound for both an
// unknown id and one owned by a different user.
func (s *Service) GetOrder(userID, orderID string) (*domain.Order, error) {
	order, err := s.store.GetOrder(orderID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.New(apperr.KindNotFound, "ORDER_NOT_FOUND", "order does not exist")
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "load order")
	}
	if order.UserID != userID {
		return nil, apperr.New(apperr.KindNotFound, "ORDER_NOT_FOUND", "order does not exist")
	}
	return order, nil
}
