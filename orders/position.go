package orders

import (
	"context"
	"time"

	"cosmossdk.io/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/pebblemarket/core/apperr"
	"github.com/pebblemarket/core/domain"
	"github.com/pebblemarket/core/hub"
	"github.com/pebblemarket/core/ledger"
	"github.com/pebblemarket/core/money"
	"github.com/pebblemarket/core/store"
)

// PositionService redeems resolved-market positions and merges
// complementary YES/NO holdings back into cash.
type PositionService struct {
	store  *store.Store
	ledger ledger.Client
	hub    *hub.Hub
	logger log.Logger
	clock  func() time.Time
}

// NewPositionService builds a PositionService. clock defaults to time.Now.
func NewPositionService(st *store.Store, lc ledger.Client, h *hub.Hub, logger log.Logger, clock func() time.Time) *PositionService {
	if clock == nil {
		clock = time.Now
	}
	return &PositionService{store: st, ledger: lc, hub: h, logger: logger.With("module", "orders.position"), clock: clock}
}

// Redeem pays out a winning position at 1.0 per share once its market
// has resolved in its favor, archiving the position.
func (s *PositionService) Redeem(ctx context.Context, userID, marketID string, side domain.Side) (decimal.Decimal, error) {
	market, err := s.store.GetMarket(nil, marketID)
	if err != nil {
		if err == store.ErrNotFound {
			return decimal.Zero, apperr.New(apperr.KindNotFound, "MARKET_NOT_FOUND", "market does not exist")
		}
		return decimal.Zero, apperr.Wrap(apperr.KindInternal, err, "load market")
	}
	if market.Status != domain.MarketResolved || market.Outcome == nil {
		return decimal.Zero, apperr.New(apperr.KindValidation, "MARKET_NOT_RESOLVED", "market has not resolved yet")
	}
	wins := (side == domain.SideYes) == *market.Outcome
	if !wins {
		return decimal.Zero, apperr.New(apperr.KindValidation, "MARKET_NOT_RESOLVED", "this side did not win")
	}

	var payout decimal.Decimal
	var contractID string
	err = s.store.Transaction(func(tx *gorm.DB) error {
		pos, err := s.store.GetActivePosition(tx, userID, marketID, side)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.New(apperr.KindInsufficientPosition, "INSUFFICIENT_POSITIONS", "no position to redeem")
			}
			return apperr.Wrap(apperr.KindInternal, err, "load position")
		}
		if pos.Quantity.Sign() <= 0 {
			return apperr.New(apperr.KindInsufficientPosition, "INSUFFICIENT_POSITIONS", "no position to redeem")
		}
		payout = money.Mul(pos.Quantity, money.One)
		contractID = pos.ContractID

		acct, err := s.store.GetAccountForUpdate(tx, userID)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.New(apperr.KindNotFound, "ACCOUNT_NOT_FOUND", "trading account does not exist")
			}
			return apperr.Wrap(apperr.KindInternal, err, "load account")
		}
		acct.AvailableBalance = acct.AvailableBalance.Add(payout)
		acct.LastUpdated = s.clock()
		if err := s.store.SaveAccount(tx, acct); err != nil {
			return err
		}

		pos.Quantity = decimal.Zero
		pos.LockedQuantity = decimal.Zero
		pos.IsArchived = true
		pos.LastUpdated = acct.LastUpdated
		return s.store.SavePosition(tx, pos)
	})
	if err != nil {
		return decimal.Zero, err
	}

	if _, err := s.ledger.SubmitCommand(ctx, ledger.Command{
		CommandID:  "redeem-" + userID + "-" + marketID + "-" + string(side),
		TemplateID: ledger.TemplatePosition,
		ChoiceName: ledger.ChoiceRedeemPosition,
		ContractID: contractID,
		Party:      userID,
	}); err != nil {
		s.logger.Warn("redeem ledger submission failed", "userId", userID, "marketId", marketID, "error", err)
	}
	if s.hub != nil {
		s.hub.SendToUser(userID, hub.ChannelPositions, "position_redeemed", nil)
		s.hub.SendToUser(userID, hub.ChannelBalance, "balance_update", nil)
	}
	return payout, nil
}

// Merge burns qty from a matching YES and NO position, crediting
// qty × 1.0 back to cash, the inverse of the share-creation trade.
func (s *PositionService) Merge(ctx context.Context, userID, marketID string, qty decimal.Decimal) (decimal.Decimal, error) {
	if qty.Sign() <= 0 {
		return decimal.Zero, apperr.New(apperr.KindValidation, "INVALID_QUANTITY", "quantity must be positive")
	}

	var credit decimal.Decimal
	var yesContract, noContract string
	err := s.store.Transaction(func(tx *gorm.DB) error {
		yes, err := s.store.GetActivePosition(tx, userID, marketID, domain.SideYes)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.New(apperr.KindInsufficientPosition, "INSUFFICIENT_POSITIONS", "no yes position to merge")
			}
			return apperr.Wrap(apperr.KindInternal, err, "load yes position")
		}
		no, err := s.store.GetActivePosition(tx, userID, marketID, domain.SideNo)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.New(apperr.KindInsufficientPosition, "INSUFFICIENT_POSITIONS", "no no position to merge")
			}
			return apperr.Wrap(apperr.KindInternal, err, "load no position")
		}
		if yes.Available().LessThan(qty) || no.Available().LessThan(qty) {
			return apperr.New(apperr.KindInsufficientPosition, "INSUFFICIENT_POSITIONS", "both positions must have at least quantity available")
		}

		now := s.clock()
		yes.Quantity = yes.Quantity.Sub(qty)
		yes.LastUpdated = now
		no.Quantity = no.Quantity.Sub(qty)
		no.LastUpdated = now
		if err := s.store.SavePosition(tx, yes); err != nil {
			return err
		}
		if err := s.store.SavePosition(tx, no); err != nil {
			return err
		}

		acct, err := s.store.GetAccountForUpdate(tx, userID)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.New(apperr.KindNotFound, "ACCOUNT_NOT_FOUND", "trading account does not exist")
			}
			return apperr.Wrap(apperr.KindInternal, err, "load account")
		}
		credit = money.Mul(qty, money.One)
		acct.AvailableBalance = acct.AvailableBalance.Add(credit)
		acct.LastUpdated = now
		yesContract, noContract = yes.ContractID, no.ContractID
		return s.store.SaveAccount(tx, acct)
	})
	if err != nil {
		return decimal.Zero, err
	}

	if _, err := s.ledger.SubmitCommand(ctx, ledger.Command{
		CommandID:  "merge-" + userID + "-" + marketID,
		TemplateID: ledger.TemplatePositionMerge,
		ChoiceName: ledger.ChoiceExecuteMerge,
		Party:      userID,
		Payload: map[string]interface{}{
			"yesContractId": yesContract,
			"noContractId":  noContract,
			"quantity":      qty.String(),
		},
	}); err != nil {
		s.logger.Warn("merge ledger submission failed", "userId", userID, "marketId", marketID, "error", err)
	}
	if s.hub != nil {
		s.hub.SendToUser(userID, hub.ChannelPositions, "position_merged", nil)
		s.hub.SendToUser(userID, hub.ChannelBalance, "balance_update", nil)
	}
	return credit, nil
}
