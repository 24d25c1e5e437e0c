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
	"github.com/pebblemarket/core/store"
)

// AccountService handles the fund-movement operations that sit outside
// order placement: deposit, withdraw, and the test/dev faucet.
type AccountService struct {
	store  *store.Store
	ledger ledger.Client
	hub    *hub.Hub
	logger log.Logger
	clock  func() time.Time
}

// NewAccountService builds an AccountService. clock defaults to time.Now.
func NewAccountService(st *store.Store, lc ledger.Client, h *hub.Hub, logger log.Logger, clock func() time.Time) *AccountService {
	if clock == nil {
		clock = time.Now
	}
	return &AccountService{store: st, ledger: lc, hub: h, logger: logger.With("module", "orders.account"), clock: clock}
}

func validateAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return apperr.New(apperr.KindValidation, "INVALID_AMOUNT", "amount must be positive")
	}
	return nil
}

// Deposit credits availableBalance optimistically, then submits
// CreditFromDeposit; reconciliation is the backstop if the ledger
// later disagrees.
func (s *AccountService) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*domain.Account, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	var acct *domain.Account
	err := s.store.Transaction(func(tx *gorm.DB) error {
		a, err := s.store.GetAccountForUpdate(tx, userID)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.New(apperr.KindNotFound, "ACCOUNT_NOT_FOUND", "trading account does not exist")
			}
			return apperr.Wrap(apperr.KindInternal, err, "load account")
		}
		a.AvailableBalance = a.AvailableBalance.Add(amount)
		a.LastUpdated = s.clock()
		if err := s.store.SaveAccount(tx, a); err != nil {
			return err
		}
		acct = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	_, err = s.ledger.SubmitCommand(ctx, ledger.Command{
		CommandID:  "deposit-" + uuidLike(userID, acct.LastUpdated),
		TemplateID: ledger.TemplateTradingAccount,
		ChoiceName: ledger.ChoiceCreditFromDeposit,
		ContractID: acct.AccountContractID,
		Party:      userID,
		Payload:    map[string]interface{}{"amount": amount.String()},
	})
	if err != nil {
		s.logger.Warn("deposit ledger submission failed", "userId", userID, "error", err)
	}
	s.emitBalance(userID, acct)
	return acct, nil
}

// Withdraw decrements availableBalance, then submits WithdrawFunds; on
// LedgerRejected the decrement is reversed.
func (s *AccountService) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*domain.Account, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	var acct *domain.Account
	err := s.store.Transaction(func(tx *gorm.DB) error {
		a, err := s.store.GetAccountForUpdate(tx, userID)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.New(apperr.KindNotFound, "ACCOUNT_NOT_FOUND", "trading account does not exist")
			}
			return apperr.Wrap(apperr.KindInternal, err, "load account")
		}
		if a.AvailableBalance.LessThan(amount) {
			return apperr.New(apperr.KindInsufficientFunds, "INSUFFICIENT_BALANCE", "available balance is below the withdrawal amount")
		}
		a.AvailableBalance = a.AvailableBalance.Sub(amount)
		a.LastUpdated = s.clock()
		if err := s.store.SaveAccount(tx, a); err != nil {
			return err
		}
		acct = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	_, err = s.ledger.SubmitCommand(ctx, ledger.Command{
		CommandID:  "withdraw-" + uuidLike(userID, acct.LastUpdated),
		TemplateID: ledger.TemplateTradingAccount,
		ChoiceName: ledger.ChoiceWithdrawFunds,
		ContractID: acct.AccountContractID,
		Party:      userID,
		Payload:    map[string]interface{}{"amount": amount.String()},
	})
	if apperr.Is(err, apperr.KindLedgerRejected) {
		reverseErr := s.store.Transaction(func(tx *gorm.DB) error {
			a, err := s.store.GetAccountForUpdate(tx, userID)
			if err != nil {
				return err
			}
			a.AvailableBalance = a.AvailableBalance.Add(amount)
			a.LastUpdated = s.clock()
			return s.store.SaveAccount(tx, a)
		})
		if reverseErr != nil {
			s.logger.Error("failed to reverse rejected withdrawal", "userId", userID, "error", reverseErr)
		}
		return nil, err
	}
	if err != nil {
		s.logger.Warn("withdraw ledger submission failed", "userId", userID, "error", err)
	}
	s.emitBalance(userID, acct)
	return acct, nil
}

// Faucet is a test/dev-only credit path: identical to Deposit but
// records a FaucetRequest row for audit.
func (s *AccountService) Faucet(ctx context.Context, userID string, amount decimal.Decimal) (*domain.Account, error) {
	acct, err := s.Deposit(ctx, userID, amount)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	if err := s.store.SaveFaucetRequest(&domain.FaucetRequest{
		UserID:      userID,
		Amount:      amount,
		Status:      "fulfilled",
		RequestedAt: now,
		FulfilledAt: &now,
	}); err != nil {
		s.logger.Warn("faucet request audit row failed to save", "userId", userID, "error", err)
	}
	return acct, nil
}

func (s *AccountService) emitBalance(userID string, acct *domain.Account) {
	if s.hub != nil {
		s.hub.SendToUser(userID, hub.ChannelBalance, "balance_update", acct)
	}
}

// uuidLike derives a stable, idempotent ledger commandId suffix without
// pulling in a clock-sensitive random source at call time.
func uuidLike(userID string, at time.Time) string {
	return userID + "-" + at.Format(time.RFC3339Nano)
}
