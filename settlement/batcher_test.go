package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pebblemarket/core/apperr"
	"github.com/pebblemarket/core/applog"
	"github.com/pebblemarket/core/domain"
	"github.com/pebblemarket/core/ledger"
	"github.com/pebblemarket/core/store"
)

func newTestBatcher(t *testing.T, lc ledger.Client, cfg Config) (*Batcher, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", false, applog.Nop())
	require.NoError(t, err)
	clock := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	b := New(st, lc, nil, nil, applog.Nop(), cfg, clock)
	return b, st
}

func seedUnsettledTrade(t *testing.T, st *store.Store, tradeID, buyer, seller string) {
	t.Helper()
	require.NoError(t, st.SaveTrade(nil, &domain.Trade{
		TradeID:          tradeID,
		BuyerID:          buyer,
		SellerID:         seller,
		Price:            decimal.NewFromFloat(0.6),
		Quantity:         decimal.NewFromInt(10),
		TradeType:        domain.TradeTypeShareTrade,
		SettlementStatus: domain.SettlementPending,
	}))
}

func seedLockedAccount(t *testing.T, st *store.Store, userID string, locked decimal.Decimal) {
	t.Helper()
	require.NoError(t, st.SaveAccount(nil, &domain.Account{UserID: userID, LockedBalance: locked}))
}

func TestTick_SettlesBatchToCompleted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RoundDelay = 0
	b, st := newTestBatcher(t, ledger.NewMock(), cfg)
	seedUnsettledTrade(t, st, "t1", "alice", "bob")

	require.NoError(t, b.tick(context.Background()))

	trades, err := st.ListUnsettledTrades(10)
	require.NoError(t, err)
	require.Empty(t, trades, "expected no unsettled trades remaining")
}

func TestTick_EmptyQueueIsANoop(t *testing.T) {
	cfg := DefaultConfig()
	b, _ := newTestBatcher(t, ledger.NewMock(), cfg)
	require.NoError(t, b.tick(context.Background()), "tick on an empty queue should be a no-op")
}

func TestTick_RetriesBeforeExhaustingBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RoundDelay = 0
	cfg.MaxRetries = 3
	mock := ledger.NewMock()
	b, st := newTestBatcher(t, mock, cfg)
	seedUnsettledTrade(t, st, "t1", "alice", "bob")

	mock.FailNextAs(1, apperr.KindLedgerUnavailable)
	require.NoError(t, b.tick(context.Background()))

	trades, err := st.ListUnsettledTrades(10)
	require.NoError(t, err)
	require.Len(t, trades, 1, "expected the trade demoted back to pending for retry")
}

func TestTick_ExhaustedRetriesRecordsCompensation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RoundDelay = 0
	cfg.MaxRetries = 1
	mock := ledger.NewMock()
	b, st := newTestBatcher(t, mock, cfg)
	seedUnsettledTrade(t, st, "t1", "alice", "bob")
	seedLockedAccount(t, st, "alice", decimal.NewFromFloat(6.00))

	mock.FailNextAs(1, apperr.KindLedgerUnavailable)
	require.NoError(t, b.tick(context.Background()))

	n, err := st.CountOpenCompensationFailures()
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "expected one compensation failure recorded")

	acct, err := st.GetAccount("alice")
	require.NoError(t, err)
	require.True(t, acct.LockedBalance.IsZero(), "expected compensation to unlock alice's held funds")
	require.True(t, acct.AvailableBalance.Equal(decimal.NewFromFloat(6.00)), "expected unlocked funds credited to available balance, got %s", acct.AvailableBalance)
}

func TestCounterpartyPairs_DedupesRepeatedPair(t *testing.T) {
	trades := []domain.Trade{
		{BuyerID: "alice", SellerID: "bob"},
		{BuyerID: "alice", SellerID: "bob"},
		{BuyerID: "carol", SellerID: "bob"},
	}
	pairs := counterpartyPairs(trades)
	require.Len(t, pairs, 2, "expected 2 distinct counterparty pairs")
}
