package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pebblemarket/core/applog"
	"github.com/pebblemarket/core/domain"
	"github.com/pebblemarket/core/ledger"
	"github.com/pebblemarket/core/store"
)

func newTestLoop(t *testing.T, lc ledger.Client, cfg Config, now time.Time) (*Loop, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", false, applog.Nop())
	require.NoError(t, err)
	clock := func() time.Time { return now }
	l := New(st, lc, nil, applog.Nop(), cfg, clock)
	return l, st
}

func TestTick_CorrectsDriftPastTolerance(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stale := now.Add(-time.Hour)
	cfg := DefaultConfig()
	mock := ledger.NewMock()
	l, st := newTestLoop(t, mock, cfg, now)

	require.NoError(t, st.SaveAccount(nil, &domain.Account{
		UserID:           "alice",
		AvailableBalance: decimal.NewFromInt(90),
		LockedBalance:    decimal.Zero,
		LastUpdated:      stale,
	}))
	_, err := mock.SubmitCommand(context.Background(), ledger.Command{
		CommandID:  "create-acct",
		TemplateID: ledger.TemplateTradingAccount,
		Party:      "alice",
		Payload: map[string]interface{}{
			"availableBalance": "100",
			"lockedBalance":    "0",
		},
	})
	require.NoError(t, err)

	require.NoError(t, l.tick(context.Background()))

	acct, err := st.GetAccount("alice")
	require.NoError(t, err)
	require.True(t, acct.AvailableBalance.Equal(decimal.NewFromInt(100)), "expected projection corrected to on-chain value 100, got %s", acct.AvailableBalance)
}

func TestTick_SkipsAccountsNotYetStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	mock := ledger.NewMock()
	l, st := newTestLoop(t, mock, cfg, now)

	require.NoError(t, st.SaveAccount(nil, &domain.Account{
		UserID:           "alice",
		AvailableBalance: decimal.NewFromInt(90),
		LastUpdated:      now, // fresh, not stale
	}))
	_, err := mock.SubmitCommand(context.Background(), ledger.Command{
		CommandID:  "create-acct",
		TemplateID: ledger.TemplateTradingAccount,
		Party:      "alice",
		Payload:    map[string]interface{}{"availableBalance": "100", "lockedBalance": "0"},
	})
	require.NoError(t, err)

	require.NoError(t, l.tick(context.Background()))

	acct, err := st.GetAccount("alice")
	require.NoError(t, err)
	require.True(t, acct.AvailableBalance.Equal(decimal.NewFromInt(90)), "expected a fresh account left untouched, got %s", acct.AvailableBalance)
}

func TestTick_ConvergesOverSuccessiveRuns(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := start
	cfg := DefaultConfig()
	mock := ledger.NewMock()

	st, err := store.Open(":memory:", false, applog.Nop())
	require.NoError(t, err)
	clock := func() time.Time { return cur }
	l := New(st, mock, nil, applog.Nop(), cfg, clock)

	require.NoError(t, st.SaveAccount(nil, &domain.Account{
		UserID:           "alice",
		AvailableBalance: decimal.NewFromInt(50),
		LastUpdated:      start.Add(-time.Hour),
	}))
	_, err = mock.SubmitCommand(context.Background(), ledger.Command{
		CommandID:  "create-acct",
		TemplateID: ledger.TemplateTradingAccount,
		Party:      "alice",
		Payload:    map[string]interface{}{"availableBalance": "100", "lockedBalance": "0"},
	})
	require.NoError(t, err)

	require.NoError(t, l.tick(context.Background()))
	acct, err := st.GetAccount("alice")
	require.NoError(t, err)
	require.True(t, acct.AvailableBalance.Equal(decimal.NewFromInt(100)), "expected first tick to correct drift, got %s", acct.AvailableBalance)

	// A second run, with the account now stale again, should be a no-op:
	// the projection already matches the ledger, so nothing is corrected.
	cur = cur.Add(2 * time.Hour)
	require.NoError(t, l.tick(context.Background()))
	acct, err = st.GetAccount("alice")
	require.NoError(t, err)
	require.True(t, acct.AvailableBalance.Equal(decimal.NewFromInt(100)), "expected converged projection to remain stable, got %s", acct.AvailableBalance)
}

func TestTick_WithinToleranceDoesNotCorrect(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stale := now.Add(-time.Hour)
	cfg := DefaultConfig()
	mock := ledger.NewMock()
	l, st := newTestLoop(t, mock, cfg, now)

	require.NoError(t, st.SaveAccount(nil, &domain.Account{
		UserID:           "alice",
		AvailableBalance: decimal.NewFromFloat(99.999),
		LastUpdated:      stale,
	}))
	_, err := mock.SubmitCommand(context.Background(), ledger.Command{
		CommandID:  "create-acct",
		TemplateID: ledger.TemplateTradingAccount,
		Party:      "alice",
		Payload:    map[string]interface{}{"availableBalance": "100", "lockedBalance": "0"},
	})
	require.NoError(t, err)

	require.NoError(t, l.tick(context.Background()))

	history, err := st.GetAccount("alice")
	require.NoError(t, err)
	require.True(t, history.AvailableBalance.Equal(decimal.NewFromFloat(99.999)), "expected sub-tolerance drift left uncorrected, got %s", history.AvailableBalance)
}
