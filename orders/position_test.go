package orders

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pebblemarket/core/apperr"
	"github.com/pebblemarket/core/applog"
	"github.com/pebblemarket/core/domain"
	"github.com/pebblemarket/core/ledger"
	"github.com/pebblemarket/core/store"
)

func newTestPositionService(t *testing.T) (*PositionService, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", false, applog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	clock := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	svc := NewPositionService(st, ledger.NewMock(), nil, applog.Nop(), clock)
	return svc, st
}

func seedResolvedMarket(t *testing.T, st *store.Store, marketID string, winningOutcomeYes bool) {
	t.Helper()
	outcome := winningOutcomeYes
	if err := st.SaveMarket(nil, &domain.Market{
		MarketID: marketID,
		Question: "test market",
		Status:   domain.MarketResolved,
		YesPrice: decimal.NewFromFloat(0.5),
		NoPrice:  decimal.NewFromFloat(0.5),
		Outcome:  &outcome,
		Version:  1,
	}); err != nil {
		t.Fatalf("seedResolvedMarket: %v", err)
	}
}

func TestRedeem_PaysOutWinningPositionAndArchives(t *testing.T) {
	svc, st := newTestPositionService(t)
	ctx := context.Background()
	seedResolvedMarket(t, st, "m1", true)
	seedAccount(t, st, "alice", decimal.Zero)
	seedPosition(t, st, "alice", "m1", domain.SideYes, decimal.NewFromInt(10))

	payout, err := svc.Redeem(ctx, "alice", "m1", domain.SideYes)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if !payout.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected payout of 10 (1.0 per share), got %s", payout)
	}

	acct, err := st.GetAccount("alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !acct.AvailableBalance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected available balance credited with payout, got %s", acct.AvailableBalance)
	}

	pos, err := st.GetActivePosition(nil, "alice", "m1", domain.SideYes)
	if err == nil {
		t.Fatalf("expected the redeemed position to no longer be active, got %+v", pos)
	}
}

func TestRedeem_LosingSideReturnsValidationError(t *testing.T) {
	svc, st := newTestPositionService(t)
	ctx := context.Background()
	seedResolvedMarket(t, st, "m1", true)
	seedAccount(t, st, "alice", decimal.Zero)
	seedPosition(t, st, "alice", "m1", domain.SideNo, decimal.NewFromInt(10))

	_, err := svc.Redeem(ctx, "alice", "m1", domain.SideNo)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected a validation error for redeeming the losing side, got %v", err)
	}
}

func TestRedeem_UnresolvedMarketReturnsValidationError(t *testing.T) {
	svc, st := newTestPositionService(t)
	ctx := context.Background()
	seedMarket(t, st, "m1")
	seedAccount(t, st, "alice", decimal.Zero)
	seedPosition(t, st, "alice", "m1", domain.SideYes, decimal.NewFromInt(10))

	_, err := svc.Redeem(ctx, "alice", "m1", domain.SideYes)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected a validation error for an unresolved market, got %v", err)
	}
}

func TestRedeem_NoPositionReturnsInsufficientPosition(t *testing.T) {
	svc, st := newTestPositionService(t)
	ctx := context.Background()
	seedResolvedMarket(t, st, "m1", true)
	seedAccount(t, st, "alice", decimal.Zero)

	_, err := svc.Redeem(ctx, "alice", "m1", domain.SideYes)
	if !apperr.Is(err, apperr.KindInsufficientPosition) {
		t.Fatalf("expected InsufficientPosition, got %v", err)
	}
}

func TestMerge_BurnsBothSidesAndCreditsCash(t *testing.T) {
	svc, st := newTestPositionService(t)
	ctx := context.Background()
	seedAccount(t, st, "alice", decimal.Zero)
	seedPosition(t, st, "alice", "m1", domain.SideYes, decimal.NewFromInt(10))
	seedPosition(t, st, "alice", "m1", domain.SideNo, decimal.NewFromInt(10))

	credit, err := svc.Merge(ctx, "alice", "m1", decimal.NewFromInt(4))
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !credit.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected credit of 4 (1.0 per merged share), got %s", credit)
	}

	acct, err := st.GetAccount("alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !acct.AvailableBalance.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected available balance credited, got %s", acct.AvailableBalance)
	}

	yes, err := st.GetActivePosition(nil, "alice", "m1", domain.SideYes)
	if err != nil {
		t.Fatalf("GetActivePosition (yes): %v", err)
	}
	if !yes.Quantity.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected remaining yes quantity 6, got %s", yes.Quantity)
	}
}

func TestMerge_InsufficientPositionOnEitherSideFails(t *testing.T) {
	svc, st := newTestPositionService(t)
	ctx := context.Background()
	seedAccount(t, st, "alice", decimal.Zero)
	seedPosition(t, st, "alice", "m1", domain.SideYes, decimal.NewFromInt(10))

	_, err := svc.Merge(ctx, "alice", "m1", decimal.NewFromInt(4))
	if !apperr.Is(err, apperr.KindInsufficientPosition) {
		t.Fatalf("expected InsufficientPosition when the no side has no position, got %v", err)
	}
}
