package orderbook

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pebblemarket/core/domain"
)

func mkOrder(id string, side domain.Side, action domain.Action, price string, qty string, filled string, createdAt time.Time) *domain.Order {
	p := decimal.RequireFromString(price)
	return &domain.Order{
		OrderID:        id,
		MarketID:       "M1",
		Side:           side,
		Action:         action,
		OrderType:      domain.OrderTypeLimit,
		Price:          &p,
		Quantity:       decimal.RequireFromString(qty),
		FilledQuantity: decimal.RequireFromString(filled),
		Status:         domain.OrderOpen,
		CreatedAt:      createdAt,
	}
}

func TestAddRemoveOrder(t *testing.T) {
	b := New("M1")
	now := time.Now()
	o := mkOrder("o1", domain.SideYes, domain.ActionBuy, "0.60", "10", "0", now)
	if err := b.AddOrder(o); err != nil {
		t.Fatalf("AddOrder: %v", err)
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 resting order, got %d", b.Len())
	}
	if !b.RemoveOrder("o1") {
		t.Fatalf("expected remove to succeed")
	}
	if b.RemoveOrder("o1") {
		t.Fatalf("expected second remove to be a no-op returning false")
	}
}

func TestAddOrderMarketMismatch(t *testing.T) {
	b := New("M1")
	o := mkOrder("o1", domain.SideYes, domain.ActionBuy, "0.60", "10", "0", time.Now())
	o.MarketID = "M2"
	if err := b.AddOrder(o); err == nil {
		t.Fatalf("expected market mismatch error")
	}
}

func TestSnapshotAggregatesByPrice(t *testing.T) {
	b := New("M1")
	now := time.Now()
	b.AddOrder(mkOrder("o1", domain.SideYes, domain.ActionBuy, "0.60", "10", "0", now))
	b.AddOrder(mkOrder("o2", domain.SideYes, domain.ActionBuy, "0.60", "5", "0", now.Add(time.Second)))
	b.AddOrder(mkOrder("o3", domain.SideYes, domain.ActionBuy, "0.55", "3", "0", now))

	snap := b.Snapshot()
	if len(snap.YesBids) != 2 {
		t.Fatalf("expected 2 price levels, got %d", len(snap.YesBids))
	}
	// Best bid (highest price) must come first.
	if !snap.YesBids[0].Price.Equal(decimal.RequireFromString("0.60")) {
		t.Fatalf("expected best bid 0.60 first, got %s", snap.YesBids[0].Price)
	}
	if !snap.YesBids[0].Remaining.Equal(decimal.RequireFromString("15")) {
		t.Fatalf("expected aggregated remaining 15, got %s", snap.YesBids[0].Remaining)
	}
	if snap.YesBids[0].OrderCount != 2 {
		t.Fatalf("expected order count 2, got %d", snap.YesBids[0].OrderCount)
	}
}

func TestSnapshotExcludesFullyFilled(t *testing.T) {
	b := New("M1")
	now := time.Now()
	b.AddOrder(mkOrder("o1", domain.SideYes, domain.ActionBuy, "0.60", "10", "10", now))
	snap := b.Snapshot()
	if len(snap.YesBids) != 0 {
		t.Fatalf("expected fully-filled order excluded from snapshot, got %d levels", len(snap.YesBids))
	}
}

func TestWalkPriceTimePriority(t *testing.T) {
	b := New("M1")
	now := time.Now()
	// Two asks at the same price; earlier createdAt must walk first.
	b.AddOrder(mkOrder("late", domain.SideYes, domain.ActionSell, "0.50", "5", "0", now.Add(time.Second)))
	b.AddOrder(mkOrder("early", domain.SideYes, domain.ActionSell, "0.50", "5", "0", now))
	// A better (lower) ask price must walk before both.
	b.AddOrder(mkOrder("better", domain.SideYes, domain.ActionSell, "0.40", "5", "0", now.Add(2*time.Second)))

	var order []string
	b.Walk(domain.SideYes, domain.ActionSell, func(o *domain.Order) bool {
		order = append(order, o.OrderID)
		return true
	})
	want := []string{"better", "early", "late"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}
