package matching

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pebblemarket/core/domain"
	"github.com/pebblemarket/core/orderbook"
)

func price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func newOrder(user string, marketID string, side domain.Side, action domain.Action, p string, qty string, createdAt time.Time) *domain.Order {
	return &domain.Order{
		OrderID:   user + "-" + p + "-" + qty + "-" + string(side) + string(action),
		MarketID:  marketID,
		UserID:    user,
		Side:      side,
		Action:    action,
		OrderType: domain.OrderTypeLimit,
		Price:     price(p),
		Quantity:  decimal.RequireFromString(qty),
		Status:    domain.OrderPending,
		CreatedAt: createdAt,
	}
}

// S1: Same-side match.
func TestScenarioS1SameSideMatch(t *testing.T) {
	book := orderbook.New("M")
	eng := New(func() time.Time { return time.Unix(1000, 0) })
	t0 := time.Unix(0, 0)

	alice := newOrder("alice", "M", domain.SideYes, domain.ActionBuy, "0.60", "10", t0)
	r := eng.Match(book, alice)
	if len(r.Trades) != 0 || alice.Status != domain.OrderOpen {
		t.Fatalf("expected alice to rest open, got status=%s trades=%d", alice.Status, len(r.Trades))
	}

	bob := newOrder("bob", "M", domain.SideYes, domain.ActionSell, "0.55", "6", t0.Add(time.Second))
	r2 := eng.Match(book, bob)
	if len(r2.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(r2.Trades))
	}
	tr := r2.Trades[0]
	if !tr.Price.Equal(decimal.RequireFromString("0.60")) {
		t.Fatalf("expected trade price 0.60, got %s", tr.Price)
	}
	if !tr.Quantity.Equal(decimal.RequireFromString("6")) {
		t.Fatalf("expected qty 6, got %s", tr.Quantity)
	}
	if tr.BuyerID != "alice" || tr.SellerID != "bob" {
		t.Fatalf("expected buyer alice seller bob, got %s/%s", tr.BuyerID, tr.SellerID)
	}
	if tr.TradeType != domain.TradeTypeShareTrade {
		t.Fatalf("expected share_trade, got %s", tr.TradeType)
	}
	if alice.Status != domain.OrderPartial || !alice.FilledQuantity.Equal(decimal.RequireFromString("6")) {
		t.Fatalf("expected alice partial filled=6, got status=%s filled=%s", alice.Status, alice.FilledQuantity)
	}
	if bob.Status != domain.OrderFilled {
		t.Fatalf("expected bob filled, got %s", bob.Status)
	}
}

// S2: Cross-match creates shares.
func TestScenarioS2CrossMatch(t *testing.T) {
	book := orderbook.New("M")
	eng := New(func() time.Time { return time.Unix(2000, 0) })
	t0 := time.Unix(0, 0)

	alice := newOrder("alice", "M", domain.SideYes, domain.ActionBuy, "0.70", "5", t0)
	r1 := eng.Match(book, alice)
	if len(r1.Trades) != 0 {
		t.Fatalf("expected alice to rest with no trades, got %d", len(r1.Trades))
	}

	bob := newOrder("bob", "M", domain.SideNo, domain.ActionBuy, "0.30", "5", t0.Add(time.Second))
	r2 := eng.Match(book, bob)
	if len(r2.Trades) != 1 {
		t.Fatalf("expected 1 cross trade, got %d", len(r2.Trades))
	}
	tr := r2.Trades[0]
	if tr.TradeType != domain.TradeTypeShareCreation {
		t.Fatalf("expected share_creation, got %s", tr.TradeType)
	}
	if !tr.Price.Equal(decimal.RequireFromString("0.70")) {
		t.Fatalf("expected price 0.70, got %s", tr.Price)
	}
	if tr.BuyerID != "alice" || tr.SellerID != "bob" {
		t.Fatalf("expected yes-side buyer alice, no-side seller bob, got %s/%s", tr.BuyerID, tr.SellerID)
	}
	if alice.Status != domain.OrderFilled || bob.Status != domain.OrderFilled {
		t.Fatalf("expected both filled, got alice=%s bob=%s", alice.Status, bob.Status)
	}
}

// S3: Self-match prevented.
func TestScenarioS3SelfMatchPrevented(t *testing.T) {
	book := orderbook.New("M")
	eng := New(func() time.Time { return time.Unix(3000, 0) })
	t0 := time.Unix(0, 0)

	sellOrder := newOrder("alice", "M", domain.SideYes, domain.ActionSell, "0.60", "10", t0)
	eng.Match(book, sellOrder)

	buyOrder := newOrder("alice", "M", domain.SideYes, domain.ActionBuy, "0.60", "5", t0.Add(time.Second))
	r := eng.Match(book, buyOrder)
	if len(r.Trades) != 0 {
		t.Fatalf("expected no trades for self-match, got %d", len(r.Trades))
	}
	if buyOrder.Status != domain.OrderOpen {
		t.Fatalf("expected buy order to rest open, got %s", buyOrder.Status)
	}
}

// S4: Partial fill with price improvement, remainder rests.
func TestScenarioS4PartialFillRests(t *testing.T) {
	book := orderbook.New("M")
	eng := New(func() time.Time { return time.Unix(4000, 0) })
	t0 := time.Unix(0, 0)

	resting := newOrder("seller", "M", domain.SideYes, domain.ActionSell, "0.50", "3", t0)
	eng.Match(book, resting)

	bob := newOrder("bob", "M", domain.SideYes, domain.ActionBuy, "0.55", "7", t0.Add(time.Second))
	r := eng.Match(book, bob)
	if len(r.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(r.Trades))
	}
	if !r.Trades[0].Price.Equal(decimal.RequireFromString("0.50")) {
		t.Fatalf("expected price improvement to 0.50, got %s", r.Trades[0].Price)
	}
	if !r.Trades[0].Quantity.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("expected qty 3, got %s", r.Trades[0].Quantity)
	}
	if bob.Status != domain.OrderPartial || !bob.FilledQuantity.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("expected bob partial filled=3, got status=%s filled=%s", bob.Status, bob.FilledQuantity)
	}
	if !bob.Remaining().Equal(decimal.RequireFromString("4")) {
		t.Fatalf("expected remaining 4, got %s", bob.Remaining())
	}
	if !r.Resting {
		t.Fatalf("expected bob's remainder to rest on the book")
	}
}

// Market order against an empty book is rejected.
func TestMarketOrderAgainstEmptyBookRejected(t *testing.T) {
	book := orderbook.New("M")
	eng := New(func() time.Time { return time.Unix(5000, 0) })
	o := &domain.Order{
		OrderID:   "m1",
		MarketID:  "M",
		UserID:    "u1",
		Side:      domain.SideYes,
		Action:    domain.ActionBuy,
		OrderType: domain.OrderTypeMarket,
		Quantity:  decimal.RequireFromString("5"),
		Status:    domain.OrderPending,
		CreatedAt: time.Now(),
	}
	r := eng.Match(book, o)
	if len(r.Trades) != 0 || o.Status != domain.OrderRejected {
		t.Fatalf("expected rejected market order, got status=%s trades=%d", o.Status, len(r.Trades))
	}
	if r.Resting {
		t.Fatalf("rejected market order must never rest")
	}
}

// Invariant: filledQuantity never exceeds quantity, across a sequence
// of partial fills.
func TestInvariantFilledNeverExceedsQuantity(t *testing.T) {
	book := orderbook.New("M")
	eng := New(func() time.Time { return time.Unix(6000, 0) })
	t0 := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		o := newOrder("maker", "M", domain.SideYes, domain.ActionSell, "0.50", "2", t0.Add(time.Duration(i)*time.Second))
		eng.Match(book, o)
	}
	taker := newOrder("taker", "M", domain.SideYes, domain.ActionBuy, "0.50", "100", t0.Add(10*time.Second))
	eng.Match(book, taker)
	if taker.FilledQuantity.GreaterThan(taker.Quantity) {
		t.Fatalf("filledQuantity %s exceeds quantity %s", taker.FilledQuantity, taker.Quantity)
	}
	if !taker.FilledQuantity.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("expected filled 10, got %s", taker.FilledQuantity)
	}
}
