// Package orderbook implements the per-market in-memory structure:
// four price/time-ordered sides, rebuildable from durable orders, with
// no bookkeeping beyond order identity.
package orderbook

import (
	"sync"
	"time"

	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"

	"github.com/pebblemarket/core/apperr"
	"github.com/pebblemarket/core/domain"
)

// priceTimeKey is the skiplist key: price first, createdAt as tiebreak,
// orderID as a final tiebreak so two orders at the same price and
// (freak) identical timestamp still sort deterministically.
type priceTimeKey struct {
	price     decimal.Decimal
	createdAt time.Time
	orderID   string
}

// comparator orders ascending or descending by price, always ascending
// by createdAt: time priority is never reversed.
type comparator struct {
	descending bool
}

func (c comparator) Compare(lhs, rhs interface{}) int {
	l := lhs.(priceTimeKey)
	r := rhs.(priceTimeKey)
	cmp := l.price.Cmp(r.price)
	if c.descending {
		cmp = -cmp
	}
	if cmp != 0 {
		return cmp
	}
	if l.createdAt.Before(r.createdAt) {
		return -1
	}
	if l.createdAt.After(r.createdAt) {
		return 1
	}
	if l.orderID < r.orderID {
		return -1
	}
	if l.orderID > r.orderID {
		return 1
	}
	return 0
}

func (c comparator) CalcScore(key interface{}) float64 {
	k := key.(priceTimeKey)
	f, _ := k.price.Float64()
	if c.descending {
		return -f
	}
	return f
}

// Level is an aggregated price level returned by Snapshot.
type Level struct {
	Price      decimal.Decimal
	Remaining  decimal.Decimal
	OrderCount int
}

// Book is the four-sided orderbook for a single market.
type Book struct {
	MarketID string

	mu       sync.RWMutex
	yesBids  *skiplist.SkipList // descending price, ascending time
	yesAsks  *skiplist.SkipList // ascending price, ascending time
	noBids   *skiplist.SkipList
	noAsks   *skiplist.SkipList
	byOrder  map[string]*domain.Order // orderID -> live order reference
}

// New creates an empty book for marketID.
func New(marketID string) *Book {
	return &Book{
		MarketID: marketID,
		yesBids:  skiplist.New(comparator{descending: true}),
		yesAsks:  skiplist.New(comparator{descending: false}),
		noBids:   skiplist.New(comparator{descending: true}),
		noAsks:   skiplist.New(comparator{descending: false}),
		byOrder:  make(map[string]*domain.Order),
	}
}

func (b *Book) sideFor(side domain.Side, action domain.Action) *skiplist.SkipList {
	if side == domain.SideYes {
		if action == domain.ActionBuy {
			return b.yesBids
		}
		return b.yesAsks
	}
	if action == domain.ActionBuy {
		return b.noBids
	}
	return b.noAsks
}

func keyFor(o *domain.Order) priceTimeKey {
	return priceTimeKey{price: o.EffectivePrice(), createdAt: o.CreatedAt, orderID: o.OrderID}
}

// AddOrder inserts a resting order into the book. O(log n).
func (b *Book) AddOrder(o *domain.Order) error {
	if o.MarketID != b.MarketID {
		return apperr.New(apperr.KindValidation, "MARKET_MISMATCH", "order market does not match book market")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.sideFor(o.Side, o.Action)
	list.Set(keyFor(o), o)
	b.byOrder[o.OrderID] = o
	return nil
}

// RemoveOrder removes an order by id. Returns false if absent; this is
// idempotent, not an error.
func (b *Book) RemoveOrder(orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(orderID)
}

func (b *Book) removeLocked(orderID string) bool {
	o, ok := b.byOrder[orderID]
	if !ok {
		return false
	}
	list := b.sideFor(o.Side, o.Action)
	list.Remove(keyFor(o))
	delete(b.byOrder, orderID)
	return true
}

// UpdateOrder removes any resting entry for o.OrderID and, if o's
// status is still resting, inserts o again under its current key.
// Idempotent: an order that was not previously resting is simply
// inserted, and an order whose status is no longer resting ends up
// absent from the book.
func (b *Book) UpdateOrder(o *domain.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(o.OrderID)
	if o.Status.IsResting() {
		list := b.sideFor(o.Side, o.Action)
		list.Set(keyFor(o), o)
		b.byOrder[o.OrderID] = o
	}
}

// Get returns the live order reference for orderID, if resting.
func (b *Book) Get(orderID string) (*domain.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.byOrder[orderID]
	return o, ok
}

// Walk calls fn for every resting order on the given side/action in
// priority order, stopping early if fn returns false. fn must not
// mutate the book.
func (b *Book) Walk(side domain.Side, action domain.Action, fn func(o *domain.Order) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := b.sideFor(side, action)
	for e := list.Front(); e != nil; e = e.Next() {
		o := e.Value.(*domain.Order)
		if o.Remaining().Sign() <= 0 {
			continue
		}
		if !fn(o) {
			return
		}
	}
}

// Snapshot returns aggregated levels for all four sides. Levels with
// remaining <= 0 are excluded.
type Snapshot struct {
	YesBids []Level
	YesAsks []Level
	NoBids  []Level
	NoAsks  []Level
}

func aggregate(list *skiplist.SkipList) []Level {
	levels := make([]Level, 0)
	var cur *Level
	var curPrice decimal.Decimal
	have := false
	for e := list.Front(); e != nil; e = e.Next() {
		o := e.Value.(*domain.Order)
		rem := o.Remaining()
		if rem.Sign() <= 0 {
			continue
		}
		price := o.EffectivePrice()
		if !have || !price.Equal(curPrice) {
			levels = append(levels, Level{Price: price})
			cur = &levels[len(levels)-1]
			curPrice = price
			have = true
		}
		cur.Remaining = cur.Remaining.Add(rem)
		cur.OrderCount++
	}
	return levels
}

func (b *Book) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		YesBids: aggregate(b.yesBids),
		YesAsks: aggregate(b.yesAsks),
		NoBids:  aggregate(b.noBids),
		NoAsks:  aggregate(b.noAsks),
	}
}

// Len returns the number of resting orders currently tracked, across
// all four sides.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byOrder)
}
