// Package matching implements price-time priority matching with binary
// cross-matching against an orderbook.Book. Matching is purely
// computational: it never fails, it only computes trades and mutates
// the order references it is given.
package matching

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pebblemarket/core/domain"
	"github.com/pebblemarket/core/money"
	"github.com/pebblemarket/core/orderbook"
)

// Clock lets tests control CreatedAt/trade timestamps deterministically.
type Clock func() time.Time

// Engine applies orders to a book.
type Engine struct {
	now Clock
}

// New creates an Engine. A nil clock defaults to time.Now.
func New(clock Clock) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{now: clock}
}

// Result is the outcome of a single Match call.
type Result struct {
	Trades        []*domain.Trade
	UpdatedMakers []*domain.Order // makers whose fill state changed (persist these)
	Resting       bool            // true if taker ended up resting on the book
}

type candidate struct {
	maker          *domain.Order
	effectivePrice decimal.Decimal
	tradeType      domain.TradeType
}

// collect walks one side of the book into a slice, preserving the
// book's own priority order, which is already correct for this
// candidate stream's contribution to the cross/same-side merge.
func collect(book *orderbook.Book, side domain.Side, action domain.Action, cross bool) []candidate {
	var out []candidate
	book.Walk(side, action, func(o *domain.Order) bool {
		eff := o.EffectivePrice()
		tt := domain.TradeTypeShareTrade
		if cross {
			eff = money.Complement(eff)
			tt = domain.TradeTypeShareCreation
		}
		out = append(out, candidate{maker: o, effectivePrice: eff, tradeType: tt})
		return true
	})
	return out
}

// merge combines two already-correctly-ordered candidate streams into a
// single sequence in the order Match needs to walk: ascending effective
// price for a buy taker, descending for a sell taker, tie-broken by
// createdAt ascending (FIFO).
func merge(a, b []candidate, ascending bool) []candidate {
	out := make([]candidate, 0, len(a)+len(b))
	i, j := 0, 0
	less := func(x, y candidate) bool {
		c := x.effectivePrice.Cmp(y.effectivePrice)
		if c != 0 {
			if ascending {
				return c < 0
			}
			return c > 0
		}
		return x.maker.CreatedAt.Before(y.maker.CreatedAt)
	}
	for i < len(a) && j < len(b) {
		if less(a[i], b[j]) {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// candidates builds the merged candidate list for taker: same-side
// liquidity is the opposite action on the same side; cross-side
// liquidity is the same action on the opposite side, priced at the
// complement of the maker's own price.
func (e *Engine) candidates(book *orderbook.Book, taker *domain.Order) []candidate {
	sameSide := collect(book, taker.Side, taker.Action.Opposite(), false)
	crossSide := collect(book, taker.Side.Opposite(), taker.Action, true)
	ascending := taker.Action == domain.ActionBuy
	return merge(sameSide, crossSide, ascending)
}

// normalize assigns buyerId/sellerId/buyerOrderId/sellerOrderId and the
// yes-denominated trade price for one fill between taker and a
// candidate maker.
func normalize(taker, maker *domain.Order, cand candidate) (price decimal.Decimal, buyerID, sellerID, buyerOrderID, sellerOrderID string) {
	price = cand.effectivePrice
	if taker.Side != domain.SideYes {
		// effectivePrice is expressed in the taker's own side's terms;
		// convert to the canonical yes-price.
		price = money.Complement(cand.effectivePrice)
	}
	price = money.Round(price)

	if cand.tradeType == domain.TradeTypeShareCreation {
		// Normalise so the yes-side party is buyer, no-side party seller,
		// regardless of each party's own buy/sell action.
		if taker.Side == domain.SideYes {
			return price, taker.UserID, maker.UserID, taker.OrderID, maker.OrderID
		}
		return price, maker.UserID, taker.UserID, maker.OrderID, taker.OrderID
	}

	if taker.Action == domain.ActionBuy {
		return price, taker.UserID, maker.UserID, taker.OrderID, maker.OrderID
	}
	return price, maker.UserID, taker.UserID, maker.OrderID, taker.OrderID
}

// limitViolated reports whether a candidate's effective price (in the
// taker's own side's terms) is worse than the taker's limit, which
// terminates the walk since the merged sequence is monotonic.
func limitViolated(taker *domain.Order, effectivePrice decimal.Decimal) bool {
	if taker.OrderType != domain.OrderTypeLimit || taker.Price == nil {
		return false
	}
	if taker.Action == domain.ActionBuy {
		return effectivePrice.GreaterThan(*taker.Price)
	}
	return effectivePrice.LessThan(*taker.Price)
}

// Match applies taker against book, mutating book (removing saturated
// makers, inserting the taker if it ends up resting) and mutating every
// order object touched (filledQuantity/status), in place. Callers are
// responsible for durable persistence of everything in the returned
// Result plus taker itself.
func (e *Engine) Match(book *orderbook.Book, taker *domain.Order) *Result {
	result := &Result{}
	merged := e.candidates(book, taker)
	now := e.now()

	for _, cand := range merged {
		if taker.Remaining().Sign() <= 0 {
			break
		}
		if cand.maker.UserID == taker.UserID {
			continue // self-match prevention, does not terminate the walk
		}
		if limitViolated(taker, cand.effectivePrice) {
			break // merged sequence is monotonic: no later candidate can qualify
		}
		makerRemaining := cand.maker.Remaining()
		if makerRemaining.Sign() <= 0 {
			continue
		}
		q := decimal.Min(taker.Remaining(), makerRemaining)
		if q.Sign() <= 0 {
			break
		}

		price, buyerID, sellerID, buyerOrderID, sellerOrderID := normalize(taker, cand.maker, cand)
		trade := &domain.Trade{
			TradeID:          uuid.NewString(),
			MarketID:         taker.MarketID,
			BuyerID:          buyerID,
			SellerID:         sellerID,
			Side:             domain.SideYes,
			Price:            price,
			Quantity:         q,
			BuyerOrderID:     buyerOrderID,
			SellerOrderID:    sellerOrderID,
			TradeType:        cand.tradeType,
			SettlementStatus: domain.SettlementPending,
			CreatedAt:        now,
		}
		result.Trades = append(result.Trades, trade)

		cand.maker.FilledQuantity = cand.maker.FilledQuantity.Add(q)
		taker.FilledQuantity = taker.FilledQuantity.Add(q)
		cand.maker.UpdatedAt = now

		if cand.maker.Remaining().Sign() <= 0 {
			cand.maker.Status = domain.OrderFilled
			book.RemoveOrder(cand.maker.OrderID)
		} else {
			cand.maker.Status = domain.OrderPartial
			book.UpdateOrder(cand.maker)
		}
		result.UpdatedMakers = append(result.UpdatedMakers, cand.maker)
	}

	taker.UpdatedAt = now
	finalize(book, taker, result)
	return result
}

// finalize sets taker's terminal status and, for resting limit orders,
// inserts it into the book.
func finalize(book *orderbook.Book, taker *domain.Order, result *Result) {
	if taker.Remaining().Sign() <= 0 {
		taker.Status = domain.OrderFilled
		return
	}
	if taker.OrderType == domain.OrderTypeLimit {
		if len(result.Trades) > 0 {
			taker.Status = domain.OrderPartial
		} else {
			taker.Status = domain.OrderOpen
		}
		book.AddOrder(taker)
		result.Resting = true
		return
	}
	// Market order, not fully filled, never rests.
	if len(result.Trades) == 0 {
		taker.Status = domain.OrderRejected
	} else {
		taker.Status = domain.OrderPartial
	}
}
