package orders

import (
	"sync"

	"github.com/pebblemarket/core/orderbook"
)

// bookRegistry lazily builds one orderbook.Book per market, guarded by
// its own mutex for map access (book mutation itself happens only
// while the caller holds that market's marketLocks entry).
type bookRegistry struct {
	mu    sync.Mutex
	books map[string]*orderbook.Book
}

func newBookRegistry() *bookRegistry {
	return &bookRegistry{books: make(map[string]*orderbook.Book)}
}

func (r *bookRegistry) get(marketID string) *orderbook.Book {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[marketID]
	if !ok {
		b = orderbook.New(marketID)
		r.books[marketID] = b
	}
	return b
}
