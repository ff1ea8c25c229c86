package dataengine

import (
	"sync"

	"github.com/zigquant/zigquant/pkg/types"
)

// quoteQueue holds at most one pending quote per pair: a newer quote
// always replaces an undelivered one for the same pair, and when the queue
// is at capacity a quote for a new pair evicts the oldest enqueued pair's
// quote, per the "prefer freshness" backpressure rule. It is not a generic bounded
// channel because dropping from the middle of a channel isn't possible;
// keeping only the latest quote per pair is equivalent and simpler.
type quoteQueue struct {
	mu       sync.Mutex
	pending  map[types.TradingPair]types.Quote
	order    []types.TradingPair
	capacity int
	gaps     uint64
}

func newQuoteQueue(capacity int) *quoteQueue {
	if capacity <= 0 {
		capacity = 4096
	}
	return &quoteQueue{pending: make(map[types.TradingPair]types.Quote), capacity: capacity}
}

// push enqueues a quote, overwriting any undelivered quote for the same
// pair. Returns true if an existing undelivered quote was replaced
// (counts as a dropped/gapped update).
func (q *quoteQueue) push(quote types.Quote) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.pending[quote.Pair]; exists {
		q.pending[quote.Pair] = quote
		q.gaps++
		return true
	}

	if len(q.pending) >= q.capacity {
		// Capacity reached with no existing entry for this pair: drop the
		// oldest enqueued pair's quote to make room, preferring freshness.
		oldest := q.order[0]
		q.order = q.order[1:]
		delete(q.pending, oldest)
		q.gaps++
	}

	q.pending[quote.Pair] = quote
	q.order = append(q.order, quote.Pair)
	return false
}

// pop removes and returns the oldest undelivered quote, if any.
func (q *quoteQueue) pop() (types.Quote, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return types.Quote{}, false
	}
	pair := q.order[0]
	q.order = q.order[1:]
	quote, ok := q.pending[pair]
	delete(q.pending, pair)
	return quote, ok
}

func (q *quoteQueue) gapCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gaps
}

func (q *quoteQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
