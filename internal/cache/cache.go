// Package cache is the single source of truth for market and account
// state exposed to strategies: quotes, candles, orders, positions, and
// balances. Every store is guarded by its own RWMutex so that a write to
// one kind never blocks a read of another, generalizing the teacher's
// market.Book (RWMutex + snapshot) and strategy.Inventory (RWMutex +
// weighted-average update) patterns into one multi-store cache.
package cache

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zigquant/zigquant/pkg/types"
)

// Publisher is the subset of the MessageBus the cache needs: just enough
// to publish change notifications without importing the bus package
// directly, so cache can be unit tested without a live bus.
type Publisher interface {
	Publish(topic string, payload any)
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, any) {}

// Config controls cache behavior.
type Config struct {
	// EnableNotifications gates whether successful update* calls publish
	// cache.<kind>.<key> events.
	EnableNotifications bool
	// DefaultCandleCapacity is the ring buffer size used for any
	// timeframe not present in CandleCapacity.
	DefaultCandleCapacity int
	// CandleCapacity overrides the ring size per timeframe.
	CandleCapacity map[types.Timeframe]int
}

// DefaultConfig returns sane defaults: notifications on, 500-bar rings.
func DefaultConfig() Config {
	return Config{
		EnableNotifications:   true,
		DefaultCandleCapacity: 500,
	}
}

// Cache is the keyed, per-store-locked state store described in §4.2.
type Cache struct {
	logger    *slog.Logger
	publisher Publisher
	cfg       Config

	quotesMu sync.RWMutex
	quotes   map[types.TradingPair]types.Quote

	candlesMu sync.RWMutex
	candles   map[candleKey]*candleRing

	ordersMu sync.RWMutex
	orders   map[string]types.Order

	positionsMu sync.RWMutex
	positions   map[types.TradingPair]types.Position

	balancesMu sync.RWMutex
	balances   map[string]types.Balance
}

type candleKey struct {
	pair types.TradingPair
	tf   types.Timeframe
}

// New constructs an empty Cache. publisher may be nil, in which case
// notifications are silently dropped (useful for tests).
func New(cfg Config, publisher Publisher, logger *slog.Logger) *Cache {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		logger:    logger.With("component", "cache"),
		publisher: publisher,
		cfg:       cfg,
		quotes:    make(map[types.TradingPair]types.Quote),
		candles:   make(map[candleKey]*candleRing),
		orders:    make(map[string]types.Order),
		positions: make(map[types.TradingPair]types.Position),
		balances:  make(map[string]types.Balance),
	}
}

func (c *Cache) notify(topic string, payload any) {
	if !c.cfg.EnableNotifications {
		return
	}
	c.publisher.Publish(topic, payload)
}

// ---------------------------------------------------------------- quotes

// UpdateQuote validates and stores q, replacing any prior quote for the
// same pair. Validation failure leaves state untouched.
func (c *Cache) UpdateQuote(q types.Quote) error {
	if err := q.Validate(); err != nil {
		return err
	}

	c.quotesMu.Lock()
	prev, had := c.quotes[q.Pair]
	c.quotes[q.Pair] = q
	c.quotesMu.Unlock()

	evt := ChangeEvent[types.Quote]{Key: q.Pair.String(), Current: q}
	if had {
		evt.Previous = &prev
	}
	c.notify("cache.quotes."+q.Pair.String(), evt)
	return nil
}

// GetQuote returns the current quote for pair, if any.
func (c *Cache) GetQuote(pair types.TradingPair) (types.Quote, bool) {
	c.quotesMu.RLock()
	defer c.quotesMu.RUnlock()
	q, ok := c.quotes[pair]
	return q, ok
}

// IterQuotes returns a point-in-time snapshot of every quote.
func (c *Cache) IterQuotes() []types.Quote {
	c.quotesMu.RLock()
	defer c.quotesMu.RUnlock()
	out := make([]types.Quote, 0, len(c.quotes))
	for _, q := range c.quotes {
		out = append(out, q)
	}
	return out
}

// ---------------------------------------------------------------- candles

// UpdateCandle validates and stores c. If a still-forming bar shares the
// same open timestamp as the most recent entry, it is replaced in place;
// otherwise it is appended and the oldest bar is evicted once the ring is
// full.
func (c *Cache) UpdateCandle(candle types.Candle) error {
	if err := candle.Validate(); err != nil {
		return err
	}

	key := candleKey{pair: candle.Pair, tf: candle.TF}

	c.candlesMu.Lock()
	ring, ok := c.candles[key]
	if !ok {
		ring = newCandleRing(c.capacityFor(candle.TF))
		c.candles[key] = ring
	}
	prev := ring.push(candle)
	c.candlesMu.Unlock()

	evt := ChangeEvent[types.Candle]{Key: fmt.Sprintf("%s.%s", candle.Pair, candle.TF), Current: candle, Previous: prev}
	c.notify(fmt.Sprintf("cache.candles.%s.%s", candle.Pair, candle.TF), evt)
	return nil
}

func (c *Cache) capacityFor(tf types.Timeframe) int {
	if cap, ok := c.cfg.CandleCapacity[tf]; ok && cap > 0 {
		return cap
	}
	if c.cfg.DefaultCandleCapacity > 0 {
		return c.cfg.DefaultCandleCapacity
	}
	return 500
}

// GetCandles returns a snapshot of stored candles for (pair, tf),
// oldest-first.
func (c *Cache) GetCandles(pair types.TradingPair, tf types.Timeframe) []types.Candle {
	c.candlesMu.RLock()
	defer c.candlesMu.RUnlock()
	ring, ok := c.candles[candleKey{pair: pair, tf: tf}]
	if !ok {
		return nil
	}
	return ring.snapshot()
}

// LatestCandle returns the most recent candle for (pair, tf), if any.
func (c *Cache) LatestCandle(pair types.TradingPair, tf types.Timeframe) (types.Candle, bool) {
	c.candlesMu.RLock()
	defer c.candlesMu.RUnlock()
	ring, ok := c.candles[candleKey{pair: pair, tf: tf}]
	if !ok {
		return types.Candle{}, false
	}
	return ring.latest()
}

// ---------------------------------------------------------------- orders

// UpdateOrder validates the order invariant and, if an order with the
// same client_order_id already exists, enforces that the status
// transition does not regress (per the global no-regression guarantee).
// Validation failure leaves state untouched.
func (c *Cache) UpdateOrder(o types.Order) error {
	if err := o.CheckInvariant(); err != nil {
		return err
	}

	c.ordersMu.Lock()
	prev, had := c.orders[o.ClientOrderID]
	if had && prev.Status != o.Status {
		prevCopy := prev
		if !prevCopy.CanTransitionTo(o.Status) {
			c.ordersMu.Unlock()
			return fmt.Errorf("cache: order %s illegal transition %s -> %s", o.ClientOrderID, prev.Status, o.Status)
		}
	}
	c.orders[o.ClientOrderID] = o
	c.ordersMu.Unlock()

	evt := ChangeEvent[types.Order]{Key: o.ClientOrderID, Current: o}
	if had {
		evt.Previous = &prev
	}
	c.notify("cache.orders."+o.ClientOrderID, evt)
	return nil
}

// GetOrder returns the order for clientOrderID, if any.
func (c *Cache) GetOrder(clientOrderID string) (types.Order, bool) {
	c.ordersMu.RLock()
	defer c.ordersMu.RUnlock()
	o, ok := c.orders[clientOrderID]
	return o, ok
}

// IterOrders returns a point-in-time snapshot of every order.
func (c *Cache) IterOrders() []types.Order {
	c.ordersMu.RLock()
	defer c.ordersMu.RUnlock()
	out := make([]types.Order, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, o)
	}
	return out
}

// RemoveOrder deletes an order that has been terminal for at least one
// checkpoint cycle (called by RecoveryManager during its sweep, never by
// strategy code directly).
func (c *Cache) RemoveOrder(clientOrderID string) {
	c.ordersMu.Lock()
	delete(c.orders, clientOrderID)
	c.ordersMu.Unlock()
}

// ------------------------------------------------------------ positions

// UpdatePosition stores p, replacing any prior position for the pair.
func (c *Cache) UpdatePosition(p types.Position) error {
	c.positionsMu.Lock()
	prev, had := c.positions[p.Pair]
	c.positions[p.Pair] = p
	c.positionsMu.Unlock()

	evt := ChangeEvent[types.Position]{Key: p.Pair.String(), Current: p}
	if had {
		evt.Previous = &prev
	}
	c.notify("cache.positions."+p.Pair.String(), evt)
	return nil
}

// GetPosition returns the position for pair, if any.
func (c *Cache) GetPosition(pair types.TradingPair) (types.Position, bool) {
	c.positionsMu.RLock()
	defer c.positionsMu.RUnlock()
	p, ok := c.positions[pair]
	return p, ok
}

// IterPositions returns a point-in-time snapshot of every position.
func (c *Cache) IterPositions() []types.Position {
	c.positionsMu.RLock()
	defer c.positionsMu.RUnlock()
	out := make([]types.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out
}

// RemovePosition deletes a closed position (size == 0) from the cache.
func (c *Cache) RemovePosition(pair types.TradingPair) {
	c.positionsMu.Lock()
	delete(c.positions, pair)
	c.positionsMu.Unlock()
}

// ------------------------------------------------------------- balances

// UpdateBalance validates total = available + locked before storing b.
func (c *Cache) UpdateBalance(b types.Balance) error {
	if err := b.Validate(); err != nil {
		return err
	}

	c.balancesMu.Lock()
	prev, had := c.balances[b.Asset]
	c.balances[b.Asset] = b
	c.balancesMu.Unlock()

	evt := ChangeEvent[types.Balance]{Key: b.Asset, Current: b}
	if had {
		evt.Previous = &prev
	}
	c.notify("cache.balances."+b.Asset, evt)
	return nil
}

// GetBalance returns the balance for asset, if any.
func (c *Cache) GetBalance(asset string) (types.Balance, bool) {
	c.balancesMu.RLock()
	defer c.balancesMu.RUnlock()
	b, ok := c.balances[asset]
	return b, ok
}

// IterBalances returns a point-in-time snapshot of every balance.
func (c *Cache) IterBalances() []types.Balance {
	c.balancesMu.RLock()
	defer c.balancesMu.RUnlock()
	out := make([]types.Balance, 0, len(c.balances))
	for _, b := range c.balances {
		out = append(out, b)
	}
	return out
}
