// Package stoploss implements per-position stop-loss and trailing-stop
// monitoring. Each tracked position carries a StopConfig; the manager
// watches quote updates and submits a reduce-only market order the first
// time a trigger condition is met, using an at-most-once flag so a single
// position is never double-triggered by a burst of quote updates.
//
// Grounded on the teacher's strategy.Inventory (RWMutex-guarded per-market
// state, weighted running updates) generalized from PnL bookkeeping to
// trigger-price bookkeeping, and on strategy.FlowTracker's rolling-window
// eviction pattern for the trailing anchor's monotonic ratchet.
package stoploss

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zigquant/zigquant/internal/execution"
	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqtime"
)

// StopConfig describes the stop behavior for one position. A zero value
// for a percentage disables that mechanism.
type StopConfig struct {
	FixedPct      decimal.Decimal // exit if price moves this fraction against entry
	TrailingPct   decimal.Decimal // exit if price retraces this fraction from the best seen
	ActivationPct decimal.Decimal // trailing only arms after this much favorable move
}

// Trader is the subset of the ExecutionEngine needed to submit the
// closing order.
type Trader interface {
	Submit(ctx context.Context, req execution.OrderRequest) (string, error)
}

// Publisher is the subset of the MessageBus needed to announce triggers.
type Publisher interface {
	Publish(topic string, payload any)
}

type trackedStop struct {
	cfg        StopConfig
	entryPrice decimal.Decimal
	side       types.Side
	qty        decimal.Decimal

	bestPrice decimal.Decimal // best (most favorable) price seen since entry
	armed     bool            // trailing has activated
	triggered bool            // at-most-once latch
}

// Manager is the StopLossManager.
type Manager struct {
	trader Trader
	bus    Publisher
	logger *slog.Logger

	mu    sync.Mutex
	stops map[types.TradingPair]*trackedStop
}

// New constructs a Manager.
func New(trader Trader, bus Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = noopPublisher{}
	}
	return &Manager{
		trader: trader,
		bus:    bus,
		logger: logger.With("component", "stoploss"),
		stops:  make(map[types.TradingPair]*trackedStop),
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, any) {}

// Track registers (or replaces) a stop for pair, anchored to entryPrice.
func (m *Manager) Track(pair types.TradingPair, side types.Side, qty, entryPrice decimal.Decimal, cfg StopConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops[pair] = &trackedStop{
		cfg:        cfg,
		entryPrice: entryPrice,
		side:       side,
		qty:        qty,
		bestPrice:  entryPrice,
	}
}

// Untrack removes a pair's stop, typically once the position is closed.
func (m *Manager) Untrack(pair types.TradingPair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stops, pair)
}

// OnQuote evaluates a quote update against every tracked stop for its
// pair. Long and short positions mirror each other: a long's fixed stop
// triggers when price falls below entry*(1-pct); a short's triggers when
// price rises above entry*(1+pct). The trailing anchor ratchets in the
// favorable direction only, never retreating.
func (m *Manager) OnQuote(ctx context.Context, q types.Quote) {
	m.mu.Lock()
	stop, ok := m.stops[q.Pair]
	if !ok || stop.triggered {
		m.mu.Unlock()
		return
	}

	price := triggerPrice(stop.side, q)
	m.updateTrailingAnchorLocked(stop, price)
	fire, reason := m.evaluateLocked(stop, price)
	if fire {
		stop.triggered = true
	}
	snapshot := *stop
	m.mu.Unlock()

	if fire {
		m.trigger(ctx, q.Pair, snapshot, reason)
	}
}

// triggerPrice returns the side of the book a position actually exits at:
// a long closes by selling into the bid, a short closes by buying the ask.
// Using mid here would trigger a stop the position couldn't actually fill
// at, and would let the trailing anchor ratchet on a price nobody quoted.
func triggerPrice(side types.Side, q types.Quote) decimal.Decimal {
	if side == types.Buy {
		return q.Bid
	}
	return q.Ask
}

func (m *Manager) updateTrailingAnchorLocked(s *trackedStop, price decimal.Decimal) {
	if s.side == types.Buy {
		if price.GreaterThan(s.bestPrice) {
			s.bestPrice = price
		}
	} else {
		if s.bestPrice.IsZero() || price.LessThan(s.bestPrice) {
			s.bestPrice = price
		}
	}

	if !s.cfg.ActivationPct.IsZero() && !s.armed {
		moveFrac := favorableMoveFraction(s.side, s.entryPrice, s.bestPrice)
		if moveFrac.GreaterThanOrEqual(s.cfg.ActivationPct) {
			s.armed = true
		}
	} else if s.cfg.ActivationPct.IsZero() && !s.cfg.TrailingPct.IsZero() {
		s.armed = true
	}
}

func favorableMoveFraction(side types.Side, entry, price decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	diff := price.Sub(entry)
	if side == types.Sell {
		diff = diff.Neg()
	}
	frac, err := diff.Div(entry)
	if err != nil {
		return decimal.Zero
	}
	return frac
}

func (m *Manager) evaluateLocked(s *trackedStop, price decimal.Decimal) (bool, string) {
	if !s.cfg.FixedPct.IsZero() {
		adverse := favorableMoveFraction(s.side, s.entryPrice, price).Neg()
		if adverse.GreaterThanOrEqual(s.cfg.FixedPct) {
			return true, "fixed_stop"
		}
	}
	if s.armed && !s.cfg.TrailingPct.IsZero() {
		retrace := favorableMoveFraction(s.side, s.bestPrice, price).Neg()
		if retrace.GreaterThanOrEqual(s.cfg.TrailingPct) {
			return true, "trailing_stop"
		}
	}
	return false, ""
}

func (m *Manager) trigger(ctx context.Context, pair types.TradingPair, stop trackedStop, reason string) {
	m.logger.Warn("stop triggered", "pair", pair, "reason", reason, "entry", stop.entryPrice, "best", stop.bestPrice)

	req := execution.OrderRequest{
		Pair:       pair,
		Side:       stop.side.Opposite(),
		Type:       types.OrderTypeMarket,
		TIF:        types.TIFImmediateOrCancel,
		Qty:        stop.qty,
		ReduceOnly: true,
	}

	if _, err := m.trader.Submit(ctx, req); err != nil {
		m.logger.Error("stop-triggered close order failed", "pair", pair, "error", err)
	}

	m.bus.Publish("stoploss.triggered."+pair.String(), struct {
		Pair   types.TradingPair
		Reason string
		Ts     zqtime.Timestamp
	}{Pair: pair, Reason: reason, Ts: zqtime.Now()})
}

// Triggered reports whether pair's stop has already fired.
func (m *Manager) Triggered(pair types.TradingPair) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stops[pair]
	return ok && s.triggered
}
