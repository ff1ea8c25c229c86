package dataengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqerrors"
)

// CacheWriter is the subset of internal/cache.Cache the engine needs.
// Declared locally to avoid a hard dependency cycle and to keep this
// package testable with a fake.
type CacheWriter interface {
	UpdateQuote(types.Quote) error
	UpdateCandle(types.Candle) error
}

// Publisher is the subset of the MessageBus the engine needs.
type Publisher interface {
	Publish(topic string, payload any)
}

// Config controls DataEngine behavior.
type Config struct {
	// QuoteQueueCapacity bounds the number of distinct pairs with an
	// undelivered quote per provider. Default 4096.
	QuoteQueueCapacity int
	// CandleTradeChannelCapacity is carried in the config (default 4096)
	// but not read by the engine: candles and trades are handled inline on
	// each provider's read loop, with no separate channel, and are never
	// dropped.
	CandleTradeChannelCapacity int
	// ReconnectBackoffMin/Max bound the exponential reconnect delay.
	// Defaults 100ms / 30s.
	ReconnectBackoffMin time.Duration
	ReconnectBackoffMax time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		QuoteQueueCapacity:         4096,
		CandleTradeChannelCapacity: 4096,
		ReconnectBackoffMin:        100 * time.Millisecond,
		ReconnectBackoffMax:        30 * time.Second,
	}
}

type subscriptionReq struct {
	pair types.TradingPair
	tf   types.Timeframe
}

type providerState struct {
	provider DataProvider
	name     string

	quotes     *quoteQueue
	quoteWake  chan struct{}

	degraded atomic.Bool

	droppedInvalid atomic.Uint64
}

// DataEngine drives registered DataProvider adapters and feeds validated
// market data into the Cache.
type DataEngine struct {
	logger *slog.Logger
	cache  CacheWriter
	bus    Publisher
	cfg    Config

	mu          sync.Mutex
	providers   []*providerState
	subs        []subscriptionReq
	lastTs      map[subscriptionReq]int64 // monotonic-timestamp validation per (pair,tf)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started bool
}

// New constructs a DataEngine. cache/bus may be fakes in tests.
func New(cfg Config, cache CacheWriter, bus Publisher, logger *slog.Logger) *DataEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = noopPublisher{}
	}
	return &DataEngine{
		logger: logger.With("component", "dataengine"),
		cache:  cache,
		bus:    bus,
		cfg:    cfg,
		lastTs: make(map[subscriptionReq]int64),
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, any) {}

// RegisterProvider installs an adapter and queries its capabilities.
func (e *DataEngine) RegisterProvider(provider DataProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers = append(e.providers, &providerState{
		provider:  provider,
		name:      provider.Name(),
		quotes:    newQuoteQueue(e.cfg.QuoteQueueCapacity),
		quoteWake: make(chan struct{}, 1),
	})
	e.logger.Info("provider registered", "provider", provider.Name(), "capabilities", provider.Capabilities())
}

// Subscribe requests a stream for (pair, timeframe). May be called before
// Start; subscriptions are replayed to every provider on (re)connection.
func (e *DataEngine) Subscribe(pair types.TradingPair, tf types.Timeframe) {
	e.mu.Lock()
	e.subs = append(e.subs, subscriptionReq{pair: pair, tf: tf})
	providers := append([]*providerState(nil), e.providers...)
	e.mu.Unlock()

	for _, ps := range providers {
		if ps.provider.IsConnected() {
			if err := ps.provider.Subscribe(pair, tf); err != nil {
				e.logger.Warn("subscribe failed", "provider", ps.name, "pair", pair, "error", err)
			}
		}
	}
}

// Start connects every registered provider and begins ingestion.
func (e *DataEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return zqerrors.New(zqerrors.KindSystem, "already_started", "data engine already started")
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	providers := append([]*providerState(nil), e.providers...)
	e.mu.Unlock()

	for _, ps := range providers {
		ps := ps
		e.wg.Add(1)
		go e.runProvider(ps)
		e.wg.Add(1)
		go e.runQuoteWorker(ps)
	}
	return nil
}

// runQuoteWorker drains ps.quotes and applies validated quotes to the
// cache, decoupled from the raw ingestion loop so a slow consumer causes
// the quote queue to apply its drop-oldest policy instead of blocking the
// provider's read loop (candles/trades, by contrast, are handled inline
// in consume and are never dropped).
func (e *DataEngine) runQuoteWorker(ps *providerState) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ps.quoteWake:
		}
		for {
			q, ok := ps.quotes.pop()
			if !ok {
				break
			}
			e.applyQuote(ps, q)
		}
	}
}

func (e *DataEngine) wakeQuoteWorker(ps *providerState) {
	select {
	case ps.quoteWake <- struct{}{}:
	default:
	}
}

// Stop signals every provider loop to exit and waits for them to finish.
func (e *DataEngine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()

	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
}

func (e *DataEngine) runProvider(ps *providerState) {
	defer e.wg.Done()

	backoff := e.cfg.ReconnectBackoffMin
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		if err := ps.provider.Connect(e.ctx); err != nil {
			e.markDegraded(ps, err)
			if !e.sleepBackoff(&backoff) {
				return
			}
			continue
		}
		backoff = e.cfg.ReconnectBackoffMin
		ps.degraded.Store(false)
		e.replaySubscriptions(ps)

		e.consume(ps)

		select {
		case <-e.ctx.Done():
			_ = ps.provider.Disconnect(context.Background())
			return
		default:
		}
		e.markDegraded(ps, fmt.Errorf("event stream closed"))
		if !e.sleepBackoff(&backoff) {
			return
		}
	}
}

func (e *DataEngine) replaySubscriptions(ps *providerState) {
	e.mu.Lock()
	subs := append([]subscriptionReq(nil), e.subs...)
	e.mu.Unlock()
	for _, s := range subs {
		if err := ps.provider.Subscribe(s.pair, s.tf); err != nil {
			e.logger.Warn("resubscribe failed", "provider", ps.name, "pair", s.pair, "error", err)
		}
	}
}

func (e *DataEngine) markDegraded(ps *providerState, cause error) {
	if ps.degraded.CompareAndSwap(false, true) {
		e.logger.Warn("provider degraded", "provider", ps.name, "error", cause)
		e.bus.Publish("system.provider."+ps.name+".down", cause.Error())
	}
}

// sleepBackoff sleeps for the current backoff, doubling it up to the
// configured max, and reports whether the caller should continue
// (false means shutdown was requested during the sleep).
func (e *DataEngine) sleepBackoff(backoff *time.Duration) bool {
	select {
	case <-time.After(*backoff):
	case <-e.ctx.Done():
		return false
	}
	*backoff *= 2
	if *backoff > e.cfg.ReconnectBackoffMax {
		*backoff = e.cfg.ReconnectBackoffMax
	}
	return true
}

func (e *DataEngine) consume(ps *providerState) {
	events := ps.provider.Events()
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			e.handle(ps, evt)
		}
	}
}

func (e *DataEngine) handle(ps *providerState, evt MarketEvent) {
	switch {
	case evt.Quote != nil:
		if dropped := ps.quotes.push(*evt.Quote); dropped {
			e.logger.Warn("quote queue full or superseded, dropped oldest", "provider", ps.name, "pair", evt.Quote.Pair, "gaps", ps.quotes.gapCount())
		}
		e.wakeQuoteWorker(ps)
	case evt.Candle != nil:
		e.handleCandle(ps, *evt.Candle)
	case evt.Trade != nil:
		e.handleTrade(ps, *evt.Trade)
	}
}

func (e *DataEngine) applyQuote(ps *providerState, q types.Quote) {
	if err := q.Validate(); err != nil {
		ps.droppedInvalid.Add(1)
		e.logger.Warn("dropped invalid quote", "provider", ps.name, "pair", q.Pair, "error", err)
		return
	}
	if !e.checkMonotonic(q.Pair, "", q.Ts.WallNanos) {
		ps.droppedInvalid.Add(1)
		e.logger.Warn("dropped out-of-order quote", "provider", ps.name, "pair", q.Pair)
		return
	}
	if err := e.cache.UpdateQuote(q); err != nil {
		e.logger.Warn("cache rejected quote", "provider", ps.name, "pair", q.Pair, "error", err)
		return
	}
	e.bus.Publish("market_data.quote."+q.Pair.String(), q)
}

func (e *DataEngine) handleCandle(ps *providerState, c types.Candle) {
	if err := c.Validate(); err != nil {
		ps.droppedInvalid.Add(1)
		e.logger.Warn("dropped invalid candle", "provider", ps.name, "pair", c.Pair, "error", err)
		return
	}
	if !e.checkMonotonic(c.Pair, string(c.TF), c.OpenTs.WallNanos) {
		ps.droppedInvalid.Add(1)
		e.logger.Warn("dropped out-of-order candle", "provider", ps.name, "pair", c.Pair, "tf", c.TF)
		return
	}
	if err := e.cache.UpdateCandle(c); err != nil {
		e.logger.Warn("cache rejected candle", "provider", ps.name, "pair", c.Pair, "error", err)
		return
	}
	e.bus.Publish(fmt.Sprintf("market_data.candle.%s.%s", c.Pair, c.TF), c)
}

func (e *DataEngine) handleTrade(ps *providerState, tr types.Trade) {
	e.bus.Publish("market_data.trade."+tr.Pair.String(), tr)
}

// checkMonotonic enforces non-decreasing timestamps per (pair, timeframe
// discriminator); tf is empty for quotes.
func (e *DataEngine) checkMonotonic(pair types.TradingPair, tf string, wallNanos int64) bool {
	key := subscriptionReq{pair: pair, tf: types.Timeframe(tf)}
	e.mu.Lock()
	defer e.mu.Unlock()
	last, seen := e.lastTs[key]
	if seen && wallNanos < last {
		return false
	}
	e.lastTs[key] = wallNanos
	return true
}

// Degraded reports whether the named provider is currently marked
// degraded (disconnected and retrying).
func (e *DataEngine) Degraded(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ps := range e.providers {
		if ps.name == name {
			return ps.degraded.Load()
		}
	}
	return false
}
