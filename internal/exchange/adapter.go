package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zigquant/zigquant/internal/config"
	"github.com/zigquant/zigquant/internal/dataengine"
	"github.com/zigquant/zigquant/internal/execution"
	"github.com/zigquant/zigquant/pkg/types"
)

// Adapter is the Hyperliquid ExchangeAdapter: it composes the REST Client
// (execution.ExecutionClient) and the WSFeed (market data) behind the
// dataengine.DataProvider interface, so DataEngine and ExecutionEngine
// each depend only on their narrow interface, never on this concrete
// type, per the capability-passing guidance the teacher's engine.Engine
// already follows for its own adapters.
type Adapter struct {
	cfg     config.ExchangeConfig
	client  *Client
	feed    *WSFeed
	symbols *SymbolMapper
	logger  *slog.Logger

	connected atomic.Bool
	cancelRun context.CancelFunc

	mu   sync.Mutex
	pairs map[types.TradingPair]bool
}

// New constructs a Hyperliquid Adapter. bus receives AdapterOrderUpdate
// events published under "order.update.<clientOrderID>" as the user
// channel streams them.
func New(cfg config.ExchangeConfig, dryRun bool, wallet config.WalletConfig, bus execution.Publisher, logger *slog.Logger) (*Adapter, error) {
	auth, err := NewAuth(wallet)
	if err != nil {
		return nil, err
	}
	symbols := NewSymbolMapper()
	client := NewClient(cfg, dryRun, auth, symbols, logger)

	address := ""
	if !wallet.AgentOnly {
		address = auth.Address().Hex()
	}
	feed := NewWSFeed(cfg.WSURL, symbols, address, bus, logger)

	return &Adapter{
		cfg:     cfg,
		client:  client,
		feed:    feed,
		symbols: symbols,
		logger:  logger.With("component", "exchange_adapter"),
		pairs:   make(map[types.TradingPair]bool),
	}, nil
}

// Name implements dataengine.DataProvider.
func (a *Adapter) Name() string { return "hyperliquid" }

// Capabilities implements dataengine.DataProvider.
func (a *Adapter) Capabilities() dataengine.Capabilities {
	pairs := make([]types.TradingPair, 0, len(a.cfg.Pairs))
	for _, p := range a.cfg.Pairs {
		if pair, err := types.ParseTradingPair(p); err == nil {
			pairs = append(pairs, pair)
		}
	}
	return dataengine.Capabilities{
		Pairs:      pairs,
		Timeframes: []types.Timeframe{types.Timeframe1m, types.Timeframe5m, types.Timeframe15m, types.Timeframe1h},
		Streams:    true,
	}
}

// Connect fetches the asset universe, loads the SymbolMapper, and starts
// the WebSocket feed's reconnect loop in the background.
func (a *Adapter) Connect(ctx context.Context) error {
	coins, err := a.client.FetchUniverse(ctx)
	if err != nil {
		return fmt.Errorf("exchange: fetch universe: %w", err)
	}
	a.symbols.LoadUniverse(coins)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancelRun = cancel
	go func() {
		if err := a.feed.Run(runCtx); err != nil && runCtx.Err() == nil {
			a.logger.Error("websocket feed exited", "error", err)
		}
	}()

	a.connected.Store(true)
	return nil
}

// Disconnect stops the feed and closes the connection.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if a.cancelRun != nil {
		a.cancelRun()
	}
	a.connected.Store(false)
	return a.feed.Close()
}

// IsConnected implements dataengine.DataProvider.
func (a *Adapter) IsConnected() bool { return a.connected.Load() }

// Subscribe subscribes to a pair's market data. tf is accepted for
// interface compatibility; Hyperliquid's l2Book/trades channels are not
// timeframe-scoped, and this adapter emits quotes and trades only, never
// candles.
func (a *Adapter) Subscribe(pair types.TradingPair, tf types.Timeframe) error {
	coin, err := a.symbols.ToCoin(pair)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.pairs[pair] = true
	a.mu.Unlock()
	return a.feed.Subscribe(coin)
}

// Unsubscribe removes a pair's subscription.
func (a *Adapter) Unsubscribe(pair types.TradingPair, tf types.Timeframe) error {
	coin, err := a.symbols.ToCoin(pair)
	if err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.pairs, pair)
	a.mu.Unlock()
	return a.feed.Unsubscribe(coin)
}

// Events implements dataengine.DataProvider.
func (a *Adapter) Events() <-chan dataengine.MarketEvent { return a.feed.Events() }

// Submit implements execution.ExecutionClient by delegating to the REST client.
func (a *Adapter) Submit(ctx context.Context, order *types.Order) (string, error) {
	return a.client.Submit(ctx, order)
}

// Cancel implements execution.ExecutionClient.
func (a *Adapter) Cancel(ctx context.Context, order *types.Order) error {
	return a.client.Cancel(ctx, order)
}

// Modify implements execution.ExecutionClient.
func (a *Adapter) Modify(ctx context.Context, order *types.Order, changes execution.OrderChanges) error {
	return a.client.Modify(ctx, order, changes)
}

// FetchOpenOrders implements execution.ExecutionClient.
func (a *Adapter) FetchOpenOrders(ctx context.Context) ([]types.Order, error) {
	return a.client.FetchOpenOrders(ctx)
}

// FetchPositions implements execution.ExecutionClient.
func (a *Adapter) FetchPositions(ctx context.Context) ([]types.Position, error) {
	return a.client.FetchPositions(ctx)
}

// FetchBalance implements execution.ExecutionClient.
func (a *Adapter) FetchBalance(ctx context.Context) ([]types.Balance, error) {
	return a.client.FetchBalance(ctx)
}

// SetLeverage delegates to the REST client (see DESIGN.md open question 2).
func (a *Adapter) SetLeverage(ctx context.Context, pair types.TradingPair, leverage int, cross bool) error {
	return a.client.SetLeverage(ctx, pair, leverage, cross)
}
