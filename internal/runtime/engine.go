// Package runtime composes MessageBus, Cache, DataEngine, ExecutionEngine,
// RiskEngine, StopLossManager, MoneyManager, RiskMetrics, RecoveryManager,
// and an ExchangeAdapter into a single running process, and drives the
// tick-coalescing Clock for deployments that need one.
//
// Grounded on the teacher's internal/engine.Engine: New() wires every
// collaborator up front, Start() launches one goroutine per background
// loop, and Stop() cancels a shared context, sweeps a cancel-all safety
// net, and waits for everything to unwind. The goroutine bookkeeping
// itself is generalized from the teacher's hand-rolled sync.WaitGroup to
// golang.org/x/sync/errgroup, which is already an indirect dependency of
// the pack and turns "first goroutine to fail stops the group" into a
// one-line Go call instead of a second WaitGroup plus error channel.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zigquant/zigquant/internal/cache"
	"github.com/zigquant/zigquant/internal/config"
	"github.com/zigquant/zigquant/internal/dataengine"
	"github.com/zigquant/zigquant/internal/exchange"
	"github.com/zigquant/zigquant/internal/execution"
	"github.com/zigquant/zigquant/internal/money"
	"github.com/zigquant/zigquant/internal/recovery"
	"github.com/zigquant/zigquant/internal/risk"
	"github.com/zigquant/zigquant/internal/riskmetrics"
	"github.com/zigquant/zigquant/internal/stoploss"
	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqerrors"
)

// Bus is the subset of *bus.Bus the engine needs for wiring. Declared
// locally, as every other collaborator package does, so runtime can be
// exercised in tests without the real dispatch pool.
type Bus interface {
	Publish(topic string, payload any)
	Subscribe(pattern string, handler func(topic string, payload any)) string
}

// shutdownGrace bounds how long Stop waits for in-flight bus handlers and
// background loops to drain before returning anyway.
const shutdownGrace = 5 * time.Second

// LiveTradingEngine owns the lifecycle of every core component (§4.11):
// connect providers, start execution and risk, optionally recover state,
// then dispatch — either by reacting to MessageBus events alone, or, when
// configured with a positive tick interval, by also running a Clock for
// tick-driven strategies such as market makers.
type LiveTradingEngine struct {
	cfg    config.Config
	logger *slog.Logger

	bus        Bus
	cache      *cache.Cache
	dataEngine *dataengine.DataEngine
	execEngine *execution.Engine
	riskEngine *risk.Engine
	stopLoss   *stoploss.Manager
	money      *money.Manager
	metrics    *riskmetrics.Tracker
	recovery   *recovery.Manager
	adapter    *exchange.Adapter
	clock      *Clock

	tickInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires every collaborator. adapter is registered with the
// DataEngine as the sole DataProvider and with the ExecutionEngine as the
// sole ExecutionClient; zigQuant assumes a single active exchange (§1
// Non-goals).
func New(cfg config.Config, bus Bus, logger *slog.Logger) (*LiveTradingEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runtime")

	c := cache.New(cache.DefaultConfig(), bus, logger)

	adapter, err := exchange.New(cfg.Exchange, cfg.DryRun, cfg.Wallet, bus, logger)
	if err != nil {
		return nil, fmt.Errorf("construct exchange adapter: %w", err)
	}

	de := dataengine.New(dataengine.DefaultConfig(), c, bus, logger)
	de.RegisterProvider(adapter)

	riskEngine := risk.New(cfg.Risk, c, logger)
	execEngine := execution.New(executionConfigFrom(cfg.Execution), c, riskEngine, adapter, bus, logger)
	stopLossMgr := stoploss.New(execEngine, bus, logger)
	moneyMgr := money.New(cfg.Money)
	metrics := riskmetrics.New(30*24*time.Hour, 0, 365)

	recoveryMgr := recovery.New(cfg.Recovery, c, adapter, riskEngine, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &LiveTradingEngine{
		cfg:        cfg,
		logger:     logger,
		bus:        bus,
		cache:      c,
		dataEngine: de,
		execEngine: execEngine,
		riskEngine: riskEngine,
		stopLoss:   stopLossMgr,
		money:      moneyMgr,
		metrics:    metrics,
		recovery:   recoveryMgr,
		adapter:    adapter,
		ctx:        ctx,
		cancel:     cancel,
	}

	if cfg.Mode == "live" {
		e.tickInterval = DefaultTickInterval
	}

	e.subscribeDerivedFeeds()

	for _, p := range cfg.Exchange.Pairs {
		pair, err := types.ParseTradingPair(p)
		if err != nil {
			return nil, fmt.Errorf("exchange.pairs: %w", err)
		}
		de.Subscribe(pair, types.Timeframe1m)
	}

	return e, nil
}

func executionConfigFrom(cfg config.ExecutionConfig) execution.Config {
	out := execution.DefaultConfig()
	if cfg.MaxRetries > 0 {
		out.MaxRetries = cfg.MaxRetries
	}
	if cfg.BaseBackoff > 0 {
		out.BaseBackoff = cfg.BaseBackoff
	}
	out.MaxOpenOrders = cfg.MaxOpenOrders
	out.MaxOpenOrdersPerPair = cfg.MaxOpenOrdersPerPair
	return out
}

// subscribeDerivedFeeds wires the quote stream into StopLossManager and
// the balance stream into RiskMetrics, so both react off the same Cache
// change-notification events every other component uses (§4.7, §4.9)
// instead of being handed the Cache directly.
func (e *LiveTradingEngine) subscribeDerivedFeeds() {
	e.bus.Subscribe("cache.quotes.*", func(_ string, payload any) {
		ev, ok := payload.(cache.ChangeEvent[types.Quote])
		if !ok {
			return
		}
		e.stopLoss.OnQuote(e.ctx, ev.Current)
	})

	e.bus.Subscribe("cache.balances.*", func(_ string, payload any) {
		ev, ok := payload.(cache.ChangeEvent[types.Balance])
		if !ok {
			return
		}
		e.metrics.Record(riskmetrics.Mark{Equity: ev.Current.Total, Ts: time.Now()})
	})

	e.bus.Subscribe("system.kill_switch.activate", func(_ string, _ any) {
		e.riskEngine.Trip("system.kill_switch.activate command")
	})
	e.bus.Subscribe("system.kill_switch.reset", func(_ string, _ any) {
		e.riskEngine.Reset()
	})
}

// Start connects providers, starts the execution/risk collaborators,
// runs recovery if enabled, and begins dispatching (§4.11 Lifecycle).
// It returns once every background loop has exited or ctx is canceled.
func (e *LiveTradingEngine) Start(ctx context.Context) error {
	if e.cfg.Recovery.Enabled {
		if err := e.recovery.Recover(ctx); err != nil && err != recovery.ErrNoCheckpoint {
			return zqerrors.System("recovery_failed", "recovery failed", err)
		}
	}

	if err := e.dataEngine.Start(e.ctx); err != nil {
		return fmt.Errorf("start data engine: %w", err)
	}

	group, gctx := errgroup.WithContext(e.ctx)

	if e.cfg.Recovery.Enabled {
		group.Go(func() error {
			e.recovery.Run(gctx)
			return nil
		})
	}

	if e.tickInterval > 0 {
		e.clock = NewClock(e.tickInterval, e.bus, e.logger)
		group.Go(func() error {
			e.clock.Run(gctx)
			return nil
		})
	}

	e.logger.Info("live trading engine started",
		"mode", e.cfg.Mode, "tick_driven", e.tickInterval > 0, "pairs", e.cfg.Exchange.Pairs)

	<-ctx.Done()
	return e.stop(group)
}

// stop implements the documented shutdown sequence: cancel open orders
// (configurable, modeled here as always-on since zigQuant has no
// "leave resting orders on exit" mode), disconnect providers, flush a
// final checkpoint, and drain handlers with a bounded timeout.
func (e *LiveTradingEngine) stop(group *errgroup.Group) error {
	e.logger.Info("shutting down")
	e.cancel()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelCancel()
	if _, failed := e.execEngine.CancelAll(cancelCtx, execution.CancelFilter{}); failed > 0 {
		e.logger.Warn("some orders failed to cancel on shutdown", "failed", failed)
	}

	e.dataEngine.Stop()

	if e.cfg.Recovery.Enabled {
		if err := e.recovery.Checkpoint(); err != nil {
			e.logger.Error("final checkpoint failed", "error", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		e.logger.Info("shutdown complete")
		return err
	case <-time.After(shutdownGrace):
		e.logger.Warn("shutdown grace period exceeded, returning anyway")
		return nil
	}
}

// Size delegates to the MoneyManager using current equity drawn from the
// given balance asset. It is a thin convenience wrapper: strategies may
// also call money.Manager directly if they already track equity.
func (e *LiveTradingEngine) Size(asset string, req money.SizeRequest) (decimal.Decimal, error) {
	bal, ok := e.cache.GetBalance(asset)
	if !ok {
		return decimal.Zero, fmt.Errorf("no balance recorded for asset %s", asset)
	}
	req.Equity = bal.Total
	return e.money.Size(req)
}

// Cache exposes the shared Cache for strategy read access.
func (e *LiveTradingEngine) Cache() *cache.Cache { return e.cache }

// Execution exposes the ExecutionEngine for strategy order submission.
func (e *LiveTradingEngine) Execution() *execution.Engine { return e.execEngine }

// Metrics exposes the RiskMetrics tracker for status reporting.
func (e *LiveTradingEngine) Metrics() *riskmetrics.Tracker { return e.metrics }

// SetDispatchMode chooses between the two scheduling models of §4.11:
// "tick" runs a Clock publishing system.tick at DefaultTickInterval,
// "event" disables it so strategies react to MessageBus events alone.
// Must be called before Start. Any other value is ignored, leaving
// whatever New derived from cfg.Mode in place.
func (e *LiveTradingEngine) SetDispatchMode(mode string) {
	switch mode {
	case "tick":
		if e.tickInterval <= 0 {
			e.tickInterval = DefaultTickInterval
		}
	case "event":
		e.tickInterval = 0
	}
}
