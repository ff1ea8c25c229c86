package runtime

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zigquant/zigquant/internal/config"
	"github.com/zigquant/zigquant/internal/execution"
	"github.com/zigquant/zigquant/internal/money"
	"github.com/zigquant/zigquant/internal/stoploss"
	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqtime"
)

func runtimeTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testBus is a minimal synchronous Bus: handlers run inline on Publish so
// tests don't need to sleep waiting for a dispatch pool. A pattern matches
// a topic exactly, or by prefix when it ends in "*".
type testBus struct {
	mu   sync.Mutex
	subs map[string][]func(string, any)
}

func newTestBus() *testBus { return &testBus{subs: make(map[string][]func(string, any))} }

func (b *testBus) Publish(topic string, payload any) {
	b.mu.Lock()
	var handlers []func(string, any)
	for pattern, hs := range b.subs {
		prefix := pattern[:len(pattern)-1]
		if pattern == topic || (pattern[len(pattern)-1] == '*' && len(topic) >= len(prefix) && topic[:len(prefix)] == prefix) {
			handlers = append(handlers, hs...)
		}
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(topic, payload)
	}
}

func (b *testBus) Subscribe(pattern string, handler func(string, any)) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[pattern] = append(b.subs[pattern], handler)
	return pattern
}

// testConfig uses a throwaway signing key; Adapter construction parses it
// locally and never dials out.
func testConfig(t *testing.T, dir string) config.Config {
	t.Helper()
	return config.Config{
		DryRun: true,
		Mode:   "live",
		Wallet: config.WalletConfig{PrivateKey: "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"},
		Exchange: config.ExchangeConfig{
			RESTBaseURL: "https://api.hyperliquid.xyz",
			WSURL:       "wss://api.hyperliquid.xyz/ws",
			Pairs:       []string{"BTC-USD"},
		},
		Risk: config.RiskConfig{
			MaxPositionNotional: 100000,
			MaxGlobalExposure:   500000,
			MaxLeverage:         10,
		},
		Money: config.MoneyConfig{Method: "fixed_fraction", RiskPerTrade: 0.01, LotSize: 0.001},
		Recovery: config.RecoveryConfig{
			Enabled:        true,
			CheckpointDir:  dir,
			Interval:       time.Hour,
			RetentionCount: 5,
		},
	}
}

func TestNewWiresQuoteUpdatesIntoStopLossManager(t *testing.T) {
	t.Parallel()
	bus := newTestBus()
	cfg := testConfig(t, t.TempDir())
	e, err := New(cfg, bus, runtimeTestLogger())
	require.NoError(t, err)

	pair := types.NewTradingPair("BTC", "USD")
	require.NoError(t, e.cache.UpdatePosition(types.Position{
		Pair: pair, Side: types.Buy, Size: decimal.MustFromString("1"),
		EntryPrice: decimal.MustFromString("50000"), Leverage: decimal.MustFromString("1"),
	}))
	e.stopLoss.Track(pair, types.Buy, decimal.MustFromString("1"), decimal.MustFromString("50000"),
		stoploss.StopConfig{FixedPct: decimal.MustFromString("0.1")})

	require.NoError(t, e.cache.UpdateQuote(types.Quote{
		Pair: pair, Bid: decimal.MustFromString("44000"), Ask: decimal.MustFromString("44010"), Ts: zqtime.Now(),
	}))

	require.True(t, e.stopLoss.Triggered(pair))
}

func TestNewWiresBalanceUpdatesIntoRiskMetrics(t *testing.T) {
	t.Parallel()
	bus := newTestBus()
	cfg := testConfig(t, t.TempDir())
	e, err := New(cfg, bus, runtimeTestLogger())
	require.NoError(t, err)

	require.Equal(t, 0, e.metrics.Count())
	require.NoError(t, e.cache.UpdateBalance(types.Balance{
		Asset: "USDC", Total: decimal.MustFromString("1000"), Available: decimal.MustFromString("1000"),
	}))
	require.Equal(t, 1, e.metrics.Count())
}

func TestKillSwitchCommandsTripAndResetRiskEngine(t *testing.T) {
	t.Parallel()
	bus := newTestBus()
	cfg := testConfig(t, t.TempDir())
	e, err := New(cfg, bus, runtimeTestLogger())
	require.NoError(t, err)

	bus.Publish("system.kill_switch.activate", nil)
	require.True(t, e.riskEngine.IsKillSwitchActive())

	bus.Publish("system.kill_switch.reset", nil)
	require.False(t, e.riskEngine.IsKillSwitchActive())
}

func TestSizeUsesCachedBalanceAsEquity(t *testing.T) {
	t.Parallel()
	bus := newTestBus()
	cfg := testConfig(t, t.TempDir())
	e, err := New(cfg, bus, runtimeTestLogger())
	require.NoError(t, err)

	require.NoError(t, e.cache.UpdateBalance(types.Balance{
		Asset: "USDC", Total: decimal.MustFromString("10000"), Available: decimal.MustFromString("10000"),
	}))

	qty, err := e.Size("USDC", money.SizeRequest{
		Price:           decimal.MustFromString("50000"),
		StopDistancePct: decimal.MustFromString("0.02"),
	})
	require.NoError(t, err)
	require.True(t, qty.IsPositive())
}

func TestSizeFailsWithoutCachedBalance(t *testing.T) {
	t.Parallel()
	bus := newTestBus()
	cfg := testConfig(t, t.TempDir())
	e, err := New(cfg, bus, runtimeTestLogger())
	require.NoError(t, err)

	_, err = e.Size("USDC", money.SizeRequest{Price: decimal.MustFromString("50000")})
	require.Error(t, err)
}

func TestExecutionConfigFromAppliesOverridesAndDefaults(t *testing.T) {
	t.Parallel()
	out := executionConfigFrom(config.ExecutionConfig{MaxOpenOrders: 5})
	require.Equal(t, execution.DefaultConfig().MaxRetries, out.MaxRetries)
	require.Equal(t, execution.DefaultConfig().BaseBackoff, out.BaseBackoff)
	require.Equal(t, 5, out.MaxOpenOrders)
}

func TestStartRunsRecoveryAndStopsCleanlyOnContextCancel(t *testing.T) {
	t.Parallel()
	bus := newTestBus()
	cfg := testConfig(t, t.TempDir())
	e, err := New(cfg, bus, runtimeTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = e.Start(ctx)
	require.NoError(t, err)

	entries, err := os.ReadDir(cfg.Recovery.CheckpointDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries, "expected a final checkpoint on shutdown")
}
