package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zigquant/zigquant/internal/config"
	"github.com/zigquant/zigquant/internal/execution"
	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
)

type fakeCacheReader struct {
	positions map[types.TradingPair]types.Position
	balances  map[string]types.Balance
	quotes    map[types.TradingPair]types.Quote
}

func newFakeCacheReader() *fakeCacheReader {
	return &fakeCacheReader{
		positions: make(map[types.TradingPair]types.Position),
		balances:  make(map[string]types.Balance),
		quotes:    make(map[types.TradingPair]types.Quote),
	}
}

func (f *fakeCacheReader) GetPosition(pair types.TradingPair) (types.Position, bool) {
	p, ok := f.positions[pair]
	return p, ok
}
func (f *fakeCacheReader) GetBalance(asset string) (types.Balance, bool) {
	b, ok := f.balances[asset]
	return b, ok
}
func (f *fakeCacheReader) GetQuote(pair types.TradingPair) (types.Quote, bool) {
	q, ok := f.quotes[pair]
	return q, ok
}
func (f *fakeCacheReader) IterPositions() []types.Position {
	out := make([]types.Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, p)
	}
	return out
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionNotional:   10000,
		MaxGlobalExposure:     50000,
		MaxLeverage:           10,
		MaxOrdersPerSecond:    100,
		MaxDailyLossPct:       0.05,
		KillSwitchDrawdownPct: 0.10,
		CooldownAfterKill:     time.Minute,
	}
}

func sampleReq() execution.OrderRequest {
	price := decimal.MustFromString("100")
	return execution.OrderRequest{
		Pair:  types.NewTradingPair("BTC", "USDC"),
		Side:  types.Buy,
		Type:  types.OrderTypeLimit,
		TIF:   types.TIFGoodTilCancel,
		Qty:   decimal.MustFromString("1"),
		Price: &price,
	}
}

func TestCheckPassesUnderAllLimits(t *testing.T) {
	t.Parallel()
	cache := newFakeCacheReader()
	cache.balances["USDC"] = types.Balance{Asset: "USDC", Total: decimal.MustFromString("1000000"), Available: decimal.MustFromString("1000000")}

	e := New(testRiskConfig(), cache, nil)
	require.NoError(t, e.Check(context.Background(), sampleReq()))
}

func TestCheckRejectsWhenKillSwitchActive(t *testing.T) {
	t.Parallel()
	cache := newFakeCacheReader()
	e := New(testRiskConfig(), cache, nil)
	e.Trip("manual test trip")

	err := e.Check(context.Background(), sampleReq())
	require.Error(t, err)
}

func TestKillSwitchClearsAfterCooldown(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.CooldownAfterKill = time.Millisecond
	cache := newFakeCacheReader()
	e := New(cfg, cache, nil)
	e.Trip("brief trip")

	require.Eventually(t, func() bool { return !e.IsKillSwitchActive() }, time.Second, 2*time.Millisecond)
}

func TestCheckRejectsPositionNotionalBreach(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.MaxPositionNotional = 50
	cache := newFakeCacheReader()
	cache.balances["USDC"] = types.Balance{Asset: "USDC", Total: decimal.MustFromString("1000000"), Available: decimal.MustFromString("1000000")}

	e := New(cfg, cache, nil)
	err := e.Check(context.Background(), sampleReq())
	require.Error(t, err)

	hist := e.RejectionHistogram()
	require.Equal(t, uint64(1), hist[CodePositionLimit])
}

func TestCheckRejectsInsufficientBalance(t *testing.T) {
	t.Parallel()
	cache := newFakeCacheReader()
	cache.balances["USDC"] = types.Balance{Asset: "USDC", Total: decimal.MustFromString("10"), Available: decimal.MustFromString("10")}

	e := New(testRiskConfig(), cache, nil)
	err := e.Check(context.Background(), sampleReq())
	require.Error(t, err)
}

func TestCheckRejectsReduceOnlyWithNoPosition(t *testing.T) {
	t.Parallel()
	cache := newFakeCacheReader()
	cache.balances["USDC"] = types.Balance{Asset: "USDC", Total: decimal.MustFromString("1000000"), Available: decimal.MustFromString("1000000")}

	e := New(testRiskConfig(), cache, nil)
	req := sampleReq()
	req.ReduceOnly = true
	err := e.Check(context.Background(), req)
	require.Error(t, err)
}

func TestCheckAllowsReduceOnlyClosingExistingPosition(t *testing.T) {
	t.Parallel()
	cache := newFakeCacheReader()
	pair := types.NewTradingPair("BTC", "USDC")
	cache.positions[pair] = types.Position{Pair: pair, Side: types.Buy, Size: decimal.MustFromString("2"), EntryPrice: decimal.MustFromString("100")}
	cache.balances["USDC"] = types.Balance{Asset: "USDC", Total: decimal.MustFromString("1000000"), Available: decimal.MustFromString("1000000")}

	e := New(testRiskConfig(), cache, nil)
	req := sampleReq()
	req.Side = types.Sell
	req.ReduceOnly = true
	require.NoError(t, e.Check(context.Background(), req))
}

func TestCheckRejectsDailyLossExceeded(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.MaxDailyLoss = 1000
	cfg.KillSwitchDrawdownPct = 0 // isolate the rejection path from the kill switch
	cache := newFakeCacheReader()
	cache.balances["USDC"] = types.Balance{Asset: "USDC", Total: decimal.MustFromString("1000000"), Available: decimal.MustFromString("1000000")}

	e := New(cfg, cache, nil)
	e.RecordRealizedPnL(decimal.MustFromString("-1100"))

	err := e.Check(context.Background(), sampleReq())
	require.Error(t, err)

	hist := e.RejectionHistogram()
	require.Equal(t, uint64(1), hist[CodeDailyLossExceeded])
	require.False(t, e.IsKillSwitchActive())
}

func TestCheckTripsKillSwitchOnDrawdownBreach(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.MaxDailyLoss = 0
	cfg.MaxDailyLossPct = 0
	cfg.KillSwitchDrawdownPct = 0.10
	cache := newFakeCacheReader()
	cache.balances["USDC"] = types.Balance{Asset: "USDC", Total: decimal.MustFromString("10000"), Available: decimal.MustFromString("10000")}

	e := New(cfg, cache, nil)
	e.RecordRealizedPnL(decimal.MustFromString("-2000")) // 20% drawdown, above the 10% threshold

	err := e.Check(context.Background(), sampleReq())
	require.Error(t, err)
	require.True(t, e.IsKillSwitchActive())

	// Kill switch now short-circuits everything else, including a
	// follow-up order that would otherwise pass every other check.
	err = e.Check(context.Background(), sampleReq())
	require.Error(t, err)
}

func TestDailyLossAccumulatorResetsOnNewDay(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.MaxDailyLoss = 1000
	cfg.KillSwitchDrawdownPct = 0
	cache := newFakeCacheReader()
	cache.balances["USDC"] = types.Balance{Asset: "USDC", Total: decimal.MustFromString("1000000"), Available: decimal.MustFromString("1000000")}

	e := New(cfg, cache, nil)
	e.RecordRealizedPnL(decimal.MustFromString("-1100"))
	e.dailyPnLDate = "2000-01-01" // simulate the accumulator belonging to a prior day

	require.NoError(t, e.Check(context.Background(), sampleReq()))
}

func TestRejectionHistogramAccumulates(t *testing.T) {
	t.Parallel()
	cache := newFakeCacheReader()
	e := New(testRiskConfig(), cache, nil)
	e.Trip("test")

	for i := 0; i < 3; i++ {
		_ = e.Check(context.Background(), sampleReq())
	}

	hist := e.RejectionHistogram()
	require.Equal(t, uint64(3), hist[CodeKillSwitch])
}
