package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqtime"
)

func tsAt(base time.Time, offset time.Duration) zqtime.Timestamp {
	return zqtime.FromTime(base.Add(offset))
}

func TestMatchRoundTripsPairsBuyThenSellFIFO(t *testing.T) {
	t.Parallel()
	base := time.Now()
	fills := []Fill{
		{Pair: btPair(), Side: types.Buy, Qty: decimal.MustFromString("1"), Price: decimal.MustFromString("100"), Fee: decimal.MustFromString("0.1"), Ts: tsAt(base, 0)},
		{Pair: btPair(), Side: types.Sell, Qty: decimal.MustFromString("1"), Price: decimal.MustFromString("110"), Fee: decimal.MustFromString("0.1"), Ts: tsAt(base, time.Hour)},
	}
	trips := matchRoundTrips(fills)
	require.Len(t, trips, 1)
	require.True(t, trips[0].pnl.IsPositive())
	require.Equal(t, time.Hour, trips[0].duration)
}

func TestMatchRoundTripsHandlesPartialFills(t *testing.T) {
	t.Parallel()
	base := time.Now()
	fills := []Fill{
		{Pair: btPair(), Side: types.Buy, Qty: decimal.MustFromString("2"), Price: decimal.MustFromString("100"), Fee: decimal.Zero, Ts: tsAt(base, 0)},
		{Pair: btPair(), Side: types.Sell, Qty: decimal.MustFromString("1"), Price: decimal.MustFromString("105"), Fee: decimal.Zero, Ts: tsAt(base, time.Minute)},
		{Pair: btPair(), Side: types.Sell, Qty: decimal.MustFromString("1"), Price: decimal.MustFromString("95"), Fee: decimal.Zero, Ts: tsAt(base, 2 * time.Minute)},
	}
	trips := matchRoundTrips(fills)
	require.Len(t, trips, 2)
	require.True(t, trips[0].pnl.IsPositive()) // sold the first unit at a profit
	require.True(t, trips[1].pnl.IsNegative()) // sold the second unit at a loss
}

func TestAnalyzeComputesReturnAndTradeStats(t *testing.T) {
	t.Parallel()
	base := time.Now()
	result := &Result{
		EquityCurve: []EquityPoint{
			{Ts: tsAt(base, 0), Equity: decimal.MustFromString("1000")},
			{Ts: tsAt(base, 24 * time.Hour), Equity: decimal.MustFromString("1100")},
		},
		Trades: []Fill{
			{Pair: btPair(), Side: types.Buy, Qty: decimal.MustFromString("1"), Price: decimal.MustFromString("100"), Fee: decimal.MustFromString("1"), Ts: tsAt(base, 0)},
			{Pair: btPair(), Side: types.Sell, Qty: decimal.MustFromString("1"), Price: decimal.MustFromString("200"), Fee: decimal.MustFromString("1"), Ts: tsAt(base, time.Hour)},
		},
	}

	analyzer := NewPerformanceAnalyzer(0, 365)
	report := analyzer.Analyze(result)

	require.InDelta(t, 0.1, report.TotalReturn, 1e-9)
	require.Equal(t, 1, report.TradeCount)
	require.Equal(t, 1.0, report.WinRate)
	require.Equal(t, time.Hour, report.AvgTradeDuration)
	require.True(t, report.TotalFees.IsPositive())
}

func TestAnalyzeHandlesEmptyResult(t *testing.T) {
	t.Parallel()
	analyzer := NewPerformanceAnalyzer(0, 365)
	report := analyzer.Analyze(&Result{})
	require.Equal(t, 0, report.TradeCount)
	require.Equal(t, 0.0, report.TotalReturn)
}
