package backtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqtime"
)

func candle(open, high, low, close, volume string) types.Candle {
	return types.Candle{
		Pair:   btPair(),
		TF:     types.Timeframe1m,
		Open:   decimal.MustFromString(open),
		High:   decimal.MustFromString(high),
		Low:    decimal.MustFromString(low),
		Close:  decimal.MustFromString(close),
		Volume: decimal.MustFromString(volume),
		OpenTs: zqtime.Now(),
	}
}

// buyOnceStrategy submits a single market buy on the first candle it
// sees and nothing afterward.
type buyOnceStrategy struct {
	done bool
}

func (s *buyOnceStrategy) OnCandle(pair types.TradingPair, c types.Candle, q types.Quote) []Intent {
	if s.done {
		return nil
	}
	s.done = true
	return []Intent{{Side: types.Buy, Qty: decimal.MustFromString("1")}}
}

type noopStrategy struct{}

func (noopStrategy) OnCandle(types.TradingPair, types.Candle, types.Quote) []Intent { return nil }

func TestPricePathOrdersByBarDirection(t *testing.T) {
	t.Parallel()
	up := candle("100", "110", "95", "105", "10")
	path := pricePath(up)
	require.Equal(t, [4]decimal.Decimal{up.Open, up.High, up.Low, up.Close}, path)

	down := candle("100", "110", "95", "97", "10")
	path2 := pricePath(down)
	require.Equal(t, [4]decimal.Decimal{down.Open, down.Low, down.High, down.Close}, path2)
}

func TestEventDrivenBacktesterFillsMarketOrderAndTracksEquity(t *testing.T) {
	t.Parallel()
	ex := NewExecutor(FeeModel{TakerBps: decimal.MustFromString("10")}, SlippageModel{}, 1)
	bt, err := NewEventDrivenBacktester(Config{
		Pair:          btPair(),
		Candles:       []types.Candle{candle("100", "110", "95", "105", "40")},
		Strategy:      &buyOnceStrategy{},
		Executor:      ex,
		InitialEquity: decimal.MustFromString("10000"),
	})
	require.NoError(t, err)

	result, err := bt.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	require.Equal(t, types.Buy, result.Trades[0].Side)
	require.Len(t, result.EquityCurve, 1)
	// 1 unit bought at open (100) for a fee of 100*0.001=0.1, then marked
	// to the candle's close (105): 10000 - 100 - 0.1 + 105 = 10004.9.
	require.Equal(t, "10004.9", result.FinalEquity.String())
}

func TestEventDrivenBacktesterRespectsContextCancellation(t *testing.T) {
	t.Parallel()
	ex := NewExecutor(FeeModel{}, SlippageModel{}, 1)
	bt, err := NewEventDrivenBacktester(Config{
		Pair:          btPair(),
		Candles:       []types.Candle{candle("100", "110", "95", "105", "10")},
		Strategy:      noopStrategy{},
		Executor:      ex,
		InitialEquity: decimal.MustFromString("1000"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = bt.Run(ctx)
	require.Error(t, err)
}

func TestNewEventDrivenBacktesterRequiresStrategyAndExecutor(t *testing.T) {
	t.Parallel()
	_, err := NewEventDrivenBacktester(Config{Executor: NewExecutor(FeeModel{}, SlippageModel{}, 1)})
	require.Error(t, err)

	_, err = NewEventDrivenBacktester(Config{Strategy: noopStrategy{}})
	require.Error(t, err)
}

func TestEventDrivenBacktesterAppliesFeedAndOrderLatency(t *testing.T) {
	t.Parallel()
	ex := NewExecutor(FeeModel{TakerBps: decimal.MustFromString("10")}, SlippageModel{}, 1)
	bt, err := NewEventDrivenBacktester(Config{
		Pair:     btPair(),
		Candles:  []types.Candle{candle("100", "110", "95", "105", "10")},
		Strategy: &buyOnceStrategy{},
		Executor: ex,
		FeedLatency: ConstantLatency{Value: 0},
		OrderLatency: OrderLatency{
			Entry:    ConstantLatency{Value: 0},
			Response: ConstantLatency{Value: 0},
		},
		InitialEquity: decimal.MustFromString("1000"),
	})
	require.NoError(t, err)

	result, err := bt.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
}
