package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqtime"
)

// Intent is a strategy's request to route an order through the simulated
// ExecutionEngine. A nil Price makes it a market order.
type Intent struct {
	Side  types.Side
	Qty   decimal.Decimal
	Price *decimal.Decimal

	// QueueAhead estimates the notional already resting ahead of a limit
	// Intent at its price; ignored for market orders.
	QueueAhead decimal.Decimal
}

// Strategy is the minimal contract the event-driven and vectorized
// backtesters drive: given the candle that just closed and a synthetic
// top-of-book snapshot at a point along its price path, return zero or
// more order Intents. Indicator and signal math that produces those
// Intents is the caller's concern, not the backtester's.
type Strategy interface {
	OnCandle(pair types.TradingPair, candle types.Candle, quote types.Quote) []Intent
}

// EquityPoint is one sample of the backtester's running mark-to-market
// equity, taken once per replayed candle.
type EquityPoint struct {
	Ts     zqtime.Timestamp
	Equity decimal.Decimal
}

// Config wires one pair's candle history through one Strategy and one
// simulated Executor.
type Config struct {
	Pair     types.TradingPair
	Candles  []types.Candle // must be sorted ascending by OpenTs
	Strategy Strategy
	Executor *Executor

	// FeedLatency delays when the strategy is considered to have seen a
	// market event; OrderLatency delays the two legs of an order
	// round-trip. Both are recorded against each Intent's effective
	// timestamp but do not slow down the replay itself — a backtest
	// processes candles as fast as the host can, using Timestamp math
	// to account for latency rather than real clock delay.
	FeedLatency  LatencyModel
	OrderLatency OrderLatency

	InitialEquity decimal.Decimal

	// SpreadPct synthesizes a bid/ask around each path price (pct of
	// price on each side) since the candle itself has no quote data.
	SpreadPct decimal.Decimal

	QueueKernel      QueueKernel
	QueueDecayFactor float64
}

// DefaultSpreadPct is used when Config.SpreadPct is unset.
var DefaultSpreadPct = decimal.MustFromString("0.0005")

// EventDrivenBacktester replays a candle history in open/high/low/close
// order, synthesizing a quote and a trade at each corner of the path,
// driving the Strategy and routing its Intents through a simulated
// Executor. Grounded on the teacher's strategy.Maker reconciliation loop
// (tick, evaluate, submit, observe fills) and on the event-driven replay
// loop shape of an externally retrieved Go backtesting engine, adapted
// from a sorted flat event queue to a per-candle four-point price path
// since zigQuant's input is OHLCV bars rather than a tick-level feed.
type EventDrivenBacktester struct {
	cfg Config

	cash        decimal.Decimal
	positionQty decimal.Decimal // signed: positive long, negative short

	equityCurve []EquityPoint
}

// NewEventDrivenBacktester validates cfg and returns a ready backtester.
func NewEventDrivenBacktester(cfg Config) (*EventDrivenBacktester, error) {
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("backtest: strategy is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("backtest: executor is required")
	}
	if cfg.SpreadPct.IsZero() {
		cfg.SpreadPct = DefaultSpreadPct
	}
	return &EventDrivenBacktester{cfg: cfg, cash: cfg.InitialEquity}, nil
}

// Result is the outcome of one backtest run.
type Result struct {
	Trades      []Fill
	EquityCurve []EquityPoint
	FinalEquity decimal.Decimal
}

// Run replays every candle in order, returning ctx.Err() if the context
// is cancelled mid-run.
func (b *EventDrivenBacktester) Run(ctx context.Context) (*Result, error) {
	for _, candle := range b.cfg.Candles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := candle.Validate(); err != nil {
			return nil, fmt.Errorf("backtest: %w", err)
		}
		b.replayCandle(candle)
	}

	final := b.cash
	if !b.positionQty.IsZero() && len(b.cfg.Candles) > 0 {
		lastClose := b.cfg.Candles[len(b.cfg.Candles)-1].Close
		final = final.Add(b.positionQty.Mul(lastClose))
	}

	return &Result{
		Trades:      b.cfg.Executor.Fills(),
		EquityCurve: append([]EquityPoint(nil), b.equityCurve...),
		FinalEquity: final,
	}, nil
}

// pricePath returns the four corner prices of a candle in the order
// prescribed by §4.12: O-H-L-C for bars that closed up (pessimistic
// about how quickly a resting sell could have filled), O-L-H-C for bars
// that closed down.
func pricePath(c types.Candle) [4]decimal.Decimal {
	if c.Close.GreaterThanOrEqual(c.Open) {
		return [4]decimal.Decimal{c.Open, c.High, c.Low, c.Close}
	}
	return [4]decimal.Decimal{c.Open, c.Low, c.High, c.Close}
}

func (b *EventDrivenBacktester) replayCandle(candle types.Candle) {
	path := pricePath(candle)
	n := decimal.NewFromInt(int64(len(path)))
	volPerStep, err := candle.Volume.Div(n)
	if err != nil {
		volPerStep = decimal.Zero
	}

	barStart := candle.OpenTs.Time()

	for i, price := range path {
		ts := zqtime.FromTime(barStart.Add(candleStepOffset(candle, i, len(path))))

		visibleTs := ts
		if b.cfg.FeedLatency != nil {
			visibleTs = zqtime.FromTime(ts.Time().Add(b.cfg.FeedLatency.Sample()))
		}

		half := price.Mul(b.cfg.SpreadPct)
		quote := types.Quote{
			Pair: b.cfg.Pair,
			Bid:  price.Sub(half),
			Ask:  price.Add(half),
			Ts:   visibleTs,
		}

		for _, intent := range b.cfg.Strategy.OnCandle(b.cfg.Pair, candle, quote) {
			b.route(intent, price, visibleTs)
		}

		side := types.Buy
		if i > 0 && path[i].LessThan(path[i-1]) {
			side = types.Sell
		}
		trade := types.Trade{Pair: b.cfg.Pair, Price: price, Qty: volPerStep, Side: side, Ts: ts}
		for _, f := range b.cfg.Executor.OnTrade(trade) {
			b.applyFill(b.stampObserved(f))
		}
	}

	b.equityCurve = append(b.equityCurve, EquityPoint{
		Ts:     zqtime.FromTime(barStart),
		Equity: b.cash.Add(b.positionQty.Mul(candle.Close)),
	})
}

// candleStepOffset spaces the four path points evenly across a fixed
// one-minute span (the candle's own timeframe is not consulted) so later
// steps carry a strictly later Timestamp even when two candles share a
// wall-clock OpenTs in test data.
func candleStepOffset(c types.Candle, step, total int) (d time.Duration) {
	const assumedBarSpan = time.Minute
	if total <= 1 {
		return 0
	}
	return assumedBarSpan * time.Duration(step) / time.Duration(total)
}

// route converts an Intent into an order and submits it at the timestamp
// it actually arrives at the simulated exchange: decisionTs plus the
// order latency model's entry-leg sample.
func (b *EventDrivenBacktester) route(intent Intent, refPrice decimal.Decimal, decisionTs zqtime.Timestamp) {
	arrivalTs := decisionTs
	if b.cfg.OrderLatency.Entry != nil {
		arrivalTs = zqtime.FromTime(decisionTs.Time().Add(b.cfg.OrderLatency.Entry.Sample()))
	}

	order := &types.Order{
		ClientOrderID: fmt.Sprintf("bt-%d-%d", arrivalTs.WallNanos, arrivalTs.Seq),
		Pair:          b.cfg.Pair,
		Side:          intent.Side,
		Qty:           intent.Qty,
		RemainingQty:  intent.Qty,
		Price:         intent.Price,
		CreatedAt:     decisionTs,
		SubmittedAt:   &arrivalTs,
		UpdatedAt:     arrivalTs,
	}
	if intent.Price == nil {
		order.Type = types.OrderTypeMarket
		fill := b.cfg.Executor.SubmitMarket(order, refPrice, decimal.Zero, arrivalTs)
		b.applyFill(b.stampObserved(fill))
		return
	}
	order.Type = types.OrderTypeLimit
	_ = b.cfg.Executor.SubmitLimit(order, intent.QueueAhead, b.cfg.QueueKernel, b.cfg.QueueDecayFactor)
}

// stampObserved records when the strategy would have learned about a
// fill, applying the order-response leg of the latency model on top of
// the fill's exchange-side timestamp.
func (b *EventDrivenBacktester) stampObserved(f Fill) Fill {
	f.ObservedAt = f.Ts
	if b.cfg.OrderLatency.Response != nil {
		f.ObservedAt = zqtime.FromTime(f.Ts.Time().Add(b.cfg.OrderLatency.Response.Sample()))
	}
	return f
}

func (b *EventDrivenBacktester) applyFill(f Fill) {
	notional := f.Price.Mul(f.Qty)
	if f.Side == types.Buy {
		b.cash = b.cash.Sub(notional).Sub(f.Fee)
		b.positionQty = b.positionQty.Add(f.Qty)
	} else {
		b.cash = b.cash.Add(notional).Sub(f.Fee)
		b.positionQty = b.positionQty.Sub(f.Qty)
	}
}
