package backtest

import (
	"fmt"
	"sync"

	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqtime"
)

// FeeModel charges maker/taker fees per fill, expressed in basis points
// of notional.
type FeeModel struct {
	MakerBps decimal.Decimal
	TakerBps decimal.Decimal
}

func (f FeeModel) fee(bps, notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(bps).Mul(decimal.New(1, -4)) // bps -> fraction
}

// SlippageModel pushes market-order fills away from the reference price,
// additively, scaled by quantity relative to average daily volume (ADV)
// when ADV is known. With ADV unset (zero), only BaseBps applies.
type SlippageModel struct {
	BaseBps    decimal.Decimal
	PerADVBps  decimal.Decimal // additional bps per 1.0 qty/ADV ratio
}

func (s SlippageModel) slippagePct(qty, adv decimal.Decimal) decimal.Decimal {
	pct := s.BaseBps.Mul(decimal.New(1, -4))
	if adv.IsPositive() {
		ratio, err := qty.Div(adv)
		if err == nil {
			pct = pct.Add(ratio.Mul(s.PerADVBps).Mul(decimal.New(1, -4)))
		}
	}
	return pct
}

// Fill is one simulated execution against a resting or market order. Ts is
// when the fill occurred at the simulated exchange; ObservedAt is when the
// strategy would have learned about it. The Executor leaves ObservedAt
// zero; the backtesters set it to Ts plus an order-response latency
// sample, or to Ts itself when no response latency is configured.
type Fill struct {
	ClientOrderID string
	Pair          types.TradingPair
	Side          types.Side
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Fee           decimal.Decimal
	Maker         bool
	Ts            zqtime.Timestamp
	ObservedAt    zqtime.Timestamp
}

type restingOrder struct {
	order *types.Order
	queue *QueuePosition
}

// Executor is the simulated ExecutionEngine the backtester routes orders
// through: resting limit orders join a QueuePosition at their price
// level and fill probabilistically as contra-side trades print; market
// orders fill immediately at the reference price plus slippage. Grounded
// on internal/execution.Engine's pending-then-committed order lifecycle,
// replacing the real adapter round-trip with deterministic, seedable
// simulation.
type Executor struct {
	fee  FeeModel
	slip SlippageModel

	mu      sync.Mutex
	resting map[string]*restingOrder
	fills   []Fill
	seed    int64
}

// NewExecutor constructs an Executor. seed makes every QueuePosition's
// Bernoulli fill draws reproducible: each SubmitLimit call seeds its
// order's QueuePosition with the next value after seed (seed+1, seed+2,
// ...), so every resting order gets its own reproducible draw stream.
func NewExecutor(fee FeeModel, slip SlippageModel, seed int64) *Executor {
	return &Executor{fee: fee, slip: slip, resting: make(map[string]*restingOrder), seed: seed}
}

// SubmitLimit joins order to the simulated queue at its price level.
// queueAhead is the notional estimated to be resting ahead of it.
func (ex *Executor) SubmitLimit(order *types.Order, queueAhead decimal.Decimal, kernel QueueKernel, decayFactor float64) error {
	if order.Price == nil {
		return fmt.Errorf("backtest: limit order requires a price")
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.seed++
	ex.resting[order.ClientOrderID] = &restingOrder{
		order: order,
		queue: NewQueuePosition(kernel, decayFactor, queueAhead, ex.seed),
	}
	return nil
}

// SubmitMarket fills order immediately at refPrice adjusted by slippage
// (away from the order's side: up for buys, down for sells) and a taker
// fee, returning the resulting Fill.
func (ex *Executor) SubmitMarket(order *types.Order, refPrice, adv decimal.Decimal, ts zqtime.Timestamp) Fill {
	pct := ex.slip.slippagePct(order.Qty, adv)
	price := refPrice
	if order.Side == types.Buy {
		price = refPrice.Mul(decimal.New(1, 0).Add(pct))
	} else {
		price = refPrice.Mul(decimal.New(1, 0).Sub(pct))
	}
	notional := price.Mul(order.Qty)
	fee := ex.fee.fee(ex.fee.TakerBps, notional)
	f := Fill{
		ClientOrderID: order.ClientOrderID,
		Pair:          order.Pair,
		Side:          order.Side,
		Qty:           order.Qty,
		Price:         price,
		Fee:           fee,
		Maker:         false,
		Ts:            ts,
	}
	ex.mu.Lock()
	ex.fills = append(ex.fills, f)
	ex.mu.Unlock()
	return f
}

// OnTrade feeds a synthetic tape print to every resting order at that
// price level on the contra side, consuming queue position and emitting
// a Fill for any order the draw selects as filled.
func (ex *Executor) OnTrade(trade types.Trade) []Fill {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	var filled []Fill
	for id, ro := range ex.resting {
		o := ro.order
		if !o.Pair.Equal(trade.Pair) || o.Side == trade.Side {
			continue // only a contra-side print can reach this order
		}
		crosses := (o.Side == types.Buy && trade.Price.LessThanOrEqual(*o.Price)) ||
			(o.Side == types.Sell && trade.Price.GreaterThanOrEqual(*o.Price))
		if !crosses {
			continue
		}
		if !ro.queue.Consume(trade.Qty) {
			continue
		}
		notional := o.Price.Mul(o.RemainingQty)
		fee := ex.fee.fee(ex.fee.MakerBps, notional)
		f := Fill{
			ClientOrderID: id,
			Pair:          o.Pair,
			Side:          o.Side,
			Qty:           o.RemainingQty,
			Price:         *o.Price,
			Fee:           fee,
			Maker:         true,
			Ts:            trade.Ts,
		}
		filled = append(filled, f)
		ex.fills = append(ex.fills, f)
		delete(ex.resting, id)
	}
	return filled
}

// Cancel removes a resting order from the simulated queue. A no-op if
// the order already filled or was never resting.
func (ex *Executor) Cancel(clientOrderID string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	delete(ex.resting, clientOrderID)
}

// Fills returns every fill simulated so far, in the order they occurred.
func (ex *Executor) Fills() []Fill {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return append([]Fill(nil), ex.fills...)
}
