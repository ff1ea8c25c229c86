// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the runtime — trading pairs,
// order lifecycle, and market/account snapshots. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"strings"

	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/zqtime"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an order or position.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the supported order shapes.
type OrderType string

const (
	OrderTypeLimit      OrderType = "limit"
	OrderTypeMarket     OrderType = "market"
	OrderTypeStopMarket OrderType = "stop_market"
	OrderTypeStopLimit  OrderType = "stop_limit"
	OrderTypeTrigger    OrderType = "trigger"
)

// TimeInForce enumerates order time-in-force qualifiers.
type TimeInForce string

const (
	TIFGoodTilCancel     TimeInForce = "gtc"
	TIFImmediateOrCancel TimeInForce = "ioc"
	TIFAddLiquidityOnly  TimeInForce = "alo"
	TIFFillOrKill        TimeInForce = "fok"
)

// OrderStatus enumerates the order lifecycle states. partially_filled is
// retained as a named constant for API/logging readability, but the engine
// always represents a partial fill as status=open with FilledQty > 0
// rather than assigning this value (see DESIGN.md open question 1).
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusTriggered       OrderStatus = "triggered"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusMarginCanceled  OrderStatus = "margin_canceled"
)

// IsTerminal reports whether no further transitions are allowed from this
// status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected,
		OrderStatusMarginCanceled, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the allowed non-self status edges.
var validTransitions = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending: {
		OrderStatusSubmitted: true,
		OrderStatusRejected:  true,
	},
	OrderStatusSubmitted: {
		OrderStatusOpen:     true,
		OrderStatusRejected: true,
	},
	OrderStatusOpen: {
		OrderStatusFilled:         true,
		OrderStatusCanceled:       true,
		OrderStatusMarginCanceled: true,
		OrderStatusTriggered:      true,
		OrderStatusExpired:        true,
	},
	OrderStatusTriggered: {
		OrderStatusOpen: true,
	},
}

// ————————————————————————————————————————————————————————————————————————
// Trading pair / timeframe
// ————————————————————————————————————————————————————————————————————————

// TradingPair is {base, quote}; canonical form is "BASE-QUOTE". Symbol
// mapping to/from an exchange's native form belongs to the adapter layer.
type TradingPair struct {
	Base  string
	Quote string
}

// NewTradingPair constructs a pair, upper-casing both legs.
func NewTradingPair(base, quote string) TradingPair {
	return TradingPair{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}
}

// ParseTradingPair parses the canonical "BASE-QUOTE" form.
func ParseTradingPair(s string) (TradingPair, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return TradingPair{}, fmt.Errorf("types: invalid trading pair %q", s)
	}
	return NewTradingPair(parts[0], parts[1]), nil
}

// String renders the canonical "BASE-QUOTE" form.
func (p TradingPair) String() string {
	return p.Base + "-" + p.Quote
}

// Equal reports component-wise equality.
func (p TradingPair) Equal(other TradingPair) bool {
	return p.Base == other.Base && p.Quote == other.Quote
}

// Timeframe is a candle aggregation period with an exact integer minute
// duration.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
	Timeframe1w  Timeframe = "1w"
)

// Minutes returns the exact integer minute duration of the timeframe, or 0
// if tf is not a recognized value.
func (tf Timeframe) Minutes() int {
	switch tf {
	case Timeframe1m:
		return 1
	case Timeframe5m:
		return 5
	case Timeframe15m:
		return 15
	case Timeframe30m:
		return 30
	case Timeframe1h:
		return 60
	case Timeframe4h:
		return 240
	case Timeframe1d:
		return 1440
	case Timeframe1w:
		return 10080
	default:
		return 0
	}
}

// Valid reports whether tf is one of the known enum values.
func (tf Timeframe) Valid() bool {
	return tf.Minutes() > 0
}

// ————————————————————————————————————————————————————————————————————————
// Order
// ————————————————————————————————————————————————————————————————————————

// Order is the authoritative order entity, owned by the ExecutionEngine
// while pending and mirrored into the Cache on every status change.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	Pair            TradingPair
	Side            Side
	Type            OrderType
	TIF             TimeInForce
	Qty             decimal.Decimal
	FilledQty       decimal.Decimal
	RemainingQty    decimal.Decimal
	Price           *decimal.Decimal
	StopPrice       *decimal.Decimal
	TriggerPrice    *decimal.Decimal
	ReduceOnly      bool
	Status          OrderStatus
	AvgFillPrice    *decimal.Decimal
	TotalFee        decimal.Decimal
	CreatedAt       zqtime.Timestamp
	SubmittedAt     *zqtime.Timestamp
	UpdatedAt       zqtime.Timestamp
	FilledAt        *zqtime.Timestamp
	Error           string
}

// Clone returns a deep-enough copy safe to hand to an adapter call outside
// a lock: pointer fields are copied by value into fresh allocations.
func (o *Order) Clone() *Order {
	clone := *o
	if o.Price != nil {
		p := *o.Price
		clone.Price = &p
	}
	if o.StopPrice != nil {
		p := *o.StopPrice
		clone.StopPrice = &p
	}
	if o.TriggerPrice != nil {
		p := *o.TriggerPrice
		clone.TriggerPrice = &p
	}
	if o.AvgFillPrice != nil {
		p := *o.AvgFillPrice
		clone.AvgFillPrice = &p
	}
	if o.SubmittedAt != nil {
		t := *o.SubmittedAt
		clone.SubmittedAt = &t
	}
	if o.FilledAt != nil {
		t := *o.FilledAt
		clone.FilledAt = &t
	}
	return &clone
}

// CheckInvariant validates qty = filled + remaining, remaining >= 0.
func (o *Order) CheckInvariant() error {
	if o.RemainingQty.IsNegative() {
		return fmt.Errorf("types: order %s remaining_qty negative", o.ClientOrderID)
	}
	sum := o.FilledQty.Add(o.RemainingQty)
	if !sum.Equal(o.Qty) {
		return fmt.Errorf("types: order %s invariant violated: filled(%s)+remaining(%s) != qty(%s)",
			o.ClientOrderID, o.FilledQty, o.RemainingQty, o.Qty)
	}
	return nil
}

// CanTransitionTo reports whether moving from o.Status to next is legal.
// Terminal states never transition further; remaining in the same
// non-terminal status (another partial fill while still open) is always
// legal.
func (o *Order) CanTransitionTo(next OrderStatus) bool {
	if o.Status.IsTerminal() {
		return false
	}
	if o.Status == next {
		return true
	}
	edges, ok := validTransitions[o.Status]
	if !ok {
		return false
	}
	return edges[next]
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Quote is an immutable top-of-book snapshot for a pair.
type Quote struct {
	Pair    TradingPair
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	BidSize decimal.Decimal
	AskSize decimal.Decimal
	Ts      zqtime.Timestamp
}

// Mid returns (bid+ask)/2.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div2()
}

// Spread returns ask-bid.
func (q Quote) Spread() decimal.Decimal {
	return q.Ask.Sub(q.Bid)
}

// Validate enforces bid <= ask, both positive.
func (q Quote) Validate() error {
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		return fmt.Errorf("types: quote %s has non-positive bid/ask", q.Pair)
	}
	if q.Bid.GreaterThan(q.Ask) {
		return fmt.Errorf("types: quote %s bid(%s) > ask(%s)", q.Pair, q.Bid, q.Ask)
	}
	return nil
}

// Candle is an OHLCV bar for a pair/timeframe.
type Candle struct {
	Pair   TradingPair
	TF     Timeframe
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
	OpenTs zqtime.Timestamp
}

// Validate enforces low <= open,close <= high and volume >= 0.
func (c Candle) Validate() error {
	if c.Volume.IsNegative() {
		return fmt.Errorf("types: candle %s/%s negative volume", c.Pair, c.TF)
	}
	if c.Low.GreaterThan(c.Open) || c.Open.GreaterThan(c.High) {
		return fmt.Errorf("types: candle %s/%s invalid OHLC ordering on open", c.Pair, c.TF)
	}
	if c.Low.GreaterThan(c.Close) || c.Close.GreaterThan(c.High) {
		return fmt.Errorf("types: candle %s/%s invalid OHLC ordering on close", c.Pair, c.TF)
	}
	return nil
}

// Trade is a single executed trade print from an exchange feed (not to be
// confused with an Order fill — this is public tape data used by
// DataEngine ingestion and the backtester's synthetic trade emission).
type Trade struct {
	Pair  TradingPair
	Price decimal.Decimal
	Qty   decimal.Decimal
	Side  Side
	Ts    zqtime.Timestamp
}

// Position is a live or simulated exposure in a pair.
type Position struct {
	Pair             TradingPair
	Side             Side
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        *decimal.Decimal
	LiquidationPrice *decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Leverage         decimal.Decimal
	MarginUsed       decimal.Decimal
}

// Balance is an account balance for an asset, with total = available +
// locked re-validated on every write.
type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// Validate enforces total = available + locked.
func (b Balance) Validate() error {
	sum := b.Available.Add(b.Locked)
	if !sum.Equal(b.Total) {
		return fmt.Errorf("types: balance %s invariant violated: available(%s)+locked(%s) != total(%s)",
			b.Asset, b.Available, b.Locked, b.Total)
	}
	return nil
}
