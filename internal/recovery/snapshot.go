package recovery

import (
	"fmt"

	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqtime"
)

// snapshotVersion is bumped whenever the wire layout below changes
// incompatibly; Recover refuses to load a snapshot with a newer version
// than it understands.
const snapshotVersion = 1

// wireDecimal is the checkpoint-format encoding of a Decimal: an exact
// mantissa/scale pair, round-tripped through pkg/decimal's
// BigIntMantissa/FromBigIntMantissa.
type wireDecimal struct {
	Mantissa string `msgpack:"m"`
	Scale    uint8  `msgpack:"s"`
}

func encodeDecimal(d decimal.Decimal) wireDecimal {
	m, s := d.BigIntMantissa()
	return wireDecimal{Mantissa: m, Scale: s}
}

func (w wireDecimal) decode() (decimal.Decimal, error) {
	return decimal.FromBigIntMantissa(w.Mantissa, w.Scale)
}

func encodeDecimalPtr(d *decimal.Decimal) *wireDecimal {
	if d == nil {
		return nil
	}
	w := encodeDecimal(*d)
	return &w
}

func (w *wireDecimal) decodePtr() (*decimal.Decimal, error) {
	if w == nil {
		return nil, nil
	}
	d, err := w.decode()
	if err != nil {
		return nil, err
	}
	return &d, nil
}

type balanceState struct {
	Asset     string      `msgpack:"asset"`
	Total     wireDecimal `msgpack:"total"`
	Available wireDecimal `msgpack:"available"`
	Locked    wireDecimal `msgpack:"locked"`
}

type accountState struct {
	Balances []balanceState `msgpack:"balances"`
}

type positionState struct {
	Base             string       `msgpack:"base"`
	Quote            string       `msgpack:"quote"`
	Side             string       `msgpack:"side"`
	Size             wireDecimal  `msgpack:"size"`
	EntryPrice       wireDecimal  `msgpack:"entry_price"`
	MarkPrice        *wireDecimal `msgpack:"mark_price,omitempty"`
	LiquidationPrice *wireDecimal `msgpack:"liquidation_price,omitempty"`
	UnrealizedPnL    wireDecimal  `msgpack:"unrealized_pnl"`
	Leverage         wireDecimal  `msgpack:"leverage"`
	MarginUsed       wireDecimal  `msgpack:"margin_used"`
}

type orderState struct {
	ClientOrderID   string       `msgpack:"client_order_id"`
	ExchangeOrderID string       `msgpack:"exchange_order_id"`
	Base            string       `msgpack:"base"`
	Quote           string       `msgpack:"quote"`
	Side            string       `msgpack:"side"`
	Type            string       `msgpack:"type"`
	TIF             string       `msgpack:"tif"`
	Qty             wireDecimal  `msgpack:"qty"`
	FilledQty       wireDecimal  `msgpack:"filled_qty"`
	RemainingQty    wireDecimal  `msgpack:"remaining_qty"`
	Price           *wireDecimal `msgpack:"price,omitempty"`
	StopPrice       *wireDecimal `msgpack:"stop_price,omitempty"`
	TriggerPrice    *wireDecimal `msgpack:"trigger_price,omitempty"`
	ReduceOnly      bool         `msgpack:"reduce_only"`
	Status          string       `msgpack:"status"`
	AvgFillPrice    *wireDecimal `msgpack:"avg_fill_price,omitempty"`
	TotalFee        wireDecimal  `msgpack:"total_fee"`
	CreatedAtNanos  int64        `msgpack:"created_at_ns"`
	UpdatedAtNanos  int64        `msgpack:"updated_at_ns"`
	Error           string       `msgpack:"error,omitempty"`
}

// snapshot is the full checkpoint payload, matching the RecoveryManager's
// persistence model: version, timestamp, account state, positions, and
// every order not in a terminal state for at least one checkpoint cycle
// plus all still-pending orders.
type snapshot struct {
	Version   int            `msgpack:"version"`
	TakenAtNs int64          `msgpack:"taken_at_ns"`
	Account   accountState   `msgpack:"account"`
	Positions []positionState `msgpack:"positions"`
	Orders    []orderState   `msgpack:"orders"`
}

func buildSnapshot(balances []types.Balance, positions []types.Position, orders []types.Order, takenAt zqtime.Timestamp) snapshot {
	snap := snapshot{Version: snapshotVersion, TakenAtNs: takenAt.WallNanos}

	for _, b := range balances {
		snap.Account.Balances = append(snap.Account.Balances, balanceState{
			Asset:     b.Asset,
			Total:     encodeDecimal(b.Total),
			Available: encodeDecimal(b.Available),
			Locked:    encodeDecimal(b.Locked),
		})
	}

	for _, p := range positions {
		snap.Positions = append(snap.Positions, positionState{
			Base:             p.Pair.Base,
			Quote:            p.Pair.Quote,
			Side:             string(p.Side),
			Size:             encodeDecimal(p.Size),
			EntryPrice:       encodeDecimal(p.EntryPrice),
			MarkPrice:        encodeDecimalPtr(p.MarkPrice),
			LiquidationPrice: encodeDecimalPtr(p.LiquidationPrice),
			UnrealizedPnL:    encodeDecimal(p.UnrealizedPnL),
			Leverage:         encodeDecimal(p.Leverage),
			MarginUsed:       encodeDecimal(p.MarginUsed),
		})
	}

	for _, o := range orders {
		snap.Orders = append(snap.Orders, orderState{
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
			Base:            o.Pair.Base,
			Quote:           o.Pair.Quote,
			Side:            string(o.Side),
			Type:            string(o.Type),
			TIF:             string(o.TIF),
			Qty:             encodeDecimal(o.Qty),
			FilledQty:       encodeDecimal(o.FilledQty),
			RemainingQty:    encodeDecimal(o.RemainingQty),
			Price:           encodeDecimalPtr(o.Price),
			StopPrice:       encodeDecimalPtr(o.StopPrice),
			TriggerPrice:    encodeDecimalPtr(o.TriggerPrice),
			ReduceOnly:      o.ReduceOnly,
			Status:          string(o.Status),
			AvgFillPrice:    encodeDecimalPtr(o.AvgFillPrice),
			TotalFee:        encodeDecimal(o.TotalFee),
			CreatedAtNanos:  o.CreatedAt.WallNanos,
			UpdatedAtNanos:  o.UpdatedAt.WallNanos,
			Error:           o.Error,
		})
	}

	return snap
}

func (s snapshot) balances() ([]types.Balance, error) {
	out := make([]types.Balance, 0, len(s.Account.Balances))
	for _, b := range s.Account.Balances {
		total, err := b.Total.decode()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode balance %s total: %w", b.Asset, err)
		}
		available, err := b.Available.decode()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode balance %s available: %w", b.Asset, err)
		}
		locked, err := b.Locked.decode()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode balance %s locked: %w", b.Asset, err)
		}
		out = append(out, types.Balance{Asset: b.Asset, Total: total, Available: available, Locked: locked})
	}
	return out, nil
}

func (s snapshot) positionSlice() ([]types.Position, error) {
	out := make([]types.Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		size, err := p.Size.decode()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode position size: %w", err)
		}
		entry, err := p.EntryPrice.decode()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode position entry price: %w", err)
		}
		unrealized, err := p.UnrealizedPnL.decode()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode position pnl: %w", err)
		}
		leverage, err := p.Leverage.decode()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode position leverage: %w", err)
		}
		margin, err := p.MarginUsed.decode()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode position margin: %w", err)
		}
		mark, err := p.MarkPrice.decodePtr()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode position mark price: %w", err)
		}
		liq, err := p.LiquidationPrice.decodePtr()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode position liquidation price: %w", err)
		}
		out = append(out, types.Position{
			Pair:             types.NewTradingPair(p.Base, p.Quote),
			Side:             types.Side(p.Side),
			Size:             size,
			EntryPrice:       entry,
			MarkPrice:        mark,
			LiquidationPrice: liq,
			UnrealizedPnL:    unrealized,
			Leverage:         leverage,
			MarginUsed:       margin,
		})
	}
	return out, nil
}

func (s snapshot) orderSlice() ([]types.Order, error) {
	out := make([]types.Order, 0, len(s.Orders))
	for _, o := range s.Orders {
		qty, err := o.Qty.decode()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode order %s qty: %w", o.ClientOrderID, err)
		}
		filled, err := o.FilledQty.decode()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode order %s filled_qty: %w", o.ClientOrderID, err)
		}
		remaining, err := o.RemainingQty.decode()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode order %s remaining_qty: %w", o.ClientOrderID, err)
		}
		totalFee, err := o.TotalFee.decode()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode order %s total_fee: %w", o.ClientOrderID, err)
		}
		price, err := o.Price.decodePtr()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode order %s price: %w", o.ClientOrderID, err)
		}
		stopPrice, err := o.StopPrice.decodePtr()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode order %s stop_price: %w", o.ClientOrderID, err)
		}
		triggerPrice, err := o.TriggerPrice.decodePtr()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode order %s trigger_price: %w", o.ClientOrderID, err)
		}
		avgFillPrice, err := o.AvgFillPrice.decodePtr()
		if err != nil {
			return nil, fmt.Errorf("recovery: decode order %s avg_fill_price: %w", o.ClientOrderID, err)
		}
		out = append(out, types.Order{
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
			Pair:            types.NewTradingPair(o.Base, o.Quote),
			Side:            types.Side(o.Side),
			Type:            types.OrderType(o.Type),
			TIF:             types.TimeInForce(o.TIF),
			Qty:             qty,
			FilledQty:       filled,
			RemainingQty:    remaining,
			Price:           price,
			StopPrice:       stopPrice,
			TriggerPrice:    triggerPrice,
			ReduceOnly:      o.ReduceOnly,
			Status:          types.OrderStatus(o.Status),
			AvgFillPrice:    avgFillPrice,
			TotalFee:        totalFee,
			CreatedAt:       zqtime.Timestamp{WallNanos: o.CreatedAtNanos},
			UpdatedAt:       zqtime.Timestamp{WallNanos: o.UpdatedAtNanos},
			Error:           o.Error,
		})
	}
	return out, nil
}
