// Package execution implements the ExecutionEngine: pre-tracked order
// submission, cancellation, and reconciliation with at-least-once
// delivery to the exchange and at-most-once visibility to the strategy.
// Grounded on the teacher's strategy.Maker.reconcileOrders diff-and-sync
// loop and on the pi5-trading-system ExecutionEngine's pendingOrders map,
// generalized from Polymarket CLOB batch orders to a single-order,
// retrying submission pipeline against a generic ExecutionClient.
package execution

import (
	"context"

	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
)

// OrderRequest is the strategy-facing submission request; ExecutionEngine
// assigns the client_order_id and builds the authoritative Order from it.
type OrderRequest struct {
	Pair         types.TradingPair
	Side         types.Side
	Type         types.OrderType
	TIF          types.TimeInForce
	Qty          decimal.Decimal
	Price        *decimal.Decimal
	StopPrice    *decimal.Decimal
	TriggerPrice *decimal.Decimal
	ReduceOnly   bool
}

// OrderChanges describes a requested modification; nil fields are left
// unchanged.
type OrderChanges struct {
	Qty   *decimal.Decimal
	Price *decimal.Decimal
}

// CancelFilter narrows CancelAll to a subset of open orders.
type CancelFilter struct {
	Pair   *types.TradingPair
	Side   *types.Side
	Status *types.OrderStatus
}

func (f CancelFilter) matches(o types.Order) bool {
	if f.Pair != nil && !f.Pair.Equal(o.Pair) {
		return false
	}
	if f.Side != nil && *f.Side != o.Side {
		return false
	}
	if f.Status != nil && *f.Status != o.Status {
		return false
	}
	return true
}

// AdapterOrderUpdate is what the exchange adapter's order-update stream
// publishes; ExecutionEngine reconciles pending/cache orders against it.
type AdapterOrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	Status          types.OrderStatus
	FilledQty       decimal.Decimal
	FillPrice       *decimal.Decimal
	Fee             decimal.Decimal
	Error           string
}

// ExecutionClient is the execution half of an ExchangeAdapter (§4.5).
type ExecutionClient interface {
	Submit(ctx context.Context, order *types.Order) (exchangeOrderID string, err error)
	Cancel(ctx context.Context, order *types.Order) error
	Modify(ctx context.Context, order *types.Order, changes OrderChanges) error
	FetchOpenOrders(ctx context.Context) ([]types.Order, error)
	FetchPositions(ctx context.Context) ([]types.Position, error)
	FetchBalance(ctx context.Context) ([]types.Balance, error)
}

// RiskChecker is the pre-trade gate (§4.6); ExecutionEngine depends only
// on this narrow interface, not the concrete RiskEngine, per the
// capability-passing guidance in §9.
type RiskChecker interface {
	Check(ctx context.Context, req OrderRequest) error
}

// CacheWriter is the subset of internal/cache.Cache the engine needs.
type CacheWriter interface {
	UpdateOrder(types.Order) error
	GetOrder(clientOrderID string) (types.Order, bool)
}

// Publisher is the subset of the MessageBus the engine needs to publish
// lifecycle events.
type Publisher interface {
	Publish(topic string, payload any)
	Subscribe(pattern string, handler func(topic string, payload any)) string
}
