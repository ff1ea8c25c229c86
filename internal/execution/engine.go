package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqerrors"
	"github.com/zigquant/zigquant/pkg/zqtime"
)

// Config controls retry and local limit behavior.
type Config struct {
	MaxRetries           int
	BaseBackoff          time.Duration
	MaxOpenOrders        int
	MaxOpenOrdersPerPair int
}

// DefaultConfig returns the documented defaults (§4.4).
func DefaultConfig() Config {
	return Config{
		MaxRetries:           3,
		BaseBackoff:          time.Second,
		MaxOpenOrders:        0, // 0 == unlimited
		MaxOpenOrdersPerPair: 0,
	}
}

// Engine is the ExecutionEngine (§4.4): it pre-tracks orders before any
// network call, retries transient adapter failures with exponential
// backoff, and reconciles pending orders idempotently against both the
// synchronous submit response and the adapter's asynchronous order-update
// stream.
type Engine struct {
	logger  *slog.Logger
	cfg     Config
	cache   CacheWriter
	risk    RiskChecker
	adapter ExecutionClient
	bus     Publisher

	mu            sync.Mutex
	pendingOrders map[string]*types.Order
}

// New constructs an Engine and subscribes to the adapter's order-update
// stream on order.update.*.
func New(cfg Config, cache CacheWriter, risk RiskChecker, adapter ExecutionClient, bus Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:        logger.With("component", "execution"),
		cfg:           cfg,
		cache:         cache,
		risk:          risk,
		adapter:       adapter,
		bus:           bus,
		pendingOrders: make(map[string]*types.Order),
	}
	if bus != nil {
		bus.Subscribe("order.update.*", func(topic string, payload any) {
			update, ok := payload.(AdapterOrderUpdate)
			if !ok {
				return
			}
			e.ReconcileUpdate(update)
		})
	}
	return e
}

// Submit implements the pre-tracking protocol (§4.4 steps 1-3).
func (e *Engine) Submit(ctx context.Context, req OrderRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}

	if err := e.checkLocalLimits(req.Pair); err != nil {
		return "", err
	}

	clientOrderID := uuid.NewString()
	now := zqtime.Now()
	order := &types.Order{
		ClientOrderID: clientOrderID,
		Pair:          req.Pair,
		Side:          req.Side,
		Type:          req.Type,
		TIF:           req.TIF,
		Qty:           req.Qty,
		RemainingQty:  req.Qty,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		TriggerPrice:  req.TriggerPrice,
		ReduceOnly:    req.ReduceOnly,
		Status:        types.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	e.mu.Lock()
	e.pendingOrders[clientOrderID] = order
	e.mu.Unlock()
	e.publish("order.pending", order)
	e.snapshot(order)

	if err := e.risk.Check(ctx, req); err != nil {
		e.rejectPending(clientOrderID, err.Error())
		return "", err
	}

	go e.submitWithRetry(context.WithoutCancel(ctx), clientOrderID)

	return clientOrderID, nil
}

func validateRequest(req OrderRequest) error {
	if req.Qty.IsZero() || req.Qty.IsNegative() {
		return zqerrors.New(zqerrors.KindBusiness, "invalid_quantity", "order quantity must be positive")
	}
	if req.Type == types.OrderTypeLimit && req.Price == nil {
		return zqerrors.New(zqerrors.KindBusiness, "limit_order_requires_price", "limit orders require a price")
	}
	return nil
}

func (e *Engine) checkLocalLimits(pair types.TradingPair) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.MaxOpenOrders <= 0 && e.cfg.MaxOpenOrdersPerPair <= 0 {
		return nil
	}
	total := len(e.pendingOrders)
	perPair := 0
	for _, o := range e.pendingOrders {
		if o.Pair.Equal(pair) {
			perPair++
		}
	}
	if e.cfg.MaxOpenOrders > 0 && total >= e.cfg.MaxOpenOrders {
		return zqerrors.New(zqerrors.KindRisk, zqerrors.CodeRateLimited, "max_open_orders exceeded")
	}
	if e.cfg.MaxOpenOrdersPerPair > 0 && perPair >= e.cfg.MaxOpenOrdersPerPair {
		return zqerrors.New(zqerrors.KindRisk, zqerrors.CodeRateLimited, "max_open_orders_per_pair exceeded")
	}
	return nil
}

func (e *Engine) rejectPending(clientOrderID, reason string) {
	e.mu.Lock()
	order, ok := e.pendingOrders[clientOrderID]
	if ok {
		delete(e.pendingOrders, clientOrderID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	order.Status = types.OrderStatusRejected
	order.Error = reason
	order.UpdatedAt = zqtime.Now()
	e.snapshot(order)
	e.publish("order.rejected", order)
}

// submitWithRetry performs the adapter call with exponential backoff on
// retryable failures, keeping the order pending throughout.
func (e *Engine) submitWithRetry(ctx context.Context, clientOrderID string) {
	backoff := e.cfg.BaseBackoff
	maxRetries := e.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		e.mu.Lock()
		order, ok := e.pendingOrders[clientOrderID]
		e.mu.Unlock()
		if !ok {
			return // already resolved by an async update
		}
		clone := order.Clone()

		exchangeOrderID, err := e.adapter.Submit(ctx, clone)
		if err == nil {
			e.acceptPending(clientOrderID, exchangeOrderID)
			return
		}

		if !isRetryable(err) {
			e.rejectPending(clientOrderID, err.Error())
			return
		}

		e.logger.Warn("retryable submit failure", "client_order_id", clientOrderID, "attempt", attempt, "error", err)
		if attempt == maxRetries {
			e.rejectPending(clientOrderID, fmt.Sprintf("exhausted retries: %v", err))
			return
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}
}

func isRetryable(err error) bool {
	return zqerrors.IsKind(err, zqerrors.KindNetwork) || isRateLimited(err)
}

func isRateLimited(err error) bool {
	if e, ok := err.(*zqerrors.Error); ok {
		return e.Code == zqerrors.CodeRateLimited
	}
	return false
}

// acceptPending moves an order from pending to accepted (submitted/open)
// on a synchronous ack. Idempotent: if the order has already left the
// pending map (promoted by an async update), this is a no-op.
func (e *Engine) acceptPending(clientOrderID, exchangeOrderID string) {
	e.mu.Lock()
	order, ok := e.pendingOrders[clientOrderID]
	if !ok {
		e.mu.Unlock()
		return
	}
	order.ExchangeOrderID = exchangeOrderID
	order.Status = types.OrderStatusSubmitted
	now := zqtime.Now()
	order.SubmittedAt = &now
	order.UpdatedAt = now
	delete(e.pendingOrders, clientOrderID)
	e.mu.Unlock()

	e.snapshot(order)
	e.publish("order.submitted", order)

	order.Status = types.OrderStatusOpen
	order.UpdatedAt = zqtime.Now()
	e.snapshot(order)
	e.publish("order.accepted", order)
}

// ReconcileUpdate applies an asynchronous adapter order-update, whether it
// arrives before or after the synchronous ack. Updates are idempotent:
// stale or regressing updates are discarded.
func (e *Engine) ReconcileUpdate(update AdapterOrderUpdate) {
	e.mu.Lock()
	order, stillPending := e.pendingOrders[update.ClientOrderID]
	e.mu.Unlock()

	if !stillPending {
		existing, ok := e.cache.GetOrder(update.ClientOrderID)
		if !ok {
			return
		}
		order = &existing
	}

	if !order.CanTransitionTo(update.Status) && order.Status != update.Status {
		e.logger.Warn("discarded regressing order update", "client_order_id", update.ClientOrderID,
			"from", order.Status, "to", update.Status)
		return
	}

	if stillPending {
		e.mu.Lock()
		delete(e.pendingOrders, update.ClientOrderID)
		e.mu.Unlock()
	}

	if update.ExchangeOrderID != "" {
		order.ExchangeOrderID = update.ExchangeOrderID
	}
	order.Status = update.Status
	order.UpdatedAt = zqtime.Now()
	if update.Error != "" {
		order.Error = update.Error
	}

	if update.FilledQty.IsPositive() {
		e.applyFill(order, update.FilledQty, update.FillPrice, update.Fee)
	}

	e.snapshot(order)
	e.publishForStatus(order)
}

// applyFill enforces new_filled <= qty, clamping overfills, and
// recomputes the running weighted-average fill price.
func (e *Engine) applyFill(order *types.Order, filledQty decimal.Decimal, price *decimal.Decimal, fee decimal.Decimal) {
	newFilled := order.FilledQty.Add(filledQty)
	overfilled := newFilled.GreaterThan(order.Qty)
	if overfilled {
		e.logger.Warn("overfill clamped", "client_order_id", order.ClientOrderID, "requested", newFilled, "qty", order.Qty)
		newFilled = order.Qty
	}

	if price != nil {
		priorNotional := order.FilledQty.Mul(zeroIfNil(order.AvgFillPrice))
		addedNotional := newFilled.Sub(order.FilledQty).Mul(*price) // clamped added qty
		totalNotional := priorNotional.Add(addedNotional)
		if avg, err := totalNotional.Div(newFilled); err == nil {
			order.AvgFillPrice = &avg
		}
	}

	order.FilledQty = newFilled
	order.RemainingQty = order.Qty.Sub(newFilled)
	order.TotalFee = order.TotalFee.Add(fee)

	if overfilled || order.RemainingQty.IsZero() {
		order.Status = types.OrderStatusFilled
		order.RemainingQty = decimal.Zero
		now := zqtime.Now()
		order.FilledAt = &now
	}
}

func zeroIfNil(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func (e *Engine) publishForStatus(order *types.Order) {
	switch order.Status {
	case types.OrderStatusFilled:
		e.publish("order.filled", order)
	case types.OrderStatusCanceled:
		e.publish("order.canceled", order)
	case types.OrderStatusRejected:
		e.publish("order.rejected", order)
	case types.OrderStatusTriggered:
		e.publish("order.triggered", order)
	default:
		e.publish("order.updated", order)
	}
}

// Cancel requests cancellation of an order by client_order_id.
func (e *Engine) Cancel(ctx context.Context, clientOrderID string) error {
	existing, ok := e.cache.GetOrder(clientOrderID)
	if !ok {
		e.mu.Lock()
		pending, stillPending := e.pendingOrders[clientOrderID]
		e.mu.Unlock()
		if !stillPending {
			return zqerrors.New(zqerrors.KindBusiness, zqerrors.CodeUnknownOrder, "order not found")
		}
		existing = *pending
	}
	if existing.Status.IsTerminal() {
		return zqerrors.New(zqerrors.KindBusiness, "invalid_order_status", "order already terminal")
	}

	clone := existing.Clone()
	if err := e.adapter.Cancel(ctx, clone); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.pendingOrders, clientOrderID)
	e.mu.Unlock()

	existing.Status = types.OrderStatusCanceled
	existing.UpdatedAt = zqtime.Now()
	e.snapshot(&existing)
	e.publish("order.canceled", &existing)
	return nil
}

// CancelAll iterates every order matching filter and cancels it,
// returning the count of successes and failures.
func (e *Engine) CancelAll(ctx context.Context, filter CancelFilter) (cancelled, failed int) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.pendingOrders))
	for id, o := range e.pendingOrders {
		if filter.matches(*o) {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.Cancel(ctx, id); err != nil {
			failed++
		} else {
			cancelled++
		}
	}
	return cancelled, failed
}

// Modify requests a change to a resting order's price and/or quantity.
func (e *Engine) Modify(ctx context.Context, clientOrderID string, changes OrderChanges) error {
	existing, ok := e.cache.GetOrder(clientOrderID)
	if !ok {
		return zqerrors.New(zqerrors.KindBusiness, zqerrors.CodeUnknownOrder, "order not found")
	}
	if existing.Status.IsTerminal() {
		return zqerrors.New(zqerrors.KindBusiness, "invalid_order_status", "order already terminal")
	}
	clone := existing.Clone()
	if err := e.adapter.Modify(ctx, clone, changes); err != nil {
		return err
	}
	if changes.Price != nil {
		existing.Price = changes.Price
	}
	if changes.Qty != nil {
		existing.Qty = *changes.Qty
		existing.RemainingQty = existing.Qty.Sub(existing.FilledQty)
	}
	existing.UpdatedAt = zqtime.Now()
	e.snapshot(&existing)
	e.publish("order.updated", &existing)
	return nil
}

// Get returns an order by client_order_id, checking pending orders first.
func (e *Engine) Get(clientOrderID string) (types.Order, bool) {
	e.mu.Lock()
	if pending, ok := e.pendingOrders[clientOrderID]; ok {
		clone := *pending
		e.mu.Unlock()
		return clone, true
	}
	e.mu.Unlock()
	return e.cache.GetOrder(clientOrderID)
}

// Recover writes every open order the adapter reports into the cache after
// a restart. It neither reads nor changes the pending map (the broader
// cross-restart reconciliation against checkpoints is RecoveryManager's
// responsibility).
func (e *Engine) Recover(ctx context.Context) error {
	openOrders, err := e.adapter.FetchOpenOrders(ctx)
	if err != nil {
		return err
	}
	for _, o := range openOrders {
		_ = e.cache.UpdateOrder(o)
	}
	return nil
}

func (e *Engine) snapshot(order *types.Order) {
	if err := e.cache.UpdateOrder(*order); err != nil {
		e.logger.Warn("cache rejected order snapshot", "client_order_id", order.ClientOrderID, "error", err)
	}
	e.publish("order.snapshot", order)
}

func (e *Engine) publish(topic string, order *types.Order) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, order)
}

// PendingCount reports the number of orders not yet accepted by the
// exchange, for diagnostics/tests.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pendingOrders)
}
