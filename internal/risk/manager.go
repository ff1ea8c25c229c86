// Package risk implements the pre-trade risk gate and kill switch.
//
// Every order passes through an ordered pipeline of checks before it is
// allowed to reach the exchange adapter. The first failing check short
// circuits the rest and the order is rejected with a structured Rejection;
// a running histogram of rejection reasons is kept for diagnostics. The
// kill switch is a single atomic flag checked first in the pipeline: once
// tripped, every order is rejected until the cooldown elapses, regardless
// of what later checks would have decided. Grounded on the teacher's
// risk.Manager (aggregate exposure/price-movement monitoring, emitKill
// cooldown pattern) generalized from a reactive position-report consumer
// into a synchronous pre-trade gate, and on golang.org/x/time/rate for
// the order-rate limiter in place of the teacher's hand-rolled TokenBucket.
// The daily-loss check is grounded directly on the teacher's totalPnL
// accumulation in processReport (realized+unrealized summed across all
// positions, compared against a configured loss floor); here it also
// trips the kill switch outright once the loss reaches the kill-switch
// drawdown threshold, rather than only rejecting the triggering order.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/zigquant/zigquant/internal/config"
	"github.com/zigquant/zigquant/internal/execution"
	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqerrors"
)

// CacheReader is the subset of internal/cache.Cache the risk engine needs
// to evaluate exposure and margin.
type CacheReader interface {
	GetPosition(pair types.TradingPair) (types.Position, bool)
	GetBalance(asset string) (types.Balance, bool)
	GetQuote(pair types.TradingPair) (types.Quote, bool)
	IterPositions() []types.Position
}

// Rejection is the structured reason an order failed the pre-trade gate.
type Rejection struct {
	Code    string
	Message string
}

func (r *Rejection) Error() string { return fmt.Sprintf("%s: %s", r.Code, r.Message) }

// Rejection codes, one per pipeline step. Check evaluates them in the
// order kill switch, leverage, position notional, daily loss, rate limit,
// global exposure, reduce-only, balance.
const (
	CodeKillSwitch      = "kill_switch_active"
	CodeRateLimited     = "order_rate_limited"
	CodeMaxLeverage     = "max_leverage_exceeded"
	CodePositionLimit   = "max_position_notional_exceeded"
	CodeGlobalExposure  = "max_global_exposure_exceeded"
	CodeReduceOnly      = "reduce_only_would_increase_position"
	CodeInsufficientBal = "insufficient_balance"
	CodeDailyLossExceeded = "daily_loss_exceeded"
)

// Engine is the RiskEngine: a synchronous pre-trade gate plus an
// independently-trippable kill switch.
type Engine struct {
	cfg    config.RiskConfig
	cache  CacheReader
	logger *slog.Logger

	killSwitch atomic.Bool
	killUntil  atomic.Int64 // unix nanos; 0 means no cooldown scheduled
	killReason atomic.Value // string

	limiter *rate.Limiter

	histMu sync.Mutex
	hist   map[string]uint64

	pnlMu        sync.Mutex
	dailyPnL     decimal.Decimal
	dailyPnLDate string // YYYY-MM-DD the accumulator was last reset for
}

// New constructs a RiskEngine.
func New(cfg config.RiskConfig, cache CacheReader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Limit(cfg.MaxOrdersPerSecond)
	burst := int(cfg.MaxOrdersPerSecond)
	if burst < 1 {
		burst = 1
	}
	e := &Engine{
		cfg:     cfg,
		cache:   cache,
		logger:  logger.With("component", "risk"),
		limiter: rate.NewLimiter(limit, burst),
		hist:    make(map[string]uint64),
	}
	e.killReason.Store("")
	return e
}

// Check runs the full pre-trade pipeline. It satisfies execution.RiskChecker.
func (e *Engine) Check(ctx context.Context, req execution.OrderRequest) error {
	if err := e.checkKillSwitch(); err != nil {
		return e.reject(err)
	}
	if err := e.checkLeverage(req); err != nil {
		return e.reject(err)
	}
	if err := e.checkPositionNotional(req); err != nil {
		return e.reject(err)
	}
	if err := e.checkDailyLoss(req); err != nil {
		return e.reject(err)
	}
	if !e.limiter.Allow() {
		return e.reject(&Rejection{Code: CodeRateLimited, Message: "order rate limit exceeded"})
	}
	if err := e.checkGlobalExposure(req); err != nil {
		return e.reject(err)
	}
	if err := e.checkReduceOnly(req); err != nil {
		return e.reject(err)
	}
	if err := e.checkBalance(req); err != nil {
		return e.reject(err)
	}
	return nil
}

func (e *Engine) reject(r *Rejection) error {
	e.histMu.Lock()
	e.hist[r.Code]++
	e.histMu.Unlock()
	return zqerrors.Risk(r.Code, r.Message)
}

func (e *Engine) checkKillSwitch() *Rejection {
	if !e.IsKillSwitchActive() {
		return nil
	}
	reason, _ := e.killReason.Load().(string)
	return &Rejection{Code: CodeKillSwitch, Message: reason}
}

func notional(qty decimal.Decimal, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price).Abs()
}

func (e *Engine) orderPrice(req execution.OrderRequest) decimal.Decimal {
	if req.Price != nil {
		return *req.Price
	}
	if q, ok := e.cache.GetQuote(req.Pair); ok {
		return q.Mid()
	}
	return decimal.Zero
}

func (e *Engine) checkLeverage(req execution.OrderRequest) *Rejection {
	pos, ok := e.cache.GetPosition(req.Pair)
	if !ok {
		return nil
	}
	if pos.Leverage.GreaterThan(decimal.NewFromFloat(e.cfg.MaxLeverage)) {
		return &Rejection{Code: CodeMaxLeverage, Message: fmt.Sprintf("position leverage %s exceeds max %.2f", pos.Leverage, e.cfg.MaxLeverage)}
	}
	return nil
}

func (e *Engine) checkPositionNotional(req execution.OrderRequest) *Rejection {
	price := e.orderPrice(req)
	added := notional(req.Qty, price)

	existing := decimal.Zero
	if pos, ok := e.cache.GetPosition(req.Pair); ok {
		existing = notional(pos.Size, price)
	}

	projected := existing.Add(added)
	max := decimal.NewFromFloat(e.cfg.MaxPositionNotional)
	if projected.GreaterThan(max) {
		return &Rejection{Code: CodePositionLimit, Message: fmt.Sprintf("projected notional %s exceeds max %s", projected, max)}
	}
	return nil
}

func (e *Engine) checkGlobalExposure(req execution.OrderRequest) *Rejection {
	price := e.orderPrice(req)
	total := notional(req.Qty, price)
	for _, pos := range e.cache.IterPositions() {
		total = total.Add(pos.Size.Abs().Mul(price))
	}
	max := decimal.NewFromFloat(e.cfg.MaxGlobalExposure)
	if total.GreaterThan(max) {
		return &Rejection{Code: CodeGlobalExposure, Message: fmt.Sprintf("projected global exposure %s exceeds max %s", total, max)}
	}
	return nil
}

func (e *Engine) checkReduceOnly(req execution.OrderRequest) *Rejection {
	if !req.ReduceOnly {
		return nil
	}
	pos, ok := e.cache.GetPosition(req.Pair)
	if !ok || pos.Size.IsZero() {
		return &Rejection{Code: CodeReduceOnly, Message: "reduce_only order with no existing position"}
	}
	samedir := (pos.Side == types.Buy && req.Side == types.Buy) || (pos.Side == types.Sell && req.Side == types.Sell)
	if samedir {
		return &Rejection{Code: CodeReduceOnly, Message: "reduce_only order would increase position"}
	}
	return nil
}

// RecordRealizedPnL accumulates a closing fill's realized PnL into the
// running daily total, resetting the accumulator first if the UTC date
// has rolled over since the last record. Whatever component closes a
// position and knows its realized PnL (the exchange adapter's fill
// report carries it) calls this to feed checkDailyLoss; it is also how
// tests seed a daily_pnl baseline directly.
func (e *Engine) RecordRealizedPnL(delta decimal.Decimal) {
	e.pnlMu.Lock()
	defer e.pnlMu.Unlock()
	e.resetIfNewDayLocked()
	e.dailyPnL = e.dailyPnL.Add(delta)
}

func (e *Engine) resetIfNewDayLocked() {
	today := time.Now().UTC().Format("2006-01-02")
	if e.dailyPnLDate != today {
		e.dailyPnLDate = today
		e.dailyPnL = decimal.Zero
	}
}

// dailyLoss returns today's realized PnL plus the unrealized PnL currently
// open across every position, as a positive number when the day is net
// losing.
func (e *Engine) dailyLoss() decimal.Decimal {
	e.pnlMu.Lock()
	e.resetIfNewDayLocked()
	total := e.dailyPnL
	e.pnlMu.Unlock()

	for _, pos := range e.cache.IterPositions() {
		total = total.Add(pos.UnrealizedPnL)
	}
	return total.Neg()
}

// checkDailyLoss rejects when today's realized+unrealized loss exceeds the
// configured limit, and trips the kill switch outright once the loss
// reaches the (typically higher) kill-switch drawdown threshold.
func (e *Engine) checkDailyLoss(req execution.OrderRequest) *Rejection {
	loss := e.dailyLoss()
	if !loss.IsPositive() {
		return nil
	}

	equity := decimal.Zero
	if bal, ok := e.cache.GetBalance("USDC"); ok {
		equity = bal.Total
	}

	if e.cfg.KillSwitchDrawdownPct > 0 && equity.IsPositive() {
		pct, err := loss.Div(equity)
		if err == nil && pct.GreaterThanOrEqual(decimal.NewFromFloat(e.cfg.KillSwitchDrawdownPct)) {
			reason := fmt.Sprintf("daily loss %s is %s of equity %s, exceeds kill switch drawdown %.2f%%", loss, pct, equity, e.cfg.KillSwitchDrawdownPct*100)
			e.Trip(reason)
			return &Rejection{Code: CodeKillSwitch, Message: reason}
		}
	}

	if e.cfg.MaxDailyLoss > 0 {
		limit := decimal.NewFromFloat(e.cfg.MaxDailyLoss)
		if loss.GreaterThan(limit) {
			return &Rejection{Code: CodeDailyLossExceeded, Message: fmt.Sprintf("daily loss %s exceeds max %s", loss, limit)}
		}
	}

	if e.cfg.MaxDailyLossPct > 0 && equity.IsPositive() {
		limit := equity.Mul(decimal.NewFromFloat(e.cfg.MaxDailyLossPct))
		if loss.GreaterThan(limit) {
			return &Rejection{Code: CodeDailyLossExceeded, Message: fmt.Sprintf("daily loss %s exceeds max %s (%.2f%% of equity %s)", loss, limit, e.cfg.MaxDailyLossPct*100, equity)}
		}
	}

	return nil
}

func (e *Engine) checkBalance(req execution.OrderRequest) *Rejection {
	price := e.orderPrice(req)
	required := notional(req.Qty, price)
	bal, ok := e.cache.GetBalance("USDC")
	if !ok {
		return nil
	}
	if bal.Available.LessThan(required) {
		return &Rejection{Code: CodeInsufficientBal, Message: fmt.Sprintf("available %s less than required %s", bal.Available, required)}
	}
	return nil
}

// Trip engages the kill switch for CooldownAfterKill, or indefinitely if
// the configured cooldown is zero.
func (e *Engine) Trip(reason string) {
	e.killSwitch.Store(true)
	e.killReason.Store(reason)
	if e.cfg.CooldownAfterKill > 0 {
		e.killUntil.Store(time.Now().Add(e.cfg.CooldownAfterKill).UnixNano())
	} else {
		e.killUntil.Store(0)
	}
	e.logger.Error("kill switch engaged", "reason", reason)
}

// Reset manually clears the kill switch (operator override).
func (e *Engine) Reset() {
	e.killSwitch.Store(false)
	e.killReason.Store("")
	e.killUntil.Store(0)
}

// IsKillSwitchActive reports whether the kill switch is currently engaged,
// clearing it if a non-zero cooldown has elapsed.
func (e *Engine) IsKillSwitchActive() bool {
	if !e.killSwitch.Load() {
		return false
	}
	until := e.killUntil.Load()
	if until != 0 && time.Now().UnixNano() >= until {
		e.killSwitch.Store(false)
		e.killReason.Store("")
		return false
	}
	return true
}

// RejectionHistogram returns a snapshot of rejection counts by code.
func (e *Engine) RejectionHistogram() map[string]uint64 {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	out := make(map[string]uint64, len(e.hist))
	for k, v := range e.hist {
		out[k] = v
	}
	return out
}
