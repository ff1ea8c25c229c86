// Package money implements position sizing: turning a risk budget and a
// signal into a concrete order quantity, floored to the exchange's lot
// size. Three sizing methods are supported, selected by config: fixed
// fractional risk, a capped Kelly fraction, and an inverse-volatility
// risk-parity split across simultaneously open positions.
//
// Grounded on the teacher's strategy.Maker sizing math (OrderSizeUSD /
// price, floored to tick size) generalized from a fixed USD notional to
// three selectable sizing methods, and on gonum.org/v1/gonum/stat for the
// mean volatility the risk-parity method substitutes for non-positive
// inputs.
package money

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/zigquant/zigquant/internal/config"
	"github.com/zigquant/zigquant/pkg/decimal"
)

// Manager is the MoneyManager.
type Manager struct {
	cfg config.MoneyConfig
}

// New constructs a Manager.
func New(cfg config.MoneyConfig) *Manager {
	return &Manager{cfg: cfg}
}

// SizeRequest carries everything a sizing method might need; fields
// unused by the selected method are ignored.
type SizeRequest struct {
	Equity          decimal.Decimal
	Price           decimal.Decimal
	StopDistancePct decimal.Decimal // fractional distance to stop, used by fixed_fraction
	WinProbability  float64         // used by kelly
	WinLossRatio    float64         // used by kelly
	PairVolatility  float64         // this pair's recent return stddev, used by risk_parity
	PeerVolatility  []float64       // every open position's volatility, used by risk_parity
}

// Size computes an order quantity per the configured method, floored to
// LotSize. Returns zero if the computed size rounds down to nothing.
func (m *Manager) Size(req SizeRequest) (decimal.Decimal, error) {
	if req.Price.IsZero() || req.Price.IsNegative() {
		return decimal.Zero, fmt.Errorf("money: price must be positive")
	}

	var notional decimal.Decimal
	switch m.cfg.Method {
	case "fixed_fraction":
		notional = m.fixedFraction(req)
	case "kelly":
		notional = m.kelly(req)
	case "risk_parity":
		notional = m.riskParity(req)
	default:
		return decimal.Zero, fmt.Errorf("money: unknown sizing method %q", m.cfg.Method)
	}

	if notional.IsZero() || notional.IsNegative() {
		return decimal.Zero, nil
	}

	qty, err := notional.Div(req.Price)
	if err != nil {
		return decimal.Zero, err
	}
	return m.floorToLotSize(qty), nil
}

// fixedFraction risks RiskPerTrade% of equity, sized so a move of
// StopDistancePct against the position loses exactly that fraction.
func (m *Manager) fixedFraction(req SizeRequest) decimal.Decimal {
	riskBudget := req.Equity.Mul(decimal.NewFromFloat(m.cfg.RiskPerTrade / 100))
	if req.StopDistancePct.IsZero() {
		return riskBudget
	}
	notional, err := riskBudget.Div(req.StopDistancePct)
	if err != nil {
		return decimal.Zero
	}
	return notional
}

// kelly applies a fractional Kelly criterion: f* = p - (1-p)/b is the full
// Kelly fraction, where b is the win/loss ratio; KellyFraction (e.g. 0.5
// for half-Kelly) scales that fraction down, and the scaled result is
// then clamped to [0, MaxPositionPct] of equity. Scaling and clamping are
// two independent knobs — KellyFraction tunes how aggressively the
// criterion is followed, MaxPositionPct is a hard ceiling regardless of
// what the criterion says.
func (m *Manager) kelly(req SizeRequest) decimal.Decimal {
	if req.WinLossRatio <= 0 {
		return decimal.Zero
	}
	p := req.WinProbability
	q := 1 - p
	fStar := p - q/req.WinLossRatio
	if fStar <= 0 {
		return decimal.Zero
	}

	fraction := m.cfg.KellyFraction
	if fraction <= 0 {
		fraction = 1
	}
	fStar *= fraction

	if max := m.cfg.MaxPositionPct; max > 0 && fStar > max {
		fStar = max
	}
	return req.Equity.Mul(decimal.NewFromFloat(fStar))
}

// riskParity allocates a pair's share of the total risk budget inversely
// proportional to its volatility relative to peer positions, so every
// position contributes roughly the same risk.
func (m *Manager) riskParity(req SizeRequest) decimal.Decimal {
	if req.PairVolatility <= 0 {
		return decimal.Zero
	}
	vols := append(append([]float64{}, req.PeerVolatility...), req.PairVolatility)
	inv := make([]float64, len(vols))
	var invSum float64
	for i, v := range vols {
		if v <= 0 {
			v = stat.Mean(vols, nil)
			if v <= 0 {
				v = req.PairVolatility
			}
		}
		inv[i] = 1 / v
		invSum += inv[i]
	}
	if invSum == 0 {
		return decimal.Zero
	}
	weight := inv[len(inv)-1] / invSum
	budget := req.Equity.Mul(decimal.NewFromFloat(m.cfg.RiskPerTrade / 100))
	return budget.Mul(decimal.NewFromFloat(weight))
}

// floorToLotSize truncates qty down to the nearest multiple of LotSize.
func (m *Manager) floorToLotSize(qty decimal.Decimal) decimal.Decimal {
	lot := decimal.NewFromFloat(m.cfg.LotSize)
	if lot.IsZero() {
		return qty
	}
	units, err := qty.Div(lot)
	if err != nil {
		return decimal.Zero
	}
	whole := decimal.NewFromFloat(float64(int64(units.Float64())))
	return whole.Mul(lot)
}
