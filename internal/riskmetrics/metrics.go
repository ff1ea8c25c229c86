// Package riskmetrics computes rolling portfolio statistics: value at
// risk, maximum drawdown, and risk-adjusted return ratios. It keeps a
// bounded rolling series of equity marks rather than a full history,
// trading precision for bounded memory the same way the teacher's
// FlowTracker keeps only a rolling window of fills.
//
// Grounded on strategy.FlowTracker's windowed-slice-with-eviction pattern
// for the equity series, and on gonum.org/v1/gonum/stat for variance/
// stddev and gonum.org/v1/gonum/stat's quantile for VaR, replacing any
// hand-rolled statistics the teacher package never needed.
package riskmetrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/zigquant/zigquant/pkg/decimal"
)

// Mark is a single equity observation.
type Mark struct {
	Equity decimal.Decimal
	Ts     time.Time
}

// Tracker accumulates equity marks in a rolling window and derives risk
// statistics from the implied return series.
type Tracker struct {
	mu             sync.RWMutex
	window         time.Duration
	marks          []Mark
	riskFreeRate   float64 // annualized, used by Sharpe/Sortino
	periodsPerYear float64
}

// New constructs a Tracker. window bounds how far back marks are kept;
// periodsPerYear annualizes Sharpe/Sortino (e.g. 365*24 for hourly marks).
func New(window time.Duration, riskFreeRate, periodsPerYear float64) *Tracker {
	return &Tracker{window: window, riskFreeRate: riskFreeRate, periodsPerYear: periodsPerYear}
}

// Record appends an equity mark and evicts marks older than the window.
func (t *Tracker) Record(m Mark) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marks = append(t.marks, m)
	t.evictStaleLocked()
}

func (t *Tracker) evictStaleLocked() {
	if len(t.marks) == 0 || t.window <= 0 {
		return
	}
	cutoff := t.marks[len(t.marks)-1].Ts.Add(-t.window)
	idx := 0
	for i, m := range t.marks {
		if m.Ts.After(cutoff) {
			idx = i
			break
		}
		idx = i + 1
	}
	t.marks = t.marks[idx:]
}

// returns computes simple period returns from consecutive equity marks.
func (t *Tracker) returnsLocked() []float64 {
	if len(t.marks) < 2 {
		return nil
	}
	out := make([]float64, 0, len(t.marks)-1)
	for i := 1; i < len(t.marks); i++ {
		prev := t.marks[i-1].Equity.Float64()
		curr := t.marks[i].Equity.Float64()
		if prev == 0 {
			continue
		}
		out = append(out, (curr-prev)/prev)
	}
	return out
}

// ValueAtRisk returns the historical VaR at the given confidence (e.g.
// 0.95) as a positive fraction of equity: the loss that returns do not
// exceed with that probability, computed from the empirical return
// distribution's lower quantile.
func (t *Tracker) ValueAtRisk(confidence float64) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	returns := t.returnsLocked()
	if len(returns) == 0 {
		return 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	q := stat.Quantile(1-confidence, stat.Empirical, sorted, nil)
	if q > 0 {
		return 0
	}
	return -q
}

// MaxDrawdown returns the largest peak-to-trough decline in the window,
// as a positive fraction of the peak.
func (t *Tracker) MaxDrawdown() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.marks) == 0 {
		return 0
	}
	peak := t.marks[0].Equity.Float64()
	maxDD := 0.0
	for _, m := range t.marks {
		v := m.Equity.Float64()
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - v) / peak
		if dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// SharpeRatio returns the annualized Sharpe ratio of the period returns.
func (t *Tracker) SharpeRatio() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	returns := t.returnsLocked()
	if len(returns) < 2 {
		return 0
	}
	mean := stat.Mean(returns, nil)
	sd := stat.StdDev(returns, nil)
	if sd == 0 {
		return 0
	}
	periodRF := t.riskFreeRate / t.safePeriodsPerYear()
	return (mean - periodRF) / sd * math.Sqrt(t.safePeriodsPerYear())
}

// SortinoRatio is Sharpe's downside-only variant: the denominator uses
// only the standard deviation of negative returns.
func (t *Tracker) SortinoRatio() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	returns := t.returnsLocked()
	if len(returns) < 2 {
		return 0
	}
	downside := make([]float64, 0, len(returns))
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) == 0 {
		return 0
	}
	mean := stat.Mean(returns, nil)
	downsideDev := stat.StdDev(downside, nil)
	if downsideDev == 0 {
		return 0
	}
	periodRF := t.riskFreeRate / t.safePeriodsPerYear()
	return (mean - periodRF) / downsideDev * math.Sqrt(t.safePeriodsPerYear())
}

func (t *Tracker) safePeriodsPerYear() float64 {
	if t.periodsPerYear <= 0 {
		return 252
	}
	return t.periodsPerYear
}

// Count reports how many marks are currently retained.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.marks)
}
