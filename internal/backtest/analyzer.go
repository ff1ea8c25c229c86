package backtest

import (
	"math"
	"time"

	"github.com/zigquant/zigquant/internal/riskmetrics"
	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqtime"
)

// Report summarizes one backtest Result: the riskmetrics.Tracker's
// equity-curve statistics plus round-trip trade stats derived from the
// fill list itself.
type Report struct {
	TotalReturn      float64
	AnnualizedReturn float64
	SharpeRatio      float64
	SortinoRatio     float64
	MaxDrawdown      float64
	ValueAtRisk95    float64

	TradeCount       int
	WinRate          float64
	ProfitFactor     float64
	AvgTradeDuration time.Duration
	TotalFees        decimal.Decimal
}

// PerformanceAnalyzer turns a backtest Result into a Report. Grounded on
// the teacher's FlowTracker/inventory.go cost-basis matching for pairing
// fills into round trips, and on riskmetrics.Tracker (already built on
// gonum.org/v1/gonum/stat) for the equity-curve-derived ratios, so a
// backtest Report and a live RiskMetrics snapshot are computed by the
// exact same statistics code.
type PerformanceAnalyzer struct {
	tracker *riskmetrics.Tracker
}

// NewPerformanceAnalyzer constructs an analyzer. periodsPerYear
// annualizes Sharpe/Sortino/AnnualizedReturn (e.g. 365*24 for hourly
// candles, 365 for daily).
func NewPerformanceAnalyzer(riskFreeRate, periodsPerYear float64) *PerformanceAnalyzer {
	return &PerformanceAnalyzer{tracker: riskmetrics.New(0, riskFreeRate, periodsPerYear)}
}

// Analyze feeds result's equity curve into the Tracker and pairs its
// fills into FIFO round trips to derive trade-level statistics.
func (a *PerformanceAnalyzer) Analyze(result *Result) Report {
	for _, ep := range result.EquityCurve {
		a.tracker.Record(riskmetrics.Mark{Equity: ep.Equity, Ts: ep.Ts.Time()})
	}

	report := Report{
		SharpeRatio:   a.tracker.SharpeRatio(),
		SortinoRatio:  a.tracker.SortinoRatio(),
		MaxDrawdown:   a.tracker.MaxDrawdown(),
		ValueAtRisk95: a.tracker.ValueAtRisk(0.95),
	}

	if len(result.EquityCurve) >= 2 {
		first := result.EquityCurve[0]
		last := result.EquityCurve[len(result.EquityCurve)-1]
		if first.Equity.IsPositive() {
			ratio, err := last.Equity.Div(first.Equity)
			if err == nil {
				report.TotalReturn = ratio.Float64() - 1
				report.AnnualizedReturn = annualize(report.TotalReturn, first.Ts, last.Ts)
			}
		}
	}

	trips := matchRoundTrips(result.Trades)
	report.TradeCount = len(trips)
	var grossProfit, grossLoss decimal.Decimal
	var wins int
	var totalDuration time.Duration
	for _, tr := range trips {
		if tr.pnl.IsPositive() {
			wins++
			grossProfit = grossProfit.Add(tr.pnl)
		} else {
			grossLoss = grossLoss.Add(tr.pnl.Abs())
		}
		totalDuration += tr.duration
		report.TotalFees = report.TotalFees.Add(tr.fees)
	}
	if report.TradeCount > 0 {
		report.WinRate = float64(wins) / float64(report.TradeCount)
		report.AvgTradeDuration = totalDuration / time.Duration(report.TradeCount)
	}
	if grossLoss.IsPositive() {
		pf, err := grossProfit.Div(grossLoss)
		if err == nil {
			report.ProfitFactor = pf.Float64()
		}
	} else if grossProfit.IsPositive() {
		report.ProfitFactor = math.Inf(1)
	}

	return report
}

func annualize(totalReturn float64, first, last zqtime.Timestamp) float64 {
	elapsed := last.Sub(first)
	if elapsed <= 0 {
		return 0
	}
	years := elapsed.Hours() / (365 * 24)
	if years <= 0 {
		return 0
	}
	return math.Pow(1+totalReturn, 1/years) - 1
}

type roundTrip struct {
	pnl      decimal.Decimal
	fees     decimal.Decimal
	duration time.Duration
}

type openLot struct {
	qty   decimal.Decimal
	price decimal.Decimal
	fee   decimal.Decimal
	ts    time.Time
}

// matchRoundTrips pairs fills into closed round trips using FIFO cost
// basis, one queue of open lots per side of the net position. A fill on
// the opposite side of the currently open lots closes them from the
// front; any leftover quantity opens a new lot on the new side.
func matchRoundTrips(fills []Fill) []roundTrip {
	var trips []roundTrip
	var longLots, shortLots []openLot

	for _, f := range fills {
		remaining := f.Qty
		fee := f.Fee
		ts := f.Ts.Time()

		if f.Side == types.Buy {
			for remaining.IsPositive() && len(shortLots) > 0 {
				lot := shortLots[0]
				matched := decimal.Min(remaining, lot.qty)
				pnl := lot.price.Sub(f.Price).Mul(matched)
				tripFee := proportionalFee(fee, matched, f.Qty).Add(proportionalFee(lot.fee, matched, lot.qty))
				trips = append(trips, roundTrip{pnl: pnl.Sub(tripFee), fees: tripFee, duration: ts.Sub(lot.ts)})
				lot.qty = lot.qty.Sub(matched)
				lot.fee = proportionalFee(lot.fee, lot.qty, lot.qty.Add(matched))
				remaining = remaining.Sub(matched)
				if lot.qty.IsZero() {
					shortLots = shortLots[1:]
				} else {
					shortLots[0] = lot
				}
			}
			if remaining.IsPositive() {
				longLots = append(longLots, openLot{qty: remaining, price: f.Price, fee: proportionalFee(fee, remaining, f.Qty), ts: ts})
			}
		} else {
			for remaining.IsPositive() && len(longLots) > 0 {
				lot := longLots[0]
				matched := decimal.Min(remaining, lot.qty)
				pnl := f.Price.Sub(lot.price).Mul(matched)
				tripFee := proportionalFee(fee, matched, f.Qty).Add(proportionalFee(lot.fee, matched, lot.qty))
				trips = append(trips, roundTrip{pnl: pnl.Sub(tripFee), fees: tripFee, duration: ts.Sub(lot.ts)})
				lot.qty = lot.qty.Sub(matched)
				lot.fee = proportionalFee(lot.fee, lot.qty, lot.qty.Add(matched))
				remaining = remaining.Sub(matched)
				if lot.qty.IsZero() {
					longLots = longLots[1:]
				} else {
					longLots[0] = lot
				}
			}
			if remaining.IsPositive() {
				shortLots = append(shortLots, openLot{qty: remaining, price: f.Price, fee: proportionalFee(fee, remaining, f.Qty), ts: ts})
			}
		}
	}

	return trips
}

func proportionalFee(fee, part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	ratio, err := part.Div(whole)
	if err != nil {
		return decimal.Zero
	}
	return fee.Mul(ratio)
}
