// Package backtest implements the event-driven and vectorized backtesters
// (§4.12): historical candle replay, a simulated ExecutionEngine with a
// dual-latency model and a queue-position fill kernel, and a
// PerformanceAnalyzer over the resulting trade list and equity curve.
//
// Grounded on the teacher's strategy.Maker reconciliation loop for the
// "tick, reconcile orders, requote" shape (generalized from a live WS feed
// to a replayed candle stream), and on gonum.org/v1/gonum/stat/distuv for
// the latency and fill-probability sampling the teacher never needed.
package backtest

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

// LatencyModel samples a delay for one simulated network hop (feed
// latency, order-entry latency, or order-response latency).
type LatencyModel interface {
	Sample() time.Duration
}

// ConstantLatency always returns the same delay.
type ConstantLatency struct {
	Value time.Duration
}

// Sample implements LatencyModel.
func (c ConstantLatency) Sample() time.Duration { return c.Value }

// NormalLatency samples from a normal distribution truncated to [Min,
// Max]; a negative raw sample is clamped to Min (latency can't go
// negative even if the tail of the distribution would produce one).
type NormalLatency struct {
	Mean   time.Duration
	StdDev time.Duration
	Min    time.Duration
	Max    time.Duration
	Src    rand.Source // nil uses an unseeded, non-deterministic source
}

// Sample implements LatencyModel.
func (n NormalLatency) Sample() time.Duration {
	dist := distuv.Normal{Mu: float64(n.Mean), Sigma: float64(n.StdDev), Src: n.Src}
	v := time.Duration(dist.Rand())
	if n.Min > 0 && v < n.Min {
		v = n.Min
	}
	if n.Max > 0 && v > n.Max {
		v = n.Max
	}
	if v < 0 {
		v = 0
	}
	return v
}

// InterpolatedLatency samples uniformly from a provided empirical
// distribution of observed delays (e.g. measured round-trip times),
// linearly interpolating between the two nearest sorted samples so the
// output isn't limited to exactly the recorded values.
type InterpolatedLatency struct {
	samples []time.Duration
	rng     *rand.Rand
}

// NewInterpolatedLatency builds an InterpolatedLatency from an empirical
// sample set. The slice is copied and sorted; it must be non-empty.
func NewInterpolatedLatency(samples []time.Duration, src rand.Source) (*InterpolatedLatency, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("backtest: interpolated latency needs at least one sample")
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if src == nil {
		src = rand.NewSource(1)
	}
	return &InterpolatedLatency{samples: sorted, rng: rand.New(src)}, nil
}

// Sample implements LatencyModel.
func (il *InterpolatedLatency) Sample() time.Duration {
	if len(il.samples) == 1 {
		return il.samples[0]
	}
	u := il.rng.Float64() * float64(len(il.samples)-1)
	lo := int(math.Floor(u))
	frac := u - float64(lo)
	hi := lo + 1
	if hi >= len(il.samples) {
		return il.samples[lo]
	}
	a, b := il.samples[lo], il.samples[hi]
	return a + time.Duration(float64(b-a)*frac)
}

// OrderLatency splits round-trip order latency into the entry leg
// (strategy → exchange) and the response leg (exchange → strategy), each
// sampled independently per §4.12.
type OrderLatency struct {
	Entry    LatencyModel
	Response LatencyModel
}
