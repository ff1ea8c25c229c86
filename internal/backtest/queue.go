package backtest

import (
	"math"
	"math/rand"

	"github.com/zigquant/zigquant/pkg/decimal"
)

// QueueKernel selects the fill-probability function used by QueuePosition
// when a contra-side trade arrives at a resting order's price level.
type QueueKernel string

const (
	// KernelUniform fills with probability 0.5 once the order reaches the
	// front of the queue.
	KernelUniform QueueKernel = "uniform"
	// KernelExponential fills with probability 1 - DecayFactor once the
	// order reaches the front; a DecayFactor outside (0, 1) falls back to
	// 0.5. The probability does not depend on how deep the order started.
	KernelExponential QueueKernel = "exponential"
	// KernelPowerLaw fills with probability 0.5^DecayFactor once the order
	// reaches the front, DecayFactor acting as the exponent (1 when unset).
	// The probability does not depend on how deep the order started.
	KernelPowerLaw QueueKernel = "power_law"
	// KernelPositionBased is strict FIFO: an arriving contra-order only
	// fills this order once everything ahead of it in queue_ahead has
	// been consumed.
	KernelPositionBased QueueKernel = "position_based"
)

// QueuePosition tracks one resting limit order's place in the simulated
// book queue at its price level. QueueAhead is the notional quantity
// estimated to be ahead of this order when it joined the level; each
// matching contra-side trade consumes from the front.
type QueuePosition struct {
	Kernel      QueueKernel
	DecayFactor float64 // used by Exponential/PowerLaw; ignored otherwise
	QueueAhead  decimal.Decimal
	rng         *rand.Rand
}

// NewQueuePosition constructs a QueuePosition joining a level with
// queueAhead notional already resting in front of it. seed makes the
// Bernoulli fill draws reproducible across runs.
func NewQueuePosition(kernel QueueKernel, decayFactor float64, queueAhead decimal.Decimal, seed int64) *QueuePosition {
	return &QueuePosition{
		Kernel:      kernel,
		DecayFactor: decayFactor,
		QueueAhead:  queueAhead,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Consume removes qty from the front of the queue as a contra-side trade
// prints at this order's price. It returns whether the arriving trade's
// quantity was enough to reach and fill this order, a probabilistic
// outcome once QueueAhead has been exhausted.
func (q *QueuePosition) Consume(tradeQty decimal.Decimal) (filled bool) {
	if q.QueueAhead.IsPositive() {
		consumed := decimal.Min(q.QueueAhead, tradeQty)
		q.QueueAhead = q.QueueAhead.Sub(consumed)
		if q.QueueAhead.IsPositive() || !tradeQty.Sub(consumed).IsPositive() {
			return false // nothing of this trade is left over to reach the order
		}
	}
	p := q.fillProbability()
	return q.rng.Float64() < p
}

// fillProbability returns this order's chance of being the one filled by
// the current arriving contra-order, given the configured kernel. Once
// QueueAhead has reached zero the order is at the front, so every kernel
// except the strict-FIFO PositionBased one still applies some
// probability rather than guaranteeing an immediate fill — this models
// that real order books have other participants joining and leaving the
// front of the queue between ticks.
func (q *QueuePosition) fillProbability() float64 {
	switch q.Kernel {
	case KernelPositionBased:
		return 1.0
	case KernelExponential:
		d := q.DecayFactor
		if d <= 0 || d >= 1 {
			d = 0.5
		}
		return 1 - d
	case KernelPowerLaw:
		exp := q.DecayFactor
		if exp <= 0 {
			exp = 1.0
		}
		return math.Pow(0.5, exp)
	case KernelUniform:
		fallthrough
	default:
		return 0.5
	}
}
