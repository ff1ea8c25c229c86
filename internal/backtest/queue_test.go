package backtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zigquant/zigquant/pkg/decimal"
)

func TestQueuePositionDoesNotFillWhileAheadRemains(t *testing.T) {
	t.Parallel()
	q := NewQueuePosition(KernelPositionBased, 0, decimal.MustFromString("5"), 1)

	require.False(t, q.Consume(decimal.MustFromString("2")))
	require.Equal(t, "3", q.QueueAhead.String())
	require.False(t, q.Consume(decimal.MustFromString("2")))
	require.Equal(t, "1", q.QueueAhead.String())
}

func TestQueuePositionBasedFillsOnceAheadExhausted(t *testing.T) {
	t.Parallel()
	q := NewQueuePosition(KernelPositionBased, 0, decimal.MustFromString("5"), 1)
	q.Consume(decimal.MustFromString("5")) // exhausts queue ahead exactly

	require.True(t, q.Consume(decimal.MustFromString("3")))
}

func TestQueuePositionUniformKernelIsProbabilistic(t *testing.T) {
	t.Parallel()
	var fills int
	for seed := int64(0); seed < 200; seed++ {
		q := NewQueuePosition(KernelUniform, 0, decimal.Zero, seed)
		if q.Consume(decimal.MustFromString("1")) {
			fills++
		}
	}
	// Expect roughly half to fill; a generous band avoids flakiness while
	// still catching a kernel that always or never fires.
	require.Greater(t, fills, 50)
	require.Less(t, fills, 150)
}

func TestQueuePositionExponentialKernelUsesDecayFactor(t *testing.T) {
	t.Parallel()
	var lowDecayFills, highDecayFills int
	for seed := int64(0); seed < 300; seed++ {
		low := NewQueuePosition(KernelExponential, 0.1, decimal.Zero, seed)
		if low.Consume(decimal.MustFromString("1")) {
			lowDecayFills++
		}
		high := NewQueuePosition(KernelExponential, 0.9, decimal.Zero, seed)
		if high.Consume(decimal.MustFromString("1")) {
			highDecayFills++
		}
	}
	// fillProbability = 1 - decay, so a low decay factor should fill more
	// often than a high one across the same seed sequence.
	require.Greater(t, lowDecayFills, highDecayFills)
}

func TestQueuePositionPowerLawKernelDecaysWithExponent(t *testing.T) {
	t.Parallel()
	var lowExpFills, highExpFills int
	for seed := int64(0); seed < 300; seed++ {
		low := NewQueuePosition(KernelPowerLaw, 0.5, decimal.Zero, seed)
		if low.Consume(decimal.MustFromString("1")) {
			lowExpFills++
		}
		high := NewQueuePosition(KernelPowerLaw, 4, decimal.Zero, seed)
		if high.Consume(decimal.MustFromString("1")) {
			highExpFills++
		}
	}
	require.Greater(t, lowExpFills, highExpFills)
}

func TestQueuePositionConsumePartialTradeCappedAtAhead(t *testing.T) {
	t.Parallel()
	q := NewQueuePosition(KernelPositionBased, 0, decimal.MustFromString("2"), 1)
	q.Consume(decimal.MustFromString("10")) // trade larger than queue ahead
	require.Equal(t, "0", q.QueueAhead.String())
}
