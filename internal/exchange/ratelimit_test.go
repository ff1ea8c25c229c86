package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRateLimiterAppliesDefaultsWhenUnset(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(0, 0)
	require.NotNil(t, rl.Info)
	require.NotNil(t, rl.Action)
}

func TestWaitInfoReturnsImmediatelyWithinBurst(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(100, 10)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rl.WaitInfo(ctx))
}

func TestWaitActionRespectsContextCancellation(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(0.001, 1)
	rl.Action.Allow() // consume the single burst token

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := rl.WaitAction(ctx)
	require.Error(t, err)
}
