package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zigquant/zigquant/pkg/zqerrors"
)

func TestExitCodeForUnwrapsExitError(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("wrapped: %w", withExitCode(exitConfigError, fmt.Errorf("bad flag")))
	require.Equal(t, exitConfigError, exitCodeFor(err))
}

func TestExitCodeForDefaultsToRuntimePanic(t *testing.T) {
	t.Parallel()
	require.Equal(t, exitRuntimePanic, exitCodeFor(fmt.Errorf("unclassified failure")))
}

func TestIsRecoveryFailureMatchesSystemErrorCode(t *testing.T) {
	t.Parallel()
	err := zqerrors.System("recovery_failed", "recovery failed", fmt.Errorf("disk full"))
	require.True(t, isRecoveryFailure(err))

	other := zqerrors.System("some_other_code", "boom", nil)
	require.False(t, isRecoveryFailure(other))

	require.False(t, isRecoveryFailure(fmt.Errorf("plain error")))
}

func TestLookupStrategyRejectsUnknownName(t *testing.T) {
	t.Parallel()
	_, err := lookupStrategy("does-not-exist")
	require.Error(t, err)
}

func TestLookupStrategyReturnsDistinctInstances(t *testing.T) {
	t.Parallel()
	a, err := lookupStrategy("buy-and-hold")
	require.NoError(t, err)
	b, err := lookupStrategy("buy-and-hold")
	require.NoError(t, err)
	require.NotSame(t, a, b)
}
