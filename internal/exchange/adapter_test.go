package exchange

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zigquant/zigquant/internal/config"
)

func TestNewAdapterBuildsNameAndCapabilities(t *testing.T) {
	t.Parallel()
	cfg := config.ExchangeConfig{
		RESTBaseURL: "http://localhost",
		WSURL:       "wss://localhost",
		Pairs:       []string{"BTC-USD", "ETH-USD"},
	}
	a, err := New(cfg, true, testWallet(t), nil, testLogger())
	require.NoError(t, err)

	require.Equal(t, "hyperliquid", a.Name())
	caps := a.Capabilities()
	require.True(t, caps.Streams)
	require.Len(t, caps.Pairs, 2)
}

func TestAdapterNotConnectedBeforeConnect(t *testing.T) {
	t.Parallel()
	cfg := config.ExchangeConfig{RESTBaseURL: "http://localhost", WSURL: "wss://localhost"}
	a, err := New(cfg, true, testWallet(t), nil, testLogger())
	require.NoError(t, err)
	require.False(t, a.IsConnected())
}
