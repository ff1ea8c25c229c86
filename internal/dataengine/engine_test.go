package dataengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqtime"
)

type fakeProvider struct {
	name      string
	events    chan MarketEvent
	connected bool
	mu        sync.Mutex
	subs      []types.TradingPair
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, events: make(chan MarketEvent, 16)}
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Capabilities() Capabilities {
	return Capabilities{Streams: true}
}
func (f *fakeProvider) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}
func (f *fakeProvider) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}
func (f *fakeProvider) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakeProvider) Subscribe(pair types.TradingPair, tf types.Timeframe) error {
	f.mu.Lock()
	f.subs = append(f.subs, pair)
	f.mu.Unlock()
	return nil
}
func (f *fakeProvider) Unsubscribe(types.TradingPair, types.Timeframe) error { return nil }
func (f *fakeProvider) Events() <-chan MarketEvent                          { return f.events }

type fakeCache struct {
	mu     sync.Mutex
	quotes []types.Quote
}

func (c *fakeCache) UpdateQuote(q types.Quote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes = append(c.quotes, q)
	return nil
}
func (c *fakeCache) UpdateCandle(types.Candle) error { return nil }

func (c *fakeCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.quotes)
}

func btcUsdc() types.TradingPair { return types.NewTradingPair("BTC", "USDC") }

func TestDataEngineIngestsValidQuote(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider("test")
	fc := &fakeCache{}
	e := New(DefaultConfig(), fc, nil, nil)
	e.RegisterProvider(provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	provider.events <- MarketEvent{Quote: &types.Quote{
		Pair: btcUsdc(), Bid: decimal.MustFromString("100"), Ask: decimal.MustFromString("101"), Ts: zqtime.Now(),
	}}

	require.Eventually(t, func() bool { return fc.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDataEngineDropsInvalidQuote(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider("test")
	fc := &fakeCache{}
	e := New(DefaultConfig(), fc, nil, nil)
	e.RegisterProvider(provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	provider.events <- MarketEvent{Quote: &types.Quote{
		Pair: btcUsdc(), Bid: decimal.MustFromString("105"), Ask: decimal.MustFromString("100"), Ts: zqtime.Now(),
	}}
	provider.events <- MarketEvent{Quote: &types.Quote{
		Pair: btcUsdc(), Bid: decimal.MustFromString("100"), Ask: decimal.MustFromString("101"), Ts: zqtime.Now(),
	}}

	require.Eventually(t, func() bool { return fc.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestQuoteQueueDropsOldestOnOverflow(t *testing.T) {
	t.Parallel()

	q := newQuoteQueue(2)
	pairs := []types.TradingPair{
		types.NewTradingPair("A", "USDC"),
		types.NewTradingPair("B", "USDC"),
		types.NewTradingPair("C", "USDC"),
	}
	for _, p := range pairs {
		q.push(types.Quote{Pair: p, Bid: decimal.MustFromString("1"), Ask: decimal.MustFromString("2")})
	}
	require.Equal(t, 2, q.len())
	require.True(t, q.gapCount() >= 1)
}

func TestSubscribeReplayOnReconnect(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider("test")
	fc := &fakeCache{}
	e := New(DefaultConfig(), fc, nil, nil)
	e.RegisterProvider(provider)
	e.Subscribe(btcUsdc(), types.Timeframe1m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	require.Eventually(t, func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return len(provider.subs) == 1
	}, time.Second, 5*time.Millisecond)
}
