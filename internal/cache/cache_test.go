package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqtime"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingPublisher) Publish(topic string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
}

func pair() types.TradingPair { return types.NewTradingPair("BTC", "USDC") }

func TestUpdateQuoteNotifiesAndStores(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	c := New(DefaultConfig(), pub, nil)

	q := types.Quote{Pair: pair(), Bid: decimal.MustFromString("100"), Ask: decimal.MustFromString("101"), Ts: zqtime.Now()}
	require.NoError(t, c.UpdateQuote(q))

	got, ok := c.GetQuote(pair())
	require.True(t, ok)
	require.True(t, got.Bid.Equal(q.Bid))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Contains(t, pub.topics, "cache.quotes.BTC-USDC")
}

func TestUpdateQuoteInvalidDoesNotMutate(t *testing.T) {
	t.Parallel()

	c := New(DefaultConfig(), nil, nil)
	good := types.Quote{Pair: pair(), Bid: decimal.MustFromString("100"), Ask: decimal.MustFromString("101")}
	require.NoError(t, c.UpdateQuote(good))

	bad := types.Quote{Pair: pair(), Bid: decimal.MustFromString("105"), Ask: decimal.MustFromString("101")}
	err := c.UpdateQuote(bad)
	require.Error(t, err)

	got, _ := c.GetQuote(pair())
	require.True(t, got.Bid.Equal(good.Bid), "pre-image must equal post-image after failed validation")
}

func TestCandleRingEviction(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.DefaultCandleCapacity = 2
	c := New(cfg, nil, nil)

	mk := func(openTs int64, o string) types.Candle {
		return types.Candle{
			Pair: pair(), TF: types.Timeframe1m,
			Open: decimal.MustFromString(o), High: decimal.MustFromString(o), Low: decimal.MustFromString(o), Close: decimal.MustFromString(o),
			Volume: decimal.MustFromString("1"),
			OpenTs: zqtime.Timestamp{WallNanos: openTs},
		}
	}

	require.NoError(t, c.UpdateCandle(mk(1, "1")))
	require.NoError(t, c.UpdateCandle(mk(2, "2")))
	require.NoError(t, c.UpdateCandle(mk(3, "3")))

	snap := c.GetCandles(pair(), types.Timeframe1m)
	require.Len(t, snap, 2)
	require.Equal(t, "2", snap[0].Open.String())
	require.Equal(t, "3", snap[1].Open.String())
}

func TestOrderStatusNeverRegresses(t *testing.T) {
	t.Parallel()

	c := New(DefaultConfig(), nil, nil)
	o := types.Order{
		ClientOrderID: "c1", Status: types.OrderStatusOpen,
		Qty: decimal.MustFromString("1"), RemainingQty: decimal.MustFromString("1"),
	}
	require.NoError(t, c.UpdateOrder(o))

	o.Status = types.OrderStatusFilled
	o.FilledQty = decimal.MustFromString("1")
	o.RemainingQty = decimal.MustFromString("0")
	require.NoError(t, c.UpdateOrder(o))

	regressed := o
	regressed.Status = types.OrderStatusOpen
	require.Error(t, c.UpdateOrder(regressed))
}

func TestBalanceInvariantEnforced(t *testing.T) {
	t.Parallel()

	c := New(DefaultConfig(), nil, nil)
	bad := types.Balance{Asset: "USDC", Total: decimal.MustFromString("100"), Available: decimal.MustFromString("60"), Locked: decimal.MustFromString("50")}
	require.Error(t, c.UpdateBalance(bad))

	_, ok := c.GetBalance("USDC")
	require.False(t, ok)
}

func TestConcurrentQuoteUpdatesNoRace(t *testing.T) {
	t.Parallel()

	c := New(DefaultConfig(), nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = c.UpdateQuote(types.Quote{
				Pair: pair(),
				Bid:  decimal.NewFromInt(int64(n)),
				Ask:  decimal.NewFromInt(int64(n + 1)),
			})
		}(i)
	}
	wg.Wait()
	_, ok := c.GetQuote(pair())
	require.True(t, ok)
}
