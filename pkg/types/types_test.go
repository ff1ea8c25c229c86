package types

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/zqtime"
)

func TestTradingPairRoundTrip(t *testing.T) {
	t.Parallel()

	p := NewTradingPair("btc", "usdc")
	require.Equal(t, "BTC-USDC", p.String())

	parsed, err := ParseTradingPair(p.String())
	require.NoError(t, err)
	require.True(t, p.Equal(parsed))
}

func TestParseTradingPairInvalid(t *testing.T) {
	t.Parallel()

	_, err := ParseTradingPair("BTCUSDC")
	require.Error(t, err)
}

func TestTimeframeMinutes(t *testing.T) {
	t.Parallel()

	cases := map[Timeframe]int{
		Timeframe1m:  1,
		Timeframe5m:  5,
		Timeframe15m: 15,
		Timeframe30m: 30,
		Timeframe1h:  60,
		Timeframe4h:  240,
		Timeframe1d:  1440,
		Timeframe1w:  10080,
	}
	for tf, want := range cases {
		require.Equal(t, want, tf.Minutes())
		require.True(t, tf.Valid())
	}
	require.False(t, Timeframe("2m").Valid())
}

func TestOrderInvariant(t *testing.T) {
	t.Parallel()

	o := &Order{
		ClientOrderID: "c1",
		Qty:           decimal.MustFromString("1.0"),
		FilledQty:     decimal.MustFromString("0.4"),
		RemainingQty:  decimal.MustFromString("0.6"),
	}
	require.NoError(t, o.CheckInvariant())

	o.RemainingQty = decimal.MustFromString("0.5")
	require.Error(t, o.CheckInvariant())

	o.RemainingQty = decimal.MustFromString("-0.1")
	o.FilledQty = decimal.MustFromString("1.1")
	require.Error(t, o.CheckInvariant())
}

func TestOrderStateMachineNeverRegresses(t *testing.T) {
	t.Parallel()

	o := &Order{Status: OrderStatusPending}
	require.True(t, o.CanTransitionTo(OrderStatusSubmitted))
	o.Status = OrderStatusSubmitted
	require.True(t, o.CanTransitionTo(OrderStatusOpen))
	o.Status = OrderStatusOpen
	require.True(t, o.CanTransitionTo(OrderStatusFilled))
	o.Status = OrderStatusFilled

	require.True(t, o.Status.IsTerminal())
	require.False(t, o.CanTransitionTo(OrderStatusOpen))
	require.False(t, o.CanTransitionTo(OrderStatusCanceled))
}

func TestOrderCloneIsIndependent(t *testing.T) {
	t.Parallel()

	price := decimal.MustFromString("50000")
	o := &Order{ClientOrderID: "c1", Price: &price}
	clone := o.Clone()
	*clone.Price = decimal.MustFromString("60000")

	require.Equal(t, "50000", o.Price.String())
	require.Equal(t, "60000", clone.Price.String())
}

func TestQuoteMidAndSpread(t *testing.T) {
	t.Parallel()

	q := Quote{
		Bid: decimal.MustFromString("100"),
		Ask: decimal.MustFromString("102"),
		Ts:  zqtime.Now(),
	}
	require.True(t, q.Mid().Equal(decimal.MustFromString("101")))
	require.True(t, q.Spread().Equal(decimal.MustFromString("2")))
	require.NoError(t, q.Validate())
}

func TestQuoteValidateRejectsCrossedBook(t *testing.T) {
	t.Parallel()

	q := Quote{Bid: decimal.MustFromString("102"), Ask: decimal.MustFromString("100")}
	require.Error(t, q.Validate())
}

func TestCandleValidate(t *testing.T) {
	t.Parallel()

	good := Candle{
		Open: decimal.MustFromString("100"), High: decimal.MustFromString("110"),
		Low: decimal.MustFromString("95"), Close: decimal.MustFromString("105"),
		Volume: decimal.MustFromString("10"),
	}
	require.NoError(t, good.Validate())

	bad := good
	bad.High = decimal.MustFromString("90")
	require.Error(t, bad.Validate())
}

func TestBalanceValidate(t *testing.T) {
	t.Parallel()

	b := Balance{
		Asset:     "USDC",
		Total:     decimal.MustFromString("100"),
		Available: decimal.MustFromString("60"),
		Locked:    decimal.MustFromString("40"),
	}
	require.NoError(t, b.Validate())

	b.Locked = decimal.MustFromString("41")
	require.Error(t, b.Validate())
}
