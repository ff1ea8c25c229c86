// Package dataengine drives one or more DataProvider adapters, validates
// and normalizes their output, writes it into the Cache, and publishes
// market_data.* events. Providers are polymorphic over exchange variants
// (§9's VTable-style guidance): the engine depends only on this
// interface, never on a concrete adapter.
package dataengine

import (
	"context"

	"github.com/zigquant/zigquant/pkg/types"
)

// Capabilities describes what a provider supports, queried once at
// registration time.
type Capabilities struct {
	Pairs      []types.TradingPair
	Timeframes []types.Timeframe
	// Streams is true for push-based (WebSocket) providers, false for
	// poll-based providers.
	Streams bool
}

// MarketEvent is a tagged union of the three kinds of market data a
// provider can emit. Exactly one field is non-nil.
type MarketEvent struct {
	Quote  *types.Quote
	Candle *types.Candle
	Trade  *types.Trade
}

// DataProvider is the capability set an exchange adapter exposes for
// market data ingestion (§4.5's DataProvider half of ExchangeAdapter).
type DataProvider interface {
	Name() string
	Capabilities() Capabilities
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Subscribe(pair types.TradingPair, tf types.Timeframe) error
	Unsubscribe(pair types.TradingPair, tf types.Timeframe) error
	// Events returns the channel the provider pushes normalized market
	// data on. The same channel is returned on every call; it is closed
	// when the provider disconnects.
	Events() <-chan MarketEvent
}
