// ws.go implements the Hyperliquid WebSocket feed: a single connection
// multiplexing public market-data subscriptions (l2Book, trades) and, once
// authenticated by address, the user's private order-update and fill
// stream. Auto-reconnects with exponential backoff and re-subscribes to
// every tracked channel on reconnect.
//
// Grounded on the teacher's exchange.WSFeed reconnect-with-resubscribe
// loop and read-deadline watchdog, adapted from two separate market/user
// channels to Hyperliquid's single multiplexed socket.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zigquant/zigquant/internal/dataengine"
	"github.com/zigquant/zigquant/internal/execution"
	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
)

const (
	readTimeout      = 60 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 256
)

type wsSubscription struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
	User string `json:"user,omitempty"`
}

type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsL2BookData struct {
	Coin   string          `json:"coin"`
	Levels [2][]wsBookLevel `json:"levels"`
}

type wsBookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
}

type wsTradeData struct {
	Coin string `json:"coin"`
	Side string `json:"side"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"`
}

type wsOrderUpdateData struct {
	Order struct {
		Coin  string `json:"coin"`
		Oid   int64  `json:"oid"`
		Cloid string `json:"cloid"`
		Sz    string `json:"sz"`
		LimitPx string `json:"limitPx"`
	} `json:"order"`
	Status string `json:"status"`
}

// WSFeed manages the single multiplexed Hyperliquid WebSocket connection.
// It implements the streaming half of dataengine.DataProvider: normalized
// events flow out via Events(); separately, order-update events are
// delivered to an execution.Publisher so the ExecutionEngine can reconcile
// them (the Publisher is the bus argument of NewWSFeed).
type WSFeed struct {
	url     string
	symbols *SymbolMapper
	address string // lowercased hex address for the user channel; empty disables it

	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	coins        map[string]bool

	events chan dataengine.MarketEvent
	bus    execution.Publisher

	logger *slog.Logger
}

// NewWSFeed constructs a feed. bus may be nil if order-update dispatch is
// not needed (e.g. a market-data-only connection).
func NewWSFeed(wsURL string, symbols *SymbolMapper, address string, bus execution.Publisher, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:     wsURL,
		symbols: symbols,
		address: strings.ToLower(address),
		coins:   make(map[string]bool),
		events:  make(chan dataengine.MarketEvent, eventBufferSize),
		bus:     bus,
		logger:  logger.With("component", "exchange_ws"),
	}
}

// Events returns the channel of normalized market events.
func (f *WSFeed) Events() <-chan dataengine.MarketEvent { return f.events }

// Subscribe adds a coin to the book/trade subscriptions.
func (f *WSFeed) Subscribe(coin string) error {
	f.subscribedMu.Lock()
	f.coins[coin] = true
	f.subscribedMu.Unlock()
	return f.sendSubs([]string{coin})
}

// Unsubscribe removes a coin.
func (f *WSFeed) Unsubscribe(coin string) error {
	f.subscribedMu.Lock()
	delete(f.coins, coin)
	f.subscribedMu.Unlock()
	if err := f.writeJSON(map[string]any{
		"method":       "unsubscribe",
		"subscription": wsSubscription{Type: "l2Book", Coin: coin},
	}); err != nil {
		return err
	}
	return f.writeJSON(map[string]any{
		"method":       "unsubscribe",
		"subscription": wsSubscription{Type: "trades", Coin: coin},
	})
}

// Close closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			close(f.events)
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			close(f.events)
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	f.logger.Info("websocket connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *WSFeed) resubscribeAll() error {
	f.subscribedMu.RLock()
	coins := make([]string, 0, len(f.coins))
	for c := range f.coins {
		coins = append(coins, c)
	}
	f.subscribedMu.RUnlock()
	return f.sendSubs(coins)
}

func (f *WSFeed) sendSubs(coins []string) error {
	for _, coin := range coins {
		if err := f.writeJSON(map[string]any{
			"method":       "subscribe",
			"subscription": wsSubscription{Type: "l2Book", Coin: coin},
		}); err != nil {
			return err
		}
		if err := f.writeJSON(map[string]any{
			"method":       "subscribe",
			"subscription": wsSubscription{Type: "trades", Coin: coin},
		}); err != nil {
			return err
		}
	}
	if f.address != "" {
		if err := f.writeJSON(map[string]any{
			"method":       "subscribe",
			"subscription": wsSubscription{Type: "orderUpdates", User: f.address},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (f *WSFeed) dispatch(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(raw))
		return
	}

	switch env.Channel {
	case "l2Book":
		var d wsL2BookData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			f.logger.Error("unmarshal l2Book", "error", err)
			return
		}
		f.emitQuote(d)

	case "trades":
		var trades []wsTradeData
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			f.logger.Error("unmarshal trades", "error", err)
			return
		}
		for _, t := range trades {
			f.emitTrade(t)
		}

	case "orderUpdates":
		var updates []wsOrderUpdateData
		if err := json.Unmarshal(env.Data, &updates); err != nil {
			f.logger.Error("unmarshal orderUpdates", "error", err)
			return
		}
		for _, u := range updates {
			f.emitOrderUpdate(u)
		}

	default:
		f.logger.Debug("unknown ws channel", "channel", env.Channel)
	}
}

func (f *WSFeed) emitQuote(d wsL2BookData) {
	if len(d.Levels[0]) == 0 || len(d.Levels[1]) == 0 {
		return
	}
	bid := d.Levels[0][0]
	ask := d.Levels[1][0]
	q := types.Quote{
		Pair:    f.symbols.FromCoin(d.Coin),
		Bid:     decimal.MustFromString(bid.Px),
		Ask:     decimal.MustFromString(ask.Px),
		BidSize: decimal.MustFromString(bid.Sz),
		AskSize: decimal.MustFromString(ask.Sz),
	}
	select {
	case f.events <- dataengine.MarketEvent{Quote: &q}:
	default:
		f.logger.Warn("event channel full, dropping quote", "pair", q.Pair)
	}
}

func (f *WSFeed) emitTrade(t wsTradeData) {
	side := types.Buy
	if t.Side == "A" {
		side = types.Sell
	}
	tr := types.Trade{
		Pair:  f.symbols.FromCoin(t.Coin),
		Price: decimal.MustFromString(t.Px),
		Qty:   decimal.MustFromString(t.Sz),
		Side:  side,
	}
	select {
	case f.events <- dataengine.MarketEvent{Trade: &tr}:
	default:
		f.logger.Warn("event channel full, dropping trade", "pair", tr.Pair)
	}
}

func (f *WSFeed) emitOrderUpdate(u wsOrderUpdateData) {
	if f.bus == nil || u.Order.Cloid == "" {
		return
	}
	status := mapHLStatus(u.Status)
	filled := decimal.Zero
	fillPx := decimal.MustFromString(u.Order.LimitPx)
	update := execution.AdapterOrderUpdate{
		ClientOrderID:   u.Order.Cloid,
		ExchangeOrderID: fmt.Sprintf("%d", u.Order.Oid),
		Status:          status,
		FilledQty:       filled,
		FillPrice:       &fillPx,
	}
	f.bus.Publish("order.update."+u.Order.Cloid, update)
}

func mapHLStatus(s string) types.OrderStatus {
	switch s {
	case "open":
		return types.OrderStatusOpen
	case "filled":
		return types.OrderStatusFilled
	case "canceled":
		return types.OrderStatusCanceled
	case "rejected":
		return types.OrderStatusRejected
	case "triggered":
		return types.OrderStatusTriggered
	case "marginCanceled":
		return types.OrderStatusMarginCanceled
	default:
		return types.OrderStatusOpen
	}
}

func (f *WSFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
