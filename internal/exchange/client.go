// Package exchange implements the Hyperliquid ExchangeAdapter: a REST
// client for account/market metadata and signed order actions, and a
// WebSocket client for streaming market data and private order/fill
// updates. Together with SymbolMapper, they satisfy both halves of the
// ExchangeAdapter contract — dataengine.DataProvider and
// execution.ExecutionClient.
//
// Grounded on the teacher's exchange.Client: a resty-based REST client
// wrapping per-category rate limiting, retry-on-5xx, and a dry-run
// short-circuit on every mutating call, adapted from Polymarket's CLOB
// batch-order endpoints to Hyperliquid's single POST /info and
// POST /exchange surface.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/zigquant/zigquant/internal/config"
	"github.com/zigquant/zigquant/internal/execution"
	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
)

// Client is the Hyperliquid REST API client.
type Client struct {
	http    *resty.Client
	auth    *Auth
	symbols *SymbolMapper
	rl      *RateLimiter
	dryRun  bool
	logger  *slog.Logger
}

// NewClient constructs a REST client with rate limiting, retry, and auth.
func NewClient(cfg config.ExchangeConfig, dryRun bool, auth *Auth, symbols *SymbolMapper, logger *slog.Logger) *Client {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(dialTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpClient,
		auth:    auth,
		symbols: symbols,
		rl:      NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		dryRun:  dryRun,
		logger:  logger.With("component", "exchange_client"),
	}
}

// hlOrderRequest mirrors Hyperliquid's native order wire shape.
type hlOrderRequest struct {
	Asset      int    `msgpack:"a" json:"a"`
	IsBuy      bool   `msgpack:"b" json:"b"`
	Price      string `msgpack:"p" json:"p"`
	Size       string `msgpack:"s" json:"s"`
	ReduceOnly bool   `msgpack:"r" json:"r"`
	OrderType  any    `msgpack:"t" json:"t"`
	Cloid      string `msgpack:"c,omitempty" json:"c,omitempty"`
}

type hlLimitOrderType struct {
	Limit struct {
		TIF string `msgpack:"tif" json:"tif"`
	} `msgpack:"limit" json:"limit"`
}

type hlAction struct {
	Type     string           `msgpack:"type" json:"type"`
	Orders   []hlOrderRequest `msgpack:"orders,omitempty" json:"orders,omitempty"`
	Grouping string           `msgpack:"grouping,omitempty" json:"grouping,omitempty"`
	Cancels  []hlCancel       `msgpack:"cancels,omitempty" json:"cancels,omitempty"`
}

type hlCancel struct {
	Asset int    `msgpack:"a" json:"a"`
	Oid   string `msgpack:"o" json:"o"`
}

type hlExchangeEnvelope struct {
	Action       hlAction `json:"action"`
	Nonce        int64    `json:"nonce"`
	Signature    hlSig    `json:"signature"`
	VaultAddress *string  `json:"vaultAddress,omitempty"`
}

type hlSig struct {
	R string `json:"r"`
	S string `json:"s"`
	V byte   `json:"v"`
}

func hlTIF(tif types.TimeInForce) string {
	switch tif {
	case types.TIFImmediateOrCancel:
		return "Ioc"
	case types.TIFAddLiquidityOnly:
		return "Alo"
	case types.TIFFillOrKill:
		return "Fok"
	default:
		return "Gtc"
	}
}

func (c *Client) sign(ctx context.Context, action hlAction) (hlExchangeEnvelope, error) {
	nonce := time.Now().UnixMilli()
	hash, err := HashAction(action, nonce, nil)
	if err != nil {
		return hlExchangeEnvelope{}, err
	}
	r, s, v, err := c.auth.SignAction(hash, nonce)
	if err != nil {
		return hlExchangeEnvelope{}, err
	}
	return hlExchangeEnvelope{
		Action:    action,
		Nonce:     nonce,
		Signature: hlSig{R: r, S: s, V: v},
	}, nil
}

func (c *Client) postExchange(ctx context.Context, action hlAction, out any) error {
	if err := c.rl.WaitAction(ctx); err != nil {
		return err
	}
	envelope, err := c.sign(ctx, action)
	if err != nil {
		return fmt.Errorf("exchange: sign action: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(envelope).
		SetResult(out).
		Post("/exchange")
	if err != nil {
		return fmt.Errorf("exchange: post /exchange: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("exchange: post /exchange: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (c *Client) postInfo(ctx context.Context, body any, out any) error {
	if err := c.rl.WaitInfo(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		Post("/info")
	if err != nil {
		return fmt.Errorf("exchange: post /info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("exchange: post /info: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// hlOrderResponse is the subset of Hyperliquid's order-placement response
// this adapter cares about.
type hlOrderResponse struct {
	Status   string `json:"status"`
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []struct {
				Resting *struct {
					Oid int64 `json:"oid"`
				} `json:"resting"`
				Filled *struct {
					Oid int64 `json:"oid"`
				} `json:"filled"`
				Error string `json:"error"`
			} `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

// Submit places a single order and returns the exchange-assigned order
// ID. Implements execution.ExecutionClient.
func (c *Client) Submit(ctx context.Context, order *types.Order) (string, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit order", "pair", order.Pair, "side", order.Side, "qty", order.Qty)
		return fmt.Sprintf("dry-run-%s", order.ClientOrderID), nil
	}

	assetIdx, err := c.symbols.AssetIndex(order.Pair)
	if err != nil {
		return "", err
	}

	price := "0"
	if order.Price != nil {
		price = order.Price.String()
	}

	var orderType hlLimitOrderType
	orderType.Limit.TIF = hlTIF(order.TIF)

	req := hlOrderRequest{
		Asset:      assetIdx,
		IsBuy:      order.Side == types.Buy,
		Price:      price,
		Size:       order.Qty.String(),
		ReduceOnly: order.ReduceOnly,
		OrderType:  orderType,
		Cloid:      order.ClientOrderID,
	}

	action := hlAction{Type: "order", Orders: []hlOrderRequest{req}, Grouping: "na"}

	var resp hlOrderResponse
	if err := c.postExchange(ctx, action, &resp); err != nil {
		return "", err
	}
	if resp.Status != "ok" || len(resp.Response.Data.Statuses) == 0 {
		return "", fmt.Errorf("exchange: order rejected: %s", resp.Status)
	}
	st := resp.Response.Data.Statuses[0]
	if st.Error != "" {
		return "", fmt.Errorf("exchange: order rejected: %s", st.Error)
	}
	if st.Resting != nil {
		return fmt.Sprintf("%d", st.Resting.Oid), nil
	}
	if st.Filled != nil {
		return fmt.Sprintf("%d", st.Filled.Oid), nil
	}
	return "", fmt.Errorf("exchange: order response missing oid")
}

// Cancel cancels a single resting order. Implements execution.ExecutionClient.
func (c *Client) Cancel(ctx context.Context, order *types.Order) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "exchange_order_id", order.ExchangeOrderID)
		return nil
	}
	assetIdx, err := c.symbols.AssetIndex(order.Pair)
	if err != nil {
		return err
	}
	action := hlAction{Type: "cancel", Cancels: []hlCancel{{Asset: assetIdx, Oid: order.ExchangeOrderID}}}

	var resp hlOrderResponse
	return c.postExchange(ctx, action, &resp)
}

// Modify amends a resting order's price and/or size in place via
// Hyperliquid's native "modify" action, avoiding the cancel+resubmit
// queue-position loss a synthetic modify would cost.
func (c *Client) Modify(ctx context.Context, order *types.Order, changes execution.OrderChanges) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would modify order", "exchange_order_id", order.ExchangeOrderID)
		return nil
	}
	assetIdx, err := c.symbols.AssetIndex(order.Pair)
	if err != nil {
		return err
	}

	price := order.Price
	if changes.Price != nil {
		price = changes.Price
	}
	qty := order.Qty
	if changes.Qty != nil {
		qty = *changes.Qty
	}
	priceStr := "0"
	if price != nil {
		priceStr = price.String()
	}

	var orderType hlLimitOrderType
	orderType.Limit.TIF = hlTIF(order.TIF)

	action := map[string]any{
		"type": "modify",
		"oid":  order.ExchangeOrderID,
		"order": hlOrderRequest{
			Asset:      assetIdx,
			IsBuy:      order.Side == types.Buy,
			Price:      priceStr,
			Size:       qty.String(),
			ReduceOnly: order.ReduceOnly,
			OrderType:  orderType,
			Cloid:      order.ClientOrderID,
		},
	}

	nonce := time.Now().UnixMilli()
	hash, err := HashAction(action, nonce, nil)
	if err != nil {
		return err
	}
	r, s, v, err := c.auth.SignAction(hash, nonce)
	if err != nil {
		return err
	}
	envelope := struct {
		Action    map[string]any `json:"action"`
		Nonce     int64          `json:"nonce"`
		Signature hlSig          `json:"signature"`
	}{Action: action, Nonce: nonce, Signature: hlSig{R: r, S: s, V: v}}

	if err := c.rl.WaitAction(ctx); err != nil {
		return err
	}
	var resp struct {
		Status string `json:"status"`
	}
	httpResp, err := c.http.R().SetContext(ctx).SetBody(envelope).SetResult(&resp).Post("/exchange")
	if err != nil {
		return fmt.Errorf("exchange: modify order: %w", err)
	}
	if httpResp.StatusCode() != http.StatusOK || resp.Status != "ok" {
		return fmt.Errorf("exchange: modify order failed: status %d body %s", httpResp.StatusCode(), httpResp.String())
	}
	return nil
}

type hlClearinghouseState struct {
	AssetPositions []struct {
		Position struct {
			Coin           string `json:"coin"`
			Szi            string `json:"szi"`
			EntryPx        string `json:"entryPx"`
			Leverage       struct {
				Value float64 `json:"value"`
			} `json:"leverage"`
			LiquidationPx string `json:"liquidationPx"`
			MarginUsed    string `json:"marginUsed"`
			UnrealizedPnl string `json:"unrealizedPnl"`
		} `json:"position"`
	} `json:"assetPositions"`
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
	Withdrawable string `json:"withdrawable"`
}

// FetchOpenOrders returns the account's resting orders.
func (c *Client) FetchOpenOrders(ctx context.Context) ([]types.Order, error) {
	var raw []struct {
		Coin string `json:"coin"`
		Oid  int64  `json:"oid"`
		Side string `json:"side"`
		LimitPx string `json:"limitPx"`
		Sz   string `json:"sz"`
	}
	body := map[string]string{"type": "openOrders", "user": c.auth.Address().Hex()}
	if err := c.postInfo(ctx, body, &raw); err != nil {
		return nil, err
	}

	orders := make([]types.Order, 0, len(raw))
	for _, o := range raw {
		side := types.Buy
		if o.Side == "A" {
			side = types.Sell
		}
		px := decimal.MustFromString(o.LimitPx)
		qty := decimal.MustFromString(o.Sz)
		orders = append(orders, types.Order{
			ExchangeOrderID: fmt.Sprintf("%d", o.Oid),
			Pair:            c.symbols.FromCoin(o.Coin),
			Side:            side,
			Type:            types.OrderTypeLimit,
			Qty:             qty,
			RemainingQty:    qty,
			Price:           &px,
			Status:          types.OrderStatusOpen,
		})
	}
	return orders, nil
}

// FetchPositions returns the account's open perpetual positions.
func (c *Client) FetchPositions(ctx context.Context) ([]types.Position, error) {
	var state hlClearinghouseState
	body := map[string]string{"type": "clearinghouseState", "user": c.auth.Address().Hex()}
	if err := c.postInfo(ctx, body, &state); err != nil {
		return nil, err
	}

	positions := make([]types.Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		szi := decimal.MustFromString(ap.Position.Szi)
		if szi.IsZero() {
			continue
		}
		side := types.Buy
		if szi.IsNegative() {
			side = types.Sell
			szi = szi.Neg()
		}
		entry := decimal.MustFromString(ap.Position.EntryPx)
		unrealized := decimal.MustFromString(ap.Position.UnrealizedPnl)
		marginUsed := decimal.MustFromString(ap.Position.MarginUsed)
		leverage := decimal.NewFromFloat(ap.Position.Leverage.Value)

		pos := types.Position{
			Pair:          c.symbols.FromCoin(ap.Position.Coin),
			Side:          side,
			Size:          szi,
			EntryPrice:    entry,
			UnrealizedPnL: unrealized,
			Leverage:      leverage,
			MarginUsed:    marginUsed,
		}
		if ap.Position.LiquidationPx != "" {
			liq := decimal.MustFromString(ap.Position.LiquidationPx)
			pos.LiquidationPrice = &liq
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// FetchBalance returns the account's USDC margin balance.
func (c *Client) FetchBalance(ctx context.Context) ([]types.Balance, error) {
	var state hlClearinghouseState
	body := map[string]string{"type": "clearinghouseState", "user": c.auth.Address().Hex()}
	if err := c.postInfo(ctx, body, &state); err != nil {
		return nil, err
	}

	total := decimal.MustFromString(state.MarginSummary.AccountValue)
	available := decimal.MustFromString(state.Withdrawable)
	locked := total.Sub(available)
	if locked.IsNegative() {
		locked = decimal.Zero
		available = total
	}

	return []types.Balance{{
		Asset:     "USDC",
		Total:     total,
		Available: available,
		Locked:    locked,
	}}, nil
}

// FetchUniverse fetches the perpetuals metadata used to populate a
// SymbolMapper, in asset-index order.
func (c *Client) FetchUniverse(ctx context.Context) ([]string, error) {
	var meta struct {
		Universe []struct {
			Name string `json:"name"`
		} `json:"universe"`
	}
	body := map[string]string{"type": "meta"}
	if err := c.postInfo(ctx, body, &meta); err != nil {
		return nil, err
	}
	coins := make([]string, len(meta.Universe))
	for i, u := range meta.Universe {
		coins[i] = u.Name
	}
	return coins, nil
}

// SetLeverage changes the configured leverage for a pair. Per DESIGN.md
// open question 2, the caller must check the returned error before
// assuming leverage changed — this call is never fire-and-forget.
func (c *Client) SetLeverage(ctx context.Context, pair types.TradingPair, leverage int, cross bool) error {
	assetIdx, err := c.symbols.AssetIndex(pair)
	if err != nil {
		return err
	}
	mode := "cross"
	if !cross {
		mode = "isolated"
	}
	action := map[string]any{
		"type":     "updateLeverage",
		"asset":    assetIdx,
		"isCross":  mode == "cross",
		"leverage": leverage,
	}

	nonce := time.Now().UnixMilli()
	hash, err := HashAction(action, nonce, nil)
	if err != nil {
		return err
	}
	r, s, v, err := c.auth.SignAction(hash, nonce)
	if err != nil {
		return err
	}
	envelope := struct {
		Action    map[string]any `json:"action"`
		Nonce     int64          `json:"nonce"`
		Signature hlSig          `json:"signature"`
	}{Action: action, Nonce: nonce, Signature: hlSig{R: r, S: s, V: v}}

	var resp struct {
		Status string `json:"status"`
	}
	if err := c.rl.WaitAction(ctx); err != nil {
		return err
	}
	httpResp, err := c.http.R().SetContext(ctx).SetBody(envelope).SetResult(&resp).Post("/exchange")
	if err != nil {
		return fmt.Errorf("exchange: set leverage: %w", err)
	}
	if httpResp.StatusCode() != http.StatusOK || resp.Status != "ok" {
		return fmt.Errorf("exchange: set leverage failed: status %d body %s", httpResp.StatusCode(), httpResp.String())
	}
	return nil
}
