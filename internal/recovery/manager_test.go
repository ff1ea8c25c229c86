package recovery

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zigquant/zigquant/internal/config"
	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqtime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCache struct {
	mu        sync.Mutex
	orders    map[string]types.Order
	positions map[types.TradingPair]types.Position
	balances  map[string]types.Balance
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		orders:    make(map[string]types.Order),
		positions: make(map[types.TradingPair]types.Position),
		balances:  make(map[string]types.Balance),
	}
}

func (c *fakeCache) IterOrders() []types.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Order, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, o)
	}
	return out
}

func (c *fakeCache) IterPositions() []types.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out
}

func (c *fakeCache) IterBalances() []types.Balance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Balance, 0, len(c.balances))
	for _, b := range c.balances {
		out = append(out, b)
	}
	return out
}

func (c *fakeCache) GetPosition(pair types.TradingPair) (types.Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.positions[pair]
	return p, ok
}

func (c *fakeCache) UpdateOrder(o types.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[o.ClientOrderID] = o
	return nil
}

func (c *fakeCache) UpdatePosition(p types.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[p.Pair] = p
	return nil
}

func (c *fakeCache) UpdateBalance(b types.Balance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[b.Asset] = b
	return nil
}

func (c *fakeCache) RemoveOrder(clientOrderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orders, clientOrderID)
}

type fakeExchange struct {
	openOrders []types.Order
	positions  []types.Position
	balances   []types.Balance
	canceled   []string
}

func (f *fakeExchange) FetchOpenOrders(ctx context.Context) ([]types.Order, error) { return f.openOrders, nil }
func (f *fakeExchange) FetchPositions(ctx context.Context) ([]types.Position, error) {
	return f.positions, nil
}
func (f *fakeExchange) FetchBalance(ctx context.Context) ([]types.Balance, error) { return f.balances, nil }
func (f *fakeExchange) Cancel(ctx context.Context, order *types.Order) error {
	f.canceled = append(f.canceled, order.ExchangeOrderID)
	return nil
}

type fakeKillSwitch struct {
	tripped bool
	reason  string
}

func (k *fakeKillSwitch) Trip(reason string) { k.tripped = true; k.reason = reason }

func sampleOrder(id string, status types.OrderStatus) types.Order {
	qty := decimal.MustFromString("1")
	return types.Order{
		ClientOrderID: id,
		Pair:          types.NewTradingPair("BTC", "USD"),
		Side:          types.Buy,
		Type:          types.OrderTypeLimit,
		TIF:           types.TIFGoodTilCancel,
		Qty:           qty,
		RemainingQty:  qty,
		Status:        status,
		CreatedAt:     zqtime.Now(),
		UpdatedAt:     zqtime.Now(),
	}
}

func testRecoveryConfig(dir string) config.RecoveryConfig {
	return config.RecoveryConfig{
		Enabled:        true,
		CheckpointDir:  dir,
		Interval:       time.Minute,
		RetentionCount: 10,
	}
}

func TestCheckpointWritesAtomicallyAndRecovers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cache := newFakeCache()
	require.NoError(t, cache.UpdateOrder(sampleOrder("cid-1", types.OrderStatusOpen)))
	require.NoError(t, cache.UpdateBalance(types.Balance{Asset: "USDC", Total: decimal.MustFromString("100"), Available: decimal.MustFromString("100")}))

	m := New(testRecoveryConfig(dir), cache, nil, &fakeKillSwitch{}, nil, testLogger())
	require.NoError(t, m.Checkpoint())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotContains(t, entries[0].Name(), ".tmp")

	restored := newFakeCache()
	m2 := New(testRecoveryConfig(dir), restored, nil, &fakeKillSwitch{}, nil, testLogger())
	require.NoError(t, m2.Recover(context.Background()))

	order, ok := restored.orders["cid-1"]
	require.True(t, ok)
	require.Equal(t, types.OrderStatusOpen, order.Status)

	bal, ok := restored.balances["USDC"]
	require.True(t, ok)
	require.True(t, bal.Total.Equal(decimal.MustFromString("100")))
}

func TestRecoverWithNoCheckpointReturnsErrNoCheckpoint(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m := New(testRecoveryConfig(dir), newFakeCache(), nil, &fakeKillSwitch{}, nil, testLogger())
	err := m.Recover(context.Background())
	require.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestRecoverSkipsCorruptCheckpointAndUsesOlderValid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cache := newFakeCache()
	require.NoError(t, cache.UpdateOrder(sampleOrder("cid-good", types.OrderStatusOpen)))
	m := New(testRecoveryConfig(dir), cache, nil, &fakeKillSwitch{}, nil, testLogger())
	require.NoError(t, m.Checkpoint())

	// Write a newer, corrupted checkpoint by hand.
	corruptPath := dir + "/checkpoint_99999999999999999999.bin"
	require.NoError(t, os.WriteFile(corruptPath, []byte("not a real checkpoint"), 0o600))

	restored := newFakeCache()
	m2 := New(testRecoveryConfig(dir), restored, nil, &fakeKillSwitch{}, nil, testLogger())
	require.NoError(t, m2.Recover(context.Background()))

	_, ok := restored.orders["cid-good"]
	require.True(t, ok)
}

func TestReconcileAdoptsOrphanOrderWhenNotConfiguredToCancel(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cache := newFakeCache()
	exch := &fakeExchange{
		openOrders: []types.Order{sampleOrder("", types.OrderStatusOpen)},
	}
	exch.openOrders[0].ExchangeOrderID = "ex-1"

	cfg := testRecoveryConfig(dir)
	cfg.SyncWithExchange = true
	cfg.CancelOrphanOrders = false
	m := New(cfg, cache, exch, &fakeKillSwitch{}, nil, testLogger())
	require.NoError(t, m.Checkpoint())

	require.NoError(t, m.Recover(context.Background()))

	found := false
	for _, o := range cache.IterOrders() {
		if o.ExchangeOrderID == "ex-1" {
			found = true
		}
	}
	require.True(t, found)
	require.Empty(t, exch.canceled)
}

func TestReconcileCancelsOrphanOrderWhenConfigured(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cache := newFakeCache()
	exch := &fakeExchange{
		openOrders: []types.Order{sampleOrder("", types.OrderStatusOpen)},
	}
	exch.openOrders[0].ExchangeOrderID = "ex-1"

	cfg := testRecoveryConfig(dir)
	cfg.SyncWithExchange = true
	cfg.CancelOrphanOrders = true
	m := New(cfg, cache, exch, &fakeKillSwitch{}, nil, testLogger())
	require.NoError(t, m.Checkpoint())

	require.NoError(t, m.Recover(context.Background()))
	require.Equal(t, []string{"ex-1"}, exch.canceled)
}

func TestReconcileMarksLocalOnlyOrderExpired(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cache := newFakeCache()
	require.NoError(t, cache.UpdateOrder(sampleOrder("cid-local", types.OrderStatusOpen)))

	cfg := testRecoveryConfig(dir)
	cfg.SyncWithExchange = true
	m := New(cfg, cache, &fakeExchange{}, &fakeKillSwitch{}, nil, testLogger())
	require.NoError(t, m.Checkpoint())

	restored := newFakeCache()
	require.NoError(t, restored.UpdateOrder(sampleOrder("cid-local", types.OrderStatusOpen)))
	m2 := New(cfg, restored, &fakeExchange{}, &fakeKillSwitch{}, nil, testLogger())
	require.NoError(t, m2.Recover(context.Background()))

	order := restored.orders["cid-local"]
	require.Equal(t, types.OrderStatusExpired, order.Status)
}

func TestReconcilePositionMismatchTripsKillSwitchBeyondThreshold(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	pair := types.NewTradingPair("BTC", "USD")
	cache := newFakeCache()
	require.NoError(t, cache.UpdatePosition(types.Position{
		Pair: pair, Side: types.Buy, Size: decimal.MustFromString("1"),
		EntryPrice: decimal.MustFromString("50000"), Leverage: decimal.MustFromString("1"),
	}))

	exch := &fakeExchange{
		positions: []types.Position{{
			Pair: pair, Side: types.Buy, Size: decimal.MustFromString("100"),
			EntryPrice: decimal.MustFromString("50000"), Leverage: decimal.MustFromString("1"),
		}},
	}

	cfg := testRecoveryConfig(dir)
	cfg.SyncWithExchange = true
	cfg.ReconcileDeltaThreshold = 10
	kill := &fakeKillSwitch{}
	m := New(cfg, cache, exch, kill, nil, testLogger())
	require.NoError(t, m.Checkpoint())
	require.NoError(t, m.Recover(context.Background()))

	require.True(t, kill.tripped)
	pos, ok := cache.GetPosition(pair)
	require.True(t, ok)
	require.True(t, pos.Size.Equal(decimal.MustFromString("100")))
}

func TestRetentionSweepDeletesOldCheckpointsBeyondCount(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cache := newFakeCache()
	cfg := testRecoveryConfig(dir)
	cfg.RetentionCount = 2
	cfg.MaxCheckpointAgeHours = -1
	m := New(cfg, cache, nil, &fakeKillSwitch{}, nil, testLogger())

	for i := 0; i < 5; i++ {
		require.NoError(t, cache.UpdateOrder(sampleOrder("cid", types.OrderStatusOpen)))
		require.NoError(t, m.Checkpoint())
		time.Sleep(time.Millisecond)
	}

	files, err := listCheckpoints(dir)
	require.NoError(t, err)
	require.LessOrEqual(t, len(files), 2)
}

func TestCheckpointableOrdersIncludesRecentlyTerminalOrders(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cache := newFakeCache()
	terminal := sampleOrder("cid-filled", types.OrderStatusFilled)
	terminal.UpdatedAt = zqtime.Now()
	require.NoError(t, cache.UpdateOrder(terminal))

	cfg := testRecoveryConfig(dir)
	cfg.Interval = time.Hour
	m := New(cfg, cache, nil, &fakeKillSwitch{}, nil, testLogger())

	orders := m.checkpointableOrders()
	require.Len(t, orders, 1)
}
