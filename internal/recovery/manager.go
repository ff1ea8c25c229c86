// Package recovery implements periodic checkpointing of Cache state and
// crash-restart reconciliation against the exchange.
//
// Persistence follows the teacher's internal/store.Store pattern exactly:
// one file per checkpoint, written to a .tmp path and atomically renamed
// into place so a crash mid-write never leaves a corrupt file behind. The
// teacher persists one JSON file per market; this package persists one
// msgpack-plus-CRC32 binary file per checkpoint cycle, content-addressed
// by timestamp, because the checkpoint is a single point-in-time snapshot
// of the whole account rather than a per-key record.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zigquant/zigquant/internal/config"
	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqtime"
)

const checkpointPrefix = "checkpoint_"
const checkpointSuffix = ".bin"

// CacheStore is the subset of internal/cache.Cache the recovery manager
// reads from and restores into.
type CacheStore interface {
	IterOrders() []types.Order
	IterPositions() []types.Position
	IterBalances() []types.Balance
	GetPosition(pair types.TradingPair) (types.Position, bool)
	UpdateOrder(types.Order) error
	UpdatePosition(types.Position) error
	UpdateBalance(types.Balance) error
	RemoveOrder(clientOrderID string)
}

// ExchangeReconciler is the subset of an ExchangeAdapter's ExecutionClient
// the recovery manager needs to reconcile local state against the
// exchange on restart.
type ExchangeReconciler interface {
	FetchOpenOrders(ctx context.Context) ([]types.Order, error)
	FetchPositions(ctx context.Context) ([]types.Position, error)
	FetchBalance(ctx context.Context) ([]types.Balance, error)
	Cancel(ctx context.Context, order *types.Order) error
}

// KillSwitch is the narrow interface recovery uses to halt trading when
// reconciliation finds a delta too large to trust.
type KillSwitch interface {
	Trip(reason string)
}

// Publisher is the subset of the MessageBus recovery publishes lifecycle
// events to.
type Publisher interface {
	Publish(topic string, payload any)
}

// Manager owns periodic checkpointing and startup reconciliation.
type Manager struct {
	cfg      config.RecoveryConfig
	cache    CacheStore
	exchange ExchangeReconciler // nil disables exchange reconciliation (e.g. backtest mode)
	kill     KillSwitch
	bus      Publisher
	logger   *slog.Logger

	mu sync.Mutex // serializes checkpoint writes and retention sweeps
}

// New builds a recovery Manager. exchange may be nil when running without
// a live adapter (backtest, dry-run-only smoke tests); in that case
// Recover restores from the latest checkpoint but never reconciles.
func New(cfg config.RecoveryConfig, cache CacheStore, exchange ExchangeReconciler, kill KillSwitch, bus Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, cache: cache, exchange: exchange, kill: kill, bus: bus, logger: logger}
}

// Run ticks Checkpoint on cfg.Interval until ctx is canceled. Checkpoint
// failures are logged but never stop the loop — a missed checkpoint is
// recoverable on the next tick, a crashed recovery manager is not.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Checkpoint(); err != nil {
				m.logger.Error("checkpoint failed", "error", err)
			}
		}
	}
}

// CheckpointOnTransition should be called after every order terminal
// transition when the config opts into checkpoint-per-transition cadence
// in addition to the periodic timer; it is just Checkpoint under another
// name, kept distinct so call sites document intent.
func (m *Manager) CheckpointOnTransition() error {
	return m.Checkpoint()
}

// Checkpoint builds a snapshot from the current Cache contents, writes it
// atomically, and sweeps old checkpoints per the retention policy.
func (m *Manager) Checkpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	balances := m.cache.IterBalances()
	positions := m.cache.IterPositions()
	orders := m.checkpointableOrders()

	snap := buildSnapshot(balances, positions, orders, zqtime.Now())
	encoded, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(m.cfg.CheckpointDir, 0o755); err != nil {
		return fmt.Errorf("recovery: create checkpoint dir: %w", err)
	}

	name := fmt.Sprintf("%s%020d%s", checkpointPrefix, snap.TakenAtNs, checkpointSuffix)
	path := filepath.Join(m.cfg.CheckpointDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return fmt.Errorf("recovery: write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("recovery: rename checkpoint: %w", err)
	}

	m.logger.Debug("checkpoint written", "path", path, "orders", len(orders), "positions", len(positions))
	m.publish("system.checkpoint.written", path)

	return m.sweepRetentionLocked()
}

// checkpointableOrders returns every order that is not in a terminal
// state, plus any terminal order updated within the last checkpoint
// interval — it survives exactly one more cycle after terminating so a
// concurrent reader of the prior checkpoint still sees its final state.
func (m *Manager) checkpointableOrders() []types.Order {
	interval := m.cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	cutoff := time.Now().Add(-interval).UnixNano()

	all := m.cache.IterOrders()
	out := make([]types.Order, 0, len(all))
	for _, o := range all {
		if !o.Status.IsTerminal() || o.UpdatedAt.WallNanos >= cutoff {
			out = append(out, o)
		}
	}
	return out
}

// sweepRetentionLocked deletes checkpoints beyond the retained count and
// older than the configured max age: a checkpoint survives if either rule
// would keep it.
func (m *Manager) sweepRetentionLocked() error {
	files, err := listCheckpoints(m.cfg.CheckpointDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	retain := m.cfg.RetentionCount
	if retain <= 0 {
		retain = 10
	}

	// MaxCheckpointAgeHours == 0 means "unconfigured", which applies the
	// spec's documented default of 24h. A negative value explicitly
	// disables the age-based keep rule, leaving RetentionCount as the
	// only thing protecting a checkpoint from the sweep.
	ageProtectionEnabled := m.cfg.MaxCheckpointAgeHours >= 0
	maxAgeHours := m.cfg.MaxCheckpointAgeHours
	if maxAgeHours == 0 {
		maxAgeHours = 24
	}
	cutoff := time.Now().Add(-time.Duration(maxAgeHours) * time.Hour).UnixNano()

	for i, f := range files {
		keepByCount := i < retain
		keepByAge := ageProtectionEnabled && f.takenAtNs >= cutoff
		if keepByCount || keepByAge {
			continue
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove expired checkpoint", "path", f.path, "error", err)
		}
	}
	return nil
}

type checkpointFile struct {
	path      string
	takenAtNs int64
}

// listCheckpoints returns checkpoint files newest-first, parsed from the
// filename's timestamp component rather than the filesystem mtime, so
// ordering is stable across copies/backups.
func listCheckpoints(dir string) ([]checkpointFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("recovery: list checkpoint dir: %w", err)
	}

	var out []checkpointFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, checkpointSuffix) {
			continue
		}
		tsStr := strings.TrimSuffix(strings.TrimPrefix(name, checkpointPrefix), checkpointSuffix)
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, checkpointFile{path: filepath.Join(dir, name), takenAtNs: ts})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].takenAtNs > out[j].takenAtNs })
	return out, nil
}

// ErrNoCheckpoint is returned by Recover when the checkpoint directory has
// no valid checkpoint to load.
var ErrNoCheckpoint = fmt.Errorf("recovery: no valid checkpoint found")

// Recover runs the full restart procedure: load the newest valid
// checkpoint, restore it into the Cache, and — if an exchange is wired
// and SyncWithExchange is enabled — reconcile against live exchange
// state.
func (m *Manager) Recover(ctx context.Context) error {
	snap, err := m.loadLatestValid()
	if err != nil {
		return err
	}

	if err := m.restore(snap); err != nil {
		return fmt.Errorf("recovery: restore checkpoint: %w", err)
	}
	m.logger.Info("restored checkpoint", "orders", len(snap.Orders), "positions", len(snap.Positions))

	if m.exchange != nil && m.cfg.SyncWithExchange {
		if err := m.reconcile(ctx); err != nil {
			return fmt.Errorf("recovery: reconcile with exchange: %w", err)
		}
	}

	return nil
}

// loadLatestValid scans checkpoints newest-first and returns the first
// one whose CRC validates, skipping corrupt files rather than failing
// outright.
func (m *Manager) loadLatestValid() (snapshot, error) {
	files, err := listCheckpoints(m.cfg.CheckpointDir)
	if err != nil {
		return snapshot{}, err
	}
	for _, f := range files {
		raw, err := os.ReadFile(f.path)
		if err != nil {
			m.logger.Warn("failed to read checkpoint", "path", f.path, "error", err)
			continue
		}
		snap, err := decodeSnapshot(raw)
		if err != nil {
			m.logger.Warn("skipping invalid checkpoint", "path", f.path, "error", err)
			continue
		}
		return snap, nil
	}
	return snapshot{}, ErrNoCheckpoint
}

func (m *Manager) restore(snap snapshot) error {
	balances, err := snap.balances()
	if err != nil {
		return err
	}
	for _, b := range balances {
		if err := m.cache.UpdateBalance(b); err != nil {
			m.logger.Warn("dropping invalid checkpointed balance", "asset", b.Asset, "error", err)
		}
	}

	positions, err := snap.positionSlice()
	if err != nil {
		return err
	}
	for _, p := range positions {
		if err := m.cache.UpdatePosition(p); err != nil {
			m.logger.Warn("dropping invalid checkpointed position", "pair", p.Pair, "error", err)
		}
	}

	orders, err := snap.orderSlice()
	if err != nil {
		return err
	}
	for _, o := range orders {
		if err := m.cache.UpdateOrder(o); err != nil {
			m.logger.Warn("dropping invalid checkpointed order", "client_order_id", o.ClientOrderID, "error", err)
		}
	}

	return nil
}

// reconcile fetches live exchange state and reconciles it against what
// was just restored into the Cache, per the procedure in the checkpoint
// spec: local-only open orders are marked expired, exchange-only orders are
// canceled or adopted, and position size mismatches overwrite local with
// the exchange's view.
func (m *Manager) reconcile(ctx context.Context) error {
	exchangeOrders, err := m.exchange.FetchOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	exchangePositions, err := m.exchange.FetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}

	m.reconcileOrders(ctx, exchangeOrders)
	delta := m.reconcilePositions(exchangePositions)

	threshold := decimal.NewFromFloat(m.cfg.ReconcileDeltaThreshold)
	if threshold.IsPositive() && delta.GreaterThan(threshold) {
		m.kill.Trip(fmt.Sprintf("reconciliation delta %s exceeds threshold %s", delta, threshold))
	}

	return nil
}

func (m *Manager) reconcileOrders(ctx context.Context, exchangeOrders []types.Order) {
	byClientID := make(map[string]types.Order, len(exchangeOrders))
	for _, o := range exchangeOrders {
		byClientID[o.ClientOrderID] = o
	}

	for _, local := range m.cache.IterOrders() {
		if local.Status.IsTerminal() {
			continue
		}
		if _, stillOpen := byClientID[local.ClientOrderID]; stillOpen {
			delete(byClientID, local.ClientOrderID)
			continue
		}
		// Local-only order absent at the exchange: it settled or was
		// canceled while the process was down. Mark it expired rather
		// than guessing at the real terminal state.
		local.Status = types.OrderStatusExpired
		local.UpdatedAt = zqtime.Now()
		if err := m.cache.UpdateOrder(local); err != nil {
			m.logger.Warn("failed to mark local-only order expired", "client_order_id", local.ClientOrderID, "error", err)
		}
		m.publish("order.expired", local)
	}

	for _, orphan := range byClientID {
		if m.cfg.CancelOrphanOrders {
			if err := m.exchange.Cancel(ctx, &orphan); err != nil {
				m.logger.Warn("failed to cancel orphan order", "exchange_order_id", orphan.ExchangeOrderID, "error", err)
			}
			continue
		}
		orphan.ClientOrderID = "adopted-" + orphan.ExchangeOrderID
		if err := m.cache.UpdateOrder(orphan); err != nil {
			m.logger.Warn("failed to adopt orphan order", "exchange_order_id", orphan.ExchangeOrderID, "error", err)
			continue
		}
		m.publish("order.adopted", orphan)
	}
}

// reconcilePositions overwrites local position size with the exchange's
// reported size on any mismatch and returns the largest absolute size
// delta observed (in base units, not notional), for the kill-switch
// threshold check in reconcile.
func (m *Manager) reconcilePositions(exchangePositions []types.Position) decimal.Decimal {
	maxDelta := decimal.Zero
	for _, exch := range exchangePositions {
		localPos, found := m.cache.GetPosition(exch.Pair)

		delta := exch.Size.Sub(localPos.Size).Abs()
		if delta.GreaterThan(maxDelta) {
			maxDelta = delta
		}
		if !found || !localPos.Size.Equal(exch.Size) {
			if err := m.cache.UpdatePosition(exch); err != nil {
				m.logger.Warn("failed to reconcile position", "pair", exch.Pair, "error", err)
				continue
			}
			m.publish("position.reconciled", exch)
		}
	}
	return maxDelta
}

func (m *Manager) publish(topic string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, payload)
}
