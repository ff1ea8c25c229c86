package runtime

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zigquant/zigquant/pkg/zqtime"
)

// Publisher is the subset of the MessageBus the Clock needs.
type Publisher interface {
	Publish(topic string, payload any)
}

// DefaultTickInterval is used when a Clock is constructed with a
// non-positive interval.
const DefaultTickInterval = 100 * time.Millisecond

// Clock drives tick-driven strategies (market makers) with a fixed-
// interval `system.tick` publication. A tick is coalesced: if the
// previous tick's publish is still in flight when the next one fires, the
// new tick is dropped and TickMissed is incremented rather than letting
// ticks pile up behind a slow subscriber.
type Clock struct {
	interval time.Duration
	bus      Publisher
	logger   *slog.Logger

	running atomic.Bool
	missed  atomic.Uint64
	ticks   atomic.Uint64
}

// NewClock constructs a Clock. interval <= 0 uses DefaultTickInterval.
func NewClock(interval time.Duration, bus Publisher, logger *slog.Logger) *Clock {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Clock{interval: interval, bus: bus, logger: logger.With("component", "clock")}
}

// Run ticks until ctx is canceled. Intended to be run in its own
// goroutine by LiveTradingEngine.
func (c *Clock) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.fire()
		}
	}
}

func (c *Clock) fire() {
	if !c.running.CompareAndSwap(false, true) {
		c.missed.Add(1)
		c.logger.Warn("tick missed, previous tick still running", "missed_total", c.missed.Load())
		return
	}
	c.ticks.Add(1)
	go func() {
		defer c.running.Store(false)
		c.bus.Publish("system.tick", zqtime.Now())
	}()
}

// TickMissed reports the running count of coalesced (dropped) ticks.
func (c *Clock) TickMissed() uint64 { return c.missed.Load() }

// Ticks reports the running count of ticks actually published.
func (c *Clock) Ticks() uint64 { return c.ticks.Load() }
