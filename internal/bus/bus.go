// Package bus implements the in-process MessageBus: topic pub/sub with
// wildcard matching, command registration, and synchronous
// request/response. Handler dispatch runs on a bounded worker pool
// (sourcegraph/conc) instead of spawning one goroutine per publish,
// generalizing the teacher's per-feed dispatch goroutines
// (dispatchMarketEvents/dispatchUserEvents in engine.go) into a single
// reusable fan-out primitive every component shares.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/zigquant/zigquant/pkg/zqerrors"
)

// DefaultRequestTimeout is the synchronous request/response timeout used
// when the caller does not supply a context deadline.
const DefaultRequestTimeout = 30 * time.Second

// watchdogThreshold is the soft limit past which a running handler logs a
// warning without being canceled (handlers are not forcibly preemptible).
const watchdogThreshold = 30 * time.Second

// Handler receives a published event's topic and payload. Declared as an
// alias so concrete *Bus values satisfy any package's locally-declared
// Publisher interface that spells the same function signature out
// literally, without every caller importing this package's named type.
type Handler = func(topic string, payload any)

// CommandHandler serves a request/response command.
type CommandHandler func(ctx context.Context, payload any) (any, error)

type subscription struct {
	id      string
	pattern pattern
	handler Handler
}

// Bus is the in-process message bus. Zero value is not usable; construct
// with New.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs []*subscription

	cmdMu    sync.RWMutex
	commands map[string]CommandHandler

	pool *pool.Pool
}

// New constructs a Bus with a dispatch pool capped at maxWorkers
// concurrent handler invocations. maxWorkers <= 0 defaults to 32.
func New(logger *slog.Logger, maxWorkers int) *Bus {
	if maxWorkers <= 0 {
		maxWorkers = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger.With("component", "bus"),
		commands: make(map[string]CommandHandler),
		pool:     pool.New().WithMaxGoroutines(maxWorkers),
	}
}

// Publish delivers payload to every handler whose subscription pattern
// matches topic. Handlers run on the dispatch pool; Publish returns once
// every matched handler has been handed to a worker, and waits for a free
// worker when all of them are busy. Each handler invocation is an
// independent pool task, so successive events for the same subscriber may
// run concurrently and complete out of publish order; no ordering is
// guaranteed within or across subscribers.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	matched := make([]*subscription, 0, 4)
	for _, s := range b.subs {
		if s.pattern.matches(topic) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		sub := s
		b.pool.Go(func() {
			b.invoke(sub, topic, payload)
		})
	}
}

func (b *Bus) invoke(sub *subscription, topic string, payload any) {
	done := make(chan struct{})
	start := time.Now()
	go func() {
		select {
		case <-done:
		case <-time.After(watchdogThreshold):
			b.logger.Warn("handler exceeded watchdog threshold",
				"subscription_id", sub.id, "topic", topic, "elapsed", time.Since(start))
		}
	}()
	defer close(done)

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "subscription_id", sub.id, "topic", topic, "panic", r)
		}
	}()
	sub.handler(topic, payload)
}

// Subscribe registers handler for every topic matching pattern and
// returns a subscription id usable with Unsubscribe. Duplicate
// subscriptions to the same pattern are independent.
func (b *Bus) Subscribe(patternStr string, handler Handler) string {
	sub := &subscription{
		id:      uuid.NewString(),
		pattern: compilePattern(patternStr),
		handler: handler,
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.id
}

// Unsubscribe removes a subscription by id. Idempotent: unsubscribing an
// unknown or already-removed id is a no-op.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == subscriptionID {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Register installs the handler for command_topic. At most one handler
// may be registered per topic; a second call returns AlreadyRegistered.
func (b *Bus) Register(commandTopic string, handler CommandHandler) error {
	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()
	if _, exists := b.commands[commandTopic]; exists {
		return zqerrors.New(zqerrors.KindBusiness, zqerrors.CodeAlreadyRegistered,
			fmt.Sprintf("command %q already registered", commandTopic))
	}
	b.commands[commandTopic] = handler
	return nil
}

// Deregister removes a previously registered command handler, if any.
func (b *Bus) Deregister(commandTopic string) {
	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()
	delete(b.commands, commandTopic)
}

// Request performs a synchronous request/response against a registered
// command handler. If ctx carries no deadline, DefaultRequestTimeout
// applies. Returns NoHandler if nothing is registered for commandTopic,
// or Timeout if the handler does not respond in time.
func (b *Bus) Request(ctx context.Context, commandTopic string, payload any) (any, error) {
	b.cmdMu.RLock()
	handler, ok := b.commands[commandTopic]
	b.cmdMu.RUnlock()
	if !ok {
		return nil, zqerrors.New(zqerrors.KindBusiness, zqerrors.CodeNoHandler,
			fmt.Sprintf("no handler registered for %q", commandTopic))
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	type result struct {
		value any
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: fmt.Errorf("bus: command %q handler panicked: %v", commandTopic, r)}
			}
		}()
		v, err := handler(ctx, payload)
		resultCh <- result{value: v, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.value, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, zqerrors.New(zqerrors.KindSystem, zqerrors.CodeTimeout,
				fmt.Sprintf("command %q timed out", commandTopic))
		}
		return nil, ctx.Err()
	}
}
