package usecase

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

// StoreStatus is the lifecycle of the store behind the bridge.
type StoreStatus int

const (
	StorePending StoreStatus = iota
	StoreReady
	StoreFailed
)

func (s StoreStatus) String() string {
	switch s {
	case StorePending:
		return "pending"
	case StoreReady:
		return "ready"
	case StoreFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StoreOpener opens the durable store. It runs off the event loop.
type StoreOpener func() (domain.KeyValueStore, error)

// Bridge exposes get/set/delete on the durable store to the renderer.
// It never fails across the boundary: an unavailable store turns reads
// into nil and writes into logged no-ops.
type Bridge struct {
	scheduler domain.Scheduler
	logger    *zap.Logger

	store      domain.KeyValueStore
	status     StoreStatus
	warnedDown bool

	// opened holds a store between the opener goroutine and the loop.
	mu     sync.Mutex
	opened domain.KeyValueStore
}

// NewBridge creates a bridge whose store is still pending.
func NewBridge(scheduler domain.Scheduler, logger *zap.Logger) *Bridge {
	return &Bridge{
		scheduler: scheduler,
		logger:    logger,
		status:    StorePending,
	}
}

// Init opens the store in the background and hands it to the loop.
// It may be called from any goroutine; it returns immediately. The
// returned channel is closed once the opener has finished.
func (b *Bridge) Init(open StoreOpener) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		store, err := open()
		b.mu.Lock()
		b.opened = store
		b.mu.Unlock()

		posted := b.scheduler.Post(func() { b.ready(b.takeOpened(), err) })
		if !posted {
			if s := b.takeOpened(); s != nil {
				_ = s.Close()
			}
		}
	}()
	return done
}

// takeOpened claims the store left by the opener, if any.
func (b *Bridge) takeOpened() domain.KeyValueStore {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.opened
	b.opened = nil
	return s
}

// ready records the outcome of Init on the loop.
func (b *Bridge) ready(store domain.KeyValueStore, err error) {
	if err != nil || store == nil {
		b.status = StoreFailed
		b.logger.Error("key-value store unavailable; bridge degraded to no-ops", zap.Error(err))
		b.warnedDown = true
		return
	}
	b.store = store
	b.status = StoreReady
	b.logger.Info("key-value store ready")
}

// Status returns the store lifecycle state.
func (b *Bridge) Status() StoreStatus {
	return b.status
}

// Get returns the decoded value for key, or nil when unset or unavailable.
func (b *Bridge) Get(key string) any {
	if !b.available("get", key) {
		return nil
	}

	raw, ok, err := b.store.Get(key)
	if err != nil {
		b.logger.Warn("store get failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		b.logger.Warn("stored value is not valid JSON", zap.String("key", key), zap.Error(err))
		return nil
	}
	return value
}

// Set stores value under key (last write wins).
func (b *Bridge) Set(key string, value any) {
	if !b.available("set", key) {
		return
	}

	raw, err := json.Marshal(value)
	if err != nil {
		b.logger.Warn("value is not JSON-serializable", zap.String("key", key), zap.Error(err))
		return
	}
	if err := b.store.Set(key, raw); err != nil {
		b.logger.Warn("store set failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes key.
func (b *Bridge) Delete(key string) {
	if !b.available("delete", key) {
		return
	}
	if err := b.store.Delete(key); err != nil {
		b.logger.Warn("store delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Close releases the store if it was opened, including one whose hand-off
// task never ran because the loop stopped first.
func (b *Bridge) Close() error {
	if s := b.takeOpened(); s != nil {
		if b.store != nil {
			_ = s.Close()
		} else {
			b.store = s
		}
	}
	if b.store == nil {
		return nil
	}
	err := b.store.Close()
	b.store = nil
	b.status = StoreFailed
	if err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}

// available reports whether the store can serve op. A failed store is
// logged once; a pending store only at debug level.
func (b *Bridge) available(op, key string) bool {
	switch b.status {
	case StoreReady:
		return true
	case StorePending:
		b.logger.Debug("store not initialized yet",
			zap.String("op", op),
			zap.String("key", key))
	default:
		if !b.warnedDown {
			b.warnedDown = true
			b.logger.Warn("store unavailable", zap.String("op", op))
		}
	}
	return false
}
