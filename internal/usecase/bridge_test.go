package usecase

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
	"github.com/eliteGoblin/focusd/sentinel/internal/eventloop"
)

// mockStore implements domain.KeyValueStore in memory.
type mockStore struct {
	data   map[string]json.RawMessage
	err    error
	closed atomic.Bool
}

func newMockStore() *mockStore {
	return &mockStore{data: make(map[string]json.RawMessage)}
}

func (m *mockStore) Get(key string) (json.RawMessage, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockStore) Set(key string, value json.RawMessage) error {
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func (m *mockStore) Delete(key string) error {
	if m.err != nil {
		return m.err
	}
	delete(m.data, key)
	return nil
}

func (m *mockStore) Close() error {
	m.closed.Store(true)
	return nil
}

// initBridge runs Init and waits until the loop has recorded the outcome.
func initBridge(t *testing.T, sched *eventloop.Manual, b *Bridge, open StoreOpener) {
	t.Helper()
	b.Init(open)
	require.Eventually(t, func() bool {
		sched.Drain()
		return b.Status() != StorePending
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBridge_GetBeforeInitReturnsNil(t *testing.T) {
	sched := eventloop.NewManual(testStart)
	b := NewBridge(sched, zap.NewNop())

	assert.NotPanics(t, func() {
		assert.Nil(t, b.Get("theme"))
		b.Set("theme", "dark")
		b.Delete("theme")
	})
	assert.Equal(t, StorePending, b.Status())
}

func TestBridge_SetGetDelete(t *testing.T) {
	sched := eventloop.NewManual(testStart)
	b := NewBridge(sched, zap.NewNop())
	store := newMockStore()
	initBridge(t, sched, b, func() (domain.KeyValueStore, error) { return store, nil })
	require.Equal(t, StoreReady, b.Status())

	b.Set("settings", map[string]any{"muted": true, "volume": 0.5})
	got := b.Get("settings")
	assert.Equal(t, map[string]any{"muted": true, "volume": 0.5}, got)

	b.Set("settings", "overwritten")
	assert.Equal(t, "overwritten", b.Get("settings"))

	b.Delete("settings")
	assert.Nil(t, b.Get("settings"))
	assert.Nil(t, b.Get("never-set"))
}

func TestBridge_FailedInitDegrades(t *testing.T) {
	sched := eventloop.NewManual(testStart)
	b := NewBridge(sched, zap.NewNop())
	initBridge(t, sched, b, func() (domain.KeyValueStore, error) {
		return nil, errors.New("file is not a database")
	})

	assert.Equal(t, StoreFailed, b.Status())
	assert.NotPanics(t, func() {
		b.Set("k", 1)
		b.Delete("k")
		assert.Nil(t, b.Get("k"))
	})
}

func TestBridge_StoreErrorsAreAbsorbed(t *testing.T) {
	sched := eventloop.NewManual(testStart)
	b := NewBridge(sched, zap.NewNop())
	store := newMockStore()
	initBridge(t, sched, b, func() (domain.KeyValueStore, error) { return store, nil })

	store.err = errors.New("database is locked")

	assert.Nil(t, b.Get("k"))
	assert.NotPanics(t, func() {
		b.Set("k", "v")
		b.Delete("k")
	})
}

func TestBridge_InvalidStoredJSON(t *testing.T) {
	sched := eventloop.NewManual(testStart)
	b := NewBridge(sched, zap.NewNop())
	store := newMockStore()
	store.data["broken"] = json.RawMessage("{not json")
	initBridge(t, sched, b, func() (domain.KeyValueStore, error) { return store, nil })

	assert.Nil(t, b.Get("broken"))
}

func TestBridge_UnserializableValueSkipped(t *testing.T) {
	sched := eventloop.NewManual(testStart)
	b := NewBridge(sched, zap.NewNop())
	store := newMockStore()
	initBridge(t, sched, b, func() (domain.KeyValueStore, error) { return store, nil })

	b.Set("fn", func() {})

	_, ok := store.data["fn"]
	assert.False(t, ok)
}

func TestBridge_InitAfterLoopStoppedClosesStore(t *testing.T) {
	sched := eventloop.NewManual(testStart)
	sched.Stop()
	b := NewBridge(sched, zap.NewNop())
	store := newMockStore()
	opened := make(chan struct{})

	b.Init(func() (domain.KeyValueStore, error) {
		defer close(opened)
		return store, nil
	})
	<-opened

	assert.Eventually(t, func() bool { return store.closed.Load() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StorePending, b.Status())
}

func TestBridge_CloseReleasesStoreNeverHandedToLoop(t *testing.T) {
	sched := eventloop.NewManual(testStart)
	b := NewBridge(sched, zap.NewNop())
	store := newMockStore()

	// The hand-off is queued but the loop never runs it.
	<-b.Init(func() (domain.KeyValueStore, error) { return store, nil })
	require.False(t, store.closed.Load())

	require.NoError(t, b.Close())
	assert.True(t, store.closed.Load())
}

func TestBridge_Close(t *testing.T) {
	sched := eventloop.NewManual(testStart)
	b := NewBridge(sched, zap.NewNop())
	store := newMockStore()
	initBridge(t, sched, b, func() (domain.KeyValueStore, error) { return store, nil })

	require.NoError(t, b.Close())

	assert.True(t, store.closed.Load())
	assert.Nil(t, b.Get("k"))
}
