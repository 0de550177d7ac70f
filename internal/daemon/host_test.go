package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/sentinel/internal/channel"
	"github.com/eliteGoblin/focusd/sentinel/internal/config"
	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
	"github.com/eliteGoblin/focusd/sentinel/internal/infra"
	"github.com/eliteGoblin/focusd/sentinel/test/fixtures"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memStore struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func (s *memStore) Get(key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) Close() error { return nil }

func openMemStore() (domain.KeyValueStore, error) {
	return &memStore{data: map[string]json.RawMessage{}}, nil
}

// fakePower delivers events pushed through Emit until ctx is done.
type fakePower struct {
	events chan domain.PowerEvent
}

func newFakePower() *fakePower {
	return &fakePower{events: make(chan domain.PowerEvent, 4)}
}

func (p *fakePower) Emit(ev domain.PowerEvent) { p.events <- ev }

func (p *fakePower) Subscribe(ctx context.Context) (<-chan domain.PowerEvent, error) {
	out := make(chan domain.PowerEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-p.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Host.DataDir = dir
	cfg.Host.SocketPath = filepath.Join(dir, "sentinel.sock")
	cfg.Host.LockPath = filepath.Join(dir, "sentinel.lock")
	cfg.Window.CheckIntervalSeconds = 1
	cfg.Renderer.ListenAddr = "127.0.0.1:0"
	cfg.Renderer.AllowedOrigins = nil
	cfg.Metrics.ListenAddr = ""
	return &cfg
}

// runHost starts h and stops it when the test ends.
func runHost(t *testing.T, h *Host) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	select {
	case <-h.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("host exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("host not ready")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("host did not stop")
		}
	})
}

func dialHost(t *testing.T, cfg *config.Config) *channel.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := channel.Dial(ctx, cfg.Host.SocketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHost_ServesCommands(t *testing.T) {
	cfg := testConfig(t)
	win := fixtures.NewFakeWindow("0x3a00007")
	power := newFakePower()
	h := NewHost(cfg, Adapters{
		Locator:   fixtures.NewFakeLocator(win),
		Power:     power,
		OpenStore: openMemStore,
	}, zap.NewNop())
	runHost(t, h)
	ctx := testCtx(t)
	c := dialHost(t, cfg)

	require.NoError(t, c.Send(ctx, channel.SetPersistentAlertActive, true))
	assert.Eventually(t, func() bool {
		return win.Attributes() == domain.StatePersistentAlert.Attributes()
	}, 3*time.Second, 20*time.Millisecond)

	// The store opens asynchronously; poll until a write sticks.
	assert.Eventually(t, func() bool {
		if err := c.Invoke(ctx, channel.StoreSet, nil, "theme", "dark"); err != nil {
			return false
		}
		var got any
		return c.Invoke(ctx, channel.StoreGet, &got, "theme") == nil && got == "dark"
	}, 3*time.Second, 20*time.Millisecond)

	power.Emit(domain.PowerLock)
	assert.Eventually(t, func() bool {
		snap, err := c.DeviceStatus(ctx)
		return err == nil && snap.ScreenLocked
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHost_PublishesPresenceEvents(t *testing.T) {
	cfg := testConfig(t)
	power := newFakePower()
	h := NewHost(cfg, Adapters{Power: power, OpenStore: openMemStore}, zap.NewNop())
	events, unsubscribe := h.Hub().Subscribe()
	defer unsubscribe()
	runHost(t, h)

	power.Emit(domain.PowerSuspend)

	select {
	case ev := <-events:
		assert.Equal(t, domain.EventSuspend, ev.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("no presence event")
	}
	assert.NotEmpty(t, h.RendererAddr())
}

func TestHost_PublishesRecord(t *testing.T) {
	cfg := testConfig(t)
	registry := infra.NewFileRegistry(cfg.Host.RegistryPath(), infra.NewProcessManager())
	h := NewHost(cfg, Adapters{Registry: registry}, zap.NewNop())
	h.Version = "1.2.3"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	<-h.Ready()

	rec, err := registry.Get()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.Equal(t, "1.2.3", rec.Version)
	assert.Equal(t, cfg.Host.SocketPath, rec.SocketPath)
	assert.Equal(t, h.RendererAddr(), rec.RendererAddr)
	alive, err := registry.IsAlive()
	require.NoError(t, err)
	assert.True(t, alive)

	cancel()
	require.NoError(t, <-done)
	rec, err = registry.Get()
	require.NoError(t, err)
	assert.Nil(t, rec, "record cleared on shutdown")
}

func TestHost_SecondInstanceRejected(t *testing.T) {
	cfg := testConfig(t)
	runHost(t, NewHost(cfg, Adapters{}, zap.NewNop()))

	err := NewHost(cfg, Adapters{}, zap.NewNop()).Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestHost_ReattachesReplacementWindow(t *testing.T) {
	cfg := testConfig(t)
	first := fixtures.NewFakeWindow("0x1")
	locator := fixtures.NewFakeLocator(first)
	h := NewHost(cfg, Adapters{Locator: locator}, zap.NewNop())
	runHost(t, h)
	ctx := testCtx(t)
	c := dialHost(t, cfg)

	require.NoError(t, c.Send(ctx, channel.SetPersistentAlertActive, true))
	require.Eventually(t, func() bool {
		return first.Attributes() == domain.StatePersistentAlert.Attributes()
	}, 3*time.Second, 20*time.Millisecond)

	// The renderer restarts with a new window while the alert is active.
	second := fixtures.NewFakeWindow("0x2")
	locator.Kill()
	locator.SetWindow(second)

	assert.Eventually(t, func() bool {
		return second.Attributes() == domain.StatePersistentAlert.Attributes()
	}, 5*time.Second, 50*time.Millisecond)
}

func TestHost_UnsupportedDiscoveryKeepsRunning(t *testing.T) {
	cfg := testConfig(t)
	locator := fixtures.NewFakeLocator(nil)
	locator.FailWith(domain.ErrUnsupported)
	runHost(t, NewHost(cfg, Adapters{Locator: locator}, zap.NewNop()))
	ctx := testCtx(t)
	c := dialHost(t, cfg)

	require.NoError(t, c.Send(ctx, channel.SetAlwaysOnTop, true))
	_, err := c.DeviceStatus(ctx)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, locator.LocateCalls(), 1)
}

func TestHost_StoreFailureDegrades(t *testing.T) {
	cfg := testConfig(t)
	failing := func() (domain.KeyValueStore, error) { return nil, errors.New("bad key") }
	runHost(t, NewHost(cfg, Adapters{OpenStore: failing}, zap.NewNop()))
	ctx := testCtx(t)
	c := dialHost(t, cfg)

	require.NoError(t, c.Invoke(ctx, channel.StoreSet, nil, "k", 1))
	var got any = "sentinel"
	require.NoError(t, c.Invoke(ctx, channel.StoreGet, &got, "k"))
	assert.Nil(t, got)
}

type closeTrackingStore struct {
	memStore
	closed chan struct{}
}

func (s *closeTrackingStore) Close() error {
	close(s.closed)
	return nil
}

func TestHost_StoreOpenedDuringShutdownIsClosed(t *testing.T) {
	cfg := testConfig(t)
	release := make(chan struct{})
	store := &closeTrackingStore{
		memStore: memStore{data: map[string]json.RawMessage{}},
		closed:   make(chan struct{}),
	}
	slowOpen := func() (domain.KeyValueStore, error) {
		<-release
		return store, nil
	}
	h := NewHost(cfg, Adapters{OpenStore: slowOpen}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	<-h.Ready()

	cancel()
	close(release)
	require.NoError(t, <-done)

	select {
	case <-store.closed:
	default:
		t.Fatal("store left open after shutdown")
	}
}

func TestHost_ServeMetrics(t *testing.T) {
	cfg := testConfig(t)
	h := NewHost(cfg, Adapters{}, zap.NewNop())
	h.metrics.PresenceEvents.WithLabelValues(string(domain.EventResume)).Inc()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.serveMetrics(ctx, l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "sentinel_presence_events_total")

	cancel()
	assert.NoError(t, <-done)
	http.DefaultClient.CloseIdleConnections()
}

func TestWaitForSocket(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	err := WaitForSocket(ctx, cfg.Host.SocketPath, 20*time.Millisecond)
	cancel()
	assert.Error(t, err)

	runHost(t, NewHost(cfg, Adapters{}, zap.NewNop()))
	assert.NoError(t, WaitForSocket(testCtx(t), cfg.Host.SocketPath, 20*time.Millisecond))
}
