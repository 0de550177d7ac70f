// Package daemon runs the privileged host process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/sentinel/internal/channel"
	"github.com/eliteGoblin/focusd/sentinel/internal/config"
	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
	"github.com/eliteGoblin/focusd/sentinel/internal/eventloop"
	"github.com/eliteGoblin/focusd/sentinel/internal/monitoring"
	"github.com/eliteGoblin/focusd/sentinel/internal/usecase"
)

// ErrAlreadyRunning is returned when another host holds the instance lock.
var ErrAlreadyRunning = errors.New("another sentinel host is already running")

// Adapters are the OS integrations the host drives. Any of them may be nil
// on a host that lacks the capability.
type Adapters struct {
	Locator   domain.WindowLocator
	Idle      domain.IdleSource
	Power     domain.PowerSource
	OpenStore usecase.StoreOpener
	Registry  domain.HostRegistry
}

// Host wires the event loop, the controllers and the transports together.
type Host struct {
	// Version is published in the host record.
	Version string

	cfg      *config.Config
	adapters Adapters
	logger   *zap.Logger
	lock     *flock.Flock

	loop     *eventloop.Loop
	window   *usecase.WindowController
	presence *usecase.PresenceMonitor
	bridge   *usecase.Bridge
	hub      *channel.Hub
	metrics  *monitoring.Metrics
	router   *channel.Router

	socket *channel.SocketServer
	ws     *channel.WebSocketServer

	ready     chan struct{}
	warnOnce  sync.Once
	readyOnce sync.Once
}

// NewHost builds a host from configuration and adapters. Nothing runs
// until Run is called.
func NewHost(cfg *config.Config, adapters Adapters, logger *zap.Logger) *Host {
	h := &Host{
		cfg:      cfg,
		adapters: adapters,
		logger:   logger,
		lock:     flock.New(cfg.Host.LockPath),
		hub:      channel.NewHub(),
		metrics:  monitoring.NewMetrics(),
		ready:    make(chan struct{}),
	}

	h.loop = eventloop.New(eventloop.DefaultQueueSize, logger.Named("loop"))
	h.window = usecase.NewWindowController(h.loop, logger.Named("window"))
	h.presence = usecase.NewPresenceMonitor(h.loop, adapters.Idle, adapters.Power, h.publishPresence, logger.Named("presence"))
	h.bridge = usecase.NewBridge(h.loop, logger.Named("store"))
	h.router = channel.NewRouter(h.loop, h.window, h.presence, h.bridge, h.metrics, logger.Named("channel"))

	h.socket = channel.NewSocketServer(cfg.Host.SocketPath, h.router, logger.Named("socket"))
	if cfg.Renderer.ListenAddr != "" {
		h.ws = channel.NewWebSocketServer(cfg.Renderer.ListenAddr, cfg.Renderer.AllowedOrigins,
			h.router, h.hub, h.metrics, logger.Named("renderer"))
	}
	return h
}

// Ready is closed once every listener is bound.
func (h *Host) Ready() <-chan struct{} {
	return h.ready
}

// Router exposes the command router (for in-process callers).
func (h *Host) Router() *channel.Router {
	return h.router
}

// Hub exposes presence event fan-out.
func (h *Host) Hub() *channel.Hub {
	return h.hub
}

// RendererAddr returns the bound renderer address, or "" when disabled.
func (h *Host) RendererAddr() string {
	if h.ws == nil {
		return ""
	}
	return h.ws.Addr()
}

// Run acquires the instance lock and serves until ctx is canceled or a
// component fails.
// This blocks until context is canceled.
func (h *Host) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(h.cfg.Host.LockPath), 0700); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := h.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := h.lock.Unlock(); err != nil {
			h.logger.Warn("failed to release instance lock", zap.Error(err))
		}
	}()

	if err := h.socket.Listen(); err != nil {
		return err
	}
	if h.ws != nil {
		if err := h.ws.Listen(); err != nil {
			h.socket.Close()
			return err
		}
	}
	metricsListener, err := h.listenMetrics()
	if err != nil {
		h.socket.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := h.loop.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return h.socket.Serve(gctx) })
	if h.ws != nil {
		g.Go(func() error { return h.ws.Serve(gctx) })
	}
	if metricsListener != nil {
		g.Go(func() error { return h.serveMetrics(gctx, metricsListener) })
	}
	if h.adapters.Locator != nil {
		g.Go(func() error {
			h.watchWindow(gctx)
			return nil
		})
	}

	storeOpened := h.start(gctx)

	h.register()
	defer h.unregister()

	h.logger.Info("sentinel host started",
		zap.Int("pid", os.Getpid()),
		zap.String("socket", h.cfg.Host.SocketPath),
		zap.String("renderer", h.RendererAddr()))
	h.readyOnce.Do(func() { close(h.ready) })

	err = g.Wait()

	// The loop has exited; nothing else touches the controllers now.
	<-storeOpened
	h.presence.Stop()
	if cerr := h.bridge.Close(); cerr != nil {
		h.logger.Warn("failed to close store", zap.Error(cerr))
	}
	h.logger.Info("sentinel host stopped")
	return err
}

// start kicks off asynchronous initialisation on the loop. The returned
// channel is closed once the store opener has finished.
func (h *Host) start(ctx context.Context) <-chan struct{} {
	open := h.adapters.OpenStore
	if open == nil {
		open = func() (domain.KeyValueStore, error) {
			return nil, errors.New("no store configured")
		}
	}
	opened := h.bridge.Init(open)
	h.loop.Post(func() { h.presence.Start(ctx) })
	return opened
}

func (h *Host) register() {
	if h.adapters.Registry == nil {
		return
	}
	rec := domain.HostRecord{
		PID:          os.Getpid(),
		Version:      h.Version,
		SocketPath:   h.cfg.Host.SocketPath,
		RendererAddr: h.RendererAddr(),
		StartedAt:    time.Now().UTC(),
	}
	if err := h.adapters.Registry.Register(rec); err != nil {
		h.logger.Warn("failed to write host record", zap.Error(err))
	}
}

func (h *Host) unregister() {
	if h.adapters.Registry == nil {
		return
	}
	if err := h.adapters.Registry.Clear(); err != nil {
		h.logger.Warn("failed to clear host record", zap.Error(err))
	}
}

// publishPresence is the presence sink; it runs on the loop.
func (h *Host) publishPresence(ev domain.PresenceEvent) {
	h.logger.Info("presence event",
		zap.String("event", string(ev.Kind)),
		zap.String("idle_state", string(ev.IdleState)))
	h.metrics.PresenceEvents.WithLabelValues(string(ev.Kind)).Inc()
	h.hub.Publish(ev)
}

// watchWindow keeps the controller attached to the live renderer window.
// Discovery runs off the loop; only attach and detach are posted to it.
func (h *Host) watchWindow(ctx context.Context) {
	interval := h.cfg.Window.CheckInterval()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.syncWindow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.syncWindow(ctx)
		}
	}
}

func (h *Host) syncWindow(ctx context.Context) {
	var current domain.Window
	if err := h.loop.Do(ctx, func() { current = h.window.Window() }); err != nil {
		return
	}

	if current != nil {
		if h.adapters.Locator.Alive(current) {
			return
		}
		h.loop.Post(func() {
			if h.window.Window() == current {
				h.window.Detach()
			}
		})
	}

	w, err := h.adapters.Locator.Locate()
	if err != nil {
		if errors.Is(err, domain.ErrUnsupported) {
			h.warnOnce.Do(func() {
				h.logger.Warn("window discovery unavailable; enforcement has no window", zap.Error(err))
			})
			return
		}
		h.logger.Debug("window discovery failed", zap.Error(err))
		return
	}
	if w == nil {
		return
	}
	h.loop.Post(func() {
		if h.window.Window() == nil {
			h.window.Attach(w)
		}
	})
}

func (h *Host) listenMetrics() (net.Listener, error) {
	if h.cfg.Metrics.ListenAddr == "" {
		return nil, nil
	}
	l, err := net.Listen("tcp", h.cfg.Metrics.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", h.cfg.Metrics.ListenAddr, err)
	}
	return l, nil
}

func (h *Host) serveMetrics(ctx context.Context, l net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()
	h.logger.Info("metrics listening", zap.String("addr", l.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
