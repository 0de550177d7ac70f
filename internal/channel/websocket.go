package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/sentinel/internal/monitoring"
)

// WebSocketPath is where the renderer connects.
const WebSocketPath = "/ipc"

const writeTimeout = 5 * time.Second

// WebSocketServer serves the command channel to the renderer as JSON
// frames and pushes presence events to it.
type WebSocketServer struct {
	addr           string
	allowedOrigins map[string]bool
	invoker        Invoker
	hub            *Hub
	metrics        *monitoring.Metrics
	logger         *zap.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewWebSocketServer creates a server bound to addr (loopback expected).
// A request without an Origin header is a native renderer and is accepted;
// browser origins must be in allowedOrigins.
func NewWebSocketServer(
	addr string,
	allowedOrigins []string,
	invoker Invoker,
	hub *Hub,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *WebSocketServer {
	s := &WebSocketServer{
		addr:           addr,
		allowedOrigins: make(map[string]bool, len(allowedOrigins)),
		invoker:        invoker,
		hub:            hub,
		metrics:        metrics,
		logger:         logger,
		conns:          make(map[*websocket.Conn]struct{}),
	}
	for _, o := range allowedOrigins {
		s.allowedOrigins[o] = true
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, s.handleConnection)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.allowedOrigins[origin]
}

// Listen binds the TCP address.
func (s *WebSocketServer) Listen() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address (useful when addr used port 0).
func (s *WebSocketServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Serve handles connections until ctx is canceled.
func (s *WebSocketServer) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("websocket server: Listen not called")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.listener)
	}()
	s.logger.Info("renderer websocket listening", zap.String("addr", s.Addr()))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("websocket server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)

	// Shutdown does not track hijacked connections.
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	<-errCh
	return nil
}

// track registers conn for shutdown. It returns false once the server is
// closing.
func (s *WebSocketServer) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *WebSocketServer) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// handleConnection upgrades and serves one renderer connection.
func (s *WebSocketServer) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	if s.metrics != nil {
		s.metrics.RendererConnections.Inc()
		defer s.metrics.RendererConnections.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(v)
	}

	events, unsubscribe := s.hub.Subscribe()
	pushDone := make(chan struct{})
	go func() {
		defer close(pushDone)
		for ev := range events {
			frame := Event{Event: ev.Kind, IdleState: ev.IdleState, At: ev.At.UTC().Format(time.RFC3339Nano)}
			if err := send(frame); err != nil {
				cancel()
				return
			}
		}
	}()

	defer func() {
		cancel()
		unsubscribe()
		<-pushDone
		_ = conn.Close()
	}()

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("renderer connection closed", zap.Error(err))
			}
			return
		}

		resp, reply := Dispatch(ctx, s.invoker, req)
		if !reply {
			continue
		}
		if err := send(resp); err != nil {
			return
		}
	}
}
