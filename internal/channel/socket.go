package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

// Invoker executes one command invocation.
type Invoker interface {
	Invoke(ctx context.Context, inv domain.CommandInvocation) (any, error)
}

// SocketServer serves the command channel on a Unix domain socket using
// CBOR-framed requests. Requests on one connection run in order.
type SocketServer struct {
	path    string
	invoker Invoker
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewSocketServer creates a server for the socket at path.
func NewSocketServer(path string, invoker Invoker, logger *zap.Logger) *SocketServer {
	return &SocketServer{
		path:    path,
		invoker: invoker,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket. A stale socket file from a previous run is
// replaced; the socket is only accessible by the owner.
func (s *SocketServer) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		l.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is canceled or Close is called.
func (s *SocketServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("socket server: Listen not called")
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.logger.Info("command socket listening", zap.String("path", s.path))

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Close stops accepting and closes open connections.
func (s *SocketServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
		_ = os.Remove(s.path)
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// track registers conn unless the server is already closed.
func (s *SocketServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

// handle serves one connection until it is closed.
func (s *SocketServer) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	dec := newDecoder(conn)
	enc := newEncoder(conn)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("command connection closed", zap.Error(err))
			}
			return
		}

		resp, reply := Dispatch(ctx, s.invoker, req)
		if !reply {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			s.logger.Debug("failed to write response", zap.Error(err))
			return
		}
	}
}

// Dispatch runs a decoded request and builds its response. reply is false
// for successfully queued fire-and-forget commands.
func Dispatch(ctx context.Context, invoker Invoker, req Request) (resp Response, reply bool) {
	value, err := invoker.Invoke(ctx, req.Invocation())
	if err != nil {
		return Response{ID: req.ID, OK: false, Error: err.Error()}, true
	}

	kind, _ := KindOf(req.Channel)
	if kind == FireAndForget {
		return Response{}, false
	}
	return Response{ID: req.ID, OK: true, Value: value}, true
}
