package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

const (
	mutterIdleService = "org.gnome.Mutter.IdleMonitor"
	mutterIdlePath    = dbus.ObjectPath("/org/gnome/Mutter/IdleMonitor/Core")
	mutterGetIdletime = mutterIdleService + ".GetIdletime"

	login1Service        = "org.freedesktop.login1"
	login1Path           = dbus.ObjectPath("/org/freedesktop/login1")
	login1Manager        = login1Service + ".Manager"
	login1Session        = login1Service + ".Session"
	login1PrepareSleep   = login1Manager + ".PrepareForSleep"
	login1SessionByPID   = login1Manager + ".GetSessionByPID"
	login1SessionLock    = login1Session + ".Lock"
	login1SessionUnlock  = login1Session + ".Unlock"
	powerEventBufferSize = 8
)

// isUnsupportedBusError reports whether the bus says the service or method
// simply isn't there, as opposed to a transient failure.
func isUnsupportedBusError(err error) bool {
	var name string
	var valErr dbus.Error
	var ptrErr *dbus.Error
	switch {
	case errors.As(err, &valErr):
		name = valErr.Name
	case errors.As(err, &ptrErr):
		name = ptrErr.Name
	default:
		return false
	}
	switch name {
	case "org.freedesktop.DBus.Error.ServiceUnknown",
		"org.freedesktop.DBus.Error.UnknownMethod",
		"org.freedesktop.DBus.Error.UnknownObject",
		"org.freedesktop.DBus.Error.UnknownInterface":
		return true
	}
	return false
}

// MutterIdleSource reads the idle counter of the GNOME compositor over the
// session bus.
type MutterIdleSource struct {
	mu    sync.Mutex
	conn  *dbus.Conn
	query func(ctx context.Context) (uint64, error)
}

// NewMutterIdleSource creates a source that connects on first use.
func NewMutterIdleSource() *MutterIdleSource {
	return &MutterIdleSource{}
}

// IdleDuration returns time since the last input event.
func (s *MutterIdleSource) IdleDuration(ctx context.Context) (time.Duration, error) {
	query, err := s.querier()
	if err != nil {
		return 0, err
	}

	ms, err := query(ctx)
	if err != nil {
		if isUnsupportedBusError(err) {
			return 0, fmt.Errorf("mutter idle monitor: %w", domain.ErrUnsupported)
		}
		return 0, fmt.Errorf("mutter idle monitor: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (s *MutterIdleSource) querier() (func(context.Context) (uint64, error), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.query != nil {
		return s.query, nil
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus: %v: %w", err, domain.ErrUnsupported)
	}
	s.conn = conn
	obj := conn.Object(mutterIdleService, mutterIdlePath)
	s.query = func(ctx context.Context) (uint64, error) {
		var ms uint64
		err := obj.CallWithContext(ctx, mutterGetIdletime, 0).Store(&ms)
		return ms, err
	}
	return s.query, nil
}

// Close releases the bus connection.
func (s *MutterIdleSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.query = nil
	return err
}

// XPrintIdleSource reads the X11 screensaver idle counter via xprintidle.
type XPrintIdleSource struct {
	runner CommandRunner
}

// NewXPrintIdleSource creates the source.
func NewXPrintIdleSource(runner CommandRunner) *XPrintIdleSource {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &XPrintIdleSource{runner: runner}
}

// IdleDuration returns time since the last input event.
func (s *XPrintIdleSource) IdleDuration(ctx context.Context) (time.Duration, error) {
	out, err := s.runner.Run(ctx, "xprintidle")
	if err != nil {
		return 0, err
	}
	ms, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("xprintidle output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// FallbackIdleSource asks each source in order and permanently skips a
// source once it reports domain.ErrUnsupported.
type FallbackIdleSource struct {
	mu      sync.Mutex
	sources []domain.IdleSource
	logger  *zap.Logger
}

// NewFallbackIdleSource creates the chain.
func NewFallbackIdleSource(logger *zap.Logger, sources ...domain.IdleSource) *FallbackIdleSource {
	return &FallbackIdleSource{sources: sources, logger: logger}
}

// IdleDuration returns the reading of the first supported source.
func (f *FallbackIdleSource) IdleDuration(ctx context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.sources) > 0 {
		d, err := f.sources[0].IdleDuration(ctx)
		if err == nil || !errors.Is(err, domain.ErrUnsupported) {
			return d, err
		}
		f.logger.Info("idle source unsupported; trying next", zap.Error(err))
		f.sources = f.sources[1:]
	}
	return 0, fmt.Errorf("no idle source available: %w", domain.ErrUnsupported)
}

// LogindPowerSource turns systemd-logind signals into power events:
// PrepareForSleep for suspend/resume and the session's Lock/Unlock.
type LogindPowerSource struct {
	logger *zap.Logger
}

// NewLogindPowerSource creates the source.
func NewLogindPowerSource(logger *zap.Logger) *LogindPowerSource {
	return &LogindPowerSource{logger: logger}
}

// Subscribe connects to the system bus and forwards signals until ctx is
// done. Lock/Unlock are only delivered when this process belongs to a
// logind session.
func (p *LogindPowerSource) Subscribe(ctx context.Context) (<-chan domain.PowerEvent, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("system bus: %v: %w", err, domain.ErrUnsupported)
	}

	if err := conn.AddMatchSignalContext(ctx,
		dbus.WithMatchInterface(login1Manager),
		dbus.WithMatchMember("PrepareForSleep"),
	); err != nil {
		conn.Close()
		if isUnsupportedBusError(err) {
			return nil, fmt.Errorf("logind: %w", domain.ErrUnsupported)
		}
		return nil, fmt.Errorf("subscribing to PrepareForSleep: %w", err)
	}

	if session, err := p.sessionPath(ctx, conn); err != nil {
		p.logger.Warn("no logind session; lock events unavailable", zap.Error(err))
	} else if err := conn.AddMatchSignalContext(ctx,
		dbus.WithMatchInterface(login1Session),
		dbus.WithMatchObjectPath(session),
	); err != nil {
		p.logger.Warn("subscribing to session lock signals failed", zap.Error(err))
	}

	signals := make(chan *dbus.Signal, powerEventBufferSize)
	conn.Signal(signals)

	out := make(chan domain.PowerEvent, powerEventBufferSize)
	go func() {
		defer close(out)
		defer conn.Close()
		defer conn.RemoveSignal(signals)

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					p.logger.Warn("system bus connection lost; power events stopped")
					return
				}
				ev, ok := powerEventFromSignal(sig)
				if !ok {
					continue
				}
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

func (p *LogindPowerSource) sessionPath(ctx context.Context, conn *dbus.Conn) (dbus.ObjectPath, error) {
	var path dbus.ObjectPath
	err := conn.Object(login1Service, login1Path).
		CallWithContext(ctx, login1SessionByPID, 0, uint32(os.Getpid())).
		Store(&path)
	return path, err
}

// powerEventFromSignal maps a logind signal to a power event.
func powerEventFromSignal(sig *dbus.Signal) (domain.PowerEvent, bool) {
	if sig == nil {
		return "", false
	}
	switch sig.Name {
	case login1PrepareSleep:
		if len(sig.Body) != 1 {
			return "", false
		}
		start, ok := sig.Body[0].(bool)
		if !ok {
			return "", false
		}
		if start {
			return domain.PowerSuspend, true
		}
		return domain.PowerResume, true
	case login1SessionLock:
		return domain.PowerLock, true
	case login1SessionUnlock:
		return domain.PowerUnlock, true
	}
	return "", false
}

// Ensure the adapters implement the domain interfaces.
var (
	_ domain.IdleSource  = (*MutterIdleSource)(nil)
	_ domain.IdleSource  = (*XPrintIdleSource)(nil)
	_ domain.IdleSource  = (*FallbackIdleSource)(nil)
	_ domain.PowerSource = (*LogindPowerSource)(nil)
)
