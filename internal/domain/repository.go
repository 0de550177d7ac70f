package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrUnsupported is returned by OS adapters when the primitive does not
	// exist on this host (no idle API, no logind, no X11).
	ErrUnsupported = errors.New("unsupported on this host")

	// ErrUnknownCommand is returned for channel names outside the command table.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrInvalidArgument is returned when a command payload has the wrong shape.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrLoopStopped is returned when a task is posted after the event loop exited.
	ErrLoopStopped = errors.New("event loop stopped")
)

// Window is the OS window handle owned by the enforcement controller.
// Implementations are synchronous and fast; they are never retried.
type Window interface {
	// ID identifies the window for logging and re-discovery.
	ID() string

	// SetEscapeFlags applies minimizable/closable/movable as one unit.
	SetEscapeFlags(flags EscapeFlags) error

	// SetAlwaysOnTop raises (or drops) the window at the given level.
	SetAlwaysOnTop(onTop bool, level WindowLevel) error

	// SetFullScreen enters or exits full-screen.
	SetFullScreen(fullScreen bool) error

	// IsMinimized reports whether the window is currently minimized.
	IsMinimized() bool

	// Restore un-minimizes the window.
	Restore() error

	// Show maps the window.
	Show() error

	// Focus gives the window input focus.
	Focus() error
}

// WindowLocator discovers the renderer window.
type WindowLocator interface {
	// Locate returns the renderer window, or nil when none exists yet.
	Locate() (Window, error)

	// Alive checks whether a previously located window still exists.
	Alive(w Window) bool
}

// IdleSource reports how long the user has been idle.
type IdleSource interface {
	// IdleDuration returns time since the last user input.
	// Returns ErrUnsupported when the host has no idle API.
	IdleDuration(ctx context.Context) (time.Duration, error)
}

// PowerSource delivers raw lock/unlock/suspend/resume signals.
type PowerSource interface {
	// Subscribe starts delivery. The channel is closed when ctx is done
	// or the underlying connection is lost.
	// Returns ErrUnsupported when the host offers no such signals.
	Subscribe(ctx context.Context) (<-chan PowerEvent, error)
}

// KeyValueStore is the durable local store behind the bridge.
type KeyValueStore interface {
	// Get returns the raw JSON value; ok is false when the key is unset.
	Get(key string) (value json.RawMessage, ok bool, err error)

	// Set stores a raw JSON value (last write wins).
	Set(key string, value json.RawMessage) error

	// Delete removes a key. Deleting an unset key is not an error.
	Delete(key string) error

	// Close releases resources (e.g., database connection).
	Close() error
}

// Timer is a pending deferred task.
type Timer interface {
	// Stop cancels the task. Returns false if it already fired.
	Stop() bool
}

// Scheduler runs tasks on the single host event loop.
type Scheduler interface {
	// Post queues a task. Returns false if the loop has stopped.
	Post(task func()) bool

	// AfterFunc queues task on the loop once d has elapsed.
	AfterFunc(d time.Duration, task func()) Timer

	// Now returns the current time.
	Now() time.Time
}

// ProcessManager handles OS process lookups.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool
}

// KeyProvider supplies the store encryption key.
type KeyProvider interface {
	// Load returns the existing key. A missing key wraps fs.ErrNotExist.
	Load() ([]byte, error)

	// Create generates and persists a new key. If one appeared in the
	// meantime the error wraps fs.ErrExist.
	Create() ([]byte, error)
}

// HostRegistry publishes the running host's record.
type HostRegistry interface {
	// Register records the running host, replacing any previous record.
	Register(rec HostRecord) error

	// Get returns the current record, or nil if none exists.
	Get() (*HostRecord, error)

	// IsAlive reports whether the recorded host process is still running.
	IsAlive() (bool, error)

	// Clear removes the record.
	Clear() error
}
