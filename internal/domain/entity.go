// Package domain contains core entities and the ports the host talks to.
// This is the innermost layer - no external dependencies.
package domain

import (
	"encoding/json"
	"time"
)

// EnforcementState is the authoritative state of the primary window.
type EnforcementState int

const (
	// StateNormal is an ordinary, escapable window.
	StateNormal EnforcementState = iota
	// StatePersistentAlert is a full-screen, top-most window the user cannot leave.
	StatePersistentAlert
)

// String returns the state name used in logs and status output.
func (s EnforcementState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StatePersistentAlert:
		return "persistent-alert"
	default:
		return "unknown"
	}
}

// WindowLevel is the stacking tier used for always-on-top.
type WindowLevel string

const (
	LevelNormal      WindowLevel = "normal"
	LevelFloating    WindowLevel = "floating"
	LevelScreenSaver WindowLevel = "screen-saver" // above every other always-on-top window
)

// EscapeFlags bundles the window-manager affordances that let a user leave
// the window. They are always applied together.
type EscapeFlags struct {
	Minimizable bool `json:"minimizable"`
	Closable    bool `json:"closable"`
	Movable     bool `json:"movable"`
}

var (
	// Escapable enables every affordance.
	Escapable = EscapeFlags{Minimizable: true, Closable: true, Movable: true}
	// Locked disables every affordance.
	Locked = EscapeFlags{}
)

// WindowAttributes are the OS window properties derived from a state.
type WindowAttributes struct {
	EscapeFlags
	AlwaysOnTop bool        `json:"alwaysOnTop"`
	Level       WindowLevel `json:"level"`
	FullScreen  bool        `json:"fullScreen"`
}

// Attributes returns the target window attributes for the state.
func (s EnforcementState) Attributes() WindowAttributes {
	if s == StatePersistentAlert {
		return WindowAttributes{
			EscapeFlags: Locked,
			AlwaysOnTop: true,
			Level:       LevelScreenSaver,
			FullScreen:  true,
		}
	}
	return WindowAttributes{
		EscapeFlags: Escapable,
		AlwaysOnTop: false,
		Level:       LevelNormal,
		FullScreen:  false,
	}
}

// IdleState is the coarse presence classification.
type IdleState string

const (
	IdleStateActive IdleState = "active"
	IdleStateIdle   IdleState = "idle"
)

// PresenceSnapshot is the current presence view. It lives only in memory.
type PresenceSnapshot struct {
	IdleState        IdleState `json:"idleState"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
	ScreenLocked     bool      `json:"screenLocked"`
	Suspended        bool      `json:"suspended"`
}

// PresenceEventKind names a presence notification.
type PresenceEventKind string

const (
	EventLockScreen       PresenceEventKind = "lock-screen"
	EventUnlockScreen     PresenceEventKind = "unlock-screen"
	EventSuspend          PresenceEventKind = "suspend"
	EventResume           PresenceEventKind = "resume"
	EventIdleStateChanged PresenceEventKind = "idle-state-changed"
)

// PresenceEvent is a single fire-and-forget presence notification.
// IdleState is only set for EventIdleStateChanged.
type PresenceEvent struct {
	Kind      PresenceEventKind `json:"event"`
	IdleState IdleState         `json:"idleState,omitempty"`
	At        time.Time         `json:"at"`
}

// PowerEvent is a raw OS power/session signal.
type PowerEvent string

const (
	PowerLock    PowerEvent = "lock"
	PowerUnlock  PowerEvent = "unlock"
	PowerSuspend PowerEvent = "suspend"
	PowerResume  PowerEvent = "resume"
)

// CommandInvocation is one call from the renderer. It has no identity
// beyond the channel name and is delivered at most once.
type CommandInvocation struct {
	Channel string
	Args    []any
}

// StoreEntry is a single key in the durable store. Last write wins.
type StoreEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// HostRecord describes a running host for local tooling.
type HostRecord struct {
	PID          int       `json:"pid"`
	Version      string    `json:"version,omitempty"`
	Mode         string    `json:"mode"`
	SocketPath   string    `json:"socket_path"`
	RendererAddr string    `json:"renderer_addr,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}
