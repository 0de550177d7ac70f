// Package fixtures provides test doubles shared by unit and integration tests.
package fixtures

import (
	"sync"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

// FakeWindow is an in-memory domain.Window that records every call.
// It is safe to inspect from a test goroutine while the loop drives it.
type FakeWindow struct {
	mu        sync.Mutex
	id        string
	attrs     domain.WindowAttributes
	minimized bool
	visible   bool
	focused   bool
	calls     []string
	err       error
}

// NewFakeWindow returns a visible, escapable, non-minimized window.
func NewFakeWindow(id string) *FakeWindow {
	return &FakeWindow{
		id:      id,
		attrs:   domain.StateNormal.Attributes(),
		visible: true,
		focused: true,
	}
}

// FailWith makes every mutating call record and then return err.
func (w *FakeWindow) FailWith(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

// Minimize simulates the user minimizing the window.
func (w *FakeWindow) Minimize() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.minimized = true
	w.visible = false
	w.focused = false
}

// Attributes returns the currently applied attributes.
func (w *FakeWindow) Attributes() domain.WindowAttributes {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attrs
}

// Visible reports whether the window is shown and not minimized.
func (w *FakeWindow) Visible() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.visible && !w.minimized
}

// Focused reports whether the window has focus.
func (w *FakeWindow) Focused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.focused
}

// Calls returns the recorded call names in order.
func (w *FakeWindow) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

// ResetCalls clears the call log.
func (w *FakeWindow) ResetCalls() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = nil
}

func (w *FakeWindow) ID() string { return w.id }

func (w *FakeWindow) SetEscapeFlags(flags domain.EscapeFlags) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "SetEscapeFlags")
	if w.err != nil {
		return w.err
	}
	w.attrs.EscapeFlags = flags
	return nil
}

func (w *FakeWindow) SetAlwaysOnTop(onTop bool, level domain.WindowLevel) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "SetAlwaysOnTop")
	if w.err != nil {
		return w.err
	}
	w.attrs.AlwaysOnTop = onTop
	w.attrs.Level = level
	return nil
}

func (w *FakeWindow) SetFullScreen(fullScreen bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "SetFullScreen")
	if w.err != nil {
		return w.err
	}
	w.attrs.FullScreen = fullScreen
	return nil
}

func (w *FakeWindow) IsMinimized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.minimized
}

func (w *FakeWindow) Restore() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "Restore")
	if w.err != nil {
		return w.err
	}
	w.minimized = false
	return nil
}

func (w *FakeWindow) Show() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "Show")
	if w.err != nil {
		return w.err
	}
	w.visible = true
	return nil
}

func (w *FakeWindow) Focus() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "Focus")
	if w.err != nil {
		return w.err
	}
	w.focused = true
	return nil
}

// Ensure FakeWindow implements domain.Window.
var _ domain.Window = (*FakeWindow)(nil)
