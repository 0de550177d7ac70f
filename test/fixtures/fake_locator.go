package fixtures

import (
	"sync"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

// FakeLocator hands out a configurable window.
type FakeLocator struct {
	mu     sync.Mutex
	window domain.Window
	alive  bool
	err    error
	calls  int
}

// NewFakeLocator returns a locator that finds w, which stays alive.
func NewFakeLocator(w domain.Window) *FakeLocator {
	return &FakeLocator{window: w, alive: w != nil}
}

// SetWindow changes what Locate returns and marks it alive.
func (l *FakeLocator) SetWindow(w domain.Window) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window = w
	l.alive = w != nil
}

// Kill makes Alive report false for the current window.
func (l *FakeLocator) Kill() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alive = false
	l.window = nil
}

// FailWith makes Locate return err.
func (l *FakeLocator) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

// LocateCalls reports how many times Locate ran.
func (l *FakeLocator) LocateCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *FakeLocator) Locate() (domain.Window, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.window, nil
}

func (l *FakeLocator) Alive(w domain.Window) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alive && w == l.window
}

var _ domain.WindowLocator = (*FakeLocator)(nil)
