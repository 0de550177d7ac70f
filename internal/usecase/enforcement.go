// Package usecase contains the host's application logic.
//
// Every exported method in this package must run on the host event loop.
package usecase

import (
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

// SettleDelay is how long escapability stays disabled after leaving a
// persistent alert, so the window manager finishes the full-screen exit
// before minimize/close/move come back.
const SettleDelay = 100 * time.Millisecond

// WindowController owns the enforcement state of the primary window and
// renders it onto the attached OS window.
type WindowController struct {
	scheduler domain.Scheduler
	logger    *zap.Logger

	window domain.Window
	state  domain.EnforcementState
	// locked is set once alert attributes have been rendered and cleared
	// when escapability is restored on a window.
	locked bool

	// settle is the pending re-enable task after leaving an alert.
	settle domain.Timer
	// generation invalidates settle tasks that were already queued when
	// a later transition happened.
	generation uint64
}

// NewWindowController creates a controller in the Normal state with no window.
func NewWindowController(scheduler domain.Scheduler, logger *zap.Logger) *WindowController {
	return &WindowController{
		scheduler: scheduler,
		logger:    logger,
		state:     domain.StateNormal,
	}
}

// State returns the authoritative enforcement state.
func (c *WindowController) State() domain.EnforcementState {
	return c.state
}

// SettlePending reports whether escapability is still waiting to be re-enabled.
func (c *WindowController) SettlePending() bool {
	return c.settle != nil
}

// Attach hands the controller ownership of a window. An active alert is
// rendered onto it immediately; a release that never reached a window is
// rendered too.
func (c *WindowController) Attach(w domain.Window) {
	if w == nil {
		return
	}
	c.window = w
	c.logger.Info("window attached",
		zap.String("window", w.ID()),
		zap.String("state", c.state.String()))

	if c.state == domain.StatePersistentAlert || c.locked {
		c.render()
	}
}

// Detach drops the window (it was destroyed or lost). A pending settle is
// cancelled; the next Attach renders the release again.
func (c *WindowController) Detach() {
	if c.window == nil {
		return
	}
	c.logger.Info("window detached", zap.String("window", c.window.ID()))
	c.window = nil
	c.cancelSettle()
}

// Window returns the attached window, or nil.
func (c *WindowController) Window() domain.Window {
	return c.window
}

// SetPersistentAlertActive switches between Normal and PersistentAlert.
// Repeated calls with the same value re-apply the same attributes.
func (c *WindowController) SetPersistentAlertActive(active bool) {
	c.cancelSettle()

	if active {
		c.state = domain.StatePersistentAlert
	} else {
		c.state = domain.StateNormal
	}
	c.logger.Info("enforcement state changed", zap.String("state", c.state.String()))

	if c.window == nil {
		return
	}
	c.render()
}

// render applies the current state to the window. It is the only place
// that mutates enforcement attributes.
func (c *WindowController) render() {
	switch c.state {
	case domain.StatePersistentAlert:
		c.enterAlert()
	default:
		c.leaveAlert()
	}
}

// enterAlert locks the window: escapability off, highest level, full-screen,
// then shown and focused.
func (c *WindowController) enterAlert() {
	attrs := domain.StatePersistentAlert.Attributes()
	w := c.window

	c.check("set escape flags", w.SetEscapeFlags(attrs.EscapeFlags))
	c.check("set always on top", w.SetAlwaysOnTop(attrs.AlwaysOnTop, attrs.Level))
	c.check("set full screen", w.SetFullScreen(attrs.FullScreen))
	c.check("show", w.Show())
	c.check("focus", w.Focus())
	c.locked = true
}

// leaveAlert exits full-screen and drops always-on-top now, and schedules
// escapability to come back after SettleDelay.
func (c *WindowController) leaveAlert() {
	attrs := domain.StateNormal.Attributes()
	w := c.window

	c.check("set full screen", w.SetFullScreen(attrs.FullScreen))
	c.check("set always on top", w.SetAlwaysOnTop(attrs.AlwaysOnTop, attrs.Level))

	gen := c.generation
	c.settle = c.scheduler.AfterFunc(SettleDelay, func() {
		if gen != c.generation || c.state != domain.StateNormal {
			return
		}
		c.settle = nil
		if c.window == nil {
			return
		}
		c.check("set escape flags", c.window.SetEscapeFlags(attrs.EscapeFlags))
		c.locked = false
		c.logger.Debug("escapability restored", zap.String("window", c.window.ID()))
	})
}

// cancelSettle drops any pending re-enable task.
func (c *WindowController) cancelSettle() {
	c.generation++
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
}

// SetAlwaysOnTop raises or lowers the window outside alert mode without
// touching full-screen or escapability. During an alert, lowering is
// ignored and raising only shows and focuses.
func (c *WindowController) SetAlwaysOnTop(onTop bool) {
	if c.window == nil {
		return
	}
	w := c.window

	if c.state == domain.StatePersistentAlert {
		if !onTop {
			c.logger.Debug("ignoring always-on-top release during persistent alert")
			return
		}
		c.check("show", w.Show())
		c.check("focus", w.Focus())
		return
	}

	level := domain.LevelNormal
	if onTop {
		level = domain.LevelFloating
	}
	c.check("set always on top", w.SetAlwaysOnTop(onTop, level))
	if onTop {
		c.check("show", w.Show())
		c.check("focus", w.Focus())
	}
}

// Restore un-minimizes the window if needed, then shows and focuses it.
// It never changes enforcement attributes, so it cannot end an alert.
func (c *WindowController) Restore() {
	if c.window == nil {
		return
	}
	w := c.window

	if w.IsMinimized() {
		c.check("restore", w.Restore())
	}
	c.check("show", w.Show())
	c.check("focus", w.Focus())
}

// check logs a failed window call. Window calls are never retried.
func (c *WindowController) check(op string, err error) {
	if err == nil {
		return
	}
	c.logger.Warn("window operation failed",
		zap.String("op", op),
		zap.String("window", c.window.ID()),
		zap.Error(err))
}
