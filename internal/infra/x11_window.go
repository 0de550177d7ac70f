package infra

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

// _MOTIF_WM_HINTS function bits.
const (
	mwmHintsFunctions = 1

	mwmFuncAll      = 1
	mwmFuncResize   = 2
	mwmFuncMove     = 4
	mwmFuncMinimize = 8
	mwmFuncMaximize = 16
	mwmFuncClose    = 32
)

// X11Window drives one top-level window through wmctrl, xdotool and xprop.
type X11Window struct {
	id     string
	runner CommandRunner
}

// NewX11Window wraps the window with the given X11 id (decimal or 0x hex).
func NewX11Window(id string, runner CommandRunner) *X11Window {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &X11Window{id: id, runner: runner}
}

func (w *X11Window) ID() string { return w.id }

// SetEscapeFlags publishes the allowed window-manager functions as
// _MOTIF_WM_HINTS. Resizing stays allowed so full-screen can be applied.
func (w *X11Window) SetEscapeFlags(flags domain.EscapeFlags) error {
	functions := motifFunctions(flags)
	value := fmt.Sprintf("%d, %d, 0, 0, 0", mwmHintsFunctions, functions)
	_, err := run(w.runner, "xprop", "-id", w.id, "-f", "_MOTIF_WM_HINTS", "32c", "-set", "_MOTIF_WM_HINTS", value)
	return err
}

func motifFunctions(flags domain.EscapeFlags) int {
	if flags == domain.Escapable {
		return mwmFuncAll
	}
	functions := mwmFuncResize
	if flags.Movable {
		functions |= mwmFuncMove | mwmFuncMaximize
	}
	if flags.Minimizable {
		functions |= mwmFuncMinimize
	}
	if flags.Closable {
		functions |= mwmFuncClose
	}
	return functions
}

// SetAlwaysOnTop maps levels onto EWMH states: floating is "above",
// screen-saver is "above" on every workspace.
func (w *X11Window) SetAlwaysOnTop(onTop bool, level domain.WindowLevel) error {
	if !onTop || level == domain.LevelNormal {
		return w.wmState("remove", "above", "sticky")
	}
	if level == domain.LevelScreenSaver {
		return w.wmState("add", "above", "sticky")
	}
	if err := w.wmState("remove", "sticky"); err != nil {
		return err
	}
	return w.wmState("add", "above")
}

func (w *X11Window) SetFullScreen(fullScreen bool) error {
	if fullScreen {
		return w.wmState("add", "fullscreen")
	}
	return w.wmState("remove", "fullscreen")
}

// IsMinimized reports _NET_WM_STATE_HIDDEN. Query failures read as not
// minimized.
func (w *X11Window) IsMinimized() bool {
	out, err := run(w.runner, "xprop", "-id", w.id, "_NET_WM_STATE")
	if err != nil {
		return false
	}
	return bytes.Contains(out, []byte("_NET_WM_STATE_HIDDEN"))
}

func (w *X11Window) Restore() error {
	if _, err := run(w.runner, "xdotool", "windowmap", w.id); err != nil {
		return err
	}
	return w.wmState("remove", "hidden")
}

func (w *X11Window) Show() error {
	_, err := run(w.runner, "xdotool", "windowmap", w.id)
	return err
}

// Focus raises the window, switching to its workspace if needed.
func (w *X11Window) Focus() error {
	_, err := run(w.runner, "wmctrl", "-i", "-a", w.id)
	return err
}

// wmState changes up to two _NET_WM_STATE properties at once.
func (w *X11Window) wmState(action string, props ...string) error {
	arg := action + "," + strings.Join(props, ",")
	_, err := run(w.runner, "wmctrl", "-i", "-r", w.id, "-b", arg)
	return err
}

// X11Locator finds the renderer window by WM_CLASS or, failing that, by
// the PIDs of the renderer process.
type X11Locator struct {
	class       string
	processName string
	procs       domain.ProcessManager
	runner      CommandRunner
}

// NewX11Locator creates a locator. Either class or processName may be empty.
func NewX11Locator(class, processName string, procs domain.ProcessManager, runner CommandRunner) *X11Locator {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &X11Locator{class: class, processName: processName, procs: procs, runner: runner}
}

// Locate returns the first matching window, or nil when none is mapped yet.
func (l *X11Locator) Locate() (domain.Window, error) {
	if l.class != "" {
		id, err := l.search("--class", l.class)
		if err != nil || id != "" {
			return l.window(id), err
		}
	}

	if l.processName == "" || l.procs == nil {
		return nil, nil
	}
	pids, err := l.procs.FindByName(l.processName)
	if err != nil {
		return nil, fmt.Errorf("finding %s: %w", l.processName, err)
	}
	for _, pid := range pids {
		id, err := l.search("--pid", strconv.Itoa(pid))
		if err != nil {
			return nil, err
		}
		if id != "" {
			return l.window(id), nil
		}
	}
	return nil, nil
}

// Alive checks the window still exists on the X server. Without xprop
// the window is assumed alive.
func (l *X11Locator) Alive(w domain.Window) bool {
	if w == nil {
		return false
	}
	_, err := run(l.runner, "xprop", "-id", w.ID(), "WM_CLASS")
	return err == nil || errors.Is(err, domain.ErrUnsupported)
}

func (l *X11Locator) window(id string) domain.Window {
	if id == "" {
		return nil
	}
	return NewX11Window(id, l.runner)
}

// search runs xdotool search and returns the first window id in hex.
// xdotool exits non-zero with no output when nothing matches.
func (l *X11Locator) search(by, value string) (string, error) {
	out, err := run(l.runner, "xdotool", "search", by, value)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupported) {
			return "", err
		}
		if len(bytes.TrimSpace(out)) == 0 {
			return "", nil
		}
	}
	return firstWindowID(out)
}

func firstWindowID(out []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		n, err := strconv.ParseUint(line, 0, 32)
		if err != nil {
			return "", fmt.Errorf("unexpected window id %q: %w", line, err)
		}
		return fmt.Sprintf("0x%08x", n), nil
	}
	return "", scanner.Err()
}

// Ensure the X11 adapters implement the domain interfaces.
var (
	_ domain.Window        = (*X11Window)(nil)
	_ domain.WindowLocator = (*X11Locator)(nil)
)
