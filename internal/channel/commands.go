// Package channel is the trust boundary between the untrusted renderer and
// the privileged host. Only the named commands in this file can cross it,
// and only with primitive or JSON-shaped arguments.
package channel

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
	"github.com/eliteGoblin/focusd/sentinel/internal/monitoring"
	"github.com/eliteGoblin/focusd/sentinel/internal/usecase"
)

// Command channel names.
const (
	SetAlwaysOnTop           = "set-always-on-top"
	RestoreWindow            = "restore-window"
	SetPersistentAlertActive = "set-persistent-alert-active"
	StoreGet                 = "electron-store-get"
	StoreSet                 = "electron-store-set"
	StoreDelete              = "electron-store-delete"
	GetDeviceStatus          = "get-device-status"
)

// Kind says whether the caller waits for a result.
type Kind int

const (
	FireAndForget Kind = iota
	RequestResponse
)

func (k Kind) String() string {
	if k == RequestResponse {
		return "request/response"
	}
	return "fire-and-forget"
}

// kinds is the fixed command table.
var kinds = map[string]Kind{
	SetAlwaysOnTop:           FireAndForget,
	RestoreWindow:            FireAndForget,
	SetPersistentAlertActive: FireAndForget,
	StoreGet:                 RequestResponse,
	StoreSet:                 RequestResponse,
	StoreDelete:              RequestResponse,
	GetDeviceStatus:          RequestResponse,
}

// KindOf returns the kind of a command; ok is false for unknown names.
func KindOf(name string) (Kind, bool) {
	k, ok := kinds[name]
	return k, ok
}

// Names returns all command names, sorted.
func Names() []string {
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Executor runs a task on the host event loop and waits for it.
type Executor interface {
	domain.Scheduler
	Do(ctx context.Context, fn func()) error
}

// handler runs on the event loop. Arguments are already validated.
type handler func(args []any) any

// Router validates invocations and dispatches them onto the event loop.
type Router struct {
	loop     Executor
	handlers map[string]handler
	check    map[string]func(args []any) error
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// NewRouter binds the command table to the host components.
func NewRouter(
	loop Executor,
	window *usecase.WindowController,
	presence *usecase.PresenceMonitor,
	bridge *usecase.Bridge,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Router {
	r := &Router{
		loop:    loop,
		metrics: metrics,
		logger:  logger,
	}

	r.handlers = map[string]handler{
		SetAlwaysOnTop: func(args []any) any {
			window.SetAlwaysOnTop(args[0].(bool))
			return nil
		},
		RestoreWindow: func([]any) any {
			window.Restore()
			return nil
		},
		SetPersistentAlertActive: func(args []any) any {
			active := args[0].(bool)
			window.SetPersistentAlertActive(active)
			if r.metrics != nil {
				r.metrics.AlertActive.Set(boolGauge(active))
			}
			return nil
		},
		StoreGet: func(args []any) any {
			return bridge.Get(args[0].(string))
		},
		StoreSet: func(args []any) any {
			bridge.Set(args[0].(string), args[1])
			return nil
		},
		StoreDelete: func(args []any) any {
			bridge.Delete(args[0].(string))
			return nil
		},
		GetDeviceStatus: func([]any) any {
			return presence.Snapshot()
		},
	}

	r.check = map[string]func([]any) error{
		SetAlwaysOnTop:           expect(boolArg),
		RestoreWindow:            expect(),
		SetPersistentAlertActive: expect(boolArg),
		StoreGet:                 expect(stringArg),
		StoreSet:                 expect(stringArg, jsonArg),
		StoreDelete:              expect(stringArg),
		GetDeviceStatus:          expect(),
	}

	return r
}

// Invoke runs one command. Fire-and-forget commands are queued in arrival
// order and return immediately with a nil result; request/response
// commands wait for the loop.
func (r *Router) Invoke(ctx context.Context, inv domain.CommandInvocation) (any, error) {
	kind, ok := KindOf(inv.Channel)
	if !ok {
		r.count("unknown", "rejected")
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownCommand, inv.Channel)
	}
	if err := r.check[inv.Channel](inv.Args); err != nil {
		r.count(inv.Channel, "rejected")
		return nil, fmt.Errorf("%s: %w", inv.Channel, err)
	}

	h := r.handlers[inv.Channel]
	args := inv.Args

	if kind == FireAndForget {
		if !r.loop.Post(func() { h(args) }) {
			r.count(inv.Channel, "dropped")
			return nil, domain.ErrLoopStopped
		}
		r.count(inv.Channel, "queued")
		return nil, nil
	}

	start := time.Now()
	var result any
	if err := r.loop.Do(ctx, func() { result = h(args) }); err != nil {
		r.count(inv.Channel, "failed")
		return nil, err
	}
	r.count(inv.Channel, "ok")
	if r.metrics != nil {
		r.metrics.CommandDuration.WithLabelValues(inv.Channel).Observe(time.Since(start).Seconds())
	}
	return result, nil
}

func (r *Router) count(channel, outcome string) {
	if outcome != "ok" && outcome != "queued" {
		r.logger.Debug("command not executed",
			zap.String("channel", channel),
			zap.String("outcome", outcome))
	}
	if r.metrics != nil {
		r.metrics.CommandsTotal.WithLabelValues(channel, outcome).Inc()
	}
}

// argCheck validates one positional argument.
type argCheck func(v any) error

func boolArg(v any) error {
	if _, ok := v.(bool); !ok {
		return fmt.Errorf("want bool, got %T", v)
	}
	return nil
}

func stringArg(v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("want string, got %T", v)
	}
	if s == "" {
		return fmt.Errorf("empty key")
	}
	return nil
}

// jsonArg accepts the shapes a JSON (or CBOR) decoder produces for a value.
func jsonArg(v any) error {
	switch x := v.(type) {
	case nil, bool, string, float64, float32, int, int64, uint64, int8, int16, int32, uint8, uint16, uint32:
		return nil
	case []any:
		for _, e := range x {
			if err := jsonArg(e); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for _, e := range x {
			if err := jsonArg(e); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("value of type %T is not JSON", v)
	}
}

// expect builds a validator for an exact positional argument list.
func expect(checks ...argCheck) func([]any) error {
	return func(args []any) error {
		if len(args) != len(checks) {
			return fmt.Errorf("%w: want %d argument(s), got %d", domain.ErrInvalidArgument, len(checks), len(args))
		}
		for i, check := range checks {
			if err := check(args[i]); err != nil {
				return fmt.Errorf("%w: argument %d: %v", domain.ErrInvalidArgument, i, err)
			}
		}
		return nil
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
