package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

const (
	// IdlePollInterval is how often the OS idle counter is read.
	IdlePollInterval = 30 * time.Second
	// IdleThreshold is the idle duration at which the user counts as idle.
	IdleThreshold = 60 * time.Second
)

// PresenceSink receives presence events on the event loop.
type PresenceSink func(domain.PresenceEvent)

// PresenceMonitor turns OS power and idle signals into a de-duplicated
// presence feed.
type PresenceMonitor struct {
	scheduler domain.Scheduler
	idle      domain.IdleSource
	power     domain.PowerSource
	sink      PresenceSink
	logger    *zap.Logger

	snapshot domain.PresenceSnapshot
	frozen   bool
	poll     domain.Timer
}

// NewPresenceMonitor creates a monitor. The snapshot starts as active at
// the scheduler's current time. Either source may be nil.
func NewPresenceMonitor(
	scheduler domain.Scheduler,
	idle domain.IdleSource,
	power domain.PowerSource,
	sink PresenceSink,
	logger *zap.Logger,
) *PresenceMonitor {
	if sink == nil {
		sink = func(domain.PresenceEvent) {}
	}
	return &PresenceMonitor{
		scheduler: scheduler,
		idle:      idle,
		power:     power,
		sink:      sink,
		logger:    logger,
		snapshot: domain.PresenceSnapshot{
			IdleState:        domain.IdleStateActive,
			LastTransitionAt: scheduler.Now(),
		},
	}
}

// Start subscribes to power events and arms the idle poll.
// Unavailable sources are logged; Start itself never fails.
func (m *PresenceMonitor) Start(ctx context.Context) {
	m.subscribePower(ctx)

	if m.idle == nil {
		m.freeze("no idle source configured")
		return
	}
	m.armPoll(ctx)

	m.logger.Info("presence monitor started",
		zap.Duration("poll_interval", IdlePollInterval),
		zap.Duration("idle_threshold", IdleThreshold))
}

// Stop cancels the idle poll. Power events stop with the Start context.
func (m *PresenceMonitor) Stop() {
	if m.poll != nil {
		m.poll.Stop()
		m.poll = nil
	}
}

// Snapshot returns a copy of the current presence state.
func (m *PresenceMonitor) Snapshot() domain.PresenceSnapshot {
	return m.snapshot
}

// Frozen reports whether idle tracking has stopped for good.
func (m *PresenceMonitor) Frozen() bool {
	return m.frozen
}

// subscribePower forwards raw power signals onto the loop.
func (m *PresenceMonitor) subscribePower(ctx context.Context) {
	if m.power == nil {
		return
	}

	events, err := m.power.Subscribe(ctx)
	if err != nil {
		m.logger.Warn("power events unavailable; lock and sleep will not be reported",
			zap.Error(err))
		return
	}

	go func() {
		for ev := range events {
			ev := ev
			if !m.scheduler.Post(func() { m.HandlePower(ev) }) {
				return
			}
		}
	}()
}

// HandlePower records a power signal and forwards it as a presence event.
func (m *PresenceMonitor) HandlePower(ev domain.PowerEvent) {
	var kind domain.PresenceEventKind
	switch ev {
	case domain.PowerLock:
		kind = domain.EventLockScreen
		m.snapshot.ScreenLocked = true
	case domain.PowerUnlock:
		kind = domain.EventUnlockScreen
		m.snapshot.ScreenLocked = false
	case domain.PowerSuspend:
		kind = domain.EventSuspend
		m.snapshot.Suspended = true
	case domain.PowerResume:
		kind = domain.EventResume
		m.snapshot.Suspended = false
	default:
		m.logger.Debug("ignoring unknown power event", zap.String("event", string(ev)))
		return
	}

	m.sink(domain.PresenceEvent{Kind: kind, At: m.scheduler.Now()})
}

// armPoll schedules the next idle poll. The next one is only armed after
// the current one finished, so polls never overlap.
func (m *PresenceMonitor) armPoll(ctx context.Context) {
	m.poll = m.scheduler.AfterFunc(IdlePollInterval, func() {
		m.poll = nil
		if ctx.Err() != nil {
			return
		}
		m.PollIdle(ctx)
		if !m.frozen {
			m.armPoll(ctx)
		}
	})
}

// PollIdle reads the idle counter once and emits a transition if the
// classification changed.
func (m *PresenceMonitor) PollIdle(ctx context.Context) {
	if m.frozen {
		return
	}

	idleFor, err := m.idle.IdleDuration(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupported) {
			m.freeze(err.Error())
			return
		}
		m.logger.Warn("idle query failed", zap.Error(err))
		return
	}

	state := Classify(idleFor)
	if state == m.snapshot.IdleState {
		return
	}

	now := m.scheduler.Now()
	m.logger.Info("idle state changed",
		zap.String("from", string(m.snapshot.IdleState)),
		zap.String("to", string(state)),
		zap.Duration("idle_for", idleFor))

	m.snapshot.IdleState = state
	m.snapshot.LastTransitionAt = now
	m.sink(domain.PresenceEvent{Kind: domain.EventIdleStateChanged, IdleState: state, At: now})
}

// freeze stops idle tracking; the last known state is kept.
func (m *PresenceMonitor) freeze(reason string) {
	if m.frozen {
		return
	}
	m.frozen = true
	m.logger.Warn("idle tracking unavailable; presence state frozen",
		zap.String("reason", reason),
		zap.String("idle_state", string(m.snapshot.IdleState)))
}

// Classify maps an idle duration to a presence state.
func Classify(idleFor time.Duration) domain.IdleState {
	if idleFor >= IdleThreshold {
		return domain.IdleStateIdle
	}
	return domain.IdleStateActive
}
