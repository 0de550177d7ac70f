// Package eventloop runs every host task on a single goroutine.
//
// OS callbacks, timers and command invocations are posted as discrete
// tasks and executed one at a time, so the state they touch needs no
// locking.
package eventloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

// DefaultQueueSize bounds the number of tasks waiting to run.
const DefaultQueueSize = 256

// Loop is the single-threaded cooperative task queue of the host.
type Loop struct {
	tasks   chan func()
	stopped chan struct{}
	once    sync.Once
	logger  *zap.Logger
}

// New creates a loop. Nothing runs until Run is called.
func New(queueSize int, logger *zap.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Loop{
		tasks:   make(chan func(), queueSize),
		stopped: make(chan struct{}),
		logger:  logger,
	}
}

// Run executes tasks until ctx is canceled.
// This blocks until context is canceled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.stopped) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-l.tasks:
			l.exec(task)
		}
	}
}

// exec runs one task. A panicking task is logged and the loop keeps going.
func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", zap.Any("panic", r))
		}
	}()
	task()
}

// Post queues a task. Returns false if the loop has stopped.
func (l *Loop) Post(task func()) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}

	select {
	case l.tasks <- task:
		return true
	case <-l.stopped:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return domain.ErrLoopStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for loop task: %w", ctx.Err())
	case <-l.stopped:
		return domain.ErrLoopStopped
	}
}

// AfterFunc posts task to the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, task func()) domain.Timer {
	return time.AfterFunc(d, func() { l.Post(task) })
}

// Now returns the wall clock time.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}

// Ensure Loop implements domain.Scheduler.
var _ domain.Scheduler = (*Loop)(nil)
