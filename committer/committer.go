// Package committer implements the Async Commit Scheduler of spec
// §4.6: a single cooperative task that drains a registry's pending
// commits one tick at a time, deferring physical writes out of the
// producer's critical path. Its background-loop shape follows
// internal/hotkeys.Tracker's decayLoop (goroutine launched at
// construction, mutex-guarded state, stopped implicitly when the
// process exits) — generalised from a fixed-period ticker to a
// variable-delay timer, since spec §4.6 reschedules at two different
// intervals (T_initial, then T_next) rather than one fixed period.
package committer

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultInitialDelay is T_initial: the hold-off before the first
	// callback after the task transitions from disabled to enabled,
	// giving correlated dirtying a chance to coalesce.
	DefaultInitialDelay = 1000 * time.Millisecond

	// DefaultNextDelay is T_next: the delay between ticks while
	// commits remain pending.
	DefaultNextDelay = 200 * time.Millisecond
)

// Registry is the dependency committer.Committer needs from a record
// registry — satisfied by *registry.Registry. Declaring it locally
// keeps this package independent of the registry package's own
// dependencies (spec §2: "Uses (5)", a one-way dependency).
type Registry interface {
	CommitNextPending() (bool, error)
}

// Scheduler abstracts the cooperative-task runtime spec §6 treats as
// an external collaborator: "cooperative_scheduler_register(task,
// period_ms, initial_delay_ms)". Schedule arranges for fn to run once,
// after delay; the returned cancel func stops it if it hasn't fired
// yet.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) (cancel func() bool)
}

// TimerScheduler is the default Scheduler, backed by time.AfterFunc —
// the standard-library equivalent of a single-shot cooperative task
// with a host-managed delay, and the natural choice absent any
// pack example of a cooperative-task runtime to adopt instead.
type TimerScheduler struct{}

func (TimerScheduler) Schedule(delay time.Duration, fn func()) (cancel func() bool) {
	t := time.AfterFunc(delay, fn)
	return t.Stop
}

// Committer drives registry.CommitNextPending from notify_dirty
// events, per spec §4.6.
type Committer struct {
	mu           sync.Mutex
	registry     Registry
	scheduler    Scheduler
	logger       *slog.Logger
	initialDelay time.Duration
	nextDelay    time.Duration
	enabled      bool
	cancel       func() bool
}

// Option configures a Committer at construction.
type Option func(*Committer)

// WithScheduler overrides the default TimerScheduler, e.g. with a
// deterministic fake for tests.
func WithScheduler(s Scheduler) Option {
	return func(c *Committer) { c.scheduler = s }
}

// WithDelays overrides T_initial and T_next (spec §4.6 defaults:
// 1000ms and 200ms).
func WithDelays(initial, next time.Duration) Option {
	return func(c *Committer) {
		c.initialDelay = initial
		c.nextDelay = next
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Committer) { c.logger = logger }
}

// New constructs a Committer over registry, disabled until the first
// NotifyDirty call.
func New(registry Registry, opts ...Option) *Committer {
	c := &Committer{
		registry:     registry,
		scheduler:    TimerScheduler{},
		logger:       slog.Default(),
		initialDelay: DefaultInitialDelay,
		nextDelay:    DefaultNextDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NotifyDirty implements spec §4.6 "notify_dirty": idempotent, marks
// the task enabled without performing I/O. The first callback
// following this transition is deferred by T_initial.
func (c *Committer) NotifyDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enabled {
		return
	}
	c.enabled = true
	c.logger.Debug("committer: enabled, scheduling initial callback")
	c.cancel = c.scheduler.Schedule(c.initialDelay, c.callback)
}

// callback implements spec §4.6 "callback": commit one pending
// record; if more remain, reschedule after T_next, otherwise disable.
func (c *Committer) callback() {
	found, err := c.registry.CommitNextPending()
	if err != nil {
		c.logger.Warn("committer: commit failed", slog.Any("error", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if found {
		c.cancel = c.scheduler.Schedule(c.nextDelay, c.callback)
		return
	}
	c.enabled = false
	c.cancel = nil
}

// Enabled reports whether the task is currently scheduled.
func (c *Committer) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Stop cancels any pending callback and disables the task. Intended
// for orderly shutdown; it does not drain remaining pending commits.
func (c *Committer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.enabled = false
	c.cancel = nil
}
