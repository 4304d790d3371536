// Package breaker implements a trailing-window circuit breaker used to
// fence every fallible downstream call (side-cache publish, reference-data
// query, object-store upload) so a failing dependency degrades the engine
// instead of blocking it.
//
// States: CLOSED -> OPEN -> HALF_OPEN -> CLOSED. There is no ecosystem
// breaker in the pack with this trailing-window shape (gobreaker and
// hystrix-go style breakers count consecutive failures, not a rolling
// window); this one is hand-rolled in the style of a reusable exchange-arb
// helper that did the same thing.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is the breaker's current disposition.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Config configures a single breaker instance.
type Config struct {
	Name                     string
	FailureThreshold         int
	FailureWindow            time.Duration
	OpenDuration             time.Duration
	SuccessThresholdHalfOpen int
}

// DefaultConfig returns the publish-breaker defaults from the engine's
// configuration surface.
func DefaultConfig(name string) Config {
	return Config{
		Name:                     name,
		FailureThreshold:         5,
		FailureWindow:            30 * time.Second,
		OpenDuration:             15 * time.Second,
		SuccessThresholdHalfOpen: 2,
	}
}

// ErrOpen is returned by Execute when the breaker short-circuits the call.
type ErrOpen struct {
	Name        string
	RetryAfter  time.Duration
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("breaker %q is open, retry after %s", e.Name, e.RetryAfter)
}

// Breaker is a trailing-window circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg Config

	mu           sync.Mutex
	state        State
	failureTimes []time.Time
	openedAt     time.Time
	halfOpenSuccesses int

	onStateChange func(from, to State)

	totalCalls      atomic.Int64
	successCalls    atomic.Int64
	failedCalls     atomic.Int64
	rejectedCalls   atomic.Int64
	consecutiveFail atomic.Int64
}

// New constructs a breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed}
}

// OnStateChange registers a callback invoked (synchronously, under lock)
// whenever the breaker transitions. Intended for structured logging.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Name returns the breaker's configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the breaker's current state, lazily transitioning
// OPEN -> HALF_OPEN if the open duration has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenDuration {
		b.transition(StateHalfOpen)
		b.halfOpenSuccesses = 0
	}
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if from != to && b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// Execute runs fn through the breaker. If the breaker is OPEN, fn is never
// invoked and ErrOpen is returned. Counters are updated with atomics so the
// hot path never blocks behind the state-transition lock for bookkeeping.
func (b *Breaker) Execute(fn func() error) error {
	b.totalCalls.Add(1)

	b.mu.Lock()
	state := b.stateLocked()
	if state == StateOpen {
		remaining := b.cfg.OpenDuration - time.Since(b.openedAt)
		b.mu.Unlock()
		b.rejectedCalls.Add(1)
		return &ErrOpen{Name: b.cfg.Name, RetryAfter: remaining}
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailureLocked()
		return err
	}
	b.recordSuccessLocked()
	return nil
}

func (b *Breaker) recordFailureLocked() {
	now := time.Now()
	b.failedCalls.Add(1)
	b.consecutiveFail.Add(1)

	switch b.state {
	case StateHalfOpen:
		b.openLocked(now)
	case StateClosed:
		b.failureTimes = append(b.failureTimes, now)
		b.failureTimes = trimWindow(b.failureTimes, now, b.cfg.FailureWindow)
		if len(b.failureTimes) >= b.cfg.FailureThreshold {
			b.openLocked(now)
		}
	}
}

func (b *Breaker) recordSuccessLocked() {
	b.successCalls.Add(1)
	b.consecutiveFail.Store(0)

	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThresholdHalfOpen {
			b.transition(StateClosed)
			b.failureTimes = nil
		}
	case StateClosed:
		// window rolls off naturally; nothing retroactive to clear.
	}
}

func (b *Breaker) openLocked(now time.Time) {
	b.transition(StateOpen)
	b.openedAt = now
	b.failureTimes = nil
}

func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}

// Trip forces the breaker OPEN regardless of recorded failures.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openLocked(time.Now())
}

// Reset forces the breaker CLOSED and clears the failure window, the
// half-open success count and the consecutive-failure count. The cumulative
// total/success/failed/rejected counters are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failureTimes = nil
	b.halfOpenSuccesses = 0
	b.consecutiveFail.Store(0)
}

// Counters is a point-in-time snapshot of the breaker's atomic counters.
type Counters struct {
	Total, Success, Failed, Rejected, ConsecutiveFailures int64
}

// Snapshot returns the current counters without touching the state lock.
func (b *Breaker) Snapshot() Counters {
	return Counters{
		Total:                b.totalCalls.Load(),
		Success:              b.successCalls.Load(),
		Failed:               b.failedCalls.Load(),
		Rejected:             b.rejectedCalls.Load(),
		ConsecutiveFailures:  b.consecutiveFail.Load(),
	}
}

// IsOpen is a cheap convenience check against the lazily-advanced state.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

var errProbe = errors.New("breaker: probe failure")

// ErrProbe is exported for tests that need a stable sentinel error.
var ErrProbe = errProbe
