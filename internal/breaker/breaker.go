// Package breaker implements per-provider circuit breakers. A breaker trips
// Open when a provider shows consecutive failures or a high error rate over
// a sliding window, refuses calls during a cooldown, then admits a limited
// number of probes before closing again.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"budget_gateway/internal/utils"
)

// ErrOpen is returned by Allow when the breaker refuses the call
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker's position in the Closed/Open/HalfOpen cycle
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Settings holds the thresholds driving state transitions
type Settings struct {
	FailureThreshold  int           // consecutive failures before Closed -> Open
	Window            time.Duration // sliding window for error-rate tracking
	ErrorRate         float64       // window error fraction that opens the breaker
	MinWindowSamples  int           // minimum calls in window before error rate applies
	Cooldown          time.Duration // Open -> HalfOpen delay
	ProbeSuccesses    int           // consecutive HalfOpen successes before Closed
	HalfOpenMaxProbes int           // concurrent probes admitted while HalfOpen
}

// DefaultSettings returns production thresholds
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:  5,
		Window:            60 * time.Second,
		ErrorRate:         0.10,
		MinWindowSamples:  10,
		Cooldown:          60 * time.Second,
		ProbeSuccesses:    5,
		HalfOpenMaxProbes: 1,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.Window <= 0 {
		s.Window = d.Window
	}
	if s.ErrorRate <= 0 {
		s.ErrorRate = d.ErrorRate
	}
	if s.MinWindowSamples <= 0 {
		s.MinWindowSamples = d.MinWindowSamples
	}
	if s.Cooldown <= 0 {
		s.Cooldown = d.Cooldown
	}
	if s.ProbeSuccesses <= 0 {
		s.ProbeSuccesses = d.ProbeSuccesses
	}
	if s.HalfOpenMaxProbes <= 0 {
		s.HalfOpenMaxProbes = d.HalfOpenMaxProbes
	}
	return s
}

// Stats is an immutable snapshot of a breaker's counters, consumed by the
// fallback executor's ranking function.
type Stats struct {
	Key            string
	State          State
	WindowCalls    int
	WindowFailures int
	Consecutive    int
	OpenedAt       time.Time
}

// SuccessRate reports the fraction of windowed calls that succeeded.
// An empty window counts as fully healthy.
func (s Stats) SuccessRate() float64 {
	if s.WindowCalls == 0 {
		return 1.0
	}
	return float64(s.WindowCalls-s.WindowFailures) / float64(s.WindowCalls)
}

type call struct {
	at     time.Time
	failed bool
}

// Breaker guards a single provider key. All state lives behind one mutex;
// transitions are evaluated on Allow and on outcome recording.
type Breaker struct {
	key      string
	settings Settings

	mu             sync.Mutex
	state          State
	window         []call
	consecutive    int // consecutive failures while Closed
	probeSuccesses int // consecutive successes while HalfOpen
	probesInFlight int
	openedAt       time.Time

	nowFn  func() time.Time
	logger *utils.Logger
}

// NewBreaker creates a breaker for one provider key
func NewBreaker(key string, settings Settings) *Breaker {
	return &Breaker{
		key:      key,
		settings: settings.withDefaults(),
		state:    StateClosed,
		nowFn:    time.Now,
		logger:   utils.NewLogger("breaker"),
	}
}

// SetNowFunc overrides the clock. Test hook.
func (b *Breaker) SetNowFunc(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nowFn = now
}

// Allow reports whether a call may proceed. While Open it returns ErrOpen
// until the cooldown elapses, then flips to HalfOpen and admits up to
// HalfOpenMaxProbes concurrent probes. Callers that get nil must report the
// outcome via RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(b.openedAt) < b.settings.Cooldown {
			return ErrOpen
		}
		b.transition(StateHalfOpen, now)
		b.probesInFlight = 1
		return nil
	case StateHalfOpen:
		if b.probesInFlight >= b.settings.HalfOpenMaxProbes {
			return ErrOpen
		}
		b.probesInFlight++
		return nil
	}
	return nil
}

// RecordSuccess records a successful call outcome
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	b.record(now, false)

	switch b.state {
	case StateClosed:
		b.consecutive = 0
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.settings.ProbeSuccesses {
			b.transition(StateClosed, now)
		}
	}
}

// RecordFailure records a failed call outcome. A single HalfOpen failure
// reopens the breaker and restarts the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	b.record(now, true)

	switch b.state {
	case StateClosed:
		b.consecutive++
		if b.consecutive >= b.settings.FailureThreshold || b.windowTripped() {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.transition(StateOpen, now)
	}
}

// State returns the current state, applying the cooldown flip if due
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.nowFn().Sub(b.openedAt) >= b.settings.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to Closed and clears all counters
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed, b.nowFn())
	b.window = nil
}

// Snapshot returns the breaker's counters as an immutable Stats value
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	b.prune(now)

	state := b.state
	if state == StateOpen && now.Sub(b.openedAt) >= b.settings.Cooldown {
		state = StateHalfOpen
	}

	failures := 0
	for _, c := range b.window {
		if c.failed {
			failures++
		}
	}
	return Stats{
		Key:            b.key,
		State:          state,
		WindowCalls:    len(b.window),
		WindowFailures: failures,
		Consecutive:    b.consecutive,
		OpenedAt:       b.openedAt,
	}
}

// transition moves the breaker to a new state and resets per-state counters.
// Caller holds b.mu.
func (b *Breaker) transition(to State, now time.Time) {
	if b.state != to {
		b.logger.Info("Circuit breaker state change", "key", b.key, "from", b.state.String(), "to", to.String())
	}
	b.state = to
	switch to {
	case StateClosed:
		b.consecutive = 0
		b.probeSuccesses = 0
		b.probesInFlight = 0
	case StateOpen:
		b.openedAt = now
		b.probeSuccesses = 0
		b.probesInFlight = 0
	case StateHalfOpen:
		b.probeSuccesses = 0
		b.probesInFlight = 0
	}
}

// record appends a call outcome and prunes the window. Caller holds b.mu.
func (b *Breaker) record(now time.Time, failed bool) {
	b.window = append(b.window, call{at: now, failed: failed})
	b.prune(now)
}

// prune drops window entries older than the sliding window. Caller holds b.mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.settings.Window)
	i := 0
	for i < len(b.window) && !b.window[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		b.window = b.window[i:]
	}
}

// windowTripped reports whether the windowed error rate exceeds the
// threshold with enough samples to be meaningful. Caller holds b.mu.
func (b *Breaker) windowTripped() bool {
	if len(b.window) < b.settings.MinWindowSamples {
		return false
	}
	failures := 0
	for _, c := range b.window {
		if c.failed {
			failures++
		}
	}
	return float64(failures)/float64(len(b.window)) > b.settings.ErrorRate
}
