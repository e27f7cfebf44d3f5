package fetch

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets requests through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects requests until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets probe requests through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Allow while the breaker rejects requests.
var ErrBreakerOpen = errors.New("fetch: circuit breaker is open")

// minRateSamples is the number of calls a window needs before its error rate
// can trip the breaker.
const minRateSamples = 10

// BreakerSettings configures a Breaker. Zero thresholds take defaults; a zero
// ErrorRateThreshold or ErrorRateWindow disables rate-based tripping.
type BreakerSettings struct {
	FailureThreshold   int
	SuccessThreshold   int
	Cooldown           time.Duration
	ErrorRateThreshold float64
	ErrorRateWindow    time.Duration

	// OnStateChange is called with the lock released after every transition.
	OnStateChange func(from, to BreakerState)
}

// Breaker guards one backend service. It opens after FailureThreshold
// consecutive failures or when the error rate of the current window reaches
// ErrorRateThreshold, and closes again after SuccessThreshold successful
// probes. Safe for concurrent use.
type Breaker struct {
	settings BreakerSettings
	now      func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewBreaker returns a closed Breaker.
func NewBreaker(s BreakerSettings) *Breaker {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 2
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	b := &Breaker{settings: s, now: time.Now}
	b.windowStart = b.now()
	return b
}

// Allow reports whether a request may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from, to := b.advance()
	state := b.state
	b.mu.Unlock()
	b.notify(from, to)

	if state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	from, to := b.advance()
	state := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return state
}

// RecordSuccess records a request that reached the backend and was not a
// server error.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.countWindow(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.transition(BreakerClosed)
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case BreakerClosed:
		b.failures++
		b.countWindow(true)
		if b.failures >= b.settings.FailureThreshold || b.rateExceeded() {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// ErrorRate returns the error rate and call count of the current window.
func (b *Breaker) ErrorRate() (rate float64, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindow()
	if b.windowTotal == 0 {
		return 0, 0
	}
	return float64(b.windowFailures) / float64(b.windowTotal), b.windowTotal
}

// advance must be called with the lock held.
func (b *Breaker) advance() (from, to BreakerState) {
	from = b.state
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.settings.Cooldown {
		b.transition(BreakerHalfOpen)
	}
	return from, b.state
}

// transition must be called with the lock held.
func (b *Breaker) transition(to BreakerState) {
	b.state = to
	b.successes = 0
	switch to {
	case BreakerOpen:
		b.openedAt = b.now()
	case BreakerClosed:
		b.failures = 0
	}
	b.resetWindow()
}

func (b *Breaker) notify(from, to BreakerState) {
	if from != to && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(from, to)
	}
}

func (b *Breaker) rateEnabled() bool {
	return b.settings.ErrorRateThreshold > 0 && b.settings.ErrorRateWindow > 0
}

func (b *Breaker) countWindow(failed bool) {
	if !b.rateEnabled() {
		return
	}
	b.rollWindow()
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) rollWindow() {
	if b.settings.ErrorRateWindow > 0 && b.now().Sub(b.windowStart) > b.settings.ErrorRateWindow {
		b.resetWindow()
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

func (b *Breaker) rateExceeded() bool {
	if !b.rateEnabled() || b.windowTotal < minRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.settings.ErrorRateThreshold
}
