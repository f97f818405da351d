package retry

import (
	"fmt"
	"sync"
	"time"

	ncerr "tcpfwd/internal/errors"
)

// State is the position of a CircuitBreaker.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout has passed.
	StateOpen
	// StateHalfOpen lets a bounded number of probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// MaxFailures opens the circuit after this many consecutive
	// failures (default 5).
	MaxFailures int

	// ResetTimeout is how long the circuit stays open before probing
	// (default 30s).
	ResetTimeout time.Duration

	// Probes is both the number of calls admitted at once while
	// half-open and the number of successes needed to close (default 1).
	Probes int

	// OnStateChange runs under the breaker's lock on every transition.
	OnStateChange func(from, to State)

	// IsFailure decides whether an error counts against the circuit.
	// Nil counts every non-nil error.
	IsFailure func(error) bool

	// Now is the clock (default time.Now).
	Now func() time.Time
}

// CircuitBreaker fails calls fast once the guarded operation has
// failed MaxFailures times in a row.  Rejections wrap
// errors.ErrCircuitOpen.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu         sync.Mutex
	state      State
	generation uint64 // bumped on every transition
	failures   int
	successes  int
	inFlight   int // probes admitted in the current half-open period
	openedAt   time.Time
	rejected   uint64
}

// NewCircuitBreaker returns a closed breaker.  A nil cfg uses the
// defaults.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	var c CircuitBreakerConfig
	if cfg != nil {
		c = *cfg
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &CircuitBreaker{cfg: c}
}

// Allow asks to make one call.  On success the caller must report the
// call's outcome through done exactly once.  Outcomes reported after the
// breaker has moved on (for example a slow dial that finishes after the
// circuit re-opened) are ignored.
func (cb *CircuitBreaker) Allow() (done func(error), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Now()
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.transition(StateHalfOpen)
	}

	switch cb.state {
	case StateOpen:
		cb.rejected++
		wait := cb.cfg.ResetTimeout - now.Sub(cb.openedAt)
		return nil, fmt.Errorf("%w: %d consecutive failures, next probe in %v",
			ncerr.ErrCircuitOpen, cb.failures, wait.Truncate(time.Millisecond))
	case StateHalfOpen:
		if cb.inFlight >= cb.cfg.Probes {
			cb.rejected++
			return nil, fmt.Errorf("%w: probe in progress", ncerr.ErrCircuitOpen)
		}
		cb.inFlight++
	}

	gen := cb.generation
	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.report(gen, err) })
	}, nil
}

// Execute runs fn when the breaker allows it and records the result.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

func (cb *CircuitBreaker) report(gen uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}
	if err != nil && cb.cfg.IsFailure != nil && !cb.cfg.IsFailure(err) {
		if cb.state == StateHalfOpen {
			cb.inFlight-- // the probe told us nothing; let another through
		}
		return
	}

	if err != nil {
		cb.failures++
		cb.successes = 0
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
			cb.openedAt = cb.cfg.Now()
			cb.transition(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.Probes {
			cb.failures = 0
			cb.transition(StateClosed)
		}
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.generation++
	cb.successes = 0
	cb.inFlight = 0
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// CurrentState returns the breaker's state, moving an expired open
// circuit to half-open first.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.transition(StateHalfOpen)
	}
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Rejected returns how many calls were refused without running.
func (cb *CircuitBreaker) Rejected() uint64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rejected
}

// Reset closes the circuit and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.transition(StateClosed)
}
