// Package circuitbreaker stops calls to a failing dependency for a cool-down
// period and then tests it with a few trial requests.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected
	StateHalfOpen              // a limited number of trial calls pass
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

// ErrCircuitOpen is returned without running the call while the breaker is
// open or its half-open trial slots are taken.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds breaker settings.
type Config struct {
	Name string

	// MaxFailures consecutive failures open the breaker.
	MaxFailures int

	// Timeout is how long the breaker stays open before trial calls.
	Timeout time.Duration

	// HalfOpenMaxRequests trial calls must succeed to close the breaker.
	HalfOpenMaxRequests int

	// IsFailure decides whether an error counts against the dependency.
	// Nil counts every non-nil error.
	IsFailure func(error) bool

	// OnStateChange is called with the breaker lock held; keep it short.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the settings used for storage backends.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                name,
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// Counts is a point-in-time view of the breaker.
type Counts struct {
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
	Rejected            uint64    `json:"rejected"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
}

// CircuitBreaker guards calls to one dependency.
type CircuitBreaker struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inFlight    int // half-open trial calls not yet finished
	rejected    uint64
	lastFailure time.Time
	openedAt    time.Time
}

// New creates a closed breaker. A nil cfg uses DefaultConfig("default").
func New(cfg *Config, logger zerolog.Logger) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	c := *cfg
	if c.MaxFailures <= 0 {
		c.MaxFailures = 1
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = 1
	}
	return &CircuitBreaker{
		cfg:    c,
		logger: logger.With().Str("component", "circuit-breaker").Str("name", c.Name).Logger(),
		now:    time.Now,
	}
}

// Execute runs fn unless the breaker rejects it, and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, ok := cb.acquire()
	if !ok {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err, trial)
	return err
}

func (cb *CircuitBreaker) acquire() (trial bool, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Timeout {
		cb.setState(StateHalfOpen)
	}

	switch cb.state {
	case StateOpen:
		cb.rejected++
		return false, false
	case StateHalfOpen:
		if cb.successes+cb.inFlight >= cb.cfg.HalfOpenMaxRequests {
			cb.rejected++
			return false, false
		}
		cb.inFlight++
		return true, true
	default:
		return false, true
	}
}

func (cb *CircuitBreaker) record(err error, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.inFlight--
	}
	failed := err != nil
	if failed && cb.cfg.IsFailure != nil {
		failed = cb.cfg.IsFailure(err)
	}

	if failed {
		cb.lastFailure = cb.now()
		switch cb.state {
		case StateClosed:
			cb.failures++
			if cb.failures >= cb.cfg.MaxFailures {
				cb.setState(StateOpen)
			}
		case StateHalfOpen:
			cb.setState(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		// A trial that started before the breaker reopened does not count.
		if !trial {
			return
		}
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMaxRequests {
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}

	ev := cb.logger.Info()
	if to == StateOpen {
		ev = cb.logger.Warn()
	}
	ev.Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state, moving open to half-open when the
// timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Timeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

// Counts returns the current counters.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Counts{
		State:               cb.state,
		StateName:           cb.state.String(),
		ConsecutiveFailures: cb.failures,
		HalfOpenSuccesses:   cb.successes,
		Rejected:            cb.rejected,
		LastFailure:         cb.lastFailure,
	}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
	cb.successes = 0
	cb.rejected = 0
}
