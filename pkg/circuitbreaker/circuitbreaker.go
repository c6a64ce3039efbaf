package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrOpen is returned without calling the guarded function while the
// breaker is open or its half-open trial budget is spent.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast
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

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // trial successes needed to close again
	OpenTimeout      time.Duration // time spent open before probing
	MaxHalfOpen      int           // concurrent trials allowed while half-open
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		MaxHalfOpen:      1,
	}
}

// Breaker guards calls to a dependency that may be down for a while
type Breaker struct {
	config Config
	clock  clock.Clock

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	trials    int
	openedAt  time.Time

	onStateChange func(from, to State)
}

// New creates a breaker. A nil clock uses the wall clock.
func New(config Config, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.New()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxHalfOpen <= 0 {
		config.MaxHalfOpen = 1
	}
	return &Breaker{
		config: config,
		clock:  clk,
		state:  StateClosed,
	}
}

// OnStateChange registers a callback run synchronously, outside the lock,
// after every state change.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Execute runs fn unless the breaker rejects the call with ErrOpen. fn's
// error is returned unchanged.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	b.record(err == nil)
	return err
}

// State returns the current state, moving open to half-open when the
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	change := b.maybeHalfOpenLocked()
	state := b.state
	cb := b.onStateChange
	b.mu.Unlock()

	b.notify(cb, change)
	return state
}

type transition struct {
	from, to State
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	change := b.maybeHalfOpenLocked()
	cb := b.onStateChange

	var err error
	switch b.state {
	case StateOpen:
		err = ErrOpen
	case StateHalfOpen:
		if b.trials >= b.config.MaxHalfOpen {
			err = ErrOpen
		} else {
			b.trials++
		}
	}
	b.mu.Unlock()

	b.notify(cb, change)
	return err
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	var change *transition
	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
		} else {
			b.failures++
			if b.failures >= b.config.FailureThreshold {
				change = b.transitionLocked(StateOpen)
			}
		}
	case StateHalfOpen:
		b.trials--
		if !success {
			change = b.transitionLocked(StateOpen)
			break
		}
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			change = b.transitionLocked(StateClosed)
		}
	}
	cb := b.onStateChange
	b.mu.Unlock()

	b.notify(cb, change)
}

func (b *Breaker) maybeHalfOpenLocked() *transition {
	if b.state == StateOpen && b.clock.Since(b.openedAt) >= b.config.OpenTimeout {
		return b.transitionLocked(StateHalfOpen)
	}
	return nil
}

func (b *Breaker) transitionLocked(to State) *transition {
	if b.state == to {
		return nil
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	b.trials = 0
	if to == StateOpen {
		b.openedAt = b.clock.Now()
	}
	return &transition{from: from, to: to}
}

func (b *Breaker) notify(cb func(from, to State), change *transition) {
	if cb != nil && change != nil {
		cb(change.from, change.to)
	}
}
