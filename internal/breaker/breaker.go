package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrStoreOpen is returned while the breaker is open: the usage store has
// been failing and calls are rejected immediately instead of stacking up
// against an unreachable backend. Admission treats it as fail-closed.
var ErrStoreOpen = errors.New("usage store breaker is open")

type State int

const (
	// StateClosed - normal operation, store calls pass through
	StateClosed State = iota

	// StateOpen - store is failing, calls rejected immediately
	StateOpen

	// StateHalfOpen - probing whether the store recovered
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

// Shields the admission path from a failing usage store. Consecutive store
// failures open the circuit; while open, callers deny immediately without
// touching the store, then a single probe after the cooldown decides whether
// to close again.
type StoreBreaker struct {
	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time

	maxFailures int
	cooldown    time.Duration
}

type Config struct {
	MaxFailures int           // Default: 5
	Cooldown    time.Duration // Default: 30 seconds
}

func New(cfg Config) *StoreBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}

	return &StoreBreaker{
		state:       StateClosed,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
	}
}

// Executes the store operation under breaker protection.
func (b *StoreBreaker) Call(fn func() error) error {
	b.mu.Lock()

	if b.state == StateOpen {
		if time.Since(b.lastFailureTime) > b.cooldown {
			b.state = StateHalfOpen
		} else {
			b.mu.Unlock()
			return ErrStoreOpen
		}
	}

	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onFailure()
		return err
	}

	b.onSuccess()
	return nil
}

func (b *StoreBreaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	if b.state == StateHalfOpen {
		// The probe failed, back to open.
		b.state = StateOpen
	} else if b.failureCount >= b.maxFailures {
		b.state = StateOpen
	}
}

func (b *StoreBreaker) onSuccess() {
	b.state = StateClosed
	b.failureCount = 0
}

// Returns the current state
func (b *StoreBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Manually resets the breaker to closed state
func (b *StoreBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
}
