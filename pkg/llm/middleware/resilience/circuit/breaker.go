// Package circuit provides a circuit breaker for model API calls.
//
// One breaker guards each provider. Repeated failures open the circuit and
// requests are rejected without touching the API; after a cool-off the
// breaker admits probes and closes again once enough of them succeed.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State is the current circuit breaker state.
type State int

const (
	// Closed is normal operation.
	Closed State = iota
	// Open rejects requests while the provider is considered down.
	Open
	// HalfOpen admits probe requests to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes when the breaker opens and closes.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	SuccessThreshold int           `json:"success_threshold"` // Half-open successes before closing
	Timeout          time.Duration `json:"timeout"`           // Open duration before probing
}

// DefaultConfig provides reasonable defaults.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 3,
	Timeout:          30 * time.Second,
}

// Error is returned when the breaker rejects a request.
type Error struct {
	State State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker is %s", e.State)
}

// Breaker is the circuit breaker interface.
type Breaker interface {
	// Allow reports whether a request may proceed right now.
	Allow() bool

	// Record feeds the outcome of an allowed request back into the breaker.
	Record(success bool)

	// GetState returns the current state.
	GetState() State

	// Reset forces the breaker closed.
	Reset()
}

type breaker struct {
	config          Config
	mu              sync.RWMutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// New creates a circuit breaker with the given configuration.
func New(config Config) Breaker {
	return &breaker{
		config: config,
		state:  Closed,
	}
}

func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true

	case Open:
		if time.Since(b.lastFailureTime) >= b.config.Timeout {
			b.state = HalfOpen
			b.successCount = 0
			return true
		}
		return false

	case HalfOpen:
		// Concurrency in half-open is bounded by the rate limiter's slots
		return true

	default:
		return false
	}
}

func (b *breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
}

func (b *breaker) onSuccess() {
	switch b.state {
	case Closed:
		b.failureCount = 0

	case HalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

func (b *breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = Open
		}

	case HalfOpen:
		// Any half-open failure reopens the circuit
		b.state = Open
		b.successCount = 0
	}
}
