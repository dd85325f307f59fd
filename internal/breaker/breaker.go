package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State of the circuit
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
		return "half-open"
	default:
		return "unknown"
	}
}

// Config for the circuit breaker
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	MinSuccesses     int           `yaml:"min_successes"`
	// ResetOnSuccess clears the failure count on a closed-state success
	// instead of decrementing it by one.
	ResetOnSuccess bool `yaml:"reset_on_success"`
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		MinSuccesses:     2,
	}
}

// Snapshot is a read-only copy of the breaker state
type Snapshot struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	TotalFailures       int64     `json:"total_failures"`
	Rejections          int64     `json:"rejections"`
}

// Breaker is a three-state circuit breaker
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	lastFailureAt       time.Time
	totalFailures       int64
	rejections          int64

	onChange func(from, to State)
	now      func() time.Time
}

// New creates a closed breaker
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.MinSuccesses <= 0 {
		cfg.MinSuccesses = def.MinSuccesses
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// OnStateChange registers fn to be called after every transition. fn runs
// with the breaker lock released.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow reports whether a call may proceed. The first check after the
// recovery timeout moves the breaker to half-open and is allowed through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := true
	if b.state == StateOpen {
		if b.now().Sub(b.lastFailureAt) >= b.cfg.RecoveryTimeout {
			b.state = StateHalfOpen
			b.halfOpenSuccesses = 0
		} else {
			allowed = false
			b.rejections++
		}
	}
	to := b.state
	fn := b.onChange
	b.mu.Unlock()

	b.notify(fn, from, to)
	return allowed
}

// IsOpen is the negation of Allow, with the same side effects
func (b *Breaker) IsOpen() bool {
	return !b.Allow()
}

// RecordSuccess records a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		if b.cfg.ResetOnSuccess {
			b.consecutiveFailures = 0
		} else if b.consecutiveFailures > 0 {
			b.consecutiveFailures--
		}
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.MinSuccesses {
			b.state = StateClosed
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
		}
	}
	to := b.state
	fn := b.onChange
	b.mu.Unlock()

	b.notify(fn, from, to)
}

// RecordFailure records a failed call
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.totalFailures++
	b.lastFailureAt = b.now()
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.halfOpenSuccesses = 0
	case StateOpen:
		b.consecutiveFailures++
	}
	to := b.state
	fn := b.onChange
	b.mu.Unlock()

	b.notify(fn, from, to)
}

// Reset forces the breaker closed
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	fn := b.onChange
	b.mu.Unlock()

	b.notify(fn, from, StateClosed)
}

// State returns the current state without evaluating the recovery timeout
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker state
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
		LastFailureAt:       b.lastFailureAt,
		TotalFailures:       b.totalFailures,
		Rejections:          b.rejections,
	}
}

func (b *Breaker) notify(fn func(from, to State), from, to State) {
	if from == to {
		return
	}
	log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
	if fn != nil {
		fn(from, to)
	}
}
