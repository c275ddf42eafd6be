// Package circuit tracks provider connection health across orchestration
// runs so a dead provider is not re-dialed on every diagnostic request.
package circuit

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State represents the circuit breaker state
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

// Config configures the circuit breaker behavior
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// InitialBackoff is how long the circuit stays open after the first trip
	InitialBackoff time.Duration
	// MaxBackoff caps the doubling backoff after failed probes
	MaxBackoff time.Duration
}

// DefaultConfig returns the provider connection defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		InitialBackoff:   10 * time.Second,
		MaxBackoff:       5 * time.Minute,
	}
}

// Breaker implements the circuit breaker pattern for one provider.
type Breaker struct {
	mu  sync.Mutex
	now func() time.Time

	config Config
	state  State
	name   string

	consecutiveFailures int
	currentBackoff      time.Duration
	openedAt            time.Time
	probeInFlight       bool
	lastError           error
	totalTrips          int64
}

// NewBreaker creates a new circuit breaker with the given configuration
func NewBreaker(name string, config Config) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = defaults.MaxBackoff
	}
	return &Breaker{
		now:            time.Now,
		config:         config,
		name:           name,
		currentBackoff: config.InitialBackoff,
	}
}

// Allow reports whether a connection attempt may proceed. An open circuit
// whose backoff has elapsed moves to half-open and admits a single probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.currentBackoff {
			return false
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		log.Info().Str("provider", b.name).Msg("Provider circuit half-open, probing")
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the circuit and resets the backoff.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		log.Info().Str("provider", b.name).Msg("Provider circuit closed")
	}
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.probeInFlight = false
	b.currentBackoff = b.config.InitialBackoff
	b.lastError = nil
}

// RecordFailure counts a failed attempt. A failed half-open probe reopens
// the circuit with doubled backoff.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastError = err
	b.consecutiveFailures++

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.trip(err)
		}
	case StateHalfOpen:
		b.currentBackoff *= 2
		if b.currentBackoff > b.config.MaxBackoff {
			b.currentBackoff = b.config.MaxBackoff
		}
		b.trip(err)
	}
}

func (b *Breaker) trip(err error) {
	b.state = StateOpen
	b.openedAt = b.now()
	b.probeInFlight = false
	b.totalTrips++

	log.Warn().
		Str("provider", b.name).
		Dur("backoff", b.currentBackoff).
		Int("failures", b.consecutiveFailures).
		Err(err).
		Msg("Provider circuit opened")
}

// State returns the current state, reporting half-open once the backoff
// has elapsed even if no probe has been admitted yet.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.currentBackoff {
		return StateHalfOpen
	}
	return b.state
}

// Status is a point-in-time view of a breaker.
type Status struct {
	Provider     string    `json:"provider"`
	State        string    `json:"state"`
	Failures     int       `json:"failures"`
	Trips        int64     `json:"trips"`
	RetryAfter   time.Time `json:"retryAfter,omitempty"`
	LastErrorMsg string    `json:"lastError,omitempty"`
}

// GetStatus returns the breaker's current status.
func (b *Breaker) GetStatus() Status {
	state := b.State()

	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		Provider: b.name,
		State:    state.String(),
		Failures: b.consecutiveFailures,
		Trips:    b.totalTrips,
	}
	if state == StateOpen {
		st.RetryAfter = b.openedAt.Add(b.currentBackoff)
	}
	if b.lastError != nil {
		st.LastErrorMsg = b.lastError.Error()
	}
	return st
}

// Set holds one breaker per provider name. It is shared across runs.
type Set struct {
	mu       sync.Mutex
	config   Config
	breakers map[string]*Breaker
	now      func() time.Time
}

// NewSet creates an empty breaker set.
func NewSet(config Config) *Set {
	return &Set{config: config, breakers: make(map[string]*Breaker), now: time.Now}
}

// For returns the breaker for provider, creating it on first use.
func (s *Set) For(provider string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[provider]
	if !ok {
		b = NewBreaker(provider, s.config)
		b.now = s.now
		s.breakers[provider] = b
	}
	return b
}

// Statuses returns every breaker's status sorted by provider.
func (s *Set) Statuses() []Status {
	s.mu.Lock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.GetStatus())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
