package infra

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/flowgate/pkg/models"
)

// ErrCircuitOpen is returned by Acquire while a breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerConfig configures every breaker in a Breakers set.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int

	// ResetTimeout is how long an open circuit waits before admitting a trial.
	ResetTimeout time.Duration

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time

	// OnTransition runs after a state change, outside the breaker lock.
	OnTransition func(key string, from, to models.CircuitState)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// BreakerSnapshot is a point-in-time copy of a breaker's record.
type BreakerSnapshot struct {
	Key                 string
	State               models.CircuitState
	ConsecutiveFailures int
	LastFailure         time.Time
	OpenSince           time.Time
}

// Breaker guards one provider. Closed counts consecutive failures; open
// rejects until ResetTimeout has elapsed; half-open admits a single trial
// whose outcome closes or reopens the circuit.
type Breaker struct {
	key string
	cfg BreakerConfig

	mu          sync.Mutex
	state       models.CircuitState
	consecutive int
	trial       bool
	gen         uint64
	lastFailure time.Time
	openedAt    time.Time
}

func newBreaker(key string, cfg BreakerConfig) *Breaker {
	return &Breaker{key: key, cfg: cfg, state: models.CircuitClosed}
}

// Available reports whether Acquire would currently succeed. It does not
// change state.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case models.CircuitOpen:
		return b.cooledDown()
	case models.CircuitHalfOpen:
		return !b.trial
	}
	return true
}

// Permit is one admitted call. It is bound to the circuit state it was
// admitted in: once the breaker has moved on, its outcome is dropped.
type Permit struct {
	b   *Breaker
	gen uint64
}

// Record finishes the call, counting err as a failure when non-nil.
func (p Permit) Record(err error) { p.b.record(p.gen, err) }

// Release finishes the call without counting it, for failures that say
// nothing about the provider (caller cancellation, bad requests).
func (p Permit) Release() { p.b.release(p.gen) }

// Acquire admits a call or returns ErrCircuitOpen. An admitted call must be
// finished with exactly one Record or Release on the returned Permit.
func (b *Breaker) Acquire() (Permit, error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case models.CircuitOpen:
		if !b.cooledDown() {
			b.mu.Unlock()
			return Permit{}, ErrCircuitOpen
		}
		b.setState(models.CircuitHalfOpen)
		b.trial = true
	case models.CircuitHalfOpen:
		if b.trial {
			b.mu.Unlock()
			return Permit{}, ErrCircuitOpen
		}
		b.trial = true
	}
	to := b.state
	permit := Permit{b: b, gen: b.gen}
	b.mu.Unlock()

	b.notify(from, to)
	return permit, nil
}

func (b *Breaker) record(gen uint64, err error) {
	b.mu.Lock()
	if gen != b.gen {
		// Admitted before the last transition.
		b.mu.Unlock()
		return
	}
	from := b.state
	if err != nil {
		b.consecutive++
		b.lastFailure = b.cfg.Now()
		if b.state == models.CircuitHalfOpen ||
			(b.state == models.CircuitClosed && b.consecutive >= b.cfg.Threshold) {
			b.setState(models.CircuitOpen)
		}
	} else {
		switch b.state {
		case models.CircuitHalfOpen:
			b.setState(models.CircuitClosed)
		case models.CircuitClosed:
			b.consecutive = 0
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *Breaker) release(gen uint64) {
	b.mu.Lock()
	if gen == b.gen {
		b.trial = false
	}
	b.mu.Unlock()
}

// Reset forces the circuit closed and zeroes the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.setState(models.CircuitClosed)
	b.mu.Unlock()

	b.notify(from, models.CircuitClosed)
}

// State returns the current circuit state.
func (b *Breaker) State() models.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot copies the breaker's record.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Key:                 b.key,
		State:               b.state,
		ConsecutiveFailures: b.consecutive,
		LastFailure:         b.lastFailure,
		OpenSince:           b.openedAt,
	}
}

// cooledDown requires b.mu.
func (b *Breaker) cooledDown() bool {
	return b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout
}

// setState requires b.mu. Every call moves the breaker to a new generation,
// Reset included, so permits issued before it no longer count.
func (b *Breaker) setState(to models.CircuitState) {
	b.state = to
	b.gen++
	b.trial = false
	switch to {
	case models.CircuitOpen:
		b.openedAt = b.cfg.Now()
	case models.CircuitClosed:
		b.consecutive = 0
		b.openedAt = time.Time{}
	}
}

func (b *Breaker) notify(from, to models.CircuitState) {
	if from != to && b.cfg.OnTransition != nil {
		b.cfg.OnTransition(b.key, from, to)
	}
}

// Breakers holds one shared Breaker per key.
type Breakers struct {
	cfg BreakerConfig

	mu sync.RWMutex
	m  map[string]*Breaker
}

// NewBreakers creates an empty set sharing cfg.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg.withDefaults(), m: make(map[string]*Breaker)}
}

// Get returns the breaker for key, creating it closed on first use.
func (s *Breakers) Get(key string) *Breaker {
	s.mu.RLock()
	b, ok := s.m[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.m[key]; ok {
		return b
	}
	b = newBreaker(key, s.cfg)
	s.m[key] = b
	return b
}

// Open lists the keys whose circuit is currently open, sorted.
func (s *Breakers) Open() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key, b := range s.m {
		if b.State() == models.CircuitOpen {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
