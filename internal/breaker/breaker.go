// Package breaker implements a per-backend circuit breaker that gates
// whether a backend may be attempted based on its recent failure history.
package breaker

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// State is the breaker position for one backend.
type State string

const (
	// Closed lets requests pass through.
	Closed State = "closed"
	// Open rejects requests outright until the cooldown elapses.
	Open State = "open"
	// HalfOpen admits a single probe request.
	HalfOpen State = "half_open"
)

// FailureKind classifies a recorded failure.
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureRateLimited FailureKind = "rate_limited"
	FailureOther       FailureKind = "other"
)

// Config holds breaker thresholds.
type Config struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int
	// Cooldown is the base wait before an open circuit admits a probe.
	Cooldown time.Duration
	// MaxCooldown caps the cooldown after repeated probe failures.
	MaxCooldown time.Duration
}

// DefaultConfig returns conventional breaker settings.
func DefaultConfig() Config {
	return Config{
		Threshold:   3,
		Cooldown:    time.Minute,
		MaxCooldown: 30 * time.Minute,
	}
}

// Circuit is the persisted state for one backend.
type Circuit struct {
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	Cooldown            time.Duration `json:"cooldown"`
	LastFailureKind     FailureKind   `json:"last_failure_kind,omitempty"`
	// ProbeInFlight is set once the half-open probe has been handed out.
	ProbeInFlight bool `json:"probe_in_flight,omitempty"`
}

// snapshot is the persisted document.
type snapshot struct {
	Circuits map[models.Backend]*Circuit `json:"circuits"`
}

// Breaker tracks circuit state for every backend. It writes through to its
// store on every mutation.
type Breaker struct {
	cfg      Config
	store    state.Store
	circuits map[models.Backend]*Circuit
	now      func() time.Time
	// onChange is invoked after every state transition.
	onChange func(backend models.Backend, from, to State)
	mu       sync.Mutex
}

// New creates a Breaker and loads any persisted state from store.
// A nil store keeps state in memory only.
func New(cfg Config, store state.Store) (*Breaker, error) {
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}

	b := &Breaker{
		cfg:      cfg,
		store:    store,
		circuits: make(map[models.Backend]*Circuit),
		now:      time.Now,
	}

	if store != nil {
		var snap snapshot
		found, err := store.Load(&snap)
		if err != nil {
			return nil, fmt.Errorf("load breaker state: %w", err)
		}
		if found && snap.Circuits != nil {
			b.circuits = snap.Circuits
		}
	}
	return b, nil
}

// SetClock overrides the time source. Intended for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// OnChange registers a callback for state transitions.
func (b *Breaker) OnChange(fn func(backend models.Backend, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// circuitLocked returns the circuit for backend, creating a closed one.
// Caller must hold b.mu.
func (b *Breaker) circuitLocked(backend models.Backend) *Circuit {
	c, ok := b.circuits[backend]
	if !ok {
		c = &Circuit{State: Closed, Cooldown: b.cfg.Cooldown}
		b.circuits[backend] = c
	}
	return c
}

// effectiveStateLocked reports the state accounting for an elapsed cooldown.
func (b *Breaker) effectiveStateLocked(c *Circuit) State {
	if c.State == Open && c.OpenedAt != nil && !b.now().Before(c.OpenedAt.Add(c.Cooldown)) {
		return HalfOpen
	}
	return c.State
}

// State returns the current state for a backend without consuming the
// half-open probe. Selection logic uses this for availability.
func (b *Breaker) State(backend models.Backend) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[backend]
	if !ok {
		return Closed
	}
	return b.effectiveStateLocked(c)
}

// IsOpen reports whether the backend is rejecting requests. A circuit whose
// cooldown has elapsed is not open: it is waiting for its probe.
func (b *Breaker) IsOpen(backend models.Backend) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[backend]
	if !ok {
		return false
	}
	switch b.effectiveStateLocked(c) {
	case Open:
		return true
	case HalfOpen:
		return c.ProbeInFlight
	default:
		return false
	}
}

// CanExecute reports whether a request may be sent to backend. A half-open
// circuit admits exactly one probe; further calls return false until the
// probe outcome is recorded.
func (b *Breaker) CanExecute(backend models.Backend) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(backend)
	switch b.effectiveStateLocked(c) {
	case Closed:
		return true
	case Open:
		return false
	}

	// Half-open.
	if c.ProbeInFlight {
		return false
	}
	from := c.State
	c.State = HalfOpen
	c.ProbeInFlight = true
	b.persistLocked()
	b.notifyLocked(backend, from, HalfOpen)
	return true
}

// RecordSuccess resets the failure count of a closed circuit and closes a
// half-open one. A success reported while open comes from a call admitted
// before the trip and leaves the circuit and its cooldown untouched.
func (b *Breaker) RecordSuccess(backend models.Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(backend)
	from := c.State
	if from == Open {
		log.Printf("[breaker] %s: ignoring success reported while open", backend)
		return
	}
	c.State = Closed
	c.ConsecutiveFailures = 0
	c.OpenedAt = nil
	c.Cooldown = b.cfg.Cooldown
	c.ProbeInFlight = false
	c.LastFailureKind = ""
	b.persistLocked()
	if from != Closed {
		log.Printf("[breaker] %s closed after successful probe", backend)
		b.notifyLocked(backend, from, Closed)
	}
}

// RecordFailure counts a failure. A closed circuit opens once the threshold
// is reached; a failed half-open probe reopens it with a doubled cooldown.
func (b *Breaker) RecordFailure(backend models.Backend, kind FailureKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(backend)
	from := b.effectiveStateLocked(c)
	now := b.now()
	c.ConsecutiveFailures++
	c.LastFailureKind = kind

	switch from {
	case HalfOpen:
		c.Cooldown *= 2
		if c.Cooldown > b.cfg.MaxCooldown {
			c.Cooldown = b.cfg.MaxCooldown
		}
		c.State = Open
		c.OpenedAt = &now
		c.ProbeInFlight = false
		log.Printf("[breaker] %s probe failed (%s), reopening for %s", backend, kind, c.Cooldown)
		b.notifyLocked(backend, HalfOpen, Open)
	case Closed:
		if c.ConsecutiveFailures >= b.cfg.Threshold {
			c.State = Open
			c.OpenedAt = &now
			c.Cooldown = b.cfg.Cooldown
			log.Printf("[breaker] %s opened after %d consecutive failures (%s)", backend, c.ConsecutiveFailures, kind)
			b.notifyLocked(backend, Closed, Open)
		}
	case Open:
		// A failure recorded while open (e.g. an in-flight call that started
		// before the trip) does not extend the cooldown.
	}
	b.persistLocked()
}

// Reset forces a backend's circuit closed.
func (b *Breaker) Reset(backend models.Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitLocked(backend)
	from := c.State
	*c = Circuit{State: Closed, Cooldown: b.cfg.Cooldown}
	b.persistLocked()
	if from != Closed {
		b.notifyLocked(backend, from, Closed)
	}
}

// Snapshot returns a copy of every known circuit, with elapsed cooldowns
// reported as half-open.
func (b *Breaker) Snapshot() map[models.Backend]Circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[models.Backend]Circuit, len(b.circuits))
	for backend, c := range b.circuits {
		cp := *c
		cp.State = b.effectiveStateLocked(c)
		out[backend] = cp
	}
	return out
}

// persistLocked writes the current state through to the store.
// Caller must hold b.mu.
func (b *Breaker) persistLocked() {
	if b.store == nil {
		return
	}
	if err := b.store.Save(snapshot{Circuits: b.circuits}); err != nil {
		log.Printf("[breaker] failed to persist state: %v", err)
	}
}

func (b *Breaker) notifyLocked(backend models.Backend, from, to State) {
	if b.onChange != nil && from != to {
		b.onChange(backend, from, to)
	}
}
