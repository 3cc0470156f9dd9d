// Package health derives a coarse liveness status for each backend from
// breaker state and recent successful executions.
package health

import (
	"log"
	"time"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Status is a backend's liveness as seen by the router.
type Status string

const (
	StatusCold    Status = "cold"
	StatusWarm    Status = "warm"
	StatusHealthy Status = "healthy"
	StatusDead    Status = "dead"
)

// Preferred reports whether the selector should favour a backend in this state.
func (s Status) Preferred() bool {
	return s == StatusWarm || s == StatusHealthy
}

// CircuitView exposes whether a backend's circuit is rejecting calls.
type CircuitView interface {
	IsOpen(backend models.Backend) bool
}

// SuccessHistory exposes the last successful execution per backend.
type SuccessHistory interface {
	LastSuccess(backend string) (time.Time, bool, error)
}

// Probe computes health without making calls to the backends.
type Probe struct {
	circuits   CircuitView
	history    SuccessHistory
	healthyFor time.Duration
	warmFor    time.Duration
	now        func() time.Time
}

// NewProbe creates a probe. Either dependency may be nil.
func NewProbe(circuits CircuitView, history SuccessHistory) *Probe {
	return &Probe{
		circuits:   circuits,
		history:    history,
		healthyFor: 10 * time.Minute,
		warmFor:    time.Hour,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (p *Probe) SetClock(now func() time.Time) {
	p.now = now
}

// Status returns one backend's health.
func (p *Probe) Status(backend models.Backend) Status {
	if p.circuits != nil && p.circuits.IsOpen(backend) {
		return StatusDead
	}
	if p.history == nil {
		return StatusCold
	}
	last, ok, err := p.history.LastSuccess(string(backend))
	if err != nil {
		log.Printf("[health] failed to read history for %s: %v", backend, err)
		return StatusCold
	}
	if !ok {
		return StatusCold
	}
	age := p.now().Sub(last)
	switch {
	case age < p.healthyFor:
		return StatusHealthy
	case age < p.warmFor:
		return StatusWarm
	default:
		return StatusCold
	}
}

// GetHealth returns every backend's health.
func (p *Probe) GetHealth() map[models.Backend]Status {
	out := make(map[models.Backend]Status, len(models.AllBackends))
	for _, b := range models.AllBackends {
		out[b] = p.Status(b)
	}
	return out
}
