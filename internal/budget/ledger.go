// Package budget tracks per-backend daily spend against configured caps.
package budget

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Status represents the current state of budget consumption.
type Status int

const (
	// StatusOK indicates usage is below the warning threshold.
	StatusOK Status = iota
	// StatusWarning indicates usage is between warning and exhaustion.
	StatusWarning
	// StatusExhausted indicates the cap is fully consumed.
	StatusExhausted
)

// String returns a human-readable representation of the budget status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "Warning"
	case StatusExhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

// DefaultWarningThreshold is the default fraction at which warnings begin.
const DefaultWarningThreshold = 0.80

// Check is the ledger's answer to whether a backend may take on more spend.
type Check struct {
	Allowed bool
	Reason  string
}

// Cost prices token counts per backend.
type Cost interface {
	CostOn(backend models.Backend, tokens int) float64
}

type snapshot struct {
	Day   string                     `json:"day"`
	Spent map[models.Backend]float64 `json:"spent"`
}

// Ledger enforces daily USD caps per backend. A cap of zero means unlimited
// and free backends are always allowed.
type Ledger struct {
	caps             map[models.Backend]float64
	spent            map[models.Backend]float64
	day              string
	pricer           Cost
	store            state.Store
	warningThreshold float64
	now              func() time.Time
	mu               sync.Mutex
}

// NewLedger creates a ledger with daily caps and loads today's spend.
func NewLedger(caps map[models.Backend]float64, pricer Cost, store state.Store) (*Ledger, error) {
	l := &Ledger{
		caps:             caps,
		spent:            make(map[models.Backend]float64),
		pricer:           pricer,
		store:            store,
		warningThreshold: DefaultWarningThreshold,
		now:              time.Now,
	}
	l.day = l.today()

	if store != nil {
		var snap snapshot
		found, err := store.Load(&snap)
		if err != nil {
			return nil, fmt.Errorf("load budget ledger: %w", err)
		}
		if found && snap.Day == l.day && snap.Spent != nil {
			l.spent = snap.Spent
		}
	}
	return l, nil
}

// SetClock overrides the time source. Intended for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Ledger) today() string {
	return l.now().UTC().Format("2006-01-02")
}

// rollLocked resets spend at the UTC day boundary.
func (l *Ledger) rollLocked() {
	if d := l.today(); d != l.day {
		l.day = d
		l.spent = make(map[models.Backend]float64)
	}
}

// CheckBudget reports whether estimatedTokens more on backend stays within its cap.
func (l *Ledger) CheckBudget(backend models.Backend, estimatedTokens int) Check {
	if backend.IsFree() {
		return Check{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()

	limit := l.caps[backend]
	if limit <= 0 {
		return Check{Allowed: true}
	}
	cost := 0.0
	if l.pricer != nil {
		cost = l.pricer.CostOn(backend, estimatedTokens)
	}
	spent := l.spent[backend]
	if spent+cost > limit {
		return Check{
			Allowed: false,
			Reason:  fmt.Sprintf("%s daily budget $%.2f would be exceeded (spent $%.4f, estimate $%.4f)", backend, limit, spent, cost),
		}
	}
	return Check{Allowed: true}
}

// Record adds actual spend for a backend.
func (l *Ledger) Record(backend models.Backend, cost float64) {
	if cost <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()

	before := l.statusLocked(backend)
	l.spent[backend] += cost
	after := l.statusLocked(backend)
	if after != before && after != StatusOK {
		log.Printf("[budget] %s budget %s: $%.4f of $%.2f", backend, after, l.spent[backend], l.caps[backend])
	}

	if l.store != nil {
		if err := l.store.Save(snapshot{Day: l.day, Spent: l.spent}); err != nil {
			log.Printf("[budget] failed to persist ledger: %v", err)
		}
	}
}

// Status returns the budget status for a backend.
func (l *Ledger) Status(backend models.Backend) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.statusLocked(backend)
}

func (l *Ledger) statusLocked(backend models.Backend) Status {
	limit := l.caps[backend]
	if limit <= 0 {
		return StatusOK
	}
	pct := l.spent[backend] / limit
	switch {
	case pct >= 1.0:
		return StatusExhausted
	case pct >= l.warningThreshold:
		return StatusWarning
	default:
		return StatusOK
	}
}

// Spent returns today's spend and cap for a backend.
func (l *Ledger) Spent(backend models.Backend) (spent, limit float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.spent[backend], l.caps[backend]
}

// SetWarningThreshold sets the warning fraction, clamped to [0, 1].
func (l *Ledger) SetWarningThreshold(threshold float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}
	l.warningThreshold = threshold
}
