package tui

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ShayCichocki/switchyard/internal/breaker"
	"github.com/ShayCichocki/switchyard/internal/budget"
	"github.com/ShayCichocki/switchyard/internal/health"
	"github.com/ShayCichocki/switchyard/internal/queue"
	"github.com/ShayCichocki/switchyard/internal/ratelimit"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// BackendRow is one backend's standing.
type BackendRow struct {
	Backend       models.Backend
	Circuit       breaker.State
	Failures      int
	Health        health.Status
	InWindow      int
	HardLimit     int
	ThrottleLevel int
	Spent         float64
	Cap           float64
	Budget        budget.Status
}

// Snapshot is everything the views render.
type Snapshot struct {
	At       time.Time
	Backends []BackendRow
	Queue    queue.Stats
	// Items are the queued items in dispatch order.
	Items  []queue.Item
	Dead   []queue.DeadLetter
	Paused bool
}

// Collector gathers a Snapshot. Any source may be nil.
type Collector struct {
	Breaker    *breaker.Breaker
	Governor   *ratelimit.Governor
	Ledger     *budget.Ledger
	Health     *health.Probe
	Queue      *queue.Queue
	SignalsDir string
	Now        func() time.Time
}

// Collect reads every source once.
func (c *Collector) Collect() Snapshot {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	snap := Snapshot{At: now()}

	var circuits map[models.Backend]breaker.Circuit
	if c.Breaker != nil {
		circuits = c.Breaker.Snapshot()
	}
	var statuses map[models.Backend]health.Status
	if c.Health != nil {
		statuses = c.Health.GetHealth()
	}

	for _, b := range models.AllBackends {
		row := BackendRow{Backend: b, Circuit: breaker.Closed, Health: health.StatusCold}
		if circ, ok := circuits[b]; ok {
			row.Circuit = circ.State
			row.Failures = circ.ConsecutiveFailures
		}
		if s, ok := statuses[b]; ok {
			row.Health = s
		}
		if c.Governor != nil {
			u := c.Governor.Usage(b)
			row.InWindow, row.HardLimit, row.ThrottleLevel = u.InWindow, u.HardLimit, u.ThrottleLevel
		}
		if c.Ledger != nil {
			row.Spent, row.Cap = c.Ledger.Spent(b)
			row.Budget = c.Ledger.Status(b)
		}
		snap.Backends = append(snap.Backends, row)
	}

	if c.Queue != nil {
		snap.Queue = c.Queue.Stats()
		snap.Items = c.Queue.List()
		snap.Dead = c.Queue.DeadLetters()
	}
	if c.SignalsDir != "" {
		if _, err := os.Stat(filepath.Join(c.SignalsDir, queue.SignalPause)); err == nil {
			snap.Paused = true
		}
	}
	return snap
}
