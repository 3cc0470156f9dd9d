// Package ratelimit implements the per-backend rate governor: a sliding
// one-minute request log with a soft threshold that delays and a hard
// threshold that rejects, escalated by throttle signals from the backends.
package ratelimit

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Limit configures one backend. A zero RequestsPerMinute means unlimited.
type Limit struct {
	RequestsPerMinute int     `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	SoftRatio         float64 `json:"soft_ratio" mapstructure:"soft_ratio"`
}

// Config holds governor settings.
type Config struct {
	// Window is the sliding window length.
	Window time.Duration
	// Limits overrides Default per backend.
	Limits map[models.Backend]Limit
	// Default applies to backends without an explicit limit.
	Default Limit
	// ThrottleCooldown is how long without throttle signals before one
	// level of escalation decays.
	ThrottleCooldown time.Duration
	// MaxThrottleLevel caps escalation; each level halves the hard limit.
	MaxThrottleLevel int
}

// DefaultConfig returns conservative per-backend limits.
func DefaultConfig() Config {
	return Config{
		Window: time.Minute,
		Limits: map[models.Backend]Limit{
			models.BackendInteractive: {RequestsPerMinute: 10, SoftRatio: 0.8},
			models.BackendParallel:    {RequestsPerMinute: 10, SoftRatio: 0.8},
			models.BackendAPI:         {RequestsPerMinute: 50, SoftRatio: 0.8},
			models.BackendLocal:       {RequestsPerMinute: 0},
		},
		Default:          Limit{RequestsPerMinute: 20, SoftRatio: 0.8},
		ThrottleCooldown: 5 * time.Minute,
		MaxThrottleLevel: 4,
	}
}

// Decision is the governor's answer for one prospective request.
type Decision struct {
	Allowed bool
	// Delay is how long to wait before sending when past the soft threshold.
	Delay time.Duration
	// Reason explains a rejection or delay.
	Reason string
	// SuggestedBackend is another backend with headroom, if any.
	SuggestedBackend models.Backend
}

// DelayMs returns the delay in milliseconds.
func (d Decision) DelayMs() int64 {
	return d.Delay.Milliseconds()
}

// ThrottleDetails describes a backend-reported throttle.
type ThrottleDetails struct {
	// RetryAfter is the backend's requested pause, if it sent one.
	RetryAfter time.Duration
	Message    string
}

// Window is the persisted per-backend rolling state.
type Window struct {
	Requests      []time.Time `json:"requests"`
	Successes     int64       `json:"successes"`
	Failures      int64       `json:"failures"`
	ThrottleLevel int         `json:"throttle_level"`
	LastThrottle  *time.Time  `json:"last_throttle,omitempty"`
	BlockedUntil  *time.Time  `json:"blocked_until,omitempty"`
}

// Usage summarizes a backend's current standing.
type Usage struct {
	InWindow      int
	SoftLimit     int
	HardLimit     int
	ThrottleLevel int
	BlockedUntil  *time.Time
}

type snapshot struct {
	Windows map[models.Backend]*Window `json:"windows"`
}

// Governor owns every backend's rate window.
type Governor struct {
	cfg     Config
	store   state.Store
	windows map[models.Backend]*Window
	now     func() time.Time
	mu      sync.Mutex
}

// New creates a Governor and loads persisted windows from store.
func New(cfg Config, store state.Store) (*Governor, error) {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.ThrottleCooldown <= 0 {
		cfg.ThrottleCooldown = DefaultConfig().ThrottleCooldown
	}
	if cfg.MaxThrottleLevel <= 0 {
		cfg.MaxThrottleLevel = DefaultConfig().MaxThrottleLevel
	}

	g := &Governor{
		cfg:     cfg,
		store:   store,
		windows: make(map[models.Backend]*Window),
		now:     time.Now,
	}
	if store != nil {
		var snap snapshot
		found, err := store.Load(&snap)
		if err != nil {
			return nil, fmt.Errorf("load rate windows: %w", err)
		}
		if found && snap.Windows != nil {
			g.windows = snap.Windows
		}
	}
	return g, nil
}

// SetClock overrides the time source. Intended for tests.
func (g *Governor) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// SetLimits replaces per-backend limits, e.g. after a config reload.
func (g *Governor) SetLimits(limits map[models.Backend]Limit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg.Limits = limits
}

func (g *Governor) limitLocked(backend models.Backend) Limit {
	if l, ok := g.cfg.Limits[backend]; ok {
		return l
	}
	return g.cfg.Default
}

func (g *Governor) windowLocked(backend models.Backend) *Window {
	w, ok := g.windows[backend]
	if !ok {
		w = &Window{}
		g.windows[backend] = w
	}
	return w
}

// refreshLocked drops requests outside the window and decays throttle
// escalation for every full cooldown elapsed since the last throttle.
func (g *Governor) refreshLocked(w *Window, now time.Time) {
	cutoff := now.Add(-g.cfg.Window)
	i := 0
	for i < len(w.Requests) && !w.Requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.Requests = append([]time.Time(nil), w.Requests[i:]...)
	}

	if w.ThrottleLevel > 0 && w.LastThrottle != nil {
		elapsed := now.Sub(*w.LastThrottle)
		steps := int(elapsed / g.cfg.ThrottleCooldown)
		if steps > 0 {
			w.ThrottleLevel -= steps
			if w.ThrottleLevel <= 0 {
				w.ThrottleLevel = 0
				w.LastThrottle = nil
			} else {
				decayed := w.LastThrottle.Add(time.Duration(steps) * g.cfg.ThrottleCooldown)
				w.LastThrottle = &decayed
			}
		}
	}
	if w.BlockedUntil != nil && !now.Before(*w.BlockedUntil) {
		w.BlockedUntil = nil
	}
}

// thresholdsLocked returns the soft and hard limits after escalation.
// A hard limit of zero means unlimited.
func (g *Governor) thresholdsLocked(backend models.Backend, w *Window) (soft, hard int) {
	l := g.limitLocked(backend)
	if l.RequestsPerMinute <= 0 {
		return 0, 0
	}
	hard = l.RequestsPerMinute >> uint(w.ThrottleLevel)
	if hard < 1 {
		hard = 1
	}
	ratio := l.SoftRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	soft = int(math.Ceil(float64(hard) * ratio))
	if soft < 1 {
		soft = 1
	}
	return soft, hard
}

// CanUse reports whether a request to backend may proceed now. It does not
// count the request; use Reserve before making a call.
func (g *Governor) CanUse(backend models.Backend) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decideLocked(backend, true)
}

// Reserve decides like CanUse and, when the request is allowed, counts it
// in the window under the same lock. Concurrent callers therefore never
// admit more than the hard limit. Pair with RecordOutcome once the call
// finishes, or Release if it is never made.
func (g *Governor) Reserve(backend models.Backend) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.decideLocked(backend, true)
	if d.Allowed {
		w := g.windowLocked(backend)
		w.Requests = append(w.Requests, g.now())
		g.persistLocked()
	}
	return d
}

// Release returns a reserved slot for a call that was never made.
func (g *Governor) Release(backend models.Backend) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.windowLocked(backend)
	if n := len(w.Requests); n > 0 {
		w.Requests = w.Requests[:n-1]
		g.persistLocked()
	}
}

// RecordOutcome counts the result of a reserved request.
func (g *Governor) RecordOutcome(backend models.Backend, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.windowLocked(backend)
	if success {
		w.Successes++
	} else {
		w.Failures++
	}
	g.persistLocked()
}

func (g *Governor) decideLocked(backend models.Backend, suggest bool) Decision {
	now := g.now()
	w := g.windowLocked(backend)
	g.refreshLocked(w, now)

	if w.BlockedUntil != nil {
		d := Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("%s throttled by backend until %s", backend, w.BlockedUntil.Format(time.RFC3339)),
		}
		if suggest {
			d.SuggestedBackend = g.suggestLocked(backend)
		}
		return d
	}

	soft, hard := g.thresholdsLocked(backend, w)
	if hard == 0 {
		return Decision{Allowed: true}
	}

	count := len(w.Requests)
	if count >= hard {
		d := Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("%s at hard rate limit (%d/%d per %s)", backend, count, hard, g.cfg.Window),
		}
		if suggest {
			d.SuggestedBackend = g.suggestLocked(backend)
		}
		return d
	}
	if count >= soft {
		spacing := g.cfg.Window / time.Duration(hard)
		return Decision{
			Allowed: true,
			Delay:   spacing * time.Duration(count-soft+1),
			Reason:  fmt.Sprintf("%s past soft rate limit (%d/%d)", backend, count, soft),
		}
	}
	return Decision{Allowed: true}
}

// suggestLocked returns the first other backend below its soft threshold.
func (g *Governor) suggestLocked(exclude models.Backend) models.Backend {
	for _, b := range models.AllBackends {
		if b == exclude {
			continue
		}
		d := g.decideLocked(b, false)
		if d.Allowed && d.Delay == 0 {
			return b
		}
	}
	return ""
}

// RecordRequest adds a request made without a reservation to the rolling
// window along with its outcome.
func (g *Governor) RecordRequest(backend models.Backend, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	w := g.windowLocked(backend)
	g.refreshLocked(w, now)
	w.Requests = append(w.Requests, now)
	if success {
		w.Successes++
	} else {
		w.Failures++
	}
	g.persistLocked()
}

// RecordThrottle escalates the backend's effective limit after it reports
// throttling. Each signal halves the hard limit (up to MaxThrottleLevel)
// and honours any RetryAfter by blocking the backend until then.
func (g *Governor) RecordThrottle(backend models.Backend, details ThrottleDetails) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	w := g.windowLocked(backend)
	g.refreshLocked(w, now)

	if w.ThrottleLevel < g.cfg.MaxThrottleLevel {
		w.ThrottleLevel++
	}
	w.LastThrottle = &now
	if details.RetryAfter > 0 {
		until := now.Add(details.RetryAfter)
		if w.BlockedUntil == nil || until.After(*w.BlockedUntil) {
			w.BlockedUntil = &until
		}
	}
	_, hard := g.thresholdsLocked(backend, w)
	log.Printf("[ratelimit] %s throttled (level %d, hard limit now %d/%s): %s",
		backend, w.ThrottleLevel, hard, g.cfg.Window, details.Message)
	g.persistLocked()
}

// Usage returns the backend's current window standing.
func (g *Governor) Usage(backend models.Backend) Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.windowLocked(backend)
	g.refreshLocked(w, g.now())
	soft, hard := g.thresholdsLocked(backend, w)
	u := Usage{
		InWindow:      len(w.Requests),
		SoftLimit:     soft,
		HardLimit:     hard,
		ThrottleLevel: w.ThrottleLevel,
	}
	if w.BlockedUntil != nil {
		t := *w.BlockedUntil
		u.BlockedUntil = &t
	}
	return u
}

func (g *Governor) persistLocked() {
	if g.store == nil {
		return
	}
	if err := g.store.Save(snapshot{Windows: g.windows}); err != nil {
		log.Printf("[ratelimit] failed to persist windows: %v", err)
	}
}
