package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGovernor(t *testing.T, rpm int, soft float64) (*Governor, *fakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Limits = map[models.Backend]Limit{
		models.BackendAPI:   {RequestsPerMinute: rpm, SoftRatio: soft},
		models.BackendLocal: {RequestsPerMinute: 0},
	}
	g, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	g.SetClock(clock.Now)
	return g, clock
}

func TestGovernor_SoftThenHard(t *testing.T) {
	g, clock := newTestGovernor(t, 10, 0.8)
	api := models.BackendAPI

	var decisions []Decision
	for i := 0; i < 11; i++ {
		d := g.CanUse(api)
		decisions = append(decisions, d)
		if d.Allowed {
			g.RecordRequest(api, true)
		}
		clock.Advance(100 * time.Millisecond)
	}

	for i := 0; i < 8; i++ {
		if !decisions[i].Allowed || decisions[i].Delay != 0 {
			t.Errorf("call %d: %+v, want allowed without delay", i+1, decisions[i])
		}
	}
	for i := 8; i < 10; i++ {
		if !decisions[i].Allowed || decisions[i].DelayMs() <= 0 {
			t.Errorf("call %d: %+v, want delayed", i+1, decisions[i])
		}
	}
	if decisions[9].Delay <= decisions[8].Delay {
		t.Errorf("delay should grow past the soft threshold: %v then %v", decisions[8].Delay, decisions[9].Delay)
	}
	last := decisions[10]
	if last.Allowed {
		t.Fatalf("call 11: %+v, want rejected", last)
	}
	if last.Reason == "" {
		t.Error("rejection should carry a reason")
	}
	if last.SuggestedBackend == api {
		t.Errorf("SuggestedBackend = %q", last.SuggestedBackend)
	}
}

func TestGovernor_WindowSlides(t *testing.T) {
	g, clock := newTestGovernor(t, 2, 1)
	api := models.BackendAPI

	g.RecordRequest(api, true)
	g.RecordRequest(api, true)
	if g.CanUse(api).Allowed {
		t.Fatal("expected rejection at hard limit")
	}

	clock.Advance(61 * time.Second)
	if d := g.CanUse(api); !d.Allowed || d.Delay != 0 {
		t.Errorf("after window slides: %+v, want allowed", d)
	}
}

func TestGovernor_UnlimitedBackend(t *testing.T) {
	g, _ := newTestGovernor(t, 1, 1)
	for i := 0; i < 100; i++ {
		g.RecordRequest(models.BackendLocal, true)
	}
	if d := g.CanUse(models.BackendLocal); !d.Allowed || d.Delay != 0 {
		t.Errorf("unlimited backend: %+v", d)
	}
}

func TestGovernor_ThrottleEscalatesAndDecays(t *testing.T) {
	g, clock := newTestGovernor(t, 8, 1)
	api := models.BackendAPI

	if u := g.Usage(api); u.HardLimit != 8 {
		t.Fatalf("baseline hard = %d, want 8", u.HardLimit)
	}

	g.RecordThrottle(api, ThrottleDetails{Message: "429"})
	if u := g.Usage(api); u.HardLimit != 4 || u.ThrottleLevel != 1 {
		t.Errorf("after 1 throttle: %+v, want hard 4", u)
	}
	g.RecordThrottle(api, ThrottleDetails{Message: "429"})
	if u := g.Usage(api); u.HardLimit != 2 {
		t.Errorf("after 2 throttles: hard = %d, want 2", u.HardLimit)
	}

	// Local counting alone would allow this; escalation rejects it.
	g.RecordRequest(api, true)
	g.RecordRequest(api, true)
	if g.CanUse(api).Allowed {
		t.Error("escalated limit should reject the third request")
	}

	clock.Advance(5 * time.Minute)
	if u := g.Usage(api); u.ThrottleLevel != 1 {
		t.Errorf("after one cooldown: level = %d, want 1", u.ThrottleLevel)
	}
	clock.Advance(5 * time.Minute)
	if u := g.Usage(api); u.ThrottleLevel != 0 || u.HardLimit != 8 {
		t.Errorf("after two cooldowns: %+v, want baseline", u)
	}
}

func TestGovernor_RetryAfterBlocks(t *testing.T) {
	g, clock := newTestGovernor(t, 100, 1)
	api := models.BackendAPI

	g.RecordThrottle(api, ThrottleDetails{RetryAfter: 30 * time.Second})
	d := g.CanUse(api)
	if d.Allowed {
		t.Fatal("backend should be blocked during retry-after")
	}
	if d.SuggestedBackend != models.BackendLocal && d.SuggestedBackend != models.BackendInteractive && d.SuggestedBackend != models.BackendParallel {
		t.Errorf("SuggestedBackend = %q, want another backend", d.SuggestedBackend)
	}

	clock.Advance(30 * time.Second)
	if !g.CanUse(api).Allowed {
		t.Error("block should lift after retry-after")
	}
}

func TestGovernor_Persists(t *testing.T) {
	store := state.NewMemoryStore()
	g, err := New(DefaultConfig(), store)
	if err != nil {
		t.Fatal(err)
	}
	g.RecordRequest(models.BackendAPI, false)
	g.RecordThrottle(models.BackendAPI, ThrottleDetails{})

	restarted, err := New(DefaultConfig(), store)
	if err != nil {
		t.Fatal(err)
	}
	if u := restarted.Usage(models.BackendAPI); u.ThrottleLevel != 1 || u.InWindow != 1 {
		t.Errorf("restored usage = %+v", u)
	}
}

// For any limit, the call after the hard-th recorded request is rejected and
// no call before the soft threshold is delayed.
func TestGovernor_ThresholdProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rpm := rapid.IntRange(1, 60).Draw(rt, "rpm")
		ratio := rapid.Float64Range(0.1, 1).Draw(rt, "ratio")

		cfg := DefaultConfig()
		cfg.Limits = map[models.Backend]Limit{models.BackendAPI: {RequestsPerMinute: rpm, SoftRatio: ratio}}
		g, err := New(cfg, nil)
		if err != nil {
			rt.Fatal(err)
		}
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		g.SetClock(func() time.Time { return now })

		soft := g.Usage(models.BackendAPI).SoftLimit
		for i := 0; i < rpm; i++ {
			d := g.CanUse(models.BackendAPI)
			if !d.Allowed {
				rt.Fatalf("call %d rejected below hard limit %d", i+1, rpm)
			}
			if i < soft && d.Delay != 0 {
				rt.Fatalf("call %d delayed below soft limit %d", i+1, soft)
			}
			if i >= soft && d.Delay <= 0 {
				rt.Fatalf("call %d not delayed past soft limit %d", i+1, soft)
			}
			g.RecordRequest(models.BackendAPI, true)
		}
		if g.CanUse(models.BackendAPI).Allowed {
			rt.Fatalf("call %d allowed past hard limit", rpm+1)
		}
	})
}

func TestGovernor_ReserveConcurrentRespectsHardLimit(t *testing.T) {
	g, _ := newTestGovernor(t, 10, 1)
	api := models.BackendAPI

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Reserve(api).Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 10 {
		t.Errorf("admitted = %d, want 10", got)
	}
	if got := g.Usage(api).InWindow; got != 10 {
		t.Errorf("in window = %d, want 10", got)
	}
}

func TestGovernor_ReleaseAndOutcome(t *testing.T) {
	g, _ := newTestGovernor(t, 2, 1)
	api := models.BackendAPI

	if !g.Reserve(api).Allowed || !g.Reserve(api).Allowed {
		t.Fatal("first two reservations should be allowed")
	}
	if g.Reserve(api).Allowed {
		t.Fatal("third reservation should hit the hard limit")
	}

	g.Release(api)
	if got := g.Usage(api).InWindow; got != 1 {
		t.Errorf("in window after release = %d, want 1", got)
	}
	if !g.CanUse(api).Allowed {
		t.Error("released slot should be usable again")
	}

	g.RecordOutcome(api, true)
	g.RecordOutcome(api, false)
	if got := g.Usage(api).InWindow; got != 1 {
		t.Errorf("outcomes must not add to the window, in window = %d", got)
	}
	w := g.windows[api]
	if w.Successes != 1 || w.Failures != 1 {
		t.Errorf("successes=%d failures=%d", w.Successes, w.Failures)
	}
}

func TestGovernor_ReleaseOnEmptyWindow(t *testing.T) {
	g, _ := newTestGovernor(t, 2, 1)
	g.Release(models.BackendAPI)
	if got := g.Usage(models.BackendAPI).InWindow; got != 0 {
		t.Errorf("in window = %d, want 0", got)
	}
}
