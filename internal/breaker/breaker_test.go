package breaker

import (
	"testing"
	"time"

	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, store state.Store) (*Breaker, *fakeClock) {
	t.Helper()
	b, err := New(Config{Threshold: 3, Cooldown: time.Minute, MaxCooldown: 4 * time.Minute}, store)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	b.SetClock(clock.Now)
	return b, clock
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, nil)
	api := models.BackendAPI

	for i := 0; i < 2; i++ {
		b.RecordFailure(api, FailureOther)
		if !b.CanExecute(api) {
			t.Fatalf("circuit opened after %d failures, threshold is 3", i+1)
		}
	}
	b.RecordFailure(api, FailureTimeout)

	if b.State(api) != Open {
		t.Fatalf("State = %s, want open", b.State(api))
	}
	if b.CanExecute(api) {
		t.Error("CanExecute should be false while open")
	}
	if !b.IsOpen(api) {
		t.Error("IsOpen should be true")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(t, nil)
	api := models.BackendAPI

	b.RecordFailure(api, FailureOther)
	b.RecordFailure(api, FailureOther)
	b.RecordSuccess(api)
	b.RecordFailure(api, FailureOther)
	b.RecordFailure(api, FailureOther)

	if b.State(api) != Closed {
		t.Errorf("State = %s, want closed (failures were not consecutive)", b.State(api))
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(t, nil)
	local := models.BackendLocal
	for i := 0; i < 3; i++ {
		b.RecordFailure(local, FailureOther)
	}

	clock.Advance(59 * time.Second)
	if b.CanExecute(local) {
		t.Fatal("probe admitted before cooldown elapsed")
	}

	clock.Advance(time.Second)
	if b.State(local) != HalfOpen {
		t.Fatalf("State = %s, want half_open after cooldown", b.State(local))
	}
	if !b.CanExecute(local) {
		t.Fatal("first call after cooldown should be admitted as probe")
	}
	if b.CanExecute(local) {
		t.Error("second call must wait for the probe outcome")
	}
	if !b.IsOpen(local) {
		t.Error("circuit with probe in flight should reject")
	}

	b.RecordSuccess(local)
	if b.State(local) != Closed {
		t.Errorf("State = %s, want closed after probe success", b.State(local))
	}
	if !b.CanExecute(local) {
		t.Error("closed circuit should admit")
	}
}

func TestBreaker_ProbeFailureExtendsCooldown(t *testing.T) {
	b, clock := newTestBreaker(t, nil)
	api := models.BackendAPI
	for i := 0; i < 3; i++ {
		b.RecordFailure(api, FailureOther)
	}

	cooldowns := []time.Duration{2 * time.Minute, 4 * time.Minute, 4 * time.Minute}
	wait := time.Minute
	for i, want := range cooldowns {
		clock.Advance(wait)
		if !b.CanExecute(api) {
			t.Fatalf("round %d: probe not admitted after %s", i, wait)
		}
		b.RecordFailure(api, FailureTimeout)

		got := b.Snapshot()[api]
		if got.State != Open {
			t.Fatalf("round %d: State = %s, want open", i, got.State)
		}
		if got.Cooldown != want {
			t.Errorf("round %d: Cooldown = %s, want %s", i, got.Cooldown, want)
		}
		wait = want
	}
}

func TestBreaker_StateDoesNotConsumeProbe(t *testing.T) {
	b, clock := newTestBreaker(t, nil)
	for i := 0; i < 3; i++ {
		b.RecordFailure(models.BackendAPI, FailureOther)
	}
	clock.Advance(time.Minute)

	for i := 0; i < 3; i++ {
		if b.State(models.BackendAPI) != HalfOpen {
			t.Fatal("State should report half_open")
		}
	}
	if !b.CanExecute(models.BackendAPI) {
		t.Error("probe should still be available after State reads")
	}
}

func TestBreaker_PersistsAcrossRestart(t *testing.T) {
	store := state.NewMemoryStore()
	b, _ := newTestBreaker(t, store)
	for i := 0; i < 3; i++ {
		b.RecordFailure(models.BackendParallel, FailureRateLimited)
	}

	restarted, err := New(DefaultConfig(), store)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	circuit := restarted.Snapshot()[models.BackendParallel]
	if circuit.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", circuit.ConsecutiveFailures)
	}
	if circuit.LastFailureKind != FailureRateLimited {
		t.Errorf("LastFailureKind = %s", circuit.LastFailureKind)
	}
	if circuit.OpenedAt == nil {
		t.Error("OpenedAt lost across restart")
	}
}

func TestBreaker_ResetAndOnChange(t *testing.T) {
	b, _ := newTestBreaker(t, nil)
	var transitions []State
	b.OnChange(func(_ models.Backend, _, to State) {
		transitions = append(transitions, to)
	})

	for i := 0; i < 3; i++ {
		b.RecordFailure(models.BackendAPI, FailureOther)
	}
	b.Reset(models.BackendAPI)

	if b.State(models.BackendAPI) != Closed {
		t.Errorf("State after Reset = %s", b.State(models.BackendAPI))
	}
	if len(transitions) != 2 || transitions[0] != Open || transitions[1] != Closed {
		t.Errorf("transitions = %v, want [open closed]", transitions)
	}
}

func TestBreaker_LateSuccessWhileOpen(t *testing.T) {
	tests := []struct {
		name      string
		advance   time.Duration
		wantState State
	}{
		{"within cooldown", 10 * time.Second, Open},
		{"cooldown elapsed, half-open slot unclaimed", time.Minute, HalfOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock := newTestBreaker(t, nil)
			api := models.BackendAPI
			var transitions []State
			b.OnChange(func(_ models.Backend, _, to State) {
				transitions = append(transitions, to)
			})
			for i := 0; i < 3; i++ {
				b.RecordFailure(api, FailureOther)
			}
			before := b.Snapshot()[api]

			clock.Advance(tt.advance)
			b.RecordSuccess(api)

			after := b.Snapshot()[api]
			if after.State != tt.wantState {
				t.Fatalf("State = %s, want %s", after.State, tt.wantState)
			}
			if after.ConsecutiveFailures != before.ConsecutiveFailures {
				t.Errorf("ConsecutiveFailures = %d, want %d", after.ConsecutiveFailures, before.ConsecutiveFailures)
			}
			if after.OpenedAt == nil || !after.OpenedAt.Equal(*before.OpenedAt) {
				t.Errorf("OpenedAt changed: %v -> %v", before.OpenedAt, after.OpenedAt)
			}
			if after.Cooldown != before.Cooldown {
				t.Errorf("Cooldown = %s, want %s", after.Cooldown, before.Cooldown)
			}
			if len(transitions) != 1 || transitions[0] != Open {
				t.Errorf("transitions = %v, want [open]", transitions)
			}
		})
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(t, nil)
	api := models.BackendAPI
	for i := 0; i < 3; i++ {
		b.RecordFailure(api, FailureOther)
	}
	b.RecordSuccess(api)
	clock.Advance(time.Minute)
	if !b.CanExecute(api) {
		t.Fatal("half-open call not admitted after cooldown")
	}
	b.RecordSuccess(api)
	if b.State(api) != Closed {
		t.Errorf("State = %s, want closed after half-open success", b.State(api))
	}
}
