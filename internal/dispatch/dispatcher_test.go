package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/ShayCichocki/switchyard/internal/backend"
	"github.com/ShayCichocki/switchyard/internal/breaker"
	"github.com/ShayCichocki/switchyard/internal/ratelimit"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

type recordingHistory struct {
	mu      sync.Mutex
	results []string
}

func (h *recordingHistory) RecordResult(b models.Backend, _ models.Task, success bool, _ time.Duration, _ int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mark := "fail"
	if success {
		mark = "ok"
	}
	h.results = append(h.results, string(b)+":"+mark)
}

type recordingSpend map[models.Backend]float64

func (s recordingSpend) Record(b models.Backend, cost float64) { s[b] += cost }

// scripted returns adapters whose behaviour is looked up per backend.
func scripted(calls map[models.Backend]int, fail map[models.Backend]error) *backend.Registry {
	reg := backend.NewRegistry()
	for _, b := range models.AllBackends {
		b := b
		reg.Register(backend.Func{Name: b, Fn: func(_ context.Context, task models.Task) (*models.ExecutionResult, error) {
			calls[b]++
			if err := fail[b]; err != nil {
				return nil, err
			}
			return &models.ExecutionResult{Success: true, Response: "done by " + string(b), Tokens: 100, Cost: 0.01}, nil
		}})
	}
	return reg
}

func setup(t *testing.T, fail map[models.Backend]error) (*Dispatcher, map[models.Backend]int, *breaker.Breaker, *ratelimit.Governor) {
	t.Helper()
	brk, err := breaker.New(breaker.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("breaker.New: %v", err)
	}
	gov, err := ratelimit.New(ratelimit.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	calls := make(map[models.Backend]int)
	d := New(Deps{Adapters: scripted(calls, fail), Circuits: brk, Governor: gov})
	d.SetSleep(func(context.Context, time.Duration) error { return nil })
	return d, calls, brk, gov
}

func TestExecute_SuccessOnRequestedBackend(t *testing.T) {
	d, calls, _, gov := setup(t, nil)
	history := &recordingHistory{}
	spend := recordingSpend{}
	d.deps.History = history
	d.deps.Spend = spend

	res, err := d.Execute(context.Background(), models.BackendAPI, models.Task{Description: "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Backend != models.BackendAPI || res.Fallbacks() != 0 {
		t.Errorf("backend=%s fallbacks=%d", res.Backend, res.Fallbacks())
	}
	if calls[models.BackendAPI] != 1 {
		t.Errorf("api calls = %d", calls[models.BackendAPI])
	}
	if gov.Usage(models.BackendAPI).InWindow != 1 {
		t.Error("governor did not record the request")
	}
	if len(history.results) != 1 || history.results[0] != "api:ok" {
		t.Errorf("history = %v", history.results)
	}
	if spend[models.BackendAPI] != 0.01 {
		t.Errorf("spend = %v", spend[models.BackendAPI])
	}
}

func TestExecute_FallsBackOnFailure(t *testing.T) {
	d, calls, brk, _ := setup(t, map[models.Backend]error{
		models.BackendInteractive: errors.New("agent crashed"),
	})

	res, err := d.Execute(context.Background(), models.BackendInteractive, models.Task{Description: "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Backend != models.BackendParallel {
		t.Errorf("backend = %s, want parallel", res.Backend)
	}
	if len(res.Tried) != 2 || res.Requested != models.BackendInteractive {
		t.Errorf("tried = %v requested = %s", res.Tried, res.Requested)
	}
	if calls[models.BackendInteractive] != 1 {
		t.Errorf("interactive calls = %d", calls[models.BackendInteractive])
	}
	c := brk.Snapshot()[models.BackendInteractive]
	if c.ConsecutiveFailures != 1 || c.LastFailureKind != breaker.FailureOther {
		t.Errorf("circuit = %+v", c)
	}
}

func TestExecute_AllFallbacksExhausted(t *testing.T) {
	fail := map[models.Backend]error{}
	for _, b := range models.AllBackends {
		fail[b] = errors.New(string(b) + " is down")
	}
	d, calls, _, _ := setup(t, fail)

	_, err := d.Execute(context.Background(), models.BackendInteractive, models.Task{Description: "x"})
	if !errors.Is(err, ErrAllFallbacksExhausted) {
		t.Fatalf("err = %v, want ErrAllFallbacksExhausted", err)
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatal("expected *ExhaustedError")
	}
	if len(ex.Tried) != 4 {
		t.Errorf("tried = %v", ex.Tried)
	}
	if !strings.Contains(ex.Last.Error(), "local is down") {
		t.Errorf("last error = %v", ex.Last)
	}
	for _, b := range models.AllBackends {
		if calls[b] != 1 {
			t.Errorf("%s called %d times", b, calls[b])
		}
	}
}

func TestExecute_SkipsOpenCircuit(t *testing.T) {
	d, calls, brk, _ := setup(t, nil)
	for i := 0; i < breaker.DefaultConfig().Threshold; i++ {
		brk.RecordFailure(models.BackendParallel, breaker.FailureOther)
	}

	res, err := d.Execute(context.Background(), models.BackendParallel, models.Task{Description: "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Backend != models.BackendAPI {
		t.Errorf("backend = %s, want api", res.Backend)
	}
	if calls[models.BackendParallel] != 0 {
		t.Error("open circuit backend should not be called")
	}
}

func TestExecute_HardRateLimitSubstitutes(t *testing.T) {
	d, calls, _, gov := setup(t, nil)
	gov.SetLimits(map[models.Backend]ratelimit.Limit{models.BackendAPI: {RequestsPerMinute: 1, SoftRatio: 1}})
	gov.RecordRequest(models.BackendAPI, true)

	res, err := d.Execute(context.Background(), models.BackendAPI, models.Task{Description: "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Backend != models.BackendLocal || calls[models.BackendAPI] != 0 {
		t.Errorf("backend = %s api calls = %d", res.Backend, calls[models.BackendAPI])
	}
}

func TestExecute_SoftLimitDelays(t *testing.T) {
	d, _, _, gov := setup(t, nil)
	for i := 0; i < 8; i++ {
		gov.RecordRequest(models.BackendInteractive, true)
	}
	var slept time.Duration
	d.SetSleep(func(_ context.Context, dur time.Duration) error {
		slept = dur
		return nil
	})

	res, err := d.Execute(context.Background(), models.BackendInteractive, models.Task{Description: "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Backend != models.BackendInteractive {
		t.Errorf("backend = %s", res.Backend)
	}
	if slept <= 0 {
		t.Error("expected a soft-limit delay")
	}
}

func TestExecute_RateLimitedFailureEscalatesThrottle(t *testing.T) {
	d, _, brk, gov := setup(t, map[models.Backend]error{
		models.BackendAPI: &backend.Error{Kind: backend.KindRateLimited, ShouldFallback: true, Err: errors.New("429")},
	})

	res, err := d.Execute(context.Background(), models.BackendAPI, models.Task{Description: "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Backend != models.BackendLocal {
		t.Errorf("backend = %s", res.Backend)
	}
	if gov.Usage(models.BackendAPI).ThrottleLevel != 1 {
		t.Errorf("throttle level = %d", gov.Usage(models.BackendAPI).ThrottleLevel)
	}
	if brk.Snapshot()[models.BackendAPI].LastFailureKind != breaker.FailureRateLimited {
		t.Error("breaker should record a rate-limited failure")
	}
}

func TestExecute_NonEligibleErrorPropagates(t *testing.T) {
	veto := &backend.Error{Kind: backend.KindOther, ShouldFallback: false, Err: errors.New("prompt rejected")}
	d, calls, _, _ := setup(t, map[models.Backend]error{models.BackendInteractive: veto})

	_, err := d.Execute(context.Background(), models.BackendInteractive, models.Task{Description: "x"})
	if err == nil || errors.Is(err, ErrAllFallbacksExhausted) {
		t.Fatalf("err = %v, want propagated adapter error", err)
	}
	if !strings.Contains(err.Error(), "prompt rejected") {
		t.Errorf("err = %v", err)
	}
	if calls[models.BackendParallel] != 0 {
		t.Error("should not fall back")
	}
}

func TestExecute_MissingAdapterSkips(t *testing.T) {
	calls := 0
	reg := backend.NewRegistry(backend.Func{Name: models.BackendLocal, Fn: func(context.Context, models.Task) (*models.ExecutionResult, error) {
		calls++
		return &models.ExecutionResult{Success: true}, nil
	}})
	d := New(Deps{Adapters: reg})

	res, err := d.Execute(context.Background(), models.BackendInteractive, models.Task{Description: "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Backend != models.BackendLocal || calls != 1 || len(res.Tried) != 4 {
		t.Errorf("backend=%s calls=%d tried=%v", res.Backend, calls, res.Tried)
	}
}

func TestExecute_CancelledContextStops(t *testing.T) {
	d, _, _, gov := setup(t, nil)
	for i := 0; i < 8; i++ {
		gov.RecordRequest(models.BackendInteractive, true)
	}
	d.SetSleep(sleepContext)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Execute(ctx, models.BackendInteractive, models.Task{Description: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestAttempt_ConcurrentCallsHonourHardLimit(t *testing.T) {
	gov, err := ratelimit.New(ratelimit.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	gov.SetLimits(map[models.Backend]ratelimit.Limit{models.BackendAPI: {RequestsPerMinute: 10, SoftRatio: 1}})

	var inFlight sync.WaitGroup
	release := make(chan struct{})
	var mu sync.Mutex
	started := 0
	reg := backend.NewRegistry(backend.Func{Name: models.BackendAPI, Fn: func(ctx context.Context, _ models.Task) (*models.ExecutionResult, error) {
		mu.Lock()
		started++
		mu.Unlock()
		<-release
		return &models.ExecutionResult{Success: true}, nil
	}})
	d := New(Deps{Adapters: reg, Governor: gov})
	d.SetSleep(func(context.Context, time.Duration) error { return nil })

	const callers = 11
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		inFlight.Add(1)
		go func() {
			defer inFlight.Done()
			_, err := d.Attempt(context.Background(), models.BackendAPI, models.Task{Description: "x"})
			errs <- err
		}()
	}

	// Exactly one caller is refused at admission, before any call completes.
	var refused error
	select {
	case refused = <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("no caller was refused")
	}
	var skip *skipError
	if !errors.As(refused, &skip) {
		t.Fatalf("refused err = %v, want a rate skip", refused)
	}
	close(release)
	inFlight.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("admitted call failed: %v", err)
		}
	}
	if started != callers-1 {
		t.Errorf("adapter calls = %d, want %d", started, callers-1)
	}
	if got := gov.Usage(models.BackendAPI).InWindow; got != 10 {
		t.Errorf("in window = %d, want 10", got)
	}
}

func TestAttempt_ReleasesSlotWhenDelayCancelled(t *testing.T) {
	d, calls, _, gov := setup(t, nil)
	for i := 0; i < 8; i++ {
		gov.RecordRequest(models.BackendInteractive, true)
	}
	d.SetSleep(func(context.Context, time.Duration) error { return context.Canceled })

	if _, err := d.Attempt(context.Background(), models.BackendInteractive, models.Task{Description: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := gov.Usage(models.BackendInteractive).InWindow; got != 8 {
		t.Errorf("in window = %d, want the reservation released", got)
	}
	if calls[models.BackendInteractive] != 0 {
		t.Error("adapter should not run")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want breaker.FailureKind
	}{
		{"adapter timeout hint", &backend.Error{Kind: backend.KindTimeout, Err: errors.New("x")}, breaker.FailureTimeout},
		{"adapter rate hint", &backend.Error{Kind: backend.KindRateLimited, Err: errors.New("x")}, breaker.FailureRateLimited},
		{"deadline", context.DeadlineExceeded, breaker.FailureTimeout},
		{"timed out text", errors.New("request timed out"), breaker.FailureTimeout},
		{"429 text", errors.New("HTTP 429 Too Many Requests"), breaker.FailureRateLimited},
		{"quota text", errors.New("monthly quota used"), breaker.FailureRateLimited},
		{"other", errors.New("segfault"), breaker.FailureOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestChainFrom(t *testing.T) {
	got := ChainFrom(models.BackendParallel)
	want := []models.Backend{models.BackendParallel, models.BackendAPI, models.BackendLocal}
	if len(got) != len(want) {
		t.Fatalf("ChainFrom = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ChainFrom[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

// Following the fallback chain from any starting point reaches the end
// within as many steps as there are backends.
func TestGetNextFallback_Terminates(t *testing.T) {
	starts := append([]models.Backend{"unknown", ""}, models.AllBackends...)
	rapid.Check(t, func(rt *rapid.T) {
		cur := rapid.SampledFrom(starts).Draw(rt, "start")
		steps := 0
		for cur != "" {
			cur = GetNextFallback(cur)
			steps++
			if steps > len(models.AllBackends) {
				rt.Fatalf("chain did not terminate after %d steps", steps)
			}
		}
	})
}
