// Package dispatch executes tasks on backends behind the circuit breaker and
// rate governor gates, substituting fallbacks along a static chain.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ShayCichocki/switchyard/internal/backend"
	"github.com/ShayCichocki/switchyard/internal/breaker"
	"github.com/ShayCichocki/switchyard/internal/debuglog"
	"github.com/ShayCichocki/switchyard/internal/ratelimit"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

var debugLog = debuglog.For("dispatch")

// Circuits is the breaker surface the dispatcher drives.
type Circuits interface {
	State(b models.Backend) breaker.State
	CanExecute(b models.Backend) bool
	RecordSuccess(b models.Backend)
	RecordFailure(b models.Backend, kind breaker.FailureKind)
}

// Governor is the rate-limit surface the dispatcher drives.
type Governor interface {
	Reserve(b models.Backend) ratelimit.Decision
	Release(b models.Backend)
	RecordOutcome(b models.Backend, success bool)
	RecordThrottle(b models.Backend, details ratelimit.ThrottleDetails)
}

// Adapters resolves a backend to its adapter.
type Adapters interface {
	Get(b models.Backend) (backend.Adapter, bool)
}

// History receives every execution outcome.
type History interface {
	RecordResult(b models.Backend, task models.Task, success bool, duration time.Duration, tokens int)
}

// Spend receives the cost of successful executions.
type Spend interface {
	Record(b models.Backend, cost float64)
}

// Observer is notified of dispatch activity.
type Observer interface {
	ObserveAttempt(b models.Backend, outcome string, duration time.Duration)
	ObserveFallback(from, to models.Backend)
}

// Attempt outcomes reported to the Observer.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Deps bundles the dispatcher's collaborators. Adapters is required.
type Deps struct {
	Adapters Adapters
	Circuits Circuits
	Governor Governor
	History  History
	Spend    Spend
	Observer Observer
}

// Result is a successful dispatch.
type Result struct {
	*models.ExecutionResult
	// Requested is the backend the caller asked for.
	Requested models.Backend
	// Tried lists every backend considered, in order, ending with the one
	// that succeeded.
	Tried []models.Backend
}

// Fallbacks is the number of substitutions made before success.
func (r *Result) Fallbacks() int {
	return len(r.Tried) - 1
}

// Dispatcher is the single integration point with backend adapters.
type Dispatcher struct {
	deps  Deps
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Dispatcher.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{deps: deps, sleep: sleepContext}
}

// SetSleep overrides the soft-delay sleeper. Intended for tests.
func (d *Dispatcher) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	d.sleep = fn
}

// Execute runs task on b, walking the fallback chain on gate refusals and
// fallback-eligible failures. The loop visits each backend at most once.
func (d *Dispatcher) Execute(ctx context.Context, b models.Backend, task models.Task) (*Result, error) {
	var tried []models.Backend
	var last error
	visited := make(map[models.Backend]bool)

	for current := b; current != "" && !visited[current]; current = GetNextFallback(current) {
		visited[current] = true
		tried = append(tried, current)

		res, err := d.Attempt(ctx, current, task)
		if err == nil {
			return &Result{ExecutionResult: res, Requested: b, Tried: tried}, nil
		}
		last = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("dispatch %s: %w", current, ctxErr)
		}
		var skip *skipError
		if !errors.As(err, &skip) && !fallbackEligible(err) {
			debugLog("%s failed without fallback: %v", current, err)
			return nil, fmt.Errorf("execute on %s: %w", current, err)
		}

		if next := GetNextFallback(current); next != "" && !visited[next] {
			debugLog("%s -> %s after: %v", current, next, err)
			if d.deps.Observer != nil {
				d.deps.Observer.ObserveFallback(current, next)
			}
		}
	}

	debugLog("exhausted chain %v: %v", tried, last)
	return nil, &ExhaustedError{Tried: tried, Last: last}
}

// Attempt makes a single gated attempt on b without any fallback.
func (d *Dispatcher) Attempt(ctx context.Context, b models.Backend, task models.Task) (*models.ExecutionResult, error) {
	if c := d.deps.Circuits; c != nil && c.State(b) == breaker.Open {
		d.observe(b, OutcomeSkipped, 0)
		return nil, &skipError{backend: b, reason: errCircuitOpen}
	}

	adapter, ok := d.deps.Adapters.Get(b)
	if !ok {
		d.observe(b, OutcomeSkipped, 0)
		return nil, &skipError{backend: b, reason: errNoAdapter}
	}

	// The slot is taken at admission so parallel attempts see each other.
	g := d.deps.Governor
	if g != nil {
		decision := g.Reserve(b)
		if !decision.Allowed {
			d.observe(b, OutcomeSkipped, 0)
			return nil, &skipError{backend: b, reason: errors.New(decision.Reason)}
		}
		if decision.Delay > 0 {
			debugLog("%s soft limit, waiting %v", b, decision.Delay)
			if err := d.sleep(ctx, decision.Delay); err != nil {
				g.Release(b)
				return nil, err
			}
		}
	}

	// Consumes the half-open probe, so it runs only once the call is certain.
	if c := d.deps.Circuits; c != nil && !c.CanExecute(b) {
		if g != nil {
			g.Release(b)
		}
		d.observe(b, OutcomeSkipped, 0)
		return nil, &skipError{backend: b, reason: errCircuitOpen}
	}

	start := time.Now()
	res, err := adapter.ExecuteTask(ctx, task)
	duration := time.Since(start)
	if err == nil && res == nil {
		err = fmt.Errorf("%s adapter returned no result", b)
	}
	if err == nil && !res.Success {
		err = fmt.Errorf("%s reported failure: %s", b, truncate(res.Response, 200))
	}

	if err != nil {
		d.recordFailure(b, task, err, duration)
		return nil, err
	}

	if res.Backend == "" {
		res.Backend = b
	}
	if res.Duration == 0 {
		res.Duration = duration
	}
	d.recordSuccess(b, task, res)
	return res, nil
}

func (d *Dispatcher) recordSuccess(b models.Backend, task models.Task, res *models.ExecutionResult) {
	if d.deps.Circuits != nil {
		d.deps.Circuits.RecordSuccess(b)
	}
	if d.deps.Governor != nil {
		d.deps.Governor.RecordOutcome(b, true)
	}
	if d.deps.History != nil {
		d.deps.History.RecordResult(b, task, true, res.Duration, res.Tokens)
	}
	if d.deps.Spend != nil && res.Cost > 0 {
		d.deps.Spend.Record(b, res.Cost)
	}
	d.observe(b, OutcomeSuccess, res.Duration)
}

func (d *Dispatcher) recordFailure(b models.Backend, task models.Task, err error, duration time.Duration) {
	kind := Classify(err)
	debugLog("%s failed (%s) after %v: %v", b, kind, duration, err)

	if d.deps.Circuits != nil {
		d.deps.Circuits.RecordFailure(b, kind)
	}
	if g := d.deps.Governor; g != nil {
		g.RecordOutcome(b, false)
		if kind == breaker.FailureRateLimited {
			details := ratelimit.ThrottleDetails{Message: err.Error()}
			if be, ok := backend.AsError(err); ok {
				details.RetryAfter = be.RetryAfter
			}
			g.RecordThrottle(b, details)
		}
	}
	if d.deps.History != nil {
		d.deps.History.RecordResult(b, task, false, duration, 0)
	}
	d.observe(b, OutcomeFailure, duration)
}

func (d *Dispatcher) observe(b models.Backend, outcome string, duration time.Duration) {
	if d.deps.Observer != nil {
		d.deps.Observer.ObserveAttempt(b, outcome, duration)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
