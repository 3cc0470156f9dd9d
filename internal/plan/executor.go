package plan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ShayCichocki/switchyard/internal/debuglog"
	"github.com/ShayCichocki/switchyard/internal/dispatch"
	"github.com/ShayCichocki/switchyard/internal/graph"
	"github.com/ShayCichocki/switchyard/internal/scoring"
	"github.com/ShayCichocki/switchyard/internal/selector"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

var debugLog = debuglog.For("plan")

// ErrDependencyBlocked is recorded for steps whose critical dependency failed.
var ErrDependencyBlocked = errors.New("blocked by failed dependency")

// ErrUnresolvable is recorded for steps left when no step can become ready.
var ErrUnresolvable = errors.New("unresolvable dependencies")

// StepStatus is the terminal state of a plan step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	// StepFailed is a critical step that exhausted its retry and fallback.
	StepFailed StepStatus = "failed"
	// StepSkipped is an optional step that failed; it does not block dependents.
	StepSkipped StepStatus = "skipped"
	StepBlocked StepStatus = "blocked"
)

// DefaultContextExcerpt is how much of a step's response dependents see.
const DefaultContextExcerpt = 1000

// Scorer scores step tasks.
type Scorer interface {
	Score(task models.Task) scoring.Scoring
}

// Selector picks a backend for a step.
type Selector interface {
	Select(task models.Task, sc scoring.Scoring) selector.Decision
}

// Attempter makes one gated attempt on a backend.
type Attempter interface {
	Attempt(ctx context.Context, b models.Backend, task models.Task) (*models.ExecutionResult, error)
}

// Observer is notified of each resolved step.
type Observer interface {
	ObserveStep(status string, duration time.Duration)
}

// StepOutcome records how one step resolved.
type StepOutcome struct {
	StepID   string
	Status   StepStatus
	Backend  models.Backend
	Attempts int
	Duration time.Duration
	Result   *models.ExecutionResult
	Wave     int
}

// Result is the structured outcome of a plan execution.
type Result struct {
	PlanID   string
	Outcomes map[string]*StepOutcome
	Errors   map[string]error
	// Contexts holds the excerpt each completed step exposed to dependents.
	Contexts    map[string]string
	Waves       [][]string
	FailedSteps int
	Success     bool
	Duration    time.Duration
}

// ExecutorConfig tunes plan execution.
type ExecutorConfig struct {
	// ContextExcerpt bounds the response text passed to dependents.
	ContextExcerpt int
	// MaxParallel caps concurrent steps within a wave. Zero is unbounded.
	MaxParallel int
}

// Executor runs plans wave by wave.
type Executor struct {
	cfg      ExecutorConfig
	scorer   Scorer
	selector Selector
	attempts Attempter
	observer Observer
	onStep   func(StepOutcome)
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig, scorer Scorer, sel Selector, attempts Attempter) *Executor {
	if cfg.ContextExcerpt <= 0 {
		cfg.ContextExcerpt = DefaultContextExcerpt
	}
	return &Executor{cfg: cfg, scorer: scorer, selector: sel, attempts: attempts}
}

// SetObserver installs a metrics observer.
func (e *Executor) SetObserver(o Observer) {
	e.observer = o
}

// OnStep registers a callback invoked as each step resolves.
func (e *Executor) OnStep(fn func(StepOutcome)) {
	e.onStep = fn
}

// runState is the mutable bookkeeping for one execution.
type runState struct {
	mu        sync.Mutex
	g         *graph.DependencyGraph
	remaining map[string]bool
	completed map[string]bool
	failed    map[string]bool
	// resolved is completed plus skipped optional steps; readiness uses it.
	resolved map[string]bool
	result   *Result
}

// Execute runs a plan. Malformed plans are rejected before any step runs.
func (e *Executor) Execute(ctx context.Context, p *models.Plan) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	g, err := graph.Build(p.Steps)
	if err != nil {
		return nil, fmt.Errorf("build plan graph: %w", err)
	}

	start := time.Now()
	st := &runState{
		g:         g,
		remaining: make(map[string]bool, g.Size()),
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
		resolved:  make(map[string]bool),
		result: &Result{
			PlanID:   p.ID,
			Outcomes: make(map[string]*StepOutcome, g.Size()),
			Errors:   make(map[string]error),
			Contexts: make(map[string]string),
		},
	}
	for _, id := range g.IDs() {
		st.remaining[id] = true
	}

	for wave := 0; len(st.remaining) > 0; wave++ {
		if err := ctx.Err(); err != nil {
			for id := range st.remaining {
				st.finish(id, &StepOutcome{StepID: id, Status: StepBlocked, Wave: wave}, err)
			}
			break
		}

		ready := g.Ready(st.remaining, st.resolved)
		if len(ready) == 0 {
			// Build rejects cycles, so this means bookkeeping went wrong.
			log.Printf("[plan] %s: %d steps can never become ready, aborting them", p.ID, len(st.remaining))
			for id := range st.remaining {
				st.finish(id, &StepOutcome{StepID: id, Status: StepBlocked, Wave: wave}, ErrUnresolvable)
			}
			break
		}

		debugLog("%s wave %d: %v", p.ID, wave, ready)
		st.result.Waves = append(st.result.Waves, ready)
		for _, id := range ready {
			delete(st.remaining, id)
		}
		e.runWave(ctx, p, st, ready, wave)
	}

	r := st.result
	r.FailedSteps = len(st.failed)
	r.Success = r.FailedSteps == 0
	r.Duration = time.Since(start)
	debugLog("%s finished: success=%v failed=%d errors=%d", p.ID, r.Success, r.FailedSteps, len(r.Errors))
	return r, nil
}

// runWave executes every ready step concurrently and returns once all have
// resolved.
func (e *Executor) runWave(ctx context.Context, p *models.Plan, st *runState, ready []string, wave int) {
	var sem chan struct{}
	if e.cfg.MaxParallel > 0 {
		sem = make(chan struct{}, e.cfg.MaxParallel)
	}

	var wg sync.WaitGroup
	for _, id := range ready {
		step := st.g.Step(id)
		task := e.stepTask(p, step, st)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			outcome, err := e.runStep(ctx, task)
			outcome.StepID = step.ID
			outcome.Wave = wave
			e.resolve(st, step, outcome, err)
		}()
	}
	wg.Wait()
}

// runStep tries the selected backend, retries it once, then tries one
// fallback backend.
func (e *Executor) runStep(ctx context.Context, task models.Task) (*StepOutcome, error) {
	start := time.Now()
	decision := e.selector.Select(task, e.scorer.Score(task))

	candidates := []models.Backend{decision.Backend, decision.Backend}
	if next := dispatch.GetNextFallback(decision.Backend); next != "" {
		candidates = append(candidates, next)
	}

	out := &StepOutcome{}
	var lastErr error
	for _, b := range candidates {
		if ctx.Err() != nil {
			break
		}
		out.Attempts++
		out.Backend = b
		res, err := e.attempts.Attempt(ctx, b, task)
		if err == nil {
			out.Status = StepCompleted
			out.Result = res
			out.Duration = time.Since(start)
			return out, nil
		}
		lastErr = err
		debugLog("attempt %d on %s failed: %v", out.Attempts, b, err)
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	out.Duration = time.Since(start)
	return out, lastErr
}

// resolve applies the failure policy to a finished step.
func (e *Executor) resolve(st *runState, step *models.PlanStep, out *StepOutcome, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	switch {
	case err == nil:
		st.completed[step.ID] = true
		st.resolved[step.ID] = true
		st.result.Contexts[step.ID] = excerpt(out.Result.Response, e.cfg.ContextExcerpt)
		st.finishLocked(step.ID, out, nil)
	case step.Critical:
		out.Status = StepFailed
		st.failed[step.ID] = true
		st.finishLocked(step.ID, out, err)
		st.blockDependentsLocked(step.ID, out.Wave)
	default:
		out.Status = StepSkipped
		st.resolved[step.ID] = true
		st.finishLocked(step.ID, out, err)
	}
	e.notify(*out)
}

func (e *Executor) notify(out StepOutcome) {
	if e.observer != nil {
		e.observer.ObserveStep(string(out.Status), out.Duration)
	}
	if e.onStep != nil {
		e.onStep(out)
	}
}

// blockDependentsLocked marks every transitive dependent of id as blocked
// and removes it from the remaining set.
func (st *runState) blockDependentsLocked(id string, wave int) {
	queue := append([]string(nil), st.g.Dependents(id)...)
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if !st.remaining[dep] {
			continue
		}
		delete(st.remaining, dep)
		st.finishLocked(dep, &StepOutcome{StepID: dep, Status: StepBlocked, Wave: wave},
			fmt.Errorf("%w: %s", ErrDependencyBlocked, id))
		queue = append(queue, st.g.Dependents(dep)...)
	}
}

func (st *runState) finish(id string, out *StepOutcome, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.remaining, id)
	st.finishLocked(id, out, err)
}

func (st *runState) finishLocked(id string, out *StepOutcome, err error) {
	st.result.Outcomes[id] = out
	if err != nil {
		st.result.Errors[id] = err
	}
}

// stepTask builds the task dispatched for a step, carrying excerpts from
// completed dependencies.
func (e *Executor) stepTask(p *models.Plan, step *models.PlanStep, st *runState) models.Task {
	st.mu.Lock()
	defer st.mu.Unlock()

	task := p.Task.Clone()
	task.Description = step.Description
	task.ForceBackend = step.Backend
	if step.Type != "" {
		task.Type = step.Type
	}
	if task.Metadata == nil {
		task.Metadata = make(map[string]string)
	}
	task.Metadata["plan_id"] = p.ID
	task.Metadata["step_id"] = step.ID

	deps := append([]string(nil), st.g.Dependencies(step.ID)...)
	sort.Strings(deps)
	var sb strings.Builder
	for _, dep := range deps {
		ctxText, ok := st.result.Contexts[dep]
		if !ok || ctxText == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n\nContext from %s:\n%s", dep, ctxText)
	}
	task.Description += sb.String()
	if err := task.Normalize(); err != nil {
		debugLog("step %s task did not normalize: %v", step.ID, err)
	}
	return task
}

// excerpt keeps the first n characters of s.
func excerpt(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
