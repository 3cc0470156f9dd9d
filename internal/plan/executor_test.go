package plan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ShayCichocki/switchyard/internal/graph"
	"github.com/ShayCichocki/switchyard/internal/scoring"
	"github.com/ShayCichocki/switchyard/internal/selector"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

type fixedSelector struct{ backend models.Backend }

func (s fixedSelector) Select(task models.Task, _ scoring.Scoring) selector.Decision {
	if task.ForceBackend != "" {
		return selector.Decision{Backend: task.ForceBackend, Rule: selector.RuleForced}
	}
	return selector.Decision{Backend: s.backend, Rule: selector.RuleDefaultOrder}
}

type attemptFunc func(ctx context.Context, b models.Backend, task models.Task) (*models.ExecutionResult, error)

func (f attemptFunc) Attempt(ctx context.Context, b models.Backend, task models.Task) (*models.ExecutionResult, error) {
	return f(ctx, b, task)
}

type callLog struct {
	mu    sync.Mutex
	calls map[string][]models.Backend
	tasks map[string]models.Task
}

func newCallLog() *callLog {
	return &callLog{calls: make(map[string][]models.Backend), tasks: make(map[string]models.Task)}
}

func (l *callLog) add(b models.Backend, task models.Task) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := task.Metadata["step_id"]
	l.calls[id] = append(l.calls[id], b)
	l.tasks[id] = task
	return id
}

func ok(b models.Backend, response string) (*models.ExecutionResult, error) {
	return &models.ExecutionResult{Backend: b, Success: true, Response: response}, nil
}

func newExecutor(a Attempter) *Executor {
	return NewExecutor(ExecutorConfig{}, scoring.NewEngine(nil), fixedSelector{backend: models.BackendAPI}, a)
}

func testPlan(steps ...models.PlanStep) *models.Plan {
	return &models.Plan{ID: "plan-1", Task: models.Task{Description: "parent"}, Steps: steps}
}

func TestExecute_JoinRunsAfterBothParents(t *testing.T) {
	log := newCallLog()
	var started sync.WaitGroup
	started.Add(2)
	bothStarted := make(chan struct{})
	go func() {
		started.Wait()
		close(bothStarted)
	}()

	exec := newExecutor(attemptFunc(func(ctx context.Context, b models.Backend, task models.Task) (*models.ExecutionResult, error) {
		id := log.add(b, task)
		if id == "A" || id == "B" {
			started.Done()
			select {
			case <-bothStarted:
			case <-time.After(5 * time.Second):
				return nil, errors.New("sibling never started")
			}
		}
		return ok(b, "output of "+id)
	}))

	res, err := exec.Execute(context.Background(), testPlan(
		models.PlanStep{ID: "A", Description: "first", Critical: true},
		models.PlanStep{ID: "B", Description: "second", Critical: true},
		models.PlanStep{ID: "C", Description: "join", Dependencies: []string{"A", "B"}, Critical: true},
	))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("plan failed: %v", res.Errors)
	}
	if len(res.Waves) != 2 || len(res.Waves[0]) != 2 || res.Waves[1][0] != "C" {
		t.Errorf("waves = %v", res.Waves)
	}
	if res.Outcomes["C"].Wave != 1 {
		t.Errorf("C wave = %d", res.Outcomes["C"].Wave)
	}
	desc := log.tasks["C"].Description
	if !strings.Contains(desc, "output of A") || !strings.Contains(desc, "output of B") {
		t.Errorf("join step missing parent context:\n%s", desc)
	}
}

func TestExecute_CriticalFailureBlocksDependentsOnly(t *testing.T) {
	log := newCallLog()
	exec := newExecutor(attemptFunc(func(_ context.Context, b models.Backend, task models.Task) (*models.ExecutionResult, error) {
		if log.add(b, task) == "A" {
			return nil, errors.New("boom")
		}
		return ok(b, "fine")
	}))

	res, err := exec.Execute(context.Background(), testPlan(
		models.PlanStep{ID: "A", Description: "build", Critical: true},
		models.PlanStep{ID: "B", Description: "deploy", Dependencies: []string{"A"}},
		models.PlanStep{ID: "B2", Description: "announce", Dependencies: []string{"B"}},
		models.PlanStep{ID: "D", Description: "write docs"},
	))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.FailedSteps != 1 {
		t.Errorf("success=%v failed=%d", res.Success, res.FailedSteps)
	}
	if got := log.calls["A"]; len(got) != 3 || got[0] != models.BackendAPI || got[1] != models.BackendAPI || got[2] != models.BackendLocal {
		t.Errorf("A attempts = %v, want [api api local]", got)
	}
	for _, id := range []string{"B", "B2"} {
		if res.Outcomes[id].Status != StepBlocked || !errors.Is(res.Errors[id], ErrDependencyBlocked) {
			t.Errorf("%s: status=%s err=%v", id, res.Outcomes[id].Status, res.Errors[id])
		}
		if len(log.calls[id]) != 0 {
			t.Errorf("%s should never run", id)
		}
	}
	if res.Outcomes["D"].Status != StepCompleted {
		t.Errorf("unrelated branch status = %s", res.Outcomes["D"].Status)
	}
}

func TestExecute_OptionalFailureDoesNotBlock(t *testing.T) {
	log := newCallLog()
	exec := newExecutor(attemptFunc(func(_ context.Context, b models.Backend, task models.Task) (*models.ExecutionResult, error) {
		if log.add(b, task) == "lint" {
			return nil, errors.New("linter missing")
		}
		return ok(b, "fine")
	}))

	res, err := exec.Execute(context.Background(), testPlan(
		models.PlanStep{ID: "lint", Description: "lint the code"},
		models.PlanStep{ID: "ship", Description: "ship it", Dependencies: []string{"lint"}, Critical: true},
	))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Errorf("optional failure should not fail the plan: %v", res.Errors)
	}
	if res.Outcomes["lint"].Status != StepSkipped || res.Errors["lint"] == nil {
		t.Errorf("lint outcome = %+v err=%v", res.Outcomes["lint"], res.Errors["lint"])
	}
	if res.Outcomes["ship"].Status != StepCompleted {
		t.Errorf("ship status = %s", res.Outcomes["ship"].Status)
	}
}

func TestExecute_RetryThenFallback(t *testing.T) {
	tests := []struct {
		name         string
		failures     int
		start        models.Backend
		wantBackend  models.Backend
		wantAttempts int
		wantStatus   StepStatus
	}{
		{"first try", 0, models.BackendAPI, models.BackendAPI, 1, StepCompleted},
		{"retry same backend", 1, models.BackendAPI, models.BackendAPI, 2, StepCompleted},
		{"one fallback", 2, models.BackendInteractive, models.BackendParallel, 3, StepCompleted},
		{"local has no fallback", 2, models.BackendLocal, models.BackendLocal, 2, StepFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := 0
			exec := newExecutor(attemptFunc(func(_ context.Context, b models.Backend, _ models.Task) (*models.ExecutionResult, error) {
				n++
				if n <= tt.failures {
					return nil, errors.New("flaky")
				}
				return ok(b, "done")
			}))

			res, err := exec.Execute(context.Background(), testPlan(
				models.PlanStep{ID: "only", Description: "work", Backend: tt.start, Critical: true},
			))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			out := res.Outcomes["only"]
			if out.Backend != tt.wantBackend || out.Attempts != tt.wantAttempts || out.Status != tt.wantStatus {
				t.Errorf("outcome = backend %s attempts %d status %s", out.Backend, out.Attempts, out.Status)
			}
		})
	}
}

func TestExecute_RejectsCycleBeforeRunning(t *testing.T) {
	called := false
	exec := newExecutor(attemptFunc(func(_ context.Context, b models.Backend, _ models.Task) (*models.ExecutionResult, error) {
		called = true
		return ok(b, "")
	}))

	_, err := exec.Execute(context.Background(), testPlan(
		models.PlanStep{ID: "a", Description: "a", Dependencies: []string{"b"}},
		models.PlanStep{ID: "b", Description: "b", Dependencies: []string{"a"}},
	))
	if !errors.Is(err, graph.ErrCycleDetected) {
		t.Errorf("err = %v, want ErrCycleDetected", err)
	}
	if called {
		t.Error("no step should run for a cyclic plan")
	}
}

func TestExecute_ContextExcerptBounded(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{name: "ascii", response: strings.Repeat("x", 5000)},
		{name: "multibyte", response: "a" + strings.Repeat("é", DefaultContextExcerpt)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			var dependentDesc string
			exec := newExecutor(attemptFunc(func(_ context.Context, b models.Backend, task models.Task) (*models.ExecutionResult, error) {
				if strings.HasPrefix(task.Description, "b") {
					mu.Lock()
					dependentDesc = task.Description
					mu.Unlock()
				}
				return ok(b, tt.response)
			}))
			var seen []StepOutcome
			exec.OnStep(func(o StepOutcome) {
				mu.Lock()
				seen = append(seen, o)
				mu.Unlock()
			})

			res, err := exec.Execute(context.Background(), testPlan(
				models.PlanStep{ID: "a", Description: "a"},
				models.PlanStep{ID: "b", Description: "b", Dependencies: []string{"a"}},
			))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			ctxText := res.Contexts["a"]
			if n := utf8.RuneCountInString(ctxText); n != DefaultContextExcerpt {
				t.Errorf("context length = %d characters, want %d", n, DefaultContextExcerpt)
			}
			if !utf8.ValidString(ctxText) {
				t.Error("context excerpt is not valid UTF-8")
			}
			if !utf8.ValidString(dependentDesc) {
				t.Error("dependent step description is not valid UTF-8")
			}
			if !strings.Contains(dependentDesc, ctxText) {
				t.Error("dependent step should receive the excerpt")
			}
			if len(seen) != 2 || seen[0].StepID != "a" {
				t.Errorf("OnStep saw %v", seen)
			}
		})
	}
}

func TestExecute_CancelledContextBlocksRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := newExecutor(attemptFunc(func(_ context.Context, b models.Backend, _ models.Task) (*models.ExecutionResult, error) {
		cancel()
		return ok(b, "")
	}))

	res, err := exec.Execute(ctx, testPlan(
		models.PlanStep{ID: "a", Description: "a"},
		models.PlanStep{ID: "b", Description: "b", Dependencies: []string{"a"}},
	))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcomes["b"].Status != StepBlocked || !errors.Is(res.Errors["b"], context.Canceled) {
		t.Errorf("b = %+v err=%v", res.Outcomes["b"], res.Errors["b"])
	}
}
