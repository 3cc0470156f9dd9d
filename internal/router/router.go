// Package router is the entry point for routing a task: it classifies and
// scores the task, picks a backend, and then executes, queues, or plans it.
package router

import (
	"context"
	"fmt"
	"log"
	"unicode/utf8"

	"github.com/ShayCichocki/switchyard/internal/classify"
	"github.com/ShayCichocki/switchyard/internal/debuglog"
	"github.com/ShayCichocki/switchyard/internal/dispatch"
	"github.com/ShayCichocki/switchyard/internal/plan"
	"github.com/ShayCichocki/switchyard/internal/queue"
	"github.com/ShayCichocki/switchyard/internal/scoring"
	"github.com/ShayCichocki/switchyard/internal/selector"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

var debugLog = debuglog.For("router")

// SelectionObserver is notified of every selector decision.
type SelectionObserver interface {
	ObserveSelection(b models.Backend, rule string)
}

// Options change how Route handles a task.
type Options struct {
	// Plan returns a decomposed plan instead of executing.
	Plan bool
	// ForceBackend pins the task, overriding any value on the task itself.
	ForceBackend models.Backend
	// Queue defers the task to the admission queue.
	Queue bool
	// Priority overrides the priority derived from urgency when queuing.
	Priority queue.Priority
}

// Kind says what Route did with a task.
type Kind string

const (
	KindExecuted Kind = "executed"
	KindQueued   Kind = "queued"
	KindPlanned  Kind = "planned"
)

// RoutingResult is the outcome of Route. Exactly one of Execution, Item
// and Plan is set, according to Kind.
type RoutingResult struct {
	Kind     Kind
	Task     models.Task
	Scoring  scoring.Scoring
	Decision selector.Decision

	Execution *dispatch.Result
	Item      *queue.Item
	Plan      *models.Plan
	Cost      *plan.CostBreakdown
}

// Router composes the routing pipeline. Queue, planner and executor are
// optional; routes that need a missing one fail.
type Router struct {
	classifier classify.Classifier
	engine     *scoring.Engine
	selector   *selector.Selector
	dispatcher *dispatch.Dispatcher
	queue      *queue.Queue
	planner    *plan.Planner
	executor   *plan.Executor
	observer   SelectionObserver
}

// Deps bundles the router's components.
type Deps struct {
	Classifier classify.Classifier
	Engine     *scoring.Engine
	Selector   *selector.Selector
	Dispatcher *dispatch.Dispatcher
	Queue      *queue.Queue
	Planner    *plan.Planner
	Executor   *plan.Executor
	Observer   SelectionObserver
}

// New creates a Router. Engine, Selector and Dispatcher are required.
func New(deps Deps) *Router {
	return &Router{
		classifier: deps.Classifier,
		engine:     deps.Engine,
		selector:   deps.Selector,
		dispatcher: deps.Dispatcher,
		queue:      deps.Queue,
		planner:    deps.Planner,
		executor:   deps.Executor,
		observer:   deps.Observer,
	}
}

// Route handles one task. Only validation errors and exhausted fallback
// chains are returned; every other condition is absorbed downstream.
func (r *Router) Route(ctx context.Context, task models.Task, opts Options) (*RoutingResult, error) {
	task, err := r.prepare(task, opts.ForceBackend)
	if err != nil {
		return nil, err
	}

	switch {
	case opts.Plan:
		return r.plan(task)
	case opts.Queue:
		return r.enqueue(task, opts.Priority)
	}

	sc, decision := r.decide(task)
	res, err := r.dispatcher.Execute(ctx, decision.Backend, task)
	if err != nil {
		return nil, err
	}
	if res.Fallbacks() > 0 {
		log.Printf("[router] %s unavailable, ran on %s after %d fallback(s)", decision.Backend, res.Backend, res.Fallbacks())
	}
	return &RoutingResult{
		Kind:      KindExecuted,
		Task:      task,
		Scoring:   sc,
		Decision:  decision,
		Execution: res,
	}, nil
}

// ExecutePlan validates and runs a plan.
func (r *Router) ExecutePlan(ctx context.Context, p *models.Plan) (*plan.Result, error) {
	if r.executor == nil {
		return nil, fmt.Errorf("execute plan: no plan executor configured")
	}
	return r.executor.Execute(ctx, p)
}

// ProcessItem runs a dequeued item. It matches queue.ProcessFunc.
func (r *Router) ProcessItem(ctx context.Context, item *queue.Item) error {
	task := item.DispatchTask()
	if err := task.Normalize(); err != nil {
		return err
	}
	_, decision := r.decide(task)
	res, err := r.dispatcher.Execute(ctx, decision.Backend, task)
	if err != nil {
		return err
	}
	log.Printf("[router] queued item %s completed on %s", item.ID, res.Backend)
	return nil
}

func (r *Router) prepare(task models.Task, force models.Backend) (models.Task, error) {
	task = task.Clone()
	if force != "" {
		task.ForceBackend = force
	}
	if r.classifier != nil {
		task = r.classifier.Classify(task)
	}
	if err := task.Normalize(); err != nil {
		return task, err
	}
	return task, nil
}

func (r *Router) decide(task models.Task) (scoring.Scoring, selector.Decision) {
	sc := r.engine.Score(task)
	decision := r.selector.Select(task, sc)
	debugLog("%q -> %s (%s: %s)", truncate(task.Description, 60), decision.Backend, decision.Rule, decision.Reason)
	if r.observer != nil {
		r.observer.ObserveSelection(decision.Backend, string(decision.Rule))
	}
	return sc, decision
}

func (r *Router) plan(task models.Task) (*RoutingResult, error) {
	if r.planner == nil {
		return nil, fmt.Errorf("plan task: no planner configured")
	}
	p, err := r.planner.Decompose(task)
	if err != nil {
		return nil, fmt.Errorf("decompose task: %w", err)
	}
	if err := plan.Validate(p); err != nil {
		return nil, fmt.Errorf("validate plan: %w", err)
	}
	cost := r.planner.EstimateCost(p)
	return &RoutingResult{
		Kind:    KindPlanned,
		Task:    task,
		Scoring: r.engine.Score(task),
		Plan:    p,
		Cost:    &cost,
	}, nil
}

func (r *Router) enqueue(task models.Task, priority queue.Priority) (*RoutingResult, error) {
	if r.queue == nil {
		return nil, fmt.Errorf("queue task: no admission queue configured")
	}
	if priority == "" {
		priority = queue.PriorityForUrgency(task.Urgency)
	}
	item, err := r.queue.Enqueue(task, priority)
	if err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	return &RoutingResult{
		Kind:    KindQueued,
		Task:    task,
		Scoring: r.engine.Score(task),
		Item:    item,
	}, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
