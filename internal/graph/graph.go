// Package graph validates plan dependencies and answers readiness queries.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// ErrCycleDetected indicates a circular dependency between plan steps.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownDependency indicates a step depends on an ID not in the plan.
var ErrUnknownDependency = errors.New("unknown dependency")

// ErrDuplicateStep indicates two steps share an ID.
var ErrDuplicateStep = errors.New("duplicate step id")

// DependencyGraph is an immutable view of a plan's dependency DAG. Build
// rejects malformed plans so execution never sees a cycle.
type DependencyGraph struct {
	// order is step IDs in plan order.
	order []string
	nodes map[string]*models.PlanStep
	// edges maps step ID to the IDs it depends on.
	edges map[string][]string
	// dependents is the reverse index of edges.
	dependents map[string][]string
	position   map[string]int
}

// Build constructs and validates the graph for steps.
func Build(steps []models.PlanStep) (*DependencyGraph, error) {
	g := &DependencyGraph{
		nodes:      make(map[string]*models.PlanStep, len(steps)),
		edges:      make(map[string][]string, len(steps)),
		dependents: make(map[string][]string, len(steps)),
		position:   make(map[string]int, len(steps)),
	}

	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return nil, &models.ValidationError{Field: "steps", Message: fmt.Sprintf("step %d has no id", i)}
		}
		if _, dup := g.nodes[step.ID]; dup {
			return nil, fmt.Errorf("step %s: %w", step.ID, ErrDuplicateStep)
		}
		g.nodes[step.ID] = step
		g.position[step.ID] = i
		g.order = append(g.order, step.ID)
	}

	for _, id := range g.order {
		seen := make(map[string]bool)
		for _, dep := range g.nodes[id].Dependencies {
			if dep == id {
				return nil, fmt.Errorf("step %s depends on itself: %w", id, ErrCycleDetected)
			}
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("step %s depends on %s: %w", id, dep, ErrUnknownDependency)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.edges[id] = append(g.edges[id], dep)
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	if g.hasCycle() {
		return nil, ErrCycleDetected
	}
	return g, nil
}

// hasCycle runs a colouring DFS looking for back edges.
func (g *DependencyGraph) hasCycle() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case 1:
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// Size returns the number of steps.
func (g *DependencyGraph) Size() int {
	return len(g.order)
}

// IDs returns step IDs in plan order.
func (g *DependencyGraph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Step returns the step for id, or nil.
func (g *DependencyGraph) Step(id string) *models.PlanStep {
	return g.nodes[id]
}

// Dependencies returns the IDs id depends on.
func (g *DependencyGraph) Dependencies(id string) []string {
	return g.edges[id]
}

// Dependents returns the IDs that depend directly on id.
func (g *DependencyGraph) Dependents(id string) []string {
	return g.dependents[id]
}

// Ready returns the members of remaining whose every dependency is in
// completed, in plan order.
func (g *DependencyGraph) Ready(remaining, completed map[string]bool) []string {
	var ready []string
	for id := range remaining {
		ok := true
		for _, dep := range g.edges[id] {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	g.sortByPosition(ready)
	return ready
}

// TopologicalSort returns IDs with every dependency before its dependents.
func (g *DependencyGraph) TopologicalSort() []string {
	var out []string
	for _, wave := range g.Waves() {
		out = append(out, wave...)
	}
	return out
}

// Waves groups steps into the batches an all-success execution would run.
func (g *DependencyGraph) Waves() [][]string {
	remaining := make(map[string]bool, len(g.order))
	for _, id := range g.order {
		remaining[id] = true
	}
	completed := make(map[string]bool, len(g.order))

	var waves [][]string
	for len(remaining) > 0 {
		ready := g.Ready(remaining, completed)
		if len(ready) == 0 {
			break
		}
		for _, id := range ready {
			delete(remaining, id)
			completed[id] = true
		}
		waves = append(waves, ready)
	}
	return waves
}

func (g *DependencyGraph) sortByPosition(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return g.position[ids[i]] < g.position[ids[j]] })
}
