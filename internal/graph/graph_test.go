package graph

import (
	"errors"
	"testing"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

func step(id string, deps ...string) models.PlanStep {
	return models.PlanStep{ID: id, Description: "step " + id, Dependencies: deps}
}

func TestBuild_Validation(t *testing.T) {
	tests := []struct {
		name    string
		steps   []models.PlanStep
		wantErr error
	}{
		{"valid diamond", []models.PlanStep{step("a"), step("b", "a"), step("c", "a"), step("d", "b", "c")}, nil},
		{"unknown dependency", []models.PlanStep{step("a", "ghost")}, ErrUnknownDependency},
		{"self dependency", []models.PlanStep{step("a", "a")}, ErrCycleDetected},
		{"two-step cycle", []models.PlanStep{step("a", "b"), step("b", "a")}, ErrCycleDetected},
		{"long cycle", []models.PlanStep{step("a", "c"), step("b", "a"), step("c", "b")}, ErrCycleDetected},
		{"duplicate id", []models.PlanStep{step("a"), step("a")}, ErrDuplicateStep},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.steps)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Build: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Build err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuild_MissingID(t *testing.T) {
	_, err := Build([]models.PlanStep{{Description: "no id"}})
	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestReady_JoinWaitsForBothParents(t *testing.T) {
	g, err := Build([]models.PlanStep{step("A"), step("B"), step("C", "A", "B")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	waves := g.Waves()
	if len(waves) != 2 {
		t.Fatalf("waves = %v", waves)
	}
	if len(waves[0]) != 2 || waves[0][0] != "A" || waves[0][1] != "B" {
		t.Errorf("first wave = %v, want [A B]", waves[0])
	}
	if len(waves[1]) != 1 || waves[1][0] != "C" {
		t.Errorf("second wave = %v, want [C]", waves[1])
	}

	remaining := map[string]bool{"B": true, "C": true}
	completed := map[string]bool{"A": true}
	ready := g.Ready(remaining, completed)
	if len(ready) != 1 || ready[0] != "B" {
		t.Errorf("Ready with only A done = %v, want [B]", ready)
	}
}

func TestDependentsAndTopologicalOrder(t *testing.T) {
	g, err := Build([]models.PlanStep{step("d", "b", "c"), step("b", "a"), step("c", "a"), step("a")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if deps := g.Dependents("a"); len(deps) != 2 {
		t.Errorf("Dependents(a) = %v", deps)
	}
	if deps := g.Dependencies("d"); len(deps) != 2 {
		t.Errorf("Dependencies(d) = %v", deps)
	}

	pos := make(map[string]int)
	for i, id := range g.TopologicalSort() {
		pos[id] = i
	}
	for _, id := range g.IDs() {
		for _, dep := range g.Dependencies(id) {
			if pos[dep] >= pos[id] {
				t.Errorf("%s sorted before its dependency %s", id, dep)
			}
		}
	}
}

func TestBuild_DuplicateDependencyCollapsed(t *testing.T) {
	g, err := Build([]models.PlanStep{step("a"), step("b", "a", "a")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if n := len(g.Dependents("a")); n != 1 {
		t.Errorf("Dependents(a) = %d, want 1", n)
	}
}
