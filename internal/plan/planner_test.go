package plan

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ShayCichocki/switchyard/internal/graph"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

func TestDecompose(t *testing.T) {
	tests := []struct {
		name      string
		desc      string
		wantSteps []string
	}{
		{
			name:      "numbered list",
			desc:      "Migrate the service:\n1. add the schema\n2. backfill rows\n3) drop the old column",
			wantSteps: []string{"add the schema", "backfill rows", "drop the old column"},
		},
		{
			name:      "bullets",
			desc:      "- write tests\n* fix the bug",
			wantSteps: []string{"write tests", "fix the bug"},
		},
		{
			name:      "then clauses",
			desc:      "research caching options, then implement the cache and then document it",
			wantSteps: []string{"research caching options", "implement the cache", "document it"},
		},
		{
			name:      "single step",
			desc:      "fix the login bug",
			wantSteps: []string{"fix the login bug"},
		},
	}

	p := NewPlanner(nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := p.Decompose(models.Task{Description: tt.desc})
			if err != nil {
				t.Fatalf("Decompose: %v", err)
			}
			if len(plan.Steps) != len(tt.wantSteps) {
				t.Fatalf("steps = %d, want %d: %+v", len(plan.Steps), len(tt.wantSteps), plan.Steps)
			}
			for i, s := range plan.Steps {
				if s.Description != tt.wantSteps[i] {
					t.Errorf("step %d = %q, want %q", i, s.Description, tt.wantSteps[i])
				}
				if i > 0 && (len(s.Dependencies) != 1 || s.Dependencies[0] != plan.Steps[i-1].ID) {
					t.Errorf("step %d deps = %v", i, s.Dependencies)
				}
				wantCritical := i == 0 || i == len(plan.Steps)-1
				if s.Critical != wantCritical {
					t.Errorf("step %d critical = %v", i, s.Critical)
				}
				if s.EstimatedTokens <= 0 {
					t.Errorf("step %d has no token estimate", i)
				}
			}
			if err := Validate(plan); err != nil {
				t.Errorf("decomposed plan invalid: %v", err)
			}
		})
	}
}

func TestDecompose_RejectsEmpty(t *testing.T) {
	if _, err := NewPlanner(nil, nil).Decompose(models.Task{Description: "   "}); err == nil {
		t.Error("expected validation error")
	}
}

func TestEstimateCost(t *testing.T) {
	p := NewPlanner(nil, nil)
	plan := &models.Plan{Steps: []models.PlanStep{
		{ID: "a", Description: "a", EstimatedTokens: 1_000_000},
		{ID: "b", Description: "b", Backend: models.BackendLocal, EstimatedTokens: 1_000_000},
	}}

	got := p.EstimateCost(plan)
	if got.TotalTokens != 2_000_000 {
		t.Errorf("total tokens = %d", got.TotalTokens)
	}
	if got.Steps[1].Cost != 0 {
		t.Errorf("local step cost = %v", got.Steps[1].Cost)
	}
	if got.Steps[0].Backend != models.BackendAPI || got.Steps[0].Cost <= 0 {
		t.Errorf("unassigned step = %+v", got.Steps[0])
	}
	if got.TotalCost != got.Steps[0].Cost {
		t.Errorf("total cost = %v", got.TotalCost)
	}
}

func TestLoadPlanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	doc := `
description: ship the release
urgency: high
steps:
  - id: build
    description: build artifacts
    critical: true
  - id: notes
    description: draft release notes
    backend: local
    type: docs
  - id: publish
    description: publish
    dependencies: [build, notes]
    critical: true
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	plan, err := LoadPlanFile(path)
	if err != nil {
		t.Fatalf("LoadPlanFile: %v", err)
	}
	if plan.ID == "" || plan.Task.Urgency != models.UrgencyHigh {
		t.Errorf("plan = %+v", plan)
	}
	if len(plan.Steps) != 3 || plan.Steps[2].Index != 2 {
		t.Fatalf("steps = %+v", plan.Steps)
	}
	if plan.Steps[1].Backend != models.BackendLocal || plan.Steps[1].Type != models.TaskTypeDocs {
		t.Errorf("notes step = %+v", plan.Steps[1])
	}
}

func TestParsePlan_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{"unknown dependency", "steps:\n  - id: a\n    description: a\n    dependencies: [zzz]\n", graph.ErrUnknownDependency},
		{"cycle", "steps:\n  - id: a\n    description: a\n    dependencies: [b]\n  - id: b\n    description: b\n    dependencies: [a]\n", graph.ErrCycleDetected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan([]byte(tt.doc))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	_, err := ParsePlan([]byte("steps: []\ndescription: nothing\n"))
	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("empty plan err = %v, want ValidationError", err)
	}
}
