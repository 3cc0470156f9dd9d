package models

import (
	"fmt"
	"strings"
	"time"
)

// PlanStep is one unit of a decomposed plan.
type PlanStep struct {
	// ID is unique within the plan.
	ID string `json:"id" yaml:"id"`
	// Index is the step's position in the plan as produced by the planner.
	Index int `json:"index" yaml:"index"`
	// Description is the work the step performs.
	Description string `json:"description" yaml:"description"`
	// Backend is the planner's suggested backend; empty lets the selector decide.
	Backend Backend `json:"backend,omitempty" yaml:"backend,omitempty"`
	// Type is the category of work for this step.
	Type TaskType `json:"type,omitempty" yaml:"type,omitempty"`
	// Dependencies lists step IDs that must complete before this step runs.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	// Critical steps abort their dependents on failure; optional steps do not.
	Critical bool `json:"critical" yaml:"critical"`
	// EstimatedTokens is the planner's token estimate for the step.
	EstimatedTokens int `json:"estimated_tokens,omitempty" yaml:"estimated_tokens,omitempty"`
}

// Plan is an ordered set of steps forming a dependency DAG.
type Plan struct {
	ID        string     `json:"id" yaml:"id"`
	Task      Task       `json:"task" yaml:"task"`
	Steps     []PlanStep `json:"steps" yaml:"steps"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
}

// Step returns the step with the given ID, or nil.
func (p *Plan) Step(id string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// ExecutionResult is what a backend adapter returns for a successful call.
type ExecutionResult struct {
	Backend    Backend       `json:"backend"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration"`
	Tokens     int           `json:"tokens"`
	Cost       float64       `json:"cost"`
	OutputPath string        `json:"output_path,omitempty"`
	Response   string        `json:"response"`
}

// Validate checks step fields. Dependency structure is checked when the
// plan's graph is built.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return &ValidationError{Field: "steps", Message: "plan has no steps"}
	}
	for i, s := range p.Steps {
		if s.ID == "" {
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("step %d has no id", i)}
		}
		if strings.TrimSpace(s.Description) == "" {
			return &ValidationError{Field: "steps." + s.ID, Message: "description is required"}
		}
		if s.Backend != "" && !s.Backend.Valid() {
			return &ValidationError{Field: "steps." + s.ID, Message: fmt.Sprintf("unknown backend %q", s.Backend)}
		}
		if s.Type != "" && !s.Type.Valid() {
			return &ValidationError{Field: "steps." + s.ID, Message: fmt.Sprintf("unknown type %q", s.Type)}
		}
	}
	return nil
}
