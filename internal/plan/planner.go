// Package plan decomposes tasks into dependent steps and executes plans as
// waves of concurrently dispatched steps.
package plan

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/switchyard/internal/classify"
	"github.com/ShayCichocki/switchyard/internal/scoring"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

var (
	listItemRe = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.+)$`)
	thenRe     = regexp.MustCompile(`(?i)[,;.]?\s+(?:and\s+)?then\s+`)
)

// Planner turns a task description into a sequential plan.
type Planner struct {
	classifier *classify.KeywordClassifier
	engine     *scoring.Engine
	now        func() time.Time
}

// NewPlanner creates a planner. Nil arguments use defaults.
func NewPlanner(classifier *classify.KeywordClassifier, engine *scoring.Engine) *Planner {
	if classifier == nil {
		classifier = classify.New()
	}
	if engine == nil {
		engine = scoring.NewEngine(nil)
	}
	return &Planner{classifier: classifier, engine: engine, now: time.Now}
}

// Decompose splits a task into steps. Numbered or bulleted lines become one
// step each; otherwise "then" clauses are split. Each step depends on the
// previous one and the first and last steps are critical.
func (p *Planner) Decompose(task models.Task) (*models.Plan, error) {
	if err := task.Normalize(); err != nil {
		return nil, err
	}

	parts := splitSteps(task.Description)
	plan := &models.Plan{
		ID:        uuid.New().String(),
		Task:      task,
		CreatedAt: p.now(),
	}
	for i, desc := range parts {
		inferred := p.classifier.Infer(desc, 0)
		step := models.PlanStep{
			ID:          fmt.Sprintf("step-%d", i+1),
			Index:       i,
			Description: desc,
			Type:        inferred.Type,
			Critical:    i == 0 || i == len(parts)-1,
		}
		if i > 0 {
			step.Dependencies = []string{plan.Steps[i-1].ID}
		}
		step.EstimatedTokens = scoring.EstimateTokens(models.Task{
			Description: desc,
			Type:        step.Type,
			Complexity:  inferred.Complexity,
		})
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

func splitSteps(description string) []string {
	var items []string
	for _, line := range strings.Split(description, "\n") {
		if m := listItemRe.FindStringSubmatch(line); m != nil {
			items = append(items, strings.TrimSpace(m[1]))
		}
	}
	if len(items) >= 2 {
		return items
	}

	var clauses []string
	for _, c := range thenRe.Split(description, -1) {
		if c = strings.TrimSpace(c); c != "" {
			clauses = append(clauses, c)
		}
	}
	if len(clauses) >= 2 {
		return clauses
	}
	return []string{strings.TrimSpace(description)}
}

// StepCost is the estimate for one step.
type StepCost struct {
	StepID  string
	Backend models.Backend
	Tokens  int
	Cost    float64
}

// CostBreakdown is a plan's estimated spend.
type CostBreakdown struct {
	Steps       []StepCost
	TotalTokens int
	TotalCost   float64
}

// EstimateCost prices every step on its suggested backend, or on the API
// backend when the step leaves selection open.
func (p *Planner) EstimateCost(plan *models.Plan) CostBreakdown {
	var out CostBreakdown
	for _, s := range plan.Steps {
		b := s.Backend
		if b == "" {
			b = models.BackendAPI
		}
		tokens := s.EstimatedTokens
		if tokens == 0 {
			tokens = scoring.EstimateTokens(models.Task{Description: s.Description, Type: s.Type})
		}
		cost := p.engine.CostOn(b, tokens)
		out.Steps = append(out.Steps, StepCost{StepID: s.ID, Backend: b, Tokens: tokens, Cost: cost})
		out.TotalTokens += tokens
		out.TotalCost += cost
	}
	return out
}
