// Package scoring turns a normalized task into the numeric dimensions the
// backend selector routes on. Scoring is pure and never fails.
package scoring

import (
	"math"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// UrgencyScores maps urgency to a 10-100 score.
var UrgencyScores = map[models.Urgency]int{
	models.UrgencyImmediate:  100,
	models.UrgencyHigh:       75,
	models.UrgencyNormal:     50,
	models.UrgencyLow:        25,
	models.UrgencyBackground: 10,
}

// ExternalAgentTools are tools only an agent with real tool access can use.
var ExternalAgentTools = map[string]bool{
	"web_search": true,
	"web_fetch":  true,
	"browser":    true,
	"mcp":        true,
	"shell":      true,
	"git":        true,
}

// ToolWeight is the tool-requirement score for each external-agent tool.
const ToolWeight = 20

// TypeMultipliers scale token estimates by task type.
var TypeMultipliers = map[models.TaskType]float64{
	models.TaskTypeCode:     1.5,
	models.TaskTypeRefactor: 1.8,
	models.TaskTypeTest:     1.3,
	models.TaskTypeResearch: 2.0,
	models.TaskTypeReview:   1.0,
	models.TaskTypeDocs:     0.8,
	models.TaskTypeGeneral:  1.0,
}

// Token estimation weights.
const (
	charsPerToken     = 4
	tokensPerLevel    = 400
	tokensPerFile     = 1200
	minEstimateTokens = 200
)

// Scoring is the per-attempt view of a task. It is never persisted.
type Scoring struct {
	Complexity      int
	Urgency         int
	ToolRequirement int
	EstimatedTokens int
	// EstimatedCost is the pay-per-token price of the estimate.
	EstimatedCost float64
	// AdaptiveScores holds historical suitability per backend, when enabled.
	AdaptiveScores map[models.Backend]float64
}

// Engine scores tasks.
type Engine struct {
	pricer Pricer
}

// NewEngine creates an engine using pricer for cost estimates.
// A nil pricer uses DefaultPricing.
func NewEngine(pricer Pricer) *Engine {
	if pricer == nil {
		pricer = NewTablePricer(nil)
	}
	return &Engine{pricer: pricer}
}

// Score computes every dimension for a normalized task.
func (e *Engine) Score(task models.Task) Scoring {
	tokens := EstimateTokens(task)
	return Scoring{
		Complexity:      task.Complexity,
		Urgency:         UrgencyScore(task.Urgency),
		ToolRequirement: ToolRequirement(task.ToolsNeeded),
		EstimatedTokens: tokens,
		EstimatedCost:   e.pricer.Cost(models.BackendAPI, tokens),
	}
}

// CostOn prices the estimate on a specific backend.
func (e *Engine) CostOn(backend models.Backend, tokens int) float64 {
	return e.pricer.Cost(backend, tokens)
}

// UrgencyScore returns the table score, treating unknown urgency as normal.
func UrgencyScore(u models.Urgency) int {
	if s, ok := UrgencyScores[u]; ok {
		return s
	}
	return UrgencyScores[models.UrgencyNormal]
}

// ToolRequirement scores the tools only an external agent can provide.
func ToolRequirement(tools []string) int {
	score := 0
	for _, t := range tools {
		if ExternalAgentTools[t] {
			score += ToolWeight
		}
	}
	return score
}

// EstimateTokens derives a token estimate from description length,
// complexity, file count and task type.
func EstimateTokens(task models.Task) int {
	base := float64(len(task.Description))/charsPerToken +
		float64(task.Complexity*tokensPerLevel) +
		float64(len(task.Files)*tokensPerFile)

	mult, ok := TypeMultipliers[task.Type]
	if !ok {
		mult = 1.0
	}
	tokens := int(math.Round(base * mult))
	if tokens < minEstimateTokens {
		tokens = minEstimateTokens
	}
	return tokens
}
