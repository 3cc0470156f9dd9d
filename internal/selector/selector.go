// Package selector picks a backend for a task with a short-circuiting rule
// chain over the task, its scoring, and live availability signals.
package selector

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ShayCichocki/switchyard/internal/breaker"
	"github.com/ShayCichocki/switchyard/internal/budget"
	"github.com/ShayCichocki/switchyard/internal/debuglog"
	"github.com/ShayCichocki/switchyard/internal/health"
	"github.com/ShayCichocki/switchyard/internal/ratelimit"
	"github.com/ShayCichocki/switchyard/internal/scoring"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

var debugLog = debuglog.For("selector")

// Rule identifies which link of the chain produced a decision.
type Rule string

const (
	RuleForced         Rule = "forced"
	RuleToolCapability Rule = "tool_capability"
	RuleImmediate      Rule = "immediate"
	RuleMultiFileCode  Rule = "multi_file_code"
	RuleDeepResearch   Rule = "deep_research"
	RuleSimpleReview   Rule = "simple_review"
	RuleLowUrgency     Rule = "low_urgency"
	RuleHybridLocal    Rule = "hybrid_local"
	RuleAdaptive       Rule = "adaptive"
	RuleHealth         Rule = "health"
	RuleDefaultOrder   Rule = "default_order"
	RuleLastResort     Rule = "last_resort"
)

// BudgetChecker gates backends on spend.
type BudgetChecker interface {
	CheckBudget(backend models.Backend, estimatedTokens int) budget.Check
}

// RateChecker gates backends on request rate.
type RateChecker interface {
	CanUse(backend models.Backend) ratelimit.Decision
}

// CircuitReader reports breaker position without consuming a probe.
type CircuitReader interface {
	State(backend models.Backend) breaker.State
}

// HealthReporter reports backend liveness.
type HealthReporter interface {
	GetHealth() map[models.Backend]health.Status
}

// AdaptiveScorer reports historical suitability in [0,100].
type AdaptiveScorer interface {
	AdaptiveScore(backend models.Backend, task models.Task) float64
}

// Config tunes the rule chain.
type Config struct {
	// LocalCapabilities are the tools the local backend can satisfy.
	LocalCapabilities []string
	// MultiFileThreshold is the file count at which a code task is multi-file.
	MultiFileThreshold int
	// ResearchComplexity is the minimum complexity for the parallel rule.
	ResearchComplexity int
	// SimpleComplexity is the maximum complexity for the local review rule.
	SimpleComplexity int
	// HybridLocalComplexity starts very complex tasks on local. Zero disables.
	HybridLocalComplexity int
	AdaptiveEnabled       bool
	// AdaptiveFloor is the score a backend must reach to win on history.
	AdaptiveFloor float64
	// Order is the static preference used by the last rules.
	Order []models.Backend
}

// DefaultConfig returns the standard rule thresholds.
func DefaultConfig() Config {
	return Config{
		LocalCapabilities:     []string{"read", "write", "edit", "search", "grep", "glob", "list"},
		MultiFileThreshold:    2,
		ResearchComplexity:    7,
		SimpleComplexity:      3,
		HybridLocalComplexity: 0,
		AdaptiveEnabled:       true,
		AdaptiveFloor:         70,
		Order: []models.Backend{
			models.BackendInteractive,
			models.BackendParallel,
			models.BackendAPI,
			models.BackendLocal,
		},
	}
}

// Availability explains whether a backend passed the gates.
type Availability struct {
	Available bool
	Reasons   []string
}

// Decision is the selector's answer.
type Decision struct {
	Backend      models.Backend
	Rule         Rule
	Reason       string
	Availability map[models.Backend]Availability
}

// Selector evaluates the rule chain. Every collaborator is optional; a nil
// collaborator never excludes a backend.
type Selector struct {
	cfg      Config
	budget   BudgetChecker
	rate     RateChecker
	circuits CircuitReader
	health   HealthReporter
	adaptive AdaptiveScorer
	local    map[string]bool
}

// Deps bundles the selector's collaborators.
type Deps struct {
	Budget   BudgetChecker
	Rate     RateChecker
	Circuits CircuitReader
	Health   HealthReporter
	Adaptive AdaptiveScorer
}

// New creates a Selector.
func New(cfg Config, deps Deps) *Selector {
	if len(cfg.Order) == 0 {
		cfg.Order = DefaultConfig().Order
	}
	local := make(map[string]bool, len(cfg.LocalCapabilities))
	for _, c := range cfg.LocalCapabilities {
		local[strings.ToLower(c)] = true
	}
	return &Selector{
		cfg:      cfg,
		budget:   deps.Budget,
		rate:     deps.Rate,
		circuits: deps.Circuits,
		health:   deps.Health,
		adaptive: deps.Adaptive,
		local:    local,
	}
}

// Select picks a backend. It never fails: with nothing available the local
// backend is returned.
func (s *Selector) Select(task models.Task, sc scoring.Scoring) Decision {
	d := s.selectBackend(task, sc)
	debugLog("%q -> %s (rule=%s: %s)", truncate(task.Description, 60), d.Backend, d.Rule, d.Reason)
	return d
}

func (s *Selector) selectBackend(task models.Task, sc scoring.Scoring) Decision {
	if task.ForceBackend != "" && task.ForceBackend.Valid() {
		return Decision{Backend: task.ForceBackend, Rule: RuleForced, Reason: "backend forced by caller"}
	}

	if missing := s.unsupportedTools(task.ToolsNeeded); len(missing) > 0 {
		return Decision{
			Backend: models.BackendAPI,
			Rule:    RuleToolCapability,
			Reason:  fmt.Sprintf("local backend lacks tools: %s", strings.Join(missing, ", ")),
		}
	}

	avail := s.Availability(sc.EstimatedTokens)
	ok := func(b models.Backend) bool { return avail[b].Available }
	decide := func(b models.Backend, rule Rule, reason string) Decision {
		return Decision{Backend: b, Rule: rule, Reason: reason, Availability: avail}
	}

	if task.Urgency == models.UrgencyImmediate && ok(models.BackendAPI) {
		return decide(models.BackendAPI, RuleImmediate, "immediate urgency")
	}

	if task.Type == models.TaskTypeCode && len(task.Files) >= s.cfg.MultiFileThreshold && ok(models.BackendInteractive) {
		return decide(models.BackendInteractive, RuleMultiFileCode, fmt.Sprintf("code task touching %d files", len(task.Files)))
	}

	if task.Type == models.TaskTypeResearch && sc.Complexity >= s.cfg.ResearchComplexity && ok(models.BackendParallel) {
		return decide(models.BackendParallel, RuleDeepResearch, fmt.Sprintf("research at complexity %d", sc.Complexity))
	}

	if (task.Type == models.TaskTypeReview || task.Type == models.TaskTypeDocs) &&
		sc.Complexity <= s.cfg.SimpleComplexity && ok(models.BackendLocal) {
		return decide(models.BackendLocal, RuleSimpleReview, fmt.Sprintf("simple %s task", task.Type))
	}

	if (task.Urgency == models.UrgencyLow || task.Urgency == models.UrgencyBackground) && ok(models.BackendLocal) {
		return decide(models.BackendLocal, RuleLowUrgency, fmt.Sprintf("%s urgency", task.Urgency))
	}

	if s.cfg.HybridLocalComplexity > 0 && sc.Complexity >= s.cfg.HybridLocalComplexity && ok(models.BackendLocal) {
		return decide(models.BackendLocal, RuleHybridLocal, fmt.Sprintf("hybrid policy at complexity %d", sc.Complexity))
	}

	if s.cfg.AdaptiveEnabled {
		if b, score, found := s.bestAdaptive(task, sc, ok); found {
			return decide(b, RuleAdaptive, fmt.Sprintf("adaptive score %.1f", score))
		}
	}

	if s.health != nil {
		statuses := s.health.GetHealth()
		for _, b := range s.cfg.Order {
			if ok(b) && statuses[b].Preferred() {
				return decide(b, RuleHealth, fmt.Sprintf("%s backend", statuses[b]))
			}
		}
	}

	for _, b := range s.cfg.Order {
		if ok(b) {
			return decide(b, RuleDefaultOrder, "first available in default order")
		}
	}

	return decide(models.BackendLocal, RuleLastResort, "no backend available")
}

// Availability evaluates the budget, rate and circuit gates for every backend.
func (s *Selector) Availability(estimatedTokens int) map[models.Backend]Availability {
	out := make(map[models.Backend]Availability, len(models.AllBackends))
	for _, b := range models.AllBackends {
		var reasons []string
		if s.budget != nil {
			if c := s.budget.CheckBudget(b, estimatedTokens); !c.Allowed {
				reasons = append(reasons, "budget: "+c.Reason)
			}
		}
		if s.rate != nil {
			if d := s.rate.CanUse(b); !d.Allowed {
				reasons = append(reasons, "rate: "+d.Reason)
			}
		}
		if s.circuits != nil && s.circuits.State(b) == breaker.Open {
			reasons = append(reasons, "circuit open")
		}
		out[b] = Availability{Available: len(reasons) == 0, Reasons: reasons}
	}
	return out
}

func (s *Selector) unsupportedTools(tools []string) []string {
	var missing []string
	for _, t := range tools {
		if !s.local[strings.ToLower(t)] {
			missing = append(missing, t)
		}
	}
	sort.Strings(missing)
	return missing
}

// bestAdaptive returns the highest-scoring available backend if it clears
// the floor. Ties go to the earlier backend in the static order.
func (s *Selector) bestAdaptive(task models.Task, sc scoring.Scoring, ok func(models.Backend) bool) (models.Backend, float64, bool) {
	scores := sc.AdaptiveScores
	if scores == nil && s.adaptive != nil {
		scores = make(map[models.Backend]float64, len(s.cfg.Order))
		for _, b := range s.cfg.Order {
			scores[b] = s.adaptive.AdaptiveScore(b, task)
		}
	}
	if len(scores) == 0 {
		return "", 0, false
	}

	var best models.Backend
	bestScore := -1.0
	for _, b := range s.cfg.Order {
		score, has := scores[b]
		if !has || !ok(b) {
			continue
		}
		if score > bestScore {
			best, bestScore = b, score
		}
	}
	if best == "" || bestScore < s.cfg.AdaptiveFloor {
		return "", 0, false
	}
	return best, bestScore, true
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
