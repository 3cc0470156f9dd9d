package config

import (
	"log"

	"github.com/ShayCichocki/switchyard/internal/breaker"
	"github.com/ShayCichocki/switchyard/internal/plan"
	"github.com/ShayCichocki/switchyard/internal/queue"
	"github.com/ShayCichocki/switchyard/internal/ratelimit"
	"github.com/ShayCichocki/switchyard/internal/scoring"
	"github.com/ShayCichocki/switchyard/internal/selector"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// BreakerConfig converts the breaker section.
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		Threshold:   c.Breaker.Threshold,
		Cooldown:    c.Breaker.Cooldown,
		MaxCooldown: c.Breaker.MaxCooldown,
	}
}

// RateLimits converts the per-backend limits, skipping unknown backend names.
func (c *Config) RateLimits() map[models.Backend]ratelimit.Limit {
	limits := make(map[models.Backend]ratelimit.Limit, len(c.Rate.Limits))
	for name, l := range c.Rate.Limits {
		b, ok := models.ParseBackend(name)
		if !ok {
			log.Printf("[config] ignoring rate limit for unknown backend %q", name)
			continue
		}
		limits[b] = ratelimit.Limit{RequestsPerMinute: l.RequestsPerMinute, SoftRatio: l.SoftRatio}
	}
	return limits
}

// RateConfig converts the rate section.
func (c *Config) RateConfig() ratelimit.Config {
	return ratelimit.Config{
		Window:           c.Rate.Window,
		Limits:           c.RateLimits(),
		Default:          ratelimit.Limit{RequestsPerMinute: c.Rate.Default.RequestsPerMinute, SoftRatio: c.Rate.Default.SoftRatio},
		ThrottleCooldown: c.Rate.ThrottleCooldown,
		MaxThrottleLevel: c.Rate.MaxThrottleLevel,
	}
}

// QueueConfig converts the queue section.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		MaxSize:           c.Queue.MaxSize,
		OverflowDowngrade: c.Queue.OverflowDowngrade,
		MaxRetries:        c.Queue.MaxRetries,
		BackoffBase:       c.Queue.BackoffBase,
		MaxDeadLetters:    c.Queue.MaxDeadLetters,
	}
}

// SchedulerConfig converts the drip settings.
func (c *Config) SchedulerConfig() queue.SchedulerConfig {
	return queue.SchedulerConfig{
		MinInterval:      c.Queue.DripMin,
		MaxInterval:      c.Queue.DripMax,
		CriticalInterval: c.Queue.CriticalInterval,
	}
}

// SelectorConfig converts the selector section over the rule defaults.
func (c *Config) SelectorConfig() selector.Config {
	cfg := selector.DefaultConfig()
	cfg.HybridLocalComplexity = c.Selector.HybridLocalComplexity
	cfg.AdaptiveEnabled = c.Selector.AdaptiveEnabled
	cfg.AdaptiveFloor = c.Selector.AdaptiveFloor
	if len(c.Selector.LocalCapabilities) > 0 {
		cfg.LocalCapabilities = c.Selector.LocalCapabilities
	}
	if order := parseBackends(c.Selector.FallbackOrder); len(order) > 0 {
		cfg.Order = order
	}
	return cfg
}

// PricingTable merges configured prices over the built-in table.
func (c *Config) PricingTable() map[models.Backend]scoring.Pricing {
	table := make(map[models.Backend]scoring.Pricing, len(scoring.DefaultPricing))
	for b, p := range scoring.DefaultPricing {
		table[b] = p
	}
	for name, p := range c.Pricing {
		b, ok := models.ParseBackend(name)
		if !ok {
			continue
		}
		table[b] = scoring.Pricing{
			InputPerMillion:  p.InputPerMillion,
			OutputPerMillion: p.OutputPerMillion,
			OutputShare:      p.OutputShare,
		}
	}
	return table
}

// BudgetCaps returns daily caps keyed by backend.
func (c *Config) BudgetCaps() map[models.Backend]float64 {
	caps := make(map[models.Backend]float64, len(c.Budget.DailyUSD))
	for name, usd := range c.Budget.DailyUSD {
		if b, ok := models.ParseBackend(name); ok {
			caps[b] = usd
		}
	}
	return caps
}

// ExecutorConfig converts the plan section.
func (c *Config) ExecutorConfig() plan.ExecutorConfig {
	return plan.ExecutorConfig{
		ContextExcerpt: c.Plan.ContextExcerpt,
		MaxParallel:    c.Plan.MaxParallel,
	}
}

func parseBackends(names []string) []models.Backend {
	var out []models.Backend
	for _, n := range names {
		if b, ok := models.ParseBackend(n); ok {
			out = append(out, b)
		}
	}
	return out
}
