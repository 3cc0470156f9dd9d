package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/switchyard/internal/ratelimit"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.State.Backend != "file" {
		t.Errorf("expected default state backend 'file', got %q", cfg.State.Backend)
	}
	if cfg.Breaker.Threshold != 3 {
		t.Errorf("expected breaker threshold 3, got %d", cfg.Breaker.Threshold)
	}
	if cfg.Queue.DripMin != 5*time.Minute || cfg.Queue.DripMax != 15*time.Minute {
		t.Errorf("expected drip 5m-15m, got %v-%v", cfg.Queue.DripMin, cfg.Queue.DripMax)
	}
	if cfg.Selector.AdaptiveFloor != 70 {
		t.Errorf("expected adaptive floor 70, got %v", cfg.Selector.AdaptiveFloor)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadFromPath(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	path := writeConfig(t, `
anthropic:
  api_key: test-key
state:
  backend: sqlite
breaker:
  threshold: 5
  cooldown: 2m
rate:
  limits:
    api:
      requests_per_minute: 30
      soft_ratio: 0.5
queue:
  max_size: 10
  drip_min: 1m
  drip_max: 2m
selector:
  hybrid_local_complexity: 9
  fallback_order: [api, local]
tui:
  refresh_rate: 200ms
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Anthropic.APIKey != "test-key" {
		t.Errorf("expected api_key 'test-key', got %q", cfg.Anthropic.APIKey)
	}
	if cfg.State.Backend != "sqlite" {
		t.Errorf("expected sqlite backend, got %q", cfg.State.Backend)
	}
	if cfg.Breaker.Threshold != 5 || cfg.Breaker.Cooldown != 2*time.Minute {
		t.Errorf("unexpected breaker config %+v", cfg.Breaker)
	}
	// Untouched keys keep their defaults.
	if cfg.Breaker.MaxCooldown != 30*time.Minute {
		t.Errorf("expected default max cooldown, got %v", cfg.Breaker.MaxCooldown)
	}
	if cfg.Queue.MaxSize != 10 {
		t.Errorf("expected queue max_size 10, got %d", cfg.Queue.MaxSize)
	}
	if cfg.TUI.RefreshRate != 200*time.Millisecond {
		t.Errorf("expected refresh rate 200ms, got %v", cfg.TUI.RefreshRate)
	}

	limits := cfg.RateLimits()
	if got := limits[models.BackendAPI]; got != (ratelimit.Limit{RequestsPerMinute: 30, SoftRatio: 0.5}) {
		t.Errorf("unexpected api limit %+v", got)
	}
	if got := limits[models.BackendInteractive]; got.RequestsPerMinute != 10 {
		t.Errorf("expected default interactive limit, got %+v", got)
	}

	sel := cfg.SelectorConfig()
	if sel.HybridLocalComplexity != 9 {
		t.Errorf("expected hybrid complexity 9, got %d", sel.HybridLocalComplexity)
	}
	if len(sel.Order) != 2 || sel.Order[0] != models.BackendAPI {
		t.Errorf("unexpected order %v", sel.Order)
	}
}

func TestLoadFromPathRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{"unknown state backend", "state:\n  backend: redis\n", "state.backend"},
		{"inverted drip", "queue:\n  drip_min: 10m\n  drip_max: 1m\n", "drip_max"},
		{"floor out of range", "selector:\n  adaptive_floor: 120\n", "adaptive_floor"},
		{"soft ratio out of range", "rate:\n  limits:\n    api:\n      soft_ratio: 2\n", "soft_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromPath(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("SWITCHYARD_BREAKER_THRESHOLD", "7")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")

	cfg, err := LoadFromPath(writeConfig(t, "breaker:\n  threshold: 4\n"))
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Breaker.Threshold != 7 {
		t.Errorf("expected env threshold 7, got %d", cfg.Breaker.Threshold)
	}
	if cfg.Anthropic.APIKey != "sk-ant-from-env" {
		t.Errorf("expected key from ANTHROPIC_API_KEY, got %q", cfg.Anthropic.APIKey)
	}
}

func TestPricingTableAndBudgetCaps(t *testing.T) {
	cfg := Default()
	cfg.Pricing = map[string]PricingConfig{"api": {InputPerMillion: 1, OutputPerMillion: 5, OutputShare: 0.5}}
	cfg.Budget.DailyUSD = map[string]float64{"api": 3, "bogus": 9}

	table := cfg.PricingTable()
	if got := table[models.BackendAPI].Blended(); got != 3 {
		t.Errorf("expected blended api price 3, got %v", got)
	}
	if _, ok := table[models.BackendInteractive]; !ok {
		t.Error("expected built-in prices to remain")
	}

	caps := cfg.BudgetCaps()
	if len(caps) != 1 || caps[models.BackendAPI] != 3 {
		t.Errorf("unexpected caps %v", caps)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "expanded-value")

	if got := expandEnv("${TEST_VAR}"); got != "expanded-value" {
		t.Errorf("expected 'expanded-value', got %q", got)
	}
	if got := expandEnv("prefix-${TEST_VAR}-suffix"); got != "prefix-expanded-value-suffix" {
		t.Errorf("expected 'prefix-expanded-value-suffix', got %q", got)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")

	if dir := getUserConfigDir(); dir != "/custom/config/switchyard" {
		t.Errorf("expected /custom/config/switchyard, got %q", dir)
	}
}

func TestFindProjectConfig(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ProjectFile), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	got := findProjectConfig()
	want, _ := filepath.EvalSymlinks(filepath.Join(root, ProjectFile))
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != want {
		t.Errorf("findProjectConfig() = %q, want %q", got, want)
	}
}
