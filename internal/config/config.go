// Package config handles configuration loading for the router.
// It supports XDG config paths, project-level overrides, environment
// variables and live reload of the project file.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ProjectFile is the project-level config file name.
const ProjectFile = ".switchyard.yaml"

// Config holds all router configuration.
type Config struct {
	Anthropic  AnthropicConfig          `mapstructure:"anthropic"`
	State      StateConfig              `mapstructure:"state"`
	Breaker    BreakerConfig            `mapstructure:"breaker"`
	Rate       RateConfig               `mapstructure:"rate"`
	Queue      QueueConfig              `mapstructure:"queue"`
	Selector   SelectorConfig           `mapstructure:"selector"`
	Budget     BudgetConfig             `mapstructure:"budget"`
	Pricing    map[string]PricingConfig `mapstructure:"pricing"`
	Backends   map[string]BackendConfig `mapstructure:"backends"`
	Plan       PlanConfig               `mapstructure:"plan"`
	Classifier ClassifierConfig         `mapstructure:"classifier"`
	Metrics    MetricsConfig            `mapstructure:"metrics"`
	TUI        TUIConfig                `mapstructure:"tui"`
}

// AnthropicConfig configures the API backend.
type AnthropicConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	MaxTokens  int64         `mapstructure:"max_tokens"`
	Timeout    time.Duration `mapstructure:"timeout"`
	UseBedrock bool          `mapstructure:"use_bedrock"`
	AWSRegion  string        `mapstructure:"aws_region"`
	AWSProfile string        `mapstructure:"aws_profile"`
}

// StateConfig selects where snapshots live.
type StateConfig struct {
	// Dir is the state directory; relative paths resolve against the project root.
	Dir string `mapstructure:"dir"`
	// Backend is "file" for JSON snapshots or "sqlite".
	Backend string `mapstructure:"backend"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	Threshold   int           `mapstructure:"threshold"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
	MaxCooldown time.Duration `mapstructure:"max_cooldown"`
}

// RateLimit is one backend's request budget.
type RateLimit struct {
	RequestsPerMinute int     `mapstructure:"requests_per_minute"`
	SoftRatio         float64 `mapstructure:"soft_ratio"`
}

// RateConfig holds rate governor settings.
type RateConfig struct {
	Window           time.Duration        `mapstructure:"window"`
	ThrottleCooldown time.Duration        `mapstructure:"throttle_cooldown"`
	MaxThrottleLevel int                  `mapstructure:"max_throttle_level"`
	Default          RateLimit            `mapstructure:"default"`
	Limits           map[string]RateLimit `mapstructure:"limits"`
}

// QueueConfig holds admission queue and drip settings.
type QueueConfig struct {
	MaxSize           int           `mapstructure:"max_size"`
	OverflowDowngrade int           `mapstructure:"overflow_downgrade"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	MaxDeadLetters    int           `mapstructure:"max_dead_letters"`
	DripMin           time.Duration `mapstructure:"drip_min"`
	DripMax           time.Duration `mapstructure:"drip_max"`
	CriticalInterval  time.Duration `mapstructure:"critical_interval"`
}

// SelectorConfig tunes the selection rules.
type SelectorConfig struct {
	HybridLocalComplexity int      `mapstructure:"hybrid_local_complexity"`
	AdaptiveEnabled       bool     `mapstructure:"adaptive_enabled"`
	AdaptiveFloor         float64  `mapstructure:"adaptive_floor"`
	FallbackOrder         []string `mapstructure:"fallback_order"`
	LocalCapabilities     []string `mapstructure:"local_capabilities"`
}

// BudgetConfig holds daily spend caps.
type BudgetConfig struct {
	DailyUSD         map[string]float64 `mapstructure:"daily_usd"`
	WarningThreshold float64            `mapstructure:"warning_threshold"`
}

// PricingConfig is a backend's token price.
type PricingConfig struct {
	InputPerMillion  float64 `mapstructure:"input_per_million"`
	OutputPerMillion float64 `mapstructure:"output_per_million"`
	OutputShare      float64 `mapstructure:"output_share"`
}

// BackendConfig configures a command-line backend.
type BackendConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// PromptStdin sends the prompt on stdin instead of as the last argument.
	PromptStdin bool          `mapstructure:"prompt_stdin"`
	Env         []string      `mapstructure:"env"`
	WorkDir     string        `mapstructure:"work_dir"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// PlanConfig holds plan execution settings.
type PlanConfig struct {
	ContextExcerpt int `mapstructure:"context_excerpt"`
	MaxParallel    int `mapstructure:"max_parallel"`
}

// ClassifierConfig points at optional keyword overrides.
type ClassifierConfig struct {
	RulesFile string `mapstructure:"rules_file"`
}

// MetricsConfig holds the metrics listener address.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// TUIConfig holds dashboard settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration.
// Precedence (highest to lowest):
// 1. Environment variables (SWITCHYARD_*, ANTHROPIC_API_KEY)
// 2. Project config (.switchyard.yaml in current directory or parent)
// 3. User config (~/.config/switchyard/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config: %w", err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	bindEnv(v)
	return decode(v)
}

// LoadFromPath loads configuration from a specific file over the defaults.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	bindEnv(v)
	return decode(v)
}

// Watch loads path and calls onChange with the re-read configuration
// every time the file changes. The watch lasts for the life of the process.
func Watch(path string, onChange func(*Config)) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	bindEnv(v)
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			log.Printf("[config] ignoring invalid change to %s: %v", e.Name, err)
			return
		}
		log.Printf("[config] reloaded %s", e.Name)
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("SWITCHYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "SWITCHYARD_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the router cannot run with.
func (c *Config) Validate() error {
	switch c.State.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("state.backend must be file or sqlite, got %q", c.State.Backend)
	}
	if c.Queue.DripMax < c.Queue.DripMin {
		return fmt.Errorf("queue.drip_max (%v) is below queue.drip_min (%v)", c.Queue.DripMax, c.Queue.DripMin)
	}
	if c.Selector.AdaptiveFloor < 0 || c.Selector.AdaptiveFloor > 100 {
		return fmt.Errorf("selector.adaptive_floor must be within 0-100, got %v", c.Selector.AdaptiveFloor)
	}
	for name, l := range c.Rate.Limits {
		if l.SoftRatio < 0 || l.SoftRatio > 1 {
			return fmt.Errorf("rate.limits.%s.soft_ratio must be within 0-1, got %v", name, l.SoftRatio)
		}
	}
	return nil
}

// Save writes the user-editable subset of cfg to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))
	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("state.backend", cfg.State.Backend)
	v.Set("budget.daily_usd", cfg.Budget.DailyUSD)
	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the project config file path if one exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)
	v.SetDefault("anthropic.timeout", d.Anthropic.Timeout.String())
	v.SetDefault("anthropic.use_bedrock", false)

	v.SetDefault("state.dir", d.State.Dir)
	v.SetDefault("state.backend", d.State.Backend)

	v.SetDefault("breaker.threshold", d.Breaker.Threshold)
	v.SetDefault("breaker.cooldown", d.Breaker.Cooldown.String())
	v.SetDefault("breaker.max_cooldown", d.Breaker.MaxCooldown.String())

	v.SetDefault("rate.window", d.Rate.Window.String())
	v.SetDefault("rate.throttle_cooldown", d.Rate.ThrottleCooldown.String())
	v.SetDefault("rate.max_throttle_level", d.Rate.MaxThrottleLevel)
	v.SetDefault("rate.default.requests_per_minute", d.Rate.Default.RequestsPerMinute)
	v.SetDefault("rate.default.soft_ratio", d.Rate.Default.SoftRatio)
	for name, l := range d.Rate.Limits {
		v.SetDefault("rate.limits."+name+".requests_per_minute", l.RequestsPerMinute)
		v.SetDefault("rate.limits."+name+".soft_ratio", l.SoftRatio)
	}

	v.SetDefault("queue.max_size", d.Queue.MaxSize)
	v.SetDefault("queue.overflow_downgrade", d.Queue.OverflowDowngrade)
	v.SetDefault("queue.max_retries", d.Queue.MaxRetries)
	v.SetDefault("queue.backoff_base", d.Queue.BackoffBase.String())
	v.SetDefault("queue.max_dead_letters", d.Queue.MaxDeadLetters)
	v.SetDefault("queue.drip_min", d.Queue.DripMin.String())
	v.SetDefault("queue.drip_max", d.Queue.DripMax.String())
	v.SetDefault("queue.critical_interval", d.Queue.CriticalInterval.String())

	v.SetDefault("selector.hybrid_local_complexity", d.Selector.HybridLocalComplexity)
	v.SetDefault("selector.adaptive_enabled", d.Selector.AdaptiveEnabled)
	v.SetDefault("selector.adaptive_floor", d.Selector.AdaptiveFloor)
	v.SetDefault("selector.fallback_order", d.Selector.FallbackOrder)
	v.SetDefault("selector.local_capabilities", d.Selector.LocalCapabilities)

	v.SetDefault("budget.warning_threshold", d.Budget.WarningThreshold)
	for name, usd := range d.Budget.DailyUSD {
		v.SetDefault("budget.daily_usd."+name, usd)
	}

	for name, b := range d.Backends {
		v.SetDefault("backends."+name+".command", b.Command)
		v.SetDefault("backends."+name+".args", b.Args)
		v.SetDefault("backends."+name+".timeout", b.Timeout.String())
	}

	v.SetDefault("plan.context_excerpt", d.Plan.ContextExcerpt)
	v.SetDefault("plan.max_parallel", d.Plan.MaxParallel)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("tui.refresh_rate", d.TUI.RefreshRate.String())
}

// getUserConfigDir returns the XDG config directory.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "switchyard")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "switchyard")
	}
	return filepath.Join(home, ".config", "switchyard")
}

// findProjectConfig searches for the project file in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ProjectFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			Model:     "claude-haiku-4-5-20251001",
			MaxTokens: 8192,
			Timeout:   5 * time.Minute,
		},
		State: StateConfig{Dir: ".switchyard", Backend: "file"},
		Breaker: BreakerConfig{
			Threshold:   3,
			Cooldown:    time.Minute,
			MaxCooldown: 30 * time.Minute,
		},
		Rate: RateConfig{
			Window:           time.Minute,
			ThrottleCooldown: 5 * time.Minute,
			MaxThrottleLevel: 4,
			Default:          RateLimit{RequestsPerMinute: 20, SoftRatio: 0.8},
			Limits: map[string]RateLimit{
				"interactive": {RequestsPerMinute: 10, SoftRatio: 0.8},
				"parallel":    {RequestsPerMinute: 10, SoftRatio: 0.8},
				"api":         {RequestsPerMinute: 50, SoftRatio: 0.8},
				"local":       {RequestsPerMinute: 0, SoftRatio: 0.8},
			},
		},
		Queue: QueueConfig{
			MaxSize:           100,
			OverflowDowngrade: 3,
			MaxRetries:        3,
			BackoffBase:       time.Minute,
			MaxDeadLetters:    100,
			DripMin:           5 * time.Minute,
			DripMax:           15 * time.Minute,
			CriticalInterval:  time.Minute,
		},
		Selector: SelectorConfig{
			AdaptiveEnabled:   true,
			AdaptiveFloor:     70,
			FallbackOrder:     []string{"interactive", "parallel", "api", "local"},
			LocalCapabilities: []string{"read", "write", "edit", "search", "grep", "glob", "list"},
		},
		Budget: BudgetConfig{
			DailyUSD:         map[string]float64{"api": 10},
			WarningThreshold: 0.8,
		},
		Backends: map[string]BackendConfig{
			"interactive": {Command: "claude", Args: []string{"-p"}, Timeout: 30 * time.Minute},
			"parallel":    {Command: "codex", Args: []string{"exec"}, Timeout: 30 * time.Minute},
			"local":       {Command: "ollama", Args: []string{"run", "qwen2.5-coder"}, Timeout: 10 * time.Minute},
		},
		Plan:    PlanConfig{ContextExcerpt: 1000},
		Metrics: MetricsConfig{Addr: ":9090"},
		TUI:     TUIConfig{RefreshRate: time.Second},
	}
}
