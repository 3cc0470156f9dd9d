package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/config"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration and store credentials",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key <api-key>",
	Short: "Save an Anthropic API key to the user config",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigSetKey,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetKeyCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "User config:    %s\n", config.GetUserConfigPath())
	if p := config.GetProjectConfigPath(); p != "" {
		fmt.Fprintf(out, "Project config: %s\n", p)
	}
	if cfgFile != "" {
		fmt.Fprintf(out, "Explicit:       %s\n", cfgFile)
	}
	fmt.Fprintf(out, "State:          %s (%s)\n\n", stateDir(cfg), cfg.State.Backend)

	creds, err := config.ResolveCredentials(cfg)
	switch {
	case creds.Source == config.KeySourceBedrock:
		printStatus(cmd, "✓", fmt.Sprintf("api via AWS Bedrock (%s)", cfg.Anthropic.AWSRegion), color.FgGreen)
	case err != nil:
		printStatus(cmd, "⚠", "api backend disabled: no API key", color.FgYellow)
	default:
		printStatus(cmd, "✓", fmt.Sprintf("api key %s from %s", config.MaskAPIKey(creds.APIKey), creds.Source), color.FgGreen)
	}
	fmt.Fprintf(out, "Model:          %s (max %d tokens)\n", cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)

	fmt.Fprintln(out, "\nBackends:")
	for _, b := range models.AllBackends {
		line := fmt.Sprintf("  %-12s", b)
		if bc, ok := cfg.Backends[string(b)]; ok && bc.Command != "" {
			line += fmt.Sprintf(" %s %v", bc.Command, bc.Args)
		}
		if l, ok := cfg.Rate.Limits[string(b)]; ok {
			line += fmt.Sprintf("  %d rpm", l.RequestsPerMinute)
		}
		if c, ok := cfg.Budget.DailyUSD[string(b)]; ok {
			line += fmt.Sprintf("  $%.2f/day", c)
		}
		fmt.Fprintln(out, line)
	}

	fmt.Fprintf(out, "\nBreaker:        %d failures, cooldown %s up to %s\n",
		cfg.Breaker.Threshold, cfg.Breaker.Cooldown, cfg.Breaker.MaxCooldown)
	fmt.Fprintf(out, "Queue:          max %d, %d retries, drip %s-%s\n",
		cfg.Queue.MaxSize, cfg.Queue.MaxRetries, cfg.Queue.DripMin, cfg.Queue.DripMax)
	fmt.Fprintf(out, "Fallback order: %v\n", cfg.Selector.FallbackOrder)

	if len(cfg.Pricing) > 0 {
		names := make([]string, 0, len(cfg.Pricing))
		for name := range cfg.Pricing {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(out, "\nPricing overrides:")
		for _, name := range names {
			p := cfg.Pricing[name]
			fmt.Fprintf(out, "  %-12s $%.2f in / $%.2f out per Mtok\n", name, p.InputPerMillion, p.OutputPerMillion)
		}
	}
	return nil
}

func runConfigSetKey(cmd *cobra.Command, args []string) error {
	if err := config.ValidateAPIKey(args[0]); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		cfg = config.Default()
	}
	cfg.Anthropic.APIKey = args[0]
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	printStatus(cmd, "✓", "Saved API key to "+config.GetUserConfigPath(), color.FgGreen)
	return nil
}
