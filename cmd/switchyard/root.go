package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/config"
	"github.com/ShayCichocki/switchyard/internal/router"
)

var (
	cfgFile   string
	debugMode bool
	debugOnly []string
)

var rootCmd = &cobra.Command{
	Use:   "switchyard",
	Short: "Task router for coding agents, API and local models",
	Long: `Switchyard routes tasks to the backend best placed to run them:
an interactive coding agent, a parallel agent, the pay-per-token API or a
free local model.

Routing weighs urgency, complexity, required tools, budget, rate limits and
backend health. Failed backends are skipped by a circuit breaker, calls fall
back along interactive -> parallel -> api -> local, and deferred work waits
in a persistent priority queue drained by a drip scheduler.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: user config merged with .switchyard.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Write a decision trace to .switchyard/logs")
	rootCmd.PersistentFlags().StringSliceVar(&debugOnly, "debug-only", nil, "Limit the decision trace to these components (selector, router, dispatch, plan)")

	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(breakerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config when given, else the layered config.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFromPath(cfgFile)
	}
	return config.Load()
}

// openSystem loads config and wires every component. Inspect skips the
// backend adapters for commands that never execute tasks.
func openSystem(inspect bool) (*router.System, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return router.Open(cfg, router.OpenOptions{
		ProjectRoot: projectRoot(),
		Debug:       debugMode || len(debugOnly) > 0,
		DebugOnly:   debugOnly,
		Inspect:     inspect,
	})
}

func projectRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// stateDir is where openSystem would keep state for cfg.
func stateDir(cfg *config.Config) string {
	return router.ResolveStateDir(cfg, projectRoot())
}

// printStatus prints a coloured symbol followed by message.
func printStatus(cmd *cobra.Command, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", c.Sprint(symbol), message)
}
