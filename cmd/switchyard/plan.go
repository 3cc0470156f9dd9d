package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/graph"
	"github.com/ShayCichocki/switchyard/internal/plan"
)

var (
	planJSON   bool
	planDryRun bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Validate and run YAML plans",
	Long: `Work with hand-written plans.

A plan file lists steps with optional dependencies, backends and a
critical flag:

  description: ship the retry flag
  steps:
    - id: impl
      description: add the --retries flag
      type: code
      critical: true
    - id: docs
      description: document --retries
      type: docs
      dependencies: [impl]

Steps run in dependency waves. A failed critical step blocks everything
that depends on it; a failed optional step is skipped.`,
}

var planValidateCmd = &cobra.Command{
	Use:   "validate <file.yaml>",
	Short: "Check a plan file and show its waves and estimated cost",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanValidate,
}

var planRunCmd = &cobra.Command{
	Use:   "run <file.yaml>",
	Short: "Execute a plan file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanRun,
}

func init() {
	planCmd.AddCommand(planValidateCmd)
	planCmd.AddCommand(planRunCmd)

	planRunCmd.Flags().BoolVar(&planJSON, "json", false, "Print the result as JSON")
	planRunCmd.Flags().BoolVar(&planDryRun, "dry-run", false, "Validate and estimate without executing")
}

func runPlanValidate(cmd *cobra.Command, args []string) error {
	p, err := plan.LoadPlanFile(args[0])
	if err != nil {
		return err
	}
	g, err := graph.Build(p.Steps)
	if err != nil {
		return err
	}

	sys, err := openSystem(true)
	if err != nil {
		return err
	}
	defer sys.Close()

	out := cmd.OutOrStdout()
	cost := sys.Planner.EstimateCost(p)
	printPlan(out, p, &cost)
	for i, wave := range g.Waves() {
		fmt.Fprintf(out, "Wave %d: %s\n", i+1, strings.Join(wave, ", "))
	}
	printStatus(cmd, "✓", fmt.Sprintf("%s is valid", args[0]), color.FgGreen)
	return nil
}

func runPlanRun(cmd *cobra.Command, args []string) error {
	p, err := plan.LoadPlanFile(args[0])
	if err != nil {
		return err
	}

	sys, err := openSystem(planDryRun)
	if err != nil {
		return err
	}
	defer sys.Close()

	out := cmd.OutOrStdout()
	if !planJSON {
		cost := sys.Planner.EstimateCost(p)
		printPlan(out, p, &cost)
	}
	if planDryRun {
		return nil
	}

	pr, err := sys.Router.ExecutePlan(cmd.Context(), p)
	if err != nil {
		return err
	}
	if planJSON {
		if err := writeJSON(out, planResultView(p, pr)); err != nil {
			return err
		}
	} else {
		printPlanResult(cmd, pr)
	}
	return planError(pr)
}
