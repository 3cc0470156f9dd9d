package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/breaker"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

var breakerResetAll bool

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and reset backend circuit breakers",
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show each backend's circuit",
	Args:  cobra.NoArgs,
	RunE:  runBreakerStatus,
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset [backend]",
	Short: "Force a circuit closed",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBreakerReset,
}

func init() {
	breakerCmd.AddCommand(breakerStatusCmd)
	breakerCmd.AddCommand(breakerResetCmd)
	breakerResetCmd.Flags().BoolVar(&breakerResetAll, "all", false, "Reset every backend")
}

func runBreakerStatus(cmd *cobra.Command, args []string) error {
	sys, err := openSystem(true)
	if err != nil {
		return err
	}
	defer sys.Close()

	circuits := sys.Breaker.Snapshot()
	now := time.Now()
	for _, b := range models.AllBackends {
		c, ok := circuits[b]
		if !ok {
			c = breaker.Circuit{State: breaker.Closed}
		}
		printStatus(cmd, circuitSymbol(c.State), describeCircuit(b, c, now), circuitColor(c.State))
	}
	return nil
}

func describeCircuit(b models.Backend, c breaker.Circuit, now time.Time) string {
	msg := fmt.Sprintf("%-12s %-10s failures %d", b, c.State, c.ConsecutiveFailures)
	if c.LastFailureKind != "" {
		msg += fmt.Sprintf(" (last %s)", c.LastFailureKind)
	}
	if c.State == breaker.Open && c.OpenedAt != nil {
		remaining := c.OpenedAt.Add(c.Cooldown).Sub(now).Round(time.Second)
		msg += fmt.Sprintf(", probe in %s", remaining)
	}
	return msg
}

func circuitSymbol(s breaker.State) string {
	switch s {
	case breaker.Open:
		return "✗"
	case breaker.HalfOpen:
		return "⚠"
	default:
		return "✓"
	}
}

func circuitColor(s breaker.State) color.Attribute {
	switch s {
	case breaker.Open:
		return color.FgRed
	case breaker.HalfOpen:
		return color.FgYellow
	default:
		return color.FgGreen
	}
}

func runBreakerReset(cmd *cobra.Command, args []string) error {
	var targets []models.Backend
	switch {
	case breakerResetAll:
		targets = models.AllBackends
	case len(args) == 1:
		b, ok := models.ParseBackend(args[0])
		if !ok {
			return fmt.Errorf("unknown backend %q", args[0])
		}
		targets = []models.Backend{b}
	default:
		return fmt.Errorf("name a backend or pass --all")
	}

	sys, err := openSystem(true)
	if err != nil {
		return err
	}
	defer sys.Close()

	for _, b := range targets {
		sys.Breaker.Reset(b)
		printStatus(cmd, "✓", fmt.Sprintf("Reset %s", b), color.FgGreen)
	}
	return nil
}
