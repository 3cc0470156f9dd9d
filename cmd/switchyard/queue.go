package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/queue"
	"github.com/ShayCichocki/switchyard/internal/router"
)

var (
	queueTask     taskFlags
	queuePriority string
	queueJSON     bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the admission queue",
	Long: `Manage deferred work.

Queued items are drained by 'switchyard serve', one per randomized drip
interval, with critical items checked every minute. Items that fail are
retried with exponential backoff and moved to the dead-letter list once
they exhaust their retries.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued items in dispatch order",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueAddCmd = &cobra.Command{
	Use:   "add <description>",
	Short: "Queue a task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQueueAdd,
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Drop a queued item",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRemove,
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead letters",
	Args:  cobra.NoArgs,
	RunE:  runQueueDead,
}

var queueResurrectCmd = &cobra.Command{
	Use:   "resurrect <id>",
	Short: "Requeue a dead letter as a fresh item",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueResurrect,
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the drip scheduler of a running serve",
	Args:  cobra.NoArgs,
	RunE:  runQueueSignal(queue.SignalPause, "Drip scheduler paused"),
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the drip scheduler of a running serve",
	Args:  cobra.NoArgs,
	RunE:  runQueueSignal(queue.SignalResume, "Drip scheduler resumed"),
}

var queueTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Drain ready critical items and run one drip tick now",
	Args:  cobra.NoArgs,
	RunE:  runQueueTick,
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queueDeadCmd)
	queueCmd.AddCommand(queueResurrectCmd)
	queueCmd.AddCommand(queuePauseCmd)
	queueCmd.AddCommand(queueResumeCmd)
	queueCmd.AddCommand(queueTickCmd)

	queueTask.register(queueAddCmd)
	queueAddCmd.Flags().StringVarP(&queuePriority, "priority", "p", "", "critical, high, normal, low or background (default derived from urgency)")
	queueListCmd.Flags().BoolVar(&queueJSON, "json", false, "Print items as JSON")
	queueDeadCmd.Flags().BoolVar(&queueJSON, "json", false, "Print dead letters as JSON")
}

func runQueueList(cmd *cobra.Command, args []string) error {
	sys, err := openSystem(true)
	if err != nil {
		return err
	}
	defer sys.Close()

	items := sys.Queue.List()
	out := cmd.OutOrStdout()
	if queueJSON {
		return writeJSON(out, items)
	}
	if len(items) == 0 {
		fmt.Fprintln(out, "Queue is empty")
		return nil
	}
	now := time.Now()
	for _, it := range items {
		fmt.Fprintf(out, "%s  %-10s  %-8s  %s\n", it.ID, it.PriorityName, itemState(&it, now), it.Task.Description)
		if it.LastError != "" {
			fmt.Fprintf(out, "    retries %d, last error: %s\n", it.Retries, it.LastError)
		}
	}
	return nil
}

func itemState(it *queue.Item, now time.Time) string {
	switch {
	case !it.Ready(now):
		return "in " + it.ScheduledFor.Sub(now).Round(time.Second).String()
	case it.Downgraded():
		return "local*"
	default:
		return "ready"
	}
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	task, err := queueTask.task(args)
	if err != nil {
		return err
	}
	opts := router.Options{Queue: true}
	if queuePriority != "" {
		p, ok := queue.ParsePriority(queuePriority)
		if !ok {
			return fmt.Errorf("unknown priority %q", queuePriority)
		}
		opts.Priority = p
	}

	sys, err := openSystem(true)
	if err != nil {
		return err
	}
	defer sys.Close()

	res, err := sys.Router.Route(cmd.Context(), task, opts)
	if err != nil {
		return err
	}
	printRoutingResult(cmd, res)
	return nil
}

func runQueueRemove(cmd *cobra.Command, args []string) error {
	sys, err := openSystem(true)
	if err != nil {
		return err
	}
	defer sys.Close()

	if err := sys.Queue.Remove(args[0]); err != nil {
		return err
	}
	printStatus(cmd, "✓", "Removed "+args[0], color.FgGreen)
	return nil
}

func runQueueDead(cmd *cobra.Command, args []string) error {
	sys, err := openSystem(true)
	if err != nil {
		return err
	}
	defer sys.Close()

	dead := sys.Queue.DeadLetters()
	out := cmd.OutOrStdout()
	if queueJSON {
		return writeJSON(out, dead)
	}
	if len(dead) == 0 {
		fmt.Fprintln(out, "No dead letters")
		return nil
	}
	for _, d := range dead {
		fmt.Fprintf(out, "%s  %s  %s\n", d.Item.ID, d.DeadAt.Format(time.RFC3339), d.Item.Task.Description)
		fmt.Fprintf(out, "    %s\n", d.FinalError)
	}
	return nil
}

func runQueueResurrect(cmd *cobra.Command, args []string) error {
	sys, err := openSystem(true)
	if err != nil {
		return err
	}
	defer sys.Close()

	item, err := sys.Queue.Resurrect(args[0])
	if err != nil {
		return err
	}
	printStatus(cmd, "✓", fmt.Sprintf("Requeued as %s", item.ID), color.FgGreen)
	return nil
}

// runQueueSignal drops a signal file that a running serve picks up.
func runQueueSignal(signal, message string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := queue.SignalsDir(stateDir(cfg))
		if signal == queue.SignalResume {
			queue.ClearSignals(dir)
		}
		if err := queue.Send(dir, signal); err != nil {
			return fmt.Errorf("send %s signal: %w", signal, err)
		}
		printStatus(cmd, "✓", message, color.FgGreen)
		return nil
	}
}

func runQueueTick(cmd *cobra.Command, args []string) error {
	sys, err := openSystem(false)
	if err != nil {
		return err
	}
	defer sys.Close()

	sched := sys.Scheduler()
	ctx := cmd.Context()
	critical := sched.DrainCritical(ctx)
	res := sched.Tick(ctx)
	printStatus(cmd, "✓", fmt.Sprintf("Drained %d critical items, drip tick %s", critical, res), color.FgGreen)
	return nil
}
