package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/plan"
	"github.com/ShayCichocki/switchyard/internal/queue"
	"github.com/ShayCichocki/switchyard/internal/router"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// taskFlags are the task fields shared by route and queue add.
type taskFlags struct {
	taskType   string
	urgency    string
	complexity int
	tools      []string
	files      []string
	output     string
	backend    string
	metadata   map[string]string
}

func (f *taskFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.taskType, "type", "t", "", "Task type: code, refactor, test, research, review, docs, general")
	cmd.Flags().StringVarP(&f.urgency, "urgency", "u", "", "Urgency: immediate, high, normal, low, background")
	cmd.Flags().IntVarP(&f.complexity, "complexity", "c", 0, "Complexity 1-10 (inferred when omitted)")
	cmd.Flags().StringSliceVar(&f.tools, "tool", nil, "Tool the task needs (repeatable)")
	cmd.Flags().StringSliceVarP(&f.files, "file", "f", nil, "File the task touches (repeatable)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Where the backend should write output")
	cmd.Flags().StringVarP(&f.backend, "backend", "b", "", "Force a backend: interactive, parallel, api, local")
	cmd.Flags().StringToStringVar(&f.metadata, "meta", nil, "Caller metadata as key=value")
}

// task builds a task from the flags and description words.
func (f *taskFlags) task(args []string) (models.Task, error) {
	task := models.Task{
		Description: strings.Join(args, " "),
		Type:        models.TaskType(f.taskType),
		Urgency:     models.Urgency(f.urgency),
		Complexity:  f.complexity,
		ToolsNeeded: f.tools,
		Files:       f.files,
		OutputPath:  f.output,
		Metadata:    f.metadata,
	}
	if f.backend != "" {
		b, ok := models.ParseBackend(f.backend)
		if !ok {
			return task, fmt.Errorf("unknown backend %q", f.backend)
		}
		task.ForceBackend = b
	}
	return task, nil
}

var (
	routeTask     taskFlags
	routePlan     bool
	routeExecute  bool
	routeQueue    bool
	routePriority string
	routeJSON     bool
)

var routeCmd = &cobra.Command{
	Use:   "route <description>",
	Short: "Route a task to a backend",
	Long: `Classify, score and route a task.

By default the task runs immediately on the selected backend, falling back
along the chain if that backend is unavailable or fails. With --queue it is
deferred to the admission queue; with --plan it is decomposed into steps
and the plan is printed (add --execute to run it).

Examples:
  switchyard route "fix the nil pointer in parser.go" -f parser.go
  switchyard route "survey caching libraries" --type research --urgency low
  switchyard route "update the changelog" --queue --priority background
  switchyard route "1. add the flag
2. wire it into config
3. document it" --plan --execute`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRoute,
}

func init() {
	routeTask.register(routeCmd)
	routeCmd.Flags().BoolVar(&routePlan, "plan", false, "Decompose into a plan instead of executing")
	routeCmd.Flags().BoolVar(&routeExecute, "execute", false, "With --plan, execute the plan")
	routeCmd.Flags().BoolVar(&routeQueue, "queue", false, "Defer to the admission queue")
	routeCmd.Flags().StringVarP(&routePriority, "priority", "p", "", "Queue priority (default derived from urgency)")
	routeCmd.Flags().BoolVar(&routeJSON, "json", false, "Print the result as JSON")
}

func runRoute(cmd *cobra.Command, args []string) error {
	task, err := routeTask.task(args)
	if err != nil {
		return err
	}
	opts := router.Options{Plan: routePlan, Queue: routeQueue}
	if routePriority != "" {
		p, ok := queue.ParsePriority(routePriority)
		if !ok {
			return fmt.Errorf("unknown priority %q", routePriority)
		}
		opts.Priority = p
	}

	sys, err := openSystem(false)
	if err != nil {
		return err
	}
	defer sys.Close()

	ctx := cmd.Context()
	res, err := sys.Router.Route(ctx, task, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.Kind == router.KindPlanned && routeExecute {
		if !routeJSON {
			printPlan(out, res.Plan, res.Cost)
		}
		pr, err := sys.Router.ExecutePlan(ctx, res.Plan)
		if err != nil {
			return err
		}
		if routeJSON {
			if err := writeJSON(out, planResultView(res.Plan, pr)); err != nil {
				return err
			}
			return planError(pr)
		}
		printPlanResult(cmd, pr)
		return planError(pr)
	}

	if routeJSON {
		return writeJSON(out, res)
	}
	printRoutingResult(cmd, res)
	return nil
}

func printRoutingResult(cmd *cobra.Command, res *router.RoutingResult) {
	out := cmd.OutOrStdout()
	switch res.Kind {
	case router.KindExecuted:
		ex := res.Execution
		printStatus(cmd, "✓", fmt.Sprintf("Ran on %s (%s: %s)", ex.Backend, res.Decision.Rule, res.Decision.Reason), color.FgGreen)
		if ex.Fallbacks() > 0 {
			printStatus(cmd, "⚠", fmt.Sprintf("Fell back along %v", ex.Tried), color.FgYellow)
		}
		fmt.Fprintf(out, "  duration %s · %d tokens · $%.4f\n", ex.Duration.Round(time.Millisecond), ex.Tokens, ex.Cost)
		if ex.OutputPath != "" {
			fmt.Fprintf(out, "  output %s\n", ex.OutputPath)
		}
		if ex.Response != "" {
			fmt.Fprintf(out, "\n%s\n", strings.TrimSpace(ex.Response))
		}
	case router.KindQueued:
		printStatus(cmd, "✓", fmt.Sprintf("Queued %s at %s priority", res.Item.ID, res.Item.PriorityName), color.FgGreen)
		if res.Item.Downgraded() {
			printStatus(cmd, "⚠", "Queue is over capacity", color.FgYellow)
		}
	case router.KindPlanned:
		printPlan(out, res.Plan, res.Cost)
	}
}

func printPlan(out io.Writer, p *models.Plan, cost *plan.CostBreakdown) {
	fmt.Fprintf(out, "Plan %s (%d steps)\n", p.ID, len(p.Steps))
	for _, s := range p.Steps {
		mark := " "
		if s.Critical {
			mark = "*"
		}
		deps := ""
		if len(s.Dependencies) > 0 {
			deps = " after " + strings.Join(s.Dependencies, ", ")
		}
		fmt.Fprintf(out, "  %s %-8s [%s] %s%s\n", mark, s.ID, s.Type, s.Description, deps)
	}
	if cost != nil {
		fmt.Fprintf(out, "Estimated %d tokens, $%.4f\n", cost.TotalTokens, cost.TotalCost)
	}
}

func printPlanResult(cmd *cobra.Command, pr *plan.Result) {
	out := cmd.OutOrStdout()
	for i, wave := range pr.Waves {
		fmt.Fprintf(out, "Wave %d:\n", i+1)
		for _, id := range wave {
			o := pr.Outcomes[id]
			if o == nil {
				continue
			}
			switch o.Status {
			case plan.StepCompleted:
				printStatus(cmd, "  ✓", fmt.Sprintf("%s on %s (%d attempts)", id, o.Backend, o.Attempts), color.FgGreen)
			case plan.StepSkipped:
				printStatus(cmd, "  ⚠", fmt.Sprintf("%s skipped: %v", id, pr.Errors[id]), color.FgYellow)
			default:
				printStatus(cmd, "  ✗", fmt.Sprintf("%s %s: %v", id, o.Status, pr.Errors[id]), color.FgRed)
			}
		}
	}
	// Steps blocked without ever running are not part of any wave.
	for id, o := range pr.Outcomes {
		if o.Status == plan.StepBlocked && !inWaves(pr.Waves, id) {
			printStatus(cmd, "  ✗", fmt.Sprintf("%s blocked: %v", id, pr.Errors[id]), color.FgRed)
		}
	}
	if pr.Success {
		printStatus(cmd, "✓", fmt.Sprintf("Plan succeeded in %s", pr.Duration.Round(time.Millisecond)), color.FgGreen)
	} else {
		printStatus(cmd, "✗", fmt.Sprintf("Plan failed: %d critical steps failed", pr.FailedSteps), color.FgRed)
	}
}

func planError(pr *plan.Result) error {
	if pr.Success {
		return nil
	}
	return fmt.Errorf("plan %s: %d critical steps failed", pr.PlanID, pr.FailedSteps)
}

func inWaves(waves [][]string, id string) bool {
	for _, w := range waves {
		for _, x := range w {
			if x == id {
				return true
			}
		}
	}
	return false
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type stepJSON struct {
	ID       string          `json:"id"`
	Status   plan.StepStatus `json:"status"`
	Backend  models.Backend  `json:"backend,omitempty"`
	Attempts int             `json:"attempts"`
	Wave     int             `json:"wave"`
	Duration time.Duration   `json:"duration"`
	Error    string          `json:"error,omitempty"`
	Response string          `json:"response,omitempty"`
}

type planResultJSON struct {
	PlanID      string        `json:"plan_id"`
	Success     bool          `json:"success"`
	FailedSteps int           `json:"failed_steps"`
	Waves       [][]string    `json:"waves"`
	Steps       []stepJSON    `json:"steps"`
	Duration    time.Duration `json:"duration"`
}

// planResultView flattens a plan result for JSON output; step errors do
// not marshal on their own.
func planResultView(p *models.Plan, pr *plan.Result) planResultJSON {
	out := planResultJSON{
		PlanID:      pr.PlanID,
		Success:     pr.Success,
		FailedSteps: pr.FailedSteps,
		Waves:       pr.Waves,
		Duration:    pr.Duration,
	}
	for _, s := range p.Steps {
		o := pr.Outcomes[s.ID]
		if o == nil {
			continue
		}
		v := stepJSON{ID: s.ID, Status: o.Status, Backend: o.Backend, Attempts: o.Attempts, Wave: o.Wave, Duration: o.Duration}
		if err := pr.Errors[s.ID]; err != nil {
			v.Error = err.Error()
		}
		if o.Result != nil {
			v.Response = o.Result.Response
		}
		out.Steps = append(out.Steps, v)
	}
	return out
}
