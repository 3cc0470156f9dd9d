package router

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/switchyard/internal/backend"
	"github.com/ShayCichocki/switchyard/internal/breaker"
	"github.com/ShayCichocki/switchyard/internal/budget"
	"github.com/ShayCichocki/switchyard/internal/classify"
	"github.com/ShayCichocki/switchyard/internal/config"
	"github.com/ShayCichocki/switchyard/internal/debuglog"
	"github.com/ShayCichocki/switchyard/internal/dispatch"
	"github.com/ShayCichocki/switchyard/internal/exec"
	"github.com/ShayCichocki/switchyard/internal/health"
	"github.com/ShayCichocki/switchyard/internal/metrics"
	"github.com/ShayCichocki/switchyard/internal/monitor"
	"github.com/ShayCichocki/switchyard/internal/plan"
	"github.com/ShayCichocki/switchyard/internal/queue"
	"github.com/ShayCichocki/switchyard/internal/ratelimit"
	"github.com/ShayCichocki/switchyard/internal/scoring"
	"github.com/ShayCichocki/switchyard/internal/selector"
	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/internal/tui"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Snapshot names shared by both state backends.
const (
	SnapshotQueue       = "queue"
	SnapshotDeadLetters = "dead_letters"
	SnapshotBreaker     = "breaker"
	SnapshotRate        = "ratelimit"
	SnapshotBudget      = "budget"
)

// OpenOptions adjust how a System is assembled.
type OpenOptions struct {
	// ProjectRoot anchors a relative state directory. Defaults to ".".
	ProjectRoot string
	// Runner executes CLI backends. Defaults to os/exec.
	Runner exec.CommandRunner
	// Adapters, when set, replace the configured backend adapters.
	Adapters []backend.Adapter
	// Debug installs the decision trace under the state directory.
	Debug bool
	// DebugOnly limits the trace to the named components.
	DebugOnly []string
	// Inspect skips building backend adapters, for read-only commands.
	Inspect bool
}

// System is one fully wired router process. Components are exported for
// the CLI's inspection commands.
type System struct {
	Config   *config.Config
	StateDir string

	DB         *state.DB
	Breaker    *breaker.Breaker
	Governor   *ratelimit.Governor
	Ledger     *budget.Ledger
	Queue      *queue.Queue
	Monitor    *monitor.Monitor
	Health     *health.Probe
	Adapters   *backend.Registry
	Metrics    *metrics.Metrics
	Selector   *selector.Selector
	Dispatcher *dispatch.Dispatcher
	Planner    *plan.Planner
	Executor   *plan.Executor
	Router     *Router

	debug *debuglog.Trace
}

// ResolveStateDir anchors the configured state directory at root.
func ResolveStateDir(cfg *config.Config, root string) string {
	if root == "" {
		root = "."
	}
	dir := cfg.State.Dir
	if dir == "" {
		return state.DefaultDir(root)
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	return dir
}

// Open builds every component from cfg and loads persisted state.
func Open(cfg *config.Config, opts OpenOptions) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	dir := ResolveStateDir(cfg, opts.ProjectRoot)
	s := &System{Config: cfg, StateDir: dir, Metrics: metrics.New()}
	if opts.Debug {
		s.debug = debuglog.OpenForDir(dir, opts.DebugOnly...)
		debuglog.Set(s.debug)
	}

	db, err := state.OpenAndMigrate(state.DBPath(dir))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open state database: %w", err)
	}
	s.DB = db

	if err := s.build(opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *System) build(opts OpenOptions) error {
	cfg := s.Config
	var err error

	s.Breaker, err = breaker.New(cfg.BreakerConfig(), s.snapshot(SnapshotBreaker))
	if err != nil {
		return err
	}
	s.Breaker.OnChange(s.Metrics.ObserveCircuit)

	s.Governor, err = ratelimit.New(cfg.RateConfig(), s.snapshot(SnapshotRate))
	if err != nil {
		return err
	}

	pricer := scoring.NewTablePricer(cfg.PricingTable())
	engine := scoring.NewEngine(pricer)

	s.Ledger, err = budget.NewLedger(cfg.BudgetCaps(), engine, s.snapshot(SnapshotBudget))
	if err != nil {
		return err
	}
	if cfg.Budget.WarningThreshold > 0 {
		s.Ledger.SetWarningThreshold(cfg.Budget.WarningThreshold)
	}

	s.Queue, err = queue.New(cfg.QueueConfig(), s.snapshot(SnapshotQueue), s.snapshot(SnapshotDeadLetters))
	if err != nil {
		return err
	}

	s.Monitor = monitor.New(s.DB)
	s.Health = health.NewProbe(s.Breaker, s.DB)

	s.Adapters = backend.NewRegistry(opts.Adapters...)
	if len(opts.Adapters) == 0 && !opts.Inspect {
		registerAdapters(s.Adapters, cfg, opts.Runner)
	}

	s.Selector = selector.New(cfg.SelectorConfig(), selector.Deps{
		Budget:   s.Ledger,
		Rate:     s.Governor,
		Circuits: s.Breaker,
		Health:   s.Health,
		Adaptive: s.Monitor,
	})
	s.Dispatcher = dispatch.New(dispatch.Deps{
		Adapters: s.Adapters,
		Circuits: s.Breaker,
		Governor: s.Governor,
		History:  s.Monitor,
		Spend:    s.Ledger,
		Observer: s.Metrics,
	})

	classifier := classify.New()
	if path := cfg.Classifier.RulesFile; path != "" {
		if err := classifier.LoadRules(path); err != nil {
			return fmt.Errorf("load classifier rules: %w", err)
		}
	}

	s.Planner = plan.NewPlanner(classifier, engine)
	s.Executor = plan.NewExecutor(cfg.ExecutorConfig(), engine, s.Selector, s.Dispatcher)
	s.Executor.SetObserver(s.Metrics)

	s.Router = New(Deps{
		Classifier: classifier,
		Engine:     engine,
		Selector:   s.Selector,
		Dispatcher: s.Dispatcher,
		Queue:      s.Queue,
		Planner:    s.Planner,
		Executor:   s.Executor,
		Observer:   s.Metrics,
	})
	s.Metrics.ObserveQueue(s.Queue.Stats())
	return nil
}

// snapshot returns the named store on the configured state backend.
func (s *System) snapshot(name string) state.Store {
	if s.Config.State.Backend == "sqlite" {
		return s.DB.Snapshot(name)
	}
	return state.NewFileStore(filepath.Join(s.StateDir, name+".json"))
}

// registerAdapters creates an adapter per configured backend. A backend
// that cannot be built is left out and the dispatcher falls past it.
func registerAdapters(reg *backend.Registry, cfg *config.Config, runner exec.CommandRunner) {
	for name, bc := range cfg.Backends {
		b, ok := models.ParseBackend(name)
		if !ok || b == models.BackendAPI || bc.Command == "" {
			if !ok {
				log.Printf("[router] ignoring unknown backend %q in config", name)
			}
			continue
		}
		reg.Register(backend.NewCLIAdapter(backend.CLIConfig{
			Backend:     b,
			Command:     bc.Command,
			Args:        bc.Args,
			PromptStdin: bc.PromptStdin,
			Env:         bc.Env,
			WorkDir:     bc.WorkDir,
			Timeout:     bc.Timeout,
		}, runner))
	}

	creds, err := config.ResolveCredentials(cfg)
	if err != nil {
		log.Printf("[router] api backend disabled: %v", err)
		return
	}
	api, err := backend.NewAPIAdapter(backend.APIConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        creds.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
		MaxTokens:     cfg.Anthropic.MaxTokens,
		Timeout:       cfg.Anthropic.Timeout,
		Pricing:       cfg.PricingTable()[models.BackendAPI],
	})
	if err != nil {
		log.Printf("[router] api backend disabled: %v", err)
		return
	}
	reg.Register(api)
}

// Collector returns a status collector over this system's components.
func (s *System) Collector() *tui.Collector {
	return &tui.Collector{
		Breaker:    s.Breaker,
		Governor:   s.Governor,
		Ledger:     s.Ledger,
		Health:     s.Health,
		Queue:      s.Queue,
		SignalsDir: queue.SignalsDir(s.StateDir),
	}
}

// Scheduler creates a drip scheduler feeding queued items to the router.
func (s *System) Scheduler() *queue.Scheduler {
	sched := queue.NewScheduler(s.Queue, s.Router.ProcessItem, s.Config.SchedulerConfig())
	sched.OnTick(func(res queue.TickResult) {
		s.Metrics.ObserveTick(res)
		s.Metrics.ObserveQueue(s.Queue.Stats())
	})
	return sched
}

// ApplyRateLimits swaps in new rate limits, for config reloads.
func (s *System) ApplyRateLimits(cfg *config.Config) {
	s.Governor.SetLimits(cfg.RateLimits())
	log.Printf("[router] applied rate limits for %d backends", len(cfg.Rate.Limits))
}

// Close releases the database and debug log.
func (s *System) Close() error {
	var errs []error
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	if s.debug != nil {
		debuglog.Set(nil)
		errs = append(errs, s.debug.Close())
	}
	return errors.Join(errs...)
}
