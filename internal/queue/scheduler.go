package queue

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// ProcessFunc executes a dequeued item. A returned error sends the item
// back through MarkFailed.
type ProcessFunc func(ctx context.Context, item *Item) error

// SchedulerConfig sets the drip cadence.
type SchedulerConfig struct {
	// MinInterval and MaxInterval bound the randomized drip interval.
	MinInterval time.Duration
	MaxInterval time.Duration
	// CriticalInterval is how often critical items are drained.
	CriticalInterval time.Duration
}

// DefaultSchedulerConfig returns the standard drip cadence.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MinInterval:      5 * time.Minute,
		MaxInterval:      15 * time.Minute,
		CriticalInterval: time.Minute,
	}
}

// TickResult reports what a drip tick did.
type TickResult string

const (
	TickProcessed TickResult = "processed"
	TickFailed    TickResult = "failed"
	TickEmpty     TickResult = "empty"
	TickSkipped   TickResult = "skipped"
	TickPaused    TickResult = "paused"
)

// Scheduler drains the queue one item per randomized tick, with a separate
// fast path for critical items. Overlapping drip ticks are skipped.
type Scheduler struct {
	q       *Queue
	process ProcessFunc
	cfg     SchedulerConfig

	running         atomic.Bool
	criticalRunning atomic.Bool
	paused          atomic.Bool

	rngMu sync.Mutex
	rng   *rand.Rand

	stopOnce sync.Once
	stop     chan struct{}
	onTick   func(TickResult)
}

// NewScheduler creates a scheduler over q.
func NewScheduler(q *Queue, process ProcessFunc, cfg SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	if cfg.CriticalInterval <= 0 {
		cfg.CriticalInterval = def.CriticalInterval
	}
	return &Scheduler{
		q:       q,
		process: process,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:    make(chan struct{}),
	}
}

// OnTick registers a callback invoked after each drip tick.
func (s *Scheduler) OnTick(fn func(TickResult)) {
	s.onTick = fn
}

// Pause stops drip ticks from dequeuing until Resume.
func (s *Scheduler) Pause() {
	if !s.paused.Swap(true) {
		log.Printf("[queue] drip scheduler paused")
	}
}

// Resume re-enables drip ticks.
func (s *Scheduler) Resume() {
	if s.paused.Swap(false) {
		log.Printf("[queue] drip scheduler resumed")
	}
}

// Paused reports whether drip ticks are suspended.
func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// Stop ends Run. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// NextInterval draws the next drip delay from [MinInterval, MaxInterval].
func (s *Scheduler) NextInterval() time.Duration {
	span := s.cfg.MaxInterval - s.cfg.MinInterval
	if span <= 0 {
		return s.cfg.MinInterval
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.cfg.MinInterval + time.Duration(s.rng.Int63n(int64(span)+1))
}

// Tick performs one drip: dequeue at most one ready item and execute it.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	res := s.tick(ctx)
	if s.onTick != nil {
		s.onTick(res)
	}
	return res
}

func (s *Scheduler) tick(ctx context.Context) TickResult {
	if s.paused.Load() {
		return TickPaused
	}
	if !s.running.CompareAndSwap(false, true) {
		return TickSkipped
	}
	defer s.running.Store(false)

	item := s.q.ProcessNext()
	if item == nil {
		return TickEmpty
	}
	if s.run(ctx, item) {
		return TickProcessed
	}
	return TickFailed
}

// DrainCritical executes every ready critical item regardless of the drip
// cadence or pause state. It returns how many items it dequeued.
func (s *Scheduler) DrainCritical(ctx context.Context) int {
	if !s.criticalRunning.CompareAndSwap(false, true) {
		return 0
	}
	defer s.criticalRunning.Store(false)

	n := 0
	for ctx.Err() == nil {
		item := s.q.ProcessNextCritical()
		if item == nil {
			break
		}
		n++
		s.run(ctx, item)
	}
	return n
}

func (s *Scheduler) run(ctx context.Context, item *Item) bool {
	if err := s.process(ctx, item); err != nil {
		s.q.MarkFailed(item, err)
		return false
	}
	return true
}

// Run drives the drip and critical timers until ctx is done or Stop is
// called. Drip ticks run in the background so the critical check keeps its
// cadence during long executions.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	drip := time.NewTimer(s.NextInterval())
	defer drip.Stop()
	critical := time.NewTicker(s.cfg.CriticalInterval)
	defer critical.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			log.Printf("[queue] drip scheduler stopped")
			return nil
		case <-critical.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.DrainCritical(ctx)
			}()
		case <-drip.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Tick(ctx)
			}()
			drip.Reset(s.NextInterval())
		}
	}
}
