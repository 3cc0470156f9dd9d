// Package queue implements the persistent priority admission queue, its
// dead-letter store and the drip scheduler that drains it.
package queue

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

var (
	// ErrNotFound is returned when no active item has the given ID.
	ErrNotFound = errors.New("queue item not found")
	// ErrNotInDeadLetter is returned when no dead letter has the given ID.
	ErrNotInDeadLetter = errors.New("dead letter not found")
)

// Item is a queued task. The queue owns and mutates it.
type Item struct {
	ID           string      `json:"id"`
	Task         models.Task `json:"task"`
	Priority     int         `json:"priority"`
	PriorityName Priority    `json:"priority_name"`
	EnqueuedAt   time.Time   `json:"enqueued_at"`
	Retries      int         `json:"retries"`
	LastError    string      `json:"last_error,omitempty"`
	ScheduledFor *time.Time  `json:"scheduled_for,omitempty"`
	// PreferredBackend is set when overflow handling forces the item onto
	// the free backend.
	PreferredBackend models.Backend `json:"preferred_backend,omitempty"`
	// Seq breaks ordering ties between items enqueued at the same instant.
	Seq uint64 `json:"seq"`
}

// Ready reports whether the item may be dispatched at now.
func (it *Item) Ready(now time.Time) bool {
	return it.ScheduledFor == nil || !it.ScheduledFor.After(now)
}

// Downgraded reports whether overflow handling forced this item local.
func (it *Item) Downgraded() bool {
	return it.PreferredBackend != ""
}

// DispatchTask returns the task with any queue override applied.
func (it *Item) DispatchTask() models.Task {
	t := it.Task.Clone()
	if it.PreferredBackend != "" {
		t.ForceBackend = it.PreferredBackend
	}
	return t
}

// DeadLetter is the terminal snapshot of an item that exhausted its retries.
type DeadLetter struct {
	Item       Item      `json:"item"`
	FinalError string    `json:"final_error"`
	DeadAt     time.Time `json:"dead_at"`
}

// Config sizes the queue and its retry policy.
type Config struct {
	// MaxSize is the length past which overflow downgrading starts.
	MaxSize int
	// OverflowDowngrade is how many lower-priority items are forced local
	// per overflowing enqueue.
	OverflowDowngrade int
	MaxRetries        int
	// BackoffBase is multiplied by 2^retries to schedule a retry.
	BackoffBase    time.Duration
	MaxDeadLetters int
}

// DefaultConfig returns the standard queue settings.
func DefaultConfig() Config {
	return Config{
		MaxSize:           100,
		OverflowDowngrade: 3,
		MaxRetries:        3,
		BackoffBase:       time.Minute,
		MaxDeadLetters:    100,
	}
}

// Stats summarizes queue contents.
type Stats struct {
	Total       int
	Ready       int
	Scheduled   int
	Downgraded  int
	DeadLetters int
	ByPriority  map[Priority]int
}

type queueSnapshot struct {
	Items []*Item `json:"items"`
	Seq   uint64  `json:"seq"`
}

type deadSnapshot struct {
	DeadLetters []*DeadLetter `json:"dead_letters"`
}

// Queue is ordered by priority descending then enqueue time ascending.
// Both the backlog and the dead letters are written through on every change.
type Queue struct {
	cfg       Config
	items     []*Item
	dead      []*DeadLetter
	seq       uint64
	store     state.Store
	deadStore state.Store
	now       func() time.Time
	mu        sync.Mutex
}

// New creates a queue and loads any persisted backlog and dead letters.
// Nil stores keep state in memory only.
func New(cfg Config, store, deadStore state.Store) (*Queue, error) {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.OverflowDowngrade < 0 {
		cfg.OverflowDowngrade = 0
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.MaxDeadLetters <= 0 {
		cfg.MaxDeadLetters = def.MaxDeadLetters
	}

	q := &Queue{cfg: cfg, store: store, deadStore: deadStore, now: time.Now}

	if store != nil {
		var snap queueSnapshot
		found, err := store.Load(&snap)
		if err != nil {
			return nil, fmt.Errorf("load queue: %w", err)
		}
		if found {
			q.items = snap.Items
			q.seq = snap.Seq
			q.sortLocked()
		}
	}
	if deadStore != nil {
		var snap deadSnapshot
		found, err := deadStore.Load(&snap)
		if err != nil {
			return nil, fmt.Errorf("load dead letters: %w", err)
		}
		if found {
			q.dead = snap.DeadLetters
		}
	}
	return q, nil
}

// SetClock overrides the time source. Intended for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue adds a task at the given priority. When the queue is full, up to
// OverflowDowngrade of the lowest items below the incoming priority are
// forced onto the local backend; nothing is rejected.
func (q *Queue) Enqueue(task models.Task, priority Priority) (*Item, error) {
	if err := task.Normalize(); err != nil {
		return nil, err
	}
	if _, ok := PriorityValues[priority]; !ok {
		return nil, &models.ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", priority)}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	item := &Item{
		ID:           uuid.New().String(),
		Task:         task,
		Priority:     priority.Value(),
		PriorityName: priority,
		EnqueuedAt:   q.now(),
	}

	if len(q.items) >= q.cfg.MaxSize {
		if n := q.downgradeLocked(item.Priority); n > 0 {
			log.Printf("[queue] overflow at %d items: forced %d lower-priority items to %s",
				len(q.items), n, models.BackendLocal)
		}
	}

	q.insertLocked(item)
	q.persistLocked()
	cp := *item
	return &cp, nil
}

// downgradeLocked forces the lowest-priority items strictly below incoming
// onto the free backend, newest first within a level.
func (q *Queue) downgradeLocked(incoming int) int {
	var candidates []*Item
	for _, it := range q.items {
		if it.Priority < incoming && !it.Downgraded() && !it.Task.ForceBackend.IsFree() {
			candidates = append(candidates, it)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].Seq > candidates[j].Seq
	})
	n := q.cfg.OverflowDowngrade
	if n > len(candidates) {
		n = len(candidates)
	}
	for _, it := range candidates[:n] {
		it.PreferredBackend = models.BackendLocal
	}
	return n
}

func (q *Queue) insertLocked(item *Item) {
	q.seq++
	item.Seq = q.seq
	q.items = append(q.items, item)
	q.sortLocked()
}

func (q *Queue) sortLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		a, b := q.items[i], q.items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.Seq < b.Seq
	})
}

// ProcessNext removes and returns the next ready item: critical items
// first, then the highest-priority oldest item whose schedule has passed.
// It returns nil when nothing is ready.
func (q *Queue) ProcessNext() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked(func(*Item) bool { return true })
}

// ProcessNextCritical is ProcessNext restricted to critical items.
func (q *Queue) ProcessNextCritical() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked(func(it *Item) bool { return it.PriorityName == PriorityCritical })
}

func (q *Queue) takeLocked(match func(*Item) bool) *Item {
	now := q.now()
	for i, it := range q.items {
		if !match(it) || !it.Ready(now) {
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		q.persistLocked()
		return it
	}
	return nil
}

// MarkFailed records a failed dispatch of an item previously returned by
// ProcessNext. The item is rescheduled with exponential backoff, or moved to
// the dead letters once it has failed MaxRetries times. It reports whether
// the item was requeued.
func (q *Queue) MarkFailed(item *Item, cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	item.Retries++
	if cause != nil {
		item.LastError = cause.Error()
	}

	if item.Retries >= q.cfg.MaxRetries {
		q.dead = append(q.dead, &DeadLetter{Item: *item, FinalError: item.LastError, DeadAt: now})
		if over := len(q.dead) - q.cfg.MaxDeadLetters; over > 0 {
			q.dead = q.dead[over:]
		}
		log.Printf("[queue] %s dead-lettered after %d attempts: %s", item.ID, item.Retries, item.LastError)
		q.persistDeadLocked()
		q.removeLocked(item.ID)
		q.persistLocked()
		return false
	}

	at := now.Add(q.backoff(item.Retries))
	item.ScheduledFor = &at
	q.removeLocked(item.ID)
	q.insertLocked(item)
	q.persistLocked()
	log.Printf("[queue] %s retry %d/%d scheduled for %s", item.ID, item.Retries, q.cfg.MaxRetries, at.Format(time.RFC3339))
	return true
}

// backoff returns BackoffBase * 2^retries.
func (q *Queue) backoff(retries int) time.Duration {
	return time.Duration(float64(q.cfg.BackoffBase) * math.Pow(2, float64(retries)))
}

func (q *Queue) removeLocked(id string) bool {
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Remove cancels a not-yet-dispatched item.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.removeLocked(id) {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	q.persistLocked()
	return nil
}

// Resurrect replays a dead letter as a brand-new item with no retries.
func (q *Queue) Resurrect(id string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, d := range q.dead {
		if d.Item.ID != id {
			continue
		}
		q.dead = append(q.dead[:i], q.dead[i+1:]...)
		item := &Item{
			ID:           uuid.New().String(),
			Task:         d.Item.Task.Clone(),
			Priority:     d.Item.Priority,
			PriorityName: d.Item.PriorityName,
			EnqueuedAt:   q.now(),
		}
		q.insertLocked(item)
		q.persistDeadLocked()
		q.persistLocked()
		cp := *item
		return &cp, nil
	}
	return nil, fmt.Errorf("resurrect %s: %w", id, ErrNotInDeadLetter)
}

// Get returns a copy of an active item.
func (q *Queue) Get(id string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.ID == id {
			return *it, nil
		}
	}
	return Item{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
}

// List returns copies of active items in dispatch order.
func (q *Queue) List() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}

// DeadLetters returns copies of the dead letters, oldest first.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	for i, d := range q.dead {
		out[i] = *d
	}
	return out
}

// Len returns the number of active items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats summarizes the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	s := Stats{Total: len(q.items), DeadLetters: len(q.dead), ByPriority: make(map[Priority]int)}
	for _, it := range q.items {
		s.ByPriority[it.PriorityName]++
		if it.Ready(now) {
			s.Ready++
		} else {
			s.Scheduled++
		}
		if it.Downgraded() {
			s.Downgraded++
		}
	}
	return s
}

func (q *Queue) persistLocked() {
	if q.store == nil {
		return
	}
	if err := q.store.Save(queueSnapshot{Items: q.items, Seq: q.seq}); err != nil {
		log.Printf("[queue] failed to persist queue: %v", err)
	}
}

func (q *Queue) persistDeadLocked() {
	if q.deadStore == nil {
		return
	}
	if err := q.deadStore.Save(deadSnapshot{DeadLetters: q.dead}); err != nil {
		log.Printf("[queue] failed to persist dead letters: %v", err)
	}
}
