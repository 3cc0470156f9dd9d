// Package monitor keeps execution history and derives adaptive suitability
// scores per backend and task type.
package monitor

import (
	"log"
	"time"

	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// NeutralScore is returned when there is not enough history to judge.
const NeutralScore = 50.0

// Monitor records outcomes and scores backends from them.
type Monitor struct {
	store      state.OutcomeStore
	window     int
	minSamples int
	// reference is the duration at which the speed component reaches zero.
	reference time.Duration
}

// New creates a Monitor over an outcome store.
func New(store state.OutcomeStore) *Monitor {
	return &Monitor{
		store:      store,
		window:     50,
		minSamples: 3,
		reference:  5 * time.Minute,
	}
}

// RecordResult stores one execution outcome.
func (m *Monitor) RecordResult(backend models.Backend, task models.Task, success bool, duration time.Duration, tokens int) {
	if m == nil || m.store == nil {
		return
	}
	err := m.store.RecordOutcome(state.Outcome{
		Backend:  string(backend),
		TaskType: string(task.Type),
		Success:  success,
		Duration: duration,
		Tokens:   tokens,
	})
	if err != nil {
		log.Printf("[monitor] failed to record outcome for %s: %v", backend, err)
	}
}

// AdaptiveScore returns a 0-100 suitability score: 70 points for success
// rate and 30 for speed over the most recent outcomes of this task type.
func (m *Monitor) AdaptiveScore(backend models.Backend, task models.Task) float64 {
	if m == nil || m.store == nil {
		return NeutralScore
	}
	outcomes, err := m.store.RecentOutcomes(string(backend), string(task.Type), m.window)
	if err != nil {
		log.Printf("[monitor] failed to read history for %s: %v", backend, err)
		return NeutralScore
	}
	if len(outcomes) < m.minSamples {
		return NeutralScore
	}

	var successes int
	var total time.Duration
	for _, o := range outcomes {
		if o.Success {
			successes++
		}
		total += o.Duration
	}
	rate := float64(successes) / float64(len(outcomes))
	avg := total / time.Duration(len(outcomes))

	speed := 1 - float64(avg)/float64(m.reference)
	if speed < 0 {
		speed = 0
	}
	if speed > 1 {
		speed = 1
	}
	return 70*rate + 30*speed
}
