package queue

import (
	"strings"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Priority names a queue priority level.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// PriorityValues maps names to the numeric priority used for ordering.
var PriorityValues = map[Priority]int{
	PriorityCritical:   100,
	PriorityHigh:       75,
	PriorityNormal:     50,
	PriorityLow:        25,
	PriorityBackground: 10,
}

// Value returns the numeric priority, treating unknown names as normal.
func (p Priority) Value() int {
	if v, ok := PriorityValues[p]; ok {
		return v
	}
	return PriorityValues[PriorityNormal]
}

// ParsePriority parses a priority name case-insensitively.
func ParsePriority(s string) (Priority, bool) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	_, ok := PriorityValues[p]
	return p, ok
}

// PriorityForUrgency derives a queue priority from task urgency.
func PriorityForUrgency(u models.Urgency) Priority {
	switch u {
	case models.UrgencyImmediate:
		return PriorityCritical
	case models.UrgencyHigh:
		return PriorityHigh
	case models.UrgencyLow:
		return PriorityLow
	case models.UrgencyBackground:
		return PriorityBackground
	default:
		return PriorityNormal
	}
}
