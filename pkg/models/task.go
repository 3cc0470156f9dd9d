package models

import (
	"fmt"
	"sort"
	"strings"
)

// Urgency expresses how soon a caller needs a task done.
type Urgency string

const (
	UrgencyImmediate  Urgency = "immediate"
	UrgencyHigh       Urgency = "high"
	UrgencyNormal     Urgency = "normal"
	UrgencyLow        Urgency = "low"
	UrgencyBackground Urgency = "background"
)

// Valid returns true if the urgency is a known value.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyImmediate, UrgencyHigh, UrgencyNormal, UrgencyLow, UrgencyBackground:
		return true
	default:
		return false
	}
}

// TaskType is the coarse category of work a task represents.
type TaskType string

const (
	TaskTypeCode     TaskType = "code"
	TaskTypeRefactor TaskType = "refactor"
	TaskTypeTest     TaskType = "test"
	TaskTypeResearch TaskType = "research"
	TaskTypeReview   TaskType = "review"
	TaskTypeDocs     TaskType = "docs"
	TaskTypeGeneral  TaskType = "general"
)

// Valid returns true if the task type is a known value.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeCode, TaskTypeRefactor, TaskTypeTest, TaskTypeResearch,
		TaskTypeReview, TaskTypeDocs, TaskTypeGeneral:
		return true
	default:
		return false
	}
}

// Complexity bounds.
const (
	MinComplexity     = 1
	MaxComplexity     = 10
	DefaultComplexity = 5
)

// Task represents a unit of requested work.
// A Task is normalized once by Normalize and treated as immutable afterwards;
// only the admission queue annotates its own copy (see QueueItem).
type Task struct {
	// Description is the free-text statement of the work.
	Description string `json:"description"`
	// Type is the category of work.
	Type TaskType `json:"type"`
	// Urgency is how soon the work is needed.
	Urgency Urgency `json:"urgency"`
	// Complexity is a 1-10 difficulty estimate.
	Complexity int `json:"complexity"`
	// ToolsNeeded is the set of tool capabilities the task requires.
	ToolsNeeded []string `json:"tools_needed,omitempty"`
	// Files lists the files the task touches, in caller order.
	Files []string `json:"files,omitempty"`
	// OutputPath is where the backend should write its output, if anywhere.
	OutputPath string `json:"output_path,omitempty"`
	// ForceBackend pins the task to a backend, bypassing selection rules.
	ForceBackend Backend `json:"force_backend,omitempty"`
	// Metadata carries caller-defined annotations.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ValidationError reports a malformed task or plan. It is fatal and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Normalize fills defaults, clamps complexity and deduplicates tools.
// It returns a ValidationError for input that cannot be repaired.
func (t *Task) Normalize() error {
	t.Description = strings.TrimSpace(t.Description)
	if t.Description == "" {
		return &ValidationError{Field: "description", Message: "must not be empty"}
	}

	if t.Type == "" {
		t.Type = TaskTypeGeneral
	}
	if !t.Type.Valid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown task type %q", t.Type)}
	}

	if t.Urgency == "" {
		t.Urgency = UrgencyNormal
	}
	if !t.Urgency.Valid() {
		return &ValidationError{Field: "urgency", Message: fmt.Sprintf("unknown urgency %q", t.Urgency)}
	}

	if t.ForceBackend != "" && !t.ForceBackend.Valid() {
		return &ValidationError{Field: "force_backend", Message: fmt.Sprintf("unknown backend %q", t.ForceBackend)}
	}

	switch {
	case t.Complexity == 0:
		t.Complexity = DefaultComplexity
	case t.Complexity < MinComplexity:
		t.Complexity = MinComplexity
	case t.Complexity > MaxComplexity:
		t.Complexity = MaxComplexity
	}

	t.ToolsNeeded = normalizeSet(t.ToolsNeeded)

	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	return nil
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	c := t
	c.ToolsNeeded = append([]string(nil), t.ToolsNeeded...)
	c.Files = append([]string(nil), t.Files...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// HasTool reports whether the task requires the named tool.
func (t Task) HasTool(name string) bool {
	name = strings.ToLower(name)
	for _, tool := range t.ToolsNeeded {
		if tool == name {
			return true
		}
	}
	return false
}

// normalizeSet lowercases, trims, deduplicates and sorts a string set.
func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
