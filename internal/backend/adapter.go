// Package backend defines the adapter contract the dispatcher calls and the
// concrete adapters for the Anthropic API and command-line agents.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Kind is an adapter's hint about why a call failed.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindOther       Kind = "other"
)

// Error is a rejection carrying classification hints for the dispatcher.
type Error struct {
	Backend models.Backend
	Kind    Kind
	// ShouldFallback tells the dispatcher another backend may succeed.
	ShouldFallback bool
	// RetryAfter is the backend's requested pause, if it sent one.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s backend %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts a backend Error from err.
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Adapter executes a task on one backend.
type Adapter interface {
	Backend() models.Backend
	ExecuteTask(ctx context.Context, task models.Task) (*models.ExecutionResult, error)
}

// Func adapts a function into an Adapter.
type Func struct {
	Name models.Backend
	Fn   func(ctx context.Context, task models.Task) (*models.ExecutionResult, error)
}

// Backend returns the adapter's backend.
func (f Func) Backend() models.Backend { return f.Name }

// ExecuteTask calls the wrapped function.
func (f Func) ExecuteTask(ctx context.Context, task models.Task) (*models.ExecutionResult, error) {
	return f.Fn(ctx, task)
}

// Registry maps backends to their adapters.
type Registry struct {
	adapters map[models.Backend]Adapter
}

// NewRegistry creates a registry from adapters, keyed by their Backend.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Backend]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Backend()] = a
}

// Get returns the adapter for backend.
func (r *Registry) Get(backend models.Backend) (Adapter, bool) {
	a, ok := r.adapters[backend]
	return a, ok
}

// Backends lists registered backends in sorted order.
func (r *Registry) Backends() []models.Backend {
	out := make([]models.Backend, 0, len(r.adapters))
	for b := range r.adapters {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Prompt renders a task as the instruction text sent to a backend.
func Prompt(task models.Task) string {
	var sb strings.Builder
	sb.WriteString(task.Description)
	if len(task.Files) > 0 {
		sb.WriteString("\n\nFiles:\n")
		for _, f := range task.Files {
			sb.WriteString("- ")
			sb.WriteString(f)
			sb.WriteString("\n")
		}
	}
	if task.OutputPath != "" {
		sb.WriteString("\nWrite the result to ")
		sb.WriteString(task.OutputPath)
		sb.WriteString("\n")
	}
	return sb.String()
}
