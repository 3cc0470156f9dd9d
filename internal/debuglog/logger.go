// Package debuglog provides the file-backed decision trace used by the
// routing components. Each package takes a tracer with For and nothing is
// written until a Trace is installed with Set.
package debuglog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FileName is the trace file under <stateDir>/logs.
const FileName = "decisions.log"

var (
	current   *Trace
	currentMu sync.RWMutex
)

// Set installs the process-wide trace. Passing nil disables tracing.
func Set(t *Trace) {
	currentMu.Lock()
	defer currentMu.Unlock()
	current = t
}

// For returns a printf-style tracer that tags every line with component.
func For(component string) func(format string, args ...any) {
	return func(format string, args ...any) {
		currentMu.RLock()
		t := current
		currentMu.RUnlock()
		t.Emit(component, fmt.Sprintf(format, args...))
	}
}

// Trace writes one logfmt line per event:
//
//	ts=15:04:05.000 component=selector msg="..."
//
// When a component filter is set, events from other components are dropped.
type Trace struct {
	mu   sync.Mutex
	w    io.Writer
	c    io.Closer
	only map[string]bool
	now  func() time.Time
}

// New returns a trace writing to w. Components, when given, restrict the
// trace to those names.
func New(w io.Writer, components ...string) *Trace {
	t := &Trace{w: w, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		t.c = c
	}
	for _, name := range components {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		if t.only == nil {
			t.only = make(map[string]bool)
		}
		t.only[name] = true
	}
	return t
}

// Open appends to the trace file at path, creating its directory.
func Open(path string, components ...string) (*Trace, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	t := New(f, components...)
	t.Emit("trace", "started "+time.Now().Format(time.RFC3339))
	return t, nil
}

// OpenForDir opens <stateDir>/logs/decisions.log. A trace that cannot be
// opened is returned as nil, which discards everything.
func OpenForDir(stateDir string, components ...string) *Trace {
	t, err := Open(filepath.Join(stateDir, "logs", FileName), components...)
	if err != nil {
		return nil
	}
	return t
}

// Enabled reports whether events from component are written.
func (t *Trace) Enabled(component string) bool {
	if t == nil || t.w == nil {
		return false
	}
	return t.only == nil || t.only[component] || component == "trace"
}

// Emit writes msg for component. Safe on a nil trace.
func (t *Trace) Emit(component, msg string) {
	if !t.Enabled(component) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "ts=%s component=%s msg=%s\n", t.now().Format("15:04:05.000"), component, strconv.Quote(msg))
	if f, ok := t.w.(*os.File); ok {
		f.Sync()
	}
}

// Close closes the underlying writer when it is closable.
func (t *Trace) Close() error {
	if t == nil || t.c == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c.Close()
}
