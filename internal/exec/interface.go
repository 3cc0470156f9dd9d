// Package exec runs the external agent binaries behind CLI backends.
package exec

import (
	"context"
	"time"
)

// Command is one agent invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory; empty inherits the caller's.
	Dir string
	// Stdin is written to the process and then closed. Empty means no input.
	Stdin string
	// Env entries are appended to the caller's environment.
	Env []string
}

// Output is what a finished process produced. ExitCode is -1 when the
// process never started or was killed.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// CommandRunner starts agent processes. Tests substitute a fake.
type CommandRunner interface {
	// Run executes cmd and waits for it. A non-zero exit is an error, and
	// Output is still filled in.
	Run(ctx context.Context, cmd Command) (Output, error)

	// LookPath resolves a command name to an executable path.
	LookPath(name string) (string, error)
}
