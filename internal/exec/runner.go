package exec

import (
	"bytes"
	"context"
	"errors"
	"os"
	osexec "os/exec"
	"strings"
	"time"
)

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewRunner returns an os/exec backed runner.
func NewRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run starts cmd, feeds Stdin and collects both output streams. The
// process is killed when ctx is done.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Output, error) {
	c := osexec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	out := Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if c.ProcessState != nil {
		out.ExitCode = c.ProcessState.ExitCode()
	}
	if err != nil && ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, err
}

// LookPath resolves name against PATH.
func (r *ExecRunner) LookPath(name string) (string, error) {
	return osexec.LookPath(name)
}

// ExitCode extracts a process exit status from err, or -1.
func ExitCode(err error) int {
	var ee *osexec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

var _ CommandRunner = (*ExecRunner)(nil)
