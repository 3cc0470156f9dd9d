package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/switchyard/internal/exec"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// CLIConfig configures a command-line agent backend.
type CLIConfig struct {
	Backend models.Backend
	Command string
	// Args precede the prompt, which is passed as the final argument
	// unless PromptStdin is set.
	Args        []string
	PromptStdin bool
	Env         []string
	WorkDir     string
	Timeout     time.Duration
}

// CLIAdapter runs a task by invoking an agent binary with the prompt.
type CLIAdapter struct {
	cfg    CLIConfig
	runner exec.CommandRunner
}

// NewCLIAdapter creates an adapter. A nil runner uses os/exec.
func NewCLIAdapter(cfg CLIConfig, runner exec.CommandRunner) *CLIAdapter {
	if runner == nil {
		runner = exec.NewRunner()
	}
	return &CLIAdapter{cfg: cfg, runner: runner}
}

// Backend returns the configured backend.
func (a *CLIAdapter) Backend() models.Backend {
	return a.cfg.Backend
}

// ExecuteTask runs the command and returns its stdout. Failures carry the
// last line of stderr, or of stdout when stderr is empty.
func (a *CLIAdapter) ExecuteTask(ctx context.Context, task models.Task) (*models.ExecutionResult, error) {
	if a.cfg.Command == "" {
		return nil, &Error{Backend: a.cfg.Backend, Kind: KindOther, ShouldFallback: true,
			Err: fmt.Errorf("no command configured")}
	}
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	prompt := Prompt(task)
	cmd := exec.Command{
		Name: a.cfg.Command,
		Args: append([]string(nil), a.cfg.Args...),
		Dir:  a.cfg.WorkDir,
		Env:  a.cfg.Env,
	}
	if a.cfg.PromptStdin {
		cmd.Stdin = prompt
	} else {
		cmd.Args = append(cmd.Args, prompt)
	}

	out, err := a.runner.Run(ctx, cmd)
	output := strings.TrimSpace(string(out.Stdout))

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Backend: a.cfg.Backend, Kind: KindTimeout, ShouldFallback: true,
				Err: fmt.Errorf("%s timed out after %v", a.cfg.Command, a.cfg.Timeout)}
		}
		detail := lastLine(strings.TrimSpace(string(out.Stderr)))
		if detail == "" {
			detail = lastLine(output)
		}
		if rateLimited(detail) {
			return nil, &Error{Backend: a.cfg.Backend, Kind: KindRateLimited, ShouldFallback: true,
				Err: fmt.Errorf("%s exited %d: %s", a.cfg.Command, out.ExitCode, detail)}
		}
		return nil, fmt.Errorf("run %s: %w: %s", a.cfg.Command, err, detail)
	}

	return &models.ExecutionResult{
		Backend:    a.cfg.Backend,
		Success:    true,
		Duration:   out.Duration,
		Tokens:     (len(prompt) + len(output)) / 4,
		OutputPath: task.OutputPath,
		Response:   output,
	}, nil
}

func rateLimited(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{"rate limit", "too many requests", "429", "usage limit"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
