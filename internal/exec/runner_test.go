package exec

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func requireSh(t *testing.T, r *ExecRunner) {
	t.Helper()
	if _, err := r.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunner_Run(t *testing.T) {
	r := NewRunner()
	requireSh(t, r)

	tests := []struct {
		name       string
		cmd        Command
		wantStdout string
		wantStderr string
		wantExit   int
		wantErr    bool
	}{
		{
			name:       "stdout",
			cmd:        Command{Name: "sh", Args: []string{"-c", "echo routed"}},
			wantStdout: "routed",
		},
		{
			name:       "stdin is piped",
			cmd:        Command{Name: "sh", Args: []string{"-c", "cat"}, Stdin: "prompt text"},
			wantStdout: "prompt text",
		},
		{
			name:       "env is appended",
			cmd:        Command{Name: "sh", Args: []string{"-c", "echo $SWITCHYARD_TEST"}, Env: []string{"SWITCHYARD_TEST=yes"}},
			wantStdout: "yes",
		},
		{
			name:       "stderr and exit code on failure",
			cmd:        Command{Name: "sh", Args: []string{"-c", "echo busy >&2; exit 3"}},
			wantStderr: "busy",
			wantExit:   3,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cmd.Dir = t.TempDir()
			out, err := r.Run(context.Background(), tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := strings.TrimSpace(string(out.Stdout)); got != tt.wantStdout {
				t.Errorf("stdout = %q, want %q", got, tt.wantStdout)
			}
			if got := strings.TrimSpace(string(out.Stderr)); got != tt.wantStderr {
				t.Errorf("stderr = %q, want %q", got, tt.wantStderr)
			}
			if out.ExitCode != tt.wantExit {
				t.Errorf("exit code = %d, want %d", out.ExitCode, tt.wantExit)
			}
			if tt.wantErr && ExitCode(err) != tt.wantExit {
				t.Errorf("ExitCode(err) = %d, want %d", ExitCode(err), tt.wantExit)
			}
		})
	}
}

func TestExecRunner_RunHonoursCancel(t *testing.T) {
	r := NewRunner()
	if _, err := r.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, Command{Name: "sleep", Args: []string{"5"}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(errors.New("plain")); got != -1 {
		t.Errorf("ExitCode(plain) = %d, want -1", got)
	}
}
