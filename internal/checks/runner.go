package checks

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, argv []string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by exec'ing argv directly (no shell).
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, argv []string) (string, string, int, error) {
	if len(argv) == 0 {
		return "", "", -1, fmt.Errorf("exec: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	// Give the process a moment to flush after the context kills it.
	cmd.WaitDelay = 2 * time.Second

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec %s: %w", argv[0], err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// invocation is the raw outcome of running one tool command.
type invocation struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMs int
	TimedOut   bool
	Err        error // spawn failure; exit codes are not errors
}

// combined joins stdout and stderr the way a terminal would show them.
func (i invocation) combined() string {
	out := i.Stdout
	if i.Stderr != "" {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += i.Stderr
	}
	return out
}

// invoke runs argv in dir with a timeout and never returns a Go error:
// timeouts and spawn failures are reported inside the invocation.
func invoke(ctx context.Context, cmd CommandRunner, dir string, argv []string, timeout time.Duration) invocation {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := cmd.Run(ctx, dir, argv)
	inv := invocation{
		Stdout:     stdout,
		Stderr:     stderr,
		ExitCode:   exitCode,
		DurationMs: int(time.Since(start).Milliseconds()),
	}
	if ctx.Err() == context.DeadlineExceeded {
		inv.TimedOut = true
		inv.ExitCode = -1
		inv.Err = fmt.Errorf("timeout after %s running %s", timeout, strings.Join(argv, " "))
		return inv
	}
	if err != nil {
		inv.ExitCode = -1
		inv.Err = err
	}
	return inv
}

// ExpandArgs substitutes {name} placeholders in each argument.
func ExpandArgs(argv []string, vars map[string]string) []string {
	out := make([]string, 0, len(argv))
	for _, a := range argv {
		for k, v := range vars {
			a = strings.ReplaceAll(a, "{"+k+"}", v)
		}
		out = append(out, a)
	}
	return out
}
