package checks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// CommandRunner abstracts command execution for testability. Combined
// stdout/stderr is written to out as it is produced.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string, out io.Writer) (exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out to sh -c.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string, out io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	// One writer for both streams keeps the interleaving the terminal would show.
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("exec: %w", err)
	}
	return 0, nil
}

// Gate is one verification command.
type Gate struct {
	Name    string
	Command string
	Timeout time.Duration // 0 means no timeout
}

// Result is the outcome of a single gate command.
type Result struct {
	Gate       string `json:"gate"`
	Position   int    `json:"position"`
	Passed     bool   `json:"passed"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int    `json:"duration_ms"`
	Summary    string `json:"summary"`
}

// Runner executes gates sequentially.
type Runner struct {
	cmd    CommandRunner
	live   io.Writer
	logger *zap.Logger
}

// NewRunner creates a Runner. live receives command output as it streams;
// nil discards it.
func NewRunner(cmd CommandRunner, live io.Writer, logger *zap.Logger) *Runner {
	if live == nil {
		live = io.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cmd: cmd, live: live, logger: logger}
}

// runOnce executes one gate, teeing its output into log.
func (r *Runner) runOnce(ctx context.Context, dir string, g Gate, position int, log io.Writer) (*Result, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	fmt.Fprintf(log, "\n$ %s\n", g.Command)
	fmt.Fprintf(r.live, "\n$ %s\n", g.Command)

	start := time.Now()
	exitCode, err := r.cmd.Run(ctx, dir, g.Command, io.MultiWriter(r.live, log))
	durationMs := int(time.Since(start).Milliseconds())

	if g.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		fmt.Fprintf(log, "[%s timed out after %s]\n", g.Name, g.Timeout)
		return &Result{
			Gate:       g.Name,
			Position:   position,
			ExitCode:   -1,
			DurationMs: durationMs,
			Summary:    fmt.Sprintf("timeout after %s", g.Timeout),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("run gate %q: %w", g.Name, err)
	}

	res := &Result{
		Gate:       g.Name,
		Position:   position,
		Passed:     exitCode == 0,
		ExitCode:   exitCode,
		DurationMs: durationMs,
		Summary:    "passed (exit code 0)",
	}
	if !res.Passed {
		res.Summary = fmt.Sprintf("exit code %d", exitCode)
	}
	return res, nil
}
