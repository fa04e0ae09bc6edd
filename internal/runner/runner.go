// Package runner executes maintenance modules as isolated child processes.
//
// A module that runs and exits non-zero is a normal failed Result, not an error.
// Only environment failures (missing executable, spawn refused) are returned as
// errors, wrapped with ErrSpawn.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrSpawn wraps failures to start a module process.
var ErrSpawn = errors.New("runner: spawn failed")

const (
	defaultMaxOutput = 64 * 1024
	maxRetryBackoff  = 5 * time.Minute
)

// Spec describes one module invocation.
type Spec struct {
	Name        string
	Path        string
	Args        []string
	Interpreter string // optional, e.g. "node"; the module path becomes its first argument
	Dir         string
	Env         []string
	Timeout     time.Duration // zero uses the runner default
}

// Result is the outcome of one module run.
type Result struct {
	Module     string        `json:"module"`
	Success    bool          `json:"success"`
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"duration_ms"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Attempts   int           `json:"attempts"`
}

// Runner spawns module processes with a bounded wait.
type Runner struct {
	timeout   time.Duration
	maxOutput int
	logger    *slog.Logger
}

// New creates a Runner. A zero timeout means no limit beyond the caller's context.
func New(timeout time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		timeout:   timeout,
		maxOutput: defaultMaxOutput,
		logger:    logger.With("component", "runner"),
	}
}

// SetMaxOutput bounds the bytes kept per output stream (the tail is kept).
func (r *Runner) SetMaxOutput(n int) {
	if n > 0 {
		r.maxOutput = n
	}
}

// Run executes modulePath with args using the default timeout.
func (r *Runner) Run(ctx context.Context, modulePath string, args ...string) (Result, error) {
	return r.Exec(ctx, Spec{Path: modulePath, Args: args})
}

// RunWithTimeout is Run with a per-call timeout.
func (r *Runner) RunWithTimeout(ctx context.Context, timeout time.Duration, modulePath string, args ...string) (Result, error) {
	return r.Exec(ctx, Spec{Path: modulePath, Args: args, Timeout: timeout})
}

// Exec runs a single attempt of spec and blocks until the child exits or the
// timeout elapses, in which case the child is killed and TimedOut is set.
func (r *Runner) Exec(ctx context.Context, spec Spec) (Result, error) {
	name, args := spec.command()
	result := Result{Module: spec.displayName(), ExitCode: -1, Attempts: 1}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	cmdCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		cmdCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	stdout := newTailBuffer(r.maxOutput)
	stderr := newTailBuffer(r.maxOutput)

	cmd := exec.CommandContext(cmdCtx, name, args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Grandchildren holding the pipes open must not block Wait after a kill.
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		result.Duration = time.Since(start)
		result.DurationMs = result.Duration.Milliseconds()
		r.logger.Error("module spawn failed", "module", result.Module, "error", err)
		return result, fmt.Errorf("%w: %s: %w", ErrSpawn, name, err)
	}

	waitErr := cmd.Wait()
	result.Duration = time.Since(start)
	result.DurationMs = result.Duration.Milliseconds()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if waitErr == nil {
		result.Success = true
		result.ExitCode = 0
		r.logger.Debug("module completed", "module", result.Module, "duration", result.Duration)
		return result, nil
	}

	if ctx.Err() != nil {
		return result, fmt.Errorf("module %s interrupted: %w", result.Module, ctx.Err())
	}
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		r.logger.Warn("module timed out", "module", result.Module, "timeout", timeout)
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		r.logger.Info("module failed",
			"module", result.Module,
			"exit_code", result.ExitCode,
			"duration", result.Duration,
		)
		return result, nil
	}

	return result, fmt.Errorf("wait for %s: %w", result.Module, waitErr)
}

// RunWithRetry runs spec up to attempts times, waiting backoff (doubled after
// each failure, capped at five minutes) between failed attempts. Spawn errors
// are not retried.
func (r *Runner) RunWithRetry(ctx context.Context, spec Spec, attempts int, backoff time.Duration) (Result, error) {
	if attempts <= 0 {
		attempts = 1
	}

	var result Result
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := r.Exec(ctx, spec)
		res.Attempts = attempt
		result = res
		if err != nil || res.Success || attempt == attempts {
			return result, err
		}

		wait := retryBackoff(backoff, attempt)
		r.logger.Info("retrying module",
			"module", res.Module,
			"attempt", attempt,
			"of", attempts,
			"wait", wait,
		)
		if err := sleepOrCancel(ctx, wait); err != nil {
			return result, fmt.Errorf("retry %s canceled: %w", res.Module, err)
		}
	}
	return result, nil
}

func (s Spec) command() (string, []string) {
	if s.Interpreter != "" {
		return s.Interpreter, append([]string{s.Path}, s.Args...)
	}
	return s.Path, s.Args
}

func (s Spec) displayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Path
}

func retryBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return wait
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	if b.truncated {
		var sb strings.Builder
		sb.WriteString("...[truncated]\n")
		sb.Write(b.buf)
		return sb.String()
	}
	return string(b.buf)
}
