// Package runner executes a single external script with a wall-clock
// limit and captures its output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

var (
	ErrTimeout = errors.New("script execution timed out")
	ErrSpawn   = errors.New("script could not be started")
)

// waitDelay bounds how long Wait keeps reading output after the script
// exits or is killed, in case a grandchild still holds the pipes.
const waitDelay = 2 * time.Second

// Result is the outcome of a script that ran to exit. A non-zero ExitCode
// is data, not an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// TimeoutError is returned when the script outlived its limit and was
// killed. Stdout and Stderr hold whatever was captured before the kill.
type TimeoutError struct {
	Limit  time.Duration
	Stdout string
	Stderr string
}

func (e *TimeoutError) Error() string {
	if e.Limit%time.Second != 0 {
		return fmt.Sprintf("Script execution timed out after %s", e.Limit)
	}
	return fmt.Sprintf("Script execution timed out after %d seconds", int(e.Limit/time.Second))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// SpawnError is returned when the process could not be started at all.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

type ProcessRunner struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *ProcessRunner {
	return &ProcessRunner{logger: logger.Named("runner")}
}

// Run executes path in dir and waits for it to exit or for timeout to
// elapse, whichever comes first. On timeout the script and every process
// it spawned are killed and a *TimeoutError is returned. There is no retry.
//
// If ctx is cancelled before the script exits, the script is killed and
// ctx's error is returned.
func (r *ProcessRunner) Run(ctx context.Context, path, dir string, timeout time.Duration) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, path)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Own process group so a kill reaches the whole script, not just the
	// interpreter.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var killed atomic.Bool
	cmd.Cancel = func() error {
		killed.Store(true)
		return r.kill(cmd.Process.Pid)
	}
	cmd.WaitDelay = waitDelay

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: path, Err: err}
	}

	err := cmd.Wait()
	elapsed := time.Since(started)

	if killed.Load() {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("script %s interrupted: %w", path, ctx.Err())
		}
		r.logger.Warn("Script timed out",
			zap.String("path", path),
			zap.Duration("limit", timeout),
			zap.Duration("elapsed", elapsed))
		return nil, &TimeoutError{
			Limit:  timeout,
			Stdout: decode(stdout.Bytes()),
			Stderr: decode(stderr.Bytes()),
		}
	}

	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		exitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil:
		// The script exited but something it left behind still held the
		// output pipes open.
		exitCode = cmd.ProcessState.ExitCode()
		r.logger.Warn("Script left processes holding its output",
			zap.String("path", path),
			zap.Int("exit_code", exitCode))
	default:
		return nil, fmt.Errorf("wait for %s: %w", path, err)
	}

	return &Result{
		ExitCode: exitCode,
		Stdout:   decode(stdout.Bytes()),
		Stderr:   decode(stderr.Bytes()),
		Duration: elapsed,
	}, nil
}

// kill terminates the process group led by pid, then any descendants that
// moved to another group.
func (r *ProcessRunner) kill(pid int) error {
	var descendants []*process.Process
	if p, err := process.NewProcess(int32(pid)); err == nil {
		descendants = collectDescendants(p)
	}

	err := syscall.Kill(-pid, syscall.SIGKILL)
	for _, child := range descendants {
		if killErr := child.Kill(); killErr != nil && !errors.Is(killErr, process.ErrorProcessNotRunning) {
			r.logger.Debug("Failed to kill descendant", zap.Int32("pid", child.Pid), zap.Error(killErr))
		}
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func collectDescendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	out := children
	for _, c := range children {
		out = append(out, collectDescendants(c)...)
	}
	return out
}

func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
