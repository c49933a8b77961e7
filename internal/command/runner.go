// Package command is the single place external tools are executed. The
// orchestrator treats every toolchain, build, codegen and image command as
// opaque: declared argv in, exit status and captured output back.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps captured stdout/stderr per stream.
	maxOutputBytes = 256 * 1024

	// terminationGracePeriod is the wait after SIGTERM before SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Spec describes one command invocation.
type Spec struct {
	Argv    []string
	Dir     string
	Env     []string // appended to the parent environment
	Timeout time.Duration
}

// Result is the observed outcome. A non-zero exit or a timeout is not a
// Go error; errors are reserved for failures to spawn or wait.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
	Duration time.Duration
}

// Runner executes commands. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// OSRunner runs commands as real subprocesses.
type OSRunner struct {
	grace time.Duration
}

var _ Runner = (*OSRunner)(nil)

// NewOSRunner returns a runner with the default termination grace period.
func NewOSRunner() *OSRunner {
	return &OSRunner{grace: terminationGracePeriod}
}

// Run executes spec. On budget exhaustion the process gets SIGTERM, then
// SIGKILL after the grace period; partial output is still returned so the
// caller can flush it for diagnostics.
func (r *OSRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}

	start := time.Now()

	// Termination is managed manually rather than via CommandContext so
	// the SIGTERM grace period applies.
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %q: %w", spec.Argv[0], err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	result := func(timedOut bool, exitCode int) Result {
		return Result{
			ExitCode: exitCode,
			Stdout:   truncate(stdout.Bytes()),
			Stderr:   truncate(stderr.Bytes()),
			TimedOut: timedOut,
			Duration: time.Since(start),
		}
	}

	select {
	case <-ctx.Done():
		r.terminate(cmd, waitErr)
		return result(true, -1), nil

	case <-timeoutCh:
		r.terminate(cmd, waitErr)
		return result(true, -1), nil

	case err := <-waitErr:
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				return result(false, exitErr.ExitCode()), nil
			}
			return Result{}, fmt.Errorf("wait for %q: %w", spec.Argv[0], err)
		}
		return result(false, 0), nil
	}
}

func (r *OSRunner) terminate(cmd *exec.Cmd, waitErr chan error) {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
	case <-grace.C:
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-waitErr
	}
}

func truncate(b []byte) []byte {
	if len(b) > maxOutputBytes {
		return b[:maxOutputBytes]
	}
	return b
}
