// Package toolchain ensures the pinned compiler, cross targets, and
// codegen tool are present before a job runs. Provisioning is a
// precondition, not a retryable step: a failure here is fatal to every job
// that needs the same toolchain.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/latticeci/lattice/internal/command"
	"github.com/latticeci/lattice/internal/config"
	"github.com/latticeci/lattice/internal/job"
)

// ErrToolchain marks provisioning failures.
var ErrToolchain = errors.New("toolchain error")

const probeTimeout = 2 * time.Minute

// Provisioner readies the toolchain for a job's target. Target may be nil
// for host-only jobs (lint, test, codegen-check).
type Provisioner interface {
	Ensure(ctx context.Context, target *job.Target) error
}

// CommandProvisioner probes and installs via external commands. It is
// idempotent: each distinct provisioning key runs once per process and the
// outcome is memoized.
type CommandProvisioner struct {
	cfg    config.ToolchainConfig
	runner command.Runner
	logger *slog.Logger

	mu   sync.Mutex
	done map[string]error
}

var _ Provisioner = (*CommandProvisioner)(nil)

// New creates a provisioner over the pinned toolchain config.
func New(cfg config.ToolchainConfig, runner command.Runner, logger *slog.Logger) *CommandProvisioner {
	return &CommandProvisioner{
		cfg:    cfg,
		runner: runner,
		logger: logger,
		done:   make(map[string]error),
	}
}

// Ensure implements Provisioner.
func (p *CommandProvisioner) Ensure(ctx context.Context, target *job.Target) error {
	key := "host"
	if target != nil {
		if triple, ok := p.cfg.Triples[target.OS+"/"+target.Arch]; ok {
			key = triple
		}
	}

	p.mu.Lock()
	if err, ok := p.done[key]; ok {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	err := p.provision(ctx, key)

	p.mu.Lock()
	p.done[key] = err
	p.mu.Unlock()
	return err
}

func (p *CommandProvisioner) provision(ctx context.Context, key string) error {
	if err := p.probe(ctx, p.cfg.Compiler); err != nil {
		return err
	}
	if err := p.probe(ctx, p.cfg.Codegen); err != nil {
		return err
	}

	if key == "host" || len(p.cfg.TargetInstall) == 0 {
		return nil
	}

	argv := command.Render(p.cfg.TargetInstall, map[string]string{"triple": key})
	res, err := p.runner.Run(ctx, command.Spec{Argv: argv, Timeout: probeTimeout})
	if err != nil {
		return fmt.Errorf("%w: install target %s: %v", ErrToolchain, key, err)
	}
	if res.TimedOut || res.ExitCode != 0 {
		return fmt.Errorf("%w: install target %s: exit %d: %s", ErrToolchain, key, res.ExitCode, res.Stderr)
	}

	p.logger.Info("cross target provisioned", "triple", key)
	return nil
}

// probe runs "<bin> --version" and, when a version is pinned, requires it
// to appear in the output.
func (p *CommandProvisioner) probe(ctx context.Context, pin config.ToolPin) error {
	res, err := p.runner.Run(ctx, command.Spec{Argv: []string{pin.Bin, "--version"}, Timeout: probeTimeout})
	if err != nil {
		return fmt.Errorf("%w: %s not available: %v", ErrToolchain, pin.Bin, err)
	}
	if res.TimedOut || res.ExitCode != 0 {
		return fmt.Errorf("%w: %s --version: exit %d", ErrToolchain, pin.Bin, res.ExitCode)
	}
	if pin.Version != "" && !bytes.Contains(res.Stdout, []byte(pin.Version)) {
		return fmt.Errorf("%w: %s version mismatch: want %q in %q", ErrToolchain, pin.Bin, pin.Version, res.Stdout)
	}
	return nil
}
