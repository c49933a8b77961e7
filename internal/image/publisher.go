// Package image builds one container image per target architecture and
// assembles the multi-architecture manifest. Non-native architectures run
// through an emulation layer: slower, not less correct.
package image

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/latticeci/lattice/internal/artifact"
	"github.com/latticeci/lattice/internal/command"
	"github.com/latticeci/lattice/internal/config"
	"github.com/latticeci/lattice/internal/job"
	"github.com/latticeci/lattice/internal/log"
)

// ManifestResult is the outcome of the assembly step. A manifest is never
// published unless every architecture image succeeded.
type ManifestResult struct {
	Assembled bool   `json:"assembled"`
	Skipped   bool   `json:"skipped"`
	Error     string `json:"error,omitempty"`
}

// Publisher runs arch-specific image jobs and the final assembly.
type Publisher struct {
	cfg    config.ImageConfig
	runner command.Runner
	store  *artifact.Store
	now    func() time.Time
}

// New wires a publisher.
func New(cfg config.ImageConfig, runner command.Runner, store *artifact.Store) *Publisher {
	return &Publisher{cfg: cfg, runner: runner, store: store, now: time.Now}
}

// Execute builds the image for one architecture, driving j to a terminal
// status.
func (p *Publisher) Execute(ctx context.Context, j *job.Job) {
	logger := log.WithJob(j.ID)

	if err := j.Start(p.now()); err != nil {
		logger.Error("job start rejected", "error", err)
		return
	}
	logger.Info("job started", "kind", j.Kind, "arch", j.Target.Arch)

	vars := map[string]string{
		"os":   j.Target.OS,
		"arch": j.Target.Arch,
		"tag":  p.cfg.Tag,
	}
	argv := command.Render(p.cfg.BuildCommand, vars)
	if j.Target.Arch != p.cfg.NativeArch && len(p.cfg.Emulator) > 0 {
		logger.Info("using emulation", "arch", j.Target.Arch, "native", p.cfg.NativeArch)
		argv = append(command.Render(p.cfg.Emulator, vars), argv...)
	}

	res, err := p.runner.Run(ctx, command.Spec{Argv: argv, Timeout: p.cfg.Timeout})
	if err != nil {
		p.finish(j, logger, job.StatusFailed, job.ReasonBuild, err.Error())
		return
	}
	if res.TimedOut {
		p.attach(j, logger, "stderr.log", res.Stderr)
		p.finish(j, logger, job.StatusFailed, job.ReasonTimeout,
			fmt.Sprintf("exceeded budget of %s", p.cfg.Timeout))
		return
	}
	if res.ExitCode != 0 {
		p.attach(j, logger, "stderr.log", res.Stderr)
		p.finish(j, logger, job.StatusFailed, job.ReasonBuild,
			fmt.Sprintf("exit status %d", res.ExitCode))
		return
	}

	p.attach(j, logger, "output.log", res.Stdout)
	p.finish(j, logger, job.StatusSucceeded, job.ReasonNone, "")
}

// AssembleManifest builds the multi-arch manifest referencing every
// per-architecture image. Any failed architecture suppresses assembly
// entirely; partial manifests are never published.
func (p *Publisher) AssembleManifest(ctx context.Context, imageJobs []*job.Job) ManifestResult {
	logger := log.WithComponent("image")

	if len(imageJobs) == 0 {
		return ManifestResult{Skipped: true}
	}
	for _, j := range imageJobs {
		if j.Status != job.StatusSucceeded {
			logger.Warn("skipping manifest assembly", "failed_job", j.ID, "status", j.Status)
			return ManifestResult{Skipped: true, Error: fmt.Sprintf("image job %s did not succeed", j.ID)}
		}
	}

	argv := command.Render(p.cfg.ManifestCommand, map[string]string{"tag": p.cfg.Tag})
	for _, j := range imageJobs {
		argv = append(argv, fmt.Sprintf("%s-%s", p.cfg.Tag, j.Target.Arch))
	}

	res, err := p.runner.Run(ctx, command.Spec{Argv: argv, Timeout: p.cfg.Timeout})
	if err != nil {
		return ManifestResult{Error: err.Error()}
	}
	if res.TimedOut || res.ExitCode != 0 {
		return ManifestResult{Error: fmt.Sprintf("manifest assembly exit status %d: %s", res.ExitCode, res.Stderr)}
	}

	logger.Info("multi-arch manifest assembled", "tag", p.cfg.Tag, "images", len(imageJobs))
	return ManifestResult{Assembled: true}
}

func (p *Publisher) attach(j *job.Job, logger *slog.Logger, name string, data []byte) {
	if len(data) == 0 {
		return
	}
	ref, err := p.store.Save(j.ID, name, data)
	if err != nil {
		logger.Warn("artifact save failed", "name", name, "error", err)
		return
	}
	j.Attach(ref)
}

func (p *Publisher) finish(j *job.Job, logger *slog.Logger, status job.Status, reason job.Reason, msg string) {
	if err := j.Finish(p.now(), status, reason, msg); err != nil {
		logger.Error("job finish rejected", "error", err)
		return
	}
	logger.Info("job finished", "status", status, "reason", reason)
}
