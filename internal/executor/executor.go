// Package executor runs build, lint and test jobs through their step
// sequence: provision -> cache restore -> run command -> (build only)
// cache save. A job is atomically succeeded or failed as a whole.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/latticeci/lattice/internal/artifact"
	"github.com/latticeci/lattice/internal/cache"
	"github.com/latticeci/lattice/internal/command"
	"github.com/latticeci/lattice/internal/config"
	"github.com/latticeci/lattice/internal/job"
	"github.com/latticeci/lattice/internal/log"
	"github.com/latticeci/lattice/internal/toolchain"
)

//go:generate mockgen -destination=mocks/mock_cache.go -package=mocks github.com/latticeci/lattice/internal/cache Manager
//go:generate mockgen -destination=mocks/mock_toolchain.go -package=mocks github.com/latticeci/lattice/internal/toolchain Provisioner
//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/latticeci/lattice/internal/command Runner

// Executor owns the jobs it executes; nothing else mutates them.
type Executor struct {
	cfg         *config.Config
	cache       cache.Manager
	provisioner toolchain.Provisioner
	runner      command.Runner
	store       *artifact.Store
	now         func() time.Time
}

// New wires an executor.
func New(cfg *config.Config, cm cache.Manager, prov toolchain.Provisioner, runner command.Runner, store *artifact.Store) *Executor {
	return &Executor{
		cfg:         cfg,
		cache:       cm,
		provisioner: prov,
		runner:      runner,
		store:       store,
		now:         time.Now,
	}
}

// Execute drives j to a terminal status. The per-job wall-clock budget is
// enforced by the command runner; cache failures only degrade speed.
func (e *Executor) Execute(ctx context.Context, j *job.Job) {
	logger := log.WithJob(j.ID)

	if err := j.Start(e.now()); err != nil {
		logger.Error("job start rejected", "error", err)
		return
	}
	logger.Info("job started", "kind", j.Kind)

	// provisioning
	if err := e.provisioner.Ensure(ctx, j.Target); err != nil {
		logger.Error("toolchain provisioning failed", "error", err)
		e.finish(j, logger, job.StatusFailed, job.ReasonToolchain, err.Error())
		return
	}

	// cache_restore: a miss or a cache backend error only lengthens the
	// build, never fails the job.
	key, cachePath := e.restore(ctx, j, logger)

	// building
	cmdCfg := e.commandFor(j.Kind)
	argv := command.Render(cmdCfg.Command, e.vars(j, cachePath))
	res, err := e.runner.Run(ctx, command.Spec{Argv: argv, Timeout: cmdCfg.Timeout})
	if err != nil {
		logger.Error("command spawn failed", "error", err)
		e.finish(j, logger, job.StatusFailed, job.ReasonBuild, err.Error())
		return
	}

	if res.TimedOut {
		// Flush whatever the command produced before the budget ran out.
		e.attach(j, logger, "stdout.log", res.Stdout)
		e.attach(j, logger, "stderr.log", res.Stderr)
		e.finish(j, logger, job.StatusFailed, job.ReasonTimeout,
			fmt.Sprintf("exceeded budget of %s", cmdCfg.Timeout))
		return
	}

	if res.ExitCode != 0 {
		e.attach(j, logger, "stderr.log", res.Stderr)
		e.finish(j, logger, job.StatusFailed, job.ReasonBuild,
			fmt.Sprintf("exit status %d", res.ExitCode))
		return
	}

	e.attach(j, logger, "output.log", res.Stdout)

	if j.Kind == job.KindBuild {
		if cmdCfg.ArtifactPath != "" {
			binPath := command.Render([]string{cmdCfg.ArtifactPath}, e.vars(j, cachePath))[0]
			ref, err := e.store.SaveFile(j.ID, "binary", binPath)
			if err != nil {
				// The build contract promises an artifact at this path.
				logger.Error("declared build artifact missing", "path", binPath, "error", err)
				e.finish(j, logger, job.StatusFailed, job.ReasonBuild,
					fmt.Sprintf("artifact not produced at %s", binPath))
				return
			}
			j.Attach(ref)
		}
		e.save(ctx, j, key, logger)
	}

	e.finish(j, logger, job.StatusSucceeded, job.ReasonNone, "")
}

func (e *Executor) restore(ctx context.Context, j *job.Job, logger *slog.Logger) (key, path string) {
	osName := runtime.GOOS
	if j.Target != nil {
		osName = j.Target.OS
	}

	key, err := e.cache.Key(osName)
	if err != nil {
		logger.Warn("cache key derivation failed, building without cache", "error", err)
		return "", ""
	}

	found, path, err := e.cache.Restore(ctx, key)
	if err != nil {
		logger.Warn("cache restore failed, treating as miss", "key", key, "error", err)
		return key, ""
	}
	if !found {
		logger.Info("cache miss", "key", key)
		return key, ""
	}
	logger.Info("cache restored", "key", key, "path", path)
	return key, path
}

// save persists newly produced dependency content. Best-effort: failure
// degrades future hit rate, never the job.
func (e *Executor) save(ctx context.Context, j *job.Job, key string, logger *slog.Logger) {
	if key == "" {
		return
	}
	if _, err := os.Stat(e.cfg.Cache.WorkDir); err != nil {
		logger.Warn("cache work dir missing, nothing to save", "dir", e.cfg.Cache.WorkDir)
		return
	}
	if err := e.cache.Save(ctx, key, e.cfg.Cache.WorkDir); err != nil {
		logger.Warn("cache save failed", "key", key, "error", err)
		return
	}
	logger.Info("cache saved", "key", key)
}

func (e *Executor) attach(j *job.Job, logger *slog.Logger, name string, data []byte) {
	if len(data) == 0 {
		return
	}
	ref, err := e.store.Save(j.ID, name, data)
	if err != nil {
		logger.Warn("artifact save failed", "name", name, "error", err)
		return
	}
	j.Attach(ref)
}

func (e *Executor) finish(j *job.Job, logger *slog.Logger, status job.Status, reason job.Reason, msg string) {
	if err := j.Finish(e.now(), status, reason, msg); err != nil {
		logger.Error("job finish rejected", "error", err)
		return
	}
	logger.Info("job finished", "status", status, "reason", reason)
}

func (e *Executor) commandFor(kind job.Kind) config.CommandConfig {
	switch kind {
	case job.KindLint:
		return e.cfg.Jobs.Lint
	case job.KindTest:
		return e.cfg.Jobs.Test
	default:
		return e.cfg.Jobs.Build
	}
}

func (e *Executor) vars(j *job.Job, cachePath string) map[string]string {
	vars := map[string]string{"cache": cachePath}
	if j.Target != nil {
		vars["os"] = j.Target.OS
		vars["arch"] = j.Target.Arch
		vars["features"] = strings.Join(j.Target.Features, ",")
		if triple, ok := e.cfg.Toolchain.Triples[j.Target.OS+"/"+j.Target.Arch]; ok {
			vars["triple"] = triple
		}
	}
	return vars
}
