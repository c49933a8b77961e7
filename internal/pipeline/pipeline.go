// Package pipeline orchestrates one CI run: matrix expansion, concurrent
// job execution with fail-fast, manifest assembly, gate aggregation and
// run persistence.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticeci/lattice/internal/artifact"
	"github.com/latticeci/lattice/internal/cache"
	"github.com/latticeci/lattice/internal/command"
	"github.com/latticeci/lattice/internal/config"
	"github.com/latticeci/lattice/internal/drift"
	"github.com/latticeci/lattice/internal/events"
	"github.com/latticeci/lattice/internal/executor"
	"github.com/latticeci/lattice/internal/gate"
	"github.com/latticeci/lattice/internal/image"
	"github.com/latticeci/lattice/internal/job"
	"github.com/latticeci/lattice/internal/log"
	"github.com/latticeci/lattice/internal/matrix"
	"github.com/latticeci/lattice/internal/storage"
	"github.com/latticeci/lattice/internal/toolchain"
)

// JobRunner executes a build, lint or test job to a terminal status.
type JobRunner interface {
	Execute(ctx context.Context, j *job.Job)
}

// DriftRunner executes the codegen-check job and reports drift.
type DriftRunner interface {
	Execute(ctx context.Context, j *job.Job) drift.Report
}

// ImageRunner executes per-architecture image jobs and the final
// manifest assembly.
type ImageRunner interface {
	Execute(ctx context.Context, j *job.Job)
	AssembleManifest(ctx context.Context, imageJobs []*job.Job) image.ManifestResult
}

// Pipeline runs the full job set for one revision and event.
type Pipeline struct {
	cfg    *config.Config
	exec   JobRunner
	drift  DriftRunner
	image  ImageRunner
	hub    *events.Hub
	runLog *storage.RunLog
	now    func() time.Time
}

// New wires a pipeline from pre-built components. runLog may be nil for
// dry runs that keep no history.
func New(cfg *config.Config, exec JobRunner, driftRunner DriftRunner, imageRunner ImageRunner,
	hub *events.Hub, runLog *storage.RunLog) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		exec:   exec,
		drift:  driftRunner,
		image:  imageRunner,
		hub:    hub,
		runLog: runLog,
		now:    time.Now,
	}
}

// FromConfig builds the standard production pipeline: OS subprocess
// runner, filesystem cache keyed through the database, artifacts stored
// beside the state file.
func FromConfig(cfg *config.Config, db *sql.DB, hub *events.Hub) (*Pipeline, error) {
	stateDir := filepath.Dir(cfg.State.Path)

	store, err := artifact.NewStore(filepath.Join(stateDir, "artifacts"))
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	cm, err := cache.NewFSManager(cfg.Cache.Dir, cfg.Cache.LockFiles, db, log.WithComponent("cache"))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	runner := command.NewOSRunner()
	prov := toolchain.New(cfg.Toolchain, runner, log.WithComponent("toolchain"))

	return New(
		cfg,
		executor.New(cfg, cm, prov, runner, store),
		drift.New(cfg.Jobs.Codegen, prov, runner, store),
		image.New(cfg.Jobs.Image, runner, store),
		hub,
		storage.NewRunLog(db),
	), nil
}

// Run executes the whole pipeline for one revision and returns the
// aggregated report. The returned error covers orchestration failures
// (bad event, persistence); job failures are reported through the
// report's status, not the error.
func (p *Pipeline) Run(ctx context.Context, revision string, event matrix.Event) (gate.Report, error) {
	runID := uuid.NewString()
	logger := log.WithRun(runID)
	startedAt := p.now()

	jobs, err := matrix.Expand(p.cfg, event)
	if err != nil {
		return gate.Report{}, err
	}

	logger.Info("pipeline started",
		"revision", revision, "event", event, "jobs", len(jobs))
	p.publish(events.TypePipelineStarted, map[string]any{
		"run_id": runID, "revision": revision, "event": event, "jobs": len(jobs),
	})

	driftReport := p.executeAll(ctx, event, jobs)

	var manifest *image.ManifestResult
	if !event.Draft() {
		mr := p.image.AssembleManifest(ctx, filterKind(jobs, job.KindImage))
		manifest = &mr
		p.publish(events.TypeManifest, mr)
	}

	report := gate.Aggregate(runID, revision, event, jobs, driftReport, manifest, startedAt, p.now())

	logger.Info("pipeline finished",
		"status", report.Status, "duration", report.EndedAt.Sub(report.StartedAt))
	p.publish(events.TypePipelineFinished, map[string]any{
		"run_id": runID, "status": report.Status,
	})

	if err := p.persist(ctx, report, jobs); err != nil {
		return report, err
	}
	return report, nil
}

// executeAll drains the job set through a bounded worker pool. On the
// first failure of a required job (with fail-fast on) every job not yet
// handed to a worker is skipped; jobs already running finish normally.
func (p *Pipeline) executeAll(ctx context.Context, event matrix.Event, jobs []*job.Job) *drift.Report {
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		aborted     bool
		driftReport *drift.Report
	)

	requiredFailed := func(j *job.Job) bool {
		return j.Status == job.StatusFailed && gate.Required(j.Kind, event)
	}

	queue := make(chan *job.Job)
	workers := p.cfg.Service.Concurrency
	if workers > len(jobs) {
		workers = len(jobs)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range queue {
				mu.Lock()
				skip := aborted
				mu.Unlock()

				if skip {
					p.skip(j)
					continue
				}

				p.publish(events.TypeJobStarted, map[string]any{"job_id": j.ID, "kind": j.Kind})
				dr := p.execute(ctx, j)

				mu.Lock()
				if dr != nil {
					driftReport = dr
				}
				if p.cfg.Service.FailFast && requiredFailed(j) {
					aborted = true
				}
				mu.Unlock()

				p.publish(events.TypeJobFinished, map[string]any{
					"job_id": j.ID, "status": j.Status, "reason": j.Reason,
				})
			}
		}()
	}

	for _, j := range jobs {
		queue <- j
	}
	close(queue)
	wg.Wait()

	return driftReport
}

func (p *Pipeline) execute(ctx context.Context, j *job.Job) *drift.Report {
	switch j.Kind {
	case job.KindCodegenCheck:
		dr := p.drift.Execute(ctx, j)
		return &dr
	case job.KindImage:
		p.image.Execute(ctx, j)
	default:
		p.exec.Execute(ctx, j)
	}
	return nil
}

func (p *Pipeline) skip(j *job.Job) {
	if err := j.Skip(p.now(), job.ReasonCancelled); err != nil {
		log.WithJob(j.ID).Error("job skip rejected", "error", err)
		return
	}
	log.WithJob(j.ID).Info("job skipped", "reason", job.ReasonCancelled)
	p.publish(events.TypeJobSkipped, map[string]any{"job_id": j.ID})
}

func (p *Pipeline) persist(ctx context.Context, report gate.Report, jobs []*job.Job) error {
	if p.runLog == nil {
		return nil
	}

	for _, j := range jobs {
		if err := p.runLog.AppendJob(ctx, report.RunID, j); err != nil {
			return fmt.Errorf("persist job %s: %w", j.ID, err)
		}
	}

	raw, err := report.Marshal()
	if err != nil {
		return err
	}
	if err := p.runLog.SaveRun(ctx, report.RunID, report.Revision, string(report.Event),
		string(report.Status), raw, report.StartedAt, report.EndedAt); err != nil {
		return fmt.Errorf("persist run: %w", err)
	}
	return nil
}

func (p *Pipeline) publish(eventType string, data any) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(eventType, data)
}

func filterKind(jobs []*job.Job, kind job.Kind) []*job.Job {
	var out []*job.Job
	for _, j := range jobs {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}
