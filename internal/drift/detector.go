// Package drift verifies that the committed generated code equals what
// the generator currently produces. Drift silently breaks cross-language
// consumers of the generated contract, so any byte of difference fails
// the run.
package drift

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/latticeci/lattice/internal/artifact"
	"github.com/latticeci/lattice/internal/command"
	"github.com/latticeci/lattice/internal/config"
	"github.com/latticeci/lattice/internal/job"
	"github.com/latticeci/lattice/internal/log"
	"github.com/latticeci/lattice/internal/toolchain"
)

// Report is produced exactly once per pipeline run.
type Report struct {
	HasDrift bool             `json:"has_drift"`
	Diff     *job.ArtifactRef `json:"diff,omitempty"`
}

// Detector regenerates the bindings into a scratch directory and compares
// them byte-for-byte against the committed tree.
type Detector struct {
	cfg         config.CodegenConfig
	provisioner toolchain.Provisioner
	runner      command.Runner
	store       *artifact.Store
	now         func() time.Time
}

// New wires a detector.
func New(cfg config.CodegenConfig, prov toolchain.Provisioner, runner command.Runner, store *artifact.Store) *Detector {
	return &Detector{
		cfg:         cfg,
		provisioner: prov,
		runner:      runner,
		store:       store,
		now:         time.Now,
	}
}

// Execute drives the codegen-check job to a terminal status and returns
// the run's DriftReport. Generator failure and content drift are distinct
// failure classes and must not be conflated in reporting.
func (d *Detector) Execute(ctx context.Context, j *job.Job) Report {
	logger := log.WithJob(j.ID)

	if err := j.Start(d.now()); err != nil {
		logger.Error("job start rejected", "error", err)
		return Report{}
	}
	logger.Info("job started", "kind", j.Kind)

	if err := d.provisioner.Ensure(ctx, nil); err != nil {
		logger.Error("toolchain provisioning failed", "error", err)
		d.finish(j, logger, job.ReasonToolchain, err.Error())
		return Report{}
	}

	scratch, err := os.MkdirTemp("", "lattice-codegen-*")
	if err != nil {
		d.finish(j, logger, job.ReasonGeneration, fmt.Sprintf("create scratch dir: %v", err))
		return Report{}
	}
	defer os.RemoveAll(scratch)

	argv := command.Render(d.cfg.Command, map[string]string{"out": scratch})
	res, err := d.runner.Run(ctx, command.Spec{Argv: argv, Timeout: d.cfg.Timeout})
	if err != nil {
		d.finish(j, logger, job.ReasonGeneration, err.Error())
		return Report{}
	}
	if res.TimedOut {
		d.finish(j, logger, job.ReasonTimeout, fmt.Sprintf("exceeded budget of %s", d.cfg.Timeout))
		return Report{}
	}
	if res.ExitCode != 0 {
		// The tool itself failed; this is not drift.
		logger.Error("generator failed", "exit", res.ExitCode, "stderr", string(res.Stderr))
		d.finish(j, logger, job.ReasonGeneration, fmt.Sprintf("generator exit status %d", res.ExitCode))
		return Report{}
	}

	diff, err := diffTrees(d.cfg.CommittedDir, scratch)
	if err != nil {
		d.finish(j, logger, job.ReasonGeneration, err.Error())
		return Report{}
	}

	if diff == "" {
		if err := j.Finish(d.now(), job.StatusSucceeded, job.ReasonNone, ""); err != nil {
			logger.Error("job finish rejected", "error", err)
		}
		logger.Info("no drift detected")
		return Report{HasDrift: false}
	}

	report := Report{HasDrift: true}
	ref, err := d.store.Save(j.ID, "drift.diff", []byte(diff))
	if err != nil {
		logger.Warn("diff artifact save failed", "error", err)
	} else {
		j.Attach(ref)
		report.Diff = &ref
	}

	d.finish(j, logger, job.ReasonDrift, "generated output differs from committed tree")
	return report
}

func (d *Detector) finish(j *job.Job, logger *slog.Logger, reason job.Reason, msg string) {
	if err := j.Finish(d.now(), job.StatusFailed, reason, msg); err != nil {
		logger.Error("job finish rejected", "error", err)
		return
	}
	logger.Info("job finished", "status", job.StatusFailed, "reason", reason)
}

// diffTrees walks both trees path by path and renders one unified diff
// covering every divergent file, committed tree on the left.
func diffTrees(committedDir, generatedDir string) (string, error) {
	committed, err := listFiles(committedDir)
	if err != nil {
		return "", fmt.Errorf("walk committed tree: %w", err)
	}
	generated, err := listFiles(generatedDir)
	if err != nil {
		return "", fmt.Errorf("walk generated tree: %w", err)
	}

	paths := make(map[string]bool, len(committed)+len(generated))
	for _, p := range committed {
		paths[p] = true
	}
	for _, p := range generated {
		paths[p] = true
	}
	ordered := make([]string, 0, len(paths))
	for p := range paths {
		ordered = append(ordered, p)
	}
	sort.Strings(ordered)

	var buf bytes.Buffer
	for _, rel := range ordered {
		a, aErr := os.ReadFile(filepath.Join(committedDir, rel))
		b, bErr := os.ReadFile(filepath.Join(generatedDir, rel))
		if aErr != nil && bErr != nil {
			return "", fmt.Errorf("read %q: %v / %v", rel, aErr, bErr)
		}
		if bytes.Equal(a, b) {
			continue
		}

		ud := difflib.UnifiedDiff{
			A:        difflib.SplitLines(string(a)),
			B:        difflib.SplitLines(string(b)),
			FromFile: "committed/" + rel,
			ToFile:   "generated/" + rel,
			Context:  3,
		}
		text, err := difflib.GetUnifiedDiffString(ud)
		if err != nil {
			return "", fmt.Errorf("diff %q: %w", rel, err)
		}
		buf.WriteString(text)
	}

	return buf.String(), nil
}

func listFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
