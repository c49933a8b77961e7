// Package gate collects terminal job statuses and decides overall
// pipeline success. Build, lint, test and codegen-check jobs are always
// required; image jobs are required only on non-draft runs. Skipped is
// never mistaken for failed.
package gate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/latticeci/lattice/internal/drift"
	"github.com/latticeci/lattice/internal/image"
	"github.com/latticeci/lattice/internal/job"
	"github.com/latticeci/lattice/internal/matrix"
)

// JobReport is one job's line in the pipeline report.
type JobReport struct {
	ID        string            `json:"id"`
	Kind      job.Kind          `json:"kind"`
	Target    string            `json:"target,omitempty"`
	Status    job.Status        `json:"status"`
	Reason    job.Reason        `json:"reason,omitempty"`
	Error     string            `json:"error,omitempty"`
	Required  bool              `json:"required"`
	Artifacts []job.ArtifactRef `json:"artifacts,omitempty"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
}

// Report is the pipeline-level result.
type Report struct {
	RunID     string                `json:"run_id"`
	Revision  string                `json:"revision"`
	Event     matrix.Event          `json:"event"`
	Status    job.Status            `json:"status"`
	Jobs      []JobReport           `json:"jobs"`
	Drift     *drift.Report         `json:"drift,omitempty"`
	Manifest  *image.ManifestResult `json:"manifest,omitempty"`
	StartedAt time.Time             `json:"started_at"`
	EndedAt   time.Time             `json:"ended_at"`
}

// Succeeded reports whether every required job (and, when applicable, the
// manifest assembly) succeeded.
func (r Report) Succeeded() bool { return r.Status == job.StatusSucceeded }

// Required returns the policy for one job kind under the given event.
func Required(kind job.Kind, event matrix.Event) bool {
	if kind == job.KindImage {
		return !event.Draft()
	}
	return true
}

// Aggregate assembles the pipeline report from terminal jobs.
func Aggregate(runID, revision string, event matrix.Event, jobs []*job.Job,
	driftReport *drift.Report, manifest *image.ManifestResult,
	startedAt, endedAt time.Time) Report {

	report := Report{
		RunID:     runID,
		Revision:  revision,
		Event:     event,
		Status:    job.StatusSucceeded,
		Drift:     driftReport,
		Manifest:  manifest,
		StartedAt: startedAt.UTC(),
		EndedAt:   endedAt.UTC(),
	}

	for _, j := range jobs {
		jr := JobReport{
			ID:        j.ID,
			Kind:      j.Kind,
			Status:    j.Status,
			Reason:    j.Reason,
			Error:     j.Err,
			Required:  Required(j.Kind, event),
			Artifacts: j.Artifacts,
			StartedAt: j.StartedAt,
			EndedAt:   j.EndedAt,
		}
		if j.Target != nil {
			jr.Target = j.Target.Slug()
		}
		report.Jobs = append(report.Jobs, jr)

		// Skipped jobs never fail the pipeline: the failure that caused a
		// fail-fast skip is already counted on its own job.
		if jr.Required && j.Status == job.StatusFailed {
			report.Status = job.StatusFailed
		}
	}

	if manifest != nil && !event.Draft() && !manifest.Assembled && !manifest.Skipped {
		report.Status = job.StatusFailed
	}

	return report
}

// Marshal renders the report as indented JSON for storage and display.
func (r Report) Marshal() ([]byte, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return b, nil
}
