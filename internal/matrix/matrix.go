// Package matrix turns the declarative target list into the run's job set.
// Expansion is a pure function: no side effects, deterministic IDs.
package matrix

import (
	"fmt"

	"github.com/latticeci/lattice/internal/config"
	"github.com/latticeci/lattice/internal/job"
)

// Event is the trigger kind for a pipeline run.
type Event string

const (
	EventPush             Event = "push-to-main"
	EventPullRequest      Event = "pull-request"
	EventPullRequestDraft Event = "pull-request-draft"
)

// Draft reports whether the event skips the costlier image and
// codegen-check jobs.
func (e Event) Draft() bool { return e == EventPullRequestDraft }

// Valid reports whether e is a known trigger kind.
func (e Event) Valid() bool {
	switch e {
	case EventPush, EventPullRequest, EventPullRequestDraft:
		return true
	}
	return false
}

// Expand produces the full job set for one run: one build job per distinct
// matrix target, the global lint and test jobs, and (on non-draft events)
// the codegen-check job plus one image job per distinct architecture.
// Duplicate targets collapse to one job.
func Expand(cfg *config.Config, event Event) ([]*job.Job, error) {
	if !event.Valid() {
		return nil, fmt.Errorf("%w: unknown event kind %q", config.ErrConfiguration, event)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	var jobs []*job.Job

	seen := make(map[string]bool)
	for _, t := range cfg.Matrix {
		if seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true
		t := t
		jobs = append(jobs, job.New(job.KindBuild, &t))
	}

	jobs = append(jobs, job.New(job.KindLint, nil), job.New(job.KindTest, nil))

	if !event.Draft() {
		jobs = append(jobs, job.New(job.KindCodegenCheck, nil))

		// Container images are linux regardless of which OS rows declared
		// the architecture.
		seenArch := make(map[string]bool)
		for _, t := range cfg.Matrix {
			if seenArch[t.Arch] {
				continue
			}
			seenArch[t.Arch] = true
			jobs = append(jobs, job.New(job.KindImage, &job.Target{OS: "linux", Arch: t.Arch}))
		}
	}

	return jobs, nil
}
