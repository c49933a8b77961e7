package gate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeci/lattice/internal/drift"
	"github.com/latticeci/lattice/internal/image"
	"github.com/latticeci/lattice/internal/job"
	"github.com/latticeci/lattice/internal/matrix"
)

func terminalJob(t *testing.T, kind job.Kind, target *job.Target, status job.Status, reason job.Reason) *job.Job {
	t.Helper()
	j := job.New(kind, target)
	if status == job.StatusSkipped {
		require.NoError(t, j.Skip(time.Now(), reason))
		return j
	}
	require.NoError(t, j.Start(time.Now()))
	require.NoError(t, j.Finish(time.Now(), status, reason, ""))
	return j
}

func TestRequiredPolicy(t *testing.T) {
	t.Parallel()

	assert.True(t, Required(job.KindBuild, matrix.EventPullRequestDraft))
	assert.True(t, Required(job.KindLint, matrix.EventPullRequestDraft))
	assert.True(t, Required(job.KindTest, matrix.EventPush))
	assert.True(t, Required(job.KindCodegenCheck, matrix.EventPullRequest))
	assert.True(t, Required(job.KindImage, matrix.EventPush))
	assert.True(t, Required(job.KindImage, matrix.EventPullRequest))
	assert.False(t, Required(job.KindImage, matrix.EventPullRequestDraft))
}

func TestAggregateAllSucceeded(t *testing.T) {
	t.Parallel()

	jobs := []*job.Job{
		terminalJob(t, job.KindBuild, &job.Target{OS: "linux", Arch: "amd64"}, job.StatusSucceeded, job.ReasonNone),
		terminalJob(t, job.KindLint, nil, job.StatusSucceeded, job.ReasonNone),
	}
	manifest := &image.ManifestResult{Assembled: true}

	report := Aggregate("run-1", "abc123", matrix.EventPush, jobs,
		&drift.Report{HasDrift: false}, manifest, time.Now(), time.Now())

	assert.True(t, report.Succeeded())
	assert.Equal(t, job.StatusSucceeded, report.Status)
	assert.Len(t, report.Jobs, 2)
	assert.Equal(t, "linux/amd64", report.Jobs[0].Target)
}

func TestAggregateRequiredFailureFailsPipeline(t *testing.T) {
	t.Parallel()

	jobs := []*job.Job{
		terminalJob(t, job.KindBuild, &job.Target{OS: "linux", Arch: "amd64"}, job.StatusFailed, job.ReasonBuild),
		terminalJob(t, job.KindLint, nil, job.StatusSucceeded, job.ReasonNone),
	}

	report := Aggregate("run-1", "abc123", matrix.EventPullRequest, jobs, nil, nil, time.Now(), time.Now())
	assert.False(t, report.Succeeded())
	assert.Equal(t, job.StatusFailed, report.Status)
}

func TestAggregateSkippedIsNotFailed(t *testing.T) {
	t.Parallel()

	jobs := []*job.Job{
		terminalJob(t, job.KindBuild, &job.Target{OS: "linux", Arch: "amd64"}, job.StatusSucceeded, job.ReasonNone),
		terminalJob(t, job.KindTest, nil, job.StatusSkipped, job.ReasonCancelled),
	}

	report := Aggregate("run-1", "abc123", matrix.EventPullRequestDraft, jobs, nil, nil, time.Now(), time.Now())
	assert.True(t, report.Succeeded())
}

func TestAggregateManifestFailureFailsNonDraft(t *testing.T) {
	t.Parallel()

	jobs := []*job.Job{
		terminalJob(t, job.KindImage, &job.Target{OS: "linux", Arch: "amd64"}, job.StatusSucceeded, job.ReasonNone),
	}
	manifest := &image.ManifestResult{Error: "registry unavailable"}

	report := Aggregate("run-1", "abc123", matrix.EventPush, jobs, nil, manifest, time.Now(), time.Now())
	assert.False(t, report.Succeeded())
}

func TestAggregateManifestSkippedDoesNotFail(t *testing.T) {
	t.Parallel()

	jobs := []*job.Job{
		terminalJob(t, job.KindBuild, &job.Target{OS: "linux", Arch: "amd64"}, job.StatusSucceeded, job.ReasonNone),
	}
	// Assembly was deliberately suppressed; the underlying image failure
	// is what fails the pipeline, and here there is none recorded.
	manifest := &image.ManifestResult{Skipped: true}

	report := Aggregate("run-1", "abc123", matrix.EventPush, jobs, nil, manifest, time.Now(), time.Now())
	assert.True(t, report.Succeeded())
}

func TestAggregateDraftImageNotRequired(t *testing.T) {
	t.Parallel()

	jobs := []*job.Job{
		terminalJob(t, job.KindBuild, &job.Target{OS: "linux", Arch: "amd64"}, job.StatusSucceeded, job.ReasonNone),
		terminalJob(t, job.KindImage, &job.Target{OS: "linux", Arch: "amd64"}, job.StatusFailed, job.ReasonBuild),
	}

	report := Aggregate("run-1", "abc123", matrix.EventPullRequestDraft, jobs, nil, nil, time.Now(), time.Now())
	assert.True(t, report.Succeeded())

	for _, jr := range report.Jobs {
		if jr.Kind == job.KindImage {
			assert.False(t, jr.Required)
		}
	}
}

func TestReportMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	jobs := []*job.Job{
		terminalJob(t, job.KindBuild, &job.Target{OS: "linux", Arch: "amd64", Features: []string{"jemalloc"}},
			job.StatusFailed, job.ReasonTimeout),
	}
	report := Aggregate("run-1", "abc123", matrix.EventPullRequest, jobs,
		&drift.Report{HasDrift: true}, nil, time.Now(), time.Now())

	raw, err := report.Marshal()
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, report.RunID, decoded.RunID)
	assert.Equal(t, report.Status, decoded.Status)
	require.Len(t, decoded.Jobs, 1)
	assert.Equal(t, "linux/amd64+jemalloc", decoded.Jobs[0].Target)
	assert.Equal(t, job.ReasonTimeout, decoded.Jobs[0].Reason)
	require.NotNil(t, decoded.Drift)
	assert.True(t, decoded.Drift.HasDrift)
}
