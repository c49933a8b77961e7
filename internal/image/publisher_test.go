package image

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeci/lattice/internal/artifact"
	"github.com/latticeci/lattice/internal/command"
	"github.com/latticeci/lattice/internal/config"
	"github.com/latticeci/lattice/internal/job"
)

// captureRunner records every argv and replays canned results in order.
type captureRunner struct {
	calls   [][]string
	results []command.Result
}

func (r *captureRunner) Run(_ context.Context, spec command.Spec) (command.Result, error) {
	r.calls = append(r.calls, spec.Argv)
	if len(r.results) == 0 {
		return command.Result{ExitCode: 0}, nil
	}
	res := r.results[0]
	r.results = r.results[1:]
	return res, nil
}

func testImageConfig() config.ImageConfig {
	return config.ImageConfig{
		BuildCommand:    []string{"docker", "build", "--platform", "{os}/{arch}", "-t", "{tag}-{arch}", "."},
		ManifestCommand: []string{"docker", "manifest", "create", "{tag}"},
		Emulator:        []string{"qemu-wrapper", "--arch", "{arch}"},
		NativeArch:      "amd64",
		Tag:             "app:dev",
		Timeout:         time.Minute,
	}
}

func newPublisher(t *testing.T, runner command.Runner) *Publisher {
	t.Helper()
	store, err := artifact.NewStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	return New(testImageConfig(), runner, store)
}

func imageJob(arch string) *job.Job {
	return job.New(job.KindImage, &job.Target{OS: "linux", Arch: arch})
}

func succeededImageJob(t *testing.T, arch string) *job.Job {
	t.Helper()
	j := imageJob(arch)
	require.NoError(t, j.Start(time.Now()))
	require.NoError(t, j.Finish(time.Now(), job.StatusSucceeded, job.ReasonNone, ""))
	return j
}

func TestExecuteNativeArchRunsBare(t *testing.T) {
	t.Parallel()

	runner := &captureRunner{}
	p := newPublisher(t, runner)
	j := imageJob("amd64")

	p.Execute(context.Background(), j)

	assert.Equal(t, job.StatusSucceeded, j.Status)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"docker", "build", "--platform", "linux/amd64", "-t", "app:dev-amd64", "."},
		runner.calls[0])
}

func TestExecuteForeignArchUsesEmulator(t *testing.T) {
	t.Parallel()

	runner := &captureRunner{}
	p := newPublisher(t, runner)
	j := imageJob("arm64")

	p.Execute(context.Background(), j)

	assert.Equal(t, job.StatusSucceeded, j.Status)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"qemu-wrapper", "--arch", "arm64",
		"docker", "build", "--platform", "linux/arm64", "-t", "app:dev-arm64", "."},
		runner.calls[0])
}

func TestExecuteBuildFailure(t *testing.T) {
	t.Parallel()

	runner := &captureRunner{results: []command.Result{{ExitCode: 1, Stderr: []byte("push denied")}}}
	p := newPublisher(t, runner)
	j := imageJob("amd64")

	p.Execute(context.Background(), j)

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, job.ReasonBuild, j.Reason)
	require.Len(t, j.Artifacts, 1)
	assert.Equal(t, "stderr.log", j.Artifacts[0].Name)
}

func TestExecuteBuildTimeout(t *testing.T) {
	t.Parallel()

	runner := &captureRunner{results: []command.Result{{TimedOut: true, ExitCode: -1}}}
	p := newPublisher(t, runner)
	j := imageJob("amd64")

	p.Execute(context.Background(), j)

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, job.ReasonTimeout, j.Reason)
}

func TestAssembleManifestAllSucceeded(t *testing.T) {
	t.Parallel()

	runner := &captureRunner{}
	p := newPublisher(t, runner)

	jobs := []*job.Job{succeededImageJob(t, "amd64"), succeededImageJob(t, "arm64")}
	res := p.AssembleManifest(context.Background(), jobs)

	assert.True(t, res.Assembled)
	assert.False(t, res.Skipped)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"docker", "manifest", "create", "app:dev", "app:dev-amd64", "app:dev-arm64"},
		runner.calls[0])
}

func TestAssembleManifestSuppressedByFailedArch(t *testing.T) {
	t.Parallel()

	runner := &captureRunner{}
	p := newPublisher(t, runner)

	failed := imageJob("arm64")
	require.NoError(t, failed.Start(time.Now()))
	require.NoError(t, failed.Finish(time.Now(), job.StatusFailed, job.ReasonBuild, "exit status 1"))

	res := p.AssembleManifest(context.Background(), []*job.Job{succeededImageJob(t, "amd64"), failed})

	assert.False(t, res.Assembled)
	assert.True(t, res.Skipped)
	assert.Contains(t, res.Error, "image:linux/arm64")
	// The manifest command must never run on partial success.
	assert.Empty(t, runner.calls)
}

func TestAssembleManifestNoImageJobs(t *testing.T) {
	t.Parallel()

	runner := &captureRunner{}
	p := newPublisher(t, runner)

	res := p.AssembleManifest(context.Background(), nil)
	assert.True(t, res.Skipped)
	assert.False(t, res.Assembled)
	assert.Empty(t, runner.calls)
}

func TestAssembleManifestCommandFailure(t *testing.T) {
	t.Parallel()

	runner := &captureRunner{results: []command.Result{{ExitCode: 1, Stderr: []byte("registry unavailable")}}}
	p := newPublisher(t, runner)

	res := p.AssembleManifest(context.Background(), []*job.Job{succeededImageJob(t, "amd64")})

	assert.False(t, res.Assembled)
	assert.False(t, res.Skipped)
	assert.Contains(t, res.Error, "registry unavailable")
}
