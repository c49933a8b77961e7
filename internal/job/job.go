package job

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind identifies what a job does. Build and image jobs are bound to a
// matrix target; lint, test and codegen-check are target-independent.
type Kind string

const (
	KindBuild        Kind = "build"
	KindLint         Kind = "lint"
	KindTest         Kind = "test"
	KindCodegenCheck Kind = "codegen-check"
	KindImage        Kind = "image"
)

// Status is the job lifecycle state. Transitions are monotonic:
// pending -> running -> {succeeded, failed}; pending -> skipped.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Reason classifies why a job failed. Empty for non-failed jobs.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonToolchain  Reason = "toolchain_error"
	ReasonBuild      Reason = "build_error"
	ReasonGeneration Reason = "generation_error"
	ReasonDrift      Reason = "drift_error"
	ReasonTimeout    Reason = "timeout"
	ReasonCancelled  Reason = "cancelled"
)

// Target is one row of the build matrix. Identity is the tuple value;
// Features keeps declaration order.
type Target struct {
	OS       string   `yaml:"os" json:"os"`
	Arch     string   `yaml:"arch" json:"arch"`
	Features []string `yaml:"features,omitempty" json:"features,omitempty"`
}

// Slug renders a stable identifier fragment like "linux/amd64+jemalloc".
func (t Target) Slug() string {
	s := t.OS + "/" + t.Arch
	if len(t.Features) > 0 {
		s += "+" + strings.Join(t.Features, "+")
	}
	return s
}

// Key is a canonical identity string: equal targets produce equal keys
// regardless of feature declaration order.
func (t Target) Key() string {
	feats := append([]string(nil), t.Features...)
	sort.Strings(feats)
	return t.OS + "/" + t.Arch + "+" + strings.Join(feats, "+")
}

// ArtifactRef is an opaque handle to a stored job output. Immutable once
// created.
type ArtifactRef struct {
	JobID    string `json:"job_id"`
	Name     string `json:"name"`
	Location string `json:"location"`
}

// Job is one independently schedulable unit of work. It is created pending
// by the matrix expander and mutated only by the executor that owns it.
type Job struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	Target    *Target       `json:"target,omitempty"`
	Status    Status        `json:"status"`
	Reason    Reason        `json:"reason,omitempty"`
	Err       string        `json:"error,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
}

// New returns a pending job. Target may be nil for global kinds.
func New(kind Kind, target *Target) *Job {
	id := string(kind)
	if target != nil {
		id += ":" + target.Slug()
	}
	return &Job{ID: id, Kind: kind, Status: StatusPending}
}

// Start transitions the job to running. It is an error to start a job
// that is not pending.
func (j *Job) Start(now time.Time) error {
	if j.Status != StatusPending {
		return fmt.Errorf("job %s: cannot start from status %q", j.ID, j.Status)
	}
	j.Status = StatusRunning
	t := now.UTC()
	j.StartedAt = &t
	return nil
}

// Finish transitions a running job to succeeded or failed.
func (j *Job) Finish(now time.Time, status Status, reason Reason, errMsg string) error {
	if j.Status != StatusRunning {
		return fmt.Errorf("job %s: cannot finish from status %q", j.ID, j.Status)
	}
	if status != StatusSucceeded && status != StatusFailed {
		return fmt.Errorf("job %s: invalid terminal status %q", j.ID, status)
	}
	j.Status = status
	j.Reason = reason
	j.Err = errMsg
	t := now.UTC()
	j.EndedAt = &t
	return nil
}

// Skip transitions a pending job directly to skipped.
func (j *Job) Skip(now time.Time, reason Reason) error {
	if j.Status != StatusPending {
		return fmt.Errorf("job %s: cannot skip from status %q", j.ID, j.Status)
	}
	j.Status = StatusSkipped
	j.Reason = reason
	t := now.UTC()
	j.EndedAt = &t
	return nil
}

// Attach records an artifact produced by the job.
func (j *Job) Attach(ref ArtifactRef) {
	j.Artifacts = append(j.Artifacts, ref)
}
