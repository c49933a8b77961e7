// Package artifact is a write-once filesystem store for job outputs:
// build logs, failure stderr, drift diffs. Refs are immutable once created.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/latticeci/lattice/internal/job"
)

// Store persists artifacts under <baseDir>/<job>/<name>. The caller roots
// baseDir per pipeline run.
type Store struct {
	baseDir string
}

// NewStore creates a store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("artifact base directory is empty")
	}
	return &Store{baseDir: filepath.Clean(trimmed)}, nil
}

// Save writes data as a new artifact. Overwriting an existing artifact is
// an error: locations are write-once by contract.
func (s *Store) Save(jobID, name string, data []byte) (job.ArtifactRef, error) {
	path, err := s.artifactPath(jobID, name)
	if err != nil {
		return job.ArtifactRef{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return job.ArtifactRef{}, fmt.Errorf("create artifact directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return job.ArtifactRef{}, fmt.Errorf("artifact %q for job %q already exists", name, jobID)
		}
		return job.ArtifactRef{}, fmt.Errorf("create artifact %q: %w", name, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return job.ArtifactRef{}, fmt.Errorf("write artifact %q: %w", name, err)
	}

	return job.ArtifactRef{JobID: jobID, Name: name, Location: path}, nil
}

// SaveFile copies an existing file (e.g. a compiled binary) into the store.
func (s *Store) SaveFile(jobID, name, srcPath string) (job.ArtifactRef, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return job.ArtifactRef{}, fmt.Errorf("read artifact source %q: %w", srcPath, err)
	}
	return s.Save(jobID, name, data)
}

// Read resolves a ref back to its content.
func (s *Store) Read(ref job.ArtifactRef) ([]byte, error) {
	data, err := os.ReadFile(ref.Location)
	if err != nil {
		return nil, fmt.Errorf("read artifact %q: %w", ref.Name, err)
	}
	return data, nil
}

func (s *Store) artifactPath(jobID, name string) (string, error) {
	if err := validateSegment(jobID, "job id"); err != nil {
		return "", err
	}
	if err := validateSegment(name, "artifact name"); err != nil {
		return "", err
	}
	// Job IDs contain "/" from target slugs; flatten for the filesystem.
	flat := strings.NewReplacer("/", "_", ":", "_").Replace(jobID)
	return filepath.Join(s.baseDir, flat, name), nil
}

func validateSegment(v, what string) error {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return fmt.Errorf("%s is empty", what)
	}
	if trimmed == "." || trimmed == ".." || strings.Contains(trimmed, "..") {
		return fmt.Errorf("%s %q is invalid", what, v)
	}
	if strings.Contains(trimmed, `\`) {
		return fmt.Errorf("%s %q must not contain path separators", what, v)
	}
	return nil
}
