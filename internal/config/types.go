package config

import (
	"time"

	"github.com/latticeci/lattice/internal/job"
)

// Config is the complete lattice pipeline declaration.
type Config struct {
	Service   ServiceConfig       `yaml:"service"`
	State     StateConfig         `yaml:"state"`
	API       APIConfig           `yaml:"api,omitempty"`
	Cache     CacheConfig         `yaml:"cache"`
	Toolchain ToolchainConfig     `yaml:"toolchain"`
	Matrix    []job.Target        `yaml:"matrix"`
	Features  map[string][]string `yaml:"allowed_features,omitempty"` // "os/arch" -> allowed feature flags
	Jobs      JobsConfig          `yaml:"jobs"`
}

// ServiceConfig defines core orchestrator settings.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	FailFast    bool   `yaml:"fail_fast"`
	Concurrency int    `yaml:"concurrency"`
}

// StateConfig defines where run history and artifacts live.
type StateConfig struct {
	Path string `yaml:"path"` // sqlite database; artifacts sit beside it
}

// APIConfig defines the optional status HTTP server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// CacheConfig defines the dependency cache backend.
type CacheConfig struct {
	Dir string `yaml:"dir"`
	// LockFiles are the dependency lock descriptions whose content feeds
	// the cache key.
	LockFiles []string `yaml:"lock_files"`
	// WorkDir is the directory builds populate with dependency content;
	// it is what gets saved back to the cache after a successful build.
	WorkDir string `yaml:"work_dir"`
}

// ToolPin is a version-pinned external tool.
type ToolPin struct {
	Bin     string `yaml:"bin"`
	Version string `yaml:"version"`
}

// ToolchainConfig pins the compiler, the codegen tool, and the per-target
// cross-compilation installs.
type ToolchainConfig struct {
	Compiler ToolPin `yaml:"compiler"`
	Codegen  ToolPin `yaml:"codegen"`
	// Triples maps "os/arch" to the compiler's target triple. Targets not
	// listed need no cross install.
	Triples map[string]string `yaml:"triples,omitempty"`
	// TargetInstall is the idempotent command that provisions one cross
	// target; "{triple}" is substituted.
	TargetInstall []string `yaml:"target_install,omitempty"`
}

// CommandConfig is one opaque build/lint/test command with its budget.
// "{os}", "{arch}", "{triple}" and "{features}" are substituted in Command
// and ArtifactPath.
type CommandConfig struct {
	Command      []string      `yaml:"command"`
	Timeout      time.Duration `yaml:"timeout"`
	ArtifactPath string        `yaml:"artifact_path,omitempty"`
}

// CodegenConfig drives the drift check. Command regenerates the bindings
// into "{out}"; CommittedDir is the tree they are compared against.
type CodegenConfig struct {
	Command      []string      `yaml:"command"`
	CommittedDir string        `yaml:"committed_dir"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ImageConfig drives per-architecture container builds. BuildCommand and
// ManifestCommand get the usual placeholders plus "{tag}"; Emulator is
// prepended for non-native architectures.
type ImageConfig struct {
	BuildCommand    []string      `yaml:"build_command"`
	ManifestCommand []string      `yaml:"manifest_command"`
	Emulator        []string      `yaml:"emulator,omitempty"`
	NativeArch      string        `yaml:"native_arch"`
	Tag             string        `yaml:"tag"`
	Timeout         time.Duration `yaml:"timeout"`
}

// JobsConfig holds the command contracts per job kind.
type JobsConfig struct {
	Build   CommandConfig `yaml:"build"`
	Lint    CommandConfig `yaml:"lint"`
	Test    CommandConfig `yaml:"test"`
	Codegen CodegenConfig `yaml:"codegen"`
	Image   ImageConfig   `yaml:"image"`
}

// Defaults returns a Config with working defaults for a cargo-built
// project; real deployments override most of jobs.* in lattice.yaml.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "lattice",
			LogLevel:    "info",
			LogFormat:   "json",
			FailFast:    true,
			Concurrency: 4,
		},
		State: StateConfig{
			Path: "./data/lattice.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8090",
		},
		Cache: CacheConfig{
			Dir:       "./data/cache",
			LockFiles: []string{"Cargo.lock"},
			WorkDir:   "./target",
		},
		Toolchain: ToolchainConfig{
			Compiler: ToolPin{Bin: "cargo", Version: ""},
			Codegen:  ToolPin{Bin: "protoc", Version: ""},
		},
		Jobs: JobsConfig{
			Build: CommandConfig{
				Command: []string{"cargo", "build", "--release"},
				Timeout: 30 * time.Minute,
			},
			Lint: CommandConfig{
				Command: []string{"cargo", "clippy", "--all-targets", "--", "-D", "warnings"},
				Timeout: 15 * time.Minute,
			},
			Test: CommandConfig{
				Command: []string{"cargo", "test"},
				Timeout: 30 * time.Minute,
			},
			Codegen: CodegenConfig{
				Command:      []string{"protoc", "--out", "{out}"},
				CommittedDir: "./gen",
				Timeout:      10 * time.Minute,
			},
			Image: ImageConfig{
				BuildCommand:    []string{"docker", "build", "--platform", "linux/{arch}", "-t", "{tag}-{arch}", "."},
				ManifestCommand: []string{"docker", "manifest", "create", "{tag}"},
				NativeArch:      "amd64",
				Tag:             "lattice-app:dev",
				Timeout:         30 * time.Minute,
			},
		},
	}
}
