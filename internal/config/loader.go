package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks a malformed pipeline declaration. It is fatal
// before any job runs; nothing downstream sees a partially valid config.
var ErrConfiguration = errors.New("configuration error")

// Load reads, merges over defaults, and validates a lattice.yaml file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "lattice.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but lattice.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfiguration, absPath, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate is the single validation gate for the pipeline declaration.
// Every error wraps ErrConfiguration.
func Validate(cfg *Config) error {
	if cfg.Service.Concurrency <= 0 {
		return fmt.Errorf("%w: service.concurrency must be positive", ErrConfiguration)
	}
	if len(cfg.Matrix) == 0 {
		return fmt.Errorf("%w: matrix is empty", ErrConfiguration)
	}

	for i, t := range cfg.Matrix {
		if t.OS == "" {
			return fmt.Errorf("%w: matrix row %d: os is required", ErrConfiguration, i)
		}
		if t.Arch == "" {
			return fmt.Errorf("%w: matrix row %d: arch is required", ErrConfiguration, i)
		}
		for _, f := range t.Features {
			if f == "" {
				return fmt.Errorf("%w: matrix row %d: empty feature flag", ErrConfiguration, i)
			}
		}
		// Feature applicability is data: rows with an allowlist entry may
		// only use the listed flags.
		if allowed, ok := cfg.Features[t.OS+"/"+t.Arch]; ok {
			for _, f := range t.Features {
				if !contains(allowed, f) {
					return fmt.Errorf("%w: matrix row %d: feature %q is not allowed on %s/%s",
						ErrConfiguration, i, f, t.OS, t.Arch)
				}
			}
		}
	}

	if len(cfg.Jobs.Build.Command) == 0 {
		return fmt.Errorf("%w: jobs.build.command is required", ErrConfiguration)
	}
	if len(cfg.Jobs.Lint.Command) == 0 {
		return fmt.Errorf("%w: jobs.lint.command is required", ErrConfiguration)
	}
	if len(cfg.Jobs.Test.Command) == 0 {
		return fmt.Errorf("%w: jobs.test.command is required", ErrConfiguration)
	}
	if len(cfg.Jobs.Codegen.Command) == 0 {
		return fmt.Errorf("%w: jobs.codegen.command is required", ErrConfiguration)
	}
	if cfg.Jobs.Codegen.CommittedDir == "" {
		return fmt.Errorf("%w: jobs.codegen.committed_dir is required", ErrConfiguration)
	}
	if len(cfg.Jobs.Image.BuildCommand) == 0 {
		return fmt.Errorf("%w: jobs.image.build_command is required", ErrConfiguration)
	}
	if cfg.Jobs.Image.NativeArch == "" {
		return fmt.Errorf("%w: jobs.image.native_arch is required", ErrConfiguration)
	}

	for name, timeout := range map[string]int64{
		"jobs.build.timeout":   int64(cfg.Jobs.Build.Timeout),
		"jobs.lint.timeout":    int64(cfg.Jobs.Lint.Timeout),
		"jobs.test.timeout":    int64(cfg.Jobs.Test.Timeout),
		"jobs.codegen.timeout": int64(cfg.Jobs.Codegen.Timeout),
		"jobs.image.timeout":   int64(cfg.Jobs.Image.Timeout),
	} {
		if timeout <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrConfiguration, name)
		}
	}

	if cfg.Cache.Dir == "" {
		return fmt.Errorf("%w: cache.dir is required", ErrConfiguration)
	}
	if len(cfg.Cache.LockFiles) == 0 {
		return fmt.Errorf("%w: cache.lock_files is required", ErrConfiguration)
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("%w: state.path is required", ErrConfiguration)
	}
	if cfg.Toolchain.Compiler.Bin == "" {
		return fmt.Errorf("%w: toolchain.compiler.bin is required", ErrConfiguration)
	}
	if cfg.Toolchain.Codegen.Bin == "" {
		return fmt.Errorf("%w: toolchain.codegen.bin is required", ErrConfiguration)
	}

	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
