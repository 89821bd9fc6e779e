// Package config loads benchmark definitions from YAML and turns them into
// the records the benchmark engine consumes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidgumberg/benchkit/bench"
	"github.com/davidgumberg/benchkit/hooks"
	"github.com/davidgumberg/benchkit/params"
	"github.com/davidgumberg/benchkit/proc"
)

// Options are the per-benchmark knobs. Global defaults and per-benchmark
// overrides share this shape; nil fields inherit from the defaults.
type Options struct {
	Warmup           *int          `yaml:"warmup"`
	Runs             *int          `yaml:"runs"`
	CaptureOutput    *bool         `yaml:"capture_output"`
	Command          *string       `yaml:"command"`
	ParameterLists   []params.List `yaml:"parameter_lists"`
	Profile          *bool         `yaml:"profile"`
	ProfileInterval  *int          `yaml:"profile_interval"`
	StopOnLogPattern *string       `yaml:"stop_on_log_pattern"`
}

// merge lays override fields over the receiver's and returns the result.
func (o Options) merge(override Options) Options {
	merged := o

	if override.Warmup != nil {
		merged.Warmup = override.Warmup
	}
	if override.Runs != nil {
		merged.Runs = override.Runs
	}
	if override.CaptureOutput != nil {
		merged.CaptureOutput = override.CaptureOutput
	}
	if override.Command != nil {
		merged.Command = override.Command
	}
	if override.ParameterLists != nil {
		merged.ParameterLists = override.ParameterLists
	}
	if override.Profile != nil {
		merged.Profile = override.Profile
	}
	if override.ProfileInterval != nil {
		merged.ProfileInterval = override.ProfileInterval
	}
	if override.StopOnLogPattern != nil {
		merged.StopOnLogPattern = override.StopOnLogPattern
	}

	return merged
}

// Global holds configuration shared by every benchmark in one file.
type Global struct {
	// BinDir holds the prebuilt bitcoind-<commit> binaries.
	BinDir string `yaml:"bin_dir"`
	// SnapshotDir holds downloaded UTXO snapshots.
	SnapshotDir string `yaml:"snapshot_dir"`
	// TmpDataDir is the working directory given to the measured binary.
	TmpDataDir string `yaml:"tmp_data_dir"`
	// Commits are the revisions to benchmark.
	Commits []string `yaml:"commits"`
	// BenchmarkCores constrains measured processes to a core set.
	BenchmarkCores string `yaml:"benchmark_cores"`
	// RunnerCores constrains the harness itself to a disjoint core set.
	RunnerCores string `yaml:"runner_cores"`
	// Benchmark holds the default options benchmarks inherit.
	Benchmark Options `yaml:"benchmark"`
}

// Benchmark is one named benchmark entry.
type Benchmark struct {
	Name    string `yaml:"name"`
	Network string `yaml:"network"`
	Connect string `yaml:"connect"`
	Mode    string `yaml:"mode"`
	// Benchmark overrides the global default options.
	Benchmark Options `yaml:"benchmark"`
}

// Config is a complete benchmark configuration file.
type Config struct {
	Global     Global      `yaml:"global"`
	Benchmarks []Benchmark `yaml:"benchmarks"`
}

// Load reads, parses, and validates a configuration file. Relative paths
// are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	cfg.Global.BinDir = resolve(dir, cfg.Global.BinDir)
	cfg.Global.SnapshotDir = resolve(dir, cfg.Global.SnapshotDir)
	cfg.Global.TmpDataDir = resolve(dir, cfg.Global.TmpDataDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return &cfg, nil
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(dir, path)
}

// Validate checks the whole configuration before anything runs.
func (c *Config) Validate() error {
	if len(c.Benchmarks) == 0 {
		return fmt.Errorf("no benchmarks configured")
	}

	if len(c.Global.Commits) == 0 {
		return fmt.Errorf("no commits configured")
	}

	if c.Global.TmpDataDir == "" {
		return fmt.Errorf("tmp_data_dir not configured")
	}

	for _, spec := range []struct{ name, cores string }{
		{"benchmark_cores", c.Global.BenchmarkCores},
		{"runner_cores", c.Global.RunnerCores},
	} {
		if spec.cores != "" && !proc.ValidCoreSpec(spec.cores) {
			return fmt.Errorf("invalid %s %q", spec.name, spec.cores)
		}
	}

	for _, b := range c.Benchmarks {
		if err := b.validate(c.Global.Benchmark); err != nil {
			return err
		}
	}

	return nil
}

func (b *Benchmark) validate(defaults Options) error {
	if b.Name == "" {
		return fmt.Errorf("benchmark with empty name")
	}

	switch b.Network {
	case "main", "test", "signet", "regtest":
	default:
		return fmt.Errorf("benchmark %s: invalid network %q", b.Name, b.Network)
	}

	if _, err := hooks.ParseMode(b.Mode); err != nil {
		return fmt.Errorf("benchmark %s: %w", b.Name, err)
	}

	opts := defaults.merge(b.Benchmark)

	if opts.Command == nil || *opts.Command == "" {
		return fmt.Errorf("benchmark %s: missing command template", b.Name)
	}

	if opts.StopOnLogPattern != nil {
		if *opts.StopOnLogPattern == "" {
			return fmt.Errorf("benchmark %s: empty stop_on_log_pattern", b.Name)
		}
		if _, err := regexp.Compile(*opts.StopOnLogPattern); err != nil {
			return fmt.Errorf("benchmark %s: invalid stop_on_log_pattern: %w",
				b.Name, err)
		}
	}

	if opts.Profile != nil && *opts.Profile &&
		opts.ProfileInterval != nil && *opts.ProfileInterval == 0 {
		return fmt.Errorf("benchmark %s: profile_interval cannot be zero", b.Name)
	}

	return nil
}

// Definition builds the engine definition for the named benchmark,
// merging global defaults with its overrides.
func (c *Config) Definition(b Benchmark) (bench.Definition, error) {
	mode, err := hooks.ParseMode(b.Mode)
	if err != nil {
		return bench.Definition{}, fmt.Errorf("benchmark %s: %w", b.Name, err)
	}

	opts := c.Global.Benchmark.merge(b.Benchmark)

	def := bench.Definition{
		Name:           b.Name,
		Network:        b.Network,
		ConnectAddress: b.Connect,
		Mode:           mode,
		Runs:           1,
		ParameterLists: opts.ParameterLists,
	}

	if opts.Command != nil {
		def.CommandTemplate = *opts.Command
	}
	if opts.Warmup != nil {
		def.Warmup = *opts.Warmup
	}
	if opts.Runs != nil {
		def.Runs = *opts.Runs
	}
	if opts.CaptureOutput != nil {
		def.CaptureOutput = *opts.CaptureOutput
	}
	if opts.Profile != nil {
		def.Profiling = *opts.Profile
	}
	if opts.ProfileInterval != nil {
		def.ProfileInterval = time.Duration(*opts.ProfileInterval) * time.Second
	}
	if opts.StopOnLogPattern != nil {
		def.StopPattern = *opts.StopOnLogPattern
	}

	return def, nil
}

// Environment builds the invocation environment for one benchmark, with
// results going to outDir.
func (c *Config) Environment(b Benchmark, outDir string) bench.Environment {
	return bench.Environment{
		Commits:        c.Global.Commits,
		BinDir:         c.Global.BinDir,
		OutDir:         outDir,
		DataDir:        c.Global.TmpDataDir,
		SnapshotPath:   SnapshotPath(b.Network, c.Global.SnapshotDir),
		BenchmarkCores: c.Global.BenchmarkCores,
	}
}

// SnapshotPath returns the expected UTXO snapshot location for a network,
// or "" for networks without a published snapshot.
func SnapshotPath(network, snapshotDir string) string {
	switch network {
	case "main":
		return filepath.Join(snapshotDir, "mainnet-880000.dat")
	case "signet":
		return filepath.Join(snapshotDir, "signet-160000.dat")
	default:
		return ""
	}
}
