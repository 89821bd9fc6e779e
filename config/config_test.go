package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davidgumberg/benchkit/hooks"
)

const sampleConfig = `
global:
  bin_dir: bin
  snapshot_dir: snapshots
  tmp_data_dir: data
  commits: ["abc123", "def456"]
  benchmark_cores: "0-3"
  runner_cores: "4,5"
  benchmark:
    warmup: 1
    runs: 5
    capture_output: false
    command: "{binary} -datadir={datadir} -dbcache={dbcache}"
    parameter_lists:
      - var: dbcache
        values: ["450", "32000"]

benchmarks:
  - name: ibd-mainnet
    network: main
    connect: 192.168.1.10:8333
    mode: assumeutxo

  - name: ibd-signet-full
    network: signet
    connect: 192.168.1.10:38333
    mode: full-ibd
    benchmark:
      runs: 2
      command: "{binary} -datadir={datadir} -chain=signet"
      stop_on_log_pattern: "progress=1.000000"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "benchmark.yml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Benchmarks) != 2 {
		t.Fatalf("benchmarks = %d, want 2", len(cfg.Benchmarks))
	}

	if got := cfg.Global.Commits; len(got) != 2 || got[0] != "abc123" {
		t.Errorf("commits = %v", got)
	}

	// Relative paths resolve against the config file's directory.
	dir := filepath.Dir(path)
	if cfg.Global.BinDir != filepath.Join(dir, "bin") {
		t.Errorf("bin_dir = %q, not resolved against config dir", cfg.Global.BinDir)
	}
	if cfg.Global.TmpDataDir != filepath.Join(dir, "data") {
		t.Errorf("tmp_data_dir = %q, not resolved", cfg.Global.TmpDataDir)
	}
}

func TestDefinitionInheritsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	def, err := cfg.Definition(cfg.Benchmarks[0])
	if err != nil {
		t.Fatalf("Definition failed: %v", err)
	}

	if def.Name != "ibd-mainnet" {
		t.Errorf("name = %q", def.Name)
	}
	if def.Mode != hooks.ModeAssumeUTXO {
		t.Errorf("mode = %v, want assumeutxo", def.Mode)
	}
	if def.Warmup != 1 || def.Runs != 5 {
		t.Errorf("warmup/runs = %d/%d, want 1/5 from global defaults",
			def.Warmup, def.Runs)
	}
	if len(def.ParameterLists) != 1 || def.ParameterLists[0].Var != "dbcache" {
		t.Errorf("parameter lists = %+v", def.ParameterLists)
	}
	if def.StopPattern != "" {
		t.Errorf("stop pattern = %q, want none", def.StopPattern)
	}
}

func TestDefinitionOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	def, err := cfg.Definition(cfg.Benchmarks[1])
	if err != nil {
		t.Fatalf("Definition failed: %v", err)
	}

	if def.Mode != hooks.ModeFullIBD {
		t.Errorf("mode = %v, want full-ibd", def.Mode)
	}
	if def.Runs != 2 {
		t.Errorf("runs = %d, want the override 2", def.Runs)
	}
	// Warmup was not overridden, so the global default survives.
	if def.Warmup != 1 {
		t.Errorf("warmup = %d, want inherited 1", def.Warmup)
	}
	if def.CommandTemplate != "{binary} -datadir={datadir} -chain=signet" {
		t.Errorf("command = %q", def.CommandTemplate)
	}
	if def.StopPattern != "progress=1.000000" {
		t.Errorf("stop pattern = %q", def.StopPattern)
	}
}

func TestEnvironmentSnapshotPaths(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	out := t.TempDir()

	env := cfg.Environment(cfg.Benchmarks[0], out)
	if filepath.Base(env.SnapshotPath) != "mainnet-880000.dat" {
		t.Errorf("main snapshot = %q", env.SnapshotPath)
	}
	if env.OutDir != out {
		t.Errorf("out dir = %q, want %q", env.OutDir, out)
	}
	if env.BenchmarkCores != "0-3" {
		t.Errorf("benchmark cores = %q", env.BenchmarkCores)
	}

	env = cfg.Environment(cfg.Benchmarks[1], out)
	if filepath.Base(env.SnapshotPath) != "signet-160000.dat" {
		t.Errorf("signet snapshot = %q", env.SnapshotPath)
	}
}

func TestSnapshotPathUnknownNetworks(t *testing.T) {
	for _, network := range []string{"test", "regtest"} {
		if p := SnapshotPath(network, "/snap"); p != "" {
			t.Errorf("snapshot for %s = %q, want none", network, p)
		}
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no benchmarks", func(c *Config) { c.Benchmarks = nil }},
		{"no commits", func(c *Config) { c.Global.Commits = nil }},
		{"no data dir", func(c *Config) { c.Global.TmpDataDir = "" }},
		{"bad cores", func(c *Config) { c.Global.BenchmarkCores = "3-1" }},
		{"bad network", func(c *Config) { c.Benchmarks[0].Network = "moonnet" }},
		{"bad mode", func(c *Config) { c.Benchmarks[0].Mode = "warp" }},
		{"empty name", func(c *Config) { c.Benchmarks[0].Name = "" }},
		{"no command", func(c *Config) {
			c.Global.Benchmark.Command = nil
			c.Benchmarks[0].Benchmark.Command = nil
			c.Benchmarks[1].Benchmark.Command = nil
		}},
		{"bad stop pattern", func(c *Config) {
			bad := "([unclosed"
			c.Benchmarks[1].Benchmark.StopOnLogPattern = &bad
		}},
	}

	for _, tt := range tests {
		cfg, err := Load(writeConfig(t, sampleConfig))
		if err != nil {
			t.Fatalf("%s: Load failed: %v", tt.name, err)
		}

		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected a validation error", tt.name)
		}
	}
}

func TestProfileIntervalConversion(t *testing.T) {
	interval := 10
	enabled := true

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cfg.Benchmarks[0].Benchmark.Profile = &enabled
	cfg.Benchmarks[0].Benchmark.ProfileInterval = &interval

	def, err := cfg.Definition(cfg.Benchmarks[0])
	if err != nil {
		t.Fatalf("Definition failed: %v", err)
	}

	if !def.Profiling {
		t.Error("profiling not enabled")
	}
	if def.ProfileInterval != 10*time.Second {
		t.Errorf("interval = %v, want 10s", def.ProfileInterval)
	}
}
