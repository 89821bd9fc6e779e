// Package main provides the CLI entry point for benchkit, a benchmark
// harness for Bitcoin Core binaries.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidgumberg/benchkit/bench"
	"github.com/davidgumberg/benchkit/config"
	"github.com/davidgumberg/benchkit/hooks"
	"github.com/davidgumberg/benchkit/proc"
	"github.com/davidgumberg/benchkit/profile"
	"github.com/davidgumberg/benchkit/report"
	"github.com/davidgumberg/benchkit/store"
	"github.com/davidgumberg/benchkit/sysinfo"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		logger.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "benchkit",
		Short: "Benchmark harness for Bitcoin Core",
		Long: `Benchkit runs repeatable benchmarks of bitcoind binaries from a YAML
config: it expands parameter matrices into command invocations, supervises
each run with CPU pinning and hook stages, and aggregates the timings into
comparison summaries.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd(logger))
	root.AddCommand(newProfileCmd(logger))

	return root
}

func newRunCmd(logger *slog.Logger) *cobra.Command {
	var (
		configPath string
		name       string
		outDir     string
		dbPath     string
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run benchmarks from a YAML config",
		Long: `Load benchmark definitions from a config file and run them
sequentially, writing per-run artifacts and aggregated results under the
output directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBenchmarks(cmd.Context(), logger, runConfig{
				configPath: configPath,
				name:       name,
				outDir:     outDir,
				dbPath:     dbPath,
				outputJSON: outputJSON,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "benchmark.yml",
		"Benchmark config file")
	flags.StringVarP(&name, "name", "n", "",
		"Benchmark name to run (default: all)")
	flags.StringVarP(&outDir, "out-dir", "o", "",
		"Output directory for benchmark artifacts")
	flags.StringVar(&dbPath, "db", "",
		"SQLite database to persist results to")
	flags.BoolVar(&outputJSON, "json", false,
		"Write the report as JSON instead of markdown")

	cmd.MarkFlagRequired("out-dir")

	return cmd
}

type runConfig struct {
	configPath string
	name       string
	outDir     string
	dbPath     string
	outputJSON bool
}

func runBenchmarks(ctx context.Context, logger *slog.Logger, cfg runConfig) error {
	loaded, err := config.Load(cfg.configPath)
	if err != nil {
		return err
	}

	benchmarks := selectBenchmarks(loaded.Benchmarks, cfg.name)
	if len(benchmarks) == 0 {
		return fmt.Errorf("no benchmark named %q in %s", cfg.name, cfg.configPath)
	}

	// Pin the harness itself away from the benchmark cores so its own
	// activity doesn't perturb the measured process.
	if cores := loaded.Global.RunnerCores; cores != "" {
		if err := proc.PinSelf(cores); err != nil {
			return fmt.Errorf("pin runner to cores %s: %w", cores, err)
		}

		logger.Info("runner pinned", slog.String("cores", cores))
	}

	if err := os.MkdirAll(cfg.outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	if err := sysinfo.DumpFile(filepath.Join(cfg.outDir, "system_info.txt")); err != nil {
		return err
	}

	var db *store.Store
	if cfg.dbPath != "" {
		db, err = store.Open(cfg.dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	for _, b := range benchmarks {
		def, err := loaded.Definition(b)
		if err != nil {
			return err
		}

		env := loaded.Environment(b, filepath.Join(cfg.outDir, b.Name))

		if err := preflight(def, env); err != nil {
			return err
		}

		logger.Info("starting benchmark",
			slog.String("name", b.Name),
			slog.String("network", b.Network),
			slog.String("mode", b.Mode),
			slog.Int("commits", len(env.Commits)),
		)

		engine, err := bench.NewEngine(def, env, logger)
		if err != nil {
			return err
		}

		results, err := engine.Run(ctx)
		if err != nil {
			return err
		}

		export := bench.NewExport(results)

		if err := writeOutputs(cfg, b.Name, env.OutDir, export); err != nil {
			return err
		}

		if db != nil {
			if err := db.Save(b.Name, export); err != nil {
				return err
			}
		}

		logger.Info("benchmark complete", slog.String("name", b.Name))
	}

	return nil
}

func selectBenchmarks(all []config.Benchmark, name string) []config.Benchmark {
	if name == "" {
		return all
	}

	for _, b := range all {
		if b.Name == name {
			return []config.Benchmark{b}
		}
	}

	return nil
}

// preflight verifies that every binary and, for snapshot-based benchmarks,
// the UTXO snapshot exist before any run starts.
func preflight(def bench.Definition, env bench.Environment) error {
	if err := env.CheckBinaries(); err != nil {
		return err
	}

	if def.Mode == hooks.ModeAssumeUTXO && env.SnapshotPath != "" {
		if _, err := os.Stat(env.SnapshotPath); err != nil {
			return fmt.Errorf(
				"benchmark %s: missing snapshot %s", def.Name, env.SnapshotPath,
			)
		}
	}

	return nil
}

func writeOutputs(cfg runConfig, name, outDir string, export bench.Export) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	if err := export.WriteJSONFile(filepath.Join(outDir, "results.json")); err != nil {
		return err
	}

	if err := export.WriteCSVFile(filepath.Join(outDir, "results.csv")); err != nil {
		return err
	}

	if cfg.outputJSON {
		return export.WriteJSON(os.Stdout)
	}

	return report.Generate(os.Stdout, name, export)
}

func newProfileCmd(logger *slog.Logger) *cobra.Command {
	var (
		interval int
		outDir   string
		cores    string
	)

	cmd := &cobra.Command{
		Use:   "profile -- <command> [args...]",
		Short: "Run a command under the resource profiler",
		Long: `Run an arbitrary command while sampling CPU, memory, and disk usage
of its whole process tree, and write the samples as JSON and CSV.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProfile(cmd.Context(), logger,
				strings.Join(args, " "),
				time.Duration(interval)*time.Second,
				outDir, cores,
			)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&interval, "interval", "i", 5,
		"Sampling interval in seconds")
	flags.StringVarP(&outDir, "out-dir", "o", ".",
		"Directory for profile artifacts")
	flags.StringVar(&cores, "cores", "",
		"Core set to pin the profiled command to")

	return cmd
}

func runProfile(
	ctx context.Context,
	logger *slog.Logger,
	command string,
	interval time.Duration,
	outDir, cores string,
) error {
	procExec := proc.NewExecutor(logger)

	cmd, err := procExec.Start(ctx, command, proc.Options{
		Name:  "profile",
		Cores: cores,
	})
	if err != nil {
		return err
	}

	profiler := profile.New(interval, procExec, logger)

	res, err := profiler.Profile(ctx, command, cmd)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	if err := profile.WriteJSON(res, filepath.Join(outDir, "profile_data.json")); err != nil {
		return err
	}

	if err := profile.WriteCSV(res, filepath.Join(outDir, "profile_data.csv")); err != nil {
		return err
	}

	logger.Info("profile complete",
		slog.Float64("duration_seconds", res.Duration),
		slog.Int("exit_code", res.ExitCode),
		slog.Int("samples", len(res.Samples)),
	)

	return nil
}
