package bench

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/davidgumberg/benchkit/hooks"
	"github.com/davidgumberg/benchkit/params"
	"github.com/davidgumberg/benchkit/proc"
	"github.com/davidgumberg/benchkit/profile"
)

// Definition describes one benchmark. Immutable once loaded; the engine
// owns it for the duration of the benchmark's execution.
type Definition struct {
	// Name identifies the benchmark in logs and exports.
	Name string
	// Network is the chain the measured binary runs on.
	Network string
	// ConnectAddress is the node the measured binary syncs from.
	ConnectAddress string
	// Mode selects the hook executor variant.
	Mode hooks.Mode
	// CommandTemplate is the command line with {name} placeholders.
	CommandTemplate string
	// Warmup is the number of discarded runs before measurement.
	Warmup int
	// Runs is the number of measured runs per combination.
	Runs int
	// CaptureOutput stores the measured process's stdout per run.
	CaptureOutput bool
	// StopPattern, when non-empty, ends a run at the first matching output
	// line instead of waiting for natural exit.
	StopPattern string
	// Profiling attaches the resource profiler to every run.
	Profiling bool
	// ProfileInterval is the sampling interval; zero selects the default.
	ProfileInterval time.Duration
	// ParameterLists are the named value lists expanded into combinations.
	ParameterLists []params.List
}

// Environment is the invocation-level configuration surrounding a
// definition: where binaries, snapshots, and outputs live, and which
// commits and cores to use.
type Environment struct {
	// Commits are the revisions to benchmark. Each needs a
	// bitcoind-<commit> binary under BinDir.
	Commits []string
	// BinDir holds the prebuilt per-commit binaries.
	BinDir string
	// OutDir is the root output directory for results and artifacts.
	OutDir string
	// DataDir is the working directory given to the measured binary.
	DataDir string
	// SnapshotPath is the UTXO snapshot used by assumeutxo hooks.
	SnapshotPath string
	// BenchmarkCores constrains measured processes to a core set.
	BenchmarkCores string
}

// BinaryPath returns the expected binary location for a commit.
func (e Environment) BinaryPath(commit string) string {
	return filepath.Join(e.BinDir, "bitcoind-"+commit)
}

// CheckBinaries verifies that every commit's binary exists before any
// benchmark starts.
func (e Environment) CheckBinaries() error {
	var missing []string

	for _, commit := range e.Commits {
		path := e.BinaryPath(commit)
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, path)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf(
			"missing benchmark binaries: %s", strings.Join(missing, ", "),
		)
	}

	return nil
}

// Engine executes one Definition across commits and combinations.
type Engine struct {
	def         Definition
	env         Environment
	matrix      *params.Matrix
	stopPattern *regexp.Regexp
	hookRunner  *hooks.Runner
	procExec    *proc.Executor
	profiler    *profile.Profiler
	logger      *slog.Logger
}

// NewEngine validates the definition and builds an engine for it. All
// configuration errors (invalid stop pattern, profiling combined with a
// stop pattern, missing command) surface here, before any process spawns.
func NewEngine(def Definition, env Environment, logger *slog.Logger) (*Engine, error) {
	if def.CommandTemplate == "" {
		return nil, fmt.Errorf("benchmark %s: no command template", def.Name)
	}

	if def.Runs < 1 {
		return nil, fmt.Errorf("benchmark %s: runs must be at least 1", def.Name)
	}

	if len(env.Commits) == 0 {
		return nil, fmt.Errorf("benchmark %s: no commits configured", def.Name)
	}

	var stopPattern *regexp.Regexp
	if def.StopPattern != "" {
		var err error

		stopPattern, err = regexp.Compile(def.StopPattern)
		if err != nil {
			return nil, fmt.Errorf(
				"benchmark %s: invalid stop pattern: %w", def.Name, err,
			)
		}
	}

	// Profiling owns the process's output stream; pattern-watching needs
	// it too, so one run cannot do both.
	if def.Profiling && stopPattern != nil {
		return nil, fmt.Errorf(
			"benchmark %s: profiling and stop_on_log_pattern are mutually exclusive",
			def.Name,
		)
	}

	logger = logger.With(slog.String("benchmark", def.Name))
	procExec := proc.NewExecutor(logger)

	return &Engine{
		def:         def,
		env:         env,
		matrix:      params.NewMatrix(def.ParameterLists),
		stopPattern: stopPattern,
		hookRunner:  hooks.NewRunner(def.Mode, procExec, logger),
		procExec:    procExec,
		profiler:    profile.New(def.ProfileInterval, procExec, logger),
		logger:      logger,
	}, nil
}

// Run executes every commit x combination sequentially and returns one
// CombinationResult per pair. Runs never overlap in time; the data
// directory belongs exclusively to the in-flight run. A hook or spawn
// failure aborts the remaining iterations of its combination only.
func (e *Engine) Run(ctx context.Context) ([]CombinationResult, error) {
	// Expand every command up front so an unresolved placeholder fails
	// the benchmark before a single process is spawned.
	type job struct {
		commit  string
		combo   params.Combination
		command string
	}

	var jobs []job

	for _, commit := range e.env.Commits {
		extra := map[string]string{
			"commit":  commit,
			"binary":  e.env.BinaryPath(commit),
			"network": e.def.Network,
			"connect": e.def.ConnectAddress,
			"datadir": e.env.DataDir,
		}

		for _, combo := range e.matrix.Combinations {
			command, err := params.Apply(e.def.CommandTemplate, combo, extra)
			if err != nil {
				return nil, fmt.Errorf("benchmark %s: %w", e.def.Name, err)
			}

			jobs = append(jobs, job{commit: commit, combo: combo, command: command})
		}
	}

	results := make([]CombinationResult, 0, len(jobs))

	for _, j := range jobs {
		e.logger.Info("running combination",
			slog.String("commit", j.commit),
			slog.String("parameters", j.combo.Label()),
			slog.Int("warmup", e.def.Warmup),
			slog.Int("runs", e.def.Runs),
		)

		result := e.runCombination(ctx, j.commit, j.combo, j.command)
		result.Summary = Summarize(result.Runs)
		results = append(results, result)

		if err := ctx.Err(); err != nil {
			return results, err
		}
	}

	return results, nil
}

// runCombination performs setup, warmup+measured iterations, and cleanup
// for one commit and binding set. Fatal errors are recorded on the result
// and stop this combination; subsequent combinations still proceed.
func (e *Engine) runCombination(
	ctx context.Context,
	commit string,
	combo params.Combination,
	command string,
) CombinationResult {
	result := CombinationResult{
		Command:    command,
		Commit:     commit,
		Parameters: combo,
	}

	baseArgs := hooks.Args{
		Binary:         e.env.BinaryPath(commit),
		ConnectAddress: e.def.ConnectAddress,
		Network:        e.def.Network,
		OutDir:         e.env.OutDir,
		SnapshotPath:   e.env.SnapshotPath,
		DataDir:        e.env.DataDir,
		Commit:         commit,
		ParamsDir:      combo.DirName(),
	}

	if err := e.hookRunner.Run(ctx, hooks.StageSetup, baseArgs); err != nil {
		result.Error = err.Error()
		e.logger.Error("combination aborted",
			slog.String("stage", "setup"),
			slog.String("error", err.Error()),
		)

		return result
	}

	total := e.def.Warmup + e.def.Runs

	for iteration := 0; iteration < total; iteration++ {
		warmup := iteration < e.def.Warmup

		iterArgs := baseArgs
		iterArgs.Iteration = iteration

		if err := e.hookRunner.Run(ctx, hooks.StagePrepare, iterArgs); err != nil {
			result.Error = err.Error()
			e.logger.Error("combination aborted",
				slog.String("stage", "prepare"),
				slog.Int("iteration", iteration),
				slog.String("error", err.Error()),
			)

			break
		}

		m, err := e.executeRun(ctx, command, iterArgs)
		if err != nil {
			result.Error = err.Error()
			e.logger.Error("combination aborted",
				slog.String("stage", "run"),
				slog.Int("iteration", iteration),
				slog.String("error", err.Error()),
			)

			break
		}

		if warmup {
			e.logger.Info("warmup run discarded",
				slog.Int("iteration", iteration),
				slog.Float64("seconds", m.Seconds),
			)
		} else {
			m.Iteration = iteration - e.def.Warmup
			result.Runs = append(result.Runs, m)
		}

		if err := e.hookRunner.Run(ctx, hooks.StageConclude, iterArgs); err != nil {
			result.Error = err.Error()
			e.logger.Error("combination aborted",
				slog.String("stage", "conclude"),
				slog.Int("iteration", iteration),
				slog.String("error", err.Error()),
			)

			break
		}
	}

	if err := e.hookRunner.Run(ctx, hooks.StageCleanup, baseArgs); err != nil {
		// Cleanup failures don't invalidate collected measurements.
		e.logger.Warn("cleanup failed", slog.String("error", err.Error()))
	}

	return result
}

// executeRun times one supervised invocation. A nonzero exit of the
// measured command is data, not an error; only spawn and supervision
// failures are fatal.
func (e *Engine) executeRun(
	ctx context.Context,
	command string,
	args hooks.Args,
) (Measurement, error) {
	opts := proc.Options{
		Name:          e.def.Name,
		Cores:         e.env.BenchmarkCores,
		CaptureOutput: e.def.CaptureOutput,
	}

	switch {
	case e.def.Profiling:
		cmd, err := e.procExec.Start(ctx, command, opts)
		if err != nil {
			return Measurement{}, err
		}

		res, err := e.profiler.Profile(ctx, command, cmd)
		if err != nil {
			return Measurement{}, err
		}

		if err := e.writeProfileArtifacts(res, args); err != nil {
			return Measurement{}, err
		}

		return Measurement{Seconds: res.Duration, ExitCode: res.ExitCode}, nil

	case e.stopPattern != nil:
		// The node must log to stdout for the watcher to see anything.
		watched := command
		if !strings.Contains(watched, "-printtoconsole") {
			watched += " -printtoconsole"
		}

		res, err := e.procExec.RunWatched(ctx, watched, e.stopPattern, opts)
		if err != nil {
			return Measurement{}, err
		}

		return Measurement{
			Seconds:  res.Elapsed.Seconds(),
			ExitCode: res.ExitCode,
			Output:   res.Output,
		}, nil

	default:
		res, err := e.procExec.Run(ctx, command, opts)
		if err != nil {
			return Measurement{}, err
		}

		return Measurement{
			Seconds:  res.Elapsed.Seconds(),
			ExitCode: res.ExitCode,
			Output:   res.Output,
		}, nil
	}
}

// writeProfileArtifacts stores the structured and tabular representations
// of one run's samples under the iteration's output subdirectory.
func (e *Engine) writeProfileArtifacts(res profile.Result, args hooks.Args) error {
	dir := filepath.Join(
		args.OutDir, args.Commit, args.ParamsDir, strconv.Itoa(args.Iteration),
	)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create profile output dir %s: %w", dir, err)
	}

	if err := profile.WriteJSON(res, filepath.Join(dir, "profile_data.json")); err != nil {
		return err
	}

	return profile.WriteCSV(res, filepath.Join(dir, "profile_data.csv"))
}
