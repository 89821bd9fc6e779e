// Package hooks implements the lifecycle stages bracketing benchmark runs:
// setup and cleanup once per combination, prepare and conclude around every
// iteration. Executors are stateless; each stage is a function of the
// arguments it receives.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/davidgumberg/benchkit/proc"
)

// Stage identifies one of the four lifecycle stages.
type Stage int

const (
	StageSetup Stage = iota
	StagePrepare
	StageConclude
	StageCleanup
)

func (s Stage) String() string {
	switch s {
	case StageSetup:
		return "setup"
	case StagePrepare:
		return "prepare"
	case StageConclude:
		return "conclude"
	case StageCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Mode selects which executor variant brackets the runs.
type Mode int

const (
	// ModeAssumeUTXO prepares each run by syncing headers and loading a
	// UTXO snapshot into a fresh data directory.
	ModeAssumeUTXO Mode = iota
	// ModeFullIBD gives each run an empty data directory and lets the
	// measured command do a full sync itself.
	ModeFullIBD
)

func (m Mode) String() string {
	switch m {
	case ModeAssumeUTXO:
		return "assumeutxo"
	case ModeFullIBD:
		return "full-ibd"
	default:
		return "unknown"
	}
}

// ParseMode maps a configured mode name to its executor variant. Adding a
// mode requires a new variant and an entry here.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "", "assumeutxo":
		return ModeAssumeUTXO, nil
	case "full-ibd", "fullibd", "ibd":
		return ModeFullIBD, nil
	default:
		return 0, fmt.Errorf("unknown hook mode %q", name)
	}
}

// Args is the per-invocation bundle every stage receives.
type Args struct {
	// Binary is the path of the measured binary for the current commit.
	Binary string
	// ConnectAddress is the node address the measured binary syncs from.
	ConnectAddress string
	// Network is the chain name (main, test, signet, regtest).
	Network string
	// OutDir is the root output directory of the benchmark invocation.
	OutDir string
	// SnapshotPath is the UTXO snapshot consumed by assumeutxo prepare.
	SnapshotPath string
	// DataDir is the working directory the measured binary uses on disk.
	DataDir string
	// Iteration is the index of the current run within its combination.
	Iteration int
	// Commit identifies the code revision under measurement.
	Commit string
	// ParamsDir keys the output subdirectory for the current parameter
	// combination.
	ParamsDir string
}

// ArgsFromMap builds Args from named values. Unrecognized names are a hard
// error; recognized-but-unused names are for other hook modes and are
// accepted, preserving forward compatibility.
func ArgsFromMap(values map[string]string) (Args, error) {
	var args Args

	for name, value := range values {
		switch name {
		case "binary":
			args.Binary = value
		case "connect_address":
			args.ConnectAddress = value
		case "network":
			args.Network = value
		case "out_dir":
			args.OutDir = value
		case "snapshot_path":
			args.SnapshotPath = value
		case "data_dir":
			args.DataDir = value
		case "iteration":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Args{}, fmt.Errorf("invalid iteration %q: %w", value, err)
			}
			args.Iteration = n
		case "commit":
			args.Commit = value
		case "params_dir":
			args.ParamsDir = value
		default:
			return Args{}, fmt.Errorf("unrecognized hook argument %q", name)
		}
	}

	return args, nil
}

// logDir returns the directory holding debug.log inside the data
// directory. Mainnet logs at the data dir root; other networks use a
// chain-specific subdirectory.
func (a Args) logDir() string {
	switch a.Network {
	case "main", "mainnet", "":
		return a.DataDir
	case "test", "testnet":
		return filepath.Join(a.DataDir, "testnet3")
	default:
		return filepath.Join(a.DataDir, a.Network)
	}
}

// iterationOutDir returns the structured output path for one iteration,
// keyed by commit, parameter set, and iteration.
func (a Args) iterationOutDir() string {
	return filepath.Join(
		a.OutDir, a.Commit, a.ParamsDir, strconv.Itoa(a.Iteration),
	)
}

// Executor is the four-operation lifecycle contract.
type Executor interface {
	Setup(ctx context.Context, args Args) error
	Prepare(ctx context.Context, args Args) error
	Conclude(ctx context.Context, args Args) error
	Cleanup(ctx context.Context, args Args) error
}

// NewExecutor returns the executor variant for mode.
func NewExecutor(mode Mode, runner *proc.Executor, logger *slog.Logger) Executor {
	base := baseExecutor{
		runner: runner,
		logger: logger.With(slog.String("hook_mode", mode.String())),
	}

	switch mode {
	case ModeFullIBD:
		return &FullIBDExecutor{baseExecutor: base}
	default:
		return &AssumeUTXOExecutor{baseExecutor: base}
	}
}

// baseExecutor carries the stages shared by every variant.
type baseExecutor struct {
	runner *proc.Executor
	logger *slog.Logger
}

// Setup ensures the data directory exists and is empty. Idempotent: a
// pre-existing non-empty directory is cleared first.
func (e *baseExecutor) Setup(_ context.Context, args Args) error {
	return clearDir(args.DataDir)
}

// Conclude relocates the produced debug.log into the structured output
// path for the iteration, then clears the data directory.
func (e *baseExecutor) Conclude(_ context.Context, args Args) error {
	src := filepath.Join(args.logDir(), "debug.log")
	destDir := args.iterationOutDir()

	if _, err := os.Stat(src); os.IsNotExist(err) {
		e.logger.Warn("no debug.log produced",
			slog.String("path", src),
			slog.Int("iteration", args.Iteration),
		)
	} else {
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return fmt.Errorf("create iteration output dir %s: %w", destDir, err)
		}

		dest := filepath.Join(destDir, "debug.log")
		if err := os.Rename(src, dest); err != nil {
			return fmt.Errorf("relocate debug.log to %s: %w", dest, err)
		}

		e.logger.Debug("relocated log artifact", slog.String("dest", dest))
	}

	return clearDir(args.DataDir)
}

// Cleanup is a final idempotent clearing of the data directory.
func (e *baseExecutor) Cleanup(_ context.Context, args Args) error {
	return clearDir(args.DataDir)
}

// AssumeUTXOExecutor brackets runs that measure sync from a loaded UTXO
// snapshot: prepare syncs headers, then loads the snapshot with
// background sync paused.
type AssumeUTXOExecutor struct {
	baseExecutor
}

// Prepare performs the two sub-invocations of the measured binary. The
// header sync must exit cleanly; the snapshot load is expected to exit
// nonzero or be terminated as its normal completion path, so its exit
// status is never treated as fatal.
func (e *AssumeUTXOExecutor) Prepare(ctx context.Context, args Args) error {
	if err := clearDir(args.DataDir); err != nil {
		return err
	}

	headerSync := fmt.Sprintf(
		"%s -datadir=%s -chain=%s -connect=%s -stopatheight=1 -printtoconsole=0",
		args.Binary, args.DataDir, chainName(args.Network), args.ConnectAddress,
	)

	e.logger.Info("syncing headers", slog.String("commit", args.Commit))

	if _, err := e.runner.RunChecked(ctx, headerSync, proc.Options{
		Name: "header sync",
	}); err != nil {
		return fmt.Errorf("header sync: %w", err)
	}

	snapshotLoad := fmt.Sprintf(
		"%s -datadir=%s -chain=%s -connect=%s -pausebackgroundsync=1 "+
			"-loadutxosnapshot=%s -printtoconsole=0",
		args.Binary, args.DataDir, chainName(args.Network),
		args.ConnectAddress, args.SnapshotPath,
	)

	e.logger.Info("loading UTXO snapshot",
		slog.String("snapshot", args.SnapshotPath),
	)

	res, err := e.runner.RunChecked(ctx, snapshotLoad, proc.Options{
		Name:         "snapshot load",
		AllowFailure: true,
	})
	if err != nil {
		return fmt.Errorf("snapshot load: %w", err)
	}

	if res.ExitCode != 0 {
		// Normal termination path for snapshot-load completion.
		e.logger.Debug("snapshot load exited nonzero as expected",
			slog.Int("exit_code", res.ExitCode),
		)
	}

	return nil
}

// FullIBDExecutor brackets runs that measure a full initial block
// download: each run starts from an empty data directory and the measured
// command performs the sync itself.
type FullIBDExecutor struct {
	baseExecutor
}

// Prepare re-creates the data directory left full by the prior run.
func (e *FullIBDExecutor) Prepare(_ context.Context, args Args) error {
	return clearDir(args.DataDir)
}

// chainName normalizes a configured network name to the -chain= value.
func chainName(network string) string {
	switch network {
	case "", "mainnet":
		return "main"
	case "testnet":
		return "test"
	default:
		return network
	}
}

// clearDir removes dir and recreates it empty.
func clearDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("data directory not configured")
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear dir %s: %w", dir, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	return nil
}
