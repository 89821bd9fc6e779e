package hooks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/davidgumberg/benchkit/proc"
)

// Runner owns the executor selected by the configured mode and invokes the
// correct stage at the correct point in the run loop.
type Runner struct {
	mode     Mode
	executor Executor
	logger   *slog.Logger
}

// NewRunner builds a Runner for the given mode. Sub-commands spawned by
// hook stages run through procExec.
func NewRunner(mode Mode, procExec *proc.Executor, logger *slog.Logger) *Runner {
	return &Runner{
		mode:     mode,
		executor: NewExecutor(mode, procExec, logger),
		logger:   logger.With(slog.String("component", "hooks")),
	}
}

// Mode reports the executor variant in use.
func (r *Runner) Mode() Mode {
	return r.mode
}

// Run dispatches one lifecycle stage with the given argument bundle.
func (r *Runner) Run(ctx context.Context, stage Stage, args Args) error {
	r.logger.Debug("running hook stage",
		slog.String("stage", stage.String()),
		slog.String("commit", args.Commit),
		slog.Int("iteration", args.Iteration),
	)

	var err error

	switch stage {
	case StageSetup:
		err = r.executor.Setup(ctx, args)
	case StagePrepare:
		err = r.executor.Prepare(ctx, args)
	case StageConclude:
		err = r.executor.Conclude(ctx, args)
	case StageCleanup:
		err = r.executor.Cleanup(ctx, args)
	default:
		err = fmt.Errorf("unknown hook stage %d", stage)
	}

	if err != nil {
		return fmt.Errorf("%s hook: %w", stage, err)
	}

	return nil
}
