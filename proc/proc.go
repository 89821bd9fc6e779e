// Package proc supervises the measured external process: it spawns shell
// command lines in their own process group, applies CPU affinity, times the
// run on the monotonic clock, and optionally watches the output stream for
// a stop pattern that ends the measurement early.
package proc

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Options configures a single supervised execution.
type Options struct {
	// Name identifies the command in log output.
	Name string
	// Cores restricts the spawned process (and its descendants) to a
	// taskset-style core set. Empty means unrestricted.
	Cores string
	// CaptureOutput stores the process's stdout in the result.
	CaptureOutput bool
	// AllowFailure suppresses the error on nonzero exit; the exit code is
	// still recorded in the result.
	AllowFailure bool
	// Env is appended to the inherited environment.
	Env []string
}

// Result reports one supervised execution.
type Result struct {
	// Elapsed is the wall-clock duration from just before spawn to the
	// completion instant: natural exit, or the stop-pattern match.
	Elapsed time.Duration
	// ExitCode is the process exit status. -1 when terminated by signal.
	ExitCode int
	// Output holds captured stdout when requested.
	Output string
	// Matched reports whether a configured stop pattern ended the run.
	Matched bool
}

// Executor runs shell command lines under supervision.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor returns an Executor logging through logger.
func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{logger: logger.With(slog.String("component", "proc"))}
}

// command builds the exec.Cmd for a shell command line. The process gets
// its own process group so descendants can be signalled together.
func (e *Executor) command(ctx context.Context, cmdline string, opts Options) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	return cmd
}

// applyAffinity pins the spawned process to the configured cores. Children
// inherit the mask, so binding the group leader is sufficient for
// descendants forked afterwards.
func (e *Executor) applyAffinity(cmd *exec.Cmd, opts Options) error {
	if opts.Cores == "" {
		return nil
	}

	pid := cmd.Process.Pid
	if err := PinPID(pid, opts.Cores); err != nil {
		return err
	}

	e.logger.Debug("pinned process",
		slog.Int("pid", pid),
		slog.String("cores", opts.Cores),
	)

	return nil
}

// Run spawns cmdline and waits for natural exit. A spawn failure is an
// error; a nonzero exit is recorded as data unless AllowFailure is unset
// and the caller opted into strict mode via RunChecked.
func (e *Executor) Run(ctx context.Context, cmdline string, opts Options) (Result, error) {
	cmd := e.command(ctx, cmdline, opts)

	var stdout, stderr bytes.Buffer
	if opts.CaptureOutput {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	e.logger.Info("starting command", slog.String("name", e.name(cmdline, opts)))

	start := time.Now()

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("spawn %q: %w", e.name(cmdline, opts), err)
	}

	if err := e.applyAffinity(cmd, opts); err != nil {
		return Result{}, err
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	res := Result{
		Elapsed:  elapsed,
		ExitCode: exitCode(cmd, waitErr),
		Output:   stdout.String(),
	}

	if waitErr != nil && !isExitError(waitErr) {
		return res, fmt.Errorf("wait for %q: %w", e.name(cmdline, opts), waitErr)
	}

	e.logger.Info("command finished",
		slog.String("name", e.name(cmdline, opts)),
		slog.Duration("elapsed", elapsed),
		slog.Int("exit_code", res.ExitCode),
	)

	return res, nil
}

// Start spawns cmdline without waiting, for callers that supervise the
// process themselves (the profiler). Output is discarded; profiled runs
// own stdout differently than pattern-watched ones, so the two are
// mutually exclusive.
func (e *Executor) Start(ctx context.Context, cmdline string, opts Options) (*exec.Cmd, error) {
	cmd := e.command(ctx, cmdline, opts)

	e.logger.Info("starting command", slog.String("name", e.name(cmdline, opts)))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %q: %w", e.name(cmdline, opts), err)
	}

	if err := e.applyAffinity(cmd, opts); err != nil {
		return nil, err
	}

	return cmd, nil
}

// Terminate sends SIGTERM to cmd's process group.
func (e *Executor) Terminate(cmd *exec.Cmd) {
	e.terminate(cmd)
}

// RunChecked runs cmdline and treats a nonzero exit as an error. Used by
// hook stages whose sub-commands must succeed.
func (e *Executor) RunChecked(ctx context.Context, cmdline string, opts Options) (Result, error) {
	res, err := e.Run(ctx, cmdline, opts)
	if err != nil {
		return res, err
	}

	if res.ExitCode != 0 && !opts.AllowFailure {
		return res, fmt.Errorf(
			"command %q exited with status %d",
			e.name(cmdline, opts), res.ExitCode,
		)
	}

	return res, nil
}

// RunWatched spawns cmdline and races the stop pattern against natural
// exit. On the first output line matching pattern the elapsed time is
// recorded at that instant and the process group is sent SIGTERM; if the
// process exits without a match, the natural-exit timing is used. A match
// observed in the same step as the exit counts as a match.
func (e *Executor) RunWatched(
	ctx context.Context,
	cmdline string,
	pattern *regexp.Regexp,
	opts Options,
) (Result, error) {
	cmd := e.command(ctx, cmdline, opts)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	e.logger.Info("starting watched command",
		slog.String("name", e.name(cmdline, opts)),
		slog.String("pattern", pattern.String()),
	)

	start := time.Now()

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("spawn %q: %w", e.name(cmdline, opts), err)
	}

	if err := e.applyAffinity(cmd, opts); err != nil {
		return Result{}, err
	}

	// One slot per stream; only the first match is consumed.
	matchCh := make(chan time.Duration, 2)

	var captured bytes.Buffer
	var mu sync.Mutex
	var wg sync.WaitGroup

	watch := func(r io.Reader, name string) {
		defer wg.Done()

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()

			if opts.CaptureOutput {
				mu.Lock()
				captured.WriteString(line)
				captured.WriteByte('\n')
				mu.Unlock()
			}

			if pattern.MatchString(line) {
				matchCh <- time.Since(start)
				e.logger.Info("stop pattern matched",
					slog.String("stream", name),
					slog.String("line", line),
				)

				// Keep draining so the process is not blocked on a
				// full pipe while termination is delivered.
				_, _ = io.Copy(io.Discard, r)

				return
			}
		}
	}

	wg.Add(2)
	go watch(stdout, "stdout")
	go watch(stderr, "stderr")

	type exit struct {
		elapsed time.Duration
		err     error
	}

	exitCh := make(chan exit, 1)

	go func() {
		// Readers must drain the pipes before Wait closes them.
		wg.Wait()
		err := cmd.Wait()
		exitCh <- exit{elapsed: time.Since(start), err: err}
	}()

	var (
		elapsed time.Duration
		matched bool
		waitErr error
	)

	select {
	case elapsed = <-matchCh:
		matched = true
		e.terminate(cmd)
		waitErr = (<-exitCh).err

	case ex := <-exitCh:
		// A match that landed in the same step as the exit wins, since
		// early-stop semantics take precedence.
		select {
		case elapsed = <-matchCh:
			matched = true
		default:
			elapsed = ex.elapsed
		}
		waitErr = ex.err
	}

	res := Result{
		Elapsed:  elapsed,
		ExitCode: exitCode(cmd, waitErr),
		Output:   captured.String(),
		Matched:  matched,
	}

	if waitErr != nil && !isExitError(waitErr) {
		return res, fmt.Errorf("wait for %q: %w", e.name(cmdline, opts), waitErr)
	}

	e.logger.Info("watched command finished",
		slog.String("name", e.name(cmdline, opts)),
		slog.Duration("elapsed", elapsed),
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("matched", matched),
	)

	return res, nil
}

// terminate sends SIGTERM to the whole process group, falling back to the
// process itself if the group signal fails.
func (e *Executor) terminate(cmd *exec.Cmd) {
	pid := cmd.Process.Pid

	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		e.logger.Warn("process group signal failed, signalling process",
			slog.Int("pid", pid),
			slog.String("error", err.Error()),
		)

		if err := cmd.Process.Signal(unix.SIGTERM); err != nil {
			e.logger.Warn("failed to terminate process",
				slog.Int("pid", pid),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Executor) name(cmdline string, opts Options) string {
	if opts.Name != "" {
		return opts.Name
	}

	return cmdline
}

// exitCode extracts the recorded exit status. Signal-terminated processes
// report -1, matching ProcessState semantics.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}

	if waitErr != nil {
		return -1
	}

	return 0
}

func isExitError(err error) bool {
	_, ok := err.(*exec.ExitError)
	return ok
}
