// Package profile samples resource usage of a supervised process and every
// process beneath it. The sampler only observes PIDs; descendants are not
// owned by the harness and may disappear between enumeration and sampling.
package profile

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/davidgumberg/benchkit/proc"
)

// DefaultInterval favors low overhead over fine granularity.
const DefaultInterval = 5 * time.Second

// stallTimeout terminates a profiled process tree that shows no CPU or
// disk activity for this long.
const stallTimeout = 5 * time.Minute

// Sample is one snapshot of the whole process tree, keyed by the elapsed
// offset since profiling started.
type Sample struct {
	// Time is seconds elapsed since the start of profiling.
	Time uint64 `json:"time"`
	// CPUUsage is the summed CPU percentage across the tree (100 per core).
	CPUUsage float64 `json:"cpu_usage"`
	// Memory is the summed resident set size in bytes.
	Memory uint64 `json:"memory"`
	// VirtualMemory is the summed virtual size in bytes.
	VirtualMemory uint64 `json:"virtual_memory"`
	// DiskRead is the summed cumulative bytes read.
	DiskRead uint64 `json:"disk_read"`
	// DiskWrite is the summed cumulative bytes written.
	DiskWrite uint64 `json:"disk_write"`
}

// Result is one profiling session.
type Result struct {
	Command  string   `json:"command"`
	Duration float64  `json:"duration"`
	ExitCode int      `json:"exit_code"`
	Samples  []Sample `json:"samples"`
}

// Profiler samples a process tree on a fixed interval.
type Profiler struct {
	interval time.Duration
	procExec *proc.Executor
	logger   *slog.Logger
}

// New returns a Profiler sampling every interval. A zero interval selects
// DefaultInterval.
func New(interval time.Duration, procExec *proc.Executor, logger *slog.Logger) *Profiler {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Profiler{
		interval: interval,
		procExec: procExec,
		logger:   logger.With(slog.String("component", "profile")),
	}
}

// Profile supervises an already-started command: it samples the descendant
// tree every interval until the root process exits, then reports the
// accumulated sequence alongside the timing and exit status. Sampling is
// best-effort; a final sample may be skipped if the process exits inside a
// tick, and an unreadable tree degrades to a truncated sequence rather
// than failing the run.
func (p *Profiler) Profile(ctx context.Context, command string, cmd *exec.Cmd) (Result, error) {
	pid := int32(cmd.Process.Pid)
	start := time.Now()

	p.logger.Info("profiling process",
		slog.Int("pid", int(pid)),
		slog.Duration("interval", p.interval),
	)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var samples []Sample

	lastActive := time.Now()
	var prevRead, prevWrite uint64

	record := func() {
		sample, err := sampleTree(pid, uint64(time.Since(start).Seconds()))
		if err != nil {
			// Tree unreadable, typically because the process already
			// exited. Keep whatever was collected so far.
			p.logger.Debug("sampling failed", slog.String("error", err.Error()))
			return
		}

		if sample.CPUUsage > 0.5 ||
			sample.DiskRead > prevRead || sample.DiskWrite > prevWrite {
			lastActive = time.Now()
		}
		prevRead, prevWrite = sample.DiskRead, sample.DiskWrite

		samples = append(samples, sample)
	}

	record()

	for {
		select {
		case waitErr := <-done:
			duration := time.Since(start)

			res := Result{
				Command:  command,
				Duration: duration.Seconds(),
				ExitCode: exitStatus(cmd, waitErr),
				Samples:  samples,
			}

			p.logger.Info("profiling complete",
				slog.Int("samples", len(samples)),
				slog.Duration("duration", duration),
			)

			return res, nil

		case <-ctx.Done():
			p.procExec.Terminate(cmd)
			<-done
			return Result{}, ctx.Err()

		case <-ticker.C:
			record()

			if time.Since(lastActive) > stallTimeout {
				p.logger.Warn("process tree stalled, terminating",
					slog.Duration("inactive", time.Since(lastActive)),
				)
				p.procExec.Terminate(cmd)
			}
		}
	}
}

// sampleTree walks the full descendant tree of root and sums usage
// counters into one sample. PIDs that vanish mid-walk are skipped.
func sampleTree(root int32, elapsed uint64) (Sample, error) {
	procs, err := process.Processes()
	if err != nil {
		return Sample{}, fmt.Errorf("enumerate processes: %w", err)
	}

	children := make(map[int32][]int32, len(procs))
	byPID := make(map[int32]*process.Process, len(procs))

	for _, pr := range procs {
		byPID[pr.Pid] = pr

		ppid, err := pr.Ppid()
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], pr.Pid)
	}

	if _, ok := byPID[root]; !ok {
		return Sample{}, fmt.Errorf("process %d not found", root)
	}

	sample := Sample{Time: elapsed}

	queue := []int32{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		queue = append(queue, children[pid]...)

		pr, ok := byPID[pid]
		if !ok {
			continue
		}

		if cpu, err := pr.CPUPercent(); err == nil {
			sample.CPUUsage += cpu
		}
		if mem, err := pr.MemoryInfo(); err == nil && mem != nil {
			sample.Memory += mem.RSS
			sample.VirtualMemory += mem.VMS
		}
		if io, err := pr.IOCounters(); err == nil && io != nil {
			sample.DiskRead += io.ReadBytes
			sample.DiskWrite += io.WriteBytes
		}
	}

	return sample, nil
}

// WriteJSON writes the structured representation of a session.
func WriteJSON(res Result, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")

	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode profile data: %w", err)
	}

	return nil
}

// WriteCSV writes the flat tabular representation of a session, one row
// per sample keyed by elapsed-time offset.
func WriteCSV(res Result, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)

	header := []string{
		"time", "cpu", "memory", "virtual_memory", "disk_read", "disk_write",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, s := range res.Samples {
		row := []string{
			strconv.FormatUint(s.Time, 10),
			strconv.FormatFloat(s.CPUUsage, 'f', 2, 64),
			strconv.FormatUint(s.Memory, 10),
			strconv.FormatUint(s.VirtualMemory, 10),
			strconv.FormatUint(s.DiskRead, 10),
			strconv.FormatUint(s.DiskWrite, 10),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	w.Flush()

	return w.Error()
}

func exitStatus(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}

	if waitErr != nil {
		return -1
	}

	return 0
}
