// Package bench runs benchmark definitions: it drives the hook lifecycle
// and the process supervisor across warmup and measured iterations for
// every parameter combination and commit, and aggregates the measurements
// into comparable statistics.
package bench

import (
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/davidgumberg/benchkit/params"
)

// Measurement is one non-warmup run of one combination.
type Measurement struct {
	// Iteration is the ordinal run index, starting at zero for the first
	// measured run.
	Iteration int `json:"iteration"`
	// Seconds is the monotonic-clock execution time.
	Seconds float64 `json:"execution_time"`
	// ExitCode is the measured process's exit status, recorded as data.
	ExitCode int `json:"exit_code"`
	// Output holds captured stdout when the definition requests it.
	Output string `json:"output,omitempty"`
}

// Summary holds per-combination statistics over execution times.
type Summary struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// CombinationResult collects everything recorded for one commit and one
// parameter combination.
type CombinationResult struct {
	// Command is the fully substituted command line that was executed.
	Command string `json:"command"`
	// Commit identifies the measured revision.
	Commit string `json:"commit"`
	// Parameters is the binding set of this combination.
	Parameters params.Combination `json:"parameters"`
	// Runs are the measured (non-warmup) results in execution order.
	Runs []Measurement `json:"runs"`
	// Summary is recomputed from Runs whenever export is requested.
	Summary Summary `json:"summary"`
	// Error records a fatal abort of this combination, if any.
	Error string `json:"error,omitempty"`
}

// Label is the display/grouping key of the result: commit plus binding set.
func (r *CombinationResult) Label() string {
	label := r.Parameters.Label()
	if r.Commit != "" {
		return "commit=" + r.Commit + ", " + label
	}

	return label
}

// Summarize computes the statistics over a set of measurements. The
// standard deviation is the unbiased sample form (n-1 denominator),
// degenerating to zero for a single measurement.
func Summarize(runs []Measurement) Summary {
	if len(runs) == 0 {
		return Summary{}
	}

	times := make([]float64, len(runs))
	for i, r := range runs {
		times[i] = r.Seconds
	}

	mean := stat.Mean(times, nil)

	stddev := 0.0
	if len(times) > 1 {
		stddev = stat.StdDev(times, nil)
	}

	sorted := slices.Clone(times)
	sort.Float64s(sorted)

	var median float64
	if n := len(sorted); n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	} else {
		median = sorted[n/2]
	}

	return Summary{
		Mean:   mean,
		Median: median,
		StdDev: stddev,
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}
}

// Comparison relates one combination to the fastest one.
type Comparison struct {
	// Label identifies the compared combination.
	Label string `json:"label"`
	// RelativeFactor is this combination's mean over the baseline mean.
	RelativeFactor float64 `json:"relative_factor"`
	// ErrorMargin is the first-order propagated error of the factor: the
	// two relative standard deviations combined in quadrature, scaled by
	// the factor itself.
	ErrorMargin float64 `json:"error_margin"`
}

// MasterSummary is the cross-combination comparison for one benchmark.
type MasterSummary struct {
	// FastestCommand is the command line of the minimum-mean combination.
	FastestCommand string `json:"fastest_command"`
	// FastestLabel identifies the baseline combination.
	FastestLabel string `json:"fastest_label"`
	// FastestParameters is the baseline's binding set.
	FastestParameters params.Combination `json:"fastest_parameters"`
	// Comparisons covers every other combination, ascending by mean.
	Comparisons []Comparison `json:"comparisons"`
}

// NewMasterSummary selects the minimum-mean combination as baseline and
// relates every other combination to it. Summaries are recomputed from the
// raw measurements. Returns nil unless more than one combination has
// measurements.
func NewMasterSummary(results []CombinationResult) *MasterSummary {
	type entry struct {
		result  *CombinationResult
		summary Summary
	}

	entries := make([]entry, 0, len(results))
	for i := range results {
		if len(results[i].Runs) == 0 {
			continue
		}
		entries = append(entries, entry{
			result:  &results[i],
			summary: Summarize(results[i].Runs),
		})
	}

	if len(entries) < 2 {
		return nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].summary.Mean < entries[j].summary.Mean
	})

	baseline := entries[0]

	master := &MasterSummary{
		FastestCommand:    baseline.result.Command,
		FastestLabel:      baseline.result.Label(),
		FastestParameters: baseline.result.Parameters,
	}

	for _, e := range entries[1:] {
		factor := e.summary.Mean / baseline.summary.Mean

		relBase := baseline.summary.StdDev / baseline.summary.Mean
		relOwn := e.summary.StdDev / e.summary.Mean
		margin := factor * math.Hypot(relBase, relOwn)

		master.Comparisons = append(master.Comparisons, Comparison{
			Label:          e.result.Label(),
			RelativeFactor: factor,
			ErrorMargin:    margin,
		})
	}

	return master
}
