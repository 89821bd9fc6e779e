// Package report formats benchmark results into comparison tables.
package report

import (
	"fmt"
	"io"

	"github.com/davidgumberg/benchkit/bench"
)

// Generate writes a markdown report for one benchmark: a per-combination
// statistics table and, when a master summary exists, the relative
// comparison against the fastest combination.
func Generate(w io.Writer, name string, export bench.Export) error {
	if len(export.Results) == 0 {
		return fmt.Errorf("no results to report")
	}

	fmt.Fprintf(w, "## Benchmark: %s\n", name)
	fmt.Fprintln(w)

	// Per-combination statistics.
	fmt.Fprintln(w, "| Combination | Runs | Mean | Median | StdDev "+
		"| Min | Max |")
	fmt.Fprintln(w, "|-------------|------|------|--------|--------"+
		"|-----|-----|")

	for _, r := range export.Results {
		if r.Error != "" {
			fmt.Fprintf(w, "| %s | aborted: %s | | | | | |\n", r.Label(), r.Error)

			continue
		}

		s := r.Summary
		fmt.Fprintf(w, "| %s | %d | %s | %s | %s | %s | %s |\n",
			r.Label(),
			len(r.Runs),
			formatSeconds(s.Mean),
			formatSeconds(s.Median),
			formatSeconds(s.StdDev),
			formatSeconds(s.Min),
			formatSeconds(s.Max),
		)
	}

	fmt.Fprintln(w)

	master := export.MasterSummary
	if master == nil {
		return nil
	}

	fmt.Fprintf(w, "Fastest: **%s**\n", master.FastestLabel)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "| Combination | Relative | Error Margin |")
	fmt.Fprintln(w, "|-------------|----------|--------------|")
	fmt.Fprintf(w, "| %s | 1.00x | baseline |\n", master.FastestLabel)

	for _, c := range master.Comparisons {
		fmt.Fprintf(w, "| %s | %.2fx | ±%.2f |\n",
			c.Label, c.RelativeFactor, c.ErrorMargin)
	}

	return nil
}

func formatSeconds(s float64) string {
	if s < 1 {
		return fmt.Sprintf("%.0fms", s*1000)
	}

	return fmt.Sprintf("%.2fs", s)
}
