package bench

import (
	"math"
	"testing"

	"github.com/davidgumberg/benchkit/params"
)

func measurements(times ...float64) []Measurement {
	ms := make([]Measurement, len(times))
	for i, tm := range times {
		ms[i] = Measurement{Iteration: i, Seconds: tm}
	}

	return ms
}

func TestSummarizeSingleMeasurement(t *testing.T) {
	s := Summarize(measurements(4.2))

	if s.Mean != 4.2 {
		t.Errorf("mean = %v, want 4.2", s.Mean)
	}
	if s.StdDev != 0 {
		t.Errorf("stddev of single measurement = %v, want exactly 0", s.StdDev)
	}
	if s.Median != 4.2 || s.Min != 4.2 || s.Max != 4.2 {
		t.Errorf("summary = %+v, all fields should equal 4.2", s)
	}
}

func TestSummarizeStatistics(t *testing.T) {
	// 2, 4, 4, 4, 5, 5, 7, 9: mean 5, sample stddev sqrt(32/7).
	s := Summarize(measurements(2, 4, 4, 4, 5, 5, 7, 9))

	if s.Mean != 5 {
		t.Errorf("mean = %v, want 5", s.Mean)
	}

	wantStdDev := math.Sqrt(32.0 / 7.0)
	if math.Abs(s.StdDev-wantStdDev) > 1e-12 {
		t.Errorf("stddev = %v, want %v (sample form)", s.StdDev, wantStdDev)
	}

	// Even n: midpoint of the two central values (4 and 5).
	if s.Median != 4.5 {
		t.Errorf("median = %v, want 4.5", s.Median)
	}
	if s.Min != 2 || s.Max != 9 {
		t.Errorf("min/max = %v/%v, want 2/9", s.Min, s.Max)
	}
}

func TestSummarizeOddMedian(t *testing.T) {
	s := Summarize(measurements(9, 1, 5))
	if s.Median != 5 {
		t.Errorf("median = %v, want 5", s.Median)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	if s != (Summary{}) {
		t.Errorf("summary of no measurements = %+v, want zero value", s)
	}
}

func TestMasterSummaryBaselineSelection(t *testing.T) {
	results := []CombinationResult{
		{
			Command:    "cmd -dbcache=450",
			Parameters: params.Combination{"dbcache": "450"},
			Runs:       measurements(10, 12, 11),
		},
		{
			Command:    "cmd -dbcache=32000",
			Parameters: params.Combination{"dbcache": "32000"},
			Runs:       measurements(5, 6, 7),
		},
		{
			Command:    "cmd -dbcache=1000",
			Parameters: params.Combination{"dbcache": "1000"},
			Runs:       measurements(8, 9, 10),
		},
	}

	master := NewMasterSummary(results)
	if master == nil {
		t.Fatal("expected a master summary for 3 combinations")
	}

	if master.FastestParameters["dbcache"] != "32000" {
		t.Errorf("fastest = %v, want dbcache=32000", master.FastestParameters)
	}

	if len(master.Comparisons) != 2 {
		t.Fatalf("comparisons = %d, want 2", len(master.Comparisons))
	}

	// Ascending by mean: dbcache=1000 (mean 9) before dbcache=450 (mean 11).
	if master.Comparisons[0].RelativeFactor > master.Comparisons[1].RelativeFactor {
		t.Errorf("comparisons not sorted ascending by mean: %+v", master.Comparisons)
	}

	for _, c := range master.Comparisons {
		if c.RelativeFactor < 1.0 {
			t.Errorf("relative factor %v < 1.0 against a minimum-mean baseline",
				c.RelativeFactor)
		}
	}
}

func TestMasterSummaryErrorPropagation(t *testing.T) {
	results := []CombinationResult{
		{Parameters: params.Combination{"x": "a"}, Runs: measurements(10, 10, 10)},
		{Parameters: params.Combination{"x": "b"}, Runs: measurements(19, 20, 21)},
	}

	master := NewMasterSummary(results)
	if master == nil {
		t.Fatal("expected a master summary")
	}

	base := Summarize(results[0].Runs)
	other := Summarize(results[1].Runs)

	factor := other.Mean / base.Mean
	want := factor * math.Hypot(base.StdDev/base.Mean, other.StdDev/other.Mean)

	c := master.Comparisons[0]
	if math.Abs(c.RelativeFactor-factor) > 1e-12 {
		t.Errorf("factor = %v, want %v", c.RelativeFactor, factor)
	}
	if math.Abs(c.ErrorMargin-want) > 1e-12 {
		t.Errorf("error margin = %v, want %v", c.ErrorMargin, want)
	}

	// The baseline has zero spread, so the margin reduces to the other
	// side's relative error scaled by the factor.
	if base.StdDev != 0 {
		t.Fatalf("baseline stddev = %v, want 0", base.StdDev)
	}
}

func TestMasterSummarySingleCombination(t *testing.T) {
	results := []CombinationResult{
		{Parameters: params.Combination{}, Runs: measurements(1, 2)},
	}

	if master := NewMasterSummary(results); master != nil {
		t.Errorf("single combination should have no master summary, got %+v",
			master)
	}
}

func TestMasterSummarySkipsAbortedCombinations(t *testing.T) {
	results := []CombinationResult{
		{Parameters: params.Combination{"x": "a"}, Runs: measurements(3, 4)},
		{Parameters: params.Combination{"x": "b"}, Error: "spawn failed"},
		{Parameters: params.Combination{"x": "c"}, Runs: measurements(5, 6)},
	}

	master := NewMasterSummary(results)
	if master == nil {
		t.Fatal("two completed combinations should yield a master summary")
	}
	if len(master.Comparisons) != 1 {
		t.Errorf("comparisons = %d, want 1", len(master.Comparisons))
	}
}
