package bench

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Export is the serialized form of one benchmark: every combination's
// result plus, when more than one combination was measured, the master
// comparison summary.
type Export struct {
	Results       []CombinationResult `json:"results"`
	MasterSummary *MasterSummary      `json:"master_summary,omitempty"`
}

// NewExport recomputes every summary from its raw measurements and builds
// the master summary when applicable.
func NewExport(results []CombinationResult) Export {
	for i := range results {
		results[i].Summary = Summarize(results[i].Runs)
	}

	return Export{
		Results:       results,
		MasterSummary: NewMasterSummary(results),
	}
}

// WriteJSON serializes an export to w.
func (e Export) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(e); err != nil {
		return fmt.Errorf("encode results: %w", err)
	}

	return nil
}

// WriteJSONFile serializes an export to path.
func (e Export) WriteJSONFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	return e.WriteJSON(f)
}

// WriteCSVFile writes the flat measurement rows of every combination.
func (e Export) WriteCSVFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)

	header := []string{"commit", "parameters", "iteration", "execution_time", "exit_code"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, res := range e.Results {
		for _, run := range res.Runs {
			row := []string{
				res.Commit,
				res.Parameters.Label(),
				strconv.Itoa(run.Iteration),
				strconv.FormatFloat(run.Seconds, 'f', 4, 64),
				strconv.Itoa(run.ExitCode),
			}
			if err := w.Write(row); err != nil {
				return fmt.Errorf("write csv row: %w", err)
			}
		}
	}

	w.Flush()

	return w.Error()
}
