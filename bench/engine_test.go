package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davidgumberg/benchkit/hooks"
	"github.com/davidgumberg/benchkit/params"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnv(t *testing.T) Environment {
	t.Helper()
	tmp := t.TempDir()

	return Environment{
		Commits: []string{"abc123"},
		BinDir:  filepath.Join(tmp, "bin"),
		OutDir:  filepath.Join(tmp, "out"),
		DataDir: filepath.Join(tmp, "data"),
	}
}

func TestNewEngineValidation(t *testing.T) {
	env := testEnv(t)

	tests := []struct {
		name string
		def  Definition
	}{
		{"missing command", Definition{Name: "b", Runs: 1}},
		{"zero runs", Definition{Name: "b", CommandTemplate: "true"}},
		{"bad regex", Definition{
			Name: "b", CommandTemplate: "true", Runs: 1,
			StopPattern: "([unclosed",
		}},
		{"profiling with stop pattern", Definition{
			Name: "b", CommandTemplate: "true", Runs: 1,
			StopPattern: "x", Profiling: true,
		}},
	}

	for _, tt := range tests {
		if _, err := NewEngine(tt.def, env, testLogger()); err == nil {
			t.Errorf("%s: expected a configuration error", tt.name)
		}
	}
}

func TestNewEngineRequiresCommits(t *testing.T) {
	env := testEnv(t)
	env.Commits = nil

	def := Definition{Name: "b", CommandTemplate: "true", Runs: 1}
	if _, err := NewEngine(def, env, testLogger()); err == nil {
		t.Error("expected an error for empty commit list")
	}
}

func TestRunUnresolvedPlaceholderFailsBeforeSpawn(t *testing.T) {
	def := Definition{
		Name:            "b",
		Mode:            hooks.ModeFullIBD,
		CommandTemplate: "echo {unbound}",
		Runs:            1,
	}

	e, err := NewEngine(def, testEnv(t), testLogger())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	if _, err := e.Run(context.Background()); err == nil {
		t.Fatal("unresolved placeholder must fail before any process spawns")
	}
}

func TestRunEndToEnd(t *testing.T) {
	def := Definition{
		Name:            "dbcache-sweep",
		Network:         "main",
		Mode:            hooks.ModeFullIBD,
		CommandTemplate: "echo commit={commit} dbcache={dbcache}",
		Warmup:          1,
		Runs:            3,
		CaptureOutput:   true,
		ParameterLists: []params.List{
			{Var: "dbcache", Values: []string{"450", "32000"}},
		},
	}

	e, err := NewEngine(def, testEnv(t), testLogger())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 combinations", len(results))
	}

	total := 0
	for _, res := range results {
		if res.Error != "" {
			t.Errorf("combination %s aborted: %s", res.Label(), res.Error)
		}
		if len(res.Runs) != 3 {
			t.Errorf("combination %s has %d measurements, want 3 (warmup discarded)",
				res.Label(), len(res.Runs))
		}
		total += len(res.Runs)

		for i, run := range res.Runs {
			if run.Iteration != i {
				t.Errorf("measured iteration index = %d, want %d", run.Iteration, i)
			}
			if run.ExitCode != 0 {
				t.Errorf("exit code = %d, want 0", run.ExitCode)
			}
			if run.Seconds <= 0 {
				t.Errorf("execution time = %v, want > 0", run.Seconds)
			}
		}
	}

	if total != 6 {
		t.Errorf("total measurements = %d, want 6", total)
	}

	export := NewExport(results)
	if export.MasterSummary == nil {
		t.Fatal("two combinations should produce a master summary")
	}
	for _, c := range export.MasterSummary.Comparisons {
		if c.RelativeFactor < 1.0 {
			t.Errorf("relative factor = %v, want >= 1.0", c.RelativeFactor)
		}
	}
}

func TestRunRecordsNonzeroExitAsData(t *testing.T) {
	def := Definition{
		Name:            "failing-command",
		Mode:            hooks.ModeFullIBD,
		CommandTemplate: "exit 3",
		Runs:            2,
	}

	e, err := NewEngine(def, testEnv(t), testLogger())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	res := results[0]
	if res.Error != "" {
		t.Fatalf("nonzero exit must not abort the combination: %s", res.Error)
	}
	if len(res.Runs) != 2 {
		t.Fatalf("measurements = %d, want 2", len(res.Runs))
	}
	for _, run := range res.Runs {
		if run.ExitCode != 3 {
			t.Errorf("exit code = %d, want 3", run.ExitCode)
		}
	}
}

func TestRunHookFailureAbortsCombinationOnly(t *testing.T) {
	// assumeutxo prepare runs the commit binary for a header sync; with no
	// binary present the sync exits nonzero and the stage fails.
	def := Definition{
		Name:            "aborting",
		Network:         "signet",
		Mode:            hooks.ModeAssumeUTXO,
		CommandTemplate: "echo {dbcache}",
		Runs:            2,
		ParameterLists: []params.List{
			{Var: "dbcache", Values: []string{"450", "32000"}},
		},
	}

	e, err := NewEngine(def, testEnv(t), testLogger())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run should continue past aborted combinations: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2: later combinations still proceed",
			len(results))
	}

	for _, res := range results {
		if res.Error == "" {
			t.Errorf("combination %s should have aborted", res.Label())
		}
		if len(res.Runs) != 0 {
			t.Errorf("aborted combination recorded %d measurements", len(res.Runs))
		}
	}
}

func TestRunStopPattern(t *testing.T) {
	// The template already logs to the console, so no flag is injected.
	def := Definition{
		Name: "early-stop",
		Mode: hooks.ModeFullIBD,
		CommandTemplate: `printf 'a\nUpdateTip: new best=x\n'; ` +
			`sleep 30 # -printtoconsole`,
		Runs:        1,
		StopPattern: "UpdateTip: new best=",
	}

	e, err := NewEngine(def, testEnv(t), testLogger())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	start := time.Now()
	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if wall := time.Since(start); wall > 15*time.Second {
		t.Errorf("run took %v, stop pattern should have cut it short", wall)
	}

	if len(results[0].Runs) != 1 {
		t.Fatalf("measurements = %d, want 1", len(results[0].Runs))
	}
	if s := results[0].Runs[0].Seconds; s > 15 {
		t.Errorf("recorded %vs, want the match instant", s)
	}
}

func TestExportRoundTrip(t *testing.T) {
	results := []CombinationResult{
		{
			Command:    "cmd a",
			Commit:     "abc",
			Parameters: params.Combination{"x": "a"},
			Runs:       measurements(1, 2),
		},
		{
			Command:    "cmd b",
			Commit:     "abc",
			Parameters: params.Combination{"x": "b"},
			Runs:       measurements(3, 4),
		},
	}

	export := NewExport(results)

	var buf bytes.Buffer
	if err := export.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	var decoded Export
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode export: %v", err)
	}

	if len(decoded.Results) != 2 {
		t.Fatalf("decoded results = %d, want 2", len(decoded.Results))
	}
	if decoded.Results[0].Summary.Mean != 1.5 {
		t.Errorf("summary mean = %v, want 1.5", decoded.Results[0].Summary.Mean)
	}
	if decoded.MasterSummary == nil {
		t.Fatal("master summary missing from export")
	}
	if decoded.MasterSummary.FastestParameters["x"] != "a" {
		t.Errorf("fastest = %v, want x=a", decoded.MasterSummary.FastestParameters)
	}
}

func TestExportCSV(t *testing.T) {
	results := []CombinationResult{
		{
			Commit:     "abc",
			Parameters: params.Combination{"x": "a"},
			Runs:       measurements(1, 2, 3),
		},
	}

	path := filepath.Join(t.TempDir(), "results.csv")
	if err := NewExport(results).WriteCSVFile(path); err != nil {
		t.Fatalf("WriteCSVFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	lines := bytes.Count(data, []byte("\n"))
	if lines != 4 {
		t.Errorf("csv lines = %d, want header + 3 rows", lines)
	}
}
