// Package store persists benchmark results to a SQLite database so runs
// can be compared across invocations.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/davidgumberg/benchkit/bench"
)

const schema = `
CREATE TABLE IF NOT EXISTS benchmarks (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    name       TEXT NOT NULL,
    commit_id  TEXT NOT NULL,
    command    TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS runs (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    benchmark_id INTEGER NOT NULL REFERENCES benchmarks(id),
    parameters   TEXT NOT NULL,
    mean         REAL NOT NULL,
    median       REAL NOT NULL,
    stddev       REAL NOT NULL,
    min_time     REAL NOT NULL,
    max_time     REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS measurements (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id            INTEGER NOT NULL REFERENCES runs(id),
    measurement_order INTEGER NOT NULL,
    execution_time    REAL NOT NULL,
    exit_code         INTEGER NOT NULL
);
`

// Store wraps the results database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the results database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open results db %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("initialize results db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save records every combination of one benchmark's export. Aborted
// combinations carry no measurements and are skipped.
func (s *Store) Save(benchName string, export bench.Export) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, res := range export.Results {
		if len(res.Runs) == 0 {
			continue
		}

		if err := saveCombination(tx, benchName, res); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit results: %w", err)
	}

	return nil
}

func saveCombination(tx *sql.Tx, benchName string, res bench.CombinationResult) error {
	r, err := tx.Exec(
		`INSERT INTO benchmarks (name, commit_id, command) VALUES (?, ?, ?)`,
		benchName, res.Commit, res.Command,
	)
	if err != nil {
		return fmt.Errorf("insert benchmark %s: %w", benchName, err)
	}

	benchmarkID, err := r.LastInsertId()
	if err != nil {
		return fmt.Errorf("benchmark id: %w", err)
	}

	s := res.Summary
	r, err = tx.Exec(
		`INSERT INTO runs (benchmark_id, parameters, mean, median, stddev, min_time, max_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		benchmarkID, res.Parameters.Label(), s.Mean, s.Median, s.StdDev, s.Min, s.Max,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	runID, err := r.LastInsertId()
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}

	for _, m := range res.Runs {
		_, err := tx.Exec(
			`INSERT INTO measurements (run_id, measurement_order, execution_time, exit_code)
			 VALUES (?, ?, ?, ?)`,
			runID, m.Iteration, m.Seconds, m.ExitCode,
		)
		if err != nil {
			return fmt.Errorf("insert measurement %d: %w", m.Iteration, err)
		}
	}

	return nil
}
