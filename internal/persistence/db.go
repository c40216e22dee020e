// Package persistence provides SQLite-based storage of run results.
package persistence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/equilibrium/internal/engine"
)

// DB wraps a SQLite connection for result persistence.
type DB struct {
	conn *sqlx.DB
}

// RunRow is one stored run.
type RunRow struct {
	ID          string `db:"id" json:"id"`
	StartedAt   string `db:"started_at" json:"started_at"`
	FinishedAt  string `db:"finished_at" json:"finished_at,omitempty"`
	Periods     int    `db:"periods" json:"periods"`
	Converged   int    `db:"converged" json:"converged"`
	Evaluations int    `db:"evaluations" json:"evaluations"`
	Config      string `db:"config_json" json:"-"`
}

// PeriodRow is the stored solver outcome of one period.
type PeriodRow struct {
	RunID             string  `db:"run_id" json:"run_id"`
	Period            int     `db:"period" json:"period"`
	Year              int     `db:"year" json:"year"`
	Converged         bool    `db:"converged" json:"converged"`
	Calibrated        bool    `db:"calibrated" json:"calibrated"`
	Iterations        int     `db:"iterations" json:"iterations"`
	NewtonSteps       int     `db:"newton_steps" json:"newton_steps"`
	BisectionSteps    int     `db:"bisection_steps" json:"bisection_steps"`
	Evaluations       int     `db:"evaluations" json:"evaluations"`
	MaxRelativeExcess float64 `db:"max_relative_excess" json:"max_relative_excess"`
	WorstMarket       string  `db:"worst_market" json:"worst_market,omitempty"`
	DurationMS        int64   `db:"duration_ms" json:"duration_ms"`
	Warnings          int     `db:"warnings" json:"warnings"`
}

// MarketRow is the stored state of one market in one period.
type MarketRow struct {
	Period   int     `db:"period" json:"period"`
	Good     string  `db:"good" json:"good"`
	Region   string  `db:"region" json:"region"`
	Kind     string  `db:"kind" json:"kind"`
	Price    float64 `db:"price" json:"price"`
	Supply   float64 `db:"supply" json:"supply"`
	Demand   float64 `db:"demand" json:"demand"`
	Solvable bool    `db:"solvable" json:"solvable"`
	Solved   bool    `db:"solved" json:"solved"`
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL DEFAULT '',
		periods INTEGER NOT NULL DEFAULT 0,
		converged INTEGER NOT NULL DEFAULT 0,
		evaluations INTEGER NOT NULL DEFAULT 0,
		config_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS period_results (
		run_id TEXT NOT NULL,
		period INTEGER NOT NULL,
		year INTEGER NOT NULL,
		converged INTEGER NOT NULL,
		calibrated INTEGER NOT NULL,
		iterations INTEGER NOT NULL,
		newton_steps INTEGER NOT NULL,
		bisection_steps INTEGER NOT NULL,
		evaluations INTEGER NOT NULL,
		max_relative_excess REAL NOT NULL,
		worst_market TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		warnings INTEGER NOT NULL,
		warnings_json TEXT NOT NULL,
		flows_json TEXT NOT NULL,
		PRIMARY KEY (run_id, period)
	);

	CREATE TABLE IF NOT EXISTS market_results (
		run_id TEXT NOT NULL,
		period INTEGER NOT NULL,
		good TEXT NOT NULL,
		region TEXT NOT NULL,
		kind TEXT NOT NULL,
		price REAL NOT NULL,
		supply REAL NOT NULL,
		demand REAL NOT NULL,
		solvable INTEGER NOT NULL,
		solved INTEGER NOT NULL,
		PRIMARY KEY (run_id, period, good, region)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_market_results_good ON market_results(run_id, good);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SaveRun records the start of a run with its configuration.
func (db *DB) SaveRun(runID string, cfg any) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = db.conn.Exec(
		"INSERT OR REPLACE INTO runs (id, started_at, config_json) VALUES (?, ?, ?)",
		runID, time.Now().UTC().Format(time.RFC3339), string(cfgJSON),
	)
	if err != nil {
		return err
	}
	return db.SaveMeta("last_run", runID)
}

// FinishRun stores the summary of a finished run.
func (db *DB) FinishRun(s engine.RunSummary) error {
	_, err := db.conn.Exec(
		"UPDATE runs SET finished_at = ?, periods = ?, converged = ?, evaluations = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339), s.Periods, s.Converged, s.Evaluations, s.RunID,
	)
	return err
}

// SavePeriod writes a period's solver outcome and market states, replacing any
// earlier save of the same period.
func (db *DB) SavePeriod(runID string, r engine.PeriodReport) error {
	warnJSON, _ := json.Marshal(r.Warnings)
	flowsJSON, _ := json.Marshal(r.Flows)

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res := r.Result
	_, err = tx.Exec(`INSERT OR REPLACE INTO period_results
		(run_id, period, year, converged, calibrated, iterations, newton_steps,
		 bisection_steps, evaluations, max_relative_excess, worst_market,
		 duration_ms, warnings, warnings_json, flows_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.Period, r.Year, res.Converged, r.Calibrated, res.Iterations, res.NewtonSteps,
		res.BisectionSteps, res.Evaluations, res.MaxRelativeExcess, res.WorstMarket,
		res.Duration.Milliseconds(), len(r.Warnings), string(warnJSON), string(flowsJSON),
	)
	if err != nil {
		return fmt.Errorf("insert period %d: %w", r.Period, err)
	}

	if _, err := tx.Exec("DELETE FROM market_results WHERE run_id = ? AND period = ?", runID, r.Period); err != nil {
		return err
	}
	stmt, err := tx.Preparex(`INSERT INTO market_results
		(run_id, period, good, region, kind, price, supply, demand, solvable, solved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range r.Markets {
		_, err := stmt.Exec(runID, r.Period, m.Good, m.Region, m.Kind,
			m.Price, m.Supply, m.Demand, m.Solvable, m.Solved)
		if err != nil {
			return fmt.Errorf("insert market %s/%s: %w", m.Good, m.Region, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Debug("period saved", "run_id", runID, "period", r.Period, "markets", len(r.Markets))
	return nil
}

// SaveMeta stores a key-value pair.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM meta WHERE key = ?", key)
	return value, err
}

// Run returns a stored run.
func (db *DB) Run(runID string) (RunRow, error) {
	var row RunRow
	err := db.conn.Get(&row, "SELECT * FROM runs WHERE id = ?", runID)
	return row, err
}

// Periods returns the stored period outcomes of a run in period order.
func (db *DB) Periods(runID string) ([]PeriodRow, error) {
	var rows []PeriodRow
	err := db.conn.Select(&rows, `SELECT run_id, period, year, converged, calibrated,
		iterations, newton_steps, bisection_steps, evaluations, max_relative_excess,
		worst_market, duration_ms, warnings
		FROM period_results WHERE run_id = ? ORDER BY period`, runID)
	return rows, err
}

// Markets returns the stored markets of a run's period sorted by good and region.
func (db *DB) Markets(runID string, period int) ([]MarketRow, error) {
	var rows []MarketRow
	err := db.conn.Select(&rows, `SELECT period, good, region, kind, price, supply,
		demand, solvable, solved
		FROM market_results WHERE run_id = ? AND period = ? ORDER BY good, region`, runID, period)
	return rows, err
}

// PriceHistory returns the price path of one market across the stored periods.
func (db *DB) PriceHistory(runID, good, region string) ([]MarketRow, error) {
	var rows []MarketRow
	err := db.conn.Select(&rows, `SELECT period, good, region, kind, price, supply,
		demand, solvable, solved
		FROM market_results WHERE run_id = ? AND good = ? AND region = ? ORDER BY period`,
		runID, good, region)
	return rows, err
}
