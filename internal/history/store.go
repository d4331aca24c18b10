// Package history keeps a SQLite record of every run and its sections so
// flaky sections can be spotted across runs.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/nbjstest/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// SchemaVersion is the version recorded by schema.sql.
const SchemaVersion = 1

// RunRecord is one stored run.
type RunRecord struct {
	RunID        string
	StartedAt    time.Time
	Duration     time.Duration
	Passed       bool
	SectionCount int
	FailedCount  int
	Sections     []SectionRecord
}

// SectionRecord is one stored section result.
type SectionRecord struct {
	Section      string
	AuthMode     string
	Status       string
	FinalState   string
	ExitCode     int
	Command      string
	Duration     time.Duration
	ErrorMessage string
}

// SectionStats summarizes one section across all stored runs.
type SectionStats struct {
	Section    string
	Runs       int
	Passed     int
	LastStatus string
}

// PassRate returns the fraction of runs that passed, 0 when there are none.
func (s SectionStats) PassRate() float64 {
	if s.Runs == 0 {
		return 0
	}
	return float64(s.Passed) / float64(s.Runs)
}

// Store manages the SQLite run history database
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new Store instance and initializes the database
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		// Ensure parent directory exists for file-based databases
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Set busy_timeout FIRST so subsequent operations wait on locks held by
	// another nbjstest process recording into the same file.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if err := execWithRetry(db, schemaSQL, 5, 10*time.Millisecond); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// execWithRetry executes a SQL statement with exponential backoff retry on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}

		// Only retry on "database is locked" errors
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}

		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.dbPath
}

// Version returns the applied schema version.
func (s *Store) Version() (int, error) {
	var version int
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}

// Record stores result and all of its sections in one transaction.
func (s *Store) Record(ctx context.Context, result models.RunResult) error {
	if result.RunID == "" {
		return fmt.Errorf("run id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, duration_ms, passed, section_count, failed_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		result.RunID,
		result.StartedAt.UTC(),
		result.Duration.Milliseconds(),
		result.Passed(),
		len(result.Sections),
		len(result.Failed()),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, sec := range result.Sections {
		var errMsg sql.NullString
		if sec.Err != nil {
			errMsg = sql.NullString{String: sec.Err.Error(), Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sections (run_id, position, section, auth_mode, status, final_state, exit_code, command, duration_ms, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			result.RunID,
			i,
			sec.Section,
			sec.AuthMode.String(),
			sec.Status(),
			sec.State.String(),
			sec.ExitCode,
			strings.Join(sec.Command, " "),
			sec.Duration.Milliseconds(),
			errMsg,
		)
		if err != nil {
			return fmt.Errorf("insert section %s: %w", sec.Section, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first, with their sections.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, started_at, duration_ms, passed, section_count, failed_count
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run := &RunRecord{}
		var durationMs int64
		if err := rows.Scan(&run.RunID, &run.StartedAt, &durationMs, &run.Passed, &run.SectionCount, &run.FailedCount); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	rows.Close()

	for _, run := range runs {
		sections, err := s.sections(ctx, run.RunID)
		if err != nil {
			return nil, err
		}
		run.Sections = sections
	}
	return runs, nil
}

func (s *Store) sections(ctx context.Context, runID string) ([]SectionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT section, auth_mode, status, final_state, exit_code, command, duration_ms, error_message
		FROM sections
		WHERE run_id = ?
		ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("query sections: %w", err)
	}
	defer rows.Close()

	var sections []SectionRecord
	for rows.Next() {
		var rec SectionRecord
		var durationMs int64
		var errMsg sql.NullString
		if err := rows.Scan(&rec.Section, &rec.AuthMode, &rec.Status, &rec.FinalState, &rec.ExitCode, &rec.Command, &durationMs, &errMsg); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.ErrorMessage = errMsg.String
		sections = append(sections, rec)
	}
	return sections, rows.Err()
}

// Stats returns per-section pass counts across all stored runs, ordered by
// section name.
func (s *Store) Stats(ctx context.Context) ([]SectionStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.section,
			COUNT(*),
			SUM(CASE WHEN s.status = ? THEN 1 ELSE 0 END),
			(SELECT s2.status FROM sections s2
				JOIN runs r2 ON r2.run_id = s2.run_id
				WHERE s2.section = s.section
				ORDER BY r2.started_at DESC, s2.id DESC LIMIT 1)
		FROM sections s
		GROUP BY s.section
		ORDER BY s.section`, models.StatusPassed)
	if err != nil {
		return nil, fmt.Errorf("query section stats: %w", err)
	}
	defer rows.Close()

	var stats []SectionStats
	for rows.Next() {
		var st SectionStats
		if err := rows.Scan(&st.Section, &st.Runs, &st.Passed, &st.LastStatus); err != nil {
			return nil, fmt.Errorf("scan section stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
