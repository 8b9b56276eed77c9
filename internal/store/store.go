// Package store is the SQLite persistence layer: the CBR case store, the
// immutable decision log with its submission and ratification follow-ups,
// and the trust/breaker state snapshots.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"trustgate/internal/logging"
)

var (
	// ErrDecisionNotFound is returned when a decision id is unknown.
	ErrDecisionNotFound = errors.New("decision not found")
	// ErrAlreadyRatified is returned for a second ratification of a decision.
	ErrAlreadyRatified = errors.New("decision already ratified")
)

// Store implements types.CaseStore, types.DecisionSink and trust.StateStore
// on one SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway and :memory: is per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("failed to apply %q: %v", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Store("store ready at %s", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS cbr_cases (
			id TEXT PRIMARY KEY,
			notification_id TEXT NOT NULL,
			category TEXT NOT NULL,
			question TEXT NOT NULL,
			decision_value TEXT NOT NULL,
			ratification_state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			embedding BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cbr_cases_category ON cbr_cases(category)`,

		`CREATE TABLE IF NOT EXISTS trust_decisions (
			id TEXT PRIMARY KEY,
			notification_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			category TEXT NOT NULL,
			question TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			action TEXT NOT NULL,
			decision_value TEXT,
			predicted_value TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL,
			trust_level INTEGER NOT NULL,
			effective_level INTEGER NOT NULL,
			method TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL,
			reason TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trust_decisions_notification ON trust_decisions(notification_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trust_decisions_timestamp ON trust_decisions(timestamp)`,

		`CREATE TABLE IF NOT EXISTS submissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			decision_id TEXT NOT NULL REFERENCES trust_decisions(id),
			success INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			attempted_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_decision ON submissions(decision_id)`,

		`CREATE TABLE IF NOT EXISTS ratifications (
			decision_id TEXT PRIMARY KEY REFERENCES trust_decisions(id),
			approved INTEGER NOT NULL,
			feedback TEXT NOT NULL DEFAULT '',
			ratified_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS trust_state (
			domain TEXT NOT NULL,
			category TEXT NOT NULL,
			trust_level INTEGER NOT NULL,
			consecutive_successes INTEGER NOT NULL,
			consecutive_failures INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL,
			last_promoted_at INTEGER NOT NULL,
			PRIMARY KEY (domain, category)
		)`,

		`CREATE TABLE IF NOT EXISTS breaker_state (
			category TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			failure_count INTEGER NOT NULL,
			consecutive_failures INTEGER NOT NULL,
			failures TEXT NOT NULL DEFAULT '[]',
			opened_at INTEGER NOT NULL,
			cooldown INTEGER NOT NULL,
			trips INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Summary is a coarse snapshot for the status command.
type Summary struct {
	Cases         int            `json:"cases"`
	Decisions     map[string]int `json:"decisions"`
	Submissions   int            `json:"submissions"`
	FailedSubmits int            `json:"failed_submissions"`
	Approved      int            `json:"approved"`
	Rejected      int            `json:"rejected"`
}

// Summarize counts rows across the log tables.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	sum := Summary{Decisions: make(map[string]int)}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cbr_cases`).Scan(&sum.Cases); err != nil {
		return sum, fmt.Errorf("failed to count cases: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT action, COUNT(*) FROM trust_decisions GROUP BY action`)
	if err != nil {
		return sum, fmt.Errorf("failed to count decisions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return sum, err
		}
		sum.Decisions[action] = n
	}
	if err := rows.Err(); err != nil {
		return sum, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0) FROM submissions`,
	).Scan(&sum.Submissions, &sum.FailedSubmits); err != nil {
		return sum, fmt.Errorf("failed to count submissions: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(approved), 0), COALESCE(SUM(1 - approved), 0) FROM ratifications`,
	).Scan(&sum.Approved, &sum.Rejected); err != nil {
		return sum, fmt.Errorf("failed to count ratifications: %w", err)
	}
	return sum, nil
}

// toUnix stores the zero time as 0 so it round-trips.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
