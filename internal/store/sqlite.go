// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Applies connection pragmas and versioned schema migrations on open

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// migrations[i] moves the schema from user_version i to i+1.
var migrations = []string{
	`CREATE TABLE session_events (
		event_id    TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		session_id  TEXT NOT NULL DEFAULT '',
		identity    TEXT NOT NULL,
		target      TEXT NOT NULL,
		mode        TEXT NOT NULL DEFAULT '',
		reason      TEXT NOT NULL DEFAULT '',
		ts          TEXT NOT NULL,
		detail_json TEXT,
		CHECK (kind IN ('admitted', 'rejected', 'activated', 'preempted', 'killed', 'retired'))
	);
	CREATE INDEX idx_session_events_ts ON session_events(ts);
	CREATE INDEX idx_session_events_session ON session_events(session_id);
	CREATE INDEX idx_session_events_target ON session_events(target, ts);`,

	`CREATE INDEX idx_session_events_identity ON session_events(identity, ts);`,
}

// SQLiteStore keeps session events in a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func inMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

// NewSQLiteStore opens (creating if needed) the database at path and brings
// its schema up to date.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	memory := inMemory(path)
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{"busy_timeout=5000", "foreign_keys=ON"}
	if memory {
		// each :memory: connection is its own database
		db.SetMaxOpenConns(1)
	} else {
		pragmas = append(pragmas, "journal_mode=WAL", "synchronous=NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec("PRAGMA " + p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting %s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, logger: slog.Default().With("component", "store")}
	version, err := s.migrate()
	if err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("audit store ready", "path", path, "schema_version", version)
	return s, nil
}

func (s *SQLiteStore) migrate() (int, error) {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	if current > len(migrations) {
		return current, fmt.Errorf("database schema version %d is newer than this build (%d)", current, len(migrations))
	}

	for v := current; v < len(migrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return v, err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			_ = tx.Rollback()
			return v, fmt.Errorf("migrating schema to version %d: %w", v+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			_ = tx.Rollback()
			return v, fmt.Errorf("recording schema version %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return v, err
		}
	}
	return len(migrations), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
