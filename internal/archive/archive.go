// Package archive is an optional SQLite sink for terminal command records.
// It hangs off the store's change hook and is strictly write-only: nothing is
// ever read back into the dispatch queue, so queue semantics stay volatile.
package archive

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"chaosbrain/internal/logging"
	"chaosbrain/internal/types"
)

// Archive records finished commands to a SQLite database.
type Archive struct {
	db     *sql.DB
	dbPath string
}

// Open creates or opens the archive database.
func Open(dbPath string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &Archive{db: db, dbPath: dbPath}
	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return a, nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Path returns the database file path.
func (a *Archive) Path() string {
	return a.dbPath
}

// initSchema creates the database schema.
func (a *Archive) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		created_at DATETIME NOT NULL,
		prompt TEXT NOT NULL,
		exec_code TEXT NOT NULL,
		undo_code TEXT,
		origin TEXT,
		author TEXT,
		user_ref TEXT,
		status TEXT NOT NULL,
		error TEXT,
		executed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);
	CREATE INDEX IF NOT EXISTS idx_commands_created ON commands(created_at);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Record upserts a command once it reaches a terminal status. Non-terminal
// statuses are ignored so the archive only ever holds settled history.
// Intended for use as a store change hook; failures are logged, never
// propagated into the dispatch path.
func (a *Archive) Record(cmd types.Command) {
	if !cmd.Status.Terminal() {
		return
	}

	var executedAt interface{}
	if !cmd.ExecutedAt.IsZero() {
		executedAt = cmd.ExecutedAt
	}

	_, err := a.db.Exec(`
		INSERT INTO commands (id, created_at, prompt, exec_code, undo_code, origin, author, user_ref, status, error, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, error=excluded.error, executed_at=excluded.executed_at`,
		cmd.ID, cmd.CreatedAt, cmd.Prompt, cmd.ExecCode, cmd.UndoCode,
		cmd.Origin, cmd.Author, cmd.UserRef, string(cmd.Status), cmd.Error, executedAt)
	if err != nil {
		logging.ArchiveError("failed to record command %d: %v", cmd.ID, err)
		return
	}
	logging.Archive("recorded command %d (%s)", cmd.ID, cmd.Status)
}

// Count returns the number of archived commands.
func (a *Archive) Count() (int, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM commands`).Scan(&n)
	return n, err
}
