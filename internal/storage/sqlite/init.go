package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the groups table if it
// doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	// A single writer connection serialises upserts.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS groups (
		key TEXT PRIMARY KEY,
		name TEXT,
		state TEXT NOT NULL,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		downloaded_bytes INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		instance_id TEXT,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_groups_state ON groups (state);`)
	if err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}
