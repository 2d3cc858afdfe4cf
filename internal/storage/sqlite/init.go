package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// migrations are applied in order. Each step must be additive and safe to
// re-run against a store that already contains it: CREATE TABLE uses IF NOT
// EXISTS and ALTER TABLE steps are guarded by the recorded schema version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		media_key TEXT NOT NULL,
		server_id TEXT NOT NULL,
		local_file_path TEXT NOT NULL,
		metadata_snapshot BLOB,
		status TEXT NOT NULL DEFAULT 'pending',
		file_size INTEGER,
		downloaded_bytes INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(media_key, server_id)
	)`,
	`CREATE TABLE IF NOT EXISTS servers (
		server_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		access_token TEXT NOT NULL,
		base_url TEXT NOT NULL,
		owned INTEGER NOT NULL DEFAULT 0,
		last_connected_at DATETIME
	)`,
	`ALTER TABLE downloads ADD COLUMN thumbnail_path TEXT`,
	`ALTER TABLE downloads ADD COLUMN resume_checkpoint BLOB`,
}

// InitDB opens the SQLite database at path and brings its schema up to date.
// Re-running against an already migrated store is a no-op.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	version, err := currentVersion(db)
	if err != nil {
		db.Close()

		return nil, err
	}

	for i := version; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			db.Close()

			return nil, fmt.Errorf("migration %d failed: %w", i+1, err)
		}

		if err := setVersion(db, i+1); err != nil {
			db.Close()

			return nil, err
		}
	}

	return db, nil
}

func currentVersion(db *sql.DB) (int, error) {
	var version int

	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("failed to seed schema_version: %w", err)
		}

		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	return version, nil
}

func setVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`UPDATE schema_version SET version = ?`, version); err != nil {
		return fmt.Errorf("failed to record schema version %d: %w", version, err)
	}

	return nil
}
