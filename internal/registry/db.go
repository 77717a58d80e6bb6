package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure Go driver, no CGO

	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

// SchemaVersion is the latest registry schema version. Bump it when adding migrations.
const SchemaVersion = 1

// openDB opens the registry database. An empty path opens an in-memory database.
func openDB(path string, cacheMB int) (*sql.DB, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, tcerrors.StorageError("failed to create registry directory", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, tcerrors.StorageError("failed to open registry database", err)
	}

	// Single writer connection; also keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if cacheMB <= 0 {
		cacheMB = 16
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", cacheMB*1024),
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, tcerrors.StorageError("failed to set pragma", err).WithDetail("pragma", pragma)
		}
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := userVersion(db)
	if err != nil {
		return err
	}
	if version > SchemaVersion {
		return tcerrors.New(tcerrors.ErrCodeCorruptStore,
			fmt.Sprintf("registry schema version %d is newer than supported %d", version, SchemaVersion), nil).
			WithSuggestion("upgrade tonecapture")
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS captures (
		  seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		  id            TEXT NOT NULL UNIQUE,
		  fingerprint   TEXT NOT NULL,
		  kind          TEXT NOT NULL,
		  attributes    TEXT NOT NULL,
		  embedding     BLOB,
		  path          TEXT NOT NULL DEFAULT '',
		  filename      TEXT NOT NULL DEFAULT '',
		  notes         TEXT NOT NULL DEFAULT '',
		  chain         TEXT NOT NULL DEFAULT '[]',
		  cluster_id    TEXT NOT NULL DEFAULT '',
		  cluster_epoch INTEGER NOT NULL DEFAULT 0,
		  state         TEXT NOT NULL DEFAULT 'live',
		  version       INTEGER NOT NULL DEFAULT 0,
		  created_at    INTEGER NOT NULL,
		  updated_at    INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_captures_path
		ON captures(path)
		WHERE path != '' AND state = 'live';

		CREATE INDEX IF NOT EXISTS idx_captures_fingerprint ON captures(fingerprint);
		CREATE INDEX IF NOT EXISTS idx_captures_state ON captures(state);

		CREATE TABLE IF NOT EXISTS events (
		  seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		  op         TEXT NOT NULL,
		  capture_id TEXT NOT NULL,
		  payload    TEXT,
		  created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS retired_ids (
		  id         TEXT PRIMARY KEY,
		  retired_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS clusters (
		  epoch        INTEGER NOT NULL,
		  id           TEXT NOT NULL,
		  centroid     BLOB NOT NULL,
		  member_count INTEGER NOT NULL,
		  PRIMARY KEY (epoch, id)
		);

		CREATE TABLE IF NOT EXISTS state (
		  key   TEXT PRIMARY KEY,
		  value INTEGER NOT NULL
		);

		INSERT OR IGNORE INTO state (key, value) VALUES ('epoch', 0);
		`
		if _, err := db.Exec(schema); err != nil {
			return tcerrors.StorageError("registry migration 1 failed", err)
		}
		if err := setUserVersion(db, 1); err != nil {
			return err
		}
	}

	return nil
}

// pinDimension records the embedding dimension on first open and rejects a
// different one afterwards.
func pinDimension(db *sql.DB, dim int) error {
	if _, err := db.Exec("INSERT OR IGNORE INTO state (key, value) VALUES ('dimension', ?)", dim); err != nil {
		return tcerrors.StorageError("failed to record embedding dimension", err)
	}
	var stored int
	if err := db.QueryRow("SELECT value FROM state WHERE key = 'dimension'").Scan(&stored); err != nil {
		return tcerrors.StorageError("failed to read embedding dimension", err)
	}
	if stored != dim {
		return tcerrors.New(tcerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("archive was created with embedding dimension %d, configured %d", stored, dim), nil).
			WithSuggestion(fmt.Sprintf("set vector.dimension: %d in .tonecapture.yaml", stored))
	}
	return nil
}

func userVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, tcerrors.StorageError("failed to read user_version", err)
	}
	return version, nil
}

func setUserVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return tcerrors.StorageError("failed to set user_version", err)
	}
	return nil
}

// checkIntegrity runs SQLite's quick integrity check.
func checkIntegrity(db *sql.DB) error {
	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return tcerrors.StorageError("integrity check failed", err)
	}
	if result != "ok" {
		return tcerrors.New(tcerrors.ErrCodeCorruptStore, "registry database corrupted: "+result, nil)
	}
	return nil
}
