// Package storage owns the single canonical SQLite store: connection setup,
// pragmas, and the schema for the five tables the supervisor persists to.
// JSON/msgpack exports (internal/audit) are write-only copies of this store,
// never a read-through fallback.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps a pure-Go SQLite connection with the pool and pragma settings
// this codebase's services already use.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates the database directory if needed, opens the connection with
// WAL journaling and foreign keys enabled, and applies the schema.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create data dir: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dbPath, err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("storage: ping %s: %w", dbPath, err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	db := &DB{conn: conn, path: dbPath}
	if err := db.migrate(); err != nil {
		return nil, err
	}
	return db, nil
}

// Conn exposes the underlying *sql.DB for repository construction.
func (d *DB) Conn() *sql.DB { return d.conn }

// Close closes the underlying connection pool.
func (d *DB) Close() error { return d.conn.Close() }

// IntegrityCheck runs PRAGMA integrity_check and reports whether the
// database reports "ok".
func (d *DB) IntegrityCheck() (bool, string, error) {
	var result string
	if err := d.conn.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return false, "", fmt.Errorf("storage: integrity check: %w", err)
	}
	return result == "ok", result, nil
}

func (d *DB) migrate() error {
	for _, stmt := range schemaStatements {
		if _, err := d.conn.Exec(stmt); err != nil {
			return fmt.Errorf("storage: apply schema: %w", err)
		}
	}
	return nil
}
