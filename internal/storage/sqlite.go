package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

// readConns is the size of the query-only pool
const readConns = 4

// SQLiteDB wraps the SQLite connections used by a single-node registry.
// Conn is the single writer; Read is a query-only pool so lookups of
// different hashes do not queue behind writes.
type SQLiteDB struct {
	Conn *sql.DB
	Read *sql.DB
	path string
}

func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
}

func sqliteReadDSN(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_query_only=true", path)
}

// NewSQLite creates a new SQLite database connection
func NewSQLite(dbPath string) (*SQLiteDB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; callers queue on the pool instead of hitting SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	// Test connection
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	read, err := sql.Open("sqlite3", sqliteReadDSN(dbPath))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	read.SetMaxOpenConns(readConns)

	return &SQLiteDB{Conn: conn, Read: read, path: dbPath}, nil
}

// Close closes both connection pools
func (db *SQLiteDB) Close() error {
	readErr := db.Read.Close()
	if err := db.Conn.Close(); err != nil {
		return err
	}
	return readErr
}

// Migrate applies the embedded schema migrations on a dedicated connection
func (db *SQLiteDB) Migrate() error {
	src, err := migrationSource("sqlite")
	if err != nil {
		return err
	}

	conn, err := sql.Open("sqlite3", sqliteDSN(db.path))
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}

	driver, err := sqlite3.WithInstance(conn, &sqlite3.Config{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	return runUp(m)
}
