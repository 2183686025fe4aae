package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DBOptions tunes the SQLite connection.
type DBOptions struct {
	// BusyTimeoutMS is the sqlite busy handler timeout. Defaults to 5000.
	BusyTimeoutMS int
	// WALMode enables write-ahead logging. Defaults to true for file-backed
	// databases.
	WALMode bool
}

// Open opens (or creates) a file-backed store database and applies pending
// migrations.
func Open(path string, optFns ...func(o *DBOptions)) (*sql.DB, error) {
	opts := DBOptions{BusyTimeoutMS: 5000, WALMode: true}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := prepare(db, &opts); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenInMemory opens a private in-memory database, used by tests and
// ephemeral sessions.
func OpenInMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	// A second connection to :memory: would see a different database.
	db.SetMaxOpenConns(1)
	if err := prepare(db, &DBOptions{BusyTimeoutMS: 5000}); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func prepare(db *sql.DB, opts *DBOptions) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", opts.BusyTimeoutMS),
		"PRAGMA foreign_keys=ON",
	}
	if opts.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("apply %q: %w", p, err)
		}
	}

	if err := Migrate(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so repositories can run
// inside or outside a transaction.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}
