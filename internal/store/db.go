package store

import (
	"database/sql"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to the synagraph SQLite database.
//
// Every query and mutation takes an explicit tenant and carries it as a
// mandatory predicate; nothing in this package reads or writes rows without
// one. Per-node read-modify-write sequences are serialized through striped
// mutexes so supersede detection and updated_at advancement are race-free.
type DB struct {
	*sql.DB
	Path string

	locks [lockStripes]sync.Mutex
}

const lockStripes = 64

// retryAttempts bounds internal retries on transient lock contention
// before surfacing ErrConflictRetryable to the caller.
const retryAttempts = 3

// DefaultDBPath returns the default database path: ~/.synagraph/synagraph.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".synagraph", "synagraph.db"), nil
}

// Open opens (or creates) the SQLite database at the given path,
// configures pragmas, and runs migrations.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db := &DB{DB: sqlDB, Path: path}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory SQLite database for testing.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	// The in-memory database vanishes when its sole connection closes.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, Path: ":memory:"}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA mmap_size=268435456", // 256MB
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// lockFor returns the stripe mutex serializing read-modify-write access to
// a single (tenant, key) pair. The key is the node id when known, or the
// lineage hash when the id is still to be generated, so two writers racing
// on the same lineage contend on the same stripe.
func (db *DB) lockFor(tenant, key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(tenant))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return &db.locks[h.Sum32()%lockStripes]
}

// inTx runs fn inside a transaction, retrying a bounded number of times on
// transient SQLite lock contention. Exhausted retries surface as
// ErrConflictRetryable; an unreachable database as ErrStorageUnavailable.
func (db *DB) inTx(fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("%w: begin: %v", ErrStorageUnavailable, err)
		}
		err = fn(tx)
		if err == nil {
			if err = tx.Commit(); err == nil {
				return nil
			}
		}
		tx.Rollback()
		if !isBusy(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrConflictRetryable, lastErr)
}

// isBusy reports whether err is SQLite lock contention worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
