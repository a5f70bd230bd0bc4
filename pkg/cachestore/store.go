// Package cachestore persists artifact cache entries across processes.
//
// Metadata lives in a SQLite database (index.db) and artifact bytes live in a
// content-addressed blob directory (blobs/<aa>/<sha256>). Blobs are written
// with temp-file + rename and verified on read, so a torn or corrupted blob
// is reported as a miss rather than served.
package cachestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"

	// IndexFile is the database file name inside the cache directory.
	IndexFile = "index.db"

	blobsDir = "blobs"
)

// ErrNotFound is returned by Load when no usable entry exists for a key.
var ErrNotFound = errors.New("cache entry not found")

// Config configures a Store.
type Config struct {
	// Dir is the cache directory; it is created if missing.
	Dir string
}

// Store is a durable cache index plus blob directory.
//
// A Store is safe for concurrent use; SQLite access is serialized through a
// single connection.
type Store struct {
	db  *sql.DB
	dir string
}

// Open opens (and creates if needed) the store under cfg.Dir and migrates
// its schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("cache store directory is required")
	}
	// #nosec G301 -- cache directories use 0755 like other build outputs
	if err := os.MkdirAll(filepath.Join(dir, blobsDir), 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	dsn := "file:" + filepath.Join(filepath.Clean(dir), IndexFile)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache store: %w", err)
	}
	if err := configureLocalSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, dir: dir}, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func configureLocalSQLite(ctx context.Context, db *sql.DB) error {
	// Keep a single connection and use WAL to reduce lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
