package cachestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/3leaps/golade/pkg/fingerprint"
)

// Record is a persisted successful loader result.
type Record struct {
	Key         string
	SourcePath  string
	ContentType string
	MIME        string
	Fingerprint fingerprint.Fingerprint

	// Data is the artifact. It is nil in List results.
	Data       []byte
	BlobSHA256 string
	SizeBytes  int64

	ExitCode   int
	Stderr     []byte
	StartedAt  time.Time
	FinishedAt time.Time
	CreatedAt  time.Time
}

// FailureRecord is the latest failed attempt for a key.
type FailureRecord struct {
	Key        string
	SourcePath string
	Digest     string
	Outcome    string
	ExitCode   int
	Error      string
	Stderr     []byte
	FailedAt   time.Time
}

// Save stores rec, replacing any previous entry for rec.Key and clearing a
// recorded failure for it.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.Key == "" {
		return errors.New("record key is required")
	}

	sum, err := s.putBlob(rec.Data)
	if err != nil {
		return err
	}
	rec.BlobSHA256 = sum
	rec.SizeBytes = int64(len(rec.Data))
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (key, source_path, content_type, mime, digest, volatile, window_ns,
			blob_sha256, size_bytes, exit_code, stderr, started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			source_path=excluded.source_path,
			content_type=excluded.content_type,
			mime=excluded.mime,
			digest=excluded.digest,
			volatile=excluded.volatile,
			window_ns=excluded.window_ns,
			blob_sha256=excluded.blob_sha256,
			size_bytes=excluded.size_bytes,
			exit_code=excluded.exit_code,
			stderr=excluded.stderr,
			started_at=excluded.started_at,
			finished_at=excluded.finished_at,
			created_at=excluded.created_at`,
		rec.Key, rec.SourcePath, rec.ContentType, rec.MIME,
		rec.Fingerprint.Digest, boolToInt(rec.Fingerprint.Volatile), int64(rec.Fingerprint.Window),
		rec.BlobSHA256, rec.SizeBytes, rec.ExitCode, rec.Stderr,
		formatTime(rec.StartedAt), formatTime(rec.FinishedAt), formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM failures WHERE key=?`, rec.Key); err != nil {
		return fmt.Errorf("clear failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

const entryColumns = `key, source_path, content_type, mime, digest, volatile, window_ns,
	blob_sha256, size_bytes, exit_code, stderr, started_at, finished_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                           Record
		volatile                      int
		window                        int64
		started, finished, createdStr string
	)
	if err := row.Scan(&rec.Key, &rec.SourcePath, &rec.ContentType, &rec.MIME,
		&rec.Fingerprint.Digest, &volatile, &window,
		&rec.BlobSHA256, &rec.SizeBytes, &rec.ExitCode, &rec.Stderr,
		&started, &finished, &createdStr); err != nil {
		return nil, err
	}
	rec.Fingerprint.Volatile = volatile != 0
	rec.Fingerprint.Window = time.Duration(window)
	rec.StartedAt = parseTime(started)
	rec.FinishedAt = parseTime(finished)
	rec.CreatedAt = parseTime(createdStr)
	return &rec, nil
}

// Load returns the entry for key with its artifact bytes. A row whose blob is
// missing or corrupt is dropped and reported as ErrNotFound.
func (s *Store) Load(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE key=?`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load cache entry: %w", err)
	}

	data, err := s.getBlob(rec.BlobSHA256)
	if err != nil {
		if _, delErr := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key=?`, key); delErr != nil {
			return nil, fmt.Errorf("drop broken cache entry: %w", delErr)
		}
		return nil, ErrNotFound
	}
	rec.Data = data
	return rec, nil
}

// List returns all entries without artifact bytes, ordered by key.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Delete removes the entry for key, if any.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key=?`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// RecordFailure stores the latest failed attempt for f.Key. Failures never
// replace or invalidate a successful entry.
func (s *Store) RecordFailure(ctx context.Context, f FailureRecord) error {
	if f.Key == "" {
		return errors.New("failure key is required")
	}
	if f.FailedAt.IsZero() {
		f.FailedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failures (key, source_path, digest, outcome, exit_code, error, stderr, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			source_path=excluded.source_path,
			digest=excluded.digest,
			outcome=excluded.outcome,
			exit_code=excluded.exit_code,
			error=excluded.error,
			stderr=excluded.stderr,
			failed_at=excluded.failed_at`,
		f.Key, f.SourcePath, f.Digest, f.Outcome, f.ExitCode, f.Error, f.Stderr, formatTime(f.FailedAt))
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// Failures returns recorded failures ordered by key.
func (s *Store) Failures(ctx context.Context) ([]FailureRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, source_path, COALESCE(digest, ''), outcome, exit_code, COALESCE(error, ''), stderr, failed_at
		FROM failures ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FailureRecord
	for rows.Next() {
		var f FailureRecord
		var failedAt string
		if err := rows.Scan(&f.Key, &f.SourcePath, &f.Digest, &f.Outcome, &f.ExitCode, &f.Error, &f.Stderr, &failedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.FailedAt = parseTime(failedAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// RetainResult reports what Retain removed.
type RetainResult struct {
	Entries  int
	Failures int
	Blobs    int
}

// Retain drops entries and failures whose key is not in keys, then removes
// unreferenced blobs.
func (s *Store) Retain(ctx context.Context, keys []string) (RetainResult, error) {
	keep := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keep[k] = struct{}{}
	}

	var res RetainResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"entries", "failures"} {
		stale, err := staleKeys(ctx, tx, table, keep)
		if err != nil {
			return res, err
		}
		for _, k := range stale {
			// #nosec G202 -- table name is one of two constants
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE key=?`, k); err != nil {
				return res, fmt.Errorf("evict %s: %w", table, err)
			}
		}
		if table == "entries" {
			res.Entries = len(stale)
		} else {
			res.Failures = len(stale)
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit retain: %w", err)
	}

	blobs, err := s.referencedBlobs(ctx)
	if err != nil {
		return res, err
	}
	res.Blobs, err = s.sweepBlobs(blobs)
	return res, err
}

func staleKeys(ctx context.Context, tx *sql.Tx, table string, keep map[string]struct{}) ([]string, error) {
	// #nosec G202 -- table name is one of two constants
	rows, err := tx.QueryContext(ctx, `SELECT key FROM `+table)
	if err != nil {
		return nil, fmt.Errorf("list %s keys: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var stale []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan %s key: %w", table, err)
		}
		if _, ok := keep[k]; !ok {
			stale = append(stale, k)
		}
	}
	sort.Strings(stale)
	return stale, rows.Err()
}

func (s *Store) referencedBlobs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT blob_sha256 FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("list referenced blobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]struct{})
	for rows.Next() {
		var sum string
		if err := rows.Scan(&sum); err != nil {
			return nil, fmt.Errorf("scan blob reference: %w", err)
		}
		out[sum] = struct{}{}
	}
	return out, rows.Err()
}

// Stats summarizes the store.
type Stats struct {
	Entries     int64
	Failures    int64
	Bytes       int64
	Volatile    int64
	OldestEntry time.Time
	NewestEntry time.Time
}

// Stats returns aggregate counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		st             Stats
		oldest, newest sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(size_bytes), 0),
			COALESCE(SUM(volatile), 0),
			MIN(created_at),
			MAX(created_at)
		FROM entries`).Scan(&st.Entries, &st.Bytes, &st.Volatile, &oldest, &newest)
	if err != nil {
		return st, fmt.Errorf("query entry stats: %w", err)
	}
	if oldest.Valid {
		st.OldestEntry = parseTime(oldest.String)
	}
	if newest.Valid {
		st.NewestEntry = parseTime(newest.String)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failures`).Scan(&st.Failures); err != nil {
		return st, fmt.Errorf("query failure stats: %w", err)
	}
	return st, nil
}

// Clear removes every entry, failure and blob.
func (s *Store) Clear(ctx context.Context) error {
	for _, stmt := range []string{`DELETE FROM entries`, `DELETE FROM failures`} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
	}
	root := filepath.Join(s.dir, blobsDir)
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("remove blobs: %w", err)
	}
	// #nosec G301 -- cache directories use 0755 like other build outputs
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("recreate blobs: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
