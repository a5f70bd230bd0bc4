package cachestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/golade/pkg/fingerprint"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(key, data string) *Record {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &Record{
		Key:         key,
		SourcePath:  key + ".sh",
		ContentType: "csv",
		MIME:        "text/csv",
		Fingerprint: fingerprint.Fingerprint{Digest: "d-" + key, Volatile: true, Window: time.Hour},
		Data:        []byte(data),
		Stderr:      []byte("note\n"),
		StartedAt:   now,
		FinishedAt:  now.Add(time.Second),
		CreatedAt:   now.Add(time.Second),
	}
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, Migrate(context.Background(), s.db))

	var v int
	require.NoError(t, s.db.QueryRow(`SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&v))
	assert.Equal(t, SchemaVersion, v)
}

func TestSaveLoad_RoundTripAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openStore(t, dir)
	in := record("a.csv", "x,y\n1,2\n")
	require.NoError(t, s.Save(ctx, in))
	require.NoError(t, s.Close())

	s2 := openStore(t, dir)
	out, err := s2.Load(ctx, "a.csv")
	require.NoError(t, err)

	assert.Equal(t, []byte("x,y\n1,2\n"), out.Data)
	assert.Equal(t, in.Fingerprint, out.Fingerprint)
	assert.Equal(t, "text/csv", out.MIME)
	assert.Equal(t, int64(8), out.SizeBytes)
	assert.Equal(t, []byte("note\n"), out.Stderr)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.True(t, in.StartedAt.Equal(out.StartedAt))
}

func TestLoad_NotFound(t *testing.T) {
	s := openStore(t, t.TempDir())
	_, err := s.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoad_CorruptBlobIsMiss(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	rec := record("a.csv", "payload")
	require.NoError(t, s.Save(ctx, rec))

	require.NoError(t, os.WriteFile(s.blobPath(rec.BlobSHA256), []byte("tampered"), 0o644))

	_, err := s.Load(ctx, "a.csv")
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "broken row should be dropped")
}

func TestSave_SupersedesAndClearsFailure(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())

	require.NoError(t, s.RecordFailure(ctx, FailureRecord{Key: "a.csv", SourcePath: "a.csv.sh", Outcome: "timeout", ExitCode: -1}))
	require.NoError(t, s.Save(ctx, record("a.csv", "v1")))
	require.NoError(t, s.Save(ctx, record("a.csv", "v2")))

	out, err := s.Load(ctx, "a.csv")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(out.Data))

	failures, err := s.Failures(ctx)
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestRecordFailure(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())

	require.NoError(t, s.RecordFailure(ctx, FailureRecord{Key: "b.json", SourcePath: "b.json.py", Outcome: "non_zero_exit", ExitCode: 2, Error: "boom"}))
	require.NoError(t, s.RecordFailure(ctx, FailureRecord{Key: "b.json", SourcePath: "b.json.py", Outcome: "timeout", ExitCode: -1}))

	failures, err := s.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "timeout", failures[0].Outcome)
	assert.False(t, failures[0].FailedAt.IsZero())

	assert.Error(t, s.RecordFailure(ctx, FailureRecord{}))
}

func TestRetain(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())

	require.NoError(t, s.Save(ctx, record("keep.csv", "same")))
	require.NoError(t, s.Save(ctx, record("dup.csv", "same")))
	require.NoError(t, s.Save(ctx, record("gone.csv", "unique")))
	require.NoError(t, s.RecordFailure(ctx, FailureRecord{Key: "old.json", SourcePath: "old.json.sh", Outcome: "crashed"}))

	res, err := s.Retain(ctx, []string{"keep.csv", "dup.csv"})
	require.NoError(t, err)
	assert.Equal(t, RetainResult{Entries: 1, Failures: 1, Blobs: 1}, res)

	_, err = s.Load(ctx, "gone.csv")
	assert.ErrorIs(t, err, ErrNotFound)

	// Shared blob survives while still referenced.
	out, err := s.Load(ctx, "dup.csv")
	require.NoError(t, err)
	assert.Equal(t, "same", string(out.Data))
}

func TestStatsAndClear(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Entries)
	assert.True(t, st.OldestEntry.IsZero())

	require.NoError(t, s.Save(ctx, record("a.csv", "1234")))
	require.NoError(t, s.Save(ctx, record("b.csv", "56")))
	require.NoError(t, s.RecordFailure(ctx, FailureRecord{Key: "c.csv", SourcePath: "c.csv.sh", Outcome: "crashed"}))

	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Entries)
	assert.Equal(t, int64(6), st.Bytes)
	assert.Equal(t, int64(2), st.Volatile)
	assert.Equal(t, int64(1), st.Failures)
	assert.False(t, st.NewestEntry.IsZero())

	require.NoError(t, s.Clear(ctx))
	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st)

	matches, err := filepath.Glob(filepath.Join(s.Dir(), "blobs", "*", "*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Save(ctx, record("z.csv", "z")))
	require.NoError(t, s.Save(ctx, record("a.csv", "a")))

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.csv", entries[0].Key)
	assert.Nil(t, entries[0].Data)
	assert.Equal(t, int64(1), entries[0].SizeBytes)
}
