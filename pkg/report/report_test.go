package report

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() *BuildReport {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &BuildReport{
		RunID:      "run-1",
		Root:       "/src",
		OutputDir:  "/dist",
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Entries: []Entry{
			{Source: "c.weird", Outcome: OutcomeUnresolvable, Status: StatusWarning, Error: "no interpreter"},
			{Source: "a.csv.sh", Output: "a.csv", Outcome: "success", Status: StatusOK, Bytes: 2048, Duration: 20 * time.Millisecond},
			{Source: "b.json.sh", Output: "b.json", Outcome: "success", Status: StatusOK, Cached: true, Bytes: 10},
			{Source: "d.txt.sh", Output: "d.txt", Outcome: "non_zero_exit", Status: StatusFailed, ExitCode: 2, Error: "exit | 2"},
		},
	}
	r.Finalize()
	return r
}

func TestFinalize(t *testing.T) {
	r := sampleReport()

	sources := make([]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		sources = append(sources, e.Source)
	}
	assert.Equal(t, []string{"a.csv.sh", "b.json.sh", "c.weird", "d.txt.sh"}, sources)

	assert.Equal(t, Summary{
		Total:     4,
		Succeeded: 2,
		Cached:    1,
		Warnings:  1,
		Failed:    1,
		Bytes:     2058,
		Duration:  1500 * time.Millisecond,
	}, r.Summary)
	assert.True(t, r.Failed())

	e, ok := r.Entry("b.json.sh")
	require.True(t, ok)
	assert.True(t, e.Cached)
	_, ok = r.Entry("missing")
	assert.False(t, ok)
}

func TestFailed_WarningsOnly(t *testing.T) {
	r := &BuildReport{Entries: []Entry{{Source: "x", Status: StatusWarning}}}
	r.Finalize()
	assert.False(t, r.Failed())
	assert.Equal(t, 1, r.Summary.Warnings)
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"JSON", FormatJSON, false},
		{"ndjson", FormatJSONL, false},
		{"md", FormatMarkdown, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWrite_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(context.Background(), &buf, sampleReport(), FormatJSON))

	var decoded BuildReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	assert.Len(t, decoded.Entries, 4)
	assert.Equal(t, 1, decoded.Summary.Failed)
}

func TestWrite_JSONL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(context.Background(), &buf, sampleReport(), FormatJSONL))

	var types []string
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		assert.Equal(t, "run-1", rec.RunID)
		assert.Equal(t, "/src", rec.Root)
		types = append(types, rec.Type)
		if rec.Type == TypeSummary {
			var s SummaryRecord
			require.NoError(t, json.Unmarshal(rec.Data, &s))
			assert.Equal(t, "failed", s.Status)
			assert.Equal(t, 4, s.Total)
		}
	}
	assert.Equal(t, []string{TypeLoader, TypeLoader, TypeWarning, TypeLoader, TypeSummary}, types)
}

func TestWrite_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(context.Background(), &buf, sampleReport(), FormatTable))
	out := buf.String()

	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "a.csv.sh")
	assert.Contains(t, out, "2.0 KiB")
	assert.Contains(t, out, "success (cached)")
	assert.Contains(t, out, "FAILED: 4 loaders")
}

func TestWrite_Markdown(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(context.Background(), &buf, sampleReport(), FormatMarkdown))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "## golade build"))
	assert.Contains(t, out, "| ok | `a.csv.sh` | `a.csv` |")
	assert.Contains(t, out, `exit \| 2`)
}

func TestWrite_UnknownFormat(t *testing.T) {
	err := Write(context.Background(), &bytes.Buffer{}, sampleReport(), Format("xml"))
	assert.Error(t, err)
}

func TestJSONLWriter_Closed(t *testing.T) {
	w := NewJSONLWriter(&bytes.Buffer{}, "r", "/src")
	require.NoError(t, w.Close())
	err := w.WriteEntry(context.Background(), &Entry{Source: "a"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	err := NewJSONLWriter(&buf, "r", "/src").WriteEntry(ctx, &Entry{Source: "a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, buf.Len())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

type zeroWriter struct{}

func (zeroWriter) Write([]byte) (int, error) { return 0, nil }

func TestJSONLWriter_WriteErrors(t *testing.T) {
	err := NewJSONLWriter(failingWriter{}, "r", "/").WriteEntry(context.Background(), &Entry{Source: "a"})
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "write", we.Op)

	err = NewJSONLWriter(zeroWriter{}, "r", "/").WriteEntry(context.Background(), &Entry{Source: "a"})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestJSONLWriter_ConcurrentLinesIntact(t *testing.T) {
	var buf safeBuffer
	w := NewJSONLWriter(&buf, "r", "/src")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.WriteEntry(context.Background(), &Entry{Source: strings.Repeat("x", 200), Status: StatusOK})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 32)
	for _, line := range lines {
		assert.True(t, json.Valid([]byte(line)))
	}
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
