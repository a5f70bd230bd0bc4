package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"
)

// Record type constants for JSONL output: golade.<type>.v<version>.
const (
	TypeLoader  = "golade.loader.v1"
	TypeWarning = "golade.warning.v1"
	TypeSummary = "golade.summary.v1"
)

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("writer is closed")

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "report: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Record is the envelope for every JSONL line.
type Record struct {
	Type  string          `json:"type"`
	TS    time.Time       `json:"ts"`
	RunID string          `json:"run_id"`
	Root  string          `json:"root"`
	Data  json.RawMessage `json:"data"`
}

// SummaryRecord is the payload of the final JSONL line.
type SummaryRecord struct {
	Summary
	Status     string    `json:"status"`
	OutputDir  string    `json:"output_dir"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Sink receives entries as loaders finish and the report once the pass ends.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	WriteEntry(ctx context.Context, e *Entry) error
	WriteSummary(ctx context.Context, r *BuildReport) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON.
//
// Writes are serialized so lines never interleave.
type JSONLWriter struct {
	w     io.Writer
	runID string
	root  string

	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter creates a JSONL writer for one run.
func NewJSONLWriter(w io.Writer, runID, root string) *JSONLWriter {
	return &JSONLWriter{w: w, runID: runID, root: root}
}

// WriteEntry emits a loader record, or a warning record for warnings.
func (jw *JSONLWriter) WriteEntry(ctx context.Context, e *Entry) error {
	recordType := TypeLoader
	if e.Status == StatusWarning {
		recordType = TypeWarning
	}
	return jw.writeRecord(ctx, recordType, e)
}

// WriteSummary emits the summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, r *BuildReport) error {
	status := "ok"
	if r.Failed() {
		status = "failed"
	}
	return jw.writeRecord(ctx, TypeSummary, &SummaryRecord{
		Summary:    r.Summary,
		Status:     status,
		OutputDir:  r.OutputDir,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	})
}

// Close marks the writer closed. The underlying writer is not closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	recordBytes, err := json.Marshal(Record{
		Type:  recordType,
		TS:    time.Now().UTC(),
		RunID: jw.runID,
		Root:  jw.root,
		Data:  dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeAll writes all of p, treating a zero-progress write as an error.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Sink = (*JSONLWriter)(nil)
