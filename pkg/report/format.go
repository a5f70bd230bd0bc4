package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

// Format selects how a finished report is rendered.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatJSONL    Format = "jsonl"
	FormatMarkdown Format = "markdown"
)

// Formats lists the supported formats.
var Formats = []Format{FormatTable, FormatJSON, FormatJSONL, FormatMarkdown}

// ParseFormat parses a format name ("md" is accepted for markdown).
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "table":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("unknown report format %q (want table, json, jsonl or markdown)", s)
}

// Write renders r to w.
func Write(ctx context.Context, w io.Writer, r *BuildReport, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatJSONL:
		jw := NewJSONLWriter(w, r.RunID, r.Root)
		defer func() { _ = jw.Close() }()
		for i := range r.Entries {
			if err := jw.WriteEntry(ctx, &r.Entries[i]); err != nil {
				return err
			}
		}
		return jw.WriteSummary(ctx, r)
	case FormatMarkdown:
		return writeMarkdown(w, r)
	case FormatTable, "":
		return writeTable(w, r)
	}
	return fmt.Errorf("unknown report format %q", format)
}

func writeTable(w io.Writer, r *BuildReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STATUS\tSOURCE\tOUTPUT\tOUTCOME\tSIZE\tTIME\tDETAIL")
	for _, e := range r.Entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Status, e.Source, dash(e.Output), outcomeLabel(e), sizeLabel(e), durationLabel(e), detail(e))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, summaryLine(r))
	return err
}

func writeMarkdown(w io.Writer, r *BuildReport) error {
	var b strings.Builder
	b.WriteString("## golade build\n\n")
	b.WriteString(summaryLine(r))
	b.WriteString("\n\n| Status | Source | Output | Outcome | Size | Time | Detail |\n")
	b.WriteString("|---|---|---|---|---:|---:|---|\n")
	for _, e := range r.Entries {
		fmt.Fprintf(&b, "| %s | `%s` | %s | %s | %s | %s | %s |\n",
			e.Status, e.Source, mdCode(e.Output), outcomeLabel(e), sizeLabel(e), durationLabel(e), mdEscape(detail(e)))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func summaryLine(r *BuildReport) string {
	s := r.Summary
	status := "ok"
	if r.Failed() {
		status = "FAILED"
	}
	return fmt.Sprintf("%s: %d loaders, %d succeeded (%d cached), %d warnings, %d failed, %s written in %s",
		status, s.Total, s.Succeeded, s.Cached, s.Warnings, s.Failed,
		humanize.IBytes(uint64(max(s.Bytes, 0))), s.Duration.Round(time.Millisecond))
}

func outcomeLabel(e Entry) string {
	if e.Cached {
		return e.Outcome + " (cached)"
	}
	return e.Outcome
}

func sizeLabel(e Entry) string {
	if e.Status != StatusOK {
		return "-"
	}
	return humanize.IBytes(uint64(max(e.Bytes, 0)))
}

func durationLabel(e Entry) string {
	if e.Status == StatusWarning {
		return "-"
	}
	return e.Duration.Round(time.Millisecond).String()
}

func detail(e Entry) string {
	if e.Error != "" {
		return e.Error
	}
	if len(e.Members) > 0 {
		return fmt.Sprintf("%d archive members", len(e.Members))
	}
	return ""
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func mdCode(s string) string {
	if s == "" {
		return "-"
	}
	return "`" + s + "`"
}

func mdEscape(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
