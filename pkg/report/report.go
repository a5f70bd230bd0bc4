// Package report models the outcome of a build pass and renders it.
//
// A BuildReport holds one Entry per discovered file the pass has an opinion
// about: every loader (with its execution outcome), unresolvable files
// (warnings) and loaders shadowed by a static file (warnings). The pass
// failed iff any entry failed; warnings never fail a pass.
package report

import (
	"sort"
	"time"
)

// Status is the coarse classification of an entry.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
)

// Outcomes produced outside the runner.
const (
	OutcomeUnresolvable = "unresolvable"
	OutcomeShadowed     = "shadowed"
	OutcomeWriteFailed  = "write_failed"
	OutcomeInputError   = "input_error"
)

// Entry is the report line for one discovered file.
type Entry struct {
	Source      string        `json:"source"`
	Output      string        `json:"output,omitempty"`
	ContentType string        `json:"content_type,omitempty"`
	Outcome     string        `json:"outcome"`
	Status      Status        `json:"status"`
	Cached      bool          `json:"cached"`
	Network     bool          `json:"network,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
	Bytes       int64         `json:"bytes"`
	ExitCode    int           `json:"exit_code,omitempty"`
	Error       string        `json:"error,omitempty"`
	Stderr      string        `json:"stderr,omitempty"`
	Destination string        `json:"destination,omitempty"`
	Members     []string      `json:"members,omitempty"`
}

// Summary aggregates entries.
type Summary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Cached    int           `json:"cached"`
	Warnings  int           `json:"warnings"`
	Failed    int           `json:"failed"`
	Bytes     int64         `json:"bytes"`
	Duration  time.Duration `json:"duration_ns"`
}

// BuildReport is the immutable result of one pass.
type BuildReport struct {
	RunID      string    `json:"run_id"`
	Root       string    `json:"root"`
	OutputDir  string    `json:"output_dir"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Entries    []Entry   `json:"entries"`
	Summary    Summary   `json:"summary"`

	// Evicted counts cache entries dropped after the pass; EvictError is
	// set when pruning failed.
	Evicted    int    `json:"evicted,omitempty"`
	EvictError string `json:"evict_error,omitempty"`
}

// Failed reports whether any entry failed.
func (r *BuildReport) Failed() bool {
	for i := range r.Entries {
		if r.Entries[i].Status == StatusFailed {
			return true
		}
	}
	return false
}

// Entry returns the entry for source, if present.
func (r *BuildReport) Entry(source string) (Entry, bool) {
	for _, e := range r.Entries {
		if e.Source == source {
			return e, true
		}
	}
	return Entry{}, false
}

// Finalize sorts entries by source and recomputes the summary.
func (r *BuildReport) Finalize() {
	sort.SliceStable(r.Entries, func(i, j int) bool {
		return r.Entries[i].Source < r.Entries[j].Source
	})
	r.Summary = Summarize(r.Entries)
	if !r.FinishedAt.IsZero() && r.FinishedAt.After(r.StartedAt) {
		r.Summary.Duration = r.FinishedAt.Sub(r.StartedAt)
	}
}

// Summarize counts entries by status.
func Summarize(entries []Entry) Summary {
	var s Summary
	for _, e := range entries {
		s.Total++
		switch e.Status {
		case StatusOK:
			s.Succeeded++
			s.Bytes += e.Bytes
			if e.Cached {
				s.Cached++
			}
		case StatusWarning:
			s.Warnings++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}
