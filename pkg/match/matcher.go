// Package match selects loader files by doublestar glob patterns.
//
// Paths are matched slash-separated and relative to the loader root. The
// Matcher decides which files discovery considers at all; a PatternSet is a
// plain "matches any" list used to classify loaders (e.g. network-backed).
package match

import (
	"errors"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates include and exclude patterns against loader paths.
//
// A path matches if it matches at least one include pattern, no exclude
// pattern, and has no hidden segment (unless IncludeHidden is set).
//
// The Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes      PatternSet
	excludes      PatternSet
	roots         []string
	includeHidden bool
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns a path must match (at least one).
	// Default: ["**"].
	Includes []string

	// Excludes are glob patterns a path must not match.
	Excludes []string

	// IncludeHidden allows paths with segments starting with '.'.
	// Default: false.
	IncludeHidden bool
}

// Errors returned by Matcher construction.
var (
	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a Matcher from cfg.
func New(cfg Config) (*Matcher, error) {
	includes := cfg.Includes
	if len(includes) == 0 {
		includes = []string{"**"}
	}

	inc, err := NewPatternSet(includes)
	if err != nil {
		return nil, err
	}
	exc, err := NewPatternSet(cfg.Excludes)
	if err != nil {
		return nil, err
	}

	return &Matcher{
		includes:      inc,
		excludes:      exc,
		roots:         DerivePrefixes(inc.Patterns()),
		includeHidden: cfg.IncludeHidden,
	}, nil
}

// Match reports whether the slash-separated relative path is selected.
func (m *Matcher) Match(p string) bool {
	if !m.includeHidden && IsHidden(p) {
		return false
	}
	if !m.includes.MatchAny(p) {
		return false
	}
	return !m.excludes.MatchAny(p)
}

// WalkRoots returns the directories (relative, slash-terminated, or "" for
// the whole tree) that can contain matching paths. Discovery walks only these.
func (m *Matcher) WalkRoots() []string {
	return m.roots
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string {
	return m.includes.Patterns()
}

// ExcludePatterns returns the normalized exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	return m.excludes.Patterns()
}

// PatternSet is an ordered list of validated doublestar patterns.
type PatternSet struct {
	patterns []string
}

// NewPatternSet validates and normalizes patterns. Blank entries are ignored.
func NewPatternSet(patterns []string) (PatternSet, error) {
	out := make([]string, 0, len(patterns))
	for _, raw := range patterns {
		normalized := NormalizePattern(raw)
		if normalized == "" {
			continue
		}
		if !doublestar.ValidatePattern(normalized) {
			return PatternSet{}, &PatternError{Pattern: raw, Err: ErrInvalidPattern}
		}
		out = append(out, normalized)
	}
	return PatternSet{patterns: out}, nil
}

// MatchAny reports whether p matches any pattern in the set.
func (s PatternSet) MatchAny(p string) bool {
	for _, pattern := range s.patterns {
		if matchPattern(pattern, p) {
			return true
		}
	}
	return false
}

// Empty reports whether the set has no patterns.
func (s PatternSet) Empty() bool {
	return len(s.patterns) == 0
}

// Patterns returns a copy of the normalized patterns.
func (s PatternSet) Patterns() []string {
	return append([]string(nil), s.patterns...)
}

// matchPattern matches a path against a doublestar pattern.
func matchPattern(pattern, p string) bool {
	matched, err := doublestar.Match(pattern, p)
	if err != nil {
		// Pattern was validated at construction time.
		return false
	}
	return matched
}
