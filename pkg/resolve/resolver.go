// Package resolve derives loader identities from multi-segment filenames.
//
// A loader named "quakes.zip.py" produces the artifact "quakes.zip": the final
// segment ("py") is the runner marker and selects how the loader is executed,
// and the segment before it ("zip") is the content-type token. Resolution is a
// pure function of the path string; it performs no I/O.
package resolve

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

// Strategy selects how a loader is executed.
type Strategy string

const (
	// StrategyInterpreter runs the loader through a configured interpreter
	// (e.g. "python3 quakes.zip.py").
	StrategyInterpreter Strategy = "interpreter"

	// StrategyExecutable runs the loader file itself.
	StrategyExecutable Strategy = "executable"
)

// Identity is the immutable identity of a loader.
type Identity struct {
	// SourcePath is the loader's path relative to the root, slash-separated.
	SourcePath string `json:"source_path"`

	// LogicalPath is SourcePath with the runner marker removed; it is where
	// the artifact is materialized, relative to the output root.
	LogicalPath string `json:"logical_path"`

	// ContentType is derived from the final segment of LogicalPath.
	ContentType ContentType `json:"content_type"`

	// Marker is the runner marker without the leading dot.
	Marker string `json:"marker"`

	// Strategy is the execution strategy selected by Marker.
	Strategy Strategy `json:"strategy"`
}

// Key returns the identity key shared by the cache and duplicate detection.
func (id Identity) Key() string {
	return id.LogicalPath
}

// Suffix returns the file suffix implied by the content type (".csv").
func (id Identity) Suffix() string {
	return "." + id.ContentType.Token
}

// ErrUnresolvableLoader indicates a path that cannot be resolved to a loader.
var ErrUnresolvableLoader = errors.New("unresolvable loader")

// UnresolvableError describes why a path was rejected.
type UnresolvableError struct {
	Path   string
	Reason string
}

func (e *UnresolvableError) Error() string {
	return "unresolvable loader " + e.Path + ": " + e.Reason
}

func (e *UnresolvableError) Unwrap() error {
	return ErrUnresolvableLoader
}

// Resolver turns paths into loader identities.
//
// A Resolver is safe for concurrent use once constructed.
type Resolver struct {
	types        *Registry
	interpreters Interpreters
}

// New creates a Resolver. Nil arguments select the defaults.
func New(types *Registry, interpreters Interpreters) *Resolver {
	if types == nil {
		types = DefaultRegistry()
	}
	if interpreters == nil {
		interpreters = DefaultInterpreters()
	}
	return &Resolver{types: types, interpreters: interpreters}
}

// Types returns the content-type registry used by the resolver.
func (r *Resolver) Types() *Registry {
	return r.types
}

// Interpreters returns the marker table used by the resolver.
func (r *Resolver) Interpreters() Interpreters {
	return r.interpreters
}

// Resolve derives the identity of the loader at p.
//
// p may use either separator; the returned paths are slash-separated. Resolve
// fails with an *UnresolvableError when the base name has fewer than two
// extension segments or when the content-type token is not registered.
func (r *Resolver) Resolve(p string) (Identity, error) {
	clean := cleanPath(p)
	if clean == "" || clean == "." {
		return Identity{}, &UnresolvableError{Path: p, Reason: "empty path"}
	}

	stem, exts := splitExtensions(path.Base(clean))
	if stem == "" || len(exts) < 2 {
		return Identity{}, &UnresolvableError{Path: clean, Reason: "need a content-type and a runner extension"}
	}

	marker := exts[len(exts)-1]
	token := exts[len(exts)-2]
	if marker == "" || token == "" {
		return Identity{}, &UnresolvableError{Path: clean, Reason: "empty extension segment"}
	}

	ct, ok := r.types.Lookup(token)
	if !ok {
		return Identity{}, &UnresolvableError{Path: clean, Reason: "unrecognized content type ." + token}
	}

	strategy := StrategyExecutable
	if cmd, ok := r.interpreters.lookup(marker); ok && len(cmd) > 0 {
		strategy = StrategyInterpreter
	}

	return Identity{
		SourcePath:  clean,
		LogicalPath: strings.TrimSuffix(clean, "."+marker),
		ContentType: ct,
		Marker:      marker,
		Strategy:    strategy,
	}, nil
}

// StaticType reports whether p is a plain static file of a recognized type,
// i.e. a single-extension name like "data.csv".
func (r *Resolver) StaticType(p string) (ContentType, bool) {
	stem, exts := splitExtensions(path.Base(cleanPath(p)))
	if stem == "" || len(exts) == 0 {
		return ContentType{}, false
	}
	return r.types.Lookup(exts[len(exts)-1])
}

// Command returns the argv that runs id. sourcePath is the loader location
// as the child process should see it (usually absolute).
func (r *Resolver) Command(id Identity, sourcePath string) []string {
	cmd, ok := r.interpreters.lookup(id.Marker)
	if !ok || len(cmd) == 0 {
		return []string{sourcePath}
	}
	argv := make([]string, 0, len(cmd)+1)
	argv = append(argv, cmd...)
	return append(argv, sourcePath)
}

// cleanPath converts p to a cleaned slash path without a leading "./".
func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return path.Clean(filepath.ToSlash(p))
}

// splitExtensions splits a base name into its stem and extension segments.
// A leading dot belongs to the stem (".env.json.sh" has stem ".env").
func splitExtensions(base string) (string, []string) {
	prefix := ""
	if strings.HasPrefix(base, ".") {
		prefix = "."
		base = base[1:]
	}
	parts := strings.Split(base, ".")
	stem := parts[0]
	if stem == "" {
		return "", nil
	}
	return prefix + stem, parts[1:]
}
