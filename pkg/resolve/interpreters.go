package resolve

import (
	"sort"
	"strings"
)

// Interpreters maps a runner marker (the final filename segment, without the
// dot) to the command used to run the loader. The loader's path is appended
// as the last argument. An empty command means the loader file is executed
// directly.
type Interpreters map[string][]string

// DefaultInterpreters returns the built-in marker table.
func DefaultInterpreters() Interpreters {
	return Interpreters{
		"js":   {"node", "--no-warnings=ExperimentalWarning"},
		"ts":   {"tsx"},
		"py":   {"python3"},
		"r":    {"Rscript"},
		"R":    {"Rscript"},
		"rs":   {"rust-script"},
		"go":   {"go", "run"},
		"java": {"java"},
		"jl":   {"julia"},
		"php":  {"php"},
		"sh":   {"sh"},
		"exe":  {},
	}
}

// Merge returns a copy of i with overrides applied.
func (i Interpreters) Merge(overrides map[string][]string) Interpreters {
	out := make(Interpreters, len(i)+len(overrides))
	for marker, cmd := range i {
		out[marker] = append([]string(nil), cmd...)
	}
	for marker, cmd := range overrides {
		marker = strings.TrimPrefix(strings.TrimSpace(marker), ".")
		if marker == "" {
			continue
		}
		out[marker] = append([]string(nil), cmd...)
	}
	return out
}

// lookup finds the command for marker, trying an exact match first so that
// case-distinct markers (r vs R) can be configured independently.
func (i Interpreters) lookup(marker string) ([]string, bool) {
	if cmd, ok := i[marker]; ok {
		return cmd, true
	}
	cmd, ok := i[strings.ToLower(marker)]
	return cmd, ok
}

// Markers returns the configured markers in sorted order.
func (i Interpreters) Markers() []string {
	out := make([]string, 0, len(i))
	for marker := range i {
		out = append(out, marker)
	}
	sort.Strings(out)
	return out
}
