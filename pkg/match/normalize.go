package match

import (
	"path"
	"path/filepath"
	"strings"
)

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}\`

// NormalizePath converts an OS path relative to the loader root into the
// slash-separated form patterns are matched against.
//
//	"charts\\chart.html.py" → "charts/chart.html.py" (on Windows)
//	"./a.csv.sh"            → "a.csv.sh"
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean(filepath.ToSlash(p)), "./")
}

// NormalizePattern converts a user-provided glob pattern to canonical form.
//
// Unescaped backslashes become forward slashes so Windows users can write
// "data\**\*.py"; escaped glob metacharacters (\*, \?, \[ ...) are preserved
// for literal matching. Surrounding whitespace is trimmed.
//
//	"data/**"         → "data/**"
//	"data\2024\**"    → "data/2024/**"
//	"data/file\*.sh"  → "data/file\*.sh"
func NormalizePattern(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(pattern))

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '\\' {
			result.WriteRune(r)
			continue
		}
		if i+1 < len(runes) && strings.ContainsRune(globEscapable, runes[i+1]) {
			result.WriteRune('\\')
			result.WriteRune(runes[i+1])
			i++
			continue
		}
		result.WriteRune('/')
	}

	return result.String()
}

// IsHidden returns true if any path segment starts with a dot.
//
//	"charts/a.csv.sh"       → false
//	".golade/cache/x"       → true
//	"charts/.draft.json.py" → true
func IsHidden(p string) bool {
	if p == "" {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg != "" && seg != "." && seg != ".." && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
