package match

import (
	"sort"
	"strings"
)

// DerivePrefix extracts the longest static directory prefix from a glob
// pattern. Escaped metacharacters are literals and are unescaped in the
// result.
//
//	"charts/**/*.py"        → "charts/"
//	"*.sh"                  → ""
//	"data/{a,b}/*.csv.sh"   → "data/"
//	"exact/chart.html.py"   → "exact/chart.html.py"
//	"data/\[raw\]/*.sh"     → "data/[raw]/"
func DerivePrefix(pattern string) string {
	pattern = NormalizePattern(pattern)
	if pattern == "" {
		return ""
	}

	metaIdx := findFirstUnescapedMeta(pattern)
	switch {
	case metaIdx == -1:
		return unescapePrefix(pattern)
	case metaIdx == 0:
		return ""
	}

	prefix := pattern[:metaIdx]
	lastSlash := strings.LastIndex(prefix, "/")
	if lastSlash < 0 {
		return ""
	}
	return unescapePrefix(prefix[:lastSlash+1])
}

// findFirstUnescapedMeta returns the index of the first unescaped glob
// metacharacter (* ? [ {) in pattern, or -1.
func findFirstUnescapedMeta(pattern string) int {
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c == '\\' && i+1 < len(pattern) {
			if strings.IndexByte(`*?[{\`, pattern[i+1]) >= 0 {
				i++
			}
			continue
		}
		if c == '*' || c == '?' || c == '[' || c == '{' {
			return i
		}
	}
	return -1
}

// unescapePrefix turns glob escapes into the literal characters they name.
func unescapePrefix(prefix string) string {
	if !strings.ContainsRune(prefix, '\\') {
		return prefix
	}

	var result strings.Builder
	result.Grow(len(prefix))
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '\\' && i+1 < len(prefix) && strings.IndexByte(globEscapable, prefix[i+1]) >= 0 {
			result.WriteByte(prefix[i+1])
			i++
			continue
		}
		result.WriteByte(c)
	}
	return result.String()
}

// DerivePrefixes derives a prefix per pattern, drops prefixes subsumed by a
// shorter one, and returns the rest sorted.
//
//	["data/2024/**", "data/2025/**"] → ["data/2024/", "data/2025/"]
//	["data/**", "data/2024/**"]      → ["data/"]
//	["**/*.py"]                      → [""]
func DerivePrefixes(patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}
	prefixes := make([]string, 0, len(patterns))
	for _, p := range patterns {
		prefixes = append(prefixes, DerivePrefix(p))
	}
	return deduplicatePrefixes(prefixes)
}

func deduplicatePrefixes(prefixes []string) []string {
	if len(prefixes) == 0 {
		return nil
	}
	for _, p := range prefixes {
		if p == "" {
			return []string{""}
		}
	}

	sorted := append([]string(nil), prefixes...)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i]) < len(sorted[j])
	})

	result := make([]string, 0, len(sorted))
	for _, candidate := range sorted {
		subsumed := false
		for _, existing := range result {
			if strings.HasPrefix(candidate, existing) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			result = append(result, candidate)
		}
	}
	sort.Strings(result)
	return result
}

// IsGlobPattern reports whether pattern has an unescaped metacharacter.
func IsGlobPattern(pattern string) bool {
	return findFirstUnescapedMeta(pattern) != -1
}
