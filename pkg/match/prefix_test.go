package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerivePrefix(t *testing.T) {
	tests := []struct {
		pattern  string
		expected string
	}{
		{"charts/**/*.py", "charts/"},
		{"*.sh", ""},
		{"**", ""},
		{"data/{a,b}/*.csv.sh", "data/"},
		{"data/2024-*/x.sh", "data/"},
		{"exact/chart.html.py", "exact/chart.html.py"},
		{`data/\[raw\]/*.sh`, "data/[raw]/"},
		{`data/file\*.sh`, "data/file*.sh"},
		{`data\2024\sub/**`, "data/2024/sub/"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.expected, DerivePrefix(tt.pattern))
		})
	}
}

func TestDerivePrefixes(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		expected []string
	}{
		{"nil", nil, nil},
		{"siblings", []string{"data/2025/**", "data/2024/**"}, []string{"data/2024/", "data/2025/"}},
		{"parent subsumes child", []string{"data/2024/**", "data/**"}, []string{"data/"}},
		{"empty subsumes all", []string{"data/**", "**/*.py"}, []string{""}},
		{"duplicates", []string{"a/**", "a/*.sh"}, []string{"a/"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DerivePrefixes(tt.patterns))
		})
	}
}

func TestIsGlobPattern(t *testing.T) {
	assert.True(t, IsGlobPattern("charts/**"))
	assert.True(t, IsGlobPattern("a?.sh"))
	assert.False(t, IsGlobPattern(`data/file\*.sh`))
	assert.False(t, IsGlobPattern("exact/path.csv.sh"))
}
