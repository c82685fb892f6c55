package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected string
	}{
		{"empty line", "", ""},
		{"whitespace only", "   ", ""},
		{"comment", "# this is a comment", ""},
		{"negation skipped", "!important.txt", ""},
		{"simple file glob", "*.log", "*.log"},
		{"simple directory", "node_modules", "**/node_modules/**"},
		{"directory with slash", "node_modules/", "**/node_modules/**"},
		{"nested path", "vendor/cache", "vendor/cache/**"},
		{"absolute path", "/dist", "**/dist/**"},
		{"double star pattern", "**/build", "**/build/**"},
		{"file with extension", "secrets.json", "**/secrets.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLine(tt.line))
		})
	}
}

func TestParse(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("# build\ndist/\n*.log\nnode_modules/\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".ragignore"), []byte("drafts/\n*.log\n"), 0o644))

	patterns, err := NewParser(DefaultFiles, DefaultPatterns).Parse(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"**/drafts/**", "*.log", "**/dist/**", "**/node_modules/**"}, patterns)
}

func TestParse_Fallback(t *testing.T) {
	patterns, err := NewParser(DefaultFiles, DefaultPatterns).Parse(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultPatterns, patterns)
}

func TestMatcher(t *testing.T) {
	m, err := NewMatcher([]string{"**/node_modules/**", "*.log", "docs/private/**", "**/secrets.json"})
	require.NoError(t, err)

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"node_modules", true, true},
		{"web/node_modules", true, true},
		{"web/node_modules/pkg/index.js", false, true},
		{"app.log", false, true},
		{"logs/app.log", false, true},
		{"logs", true, false},
		{"docs/private", true, true},
		{"docs/private/plan.md", false, true},
		{"docs/public/plan.md", false, false},
		{"config/secrets.json", false, true},
		{"README.md", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.path, tt.isDir))
		})
	}
}

func TestNewMatcher_InvalidPattern(t *testing.T) {
	_, err := NewMatcher([]string{"[unterminated"})
	assert.Error(t, err)
}
