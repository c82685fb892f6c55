// Package ignore reads gitignore-style files and matches paths against
// the resulting patterns when a directory is ingested.
package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultFiles are the ignore files read from a directory root, in order.
var DefaultFiles = []string{".ragignore", ".gitignore"}

// DefaultPatterns apply when a directory has no ignore file.
var DefaultPatterns = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/vendor/**",
	"**/.venv/**",
	"**/__pycache__/**",
}

// Parser reads and parses gitignore-style files.
type Parser struct {
	// IgnoreFiles is the list of ignore file names to look for.
	IgnoreFiles []string

	// FallbackPatterns are returned when no ignore files are found.
	FallbackPatterns []string
}

// NewParser creates a new ignore file parser with the given configuration.
func NewParser(ignoreFiles, fallbackPatterns []string) *Parser {
	return &Parser{
		IgnoreFiles:      ignoreFiles,
		FallbackPatterns: fallbackPatterns,
	}
}

// Parse reads every ignore file present in root and returns the combined
// patterns, or the fallback patterns when none exist.
func (p *Parser) Parse(root string) ([]string, error) {
	var patterns []string
	foundAny := false

	for _, name := range p.IgnoreFiles {
		filePatterns, err := parseFile(filepath.Join(root, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		patterns = append(patterns, filePatterns...)
		foundAny = true
	}

	if !foundAny {
		return p.FallbackPatterns, nil
	}
	return deduplicate(patterns), nil
}

func parseFile(name string) ([]string, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if pattern := parseLine(scanner.Text()); pattern != "" {
			patterns = append(patterns, pattern)
		}
	}
	return patterns, scanner.Err()
}

// parseLine converts one gitignore line into a glob. Comments, blank lines
// and negations yield "".
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ""
	}
	return toGlobPattern(line)
}

// toGlobPattern converts a gitignore pattern to a "**"-aware glob.
func toGlobPattern(pattern string) string {
	pattern = strings.TrimPrefix(pattern, "/")

	// Patterns without an interior separator match at any depth.
	if !strings.Contains(strings.TrimSuffix(pattern, "/"), "/") && !strings.HasPrefix(pattern, "*") {
		pattern = "**/" + pattern
	}

	if strings.HasSuffix(pattern, "/") {
		pattern += "**"
	}

	// Bare names without an extension are treated as directories.
	if !strings.HasSuffix(pattern, "/**") && !strings.HasSuffix(pattern, "/*") && !strings.Contains(pattern, ".") {
		pattern += "/**"
	}
	return pattern
}

func deduplicate(patterns []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			result = append(result, p)
		}
	}
	return result
}

// Matcher tests slash-separated relative paths against a pattern set.
type Matcher struct {
	patterns [][]string
}

// NewMatcher validates and compiles patterns.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{patterns: make([][]string, 0, len(patterns))}
	for _, p := range patterns {
		segs := strings.Split(p, "/")
		for _, s := range segs {
			if _, err := path.Match(s, "x"); err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
			}
		}
		m.patterns = append(m.patterns, segs)
	}
	return m, nil
}

// Match reports whether rel is excluded. Directories are tested with a
// trailing element so "dir/**" excludes dir itself.
func (m *Matcher) Match(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	segs := strings.Split(rel, "/")
	if isDir {
		segs = append(segs, "")
	}
	for _, p := range m.patterns {
		if matchSegments(p, segs) {
			return true
		}
		// A pattern without a directory part also matches the base name.
		if len(p) == 1 && matchSegments(p, segs[len(segs)-1:]) && !isDir {
			return true
		}
	}
	return false
}

func matchSegments(pattern, segs []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			for i := 0; i <= len(segs); i++ {
				if matchSegments(rest, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		if ok, _ := path.Match(pattern[0], segs[0]); !ok {
			return false
		}
		pattern, segs = pattern[1:], segs[1:]
	}
	return len(segs) == 0
}
