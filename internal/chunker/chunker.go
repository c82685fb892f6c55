// Package chunker splits extracted document text into ordered, bounded,
// overlapping candidates for embedding.
//
// Sizes are measured in runes. A cut prefers, in order, a paragraph break,
// a sentence end and then any whitespace found inside the tolerance window
// that ends at the size limit; without one it cuts hard at the limit.
// Output depends only on the input text and Config, so re-running a split
// after a retry yields identical boundaries.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidConfig reports an unusable split configuration.
var ErrInvalidConfig = errors.New("invalid chunking config")

// DefaultTolerance is the fraction of MaxSize searched for a natural boundary.
const DefaultTolerance = 0.2

// Config controls splitting.
type Config struct {
	MaxSize   int
	Overlap   int
	Tolerance float64
}

// Validate checks that the configuration can make progress.
func (c Config) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("%w: max size must be positive, got %d", ErrInvalidConfig, c.MaxSize)
	}
	if c.Overlap < 0 || c.Overlap >= c.MaxSize {
		return fmt.Errorf("%w: overlap must be in [0, %d), got %d", ErrInvalidConfig, c.MaxSize, c.Overlap)
	}
	if c.Tolerance < 0 || c.Tolerance >= 1 {
		return fmt.Errorf("%w: tolerance must be in [0, 1), got %g", ErrInvalidConfig, c.Tolerance)
	}
	return nil
}

// Candidate is one chunk before embedding. Start and End are rune offsets
// into the source text; Text is that range with surrounding whitespace trimmed.
type Candidate struct {
	Index         int
	Text          string
	Start         int
	End           int
	TokenEstimate int
}

// Chunker splits text with a fixed, validated configuration.
type Chunker struct {
	cfg Config
}

// New validates cfg and returns a Chunker.
func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

// Config returns the chunker's configuration.
func (c *Chunker) Config() Config { return c.cfg }

// Split splits text using the default tolerance.
func Split(text string, maxSize, overlap int) ([]Candidate, error) {
	c, err := New(Config{MaxSize: maxSize, Overlap: overlap, Tolerance: DefaultTolerance})
	if err != nil {
		return nil, err
	}
	return c.Split(text), nil
}

// Split returns the ordered candidates of text. Whitespace-only text
// yields no candidates. Indexes are contiguous from zero.
func (c *Chunker) Split(text string) []Candidate {
	runes := []rune(text)
	n := len(runes)
	window := int(float64(c.cfg.MaxSize) * c.cfg.Tolerance)

	var out []Candidate
	for start := 0; start < n; {
		end := min(start+c.cfg.MaxSize, n)
		cut := end
		if end < n {
			// Cuts at or before start+Overlap would not advance.
			lo := max(end-window, start+c.cfg.Overlap+1)
			if p, ok := findBoundary(runes, lo, end); ok {
				cut = p
			}
		}

		if s := strings.TrimSpace(string(runes[start:cut])); s != "" {
			out = append(out, Candidate{
				Index:         len(out),
				Text:          s,
				Start:         start,
				End:           cut,
				TokenEstimate: EstimateTokens(s),
			})
		}
		if cut == n {
			break
		}
		start = nextStart(runes, cut, c.cfg.Overlap)
	}
	return out
}

// findBoundary scans cut positions hi..lo for the best natural boundary.
// A cut position p ends a chunk just before runes[p].
func findBoundary(runes []rune, lo, hi int) (int, bool) {
	for _, match := range []func([]rune, int) bool{isParagraphEnd, isSentenceEnd, isWordEnd} {
		for p := hi; p >= lo; p-- {
			if match(runes, p) {
				return p, true
			}
		}
	}
	return 0, false
}

func isParagraphEnd(r []rune, p int) bool {
	return p >= 2 && r[p-1] == '\n' && r[p-2] == '\n'
}

func isSentenceEnd(r []rune, p int) bool {
	if p < 1 || p >= len(r) {
		return false
	}
	switch r[p-1] {
	case '.', '!', '?':
		return unicode.IsSpace(r[p])
	}
	return false
}

func isWordEnd(r []rune, p int) bool {
	return p >= 1 && p < len(r) && unicode.IsSpace(r[p]) && !unicode.IsSpace(r[p-1])
}

// nextStart backs up by overlap runes from cut, then moves forward past the
// first whitespace so the next chunk does not open mid-word.
func nextStart(runes []rune, cut, overlap int) int {
	next := cut - overlap
	for i := next; i < cut; i++ {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return next
}

// EstimateTokens approximates model tokens as one per four runes, at least one.
func EstimateTokens(s string) int {
	n := len([]rune(s))
	if n == 0 {
		return 0
	}
	return max(1, (n+3)/4)
}
