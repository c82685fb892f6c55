// Package secrets redacts credentials from chunk text before it is
// embedded and stored.
package secrets

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// DefaultRedaction replaces every detected secret.
const DefaultRedaction = "[REDACTED]"

// Rule detects one kind of secret. When Keywords is set, the rule only
// runs on text containing at least one of them (case-insensitive).
type Rule struct {
	ID       string
	Pattern  string
	Keywords []string
}

// Finding locates one redacted secret by byte offsets in the input.
type Finding struct {
	RuleID string
	Start  int
	End    int
}

type compiledRule struct {
	id       string
	re       *regexp.Regexp
	keywords []string
}

// Redactor removes secrets from text and reports what it found.
type Redactor interface {
	Scrub(text string) (string, []Finding)
}

// Scrubber applies compiled rules. It is safe for concurrent use.
type Scrubber struct {
	rules     []compiledRule
	allow     []*regexp.Regexp
	redaction string
}

// Option customizes a Scrubber.
type Option func(*Scrubber)

// WithRedaction sets the replacement text.
func WithRedaction(s string) Option {
	return func(sc *Scrubber) { sc.redaction = s }
}

// WithAllowList skips matches that match any of the given patterns.
func WithAllowList(patterns ...string) Option {
	return func(sc *Scrubber) {
		for _, p := range patterns {
			sc.allow = append(sc.allow, regexp.MustCompile(p))
		}
	}
}

// New compiles rules into a Scrubber.
func New(rules []Rule, opts ...Option) (*Scrubber, error) {
	s := &Scrubber{redaction: DefaultRedaction}
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		kws := make([]string, len(r.Keywords))
		for j, k := range r.Keywords {
			kws[j] = strings.ToLower(k)
		}
		s.rules = append(s.rules, compiledRule{id: r.ID, re: re, keywords: kws})
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Default returns a Scrubber with DefaultRules.
func Default() *Scrubber {
	s, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return s
}

// Scrub returns text with every secret replaced, plus what was found.
// Overlapping matches are merged into one redaction.
func (s *Scrubber) Scrub(text string) (string, []Finding) {
	if s == nil || len(s.rules) == 0 {
		return text, nil
	}
	lower := strings.ToLower(text)

	var found []Finding
	for _, r := range s.rules {
		if len(r.keywords) > 0 && !slices.ContainsFunc(r.keywords, func(k string) bool {
			return strings.Contains(lower, k)
		}) {
			continue
		}
		for _, m := range r.re.FindAllStringIndex(text, -1) {
			if s.allowed(text[m[0]:m[1]]) {
				continue
			}
			found = append(found, Finding{RuleID: r.id, Start: m[0], End: m[1]})
		}
	}
	if len(found) == 0 {
		return text, nil
	}

	return redact(text, found, s.redaction), found
}

// redact replaces every span in found, which it sorts in place.
func redact(text string, found []Finding, redaction string) string {
	slices.SortFunc(found, func(a, b Finding) int { return a.Start - b.Start })

	var sb strings.Builder
	pos := 0
	for _, span := range merge(found) {
		sb.WriteString(text[pos:span.Start])
		sb.WriteString(redaction)
		pos = span.End
	}
	sb.WriteString(text[pos:])
	return sb.String()
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// merge collapses sorted, overlapping findings into disjoint spans.
func merge(sorted []Finding) []Finding {
	out := []Finding{sorted[0]}
	for _, f := range sorted[1:] {
		last := &out[len(out)-1]
		if f.Start <= last.End {
			last.End = max(last.End, f.End)
			continue
		}
		out = append(out, f)
	}
	return out
}

// Open returns the Redactor named by detector: "rules" (or "") for
// DefaultRules, "gitleaks" for the gitleaks default rule set.
func Open(detector string) (Redactor, error) {
	switch detector {
	case "", "rules":
		return Default(), nil
	case "gitleaks":
		g, err := NewGitleaks()
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown secret detector %q", detector)
	}
}

var (
	_ Redactor = (*Scrubber)(nil)
	_ Redactor = (*Gitleaks)(nil)
)
