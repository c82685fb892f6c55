package secrets

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Gitleaks detects secrets with the gitleaks default configuration
// (several hundred provider-specific rules). Detection is serialized
// because a gitleaks Detector is not safe for concurrent scans.
type Gitleaks struct {
	mu        sync.Mutex
	detector  *detect.Detector
	redaction string
}

// NewGitleaks loads the default gitleaks rule set.
func NewGitleaks() (*Gitleaks, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks config: %w", err)
	}
	return &Gitleaks{detector: d, redaction: DefaultRedaction}, nil
}

// Scrub redacts every occurrence of each detected secret value.
func (g *Gitleaks) Scrub(text string) (string, []Finding) {
	g.mu.Lock()
	results := g.detector.DetectString(text)
	g.mu.Unlock()

	var found []Finding
	for _, r := range results {
		if r.Secret == "" {
			continue
		}
		for off := 0; ; {
			i := strings.Index(text[off:], r.Secret)
			if i < 0 {
				break
			}
			start := off + i
			found = append(found, Finding{RuleID: r.RuleID, Start: start, End: start + len(r.Secret)})
			off = start + len(r.Secret)
		}
	}
	if len(found) == 0 {
		return text, nil
	}
	return redact(text, found, g.redaction), found
}
