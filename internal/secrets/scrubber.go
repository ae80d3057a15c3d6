package secrets

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Scrubber detects and redacts secrets in text.
type Scrubber interface {
	// Scrub returns content with every detected secret replaced.
	Scrub(content string) *Result

	// IsEnabled reports whether scrubbing is active.
	IsEnabled() bool
}

type scrubber struct {
	config *Config

	// The gitleaks detector keeps per-scan state.
	mu       sync.Mutex
	detector *detect.Detector
}

type redaction struct {
	start, end int
}

// New creates a scrubber. A nil config uses DefaultConfig.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scrubber config: %w", err)
	}
	if !cfg.Enabled {
		return &NoopScrubber{}, nil
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating detector: %w", err)
	}
	return &scrubber{config: cfg, detector: detector}, nil
}

// MustNew is New that panics on error.
func MustNew(cfg *Config) Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *scrubber) Scrub(content string) *Result {
	start := time.Now()
	result := &Result{Scrubbed: content, ByRule: map[string]int{}}
	if content == "" {
		return result
	}

	s.mu.Lock()
	findings := s.detector.DetectString(content)
	s.mu.Unlock()

	var redactions []redaction
	for _, f := range findings {
		if f.Secret == "" || s.isAllowed(f.Secret) {
			continue
		}
		found := false
		for from := 0; ; {
			i := strings.Index(content[from:], f.Secret)
			if i < 0 {
				break
			}
			found = true
			redactions = append(redactions, redaction{start: from + i, end: from + i + len(f.Secret)})
			from += i + len(f.Secret)
		}
		if !found {
			continue
		}
		result.Findings = append(result.Findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
		})
		result.ByRule[f.RuleID]++
	}

	if len(redactions) > 0 {
		var b strings.Builder
		last := 0
		for _, r := range mergeRedactions(redactions) {
			b.WriteString(content[last:r.start])
			b.WriteString(s.config.RedactionString)
			last = r.end
		}
		b.WriteString(content[last:])
		result.Scrubbed = b.String()
	}
	result.Duration = time.Since(start)
	return result
}

func (s *scrubber) IsEnabled() bool {
	return true
}

func (s *scrubber) isAllowed(match string) bool {
	for _, re := range s.config.compiledAllowList {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// mergeRedactions sorts ranges and joins overlapping ones.
func mergeRedactions(redactions []redaction) []redaction {
	sort.Slice(redactions, func(i, j int) bool {
		return redactions[i].start < redactions[j].start
	})
	merged := []redaction{redactions[0]}
	for _, r := range redactions[1:] {
		last := &merged[len(merged)-1]
		if r.start <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// NoopScrubber passes content through unchanged.
type NoopScrubber struct{}

func (n *NoopScrubber) Scrub(content string) *Result {
	return &Result{Scrubbed: content}
}

func (n *NoopScrubber) IsEnabled() bool {
	return false
}
