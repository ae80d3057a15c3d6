package audit

import (
	"math"
	"regexp"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxContentLen bounds Evidence.Content, in runes.
const MaxContentLen = 10000

// TagSecurityViolation marks evidence of a confirmed safety or security
// violation. Any such evidence caps the dimension score.
const TagSecurityViolation = "security_violation"

var dimensionIDPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// ValidDimensionID reports whether id is a well-formed dimension id.
func ValidDimensionID(id string) bool {
	return dimensionIDPattern.MatchString(id)
}

// Location points into the audited artifact.
type Location struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

// Evidence is one attributable observation about the artifact.
type Evidence struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"source_id"`
	DimensionID string    `json:"dimension_id"`
	Confidence  float64   `json:"confidence"`
	Content     string    `json:"content"`
	Location    *Location `json:"location,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	Found       bool      `json:"found"`
	Tags        []string  `json:"tags,omitempty"`
	Rationale   string    `json:"rationale,omitempty"`
}

// EvidenceOption customizes NewEvidence.
type EvidenceOption func(*Evidence)

// AtLocation sets the evidence location.
func AtLocation(path string, line int) EvidenceOption {
	return func(e *Evidence) {
		e.Location = &Location{Path: path, Line: line}
	}
}

// About sets the subject the evidence is about and whether it was found.
func About(subject string, found bool) EvidenceOption {
	return func(e *Evidence) {
		e.Subject = subject
		e.Found = found
	}
}

// Tagged adds tags.
func Tagged(tags ...string) EvidenceOption {
	return func(e *Evidence) {
		e.Tags = append(e.Tags, tags...)
	}
}

// Because sets the rationale.
func Because(rationale string) EvidenceOption {
	return func(e *Evidence) {
		e.Rationale = rationale
	}
}

// NewEvidence creates an evidence record with a fresh synthetic id.
// Found defaults to true; use About to record an absence.
func NewEvidence(sourceID, dimensionID string, confidence float64, content string, opts ...EvidenceOption) Evidence {
	e := Evidence{
		ID:          uuid.NewString(),
		SourceID:    sourceID,
		DimensionID: dimensionID,
		Confidence:  confidence,
		Content:     TruncateRunes(content, MaxContentLen),
		Found:       true,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// HasTag reports whether the evidence carries tag.
func (e Evidence) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SecurityViolation reports whether the evidence is a confirmed violation.
func (e Evidence) SecurityViolation() bool {
	return e.HasTag(TagSecurityViolation)
}

// Validate checks the evidence invariants. known reports whether a
// dimension id is part of the rubric; nil skips that check.
func (e Evidence) Validate(known func(string) bool) error {
	if e.ID == "" {
		return Validationf("evidence.id", "id is required")
	}
	if e.SourceID == "" {
		return Validationf("evidence.source_id", "source id is required")
	}
	if !ValidDimensionID(e.DimensionID) {
		return Validationf("evidence.dimension_id", "invalid dimension id %q", e.DimensionID)
	}
	if known != nil && !known(e.DimensionID) {
		return Validationf("evidence.dimension_id", "unknown dimension %q", e.DimensionID)
	}
	if math.IsNaN(e.Confidence) || e.Confidence < 0 || e.Confidence > 1 {
		return Validationf("evidence.confidence", "confidence %v outside [0,1]", e.Confidence)
	}
	if utf8.RuneCountInString(e.Content) > MaxContentLen {
		return Validationf("evidence.content", "content exceeds %d characters", MaxContentLen)
	}
	if e.Location != nil && e.Location.Line < 0 {
		return Validationf("evidence.location", "negative line %d", e.Location.Line)
	}
	return nil
}

// Clone returns a copy that shares no slices with e.
func (e Evidence) Clone() Evidence {
	cp := e
	if e.Location != nil {
		loc := *e.Location
		cp.Location = &loc
	}
	if e.Tags != nil {
		cp.Tags = append([]string(nil), e.Tags...)
	}
	return cp
}

// Equal reports whether two evidence records carry identical content.
func (e Evidence) Equal(o Evidence) bool {
	if e.ID != o.ID || e.SourceID != o.SourceID || e.DimensionID != o.DimensionID ||
		e.Confidence != o.Confidence || e.Content != o.Content || e.Subject != o.Subject ||
		e.Found != o.Found || e.Rationale != o.Rationale || len(e.Tags) != len(o.Tags) {
		return false
	}
	for i := range e.Tags {
		if e.Tags[i] != o.Tags[i] {
			return false
		}
	}
	switch {
	case e.Location == nil && o.Location == nil:
		return true
	case e.Location == nil || o.Location == nil:
		return false
	default:
		return *e.Location == *o.Location
	}
}

// TruncateRunes shortens s to at most n runes.
func TruncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
