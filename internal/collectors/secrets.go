package collectors

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/fyrsmithlabs/auditor/internal/audit"
)

// maxSecretFindings bounds the evidence one scan produces.
const maxSecretFindings = 50

// Secrets scans the artifact's files for committed credentials with the
// gitleaks default rule set.
type Secrets struct {
	limits        Limits
	allowlistPath string
}

// SecretsOption configures the secrets collector.
type SecretsOption func(*Secrets)

// WithAllowlist adds a user allowlist file to the project's .gitleaks.toml.
func WithAllowlist(path string) SecretsOption {
	return func(s *Secrets) { s.allowlistPath = path }
}

// NewSecrets creates the secrets collector.
func NewSecrets(limits Limits, opts ...SecretsOption) *Secrets {
	s := &Secrets{limits: limits}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Secrets) Name() string { return "secrets" }
func (s *Secrets) Kind() string { return KindSecrets }

type secretFinding struct {
	rule string
	desc string
	path string
	line int
	hint string
}

// Collect reports one security violation per finding. Secrets never leave
// the collector; evidence carries only a short redacted preview.
func (s *Secrets) Collect(ctx context.Context, artifact audit.Artifact, filter Filter) ([]audit.Evidence, error) {
	allowlist, err := LoadAllowlists(artifact.Path, s.allowlistPath)
	if err != nil {
		return nil, err
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating detector: %w", err)
	}

	var findings []secretFinding
	truncated := false
	scanned, err := walkFiles(ctx, artifact.Path, s.limits, func(rel string) bool {
		return !allowlist.AllowsPath(rel)
	}, func(rel string, data []byte) error {
		for _, f := range detector.DetectString(string(data)) {
			if allowlist.AllowsMatch(f.Secret) {
				continue
			}
			if len(findings) >= maxSecretFindings {
				truncated = true
				return errStopWalk
			}
			findings = append(findings, secretFinding{
				rule: f.RuleID,
				desc: f.Description,
				path: rel,
				line: f.StartLine,
				hint: redact(f.RuleID, f.Secret),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning for secrets: %w", err)
	}

	if len(findings) == 0 {
		content := fmt.Sprintf("No committed secrets found in %d scanned files.", scanned)
		return each(filter, func(dim string) audit.Evidence {
			return audit.NewEvidence(s.Name(), dim, 0.8, content)
		}), nil
	}

	var out []audit.Evidence
	for _, f := range findings {
		content := fmt.Sprintf("%s (%s) at %s:%d: %s", f.desc, f.rule, f.path, f.line, f.hint)
		for _, dim := range filter.Dimensions {
			out = append(out, audit.NewEvidence(s.Name(), dim, 0.95, content,
				audit.AtLocation(f.path, f.line),
				audit.Tagged(audit.TagSecurityViolation),
				audit.Because("credential committed to the repository")))
		}
	}
	if truncated {
		note := fmt.Sprintf("Secret scan stopped after %d findings.", maxSecretFindings)
		out = append(out, each(filter, func(dim string) audit.Evidence {
			return audit.NewEvidence(s.Name(), dim, 0.95, note, audit.Tagged(audit.TagSecurityViolation))
		})...)
	}
	return out, nil
}

// redact renders a marker that names the rule and keeps at most four
// leading characters of the secret.
func redact(rule, secret string) string {
	preview := ""
	if utf8.RuneCountInString(secret) > 8 {
		preview = string([]rune(secret)[:4]) + "..."
	}
	return "[REDACTED:" + rule + ":" + strings.TrimSpace(preview) + "]"
}
