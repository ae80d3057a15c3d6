package evaluators

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/rubric"
	"github.com/fyrsmithlabs/auditor/internal/secrets"
)

const (
	maxPromptEvidence = 40
	maxEvidenceChars  = 400
)

// LLMConfig configures an OpenAI-compatible chat model.
type LLMConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
}

// LLMProducer asks a chat model for a strict JSON verdict.
type LLMProducer struct {
	model       llms.Model
	name        string
	temperature float64
	maxTokens   int
	scoreRange  audit.ScoreRange
	scrubber    secrets.Scrubber
}

// LLMOption configures an LLMProducer.
type LLMOption func(*LLMProducer)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) LLMOption {
	return func(p *LLMProducer) { p.temperature = t }
}

// WithMaxTokens bounds the answer length.
func WithMaxTokens(n int) LLMOption {
	return func(p *LLMProducer) { p.maxTokens = n }
}

// WithScoreRange sets the score range used for personas without one.
func WithScoreRange(r audit.ScoreRange) LLMOption {
	return func(p *LLMProducer) { p.scoreRange = r }
}

// WithScrubber redacts secrets from evidence before it is sent to the
// model.
func WithScrubber(s secrets.Scrubber) LLMOption {
	return func(p *LLMProducer) {
		if s != nil {
			p.scrubber = s
		}
	}
}

// NewLLMProducer wraps a langchaingo model. name is the model name
// recorded in report metadata.
func NewLLMProducer(model llms.Model, name string, opts ...LLMOption) *LLMProducer {
	p := &LLMProducer{
		model:      model,
		name:       name,
		maxTokens:  1024,
		scoreRange: DefaultScoreRange,
		scrubber:   &secrets.NoopScrubber{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOpenAIProducer creates a producer backed by an OpenAI-compatible
// endpoint.
func NewOpenAIProducer(cfg LLMConfig, opts ...LLMOption) (*LLMProducer, error) {
	clientOpts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, openai.WithToken(cfg.APIKey))
	}
	model, err := openai.New(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	if cfg.MaxTokens > 0 {
		opts = append([]LLMOption{WithMaxTokens(cfg.MaxTokens)}, opts...)
	}
	opts = append([]LLMOption{WithTemperature(cfg.Temperature)}, opts...)
	return NewLLMProducer(model, cfg.Model, opts...), nil
}

// ModelName returns the configured model name.
func (p *LLMProducer) ModelName() string {
	return p.name
}

// Evaluate implements Producer.
func (p *LLMProducer) Evaluate(ctx context.Context, dim rubric.Dimension, evidence []audit.Evidence, persona Persona) (audit.Opinion, error) {
	rng := persona.scale(p.scoreRange)
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt(persona, rng)),
		llms.TextParts(schema.ChatMessageTypeHuman, userPrompt(dim, evidence, p.scrubber)),
	}
	resp, err := p.model.GenerateContent(ctx, messages,
		llms.WithTemperature(p.temperature),
		llms.WithMaxTokens(p.maxTokens),
	)
	if err != nil {
		return audit.Opinion{}, audit.NewError(audit.ErrCollectorFailure, "generate", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return audit.Opinion{}, audit.Validationf("answer", "model returned no choices")
	}

	ans, err := parseAnswer(resp.Choices[0].Content)
	if err != nil {
		return audit.Opinion{}, err
	}

	known := make(map[string]bool, len(evidence))
	for _, e := range evidence {
		known[e.ID] = true
	}
	for _, id := range ans.CitedEvidenceIDs {
		if !known[id] {
			return audit.Opinion{}, audit.Validationf("answer.cited_evidence_ids", "cites unknown evidence %q", id)
		}
	}

	op := audit.Opinion{
		EvaluatorID:      persona.ID,
		Role:             persona.Role,
		DimensionID:      dim.ID,
		Score:            *ans.Score,
		Rationale:        strings.TrimSpace(ans.Rationale),
		CitedEvidenceIDs: ans.CitedEvidenceIDs,
		Claims:           ans.Claims,
	}
	if err := op.Validate(audit.OpinionRules{Range: rng}); err != nil {
		return audit.Opinion{}, err
	}
	return op, nil
}

type answer struct {
	Score            *int     `json:"score"`
	Rationale        string   `json:"rationale"`
	CitedEvidenceIDs []string `json:"cited_evidence_ids"`
	Claims           []string `json:"claims"`
}

// parseAnswer decodes exactly one JSON object. A surrounding markdown code
// fence is tolerated; unknown fields and trailing data are not.
func parseAnswer(raw string) (answer, error) {
	body := stripFence(strings.TrimSpace(raw))

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	var ans answer
	if err := dec.Decode(&ans); err != nil {
		return answer{}, audit.Validationf("answer", "malformed answer: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return answer{}, audit.Validationf("answer", "trailing data after answer object")
	}
	if ans.Score == nil {
		return answer{}, audit.Validationf("answer.score", "score is required")
	}
	return ans, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func systemPrompt(persona Persona, rng audit.ScoreRange) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s on an audit bench. Philosophy: %s\n\n", persona.Role, persona.Philosophy)
	b.WriteString(persona.Focus)
	fmt.Fprintf(&b, "\n\nAnswer with a single JSON object and nothing else:\n"+
		`{"score": <integer %d-%d>, "rationale": "<why>", "cited_evidence_ids": ["<id>", ...], "claims": ["<subject you rely on>", ...]}`+
		"\nCite only evidence ids listed in the request. List in claims the evidence subjects your score depends on.",
		rng.Min, rng.Max)
	return b.String()
}

func userPrompt(dim rubric.Dimension, evidence []audit.Evidence, scrubber secrets.Scrubber) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Dimension: %s (%s)\n", dim.Name, dim.ID)
	if dim.Instruction != "" {
		fmt.Fprintf(&b, "Instruction: %s\n", dim.Instruction)
	}
	b.WriteString("\nEvidence:\n")
	for i, e := range evidence {
		if i == maxPromptEvidence {
			fmt.Fprintf(&b, "... %d more observations omitted\n", len(evidence)-i)
			break
		}
		fmt.Fprintf(&b, "- id=%s source=%s found=%t confidence=%.2f", e.ID, e.SourceID, e.Found, e.Confidence)
		if e.Subject != "" {
			fmt.Fprintf(&b, " subject=%s", e.Subject)
		}
		if e.SecurityViolation() {
			b.WriteString(" SECURITY_VIOLATION")
		}
		content := scrubber.Scrub(e.Content).Scrubbed
		fmt.Fprintf(&b, "\n  %s\n", audit.TruncateRunes(content, maxEvidenceChars))
	}
	return b.String()
}
