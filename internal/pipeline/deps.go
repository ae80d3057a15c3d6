package pipeline

import (
	"fmt"

	"github.com/fyrsmithlabs/auditor/internal/collectors"
	"github.com/fyrsmithlabs/auditor/internal/config"
	"github.com/fyrsmithlabs/auditor/internal/evaluators"
	"github.com/fyrsmithlabs/auditor/internal/secrets"
)

// NewDeps assembles the default collectors and bench from configuration.
func NewDeps(cfg *config.Config) (Deps, error) {
	limits := collectors.Limits{
		MaxFiles:     cfg.Collectors.MaxFiles,
		MaxFileBytes: cfg.Collectors.MaxFileBytes,
	}

	var secretOpts []collectors.SecretsOption
	if cfg.Collectors.AllowlistPath != "" {
		secretOpts = append(secretOpts, collectors.WithAllowlist(config.ExpandHome(cfg.Collectors.AllowlistPath)))
	}

	producer, err := NewProducer(cfg.Evaluator)
	if err != nil {
		return Deps{}, err
	}

	return Deps{
		Collectors: []collectors.Collector{
			collectors.NewGitHistory(),
			collectors.NewSecrets(limits, secretOpts...),
			collectors.NewUnsafeCalls(limits),
			collectors.NewDocs(limits),
		},
		Personas: evaluators.DefaultPersonas(),
		Producer: producer,
	}, nil
}

// NewProducer creates the configured opinion producer.
func NewProducer(cfg config.EvaluatorConfig) (evaluators.Producer, error) {
	switch cfg.Provider {
	case "", "heuristic":
		return evaluators.NewHeuristicProducer(evaluators.DefaultScoreRange), nil
	case "openai":
		scrubber, err := secrets.New(nil)
		if err != nil {
			return nil, err
		}
		p, err := evaluators.NewOpenAIProducer(evaluators.LLMConfig{
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			APIKey:      cfg.APIKey.Value(),
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}, evaluators.WithScrubber(scrubber))
		if err != nil {
			return nil, fmt.Errorf("creating llm producer: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown evaluator provider %q", cfg.Provider)
	}
}
