// Package config loads auditor configuration.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/auditor/internal/logging"
	"github.com/fyrsmithlabs/auditor/internal/telemetry"
)

// Config is the complete process configuration.
type Config struct {
	Workflow      WorkflowConfig   `koanf:"workflow"`
	Evaluator     EvaluatorConfig  `koanf:"evaluator"`
	Collectors    CollectorsConfig `koanf:"collectors"`
	Store         StoreConfig      `koanf:"store"`
	Events        EventsConfig     `koanf:"events"`
	Server        ServerConfig     `koanf:"server"`
	Observability telemetry.Config `koanf:"observability"`
	Logging       logging.Config   `koanf:"logging"`
}

// WorkflowConfig tunes the executor.
type WorkflowConfig struct {
	MaxParallel int           `koanf:"max_parallel"`
	NodeTimeout time.Duration `koanf:"node_timeout"`
	RubricPath  string        `koanf:"rubric_path"`
	Mode        string        `koanf:"mode"` // full or evidence
}

// EvaluatorConfig selects the opinion producer.
type EvaluatorConfig struct {
	Provider    string  `koanf:"provider"` // heuristic or openai
	BaseURL     string  `koanf:"base_url"`
	Model       string  `koanf:"model"`
	APIKey      Secret  `koanf:"api_key"`
	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
}

// CollectorsConfig tunes evidence collection.
type CollectorsConfig struct {
	AllowlistPath string `koanf:"allowlist_path"`
	MaxFiles      int    `koanf:"max_files"`
	MaxFileBytes  int64  `koanf:"max_file_bytes"`
	CloneDir      string `koanf:"clone_dir"`
}

// StoreConfig locates the report database.
type StoreConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// EventsConfig configures run lifecycle publishing.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RubricWatch     bool          `koanf:"rubric_watch"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Workflow: WorkflowConfig{
			MaxParallel: 4,
			NodeTimeout: 2 * time.Minute,
			Mode:        "full",
		},
		Evaluator: EvaluatorConfig{
			Provider:    "heuristic",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0,
			MaxTokens:   1024,
		},
		Collectors: CollectorsConfig{
			MaxFiles:     5000,
			MaxFileBytes: 1 << 20,
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    "~/.local/share/auditor/reports.db",
		},
		Events: EventsConfig{
			URL:     "nats://127.0.0.1:4222",
			Subject: "auditor.runs",
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: 10 * time.Second,
		},
		Observability: *telemetry.NewDefaultConfig(),
		Logging:       *logging.NewDefaultConfig(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Workflow.MaxParallel < 1 {
		return fmt.Errorf("workflow.max_parallel must be >= 1, got %d", c.Workflow.MaxParallel)
	}
	if c.Workflow.NodeTimeout <= 0 {
		return fmt.Errorf("workflow.node_timeout must be positive")
	}
	if c.Workflow.Mode != "full" && c.Workflow.Mode != "evidence" {
		return fmt.Errorf("workflow.mode must be full or evidence, got %q", c.Workflow.Mode)
	}

	switch c.Evaluator.Provider {
	case "heuristic":
	case "openai":
		if c.Evaluator.Model == "" {
			return fmt.Errorf("evaluator.model is required for provider openai")
		}
		if c.Evaluator.BaseURL == "" {
			return fmt.Errorf("evaluator.base_url is required for provider openai")
		}
	default:
		return fmt.Errorf("evaluator.provider must be heuristic or openai, got %q", c.Evaluator.Provider)
	}
	if c.Evaluator.Temperature < 0 || c.Evaluator.Temperature > 2 {
		return fmt.Errorf("evaluator.temperature must be between 0 and 2")
	}

	if c.Collectors.MaxFiles < 1 || c.Collectors.MaxFileBytes < 1 {
		return fmt.Errorf("collectors.max_files and collectors.max_file_bytes must be positive")
	}
	if c.Store.Enabled && c.Store.Path == "" {
		return fmt.Errorf("store.path is required when the store is enabled")
	}
	if c.Events.Enabled && (c.Events.URL == "" || c.Events.Subject == "") {
		return fmt.Errorf("events.url and events.subject are required when events are enabled")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
