// Package config holds all sidragent configuration, loaded from a YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all sidragent configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Knowledge base configuration
	Knowledge KnowledgeConfig `yaml:"knowledge"`

	// IBGE aggregates API configuration
	Sidra SidraConfig `yaml:"sidra"`

	// Output settings for CSV export
	Output OutputConfig `yaml:"output"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the language model client.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, ollama
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"`        // ollama, genai
	OllamaEndpoint string `yaml:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `yaml:"ollama_model"`    // Default: "nomic-embed-text"
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"` // Default: "gemini-embedding-001"
	TaskType       string `yaml:"task_type"`   // SEMANTIC_SIMILARITY, RETRIEVAL_QUERY, ...
}

// KnowledgeConfig configures the identifier knowledge base.
type KnowledgeConfig struct {
	DatabasePath   string `yaml:"database_path"`
	Collection     string `yaml:"collection"`
	IdentifiersCSV string `yaml:"identifiers_csv"`
}

// SidraConfig configures the IBGE aggregates API client.
type SidraConfig struct {
	BaseURL    string `yaml:"base_url"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// OutputConfig configures CSV export.
type OutputConfig struct {
	Dir             string `yaml:"dir"`
	IncludeMetadata bool   `yaml:"include_metadata"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "sidragent",
		Version: "0.3.0",

		LLM: LLMConfig{
			Provider: "ollama",
			Model:    "qwen3:1.7b",
			BaseURL:  "http://localhost:11434",
			Timeout:  "120s",
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "nomic-embed-text",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},

		Knowledge: KnowledgeConfig{
			DatabasePath:   "data/sidragent.db",
			Collection:     "ibge_docs",
			IdentifiersCSV: "data/identificadores.csv",
		},

		Sidra: SidraConfig{
			BaseURL:    "https://servicodados.ibge.gov.br/api",
			Timeout:    "30s",
			MaxRetries: 3,
		},

		Output: OutputConfig{
			Dir:             "data/ibge",
			IncludeMetadata: true,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "sidragent.log",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// LLM API key from environment (check in priority order)
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
		if c.Embedding.GenAIAPIKey == "" {
			c.Embedding.GenAIAPIKey = key
		}
	}
	if key := os.Getenv("SIDRAGENT_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}

	if v := os.Getenv("SIDRAGENT_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("SIDRAGENT_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("SIDRAGENT_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}

	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		c.Embedding.OllamaEndpoint = v
		if c.LLM.Provider == "ollama" {
			c.LLM.BaseURL = v
		}
	}

	if v := os.Getenv("SIDRAGENT_DB"); v != "" {
		c.Knowledge.DatabasePath = v
	}
	if v := os.Getenv("SIDRAGENT_SIDRA_URL"); v != "" {
		c.Sidra.BaseURL = v
	}
	if v := os.Getenv("SIDRAGENT_OUTPUT_DIR"); v != "" {
		c.Output.Dir = v
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "gemini":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm provider %q requires an API key (set GEMINI_API_KEY)", c.LLM.Provider)
		}
	case "ollama":
		if c.LLM.BaseURL == "" {
			return fmt.Errorf("llm provider %q requires a base URL", c.LLM.Provider)
		}
	default:
		return fmt.Errorf("unsupported llm provider: %q (use 'gemini' or 'ollama')", c.LLM.Provider)
	}

	if c.Sidra.BaseURL == "" {
		return fmt.Errorf("sidra base URL is required")
	}
	if c.Knowledge.DatabasePath == "" {
		return fmt.Errorf("knowledge database path is required")
	}
	return nil
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetSidraTimeout returns the aggregates API timeout as a duration.
func (c *Config) GetSidraTimeout() time.Duration {
	return c.Sidra.GetTimeout()
}

// GetTimeout returns the request timeout as a duration.
func (s SidraConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
