// Package perception provides LLM clients for the pipeline agents.
// The agents treat the model as a transducer: prompts in, structured
// JSON out. All parsing of model output lives here too.
package perception

import (
	"context"
	"fmt"

	"sidragent/internal/config"
)

// LLMClient defines the interface for LLM providers.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// SchemaClient is implemented by clients that can enforce a JSON schema on
// the response. Callers discover support with a type assertion and check
// SchemaCapable before relying on it.
type SchemaClient interface {
	SchemaCapable() bool
	CompleteWithSchema(ctx context.Context, systemPrompt, userPrompt, jsonSchema string) (string, error)
}

// Provider identifies an LLM backend.
type Provider string

const (
	ProviderGemini Provider = "gemini"
	ProviderOllama Provider = "ollama"
)

// NewClient creates an LLM client from configuration.
func NewClient(cfg config.LLMConfig) (LLMClient, error) {
	switch Provider(cfg.Provider) {
	case ProviderGemini:
		gc := DefaultGeminiConfig(cfg.APIKey)
		if cfg.Model != "" {
			gc.Model = cfg.Model
		}
		if cfg.BaseURL != "" {
			gc.BaseURL = cfg.BaseURL
		}
		if cfg.Timeout != "" {
			gc.Timeout = parseTimeout(cfg.Timeout, gc.Timeout)
		}
		return NewGeminiClientWithConfig(gc), nil
	case ProviderOllama:
		oc := DefaultOllamaConfig()
		if cfg.Model != "" {
			oc.Model = cfg.Model
		}
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
		if cfg.Timeout != "" {
			oc.Timeout = parseTimeout(cfg.Timeout, oc.Timeout)
		}
		return NewOllamaClientWithConfig(oc), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q (use 'gemini' or 'ollama')", cfg.Provider)
	}
}
