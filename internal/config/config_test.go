package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "sidragent", cfg.Name)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.OllamaModel)
	assert.Equal(t, "https://servicodados.ibge.gov.br/api", cfg.Sidra.BaseURL)
	assert.Equal(t, "data/ibge", cfg.Output.Dir)
	assert.True(t, cfg.Output.IncludeMetadata)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Sidra.BaseURL, cfg.Sidra.BaseURL)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
llm:
  provider: gemini
  model: gemini-2.0-flash
  timeout: 90s
sidra:
  base_url: http://localhost:9090/api
  max_retries: 5
output:
  dir: /tmp/out
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "gemini-2.0-flash", cfg.LLM.Model)
	assert.Equal(t, 90*time.Second, cfg.GetLLMTimeout())
	assert.Equal(t, "http://localhost:9090/api", cfg.Sidra.BaseURL)
	assert.Equal(t, 5, cfg.Sidra.MaxRetries)
	assert.Equal(t, "/tmp/out", cfg.Output.Dir)
	// Unspecified sections keep defaults
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.OllamaModel)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key-123")
	t.Setenv("SIDRAGENT_DB", "/tmp/kb.db")
	t.Setenv("SIDRAGENT_SIDRA_URL", "http://127.0.0.1:8099/api")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "test-key-123", cfg.LLM.APIKey)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "test-key-123", cfg.Embedding.GenAIAPIKey)
	assert.Equal(t, "/tmp/kb.db", cfg.Knowledge.DatabasePath)
	assert.Equal(t, "http://127.0.0.1:8099/api", cfg.Sidra.BaseURL)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "default ollama config is valid",
			mutate: func(c *Config) {},
		},
		{
			name: "gemini without key",
			mutate: func(c *Config) {
				c.LLM.Provider = "gemini"
				c.LLM.APIKey = ""
			},
			wantErr: true,
		},
		{
			name: "gemini with key",
			mutate: func(c *Config) {
				c.LLM.Provider = "gemini"
				c.LLM.APIKey = "k"
			},
		},
		{
			name: "unknown provider",
			mutate: func(c *Config) {
				c.LLM.Provider = "watson"
			},
			wantErr: true,
		},
		{
			name: "missing sidra url",
			mutate: func(c *Config) {
				c.Sidra.BaseURL = ""
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTimeoutFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Timeout = "garbage"
	cfg.Sidra.Timeout = ""

	assert.Equal(t, 120*time.Second, cfg.GetLLMTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetSidraTimeout())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.LLM.Model = "qwen3:4b"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "qwen3:4b", loaded.LLM.Model)
}
