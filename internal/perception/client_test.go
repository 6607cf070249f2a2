package perception

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sidragent/internal/config"
)

func TestNewClientProviders(t *testing.T) {
	c, err := NewClient(config.LLMConfig{Provider: "ollama", Model: "qwen3:1.7b"})
	require.NoError(t, err)
	assert.IsType(t, &OllamaClient{}, c)

	c, err = NewClient(config.LLMConfig{Provider: "gemini", APIKey: "test-key"})
	require.NoError(t, err)
	assert.IsType(t, &GeminiClient{}, c)

	_, err = NewClient(config.LLMConfig{Provider: "openai"})
	assert.Error(t, err)
}

func TestOllamaCompleteWithSystem(t *testing.T) {
	var gotReq map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{
				"role":    "assistant",
				"content": "<think>reasoning</think>{\"id\": 1419}",
			},
			"done": true,
		})
	}))
	defer server.Close()

	cfg := DefaultOllamaConfig()
	cfg.BaseURL = server.URL
	client := NewOllamaClientWithConfig(cfg)

	got, err := client.CompleteWithSystem(context.Background(),
		"You are a statistics assistant. Return ONLY output the JSON.",
		"Which table covers inflation?")
	require.NoError(t, err)
	assert.Equal(t, `{"id": 1419}`, got)

	// Stream must be off and the JSON contract must set format
	assert.Equal(t, false, gotReq["stream"])
	assert.Equal(t, "json", gotReq["format"])

	msgs := gotReq["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "user", msgs[1].(map[string]any)["role"])
}

func TestOllamaServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	cfg := DefaultOllamaConfig()
	cfg.BaseURL = server.URL
	client := NewOllamaClientWithConfig(cfg)

	_, err := client.Complete(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestGeminiCompleteWithSystem(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":generateContent")
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{
				map[string]any{
					"content": map[string]any{
						"parts": []any{map[string]any{"text": `{"id": 63}`}},
					},
				},
			},
		})
	}))
	defer server.Close()

	cfg := DefaultGeminiConfig("test-key")
	cfg.BaseURL = server.URL
	client := NewGeminiClientWithConfig(cfg)

	got, err := client.CompleteWithSystem(context.Background(),
		"Respond with a valid JSON object.", "Pick the period.")
	require.NoError(t, err)
	assert.Equal(t, `{"id": 63}`, got)

	genCfg := gotBody["generationConfig"].(map[string]any)
	assert.Equal(t, "application/json", genCfg["responseMimeType"])
}

func TestGeminiCompleteWithSchema(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{
				map[string]any{
					"content": map[string]any{
						"parts": []any{map[string]any{"text": `{"steps": []}`}},
					},
				},
			},
		})
	}))
	defer server.Close()

	cfg := DefaultGeminiConfig("test-key")
	cfg.BaseURL = server.URL
	client := NewGeminiClientWithConfig(cfg)
	require.True(t, client.SchemaCapable())

	schema := `{"type": "object", "properties": {"steps": {"type": "array"}}}`
	got, err := client.CompleteWithSchema(context.Background(), "system", "user", schema)
	require.NoError(t, err)
	assert.Equal(t, `{"steps": []}`, got)

	genCfg := gotBody["generationConfig"].(map[string]any)
	assert.Equal(t, "application/json", genCfg["responseMimeType"])
	respSchema := genCfg["responseSchema"].(map[string]any)
	assert.Equal(t, "object", respSchema["type"])
}

func TestGeminiCompleteWithSchemaRejectsBadSchema(t *testing.T) {
	client := NewGeminiClient("test-key")
	_, err := client.CompleteWithSchema(context.Background(), "", "user", "not json")
	assert.Error(t, err)
}

func TestGeminiRetriesOnRateLimit(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "quota exceeded", http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{
				map[string]any{
					"content": map[string]any{
						"parts": []any{map[string]any{"text": "ok"}},
					},
				},
			},
		})
	}))
	defer server.Close()

	cfg := DefaultGeminiConfig("test-key")
	cfg.BaseURL = server.URL
	client := NewGeminiClientWithConfig(cfg)

	got, err := client.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)
}

func TestRequiresJSONOutput(t *testing.T) {
	assert.True(t, requiresJSONOutput("Return a valid JSON object.", "question"))
	assert.True(t, requiresJSONOutput("", "ONLY output the JSON, nothing else"))
	assert.False(t, requiresJSONOutput("You are helpful.", "Summarize this."))
}

func TestParseTimeout(t *testing.T) {
	def := DefaultOllamaConfig().Timeout
	assert.Equal(t, def, parseTimeout("bogus", def))
	assert.Equal(t, "30s", parseTimeout("30s", def).String())
	assert.True(t, strings.HasPrefix(parseTimeout("2m", def).String(), "2m"))
}
