package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIEngine generates embeddings using Google's Gemini API.
type GenAIEngine struct {
	client   *genai.Client
	model    string
	taskType string
}

// NewGenAIEngine creates a new GenAI embedding engine.
func NewGenAIEngine(apiKey, model, taskType string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}

	if model == "" {
		model = "gemini-embedding-001"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIEngine{
		client:   client,
		model:    model,
		taskType: normalizeTaskType(taskType),
	}, nil
}

// normalizeTaskType maps the configured task type onto the API's accepted
// values, defaulting to semantic similarity.
func normalizeTaskType(taskType string) string {
	switch taskType {
	case "RETRIEVAL_DOCUMENT", "RETRIEVAL_QUERY", "QUESTION_ANSWERING",
		"CLASSIFICATION", "CLUSTERING", "SEMANTIC_SIMILARITY":
		return taskType
	default:
		return "SEMANTIC_SIMILARITY"
	}
}

func (e *GenAIEngine) embedContents(ctx context.Context, contents []*genai.Content, taskType string) ([][]float32, error) {
	if taskType == "" {
		taskType = e.taskType
	}

	result, err := e.client.Models.EmbedContent(ctx,
		e.model,
		contents,
		&genai.EmbedContentConfig{
			TaskType: taskType,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}

	embeddings := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		embeddings[i] = emb.Values
	}
	return embeddings, nil
}

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.EmbedForTask(ctx, text, e.taskType)
}

// EmbedForTask generates an embedding with an explicit task type, so
// documents and queries can use asymmetric retrieval embeddings.
func (e *GenAIEngine) EmbedForTask(ctx context.Context, text, taskType string) ([]float32, error) {
	embeddings, err := e.embedContents(ctx,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		normalizeTaskType(taskType))
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return e.EmbedBatchForTask(ctx, texts, e.taskType)
}

// EmbedBatchForTask generates batch embeddings with an explicit task type.
func (e *GenAIEngine) EmbedBatchForTask(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	return e.embedContents(ctx, contents, normalizeTaskType(taskType))
}

// Dimensions returns the dimensionality of the vectors.
// gemini-embedding-001 produces 768-dimensional vectors.
func (e *GenAIEngine) Dimensions() int {
	return 768
}

// Name returns the engine name.
func (e *GenAIEngine) Name() string {
	return fmt.Sprintf("genai:%s", e.model)
}
