package embedding

import (
	"context"
	"fmt"
	"sync/atomic"

	"google.golang.org/genai"
)

// genaiBatchLimit is the most contents EmbedContent accepts per call.
const genaiBatchLimit = 100

// GenAIEngine embeds through the Gemini embedding API.
type GenAIEngine struct {
	client   *genai.Client
	model    string
	taskType string
	dims     atomic.Int32
}

// NewGenAIEngine creates a Gemini-backed engine.
func NewGenAIEngine(apiKey, model, taskType string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai embedding requires an API key (embedding.genai_api_key or GEMINI_API_KEY)")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GenAIEngine{client: client, model: model, taskType: normalizeTaskType(taskType)}, nil
}

// normalizeTaskType keeps known task types. Questions are compared with
// questions, so the default is the symmetric SEMANTIC_SIMILARITY.
func normalizeTaskType(taskType string) string {
	switch taskType {
	case "SEMANTIC_SIMILARITY", "CLASSIFICATION", "CLUSTERING",
		"RETRIEVAL_DOCUMENT", "RETRIEVAL_QUERY", "QUESTION_ANSWERING":
		return taskType
	}
	return "SEMANTIC_SIMILARITY"
}

// Embed embeds one question.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in chunks of genaiBatchLimit, preserving order.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += genaiBatchLimit {
		end := min(start+genaiBatchLimit, len(texts))
		contents := make([]*genai.Content, 0, end-start)
		for _, t := range texts[start:end] {
			contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
		}

		res, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{TaskType: e.taskType})
		if err != nil {
			return nil, fmt.Errorf("genai embed (%s): %w", e.model, err)
		}
		if len(res.Embeddings) != end-start {
			return nil, fmt.Errorf("genai embed: got %d vectors for %d inputs", len(res.Embeddings), end-start)
		}
		for _, emb := range res.Embeddings {
			out = append(out, emb.Values)
		}
	}
	if len(out) > 0 {
		e.dims.Store(int32(len(out[0])))
	}
	return out, nil
}

// Dimensions reports the observed vector size; gemini-embedding-001 defaults
// to 3072 before the first call.
func (e *GenAIEngine) Dimensions() int {
	if d := e.dims.Load(); d > 0 {
		return int(d)
	}
	return 3072
}

func (e *GenAIEngine) Name() string { return "genai:" + e.model }
