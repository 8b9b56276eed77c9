// Package embedding turns decision questions into vectors so the case store
// can find earlier decisions that asked the same thing. Backends: a local
// feature-hashing engine (no network), Ollama, and Google GenAI.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"trustgate/internal/config"
	"trustgate/internal/logging"
)

// EmbeddingEngine maps question text to a fixed-size vector.
type EmbeddingEngine interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions may be 0 for remote engines that have not answered yet.
	Dimensions() int
	Name() string
}

// NewEngine picks the backend named by cfg.Provider. An empty provider means
// the offline hash engine.
func NewEngine(cfg config.EmbeddingConfig) (EmbeddingEngine, error) {
	var (
		engine EmbeddingEngine
		err    error
	)
	switch cfg.Provider {
	case "", "hash":
		engine = NewHashEngine(cfg.Dimensions)
	case "ollama":
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		engine, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q (want hash, ollama or genai)", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s embedding engine: %w", cfg.Provider, err)
	}
	logging.Embedding("using %s", engine.Name())
	return engine, nil
}

// CosineSimilarity is in [-1, 1]. A zero vector is similar to nothing.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i, x := range a {
		y := float64(b[i])
		dot += float64(x) * y
		na += float64(x) * float64(x)
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / math.Sqrt(na*nb), nil
}

// SimilarityResult is one hit from FindTopK: an index into the corpus.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK ranks corpus against query and keeps the best k (10 if k <= 0).
// Vectors of the wrong size are ignored; ties keep corpus order.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}
	hits := make([]SimilarityResult, 0, len(corpus))
	mismatched := 0
	for i, vec := range corpus {
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			mismatched++
			continue
		}
		hits = append(hits, SimilarityResult{Index: i, Similarity: sim})
	}
	if mismatched > 0 {
		logging.Get(logging.CategoryEmbedding).Warn("ignored %d of %d stored vectors with a different dimension", mismatched, len(corpus))
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	return hits[:min(k, len(hits))]
}
