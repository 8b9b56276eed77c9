package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimensions is used when no dimensionality is configured.
const DefaultHashDimensions = 256

// HashEngine is a deterministic local embedding: word unigrams and bigrams
// are hashed into a fixed number of signed buckets and L2-normalized.
// Questions sharing vocabulary land close together, which is enough for
// case retrieval without a model server.
type HashEngine struct {
	dims int
}

// NewHashEngine creates a hash engine with dims buckets.
func NewHashEngine(dims int) *HashEngine {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEngine{dims: dims}
}

// Embed implements EmbeddingEngine.
func (e *HashEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, e.dims)
	tokens := tokenize(text)
	for i, tok := range tokens {
		e.add(vec, tok, 1)
		if i > 0 {
			e.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (e *HashEngine) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// EmbedBatch implements EmbeddingEngine.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions implements EmbeddingEngine.
func (e *HashEngine) Dimensions() int { return e.dims }

// Name implements EmbeddingEngine.
func (e *HashEngine) Name() string { return fmt.Sprintf("hash:%d", e.dims) }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
