// Package prediction implements the CBR prediction engine: retrieve similar
// ratified decisions, vote weighted by similarity and recency, and fall back
// to in-context disambiguation (ICRL) through an LLM when the vote is split.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"trustgate/internal/config"
	"trustgate/internal/embedding"
	"trustgate/internal/logging"
	"trustgate/internal/types"
)

// ErrPredictionFailed wraps every failure that must not be mistaken for a
// low-confidence answer.
var ErrPredictionFailed = errors.New("prediction failed")

// Config tunes retrieval and voting.
type Config struct {
	TopK                    int
	SimilarityThreshold     float64
	ConfidenceThreshold     float64
	RecencyHalfLife         time.Duration
	ColdStartConfidence     float64
	EnableICRL              bool
	ICRLConfidence          float64
	ICRLAmbiguousConfidence float64
}

// ConfigFrom extracts the engine settings.
func ConfigFrom(cfg *config.Config) Config {
	p := cfg.Prediction
	return Config{
		TopK:                    p.TopK,
		SimilarityThreshold:     p.SimilarityThreshold,
		ConfidenceThreshold:     p.ConfidenceThreshold,
		RecencyHalfLife:         cfg.GetRecencyHalfLife(),
		ColdStartConfidence:     p.ColdStartConfidence,
		EnableICRL:              p.EnableICRL,
		ICRLConfidence:          p.ICRLConfidence,
		ICRLAmbiguousConfidence: p.ICRLAmbiguousConfidence,
	}
}

// Engine is the CBR prediction engine. The LLM may be nil, which disables
// ICRL; split votes then return the weighted winner at its own share.
type Engine struct {
	cfg      Config
	embedder embedding.EmbeddingEngine
	cases    types.CaseStore
	llm      types.LLMClient
	now      func() time.Time

	mu    sync.Mutex
	stats Stats
}

// NewEngine creates a prediction engine.
func NewEngine(cfg Config, embedder embedding.EmbeddingEngine, cases types.CaseStore, llm types.LLMClient) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	return &Engine{
		cfg:      cfg,
		embedder: embedder,
		cases:    cases,
		llm:      llm,
		now:      time.Now,
		stats:    Stats{ByMethod: make(map[string]MethodStats)},
	}
}

// Predict returns the expected decision value for question. Retrieval, LLM
// and context errors are returned wrapped in ErrPredictionFailed.
func (e *Engine) Predict(ctx context.Context, question, category string, meta map[string]interface{}) (types.PredictionResult, error) {
	timer := logging.StartTimer(logging.CategoryPrediction, "Predict")
	defer timer.Stop()

	vec, err := e.embedder.Embed(ctx, question)
	if err != nil {
		return types.PredictionResult{}, fmt.Errorf("%w: embed question: %v", ErrPredictionFailed, err)
	}
	similar, err := e.cases.Query(ctx, vec, category, e.cfg.TopK, e.cfg.SimilarityThreshold)
	if err != nil {
		return types.PredictionResult{}, fmt.Errorf("%w: query cases: %v", ErrPredictionFailed, err)
	}

	if len(similar) == 0 {
		logging.PredictionDebug("cold start for category=%s", category)
		return e.coldStart(), nil
	}

	v := tally(similar, e.now(), e.cfg.RecencyHalfLife)
	if v.total == 0 {
		res := e.coldStart()
		res.SimilarCases = similar
		return res, nil
	}

	if v.share >= e.cfg.ConfidenceThreshold {
		logging.PredictionDebug("majority vote %s share=%.2f over %d cases", v.winner, v.share, len(similar))
		return types.PredictionResult{
			Value:        v.winner,
			Confidence:   v.share,
			Method:       types.MethodMajorityVote,
			SimilarCases: similar,
		}, nil
	}

	if !e.cfg.EnableICRL || e.llm == nil {
		logging.PredictionDebug("split vote %s share=%.2f, ICRL unavailable", v.winner, v.share)
		return types.PredictionResult{
			Value:        v.winner,
			Confidence:   v.share,
			Method:       types.MethodMajorityVote,
			SimilarCases: similar,
		}, nil
	}

	if err := ctx.Err(); err != nil {
		return types.PredictionResult{}, fmt.Errorf("%w: %v", ErrPredictionFailed, err)
	}
	reply, err := e.llm.Complete(ctx, buildICRLPrompt(question, category, meta, similar))
	if err != nil {
		return types.PredictionResult{}, fmt.Errorf("%w: icrl: %v", ErrPredictionFailed, err)
	}

	value, clear := parseICRLReply(reply)
	confidence := e.cfg.ICRLConfidence
	if !clear {
		logging.Get(logging.CategoryPrediction).Warn("ambiguous ICRL reply %q, defaulting to %s", truncate(reply, 80), value)
		confidence = e.cfg.ICRLAmbiguousConfidence
	}
	return types.PredictionResult{
		Value:        value,
		Confidence:   confidence,
		Method:       types.MethodICRL,
		SimilarCases: similar,
	}, nil
}

func (e *Engine) coldStart() types.PredictionResult {
	return types.PredictionResult{
		Value:      types.ValueRequiresReview,
		Confidence: e.cfg.ColdStartConfidence,
		Method:     types.MethodColdStart,
	}
}

// =============================================================================
// VOTING
// =============================================================================

type vote struct {
	winner string
	share  float64
	total  float64
}

// tally weighs each case by similarity and recency. Rejected cases vote for
// requires_review. Ties resolve to requires_review, then lexically.
func tally(cases []types.ScoredCase, now time.Time, halfLife time.Duration) vote {
	weights := make(map[string]float64)
	var total float64
	for _, c := range cases {
		w := math.Max(c.Similarity, 0) * recency(now.Sub(c.CreatedAt), halfLife)
		weights[voteValue(c.CBRCase)] += w
		total += w
	}
	if total == 0 {
		return vote{winner: types.ValueRequiresReview}
	}

	values := make([]string, 0, len(weights))
	for v := range weights {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool {
		wi, wj := weights[values[i]], weights[values[j]]
		if wi != wj {
			return wi > wj
		}
		if (values[i] == types.ValueRequiresReview) != (values[j] == types.ValueRequiresReview) {
			return values[i] == types.ValueRequiresReview
		}
		return values[i] < values[j]
	})
	return vote{winner: values[0], share: weights[values[0]] / total, total: total}
}

func voteValue(c types.CBRCase) string {
	if c.RatificationState == types.RatificationRejected || c.DecisionValue == "" {
		return types.ValueRequiresReview
	}
	return c.DecisionValue
}

// recency halves a case's weight every halfLife. Future-dated cases count as new.
func recency(age, halfLife time.Duration) float64 {
	if halfLife <= 0 || age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
