package types

import (
	"context"
)

// LLMClient is the single request/response capability used for ICRL
// disambiguation.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CaseStore is the narrow view of the similarity index backing CBR.
type CaseStore interface {
	// Query returns up to topK cases with similarity >= threshold, most similar
	// first. An empty category searches every category.
	Query(ctx context.Context, embedding []float32, category string, topK int, threshold float64) ([]ScoredCase, error)
	Append(ctx context.Context, c CBRCase) error
}

// DecisionSink stores immutable decision records and their follow-ups.
type DecisionSink interface {
	RecordDecision(ctx context.Context, d TrustDecision) error
	RecordSubmission(ctx context.Context, s SubmissionRecord) error
	RecordRatification(ctx context.Context, r RatificationRequest) error
	GetDecision(ctx context.Context, id string) (TrustDecision, error)
}
