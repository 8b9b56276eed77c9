// Package types provides shared type definitions used across trustgate packages.
// This package exists to break import cycles between the responder, trust,
// prediction, and store packages. Types here are plain data with no behavior
// beyond validation helpers.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// ACTIONS
// =============================================================================

// Action is the outcome the responder chose for a decision request.
type Action string

const (
	// ActionShadow records the prediction with no visible effect.
	ActionShadow Action = "shadow"
	// ActionSuggest records the prediction and surfaces it for ratification.
	ActionSuggest Action = "suggest"
	// ActionAct submits the decision value autonomously.
	ActionAct Action = "act"
	// ActionDefer routes the question to a connected human.
	ActionDefer Action = "defer"
)

// CarriesValue reports whether decisions with this action expose a decision value.
func (a Action) CarriesValue() bool {
	return a == ActionSuggest || a == ActionAct
}

// Valid reports whether a is one of the four known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionShadow, ActionSuggest, ActionAct, ActionDefer:
		return true
	}
	return false
}

// =============================================================================
// EVENTS AND CLASSIFICATION
// =============================================================================

// DecisionEvent is a single incoming decision request.
type DecisionEvent struct {
	ID         string                 `json:"id"`
	Domain     string                 `json:"domain"`
	Category   string                 `json:"category,omitempty"`
	Question   string                 `json:"question"`
	SenderID   string                 `json:"sender_id"`
	Context    map[string]interface{} `json:"context,omitempty"`
	ReceivedAt time.Time              `json:"received_at"`
}

// Validate checks the fields the responder cannot work without.
func (e DecisionEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("decision event missing id")
	}
	if e.Question == "" {
		return fmt.Errorf("decision event %s missing question", e.ID)
	}
	return nil
}

// GeneralCategory is the universal classifier fallback.
const GeneralCategory = "general"

// ClassificationResult is the classifier output for one event.
type ClassificationResult struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method"`
}

// =============================================================================
// TRUST AND CIRCUIT BREAKER STATE
// =============================================================================

const (
	MinTrustLevel = 1
	MaxTrustLevel = 5
)

// ClampTrustLevel forces level into [MinTrustLevel, MaxTrustLevel].
func ClampTrustLevel(level int) int {
	if level < MinTrustLevel {
		return MinTrustLevel
	}
	if level > MaxTrustLevel {
		return MaxTrustLevel
	}
	return level
}

// TrustKey identifies one (domain, category) pair.
type TrustKey struct {
	Domain   string `json:"domain"`
	Category string `json:"category"`
}

func (k TrustKey) String() string {
	return k.Domain + "/" + k.Category
}

// TrustState is the earned autonomy for one (domain, category) pair.
type TrustState struct {
	Domain               string    `json:"domain"`
	Category             string    `json:"category"`
	TrustLevel           int       `json:"trust_level"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	LastActivityAt       time.Time `json:"last_activity_at"`
	LastPromotedAt       time.Time `json:"last_promoted_at,omitempty"`
}

// Key returns the state's (domain, category) key.
func (s TrustState) Key() TrustKey {
	return TrustKey{Domain: s.Domain, Category: s.Category}
}

// BreakerStatus is the circuit breaker position.
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half_open"
)

// BreakerState is the failure guard for one category.
type BreakerState struct {
	Category            string        `json:"category"`
	Status              BreakerStatus `json:"status"`
	FailureCount        int           `json:"failure_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Failures            []time.Time   `json:"failures,omitempty"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	Cooldown            time.Duration `json:"cooldown"`
	Trips               int           `json:"trips"`
}

// =============================================================================
// DECISIONS
// =============================================================================

// TrustDecision is the immutable record emitted once per event.
type TrustDecision struct {
	ID             string    `json:"id"`
	NotificationID string    `json:"notification_id"`
	Domain         string    `json:"domain"`
	Category       string    `json:"category"`
	Question       string    `json:"question"`
	SenderID       string    `json:"sender_id"`
	Action         Action    `json:"action"`
	DecisionValue  *string   `json:"decision_value"`
	PredictedValue string    `json:"predicted_value,omitempty"`
	Confidence     float64   `json:"confidence"`
	TrustLevel     int       `json:"trust_level"`
	EffectiveLevel int       `json:"effective_level"`
	Method         string    `json:"method,omitempty"`
	Strategy       string    `json:"strategy"`
	Reason         string    `json:"reason"`
	Timestamp      time.Time `json:"timestamp"`
}

// Validate enforces that a decision value is present iff the action carries one.
func (d TrustDecision) Validate() error {
	if !d.Action.Valid() {
		return fmt.Errorf("decision %s has unknown action %q", d.ID, d.Action)
	}
	if d.Action.CarriesValue() && d.DecisionValue == nil {
		return fmt.Errorf("decision %s: action %s requires a decision value", d.ID, d.Action)
	}
	if !d.Action.CarriesValue() && d.DecisionValue != nil {
		return fmt.Errorf("decision %s: action %s must not carry a decision value", d.ID, d.Action)
	}
	if d.TrustLevel < MinTrustLevel || d.TrustLevel > MaxTrustLevel {
		return fmt.Errorf("decision %s: trust level %d out of range", d.ID, d.TrustLevel)
	}
	return nil
}

// SubmissionRecord is the outcome of submitting an acted decision.
type SubmissionRecord struct {
	DecisionID  string    `json:"decision_id"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// RatificationRequest is external feedback on an earlier decision.
type RatificationRequest struct {
	DecisionID string `json:"decision_id" binding:"required"`
	Approved   bool   `json:"approved"`
	Feedback   string `json:"feedback,omitempty"`
}

// =============================================================================
// CASE-BASED REASONING
// =============================================================================

// Decision values understood by the ICRL fallback.
const (
	ValueApproved       = "approved"
	ValueRequiresReview = "requires_review"
)

// RatificationState of a stored case.
const (
	RatificationApproved = "approved"
	RatificationRejected = "rejected"
	RatificationPending  = "pending"
)

// CBRCase is one historical decision available for retrieval.
type CBRCase struct {
	ID                string    `json:"id"`
	NotificationID    string    `json:"notification_id"`
	Category          string    `json:"category"`
	Question          string    `json:"question"`
	DecisionValue     string    `json:"decision_value"`
	RatificationState string    `json:"ratification_state"`
	CreatedAt         time.Time `json:"created_at"`
	Embedding         []float32 `json:"-"`
}

// ScoredCase is a retrieved case with its similarity to the query.
type ScoredCase struct {
	CBRCase
	Similarity float64 `json:"similarity"`
}

// Prediction methods.
const (
	MethodMajorityVote = "cbr_majority_vote"
	MethodICRL         = "icrl"
	MethodColdStart    = "cold_start"
)

// PredictionResult is the CBR engine output.
type PredictionResult struct {
	Value        string       `json:"value"`
	Confidence   float64      `json:"confidence"`
	Method       string       `json:"method"`
	SimilarCases []ScoredCase `json:"similar_cases,omitempty"`
}
