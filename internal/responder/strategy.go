package responder

import (
	"fmt"
	"time"

	"trustgate/internal/config"
	"trustgate/internal/types"
)

// Policy maps effective trust levels and prediction confidence to actions.
type Policy struct {
	ShadowMaxLevel      int
	SuggestMaxLevel     int
	ActMinLevel         int
	ConfidenceThreshold float64
}

// PolicyFromConfig extracts the action policy.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		ShadowMaxLevel:      cfg.Policy.ShadowMaxLevel,
		SuggestMaxLevel:     cfg.Policy.SuggestMaxLevel,
		ActMinLevel:         cfg.Policy.ActMinLevel,
		ConfidenceThreshold: cfg.Policy.ConfidenceThreshold,
	}
}

// Situation is everything a strategy may look at for one event.
type Situation struct {
	Event          types.DecisionEvent
	Classification types.ClassificationResult
	Trust          types.TrustState
	Breaker        types.BreakerState
	CapLevel       int
	EffectiveLevel int
	Prediction     types.PredictionResult
	PredictionErr  error
	HumanReachable bool
	CanSubmit      bool
	Now            time.Time
}

// Verdict is a strategy's answer.
type Verdict struct {
	Action types.Action
	Reason string
}

// Strategy is one link of the chain. The first strategy that is Available
// and CanHandle the situation decides.
type Strategy interface {
	Name() string
	Available(s *Situation) bool
	CanHandle(s *Situation) bool
	Respond(s *Situation) Verdict
}

// DefaultChain returns breaker, failure, shadow, suggest, act, defer.
func DefaultChain(p Policy) []Strategy {
	return []Strategy{
		breakerStrategy{},
		failureStrategy{},
		shadowStrategy{policy: p},
		suggestStrategy{policy: p},
		actStrategy{policy: p},
		deferStrategy{},
	}
}

// Choose walks the chain. The chain must end in a strategy that always
// handles; if none does, the result is a conservative defer.
func Choose(chain []Strategy, s *Situation) (string, Verdict) {
	for _, st := range chain {
		if st.Available(s) && st.CanHandle(s) {
			return st.Name(), st.Respond(s)
		}
	}
	return "none", conservative(s, "no strategy matched")
}

// conservative is defer when a human can take the question, shadow otherwise.
func conservative(s *Situation, reason string) Verdict {
	if s.HumanReachable {
		return Verdict{Action: types.ActionDefer, Reason: reason}
	}
	return Verdict{Action: types.ActionShadow, Reason: reason}
}

// =============================================================================
// STRATEGIES
// =============================================================================

type breakerStrategy struct{}

func (breakerStrategy) Name() string              { return "breaker" }
func (breakerStrategy) Available(*Situation) bool { return true }
func (breakerStrategy) CanHandle(s *Situation) bool {
	return s.Breaker.Status != "" && s.Breaker.Status != types.BreakerClosed
}
func (breakerStrategy) Respond(s *Situation) Verdict {
	return conservative(s, fmt.Sprintf("circuit breaker %s for %s", s.Breaker.Status, s.Classification.Category))
}

type failureStrategy struct{}

func (failureStrategy) Name() string                { return "failure" }
func (failureStrategy) Available(*Situation) bool   { return true }
func (failureStrategy) CanHandle(s *Situation) bool { return s.PredictionErr != nil }
func (failureStrategy) Respond(s *Situation) Verdict {
	reason := fmt.Sprintf("prediction failed: %v", s.PredictionErr)
	if s.EffectiveLevel <= types.MinTrustLevel {
		return Verdict{Action: types.ActionShadow, Reason: reason}
	}
	return Verdict{Action: types.ActionDefer, Reason: reason}
}

type shadowStrategy struct{ policy Policy }

func (shadowStrategy) Name() string              { return "shadow" }
func (shadowStrategy) Available(*Situation) bool { return true }
func (st shadowStrategy) CanHandle(s *Situation) bool {
	return s.EffectiveLevel <= max(st.policy.ShadowMaxLevel, types.MinTrustLevel)
}
func (shadowStrategy) Respond(s *Situation) Verdict {
	return Verdict{Action: types.ActionShadow, Reason: fmt.Sprintf("effective level %d is shadow mode", s.EffectiveLevel)}
}

type suggestStrategy struct{ policy Policy }

func (suggestStrategy) Name() string { return "suggest" }

// Available requires a value to suggest.
func (suggestStrategy) Available(s *Situation) bool { return s.Prediction.Value != "" }
func (st suggestStrategy) CanHandle(s *Situation) bool {
	return s.EffectiveLevel <= st.policy.SuggestMaxLevel || s.Prediction.Confidence < st.policy.ConfidenceThreshold
}
func (st suggestStrategy) Respond(s *Situation) Verdict {
	if s.EffectiveLevel <= st.policy.SuggestMaxLevel {
		return Verdict{Action: types.ActionSuggest, Reason: fmt.Sprintf("effective level %d suggests only", s.EffectiveLevel)}
	}
	return Verdict{Action: types.ActionSuggest, Reason: fmt.Sprintf("confidence %.2f below %.2f", s.Prediction.Confidence, st.policy.ConfidenceThreshold)}
}

type actStrategy struct{ policy Policy }

func (actStrategy) Name() string { return "act" }

// Available requires a submission endpoint and a value to submit.
func (actStrategy) Available(s *Situation) bool { return s.CanSubmit && s.Prediction.Value != "" }
func (st actStrategy) CanHandle(s *Situation) bool {
	return s.EffectiveLevel >= st.policy.ActMinLevel &&
		s.Prediction.Confidence >= st.policy.ConfidenceThreshold &&
		!s.HumanReachable
}
func (actStrategy) Respond(s *Situation) Verdict {
	return Verdict{Action: types.ActionAct, Reason: fmt.Sprintf("level %d, confidence %.2f, no human reachable", s.EffectiveLevel, s.Prediction.Confidence)}
}

type deferStrategy struct{}

func (deferStrategy) Name() string              { return "defer" }
func (deferStrategy) Available(*Situation) bool { return true }
func (deferStrategy) CanHandle(*Situation) bool { return true }
func (deferStrategy) Respond(s *Situation) Verdict {
	if s.HumanReachable {
		return Verdict{Action: types.ActionDefer, Reason: "human reachable"}
	}
	return Verdict{Action: types.ActionDefer, Reason: "no autonomous action permitted"}
}
