package responder

import (
	"context"
	"errors"
	"fmt"

	"trustgate/internal/logging"
	"trustgate/internal/prediction"
	"trustgate/internal/types"
)

// ErrNothingToRatify is returned for decisions that carry no prediction,
// e.g. ones recorded after a prediction failure.
var ErrNothingToRatify = errors.New("decision has nothing to ratify")

// RatificationResult is the state after applying a ratification.
type RatificationResult struct {
	Decision types.TrustDecision `json:"decision"`
	Trust    types.TrustState    `json:"trust"`
	Promoted bool                `json:"promoted"`
	Breaker  types.BreakerState  `json:"breaker"`
}

// Ratify applies human feedback on an earlier decision: the ratification is
// stored once, trust and the breaker move, and the outcome joins the case
// history. Unknown ids surface the sink's not-found error and a second
// ratification surfaces its already-ratified error.
func (r *Responder) Ratify(ctx context.Context, req types.RatificationRequest) (RatificationResult, error) {
	if req.DecisionID == "" {
		return RatificationResult{}, fmt.Errorf("ratification requires a decision id")
	}
	d, err := r.deps.Sink.GetDecision(ctx, req.DecisionID)
	if err != nil {
		return RatificationResult{}, err
	}
	if d.PredictedValue == "" {
		return RatificationResult{}, fmt.Errorf("%w: %s", ErrNothingToRatify, d.ID)
	}
	if err := r.deps.Sink.RecordRatification(ctx, req); err != nil {
		return RatificationResult{}, err
	}

	now := r.now()
	key := types.TrustKey{Domain: d.Domain, Category: d.Category}
	res := RatificationResult{Decision: d}
	state := types.RatificationRejected
	if req.Approved {
		state = types.RatificationApproved
		res.Trust, res.Promoted = r.deps.Registry.Trust.RecordApproval(ctx, key, now)
		res.Breaker = r.deps.Registry.Breakers.RecordSuccess(ctx, d.Category, now)
	} else {
		res.Trust = r.deps.Registry.Trust.RecordRejection(ctx, key, now)
		res.Breaker = r.deps.Registry.Breakers.RecordFailure(ctx, d.Category, now)
	}

	outcome := prediction.Outcome{
		NotificationID: d.NotificationID,
		Question:       d.Question,
		Category:       d.Category,
		Predicted:      d.PredictedValue,
		Actual:         actualValue(d.PredictedValue, req.Approved),
		Method:         d.Method,
		ResponseType:   state,
	}
	if err := r.deps.Predictor.RecordOutcome(ctx, outcome); err != nil {
		// The ratification is already durable; the case history just misses one entry.
		logging.Get(logging.CategoryResponder).Warn("failed to record outcome for %s: %v", d.ID, err)
	}

	logging.Responder("ratified %s (%s): approved=%v level=%d breaker=%s",
		d.ID, key, req.Approved, res.Trust.TrustLevel, res.Breaker.Status)
	return res, nil
}

// actualValue is what the human endorsed. A rejected prediction always
// needed review.
func actualValue(predicted string, approved bool) string {
	if approved {
		return predicted
	}
	return types.ValueRequiresReview
}
