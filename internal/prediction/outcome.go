package prediction

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"trustgate/internal/logging"
	"trustgate/internal/types"
)

// Outcome is a ratified result fed back into the case history.
type Outcome struct {
	NotificationID string
	Question       string
	Category       string
	Predicted      string
	Actual         string
	Method         string
	// ResponseType is the ratification state stored with the case.
	ResponseType string
}

// MethodStats counts predictions for one method.
type MethodStats struct {
	Total   int `json:"total"`
	Correct int `json:"correct"`
}

// Stats is the running accuracy of ratified predictions.
type Stats struct {
	Total    int                    `json:"total"`
	Correct  int                    `json:"correct"`
	Accuracy float64                `json:"accuracy"`
	ByMethod map[string]MethodStats `json:"by_method"`
}

// RecordOutcome appends the ratified case and updates the accuracy counters.
// A prediction counts as correct when it was not rejected and matches the
// actual value. Counters are updated even when the append fails.
func (e *Engine) RecordOutcome(ctx context.Context, o Outcome) error {
	e.mu.Lock()
	e.stats.Total++
	m := e.stats.ByMethod[o.Method]
	m.Total++
	if o.ResponseType != types.RatificationRejected && o.Predicted == o.Actual {
		e.stats.Correct++
		m.Correct++
	}
	e.stats.ByMethod[o.Method] = m
	e.mu.Unlock()

	vec, err := e.embedder.Embed(ctx, o.Question)
	if err != nil {
		return fmt.Errorf("failed to embed outcome question: %w", err)
	}
	state := o.ResponseType
	if state == "" {
		state = types.RatificationPending
	}
	c := types.CBRCase{
		ID:                uuid.NewString(),
		NotificationID:    o.NotificationID,
		Category:          o.Category,
		Question:          o.Question,
		DecisionValue:     o.Actual,
		RatificationState: state,
		CreatedAt:         e.now(),
		Embedding:         vec,
	}
	if err := e.cases.Append(ctx, c); err != nil {
		return err
	}
	logging.Prediction("recorded outcome for %s: predicted=%s actual=%s (%s)", o.NotificationID, o.Predicted, o.Actual, state)
	return nil
}

// Stats returns a snapshot of the accuracy counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Stats{
		Total:    e.stats.Total,
		Correct:  e.stats.Correct,
		ByMethod: make(map[string]MethodStats, len(e.stats.ByMethod)),
	}
	for k, v := range e.stats.ByMethod {
		out.ByMethod[k] = v
	}
	if out.Total > 0 {
		out.Accuracy = float64(out.Correct) / float64(out.Total)
	}
	return out
}
