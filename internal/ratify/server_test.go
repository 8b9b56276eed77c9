package ratify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trustgate/internal/prediction"
	"trustgate/internal/responder"
	"trustgate/internal/store"
	"trustgate/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	err  error
	last types.RatificationRequest
}

func (f *fakeBackend) Ratify(_ context.Context, req types.RatificationRequest) (responder.RatificationResult, error) {
	f.last = req
	if f.err != nil {
		return responder.RatificationResult{}, f.err
	}
	return responder.RatificationResult{
		Decision: types.TrustDecision{ID: req.DecisionID, Category: "deployment"},
		Trust:    types.TrustState{Domain: "engineering", Category: "deployment", TrustLevel: 2},
		Promoted: true,
		Breaker:  types.BreakerState{Category: "deployment", Status: types.BreakerClosed},
	}, nil
}

func (f *fakeBackend) TrustStates() []types.TrustState {
	return []types.TrustState{{Domain: "engineering", Category: "deployment", TrustLevel: 3}}
}

func (f *fakeBackend) BreakerStates() []types.BreakerState {
	return []types.BreakerState{{Category: "deployment", Status: types.BreakerOpen}}
}

func (f *fakeBackend) PredictionStats() prediction.Stats {
	return prediction.Stats{Total: 4, Correct: 3, Accuracy: 0.75}
}

func (f *fakeBackend) Counts() responder.Counts {
	return responder.Counts{Actions: map[types.Action]int{types.ActionShadow: 2}}
}

type fakeLister struct {
	filter store.DecisionFilter
	err    error
}

func (f *fakeLister) ListDecisions(_ context.Context, filter store.DecisionFilter) ([]types.TrustDecision, error) {
	f.filter = filter
	return []types.TrustDecision{{ID: "d-1", Action: types.ActionShadow}}, f.err
}

func (f *fakeLister) UnsubmittedActs(context.Context) ([]types.TrustDecision, error) {
	return []types.TrustDecision{{ID: "d-2", Action: types.ActionAct}}, f.err
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPostRatification(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"ok", `{"decision_id":"d-1","approved":true}`, nil, http.StatusOK},
		{"malformed json", `{"decision_id":`, nil, http.StatusBadRequest},
		{"missing id", `{"approved":true}`, nil, http.StatusBadRequest},
		{"missing verdict", `{"decision_id":"d-1","feedback":"lgtm"}`, nil, http.StatusBadRequest},
		{"null verdict", `{"decision_id":"d-1","approved":null}`, nil, http.StatusBadRequest},
		{"explicit rejection", `{"decision_id":"d-1","approved":false}`, nil, http.StatusOK},
		{"unknown decision", `{"decision_id":"nope","approved":true}`, fmt.Errorf("%w: nope", store.ErrDecisionNotFound), http.StatusNotFound},
		{"nothing to ratify", `{"decision_id":"d-1","approved":false}`, fmt.Errorf("%w: d-1", responder.ErrNothingToRatify), http.StatusConflict},
		{"already ratified", `{"decision_id":"d-1","approved":false}`, fmt.Errorf("%w: d-1", store.ErrAlreadyRatified), http.StatusConflict},
		{"internal", `{"decision_id":"d-1","approved":false}`, errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{err: tt.err}
			rec := do(t, NewServer(backend, nil).Handler(), http.MethodPost, "/ratifications", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus == http.StatusBadRequest {
				assert.Empty(t, backend.last.DecisionID, "backend must not see a rejected body")
			}
		})
	}
}

func TestPostRatificationReturnsState(t *testing.T) {
	backend := &fakeBackend{}
	rec := do(t, NewServer(backend, nil).Handler(), http.MethodPost, "/ratifications",
		`{"decision_id":"d-1","approved":true,"feedback":"good call"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var got responder.RatificationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Trust.TrustLevel)
	assert.True(t, got.Promoted)
	assert.Equal(t, types.BreakerClosed, got.Breaker.Status)
	assert.Equal(t, types.RatificationRequest{DecisionID: "d-1", Approved: true, Feedback: "good call"}, backend.last)
}

func TestStatusEndpoints(t *testing.T) {
	h := NewServer(&fakeBackend{}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/trust", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var trust struct {
		Trust []types.TrustState `json:"trust"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trust))
	require.Len(t, trust.Trust, 1)
	assert.Equal(t, 3, trust.Trust[0].TrustLevel)

	rec = do(t, h, http.MethodGet, "/breakers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"open"`)

	rec = do(t, h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Prediction prediction.Stats `json:"prediction"`
		Decisions  responder.Counts `json:"decisions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 0.75, stats.Prediction.Accuracy)
	assert.Equal(t, 2, stats.Decisions.Actions[types.ActionShadow])

	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/decisions", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecisionEndpoints(t *testing.T) {
	lister := &fakeLister{}
	h := NewServer(&fakeBackend{}, lister).Handler()

	rec := do(t, h, http.MethodGet, "/decisions?category=deployment&action=act&limit=5&since=2026-06-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.DecisionFilter{
		Category: "deployment",
		Action:   types.ActionAct,
		Limit:    5,
		Since:    time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}, lister.filter)
	assert.Contains(t, rec.Body.String(), `"d-1"`)

	rec = do(t, h, http.MethodGet, "/decisions?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/decisions?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/decisions/unsubmitted", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"d-2"`)

	lister.err = errors.New("db locked")
	rec = do(t, h, http.MethodGet, "/decisions", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := NewServer(&fakeBackend{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
