package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"trustgate/internal/types"

	"github.com/stretchr/testify/suite"
)

type StoreSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func (s *StoreSuite) SetupTest() {
	var err error
	s.store, err = Open(":memory:")
	s.Require().NoError(err)
	s.ctx = context.Background()
}

func (s *StoreSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func (s *StoreSuite) appendCase(id, category, value string, vec []float32, created time.Time) {
	s.Require().NoError(s.store.Append(s.ctx, types.CBRCase{
		ID:                id,
		NotificationID:    "n-" + id,
		Category:          category,
		Question:          "question " + id,
		DecisionValue:     value,
		RatificationState: types.RatificationApproved,
		CreatedAt:         created,
		Embedding:         vec,
	}))
}

func (s *StoreSuite) TestSimilarityFunctionRegistered() {
	var sim float64
	err := s.store.db.QueryRowContext(s.ctx, "SELECT cbr_similarity(?, ?)",
		encodeVector([]float32{1, 0}), encodeVector([]float32{1, 0})).Scan(&sim)
	s.Require().NoError(err)
	s.InDelta(1.0, sim, 1e-9)

	var mismatched *float64
	err = s.store.db.QueryRowContext(s.ctx, "SELECT cbr_similarity(?, ?)",
		encodeVector([]float32{1, 0}), encodeVector([]float32{1})).Scan(&mismatched)
	s.Require().NoError(err)
	s.Nil(mismatched)
}

func (s *StoreSuite) TestQueryRanksBySimilarity() {
	s.appendCase("a", "deployment", "approved", []float32{1, 0, 0}, t0)
	s.appendCase("b", "deployment", "approved", []float32{0.9, 0.1, 0}, t0)
	s.appendCase("c", "deployment", "requires_review", []float32{0, 1, 0}, t0)
	s.appendCase("d", "testing", "approved", []float32{1, 0, 0}, t0)

	got, err := s.store.Query(s.ctx, []float32{1, 0, 0}, "deployment", 10, 0.5)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("a", got[0].ID)
	s.InDelta(1.0, got[0].Similarity, 1e-6)
	s.Equal("b", got[1].ID)
	s.Equal([]float32{0.9, 0.1, 0}, got[1].Embedding)
	s.True(got[0].CreatedAt.Equal(t0))

	all, err := s.store.Query(s.ctx, []float32{1, 0, 0}, "", 10, 0.5)
	s.Require().NoError(err)
	s.Len(all, 3)

	top1, err := s.store.Query(s.ctx, []float32{1, 0, 0}, "", 1, 0)
	s.Require().NoError(err)
	s.Len(top1, 1)
}

func (s *StoreSuite) TestQuerySkipsMismatchedDimensions() {
	s.appendCase("a", "deployment", "approved", []float32{1, 0}, t0)
	s.appendCase("b", "deployment", "approved", nil, t0)

	got, err := s.store.Query(s.ctx, []float32{1, 0, 0}, "deployment", 10, 0)
	s.Require().NoError(err)
	s.Empty(got)

	_, err = s.store.Query(s.ctx, nil, "deployment", 10, 0)
	s.Error(err)
}

func (s *StoreSuite) TestAppendGeneratesIDAndCounts() {
	s.Require().NoError(s.store.Append(s.ctx, types.CBRCase{Category: "x", Question: "q", DecisionValue: "approved"}))
	n, err := s.store.CountCases(s.ctx, "x")
	s.Require().NoError(err)
	s.Equal(1, n)
	n, err = s.store.CountCases(s.ctx, "y")
	s.Require().NoError(err)
	s.Equal(0, n)
}

func (s *StoreSuite) decision(id string, action types.Action, value *string, ts time.Time) types.TrustDecision {
	return types.TrustDecision{
		ID:             id,
		NotificationID: "n-" + id,
		Domain:         "eng",
		Category:       "deployment",
		Question:       "Deploy?",
		SenderID:       "agent",
		Action:         action,
		DecisionValue:  value,
		PredictedValue: "approved",
		Confidence:     0.8,
		TrustLevel:     3,
		EffectiveLevel: 3,
		Method:         types.MethodMajorityVote,
		Strategy:       string(action),
		Reason:         "test",
		Timestamp:      ts,
	}
}

func (s *StoreSuite) TestDecisionRoundTrip() {
	d := s.decision("d1", types.ActionAct, strPtr("approved"), t0)
	s.Require().NoError(s.store.RecordDecision(s.ctx, d))

	got, err := s.store.GetDecision(s.ctx, "d1")
	s.Require().NoError(err)
	s.Equal(d, got)

	shadow := s.decision("d2", types.ActionShadow, nil, t0.Add(time.Minute))
	s.Require().NoError(s.store.RecordDecision(s.ctx, shadow))
	got, err = s.store.GetDecision(s.ctx, "d2")
	s.Require().NoError(err)
	s.Nil(got.DecisionValue)

	// Decisions are immutable.
	s.Error(s.store.RecordDecision(s.ctx, d))
}

func (s *StoreSuite) TestRecordDecisionRejectsInvalid() {
	bad := s.decision("bad", types.ActionShadow, strPtr("approved"), t0)
	s.Error(s.store.RecordDecision(s.ctx, bad))
}

func (s *StoreSuite) TestGetDecisionNotFound() {
	_, err := s.store.GetDecision(s.ctx, "missing")
	s.True(errors.Is(err, ErrDecisionNotFound))
}

func (s *StoreSuite) TestListDecisionsFilters() {
	s.Require().NoError(s.store.RecordDecision(s.ctx, s.decision("d1", types.ActionAct, strPtr("approved"), t0)))
	s.Require().NoError(s.store.RecordDecision(s.ctx, s.decision("d2", types.ActionDefer, nil, t0.Add(time.Minute))))
	s.Require().NoError(s.store.RecordDecision(s.ctx, s.decision("d3", types.ActionAct, strPtr("approved"), t0.Add(2*time.Minute))))

	all, err := s.store.ListDecisions(s.ctx, DecisionFilter{})
	s.Require().NoError(err)
	s.Require().Len(all, 3)
	s.Equal("d3", all[0].ID)

	acts, err := s.store.ListDecisions(s.ctx, DecisionFilter{Action: types.ActionAct, Limit: 1})
	s.Require().NoError(err)
	s.Require().Len(acts, 1)
	s.Equal("d3", acts[0].ID)

	recent, err := s.store.ListDecisions(s.ctx, DecisionFilter{Since: t0.Add(time.Minute)})
	s.Require().NoError(err)
	s.Len(recent, 2)
}

func (s *StoreSuite) TestSubmissionsAndUnsubmittedActs() {
	s.Require().NoError(s.store.RecordDecision(s.ctx, s.decision("d1", types.ActionAct, strPtr("approved"), t0)))
	s.Require().NoError(s.store.RecordDecision(s.ctx, s.decision("d2", types.ActionAct, strPtr("approved"), t0)))

	s.Require().NoError(s.store.RecordSubmission(s.ctx, types.SubmissionRecord{DecisionID: "d1", Success: true, AttemptedAt: t0}))
	s.Require().NoError(s.store.RecordSubmission(s.ctx, types.SubmissionRecord{DecisionID: "d2", Success: false, Error: "status 500", AttemptedAt: t0}))

	subs, err := s.store.Submissions(s.ctx, "d2")
	s.Require().NoError(err)
	s.Require().Len(subs, 1)
	s.False(subs[0].Success)
	s.Equal("status 500", subs[0].Error)

	pending, err := s.store.UnsubmittedActs(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal("d2", pending[0].ID)
}

func (s *StoreSuite) TestRatificationOnlyOnce() {
	s.Require().NoError(s.store.RecordDecision(s.ctx, s.decision("d1", types.ActionSuggest, strPtr("approved"), t0)))

	ok, err := s.store.IsRatified(s.ctx, "d1")
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.store.RecordRatification(s.ctx, types.RatificationRequest{DecisionID: "d1", Approved: true}))
	err = s.store.RecordRatification(s.ctx, types.RatificationRequest{DecisionID: "d1", Approved: false})
	s.True(errors.Is(err, ErrAlreadyRatified))

	ok, err = s.store.IsRatified(s.ctx, "d1")
	s.Require().NoError(err)
	s.True(ok)
}

func (s *StoreSuite) TestTrustStateUpsert() {
	st := types.TrustState{Domain: "eng", Category: "deployment", TrustLevel: 2, ConsecutiveSuccesses: 1, LastActivityAt: t0}
	s.Require().NoError(s.store.SaveTrustState(s.ctx, st))
	st.TrustLevel = 3
	st.LastPromotedAt = t0
	s.Require().NoError(s.store.SaveTrustState(s.ctx, st))

	got, err := s.store.LoadTrustStates(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(3, got[0].TrustLevel)
	s.True(got[0].LastPromotedAt.Equal(t0))
	s.True(got[0].LastActivityAt.Equal(t0))
}

func (s *StoreSuite) TestBreakerStateUpsert() {
	st := types.BreakerState{
		Category:            "deployment",
		Status:              types.BreakerOpen,
		FailureCount:        3,
		ConsecutiveFailures: 3,
		Failures:            []time.Time{t0, t0.Add(time.Second)},
		OpenedAt:            t0,
		Cooldown:            5 * time.Minute,
		Trips:               1,
	}
	s.Require().NoError(s.store.SaveBreakerState(s.ctx, st))

	got, err := s.store.LoadBreakerStates(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(types.BreakerOpen, got[0].Status)
	s.Equal(5*time.Minute, got[0].Cooldown)
	s.Len(got[0].Failures, 2)
	s.True(got[0].OpenedAt.Equal(t0))
}

func (s *StoreSuite) TestSummarize() {
	s.appendCase("a", "deployment", "approved", []float32{1}, t0)
	s.Require().NoError(s.store.RecordDecision(s.ctx, s.decision("d1", types.ActionAct, strPtr("approved"), t0)))
	s.Require().NoError(s.store.RecordDecision(s.ctx, s.decision("d2", types.ActionShadow, nil, t0)))
	s.Require().NoError(s.store.RecordSubmission(s.ctx, types.SubmissionRecord{DecisionID: "d1", Success: false, AttemptedAt: t0}))
	s.Require().NoError(s.store.RecordRatification(s.ctx, types.RatificationRequest{DecisionID: "d2", Approved: false}))

	sum, err := s.store.Summarize(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, sum.Cases)
	s.Equal(1, sum.Decisions["act"])
	s.Equal(1, sum.Decisions["shadow"])
	s.Equal(1, sum.FailedSubmits)
	s.Equal(1, sum.Rejected)
	s.Equal(0, sum.Approved)
}

func TestOpenFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "trustgate.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := st.SaveTrustState(ctx, types.TrustState{Domain: "d", Category: "c", TrustLevel: 4}); err != nil {
		t.Fatalf("save: %v", err)
	}
	st.Close()

	st, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	states, err := st.LoadTrustStates(ctx)
	if err != nil || len(states) != 1 || states[0].TrustLevel != 4 {
		t.Fatalf("expected persisted level 4, got %v (err=%v)", states, err)
	}
}
