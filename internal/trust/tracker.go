// Package trust holds the two per-category state machines that gate autonomy:
// the TrustTracker (earned level 1..5 per domain/category) and the
// CircuitBreaker (failure-rate guard per category). Both are owned by a
// Registry constructed once per process and passed to the responder.
//
// Every read-modify-write happens under a per-key mutex so concurrent
// decisions and ratifications on the same key never lose updates.
package trust

import (
	"context"
	"sort"
	"sync"
	"time"

	"trustgate/internal/config"
	"trustgate/internal/logging"
	"trustgate/internal/types"
)

// StateStore persists trust and breaker state. Implementations must be safe
// for concurrent use; a nil StateStore keeps everything in memory.
type StateStore interface {
	LoadTrustStates(ctx context.Context) ([]types.TrustState, error)
	SaveTrustState(ctx context.Context, s types.TrustState) error
	LoadBreakerStates(ctx context.Context) ([]types.BreakerState, error)
	SaveBreakerState(ctx context.Context, s types.BreakerState) error
}

// Policy tunes how trust is earned, lost, and decays.
type Policy struct {
	PromotionStreak   int
	PromotionInterval time.Duration
	RejectionMode     string
	DecayAfter        time.Duration
}

// PolicyFromConfig extracts the tracker policy.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		PromotionStreak:   cfg.Trust.PromotionStreak,
		PromotionInterval: cfg.GetPromotionInterval(),
		RejectionMode:     cfg.Trust.RejectionMode,
		DecayAfter:        cfg.GetDecayAfter(),
	}
}

type trustEntry struct {
	mu    sync.Mutex
	state types.TrustState
}

// Tracker is the TrustTracker state machine.
type Tracker struct {
	policy  Policy
	persist StateStore

	mu      sync.Mutex
	entries map[types.TrustKey]*trustEntry
}

// NewTracker creates a tracker. persist may be nil.
func NewTracker(policy Policy, persist StateStore) *Tracker {
	if policy.PromotionStreak < 1 {
		policy.PromotionStreak = 1
	}
	return &Tracker{
		policy:  policy,
		persist: persist,
		entries: make(map[types.TrustKey]*trustEntry),
	}
}

// Load restores persisted states, clamping any out-of-range level.
func (t *Tracker) Load(ctx context.Context) error {
	if t.persist == nil {
		return nil
	}
	states, err := t.persist.LoadTrustStates(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range states {
		s.TrustLevel = types.ClampTrustLevel(s.TrustLevel)
		t.entries[s.Key()] = &trustEntry{state: s}
	}
	logging.Trust("restored %d trust states", len(states))
	return nil
}

// entry returns the entry for key, lazily initialized at level 1.
func (t *Tracker) entry(key types.TrustKey) *trustEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &trustEntry{state: types.TrustState{
			Domain:     key.Domain,
			Category:   key.Category,
			TrustLevel: types.MinTrustLevel,
		}}
		t.entries[key] = e
	}
	return e
}

// Get returns the current state without applying decay or touching activity.
func (t *Tracker) Get(key types.TrustKey) types.TrustState {
	e := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Observe is called once per decision: it applies pending decay and stamps
// the pair as active.
func (t *Tracker) Observe(ctx context.Context, key types.TrustKey, now time.Time) types.TrustState {
	e := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	t.decayLocked(&e.state, now)
	e.state.LastActivityAt = now
	t.save(ctx, e.state)
	return e.state
}

// RecordApproval counts a ratified approval. Promotion is at most one level
// and only when the streak is long enough and the last promotion is at least
// PromotionInterval old. Returns whether the level went up.
func (t *Tracker) RecordApproval(ctx context.Context, key types.TrustKey, now time.Time) (types.TrustState, bool) {
	e := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.state
	t.decayLocked(s, now)
	s.ConsecutiveSuccesses++
	s.ConsecutiveFailures = 0
	s.LastActivityAt = now

	promoted := false
	if s.TrustLevel < types.MaxTrustLevel &&
		s.ConsecutiveSuccesses >= t.policy.PromotionStreak &&
		(s.LastPromotedAt.IsZero() || now.Sub(s.LastPromotedAt) >= t.policy.PromotionInterval) {
		s.TrustLevel++
		s.LastPromotedAt = now
		s.ConsecutiveSuccesses = 0
		promoted = true
		logging.Trust("%s promoted to level %d", key, s.TrustLevel)
	}

	t.save(ctx, *s)
	return *s, promoted
}

// RecordRejection counts a ratified rejection and lowers the level according
// to the rejection mode.
func (t *Tracker) RecordRejection(ctx context.Context, key types.TrustKey, now time.Time) types.TrustState {
	e := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.state
	t.decayLocked(s, now)
	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	s.LastActivityAt = now

	before := s.TrustLevel
	if t.policy.RejectionMode == config.RejectionStepDown {
		s.TrustLevel = types.ClampTrustLevel(s.TrustLevel - 1)
	} else {
		s.TrustLevel = types.MinTrustLevel
	}
	if before != s.TrustLevel {
		logging.Trust("%s demoted %d -> %d after rejection", key, before, s.TrustLevel)
	}

	t.save(ctx, *s)
	return *s
}

// DecayAll runs the periodic decay pass and returns how many pairs lost level.
func (t *Tracker) DecayAll(ctx context.Context, now time.Time) int {
	t.mu.Lock()
	entries := make([]*trustEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	decayed := 0
	for _, e := range entries {
		e.mu.Lock()
		if t.decayLocked(&e.state, now) {
			decayed++
			t.save(ctx, e.state)
		}
		e.mu.Unlock()
	}
	if decayed > 0 {
		logging.Trust("decay pass lowered %d trust levels", decayed)
	}
	return decayed
}

// Snapshot returns every known state sorted by key.
func (t *Tracker) Snapshot() []types.TrustState {
	t.mu.Lock()
	entries := make([]*trustEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	out := make([]types.TrustState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// decayLocked lowers the level by one per full DecayAfter window of
// inactivity. The activity anchor advances by the consumed windows so a
// repeated pass over the same idle period does not decay twice.
func (t *Tracker) decayLocked(s *types.TrustState, now time.Time) bool {
	if t.policy.DecayAfter <= 0 || s.LastActivityAt.IsZero() {
		return false
	}
	idle := now.Sub(s.LastActivityAt)
	if idle < t.policy.DecayAfter {
		return false
	}
	windows := int(idle / t.policy.DecayAfter)
	s.LastActivityAt = s.LastActivityAt.Add(time.Duration(windows) * t.policy.DecayAfter)

	before := s.TrustLevel
	s.TrustLevel = types.ClampTrustLevel(s.TrustLevel - windows)
	if s.TrustLevel == before {
		return false
	}
	s.ConsecutiveSuccesses = 0
	logging.TrustDebug("%s/%s decayed %d -> %d after %v idle", s.Domain, s.Category, before, s.TrustLevel, idle)
	return true
}

func (t *Tracker) save(ctx context.Context, s types.TrustState) {
	if t.persist == nil {
		return
	}
	if err := t.persist.SaveTrustState(ctx, s); err != nil {
		logging.Get(logging.CategoryTrust).Error("failed to persist trust state %s/%s: %v", s.Domain, s.Category, err)
	}
}
