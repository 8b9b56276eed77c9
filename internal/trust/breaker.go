package trust

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"trustgate/internal/config"
	"trustgate/internal/logging"
	"trustgate/internal/types"
)

// BreakerPolicy tunes the circuit breaker.
type BreakerPolicy struct {
	FailureThreshold   int
	FailureWindow      time.Duration
	Cooldown           time.Duration
	MaxCooldown        time.Duration
	CooldownMultiplier float64
}

// BreakerPolicyFromConfig extracts the breaker policy.
func BreakerPolicyFromConfig(cfg *config.Config) BreakerPolicy {
	return BreakerPolicy{
		FailureThreshold:   cfg.Breaker.FailureThreshold,
		FailureWindow:      cfg.GetFailureWindow(),
		Cooldown:           cfg.GetCooldown(),
		MaxCooldown:        cfg.GetMaxCooldown(),
		CooldownMultiplier: cfg.Breaker.CooldownMultiplier,
	}
}

type breakerEntry struct {
	mu    sync.Mutex
	state types.BreakerState
}

// Breaker is the per-category CircuitBreaker. It is independent of trust
// level: any status other than closed overrides earned trust.
type Breaker struct {
	policy  BreakerPolicy
	persist StateStore

	mu      sync.Mutex
	entries map[string]*breakerEntry
}

// NewBreaker creates a breaker set. persist may be nil.
func NewBreaker(policy BreakerPolicy, persist StateStore) *Breaker {
	if policy.FailureThreshold < 1 {
		policy.FailureThreshold = 1
	}
	if policy.CooldownMultiplier < 1 {
		policy.CooldownMultiplier = 1
	}
	if policy.MaxCooldown < policy.Cooldown {
		policy.MaxCooldown = policy.Cooldown
	}
	return &Breaker{
		policy:  policy,
		persist: persist,
		entries: make(map[string]*breakerEntry),
	}
}

// Load restores persisted breaker states.
func (b *Breaker) Load(ctx context.Context) error {
	if b.persist == nil {
		return nil
	}
	states, err := b.persist.LoadBreakerStates(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range states {
		b.entries[s.Category] = &breakerEntry{state: s}
	}
	logging.Trust("restored %d breaker states", len(states))
	return nil
}

func (b *Breaker) entry(category string) *breakerEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[category]
	if !ok {
		e = &breakerEntry{state: types.BreakerState{
			Category: category,
			Status:   types.BreakerClosed,
			Cooldown: b.policy.Cooldown,
		}}
		b.entries[category] = e
	}
	return e
}

// Status returns the breaker for category at now, moving open to half_open
// once the cooldown has elapsed.
func (b *Breaker) Status(ctx context.Context, category string, now time.Time) types.BreakerState {
	e := b.entry(category)
	e.mu.Lock()
	defer e.mu.Unlock()
	if b.advanceLocked(&e.state, now) {
		b.save(ctx, e.state)
	}
	return detach(e.state)
}

// RecordSuccess applies a successful outcome.
func (b *Breaker) RecordSuccess(ctx context.Context, category string, now time.Time) types.BreakerState {
	e := b.entry(category)
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.state
	b.advanceLocked(s, now)
	switch s.Status {
	case types.BreakerHalfOpen:
		s.Status = types.BreakerClosed
		s.Cooldown = b.policy.Cooldown
		s.OpenedAt = time.Time{}
		logging.Trust("breaker %s closed after successful trial", category)
		fallthrough
	case types.BreakerClosed:
		s.ConsecutiveFailures = 0
		s.Failures = nil
	case types.BreakerOpen:
		// Outcomes for decisions made before the trip do not shorten the cooldown.
	}

	b.save(ctx, *s)
	return detach(*s)
}

// RecordFailure applies a failed outcome.
func (b *Breaker) RecordFailure(ctx context.Context, category string, now time.Time) types.BreakerState {
	e := b.entry(category)
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.state
	b.advanceLocked(s, now)
	s.FailureCount++

	switch s.Status {
	case types.BreakerClosed:
		s.ConsecutiveFailures++
		s.Failures = append(pruneBefore(s.Failures, now.Add(-b.policy.FailureWindow)), now)
		if s.ConsecutiveFailures >= b.policy.FailureThreshold && len(s.Failures) >= b.policy.FailureThreshold {
			s.Status = types.BreakerOpen
			s.OpenedAt = now
			s.Cooldown = b.policy.Cooldown
			s.Trips++
			logging.Get(logging.CategoryTrust).Warn("breaker %s opened after %d consecutive failures", category, s.ConsecutiveFailures)
		}
	case types.BreakerHalfOpen:
		s.Status = types.BreakerOpen
		s.OpenedAt = now
		next := time.Duration(float64(s.Cooldown) * b.policy.CooldownMultiplier)
		if next > b.policy.MaxCooldown {
			next = b.policy.MaxCooldown
		}
		s.Cooldown = next
		s.Trips++
		logging.Get(logging.CategoryTrust).Warn("breaker %s re-opened from half_open, cooldown now %v", category, s.Cooldown)
	case types.BreakerOpen:
		s.ConsecutiveFailures++
	}

	b.save(ctx, *s)
	return detach(*s)
}

// Snapshot returns every known breaker sorted by category.
func (b *Breaker) Snapshot(now time.Time) []types.BreakerState {
	b.mu.Lock()
	entries := make([]*breakerEntry, 0, len(b.entries))
	for _, e := range b.entries {
		entries = append(entries, e)
	}
	b.mu.Unlock()

	out := make([]types.BreakerState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		b.advanceLocked(&e.state, now)
		out = append(out, detach(e.state))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// advanceLocked performs the time-driven open -> half_open transition.
func (b *Breaker) advanceLocked(s *types.BreakerState, now time.Time) bool {
	if s.Status == types.BreakerOpen && now.Sub(s.OpenedAt) >= s.Cooldown {
		s.Status = types.BreakerHalfOpen
		logging.Trust("breaker %s half_open after %v cooldown", s.Category, s.Cooldown)
		return true
	}
	return false
}

// pruneBefore returns a fresh slice; states handed out earlier may still
// reference the old one.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	kept := make([]time.Time, 0, len(ts)+1)
	for _, t := range ts {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// detach copies a state for use outside the entry lock.
func detach(s types.BreakerState) types.BreakerState {
	s.Failures = slices.Clone(s.Failures)
	return s
}

func (b *Breaker) save(ctx context.Context, s types.BreakerState) {
	if b.persist == nil {
		return
	}
	if err := b.persist.SaveBreakerState(ctx, s); err != nil {
		logging.Get(logging.CategoryTrust).Error("failed to persist breaker %s: %v", s.Category, err)
	}
}
