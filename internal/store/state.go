package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trustgate/internal/types"
)

// LoadTrustStates returns every persisted trust state.
func (s *Store) LoadTrustStates(ctx context.Context) ([]types.TrustState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, category, trust_level, consecutive_successes, consecutive_failures, last_activity_at, last_promoted_at
		FROM trust_state ORDER BY domain, category`)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust states: %w", err)
	}
	defer rows.Close()

	var out []types.TrustState
	for rows.Next() {
		var st types.TrustState
		var activity, promoted int64
		if err := rows.Scan(&st.Domain, &st.Category, &st.TrustLevel, &st.ConsecutiveSuccesses,
			&st.ConsecutiveFailures, &activity, &promoted); err != nil {
			return nil, err
		}
		st.LastActivityAt = fromUnix(activity)
		st.LastPromotedAt = fromUnix(promoted)
		out = append(out, st)
	}
	return out, rows.Err()
}

// SaveTrustState upserts one trust state.
func (s *Store) SaveTrustState(ctx context.Context, st types.TrustState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_state (domain, category, trust_level, consecutive_successes, consecutive_failures, last_activity_at, last_promoted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, category) DO UPDATE SET
			trust_level = excluded.trust_level,
			consecutive_successes = excluded.consecutive_successes,
			consecutive_failures = excluded.consecutive_failures,
			last_activity_at = excluded.last_activity_at,
			last_promoted_at = excluded.last_promoted_at`,
		st.Domain, st.Category, st.TrustLevel, st.ConsecutiveSuccesses, st.ConsecutiveFailures,
		toUnix(st.LastActivityAt), toUnix(st.LastPromotedAt))
	if err != nil {
		return fmt.Errorf("failed to save trust state %s: %w", st.Key(), err)
	}
	return nil
}

// LoadBreakerStates returns every persisted breaker.
func (s *Store) LoadBreakerStates(ctx context.Context) ([]types.BreakerState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, status, failure_count, consecutive_failures, failures, opened_at, cooldown, trips
		FROM breaker_state ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("failed to load breaker states: %w", err)
	}
	defer rows.Close()

	var out []types.BreakerState
	for rows.Next() {
		var st types.BreakerState
		var status, failures string
		var opened, cooldown int64
		if err := rows.Scan(&st.Category, &status, &st.FailureCount, &st.ConsecutiveFailures,
			&failures, &opened, &cooldown, &st.Trips); err != nil {
			return nil, err
		}
		st.Status = types.BreakerStatus(status)
		st.OpenedAt = fromUnix(opened)
		st.Cooldown = time.Duration(cooldown)
		if err := json.Unmarshal([]byte(failures), &st.Failures); err != nil {
			return nil, fmt.Errorf("corrupt failure log for breaker %s: %w", st.Category, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SaveBreakerState upserts one breaker.
func (s *Store) SaveBreakerState(ctx context.Context, st types.BreakerState) error {
	failures, err := json.Marshal(st.Failures)
	if err != nil {
		return fmt.Errorf("failed to encode failure log: %w", err)
	}
	if st.Failures == nil {
		failures = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO breaker_state (category, status, failure_count, consecutive_failures, failures, opened_at, cooldown, trips)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(category) DO UPDATE SET
			status = excluded.status,
			failure_count = excluded.failure_count,
			consecutive_failures = excluded.consecutive_failures,
			failures = excluded.failures,
			opened_at = excluded.opened_at,
			cooldown = excluded.cooldown,
			trips = excluded.trips`,
		st.Category, string(st.Status), st.FailureCount, st.ConsecutiveFailures, string(failures),
		toUnix(st.OpenedAt), int64(st.Cooldown), st.Trips)
	if err != nil {
		return fmt.Errorf("failed to save breaker %s: %w", st.Category, err)
	}
	return nil
}
