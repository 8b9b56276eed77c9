package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"trustgate/internal/logging"
	"trustgate/internal/types"
)

// Append stores a case. Missing ids are generated.
func (s *Store) Append(ctx context.Context, c types.CBRCase) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.RatificationState == "" {
		c.RatificationState = types.RatificationPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cbr_cases (id, notification_id, category, question, decision_value, ratification_state, created_at, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.NotificationID, c.Category, c.Question, c.DecisionValue, c.RatificationState,
		toUnix(c.CreatedAt), encodeVector(c.Embedding),
	)
	if err != nil {
		return fmt.Errorf("failed to append case: %w", err)
	}
	logging.StoreDebug("appended case %s (category=%s value=%s state=%s)", c.ID, c.Category, c.DecisionValue, c.RatificationState)
	return nil
}

// Query returns up to topK cases whose similarity to embedding is at least
// threshold, most similar first. Cases stored with a different
// dimensionality never match.
func (s *Store) Query(ctx context.Context, embedding []float32, category string, topK int, threshold float64) ([]types.ScoredCase, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("query embedding is empty")
	}
	if topK <= 0 {
		topK = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, notification_id, category, question, decision_value, ratification_state, created_at, embedding, sim
		FROM (
			SELECT *, cbr_similarity(embedding, ?) AS sim
			FROM cbr_cases
			WHERE (? = '' OR category = ?)
		)
		WHERE sim >= ?
		ORDER BY sim DESC, created_at DESC
		LIMIT ?`,
		encodeVector(embedding), category, category, threshold, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cases: %w", err)
	}
	defer rows.Close()

	var out []types.ScoredCase
	for rows.Next() {
		var sc types.ScoredCase
		var created int64
		var blob []byte
		if err := rows.Scan(&sc.ID, &sc.NotificationID, &sc.Category, &sc.Question, &sc.DecisionValue,
			&sc.RatificationState, &created, &blob, &sc.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}
		sc.CreatedAt = fromUnix(created)
		if sc.Embedding, err = decodeVector(blob); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	logging.StoreDebug("case query category=%q returned %d cases", category, len(out))
	return out, nil
}

// CountCases returns the number of cases, optionally for one category.
func (s *Store) CountCases(ctx context.Context, category string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cbr_cases WHERE (? = '' OR category = ?)`, category, category).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count cases: %w", err)
	}
	return n, nil
}
