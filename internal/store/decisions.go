package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"trustgate/internal/types"
)

// RecordDecision appends an immutable decision. Recording the same id twice
// is an error.
func (s *Store) RecordDecision(ctx context.Context, d types.TrustDecision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	var value sql.NullString
	if d.DecisionValue != nil {
		value = sql.NullString{String: *d.DecisionValue, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_decisions (id, notification_id, domain, category, question, sender_id, action,
			decision_value, predicted_value, confidence, trust_level, effective_level, method, strategy, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.NotificationID, d.Domain, d.Category, d.Question, d.SenderID, string(d.Action),
		value, d.PredictedValue, d.Confidence, d.TrustLevel, d.EffectiveLevel, d.Method, d.Strategy, d.Reason,
		toUnix(d.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to record decision %s: %w", d.ID, err)
	}
	return nil
}

const decisionColumns = `id, notification_id, domain, category, question, sender_id, action, decision_value,
	predicted_value, confidence, trust_level, effective_level, method, strategy, reason, timestamp`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDecision(row rowScanner) (types.TrustDecision, error) {
	var d types.TrustDecision
	var action string
	var value sql.NullString
	var ts int64
	err := row.Scan(&d.ID, &d.NotificationID, &d.Domain, &d.Category, &d.Question, &d.SenderID, &action,
		&value, &d.PredictedValue, &d.Confidence, &d.TrustLevel, &d.EffectiveLevel, &d.Method, &d.Strategy,
		&d.Reason, &ts)
	if err != nil {
		return d, err
	}
	d.Action = types.Action(action)
	if value.Valid {
		v := value.String
		d.DecisionValue = &v
	}
	d.Timestamp = fromUnix(ts)
	return d, nil
}

// GetDecision loads one decision.
func (s *Store) GetDecision(ctx context.Context, id string) (types.TrustDecision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM trust_decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("%w: %s", ErrDecisionNotFound, id)
	}
	if err != nil {
		return d, fmt.Errorf("failed to load decision %s: %w", id, err)
	}
	return d, nil
}

// DecisionFilter narrows ListDecisions.
type DecisionFilter struct {
	Category string
	Action   types.Action
	Since    time.Time
	Limit    int
}

// ListDecisions returns decisions newest first.
func (s *Store) ListDecisions(ctx context.Context, f DecisionFilter) ([]types.TrustDecision, error) {
	var where []string
	var args []interface{}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, toUnix(f.Since))
	}
	query := `SELECT ` + decisionColumns + ` FROM trust_decisions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []types.TrustDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordSubmission appends a submission attempt for a decision.
func (s *Store) RecordSubmission(ctx context.Context, rec types.SubmissionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (decision_id, success, error, attempted_at) VALUES (?, ?, ?, ?)`,
		rec.DecisionID, boolToInt(rec.Success), rec.Error, toUnix(rec.AttemptedAt))
	if err != nil {
		return fmt.Errorf("failed to record submission for %s: %w", rec.DecisionID, err)
	}
	return nil
}

// Submissions returns the attempts recorded for a decision, oldest first.
func (s *Store) Submissions(ctx context.Context, decisionID string) ([]types.SubmissionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT decision_id, success, error, attempted_at FROM submissions WHERE decision_id = ? ORDER BY id`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	var out []types.SubmissionRecord
	for rows.Next() {
		var rec types.SubmissionRecord
		var success int
		var at int64
		if err := rows.Scan(&rec.DecisionID, &success, &rec.Error, &at); err != nil {
			return nil, err
		}
		rec.Success = success == 1
		rec.AttemptedAt = fromUnix(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UnsubmittedActs returns act decisions with no successful submission.
func (s *Store) UnsubmittedActs(ctx context.Context) ([]types.TrustDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+decisionColumns+` FROM trust_decisions d
		WHERE d.action = ? AND NOT EXISTS (
			SELECT 1 FROM submissions s WHERE s.decision_id = d.id AND s.success = 1
		)
		ORDER BY d.timestamp`, string(types.ActionAct))
	if err != nil {
		return nil, fmt.Errorf("failed to list unsubmitted decisions: %w", err)
	}
	defer rows.Close()

	var out []types.TrustDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordRatification stores the single ratification allowed per decision.
func (s *Store) RecordRatification(ctx context.Context, r types.RatificationRequest) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ratifications (decision_id, approved, feedback, ratified_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(decision_id) DO NOTHING`,
		r.DecisionID, boolToInt(r.Approved), r.Feedback, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record ratification for %s: %w", r.DecisionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyRatified, r.DecisionID)
	}
	return nil
}

// IsRatified reports whether a decision already has a ratification.
func (s *Store) IsRatified(ctx context.Context, decisionID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ratifications WHERE decision_id = ?`, decisionID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check ratification: %w", err)
	}
	return n > 0, nil
}
