package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/retention/reasoning"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// countedStatuses are the action states that count towards limits.
var countedStatuses = []string{string(StatusPendingApproval), string(StatusApproved), string(StatusExecuted)}

// ActionStore persists actions and their reasoning trail.
type ActionStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewActionStore creates a new ActionStore.
func NewActionStore(logger zerolog.Logger, db *sql.DB) *ActionStore {
	return &ActionStore{db: db, logger: logger.With().Str("component", "actionStore").Logger()}
}

func actionColumns() []string {
	return []string{
		"id", "user_id", "agent_type", "subscriber_id", "action_type", "strategy", "description", "details",
		"status", "requires_approval", "confidence", "result", "created_at", "executed_at",
	}
}

func marshalMap(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Create assigns an id and creation time when missing and inserts the action.
func (s *ActionStore) Create(ctx context.Context, a *Action) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	details, err := marshalMap(a.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	result, err := marshalMap(a.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	queryStr, args, err := sq.Insert("agent_actions").
		Columns(actionColumns()...).
		Values(a.ID, a.UserID, a.AgentType, a.SubscriberID, a.ActionType, a.Strategy, a.Description, details,
			string(a.Status), a.RequiresApproval, a.Confidence, result, a.CreatedAt.Unix(), nil).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		s.logger.Error().Err(err).Str("action_id", a.ID).Msg("Failed to insert action")
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// Get loads an action by id.
func (s *ActionStore) Get(ctx context.Context, id string) (*Action, error) {
	queryStr, args, err := sq.Select(actionColumns()...).
		From("agent_actions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	a, err := scanAction(s.db.QueryRowContext(ctx, queryStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action %s: %w", id, ErrActionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return a, nil
}

// Transition moves an action to status `to` only if its current status is
// one of from. It reports whether the row changed. A nil result leaves the
// stored result untouched.
func (s *ActionStore) Transition(ctx context.Context, id string, from []ActionStatus, to ActionStatus, result map[string]interface{}) (bool, error) {
	update := sq.Update("agent_actions").
		Set("status", string(to)).
		Where(sq.Eq{"id": id, "status": lo.Map(from, func(st ActionStatus, _ int) string { return string(st) })})
	if result != nil {
		encoded, err := marshalMap(result)
		if err != nil {
			return false, fmt.Errorf("marshal result: %w", err)
		}
		update = update.Set("result", encoded)
	}
	if to == StatusExecuted || to == StatusFailed {
		update = update.Set("executed_at", time.Now().Unix())
	}

	queryStr, args, err := update.ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		s.logger.Error().Err(err).Str("action_id", id).Str("status", string(to)).Msg("Failed to update action status")
		return false, fmt.Errorf("failed to update action status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.logger.Info().Str("action_id", id).Str("status", string(to)).Msg("Action status updated")
	}
	return n > 0, nil
}

// CountSince counts non-rejected, non-failed actions created by an agent at
// or after since.
func (s *ActionStore) CountSince(ctx context.Context, userID, agentType string, since time.Time) (int, error) {
	return s.count(ctx, sq.Eq{"user_id": userID, "agent_type": agentType, "status": countedStatuses}, since)
}

// CountForSubscriberSince counts actions of actionType for one subscriber
// across all agents of the account.
func (s *ActionStore) CountForSubscriberSince(ctx context.Context, userID, subscriberID, actionType string, since time.Time) (int, error) {
	return s.count(ctx, sq.Eq{
		"user_id":       userID,
		"subscriber_id": subscriberID,
		"action_type":   actionType,
		"status":        countedStatuses,
	}, since)
}

func (s *ActionStore) count(ctx context.Context, where sq.Eq, since time.Time) (int, error) {
	queryStr, args, err := sq.Select("COUNT(*)").
		From("agent_actions").
		Where(where).
		Where(sq.GtOrEq{"created_at": since.Unix()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, queryStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count actions: %w", err)
	}
	return n, nil
}

// List returns an agent's actions, newest first, optionally filtered by status.
func (s *ActionStore) List(ctx context.Context, userID, agentType string, status ActionStatus, limit int) ([]*Action, error) {
	query := sq.Select(actionColumns()...).
		From("agent_actions").
		Where(sq.Eq{"user_id": userID, "agent_type": agentType}).
		OrderBy("created_at DESC", "rowid DESC")
	if status != "" {
		query = query.Where(sq.Eq{"status": string(status)})
	}
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close() //nolint:errcheck // No remedy for rows close errors

	var out []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return out, nil
}

// SaveReasoning stores the reasoning trail for an action.
func (s *ActionStore) SaveReasoning(ctx context.Context, actionID string, steps []reasoning.Step) error {
	if len(steps) == 0 {
		return nil
	}
	nowUnix := time.Now().Unix()
	insert := sq.Insert("reasoning_logs").
		Columns("action_id", "step_number", "step_type", "thought", "data", "confidence", "duration_ms", "created_at")
	for _, st := range steps {
		data, err := marshalMap(st.Data)
		if err != nil {
			return fmt.Errorf("marshal step %d data: %w", st.StepNumber, err)
		}
		var confidence interface{}
		if st.ConfidenceScore != nil {
			confidence = *st.ConfidenceScore
		}
		insert = insert.Values(actionID, st.StepNumber, string(st.StepType), st.Thought, data, confidence, st.DurationMs, nowUnix)
	}
	queryStr, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("failed to save reasoning: %w", err)
	}
	return nil
}

// Reasoning returns the stored trail for an action in step order.
func (s *ActionStore) Reasoning(ctx context.Context, actionID string) ([]reasoning.Step, error) {
	queryStr, args, err := sq.Select("step_number", "step_type", "thought", "data", "confidence", "duration_ms").
		From("reasoning_logs").
		Where(sq.Eq{"action_id": actionID}).
		OrderBy("step_number ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reasoning: %w", err)
	}
	defer rows.Close() //nolint:errcheck // No remedy for rows close errors

	var steps []reasoning.Step
	for rows.Next() {
		var (
			st         reasoning.Step
			stepType   string
			data       sql.NullString
			confidence sql.NullFloat64
		)
		if err := rows.Scan(&st.StepNumber, &stepType, &st.Thought, &data, &confidence, &st.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan reasoning step: %w", err)
		}
		st.StepType = reasoning.StepType(stepType)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &st.Data); err != nil {
				return nil, fmt.Errorf("decode step data: %w", err)
			}
		}
		if confidence.Valid {
			v := confidence.Float64
			st.ConfidenceScore = &v
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*Action, error) {
	var (
		a          Action
		status     string
		details    sql.NullString
		result     sql.NullString
		desc       sql.NullString
		createdAt  int64
		executedAt sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.AgentType, &a.SubscriberID, &a.ActionType, &a.Strategy, &desc, &details,
		&status, &a.RequiresApproval, &a.Confidence, &result, &createdAt, &executedAt); err != nil {
		return nil, err
	}
	a.Status = ActionStatus(status)
	a.Description = desc.String
	if details.Valid {
		if err := json.Unmarshal([]byte(details.String), &a.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &a.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	if executedAt.Valid {
		t := time.Unix(executedAt.Int64, 0)
		a.ExecutedAt = &t
	}
	return &a, nil
}
