package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/retention/episode"
)

// SubscriberSource looks up the current subscriber snapshot.
type SubscriberSource interface {
	GetSubscriber(ctx context.Context, userID, subscriberID string) (*episode.Subscriber, error)
}

// SQLSubscriberSource reads the subscribers table.
type SQLSubscriberSource struct {
	db *sql.DB
}

func NewSQLSubscriberSource(db *sql.DB) *SQLSubscriberSource {
	return &SQLSubscriberSource{db: db}
}

func (s *SQLSubscriberSource) GetSubscriber(ctx context.Context, userID, subscriberID string) (*episode.Subscriber, error) {
	queryStr, args, err := sq.Select("id", "email", "name", "plan", "mrr", "tenure_months", "health_score",
		"previous_interactions", "metadata").
		From("subscribers").
		Where(sq.Eq{"id": subscriberID, "user_id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var (
		sub      episode.Subscriber
		name     sql.NullString
		plan     sql.NullString
		health   sql.NullFloat64
		metadata sql.NullString
	)
	err = s.db.QueryRowContext(ctx, queryStr, args...).Scan(&sub.ID, &sub.Email, &name, &plan, &sub.MRR,
		&sub.TenureMonths, &health, &sub.PreviousInteractions, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscriber %s: %w", subscriberID, ErrSubscriberNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber %s: %w", subscriberID, err)
	}
	if name.Valid {
		sub.Name = &name.String
	}
	if plan.Valid {
		sub.Plan = &plan.String
	}
	if health.Valid {
		sub.HealthScore = &health.Float64
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &sub.Metadata); err != nil {
			return nil, fmt.Errorf("decode subscriber metadata: %w", err)
		}
	}
	return &sub, nil
}

// SaveSubscriber inserts or replaces a subscriber snapshot.
func (s *SQLSubscriberSource) SaveSubscriber(ctx context.Context, userID string, sub episode.Subscriber) error {
	metadata, err := marshalMap(sub.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	queryStr, args, err := sq.Insert("subscribers").
		Columns("id", "user_id", "email", "name", "plan", "mrr", "tenure_months", "health_score",
			"previous_interactions", "metadata").
		Values(sub.ID, userID, sub.Email, sub.Name, sub.Plan, sub.MRR, sub.TenureMonths, sub.HealthScore,
			sub.PreviousInteractions, metadata).
		Suffix("ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, email = excluded.email, name = excluded.name, " +
			"plan = excluded.plan, mrr = excluded.mrr, tenure_months = excluded.tenure_months, " +
			"health_score = excluded.health_score, previous_interactions = excluded.previous_interactions, " +
			"metadata = excluded.metadata").
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("save subscriber %s: %w", sub.ID, err)
	}
	return nil
}
