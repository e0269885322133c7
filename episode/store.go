// Package episode records (situation, action, outcome) triples and serves
// them back as similarity-search exemplars.
package episode

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/retention/embedding"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const candidateLimit = 1000

// Store is the only writer of the episodes table.
type Store struct {
	db       *sql.DB
	embedder embedding.Provider
	logger   zerolog.Logger
}

// NewStore creates and returns a Store.
func NewStore(db *sql.DB, embedder embedding.Provider, logger zerolog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	return &Store{
		db:       db,
		embedder: embedder,
		logger:   logger.With().Str("component", "episode_store").Logger(),
	}, nil
}

func columns() []string {
	return []string{
		"id", "user_id", "agent_type", "subscriber_id", "action_id", "situation",
		"action_type", "strategy", "action_details", "outcome", "outcome_details",
		"lessons_learned", "situation_embedding", "created_at", "resolved_at",
	}
}

// Create opens a pending episode, embedding the situation description.
func (s *Store) Create(ctx context.Context, in NewEpisode) (*Episode, error) {
	if in.UserID == "" || in.AgentType == "" {
		return nil, errors.New("episode owner is required")
	}
	if in.Situation.Timestamp.IsZero() {
		in.Situation.Timestamp = time.Now()
	}

	vec, err := s.embedder.Embed(ctx, in.Situation.Describe())
	if err != nil || len(vec) == 0 {
		return nil, fmt.Errorf("embed situation: %w", err)
	}
	situationJSON, err := json.Marshal(in.Situation)
	if err != nil {
		return nil, fmt.Errorf("marshal situation: %w", err)
	}
	detailsJSON, err := marshalOptional(in.Action.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal action details: %w", err)
	}

	ep := &Episode{
		ID:                 uuid.NewString(),
		UserID:             in.UserID,
		AgentType:          in.AgentType,
		SubscriberID:       in.SubscriberID,
		ActionID:           in.ActionID,
		Situation:          in.Situation,
		ActionTaken:        in.Action,
		Outcome:            OutcomePending,
		SituationEmbedding: vec,
		CreatedAt:          time.Unix(time.Now().Unix(), 0),
	}

	var subscriber, actionID interface{}
	if in.SubscriberID != nil {
		subscriber = *in.SubscriberID
	}
	if in.ActionID != "" {
		actionID = in.ActionID
	}

	queryStr, args, err := sq.StatementBuilder.
		Insert("episodes").
		Columns("id", "user_id", "agent_type", "subscriber_id", "action_id", "trigger_type", "situation",
			"action_type", "strategy", "action_details", "outcome", "situation_embedding", "created_at").
		Values(ep.ID, ep.UserID, ep.AgentType, subscriber, actionID, in.Situation.Trigger, string(situationJSON),
			in.Action.Type, in.Action.Strategy, detailsJSON, string(OutcomePending),
			embedding.EncodeEmbedding(vec), ep.CreatedAt.Unix()).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return nil, fmt.Errorf("insert episode: %w", err)
	}

	s.logger.Debug().
		Str("id", ep.ID).
		Str("trigger", in.Situation.Trigger).
		Str("action", in.Action.Key()).
		Msg("episode opened")
	return ep, nil
}

// Get loads an episode by id.
func (s *Store) Get(ctx context.Context, id string) (*Episode, error) {
	eps, err := s.query(ctx, sq.StatementBuilder.Select(columns()...).From("episodes").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, fmt.Errorf("get episode %s: %w", id, err)
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("get episode %s: %w", id, ErrNotFound)
	}
	return eps[0], nil
}

// FindSimilar returns episodes for the owner whose situation embedding has a
// cosine similarity of at least threshold with text, best first.
func (s *Store) FindSimilar(ctx context.Context, userID, agentType, text string, limit int, threshold float64) ([]Match, error) {
	if limit <= 0 {
		limit = 15
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	eps, err := s.query(ctx, sq.StatementBuilder.
		Select(columns()...).
		From("episodes").
		Where(sq.Eq{"user_id": userID, "agent_type": agentType}).
		OrderBy("created_at DESC").
		Limit(candidateLimit))
	if err != nil {
		return nil, fmt.Errorf("similar episodes: %w", err)
	}

	var matches []Match
	for _, ep := range eps {
		sim := embedding.CosineSimilarity(vec, ep.SituationEmbedding)
		if sim >= threshold && sim > 0 {
			matches = append(matches, Match{Episode: ep, Similarity: sim})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// MostRecentPending returns the newest unresolved episode for a subscriber.
func (s *Store) MostRecentPending(ctx context.Context, userID, agentType, subscriberID string) (*Episode, error) {
	eps, err := s.query(ctx, sq.StatementBuilder.
		Select(columns()...).
		From("episodes").
		Where(sq.Eq{
			"user_id":       userID,
			"agent_type":    agentType,
			"subscriber_id": subscriberID,
			"outcome":       string(OutcomePending),
		}).
		OrderBy("created_at DESC", "rowid DESC").
		Limit(1))
	if err != nil {
		return nil, fmt.Errorf("pending episode: %w", err)
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("pending episode for %s: %w", subscriberID, ErrNotFound)
	}
	return eps[0], nil
}

// PendingForAction returns the newest unresolved episode opened for an action.
func (s *Store) PendingForAction(ctx context.Context, actionID string) (*Episode, error) {
	eps, err := s.query(ctx, sq.StatementBuilder.
		Select(columns()...).
		From("episodes").
		Where(sq.Eq{"action_id": actionID, "outcome": string(OutcomePending)}).
		OrderBy("created_at DESC", "rowid DESC").
		Limit(1))
	if err != nil {
		return nil, fmt.Errorf("pending episode: %w", err)
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("pending episode for action %s: %w", actionID, ErrNotFound)
	}
	return eps[0], nil
}

// Resolve moves a pending episode to a terminal outcome. The transition
// happens at most once: a second call returns ErrAlreadyResolved and writes
// nothing.
func (s *Store) Resolve(ctx context.Context, id string, outcome Outcome, details map[string]interface{}, lessons []Lesson) (*Episode, error) {
	if !outcome.Terminal() {
		return nil, fmt.Errorf("invalid outcome %q", outcome)
	}
	detailsJSON, err := marshalOptional(details)
	if err != nil {
		return nil, fmt.Errorf("marshal outcome details: %w", err)
	}
	if lessons == nil {
		lessons = []Lesson{}
	}
	lessonsJSON, err := json.Marshal(lessons)
	if err != nil {
		return nil, fmt.Errorf("marshal lessons: %w", err)
	}

	resolvedAt := time.Now().Unix()
	queryStr, args, err := sq.StatementBuilder.
		Update("episodes").
		Set("outcome", string(outcome)).
		Set("outcome_details", detailsJSON).
		Set("lessons_learned", string(lessonsJSON)).
		Set("resolved_at", resolvedAt).
		Where(sq.Eq{"id": id, "outcome": string(OutcomePending)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build resolve query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve episode %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("resolve episode %s: %w", id, err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("resolve episode %s: %w", id, ErrAlreadyResolved)
	}

	s.logger.Info().Str("id", id).Str("outcome", string(outcome)).Int("lessons", len(lessons)).Msg("episode resolved")
	return s.Get(ctx, id)
}

// ListResolved returns resolved episodes, newest first. An empty trigger
// matches every trigger.
func (s *Store) ListResolved(ctx context.Context, userID, agentType, trigger string, limit int) ([]*Episode, error) {
	query := sq.StatementBuilder.
		Select(columns()...).
		From("episodes").
		Where(sq.Eq{"user_id": userID, "agent_type": agentType}).
		Where(sq.NotEq{"outcome": string(OutcomePending)}).
		OrderBy("resolved_at DESC", "rowid DESC")
	if trigger != "" {
		query = query.Where(sq.Eq{"trigger_type": trigger})
	}
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}
	return s.query(ctx, query)
}

// Counts tallies episodes by outcome for an agent.
func (s *Store) Counts(ctx context.Context, userID, agentType string) (Counts, error) {
	queryStr, args, err := sq.StatementBuilder.
		Select("outcome", "COUNT(*)").
		From("episodes").
		Where(sq.Eq{"user_id": userID, "agent_type": agentType}).
		GroupBy("outcome").
		ToSql()
	if err != nil {
		return Counts{}, fmt.Errorf("build count query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return Counts{}, fmt.Errorf("count episodes: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var c Counts
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return Counts{}, err
		}
		c.Total += n
		switch Outcome(outcome) {
		case OutcomePending:
			c.Pending = n
		case OutcomeSuccess:
			c.Success = n
		case OutcomeFailure:
			c.Failure = n
		case OutcomePartial:
			c.Partial = n
		case OutcomeIgnored:
			c.Ignored = n
		}
	}
	return c, rows.Err()
}

// RecentLessons flattens the lessons of the most recently resolved episodes.
func (s *Store) RecentLessons(ctx context.Context, userID, agentType string, limit int) ([]Lesson, error) {
	if limit <= 0 {
		limit = 10
	}
	eps, err := s.ListResolved(ctx, userID, agentType, "", limit)
	if err != nil {
		return nil, err
	}
	var lessons []Lesson
	for _, ep := range eps {
		for _, l := range ep.LessonsLearned {
			lessons = append(lessons, l)
			if len(lessons) == limit {
				return lessons, nil
			}
		}
	}
	return lessons, nil
}

func (s *Store) query(ctx context.Context, query sq.SelectBuilder) ([]*Episode, error) {
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var eps []*Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

func scanEpisode(rows *sql.Rows) (*Episode, error) {
	var (
		ep             Episode
		subscriberID   sql.NullString
		actionID       sql.NullString
		situation      string
		actionDetails  sql.NullString
		outcome        string
		outcomeDetails sql.NullString
		lessons        sql.NullString
		embBlob        []byte
		createdAt      int64
		resolvedAt     sql.NullInt64
	)
	if err := rows.Scan(&ep.ID, &ep.UserID, &ep.AgentType, &subscriberID, &actionID, &situation,
		&ep.ActionTaken.Type, &ep.ActionTaken.Strategy, &actionDetails, &outcome, &outcomeDetails,
		&lessons, &embBlob, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}

	if subscriberID.Valid {
		v := subscriberID.String
		ep.SubscriberID = &v
	}
	ep.ActionID = actionID.String
	ep.Outcome = Outcome(outcome)
	if err := json.Unmarshal([]byte(situation), &ep.Situation); err != nil {
		return nil, fmt.Errorf("decode situation for %s: %w", ep.ID, err)
	}
	if actionDetails.Valid && actionDetails.String != "" {
		if err := json.Unmarshal([]byte(actionDetails.String), &ep.ActionTaken.Details); err != nil {
			return nil, fmt.Errorf("decode action details for %s: %w", ep.ID, err)
		}
	}
	if outcomeDetails.Valid && outcomeDetails.String != "" {
		if err := json.Unmarshal([]byte(outcomeDetails.String), &ep.OutcomeDetails); err != nil {
			return nil, fmt.Errorf("decode outcome details for %s: %w", ep.ID, err)
		}
	}
	if lessons.Valid && lessons.String != "" {
		if err := json.Unmarshal([]byte(lessons.String), &ep.LessonsLearned); err != nil {
			return nil, fmt.Errorf("decode lessons for %s: %w", ep.ID, err)
		}
	}
	vec, err := embedding.DecodeEmbedding(embBlob)
	if err != nil {
		return nil, err
	}
	ep.SituationEmbedding = vec
	ep.CreatedAt = time.Unix(createdAt, 0)
	if resolvedAt.Valid {
		t := time.Unix(resolvedAt.Int64, 0)
		ep.ResolvedAt = &t
	}
	return &ep, nil
}

func marshalOptional(v map[string]interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
