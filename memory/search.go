package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/retention/embedding"
	"github.com/samber/lo"
)

// candidateLimit bounds the rows scored by brute-force vector search.
const candidateLimit = 1000

// GetSubscriberMemories returns the unexpired memories recorded about one
// subscriber, most important first, and marks them accessed.
func (s *Store) GetSubscriberMemories(ctx context.Context, userID, subscriberID string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	query := StatementBuilder().
		Select(selectMemoryColumns()...).
		From("memories").
		Where(sq.Eq{"user_id": userID, "subscriber_id": subscriberID}).
		Where(notExpired(now())).
		OrderBy("importance DESC", "last_accessed_at DESC").
		Limit(uint64(limit))

	items, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("subscriber memories: %w", err)
	}
	s.touch(ctx, items)
	return items, nil
}

// GetMemoriesByType returns unexpired memories of one type for scope, most
// important first, and marks them accessed. A nil SubscriberID does not
// filter by subscriber.
func (s *Store) GetMemoriesByType(ctx context.Context, scope Scope, typ MemoryType, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	query := StatementBuilder().
		Select(selectMemoryColumns()...).
		From("memories").
		Where(sq.Eq{"user_id": scope.UserID, "memory_type": string(typ)}).
		Where(ownerAgent(scope.AgentType)).
		Where(notExpired(now())).
		OrderBy("importance DESC", "last_accessed_at DESC").
		Limit(uint64(limit))
	if scope.SubscriberID != nil {
		query = query.Where(sq.Eq{"subscriber_id": *scope.SubscriberID})
	}

	items, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memories by type: %w", err)
	}
	s.touch(ctx, items)
	return items, nil
}

// GetPatterns returns the pattern memories recorded for trigger.
func (s *Store) GetPatterns(ctx context.Context, userID, agentType, trigger string) ([]*Memory, error) {
	query := StatementBuilder().
		Select(selectMemoryColumns()...).
		From("memories").
		Where(sq.Eq{"user_id": userID, "memory_type": string(MemoryTypePattern)}).
		Where(ownerAgent(agentType)).
		Where(sq.Expr("json_extract(content, '$.trigger') = ?", trigger)).
		Where(notExpired(now())).
		OrderBy("importance DESC", "created_at ASC")

	items, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("patterns for %s: %w", trigger, err)
	}
	return items, nil
}

// TopPatterns returns the most important pattern memories for an agent.
func (s *Store) TopPatterns(ctx context.Context, userID, agentType string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	query := StatementBuilder().
		Select(selectMemoryColumns()...).
		From("memories").
		Where(sq.Eq{"user_id": userID, "memory_type": string(MemoryTypePattern)}).
		Where(ownerAgent(agentType)).
		Where(notExpired(now())).
		OrderBy("importance DESC").
		Limit(uint64(limit))
	return s.query(ctx, query)
}

// FindSimilarMemories embeds the query text and returns memories whose
// cosine similarity is at least q.Threshold, best match first.
func (s *Store) FindSimilarMemories(ctx context.Context, q SimilarQuery) ([]Match, error) {
	text := strings.TrimSpace(q.QueryText)
	if text == "" {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	queryVec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	query := StatementBuilder().
		Select(selectMemoryColumns()...).
		From("memories").
		Where(sq.Eq{"user_id": q.UserID}).
		Where(ownerAgent(q.AgentType)).
		Where(notExpired(now())).
		OrderBy("importance DESC").
		Limit(candidateLimit)
	if q.SubscriberID != nil {
		query = query.Where(sq.Eq{"subscriber_id": *q.SubscriberID})
	}
	if len(q.Types) > 0 {
		query = query.Where(sq.Eq{"memory_type": lo.Map(q.Types, func(t MemoryType, _ int) string { return string(t) })})
	}

	candidates, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("similar memories: %w", err)
	}

	matches := lo.FilterMap(candidates, func(m *Memory, _ int) (Match, bool) {
		sim := embedding.CosineSimilarity(queryVec, m.Embedding)
		return Match{Memory: m, Similarity: sim}, sim >= q.Threshold && sim > 0
	})
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	s.logger.Debug().
		Int("scanned", len(candidates)).
		Int("matches", len(matches)).
		Float64("threshold", q.Threshold).
		Msg("FindSimilarMemories: summary")
	return matches, nil
}

// query runs a select and fully drains the rows before returning, so callers
// may issue further statements on a single-connection pool.
func (s *Store) query(ctx context.Context, query sq.SelectBuilder) ([]*Memory, error) {
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var items []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// touch records an access on every item. Failures are logged only.
func (s *Store) touch(ctx context.Context, items []*Memory) {
	if len(items) == 0 {
		return
	}
	nowUnix := now()
	ids := lo.Map(items, func(m *Memory, _ int) string { return m.ID })
	queryStr, args, err := StatementBuilder().
		Update("memories").
		Set("access_count", sq.Expr("access_count + 1")).
		Set("last_accessed_at", nowUnix).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		s.logger.Warn().Err(err).Msg("touch: failed to build query")
		return
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		s.logger.Warn().Err(err).Int("count", len(ids)).Msg("touch: failed to record access")
		return
	}
	for _, m := range items {
		m.AccessCount++
		m.LastAccessedAt = time.Unix(nowUnix, 0)
	}
}
