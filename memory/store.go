// Package memory persists typed, importance-weighted memories with vector
// recall, plus a process-local short-term scratchpad.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/retention/embedding"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store manages all memory persistence. It is the only writer of the
// memories table.
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
	logger = logger.With().Str("component", "memory_store").Logger()
	return &Store{db: db, embedder: embedder, logger: logger}, nil
}

func now() int64 { return time.Now().Unix() }

// Store persists a new memory and returns its id. It never returns an error:
// failures are logged and reported as ok=false. A memory is never written
// without an embedding.
func (s *Store) Store(
	ctx context.Context,
	scope Scope,
	typ MemoryType,
	content map[string]interface{},
	importance *float64,
	expiresAt *time.Time,
) (string, bool) {
	log := s.logger.With().
		Str("method", "Store").
		Str("user_id", scope.UserID).
		Str("agent_type", scope.AgentType).
		Str("type", string(typ)).
		Logger()

	if scope.UserID == "" || !typ.Valid() || len(content) == 0 {
		log.Warn().Msg("refusing to store memory with missing owner, type, or content")
		return "", false
	}
	if scope.AgentType == "" {
		scope.AgentType = GlobalAgentType
	}

	imp := DefaultImportance
	if importance != nil {
		imp = ClampImportance(*importance)
	}

	contentJSON, err := json.Marshal(content)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal content")
		return "", false
	}

	vec, err := s.embedder.Embed(ctx, ContentText(content))
	if err != nil || len(vec) == 0 {
		log.Error().Err(err).Msg("Embedding failed, memory not stored")
		return "", false
	}

	id := uuid.NewString()
	nowUnix := now()
	var expires interface{}
	if expiresAt != nil {
		expires = expiresAt.Unix()
	}
	var subscriber interface{}
	if scope.SubscriberID != nil {
		subscriber = *scope.SubscriberID
	}

	queryStr, args, err := StatementBuilder().
		Insert("memories").
		Columns("id", "user_id", "agent_type", "subscriber_id", "memory_type", "content",
			"embedding", "importance", "access_count", "created_at", "last_accessed_at", "expires_at").
		Values(id, scope.UserID, scope.AgentType, subscriber, string(typ), string(contentJSON),
			embedding.EncodeEmbedding(vec), imp, 0, nowUnix, nowUnix, expires).
		ToSql()
	if err != nil {
		log.Error().Err(err).Msg("Failed to build insert query")
		return "", false
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		log.Error().Err(err).Msg("Failed to insert memory")
		return "", false
	}

	log.Debug().Str("id", id).Float64("importance", imp).Msg("memory stored")
	return id, true
}

// Get loads a memory by id without touching its access statistics.
func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	queryStr, args, err := StatementBuilder().
		Select(selectMemoryColumns()...).
		From("memories").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	m, err := scanMemory(s.db.QueryRowContext(ctx, queryStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get memory %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return m, nil
}

// Update replaces content (re-embedding it) and/or importance. Nil arguments
// leave the corresponding field unchanged.
func (s *Store) Update(ctx context.Context, id string, content map[string]interface{}, importance *float64) error {
	update := StatementBuilder().Update("memories").Where(sq.Eq{"id": id})
	changed := false

	if content != nil {
		contentJSON, err := json.Marshal(content)
		if err != nil {
			return fmt.Errorf("marshal content: %w", err)
		}
		vec, err := s.embedder.Embed(ctx, ContentText(content))
		if err != nil || len(vec) == 0 {
			return fmt.Errorf("embed content: %w", err)
		}
		update = update.Set("content", string(contentJSON)).Set("embedding", embedding.EncodeEmbedding(vec))
		changed = true
	}
	if importance != nil {
		update = update.Set("importance", ClampImportance(*importance))
		changed = true
	}
	if !changed {
		return nil
	}

	queryStr, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}
	return s.execOne(ctx, id, queryStr, args...)
}

// Delete removes a memory.
func (s *Store) Delete(ctx context.Context, id string) error {
	queryStr, args, err := StatementBuilder().Delete("memories").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	return s.execOne(ctx, id, queryStr, args...)
}

// Reinforce raises importance by |delta|, capped at 1.
func (s *Store) Reinforce(ctx context.Context, id string, delta float64) error {
	return s.Adjust(ctx, id, math.Abs(delta))
}

// Weaken lowers importance by |delta|, floored at 0.
func (s *Store) Weaken(ctx context.Context, id string, delta float64) error {
	return s.Adjust(ctx, id, -math.Abs(delta))
}

// Adjust adds a signed delta to importance in a single bounded UPDATE, so
// concurrent learning passes never lose each other's updates.
func (s *Store) Adjust(ctx context.Context, id string, delta float64) error {
	queryStr, args, err := StatementBuilder().
		Update("memories").
		Set("importance", sq.Expr("MIN(1.0, MAX(0.0, importance + ?))", delta)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build adjust query: %w", err)
	}
	if err := s.execOne(ctx, id, queryStr, args...); err != nil {
		return err
	}
	s.logger.Debug().Str("id", id).Float64("delta", delta).Msg("importance adjusted")
	return nil
}

// PurgeExpired deletes memories whose expiry is at or before now and returns
// how many were removed.
func (s *Store) PurgeExpired(ctx context.Context, at time.Time) (int64, error) {
	queryStr, args, err := StatementBuilder().
		Delete("memories").
		Where(sq.And{sq.NotEq{"expires_at": nil}, sq.LtOrEq{"expires_at": at.Unix()}}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build purge query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return 0, fmt.Errorf("purge expired memories: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("purged", n).Msg("expired memories purged")
	}
	return n, nil
}

func (s *Store) execOne(ctx context.Context, id, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("memory %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("memory %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return nil
}
