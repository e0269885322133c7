package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/retention/embedding"
)

// StatementBuilder returns a Squirrel StatementBuilder configured for SQLite.
// SQLite uses '?' as placeholders, which is Squirrel's default.
func StatementBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder
}

// selectMemoryColumns is the column list scanned by scanMemory.
func selectMemoryColumns() []string {
	return []string{
		"id", "user_id", "agent_type", "subscriber_id", "memory_type", "content",
		"embedding", "importance", "access_count", "created_at", "last_accessed_at", "expires_at",
	}
}

// notExpired keeps rows without an expiry or expiring after now.
func notExpired(now int64) sq.Sqlizer {
	return sq.Or{sq.Eq{"expires_at": nil}, sq.Gt{"expires_at": now}}
}

// ownerAgent matches the agent's own memories plus global ones.
func ownerAgent(agentType string) sq.Sqlizer {
	if agentType == "" || agentType == GlobalAgentType {
		return sq.Eq{"agent_type": GlobalAgentType}
	}
	return sq.Eq{"agent_type": []string{agentType, GlobalAgentType}}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var (
		m            Memory
		subscriberID sql.NullString
		typ          string
		content      string
		embBlob      []byte
		createdAt    int64
		accessedAt   int64
		expiresAt    sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.Scope.UserID, &m.Scope.AgentType, &subscriberID, &typ, &content,
		&embBlob, &m.Importance, &m.AccessCount, &createdAt, &accessedAt, &expiresAt); err != nil {
		return nil, err
	}

	vec, err := embedding.DecodeEmbedding(embBlob)
	if err != nil {
		return nil, err
	}
	m.Embedding = vec
	m.Type = MemoryType(typ)
	if subscriberID.Valid {
		v := subscriberID.String
		m.Scope.SubscriberID = &v
	}
	if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
		return nil, fmt.Errorf("decode content for %s: %w", m.ID, err)
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	m.LastAccessedAt = time.Unix(accessedAt, 0)
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		m.ExpiresAt = &t
	}
	return &m, nil
}

// ContentText flattens content into "key: value" lines in key order, which is
// the text that gets embedded.
func ContentText(content map[string]interface{}) string {
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(strings.ReplaceAll(k, "_", " "))
		b.WriteString(": ")
		switch v := content[k].(type) {
		case string:
			b.WriteString(v)
		case map[string]interface{}:
			b.WriteString(ContentText(v))
		default:
			b.WriteString(fmt.Sprint(v))
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func derefString(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
