package memory

import (
	"errors"
	"time"
)

// MemoryType describes the kind of memory item.
type MemoryType string

const (
	MemoryTypeInteraction MemoryType = "interaction"
	MemoryTypePreference  MemoryType = "preference"
	MemoryTypePattern     MemoryType = "pattern"
	MemoryTypeOutcome     MemoryType = "outcome"
	MemoryTypeFact        MemoryType = "fact"
)

// Valid reports whether t is one of the known memory types.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryTypeInteraction, MemoryTypePreference, MemoryTypePattern, MemoryTypeOutcome, MemoryTypeFact:
		return true
	}
	return false
}

// GlobalAgentType marks memories shared by every agent of an account.
const GlobalAgentType = "global"

// DefaultImportance is used when a memory is stored without one.
const DefaultImportance = 0.5

// ErrNotFound is returned when a memory id does not exist.
var ErrNotFound = errors.New("memory not found")

// Scope identifies who owns a memory.
type Scope struct {
	UserID string `json:"user_id"`
	// AgentType is the owning agent, or GlobalAgentType.
	AgentType    string  `json:"agent_type"`
	SubscriberID *string `json:"subscriber_id,omitempty"`
}

// Memory is a single persisted, importance-weighted observation.
type Memory struct {
	ID             string                 `json:"id"`
	Scope          Scope                  `json:"scope"`
	Type           MemoryType             `json:"type"`
	Content        map[string]interface{} `json:"content"`
	Embedding      []float32              `json:"-"`
	Importance     float64                `json:"importance"`
	AccessCount    int                    `json:"access_count"`
	CreatedAt      time.Time              `json:"created_at"`
	LastAccessedAt time.Time              `json:"last_accessed_at"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
}

// SimilarQuery controls a vector search over memories.
type SimilarQuery struct {
	UserID    string
	AgentType string
	// SubscriberID narrows the search to one subscriber when set.
	SubscriberID *string
	Types        []MemoryType
	QueryText    string
	Limit        int
	// Threshold is the minimum cosine similarity for a match.
	Threshold float64
}

// Match is a memory plus its similarity to the query.
type Match struct {
	Memory     *Memory
	Similarity float64
}

// ClampImportance bounds v to [0,1].
func ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
