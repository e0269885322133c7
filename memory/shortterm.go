package memory

import (
	"sync"
	"time"
)

// ShortTermEntry is a scratchpad value and when it was written.
type ShortTermEntry struct {
	Value     interface{}
	Timestamp time.Time
}

// ShortTerm is an in-process key/value scratchpad scoped to one reasoning
// run or session. It is never persisted and never shared between processes.
type ShortTerm struct {
	mu      sync.Mutex
	entries map[string]ShortTermEntry
	now     func() time.Time
}

// NewShortTerm returns an empty scratchpad.
func NewShortTerm() *ShortTerm {
	return &ShortTerm{entries: make(map[string]ShortTermEntry), now: time.Now}
}

func (s *ShortTerm) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = ShortTermEntry{Value: value, Timestamp: s.now()}
}

func (s *ShortTerm) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e.Value, ok
}

func (s *ShortTerm) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Cleanup drops entries older than maxAge and returns how many were removed.
func (s *ShortTerm) Cleanup(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for k, e := range s.entries {
		if e.Timestamp.Before(cutoff) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

func (s *ShortTerm) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
