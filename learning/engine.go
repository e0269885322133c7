// Package learning closes the loop: it resolves episodes, extracts lessons
// and adjusts memories so later reasoning sees what worked.
package learning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aschepis/backscratcher/retention/episode"
	"github.com/aschepis/backscratcher/retention/llm"
	"github.com/aschepis/backscratcher/retention/memory"
	"github.com/rs/zerolog"
)

const (
	// SuccessBoost is added to pattern importance, and scaled by similarity
	// for related memories, after a success.
	SuccessBoost = 0.05
	// FailurePenalty is subtracted the same way after a failure.
	FailurePenalty = 0.03

	relevanceThreshold = 0.7
	relevanceLimit     = 10

	outcomeImportance    = 0.6
	preferenceImportance = 0.7
)

// ErrInvalidOutcome is returned when resolving to a non-terminal outcome.
var ErrInvalidOutcome = errors.New("invalid outcome")

// Config tunes lesson extraction calls.
type Config struct {
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int64
}

// Engine applies outcomes to episodes and memories.
type Engine struct {
	memories *memory.Store
	episodes *episode.Store
	client   llm.Client
	cfg      Config
	logger   zerolog.Logger

	// patternLocks serializes read-modify-write of one pattern. Entries are
	// keyed by owner, trigger and action key and are never removed.
	mu           sync.Mutex
	patternLocks map[string]*sync.Mutex
}

// NewEngine creates a learning engine. client may be nil; lessons are then
// always empty.
func NewEngine(memories *memory.Store, episodes *episode.Store, client llm.Client, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = llm.DefaultTimeout
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.3
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Engine{
		memories: memories,
		episodes: episodes,
		client:   client,
		cfg:      cfg,
		logger:   logger.With().Str("component", "learning").Logger(),

		patternLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockPattern(key string) func() {
	e.mu.Lock()
	l, ok := e.patternLocks[key]
	if !ok {
		l = &sync.Mutex{}
		e.patternLocks[key] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// ResolveEpisode moves a pending episode to outcome, stores the extracted
// lessons and learns from it. Resolving an episode twice returns
// episode.ErrAlreadyResolved and changes nothing.
func (e *Engine) ResolveEpisode(ctx context.Context, id string, outcome episode.Outcome, details map[string]interface{}) (*episode.Episode, error) {
	if !outcome.Terminal() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	ep, err := e.episodes.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ep.Outcome != episode.OutcomePending {
		return nil, fmt.Errorf("resolve episode %s: %w", id, episode.ErrAlreadyResolved)
	}

	lessons := e.ExtractLessons(ctx, ep, outcome, details)
	resolved, err := e.episodes.Resolve(ctx, id, outcome, details, lessons)
	if err != nil {
		return nil, err
	}

	if err := e.LearnFromEpisode(ctx, resolved); err != nil {
		e.logger.Error().Err(err).Str("episode_id", id).Msg("learning from episode failed")
	}
	return resolved, nil
}

// LearnFromEpisode applies a resolved episode to memory: an outcome memory,
// the pattern for its trigger and action, relevance propagation to similar
// memories, and preference detection on success. Individual failures are
// logged; the first one is returned after every stage has run.
func (e *Engine) LearnFromEpisode(ctx context.Context, ep *episode.Episode) error {
	if !ep.Outcome.Terminal() {
		return fmt.Errorf("%w: episode %s is %s", ErrInvalidOutcome, ep.ID, ep.Outcome)
	}
	log := e.logger.With().Str("episode_id", ep.ID).Str("outcome", string(ep.Outcome)).Logger()

	var firstErr error
	keep := func(stage string, err error) {
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("stage", stage).Msg("learning stage failed")
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", stage, err)
		}
	}

	touched := map[string]bool{}
	outcomeID, err := e.storeOutcome(ctx, ep)
	keep("outcome_memory", err)
	touched[outcomeID] = true

	patternID, err := e.updatePattern(ctx, ep)
	keep("pattern", err)
	touched[patternID] = true

	keep("relevance", e.propagateRelevance(ctx, ep, touched))

	if ep.Outcome == episode.OutcomeSuccess {
		keep("preference", e.detectPreferences(ctx, ep))
	}

	log.Debug().Msg("episode learned")
	return firstErr
}

func scopeOf(ep *episode.Episode) memory.Scope {
	return memory.Scope{UserID: ep.UserID, AgentType: ep.AgentType, SubscriberID: ep.SubscriberID}
}

func resultLabel(o episode.Outcome) string {
	switch o {
	case episode.OutcomeSuccess:
		return "positive"
	case episode.OutcomeFailure:
		return "negative"
	default:
		return "neutral"
	}
}

func (e *Engine) storeOutcome(ctx context.Context, ep *episode.Episode) (string, error) {
	content := map[string]interface{}{
		"episode_id": ep.ID,
		"trigger":    ep.Situation.Trigger,
		"action":     ep.ActionTaken.Type,
		"strategy":   ep.ActionTaken.Strategy,
		"outcome":    string(ep.Outcome),
		"result":     resultLabel(ep.Outcome),
	}
	importance := outcomeImportance
	id, ok := e.memories.Store(ctx, scopeOf(ep), memory.MemoryTypeOutcome, content, &importance, nil)
	if !ok {
		return "", errors.New("outcome memory not stored")
	}
	return id, nil
}

// updatePattern applies the pattern law for the episode's trigger and action
// key and returns the id of the pattern memory it touched, if any. Updates to
// the same pattern are serialized so concurrent resolutions neither lose a
// sample nor create a duplicate.
func (e *Engine) updatePattern(ctx context.Context, ep *episode.Episode) (string, error) {
	trigger := ep.Situation.Trigger
	key := ep.ActionTaken.Key()
	success := ep.Outcome == episode.OutcomeSuccess

	unlock := e.lockPattern(ep.UserID + "\x00" + ep.AgentType + "\x00" + trigger + "\x00" + key)
	defer unlock()

	existing, err := e.memories.GetPatterns(ctx, ep.UserID, ep.AgentType, trigger)
	if err != nil {
		return "", err
	}
	for _, m := range existing {
		p, ok := PatternFromMemory(m)
		if !ok || p.BestAction != key {
			continue
		}
		next := UpdatePattern(p, success)
		if err := e.memories.Update(ctx, m.ID, next.Content(), nil); err != nil {
			return m.ID, err
		}
		switch ep.Outcome {
		case episode.OutcomeSuccess:
			err = e.memories.Reinforce(ctx, m.ID, SuccessBoost)
		case episode.OutcomeFailure:
			err = e.memories.Weaken(ctx, m.ID, FailurePenalty)
		}
		e.logger.Debug().
			Str("pattern_id", m.ID).
			Str("key", key).
			Float64("success_rate", next.SuccessRate).
			Int("sample_size", next.SampleSize).
			Msg("pattern updated")
		return m.ID, err
	}

	if !success {
		return "", nil
	}
	p := NewPattern(trigger, key, map[string]interface{}{"agent_type": ep.AgentType})
	scope := memory.Scope{UserID: ep.UserID, AgentType: ep.AgentType}
	id, ok := e.memories.Store(ctx, scope, memory.MemoryTypePattern, p.Content(), nil, nil)
	if !ok {
		return "", errors.New("pattern memory not stored")
	}
	return id, nil
}

// propagateRelevance nudges memories similar to the situation by a delta
// proportional to their similarity. Partial and ignored outcomes change nothing.
func (e *Engine) propagateRelevance(ctx context.Context, ep *episode.Episode, skip map[string]bool) error {
	var boost float64
	switch ep.Outcome {
	case episode.OutcomeSuccess:
		boost = SuccessBoost
	case episode.OutcomeFailure:
		boost = -FailurePenalty
	default:
		return nil
	}

	matches, err := e.memories.FindSimilarMemories(ctx, memory.SimilarQuery{
		UserID:    ep.UserID,
		AgentType: ep.AgentType,
		QueryText: ep.Situation.Describe(),
		Limit:     relevanceLimit,
		Threshold: relevanceThreshold,
	})
	if err != nil {
		return err
	}
	var firstErr error
	for _, m := range matches {
		if skip[m.Memory.ID] {
			continue
		}
		if err := e.memories.Adjust(ctx, m.Memory.ID, boost*m.Similarity); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var toneWords = []string{"friendly", "casual", "formal", "professional", "urgent", "gentle", "empathetic", "direct", "playful"}

// detectPreferences infers tone and discount preferences from a successful
// action and merges them into the subscriber's preference memory.
func (e *Engine) detectPreferences(ctx context.Context, ep *episode.Episode) error {
	if ep.SubscriberID == nil {
		return nil
	}
	found := map[string]interface{}{}
	strategy := strings.ToLower(ep.ActionTaken.Strategy)
	for _, w := range toneWords {
		if strings.Contains(strategy, w) {
			found["preferred_tone"] = w
			break
		}
	}
	if tone, ok := ep.ActionTaken.Details["tone"].(string); ok && tone != "" {
		found["preferred_tone"] = strings.ToLower(tone)
	}
	if pct, ok := ep.ActionTaken.Details["discount_percent"].(float64); ok {
		found["responds_to_discount"] = true
		found["accepted_discount_percent"] = pct
	} else if ep.ActionTaken.Type == "discount" {
		found["responds_to_discount"] = true
	}
	if len(found) == 0 {
		return nil
	}
	found["preferred_channel"] = ep.ActionTaken.Type

	scope := scopeOf(ep)
	existing, err := e.memories.GetMemoriesByType(ctx, scope, memory.MemoryTypePreference, 1)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		merged := make(map[string]interface{}, len(existing[0].Content)+len(found))
		for k, v := range existing[0].Content {
			merged[k] = v
		}
		for k, v := range found {
			merged[k] = v
		}
		return e.memories.Update(ctx, existing[0].ID, merged, nil)
	}

	importance := preferenceImportance
	if _, ok := e.memories.Store(ctx, scope, memory.MemoryTypePreference, found, &importance, nil); !ok {
		return errors.New("preference memory not stored")
	}
	return nil
}
