package learning

import (
	"context"
	"fmt"

	"github.com/aschepis/backscratcher/retention/episode"
	"github.com/samber/lo"
)

const (
	topPatternLimit    = 5
	recentLessonLimit  = 5
	minStrategySamples = 3
)

// Stats summarizes what an agent has learned.
type Stats struct {
	TotalEpisodes    int              `json:"total_episodes"`
	ResolvedEpisodes int              `json:"resolved_episodes"`
	SuccessRate      float64          `json:"success_rate"`
	TopPatterns      []Pattern        `json:"top_patterns"`
	RecentLessons    []episode.Lesson `json:"recent_lessons"`
}

// GetLearningStats reports episode counts, success rate, the most important
// patterns and the latest lessons.
func (e *Engine) GetLearningStats(ctx context.Context, userID, agentType string) (*Stats, error) {
	counts, err := e.episodes.Counts(ctx, userID, agentType)
	if err != nil {
		return nil, fmt.Errorf("learning stats: %w", err)
	}
	patterns, err := e.memories.TopPatterns(ctx, userID, agentType, topPatternLimit)
	if err != nil {
		return nil, fmt.Errorf("learning stats: %w", err)
	}
	lessons, err := e.episodes.RecentLessons(ctx, userID, agentType, recentLessonLimit)
	if err != nil {
		return nil, fmt.Errorf("learning stats: %w", err)
	}
	top := []Pattern{}
	for _, m := range patterns {
		if p, ok := PatternFromMemory(m); ok {
			top = append(top, p)
		}
	}
	if lessons == nil {
		lessons = []episode.Lesson{}
	}
	return &Stats{
		TotalEpisodes:    counts.Total,
		ResolvedEpisodes: counts.Resolved(),
		SuccessRate:      counts.SuccessRate(),
		TopPatterns:      top,
		RecentLessons:    lessons,
	}, nil
}

// TriggerInsights summarizes resolved episodes for one trigger.
type TriggerInsights struct {
	Trigger     string  `json:"trigger"`
	Cases       int     `json:"cases"`
	SuccessRate float64 `json:"success_rate"`
	// BestStrategy is empty until some strategy has enough samples.
	BestStrategy            string  `json:"best_strategy,omitempty"`
	BestStrategySuccessRate float64 `json:"best_strategy_success_rate,omitempty"`
	AvgResolutionHours      float64 `json:"avg_resolution_hours"`
}

// GetTriggerInsights reports case count, success rate, the best strategy
// among those with at least three samples, and the mean hours from episode
// creation to resolution.
func (e *Engine) GetTriggerInsights(ctx context.Context, userID, agentType, trigger string) (*TriggerInsights, error) {
	eps, err := e.episodes.ListResolved(ctx, userID, agentType, trigger, 0)
	if err != nil {
		return nil, fmt.Errorf("trigger insights: %w", err)
	}
	out := &TriggerInsights{Trigger: trigger, Cases: len(eps)}
	if len(eps) == 0 {
		return out, nil
	}

	type tally struct{ success, total int }
	byStrategy := map[string]*tally{}
	var order []string
	var successes int
	var hours float64
	var timed int
	for _, ep := range eps {
		key := ep.ActionTaken.Key()
		t, ok := byStrategy[key]
		if !ok {
			t = &tally{}
			byStrategy[key] = t
			order = append(order, key)
		}
		t.total++
		if ep.Outcome == episode.OutcomeSuccess {
			t.success++
			successes++
		}
		if ep.ResolvedAt != nil {
			hours += ep.ResolvedAt.Sub(ep.CreatedAt).Hours()
			timed++
		}
	}
	out.SuccessRate = float64(successes) / float64(len(eps))
	if timed > 0 {
		out.AvgResolutionHours = hours / float64(timed)
	}

	eligible := lo.Filter(order, func(k string, _ int) bool { return byStrategy[k].total >= minStrategySamples })
	for _, k := range eligible {
		rate := float64(byStrategy[k].success) / float64(byStrategy[k].total)
		if out.BestStrategy == "" || rate > out.BestStrategySuccessRate {
			out.BestStrategy = k
			out.BestStrategySuccessRate = rate
		}
	}
	return out, nil
}
