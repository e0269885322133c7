package reasoning

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aschepis/backscratcher/retention/episode"
	"github.com/aschepis/backscratcher/retention/memory"
)

// memorySummary condenses retrieved memories by type.
type memorySummary struct {
	Total        int
	Facts        []string
	Preferences  []string
	Interactions []string
	Outcomes     int
	Positive     int
}

// winRate is the share of positive outcome memories, or -1 without any.
func (m memorySummary) winRate() float64 {
	if m.Outcomes == 0 {
		return -1
	}
	return float64(m.Positive) / float64(m.Outcomes)
}

func summarizeMemories(items []*memory.Memory) memorySummary {
	var s memorySummary
	s.Total = len(items)
	for _, m := range items {
		text := memory.ContentText(m.Content)
		switch m.Type {
		case memory.MemoryTypeFact:
			s.Facts = append(s.Facts, text)
		case memory.MemoryTypePreference:
			s.Preferences = append(s.Preferences, text)
		case memory.MemoryTypeInteraction:
			s.Interactions = append(s.Interactions, text)
		case memory.MemoryTypeOutcome:
			s.Outcomes++
			if r, _ := m.Content["result"].(string); r == "positive" {
				s.Positive++
			}
		}
	}
	return s
}

func (m memorySummary) text() string {
	if m.Total == 0 {
		return "No prior memories about this subscriber."
	}
	var b strings.Builder
	writeList(&b, "Facts", m.Facts)
	writeList(&b, "Preferences", m.Preferences)
	writeList(&b, "Recent interactions", m.Interactions)
	if rate := m.winRate(); rate >= 0 {
		fmt.Fprintf(&b, "Past outcomes: %d recorded, %.0f%% positive.\n", m.Outcomes, rate*100)
	}
	return strings.TrimSpace(b.String())
}

func (m memorySummary) data() map[string]interface{} {
	d := map[string]interface{}{
		"total":        m.Total,
		"facts":        len(m.Facts),
		"preferences":  len(m.Preferences),
		"interactions": len(m.Interactions),
		"outcomes":     m.Outcomes,
	}
	if rate := m.winRate(); rate >= 0 {
		d["outcome_win_rate"] = rate
	}
	return d
}

type strategyStat struct {
	Success int
	Total   int
}

func (s strategyStat) rate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Success) / float64(s.Total)
}

// episodeSummary condenses similar past episodes.
type episodeSummary struct {
	Similar      int
	Successes    int
	Failures     int
	BestStrategy string
	BestLesson   *episode.Lesson
	Strategies   map[string]strategyStat
}

// summarizeEpisodes expects matches ordered best first; ties for the winning
// strategy go to the one seen first.
func summarizeEpisodes(matches []episode.Match) episodeSummary {
	s := episodeSummary{Similar: len(matches), Strategies: map[string]strategyStat{}}
	wins := map[string]int{}
	var order []string

	for _, m := range matches {
		ep := m.Episode
		strategy := ep.ActionTaken.Strategy
		st := s.Strategies[strategy]
		switch ep.Outcome {
		case episode.OutcomeSuccess:
			s.Successes++
			st.Success++
			st.Total++
			if wins[strategy] == 0 {
				order = append(order, strategy)
			}
			wins[strategy]++
		case episode.OutcomeFailure:
			s.Failures++
			st.Total++
		case episode.OutcomePartial, episode.OutcomeIgnored:
			st.Total++
		}
		if st.Total > 0 {
			s.Strategies[strategy] = st
		}

		for i := range ep.LessonsLearned {
			l := ep.LessonsLearned[i]
			if l.Confidence > lessonConfidenceFloor && (s.BestLesson == nil || l.Confidence > s.BestLesson.Confidence) {
				s.BestLesson = &l
			}
		}
	}

	best := 0
	for _, name := range order {
		if wins[name] > best {
			best = wins[name]
			s.BestStrategy = name
		}
	}
	return s
}

func (s episodeSummary) text() string {
	if s.Similar == 0 {
		return "No similar past episodes."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d similar episodes: %d succeeded, %d failed.", s.Similar, s.Successes, s.Failures)
	if s.BestStrategy != "" {
		fmt.Fprintf(&b, "\nMost successful strategy: %s.", s.BestStrategy)
	}
	if s.BestLesson != nil {
		fmt.Fprintf(&b, "\nKey lesson (confidence %.2f): %s", s.BestLesson.Confidence, s.BestLesson.Insight)
		if s.BestLesson.Recommendation != "" {
			fmt.Fprintf(&b, " Recommendation: %s", s.BestLesson.Recommendation)
		}
	}
	return b.String()
}

func (s episodeSummary) data() map[string]interface{} {
	d := map[string]interface{}{
		"similar":   s.Similar,
		"successes": s.Successes,
		"failures":  s.Failures,
	}
	if s.BestStrategy != "" {
		d["best_strategy"] = s.BestStrategy
	}
	if s.BestLesson != nil {
		d["best_lesson"] = s.BestLesson.Insight
		d["best_lesson_confidence"] = s.BestLesson.Confidence
	}
	return d
}

func (s episodeSummary) strategyNames() []string {
	names := make([]string, 0, len(s.Strategies))
	for name := range s.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", strings.ReplaceAll(it, "\n", "; "))
	}
}
