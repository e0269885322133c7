package learning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/retention/embedding"
	"github.com/aschepis/backscratcher/retention/episode"
	"github.com/aschepis/backscratcher/retention/llm"
	"github.com/aschepis/backscratcher/retention/memory"
	"github.com/aschepis/backscratcher/retention/migrations"
	"github.com/rs/zerolog"
)

const (
	testUser  = "user-1"
	testAgent = "payment_recovery"
)

type llmFunc func(ctx context.Context, req *llm.Request) (*llm.Response, error)

func (f llmFunc) Synchronous(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return f(ctx, req)
}

func replying(text string) llm.Client {
	return llmFunc(func(context.Context, *llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: text}, nil
	})
}

type fixture struct {
	memories *memory.Store
	episodes *episode.Store
	engine   *Engine
}

func newFixture(t *testing.T, client llm.Client) *fixture {
	t.Helper()
	db, err := migrations.OpenTestDB(zerolog.Nop())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	embedder := embedding.NewHashProvider(256)
	mems, err := memory.NewStore(db, embedder, zerolog.Nop())
	if err != nil {
		t.Fatalf("memory.NewStore: %v", err)
	}
	eps, err := episode.NewStore(db, embedder, zerolog.Nop())
	if err != nil {
		t.Fatalf("episode.NewStore: %v", err)
	}
	return &fixture{memories: mems, episodes: eps, engine: NewEngine(mems, eps, client, Config{Timeout: time.Second}, zerolog.Nop())}
}

func situation(subscriberID, trigger string) episode.Situation {
	return episode.Situation{
		Subscriber: episode.Subscriber{ID: subscriberID, Email: subscriberID + "@example.com", MRR: 2900, TenureMonths: 14},
		Trigger:    trigger,
		Context:    map[string]interface{}{"failure_reason": "card_declined"},
		Timestamp:  time.Now(),
	}
}

func (f *fixture) open(t *testing.T, subscriberID, actionID, trigger string, action episode.ActionTaken) *episode.Episode {
	t.Helper()
	sub := subscriberID
	ep, err := f.episodes.Create(context.Background(), episode.NewEpisode{
		UserID:       testUser,
		AgentType:    testAgent,
		SubscriberID: &sub,
		ActionID:     actionID,
		Situation:    situation(subscriberID, trigger),
		Action:       action,
	})
	if err != nil {
		t.Fatalf("Create episode: %v", err)
	}
	return ep
}

var friendlyEmail = episode.ActionTaken{Type: "email", Strategy: "friendly_reminder", Details: map[string]interface{}{}}

func (f *fixture) patterns(t *testing.T, trigger string) []Pattern {
	t.Helper()
	items, err := f.memories.GetPatterns(context.Background(), testUser, testAgent, trigger)
	if err != nil {
		t.Fatalf("GetPatterns: %v", err)
	}
	var out []Pattern
	for _, m := range items {
		if p, ok := PatternFromMemory(m); ok {
			out = append(out, p)
		}
	}
	return out
}

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestUpdatePattern(t *testing.T) {
	p := NewPattern("payment_failed", "email_friendly", nil)
	if p.SuccessRate != 1 || p.SampleSize != 1 {
		t.Fatalf("unexpected new pattern %+v", p)
	}
	p = UpdatePattern(p, false)
	if !almost(p.SuccessRate, 0.5) || p.SampleSize != 2 {
		t.Errorf("after failure: %+v", p)
	}
	p = UpdatePattern(p, true)
	if !almost(p.SuccessRate, 2.0/3.0) || p.SampleSize != 3 {
		t.Errorf("after success: %+v", p)
	}
	p = UpdatePattern(Pattern{SuccessRate: 0.8, SampleSize: 5}, false)
	if !almost(p.SuccessRate, 4.0/6.0) || p.SampleSize != 6 {
		t.Errorf("weighted update: %+v", p)
	}
}

func TestResolveEpisode_SuccessLearns(t *testing.T) {
	f := newFixture(t, replying(`{"lessons": [{"insight": "Friendly reminders recover declined cards", "confidence": 0.8, "recommendation": "lead with empathy"}, {"insight": "", "confidence": 0.9}]}`))
	ctx := context.Background()
	ep := f.open(t, "sub-1", "act-1", "payment_failed", friendlyEmail)

	resolved, err := f.engine.ResolveEpisode(ctx, ep.ID, episode.OutcomeSuccess, map[string]interface{}{"recovered_amount": 29})
	if err != nil {
		t.Fatalf("ResolveEpisode: %v", err)
	}
	if resolved.Outcome != episode.OutcomeSuccess || resolved.ResolvedAt == nil {
		t.Errorf("episode not resolved: %+v", resolved)
	}
	if len(resolved.LessonsLearned) != 1 || resolved.LessonsLearned[0].Confidence != 0.8 {
		t.Errorf("unexpected lessons %+v", resolved.LessonsLearned)
	}

	sub := "sub-1"
	scope := memory.Scope{UserID: testUser, AgentType: testAgent, SubscriberID: &sub}
	outcomes, err := f.memories.GetMemoriesByType(ctx, scope, memory.MemoryTypeOutcome, 10)
	if err != nil {
		t.Fatalf("GetMemoriesByType: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Content["result"] != "positive" {
		t.Errorf("unexpected outcome memories %+v", outcomes)
	}

	patterns := f.patterns(t, "payment_failed")
	if len(patterns) != 1 {
		t.Fatalf("expected one pattern, got %d", len(patterns))
	}
	if patterns[0].BestAction != "email_friendly_reminder" || patterns[0].SuccessRate != 1 || patterns[0].SampleSize != 1 {
		t.Errorf("unexpected pattern %+v", patterns[0])
	}

	prefs, err := f.memories.GetMemoriesByType(ctx, scope, memory.MemoryTypePreference, 10)
	if err != nil {
		t.Fatalf("GetMemoriesByType: %v", err)
	}
	if len(prefs) != 1 || prefs[0].Content["preferred_tone"] != "friendly" {
		t.Errorf("unexpected preference memories %+v", prefs)
	}
}

func TestResolveEpisode_SecondResolveHasNoSideEffects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ep := f.open(t, "sub-1", "act-1", "payment_failed", friendlyEmail)

	if _, err := f.engine.ResolveEpisode(ctx, ep.ID, episode.OutcomeSuccess, nil); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	_, err := f.engine.ResolveEpisode(ctx, ep.ID, episode.OutcomeFailure, nil)
	if !errors.Is(err, episode.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	got, err := f.episodes.Get(ctx, ep.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Outcome != episode.OutcomeSuccess {
		t.Errorf("outcome changed to %s", got.Outcome)
	}
	patterns := f.patterns(t, "payment_failed")
	if len(patterns) != 1 || patterns[0].SampleSize != 1 {
		t.Errorf("pattern changed by second resolve: %+v", patterns)
	}
	sub := "sub-1"
	outcomes, _ := f.memories.GetMemoriesByType(ctx, memory.Scope{UserID: testUser, AgentType: testAgent, SubscriberID: &sub}, memory.MemoryTypeOutcome, 10)
	if len(outcomes) != 1 {
		t.Errorf("expected a single outcome memory, got %d", len(outcomes))
	}
}

func TestResolveEpisode_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.ResolveEpisode(ctx, "missing", episode.OutcomeSuccess, nil); !errors.Is(err, episode.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	ep := f.open(t, "sub-1", "act-1", "payment_failed", friendlyEmail)
	if _, err := f.engine.ResolveEpisode(ctx, ep.ID, episode.OutcomePending, nil); !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestResolveEpisode_FailureUpdatesExistingPattern(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.open(t, "sub-1", "act-1", "payment_failed", friendlyEmail)
	if _, err := f.engine.ResolveEpisode(ctx, first.ID, episode.OutcomeSuccess, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	before := f.patterns(t, "payment_failed")[0]

	second := f.open(t, "sub-2", "act-2", "payment_failed", friendlyEmail)
	if _, err := f.engine.ResolveEpisode(ctx, second.ID, episode.OutcomeFailure, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	after := f.patterns(t, "payment_failed")
	if len(after) != 1 {
		t.Fatalf("expected the pattern to be updated in place, got %d", len(after))
	}
	if !almost(after[0].SuccessRate, 0.5) || after[0].SampleSize != 2 {
		t.Errorf("unexpected pattern %+v", after[0])
	}
	if !almost(after[0].Importance, before.Importance-FailurePenalty) {
		t.Errorf("expected importance %v, got %v", before.Importance-FailurePenalty, after[0].Importance)
	}
}

func TestResolveEpisode_ConcurrentResolutionsShareOnePattern(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	const n = 16
	eps := make([]*episode.Episode, n)
	for i := range eps {
		id := fmt.Sprintf("sub-%d", i)
		eps[i] = f.open(t, id, "act-"+id, "payment_failed", friendlyEmail)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, ep := range eps {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := f.engine.ResolveEpisode(ctx, id, episode.OutcomeSuccess, nil); err != nil {
				errs <- err
			}
		}(ep.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("resolve: %v", err)
	}

	patterns := f.patterns(t, "payment_failed")
	if len(patterns) != 1 {
		t.Fatalf("expected one pattern, got %d", len(patterns))
	}
	if patterns[0].SampleSize != n || !almost(patterns[0].SuccessRate, 1) {
		t.Errorf("expected sample size %d at rate 1, got %+v", n, patterns[0])
	}
}

func TestResolveEpisode_FailureWithoutPatternCreatesNone(t *testing.T) {
	f := newFixture(t, nil)
	ep := f.open(t, "sub-1", "act-1", "payment_failed", friendlyEmail)
	if _, err := f.engine.ResolveEpisode(context.Background(), ep.ID, episode.OutcomeFailure, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.patterns(t, "payment_failed"); len(got) != 0 {
		t.Errorf("failure must not create a pattern, got %+v", got)
	}
}

func TestRelevancePropagationScalesWithSimilarity(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		outcome episode.Outcome
		sign    float64
	}{
		{episode.OutcomeSuccess, 1},
		{episode.OutcomeFailure, -1},
		{episode.OutcomePartial, 0},
	} {
		t.Run(string(tc.outcome), func(t *testing.T) {
			f := newFixture(t, nil)
			ep := f.open(t, "sub-1", "act-1", "payment_failed", episode.ActionTaken{Type: "sms", Strategy: "plain"})
			scope := memory.Scope{UserID: testUser, AgentType: testAgent}

			relatedID, ok := f.memories.Store(ctx, scope, memory.MemoryTypeFact, map[string]interface{}{"situation": ep.Situation.Describe()}, nil, nil)
			if !ok {
				t.Fatal("store related memory")
			}
			unrelatedID, ok := f.memories.Store(ctx, scope, memory.MemoryTypeFact, map[string]interface{}{"note": "prefers hiking trips in autumn"}, nil, nil)
			if !ok {
				t.Fatal("store unrelated memory")
			}
			matches, err := f.memories.FindSimilarMemories(ctx, memory.SimilarQuery{
				UserID: testUser, AgentType: testAgent, QueryText: ep.Situation.Describe(), Limit: 10, Threshold: relevanceThreshold,
			})
			if err != nil {
				t.Fatalf("FindSimilarMemories: %v", err)
			}
			var sim float64
			for _, m := range matches {
				if m.Memory.ID == relatedID {
					sim = m.Similarity
				}
			}
			if sim < relevanceThreshold {
				t.Fatalf("related memory similarity %v below threshold", sim)
			}

			if _, err := f.engine.ResolveEpisode(ctx, ep.ID, tc.outcome, nil); err != nil {
				t.Fatalf("resolve: %v", err)
			}

			related, _ := f.memories.Get(ctx, relatedID)
			unrelated, _ := f.memories.Get(ctx, unrelatedID)
			var want float64
			switch tc.sign {
			case 1:
				want = memory.DefaultImportance + SuccessBoost*sim
			case -1:
				want = memory.DefaultImportance - FailurePenalty*sim
			default:
				want = memory.DefaultImportance
			}
			if math.Abs(related.Importance-want) > 1e-6 {
				t.Errorf("related importance %v, want %v", related.Importance, want)
			}
			if unrelated.Importance != memory.DefaultImportance {
				t.Errorf("unrelated memory changed to %v", unrelated.Importance)
			}
		})
	}
}

func TestParseLessonsResponse(t *testing.T) {
	resp, err := ParseLessonsResponse(`Sure! {"lessons": [{"insight": "a", "confidence": 1.4}, {"insight": "b", "confidence": -1}, {"insight": "c"}, {"insight": "d"}, {"insight": "e"}, {"insight": "f"}]}`)
	if err != nil {
		t.Fatalf("ParseLessonsResponse: %v", err)
	}
	if len(resp.Lessons) != maxLessons {
		t.Fatalf("expected %d lessons, got %d", maxLessons, len(resp.Lessons))
	}
	if resp.Lessons[0].Confidence != 1 || resp.Lessons[1].Confidence != 0 {
		t.Errorf("confidence not clamped: %+v", resp.Lessons[:2])
	}
	if _, err := ParseLessonsResponse(`{"insights": []}`); err == nil {
		t.Error("expected error without lessons array")
	}
	if fb := FallbackLessonsResponse(); !fb.Fallback || fb.Lessons == nil || len(fb.Lessons) != 0 {
		t.Errorf("unexpected fallback %+v", fb)
	}
}

func TestExtractLessons_NeverFails(t *testing.T) {
	for name, client := range map[string]llm.Client{
		"nil":     nil,
		"error":   llmFunc(func(context.Context, *llm.Request) (*llm.Response, error) { return nil, errors.New("boom") }),
		"garbage": replying("lessons? none"),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, client)
			ep := f.open(t, "sub-1", "act-1", "payment_failed", friendlyEmail)
			if got := f.engine.ExtractLessons(context.Background(), ep, episode.OutcomeSuccess, nil); len(got) != 0 {
				t.Errorf("expected no lessons, got %+v", got)
			}
		})
	}
}

func TestRecordFeedback(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		feedback FeedbackType
		want     episode.Outcome
	}{
		{FeedbackApproved, episode.OutcomeSuccess},
		{FeedbackConverted, episode.OutcomeSuccess},
		{FeedbackRecovered, episode.OutcomeSuccess},
		{FeedbackRejected, episode.OutcomeFailure},
		{FeedbackChurned, episode.OutcomeFailure},
		{FeedbackType("opened"), episode.OutcomePending},
	}
	for _, tt := range tests {
		t.Run(string(tt.feedback), func(t *testing.T) {
			f := newFixture(t, nil)
			ep := f.open(t, "sub-1", "act-1", "payment_failed", friendlyEmail)

			resolved, err := f.engine.RecordFeedback(ctx, Feedback{Type: tt.feedback, ActionID: "act-1", UserID: testUser, AgentType: testAgent})
			if err != nil {
				t.Fatalf("RecordFeedback: %v", err)
			}
			got, _ := f.episodes.Get(ctx, ep.ID)
			if got.Outcome != tt.want {
				t.Errorf("outcome %s, want %s", got.Outcome, tt.want)
			}
			if tt.want == episode.OutcomePending && resolved != nil {
				t.Error("unmapped feedback must not resolve anything")
			}
			if tt.want != episode.OutcomePending && got.OutcomeDetails["feedback"] != string(tt.feedback) {
				t.Errorf("feedback not recorded in details: %v", got.OutcomeDetails)
			}
		})
	}
}

func TestRecordFeedback_FallsBackToSubscriber(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ep := f.open(t, "sub-1", "act-1", "payment_failed", friendlyEmail)

	resolved, err := f.engine.RecordFeedback(ctx, Feedback{Type: FeedbackRecovered, ActionID: "unknown", SubscriberID: "sub-1", UserID: testUser, AgentType: testAgent})
	if err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	if resolved == nil || resolved.ID != ep.ID {
		t.Fatalf("expected episode %s to be resolved, got %+v", ep.ID, resolved)
	}

	again, err := f.engine.RecordFeedback(ctx, Feedback{Type: FeedbackChurned, ActionID: "act-1", UserID: testUser, AgentType: testAgent})
	if err != nil || again != nil {
		t.Errorf("expected nil, nil without a pending episode, got %v, %v", again, err)
	}
}

func TestGetTriggerInsights(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sms := episode.ActionTaken{Type: "sms", Strategy: "urgent"}

	resolve := func(sub string, action episode.ActionTaken, outcome episode.Outcome) {
		ep := f.open(t, sub, "act-"+sub, "trial_ending", action)
		if _, err := f.engine.ResolveEpisode(ctx, ep.ID, outcome, nil); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	resolve("s1", friendlyEmail, episode.OutcomeSuccess)
	resolve("s2", friendlyEmail, episode.OutcomeFailure)
	resolve("s3", friendlyEmail, episode.OutcomeSuccess)
	resolve("s4", friendlyEmail, episode.OutcomeSuccess)
	resolve("s5", sms, episode.OutcomeSuccess)
	resolve("s6", sms, episode.OutcomeSuccess)
	f.open(t, "s7", "act-s7", "trial_ending", sms)

	insights, err := f.engine.GetTriggerInsights(ctx, testUser, testAgent, "trial_ending")
	if err != nil {
		t.Fatalf("GetTriggerInsights: %v", err)
	}
	if insights.Cases != 6 {
		t.Errorf("expected 6 resolved cases, got %d", insights.Cases)
	}
	if !almost(insights.SuccessRate, 5.0/6.0) {
		t.Errorf("unexpected success rate %v", insights.SuccessRate)
	}
	if insights.BestStrategy != "email_friendly_reminder" || !almost(insights.BestStrategySuccessRate, 0.75) {
		t.Errorf("sms has too few samples to win: %+v", insights)
	}
	if insights.AvgResolutionHours < 0 || insights.AvgResolutionHours > 1 {
		t.Errorf("unexpected resolution time %v", insights.AvgResolutionHours)
	}

	empty, err := f.engine.GetTriggerInsights(ctx, testUser, testAgent, "never_seen")
	if err != nil || empty.Cases != 0 || empty.BestStrategy != "" {
		t.Errorf("unexpected empty insights %+v, %v", empty, err)
	}
}

func TestGetLearningStats(t *testing.T) {
	f := newFixture(t, replying(`{"lessons": [{"insight": "short subject lines work", "confidence": 0.7}]}`))
	ctx := context.Background()

	ep := f.open(t, "sub-1", "act-1", "payment_failed", friendlyEmail)
	if _, err := f.engine.ResolveEpisode(ctx, ep.ID, episode.OutcomeSuccess, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	f.open(t, "sub-2", "act-2", "payment_failed", friendlyEmail)

	stats, err := f.engine.GetLearningStats(ctx, testUser, testAgent)
	if err != nil {
		t.Fatalf("GetLearningStats: %v", err)
	}
	if stats.TotalEpisodes != 2 || stats.ResolvedEpisodes != 1 || stats.SuccessRate != 1 {
		t.Errorf("unexpected counts %+v", stats)
	}
	if len(stats.TopPatterns) != 1 || len(stats.RecentLessons) != 1 {
		t.Errorf("unexpected patterns/lessons %+v", stats)
	}
}
