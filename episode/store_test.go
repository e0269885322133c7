package episode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/retention/embedding"
	"github.com/aschepis/backscratcher/retention/migrations"
	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := migrations.OpenTestDB(zerolog.Nop())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db, embedding.NewHashProvider(256), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func testSituation(subscriberID, trigger string) Situation {
	return Situation{
		Subscriber: Subscriber{ID: subscriberID, Email: subscriberID + "@example.com", MRR: 7900, TenureMonths: 6},
		Trigger:    trigger,
		Context:    map[string]interface{}{"attempt": 1},
		Timestamp:  time.Now(),
	}
}

func openEpisode(t *testing.T, store *Store, subscriberID, trigger string) *Episode {
	t.Helper()
	sub := subscriberID
	ep, err := store.Create(context.Background(), NewEpisode{
		UserID:       "user-1",
		AgentType:    "payment_recovery",
		SubscriberID: &sub,
		ActionID:     "action-" + subscriberID,
		Situation:    testSituation(subscriberID, trigger),
		Action:       ActionTaken{Type: "email", Strategy: "friendly", Details: map[string]interface{}{"tone": "warm"}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return ep
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ep := openEpisode(t, store, "sub-1", "payment_failed")

	if ep.Outcome != OutcomePending {
		t.Errorf("expected pending outcome, got %s", ep.Outcome)
	}
	got, err := store.Get(context.Background(), ep.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Situation.Subscriber.MRR != 7900 || got.Situation.Trigger != "payment_failed" {
		t.Errorf("situation not round-tripped: %+v", got.Situation)
	}
	if got.ActionTaken.Key() != "email_friendly" || got.ActionTaken.Details["tone"] != "warm" {
		t.Errorf("action not round-tripped: %+v", got.ActionTaken)
	}
	if len(got.SituationEmbedding) != 256 {
		t.Errorf("expected situation embedding, got %d dims", len(got.SituationEmbedding))
	}

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_CorruptStoredJSON(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, column := range []string{"action_details", "outcome_details", "lessons_learned"} {
		ep := openEpisode(t, store, "sub-"+column, "payment_failed")
		if _, err := store.db.ExecContext(ctx, "UPDATE episodes SET "+column+" = ? WHERE id = ?", "{broken", ep.ID); err != nil {
			t.Fatalf("corrupt %s: %v", column, err)
		}
		if _, err := store.Get(ctx, ep.ID); err == nil {
			t.Errorf("expected decode error for corrupt %s", column)
		}
	}
}

func TestResolve_OneWay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ep := openEpisode(t, store, "sub-1", "payment_failed")

	lessons := []Lesson{{Insight: "friendly tone works", Confidence: 0.8}}
	resolved, err := store.Resolve(ctx, ep.ID, OutcomeSuccess, map[string]interface{}{"recovered": true}, lessons)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Outcome != OutcomeSuccess || resolved.ResolvedAt == nil || len(resolved.LessonsLearned) != 1 {
		t.Errorf("unexpected resolved episode: %+v", resolved)
	}

	_, err = store.Resolve(ctx, ep.ID, OutcomeFailure, nil, nil)
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	again, _ := store.Get(ctx, ep.ID)
	if again.Outcome != OutcomeSuccess {
		t.Errorf("second resolve must not change outcome, got %s", again.Outcome)
	}

	if _, err := store.Resolve(ctx, "missing", OutcomeSuccess, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Resolve(ctx, ep.ID, OutcomePending, nil, nil); err == nil {
		t.Error("expected error resolving to pending")
	}
}

func TestMostRecentPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	first := openEpisode(t, store, "sub-1", "payment_failed")
	second := openEpisode(t, store, "sub-1", "payment_failed")

	got, err := store.MostRecentPending(ctx, "user-1", "payment_recovery", "sub-1")
	if err != nil {
		t.Fatalf("MostRecentPending: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("expected newest episode %s, got %s", second.ID, got.ID)
	}

	if _, err := store.Resolve(ctx, second.ID, OutcomeIgnored, nil, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = store.MostRecentPending(ctx, "user-1", "payment_recovery", "sub-1")
	if got.ID != first.ID {
		t.Errorf("expected older pending episode %s, got %s", first.ID, got.ID)
	}

	if _, err := store.MostRecentPending(ctx, "user-1", "payment_recovery", "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	byAction, err := store.PendingForAction(ctx, "action-sub-1")
	if err != nil || byAction.ID != first.ID {
		t.Errorf("PendingForAction = %v, %v", byAction, err)
	}
}

func TestFindSimilar(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	want := openEpisode(t, store, "sub-1", "payment_failed")

	matches, err := store.FindSimilar(ctx, "user-1", "payment_recovery", testSituation("sub-1", "payment_failed").Describe(), 15, 0.5)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(matches) != 1 || matches[0].Episode.ID != want.ID {
		t.Fatalf("expected the stored episode, got %+v", matches)
	}
	if matches[0].Similarity < 0.99 {
		t.Errorf("identical description should match almost exactly, got %f", matches[0].Similarity)
	}

	other, _ := store.FindSimilar(ctx, "user-1", "churn_prevention", testSituation("sub-1", "payment_failed").Describe(), 15, 0.5)
	if len(other) != 0 {
		t.Errorf("episodes of other agents must not match, got %d", len(other))
	}
}

func TestCountsAndLessons(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := openEpisode(t, store, "sub-1", "payment_failed")
	b := openEpisode(t, store, "sub-2", "payment_failed")
	openEpisode(t, store, "sub-3", "trial_ending")

	_, _ = store.Resolve(ctx, a.ID, OutcomeSuccess, nil, []Lesson{{Insight: "send early", Confidence: 0.7}})
	_, _ = store.Resolve(ctx, b.ID, OutcomeFailure, nil, nil)

	c, err := store.Counts(ctx, "user-1", "payment_recovery")
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if c.Total != 3 || c.Pending != 1 || c.Success != 1 || c.Failure != 1 {
		t.Errorf("unexpected counts %+v", c)
	}
	if c.SuccessRate() != 0.5 {
		t.Errorf("expected success rate 0.5, got %f", c.SuccessRate())
	}

	lessons, err := store.RecentLessons(ctx, "user-1", "payment_recovery", 10)
	if err != nil {
		t.Fatalf("RecentLessons: %v", err)
	}
	if len(lessons) != 1 || lessons[0].Insight != "send early" {
		t.Errorf("unexpected lessons %+v", lessons)
	}

	resolved, _ := store.ListResolved(ctx, "user-1", "payment_recovery", "payment_failed", 0)
	if len(resolved) != 2 {
		t.Errorf("expected 2 resolved payment_failed episodes, got %d", len(resolved))
	}
}

func TestSituationDescribe(t *testing.T) {
	name := "Ada"
	s := Situation{
		Subscriber: Subscriber{Email: "ada@example.com", Name: &name, MRR: 7900, TenureMonths: 6},
		Trigger:    "payment_failed",
		Context:    map[string]interface{}{"decline_code": "insufficient_funds"},
	}
	want := "Subscriber Ada paying $79.00 per month, subscribed for 6 months.\n" +
		"Previous interactions: 0.\n" +
		"Trigger: payment failed.\n" +
		"Context:\n- decline code: insufficient_funds"
	if got := s.Describe(); got != want {
		t.Errorf("Describe() =\n%s\nwant\n%s", got, want)
	}
}
