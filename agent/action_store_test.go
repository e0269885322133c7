package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/retention/migrations"
	"github.com/aschepis/backscratcher/retention/reasoning"
	"github.com/rs/zerolog"
)

func newTestActionStore(t *testing.T) *ActionStore {
	t.Helper()
	db, err := migrations.OpenTestDB(zerolog.Nop())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewActionStore(zerolog.Nop(), db)
}

func newAction(status ActionStatus, actionType string, created time.Time) *Action {
	return &Action{
		UserID:       testUser,
		AgentType:    TypePaymentRecovery,
		SubscriberID: "sub-1",
		ActionType:   actionType,
		Strategy:     "friendly",
		Description:  "Send a friendly email",
		Details:      map[string]interface{}{"subject": "Update your card"},
		Status:       status,
		Confidence:   0.7,
		CreatedAt:    created,
	}
}

func TestActionStore_CreateAndGet(t *testing.T) {
	s := newTestActionStore(t)
	ctx := context.Background()

	a := newAction(StatusPendingApproval, "email", time.Unix(1700000000, 0))
	a.RequiresApproval = true
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID == "" {
		t.Fatal("expected generated id")
	}
	got, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPendingApproval || !got.RequiresApproval || got.Details["subject"] != "Update your card" {
		t.Errorf("unexpected action %+v", got)
	}
	if got.ExecutedAt != nil || got.Result != nil {
		t.Errorf("new action should have no execution record: %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrActionNotFound) {
		t.Errorf("expected ErrActionNotFound, got %v", err)
	}
}

func TestActionStore_TransitionIsGuarded(t *testing.T) {
	s := newTestActionStore(t)
	ctx := context.Background()
	a := newAction(StatusApproved, "email", time.Now())
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := s.Transition(ctx, a.ID, []ActionStatus{StatusApproved}, StatusExecuted, map[string]interface{}{"delivered": true})
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}
	ok, err = s.Transition(ctx, a.ID, []ActionStatus{StatusApproved}, StatusFailed, map[string]interface{}{"error": "late"})
	if err != nil || ok {
		t.Fatalf("second transition should not apply: ok=%v err=%v", ok, err)
	}
	got, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusExecuted || got.Result["delivered"] != true || got.ExecutedAt == nil {
		t.Errorf("unexpected action after transitions: %+v", got)
	}
}

func TestActionStore_Counts(t *testing.T) {
	s := newTestActionStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	fixtures := []*Action{
		newAction(StatusExecuted, "email", now),
		newAction(StatusPendingApproval, "email", now),
		newAction(StatusRejected, "email", now),
		newAction(StatusFailed, "sms", now),
		newAction(StatusExecuted, "email", now.Add(-48*time.Hour)),
	}
	for _, a := range fixtures {
		if err := s.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	n, err := s.CountSince(ctx, testUser, TypePaymentRecovery, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 counted actions today, got %d", n)
	}
	n, err = s.CountForSubscriberSince(ctx, testUser, "sub-1", "email", now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("CountForSubscriberSince: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 emails this week, got %d", n)
	}
}

func TestActionStore_ReasoningTrail(t *testing.T) {
	s := newTestActionStore(t)
	ctx := context.Background()
	conf := 0.8
	steps := []reasoning.Step{
		{StepNumber: 1, StepType: reasoning.StepContextGathering, Thought: "gathered", DurationMs: 3},
		{StepNumber: 6, StepType: reasoning.StepDecision, Thought: "decided", Data: map[string]interface{}{"action": "email"}, ConfidenceScore: &conf},
	}
	if err := s.SaveReasoning(ctx, "act-1", steps); err != nil {
		t.Fatalf("SaveReasoning: %v", err)
	}
	got, err := s.Reasoning(ctx, "act-1")
	if err != nil {
		t.Fatalf("Reasoning: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(got))
	}
	if got[0].ConfidenceScore != nil || got[0].DurationMs != 3 {
		t.Errorf("unexpected first step %+v", got[0])
	}
	if got[1].StepType != reasoning.StepDecision || got[1].Data["action"] != "email" || *got[1].ConfidenceScore != 0.8 {
		t.Errorf("unexpected decision step %+v", got[1])
	}
}
