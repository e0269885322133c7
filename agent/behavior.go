package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/retention/reasoning"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Agent types.
const (
	TypePaymentRecovery = "payment_recovery"
	TypeChurnPrevention = "churn_prevention"
	TypeTrialConversion = "trial_conversion"
)

// Behavior is what distinguishes one agent type from another. Core depends
// only on this interface.
type Behavior interface {
	Type() string
	// Triggers are the event types handled when the agent config names none.
	Triggers() []string
	// ShouldHandle applies type-specific checks after the trigger matched.
	ShouldHandle(Event) bool
	DescribeAction(reasoning.Option) string
	Perform(ctx context.Context, a *Action) (map[string]interface{}, error)
}

// Executor performs actions in the outside world (email, SMS, billing).
type Executor interface {
	Execute(ctx context.Context, a *Action) (map[string]interface{}, error)
}

// LogExecutor records actions without performing them.
type LogExecutor struct {
	logger zerolog.Logger
}

func NewLogExecutor(logger zerolog.Logger) *LogExecutor {
	return &LogExecutor{logger: logger.With().Str("component", "executor").Logger()}
}

func (e *LogExecutor) Execute(_ context.Context, a *Action) (map[string]interface{}, error) {
	e.logger.Info().
		Str("action_id", a.ID).
		Str("subscriber_id", a.SubscriberID).
		Str("action_type", a.ActionType).
		Str("strategy", a.Strategy).
		Str("description", a.Description).
		Msg("action executed")
	return map[string]interface{}{"delivered": true, "channel": a.ActionType}, nil
}

// behavior is the shared implementation; variants differ in triggers, the
// extra event filter and how actions are described.
type behavior struct {
	typ      string
	triggers []string
	filter   func(Event) bool
	subject  string
	executor Executor
}

func (b *behavior) Type() string { return b.typ }

func (b *behavior) Triggers() []string { return append([]string(nil), b.triggers...) }

func (b *behavior) ShouldHandle(e Event) bool {
	if b.filter == nil {
		return true
	}
	return b.filter(e)
}

func (b *behavior) DescribeAction(o reasoning.Option) string {
	strategy := strings.ReplaceAll(o.Strategy, "_", " ")
	var desc string
	switch o.Action {
	case "email":
		desc = fmt.Sprintf("Send a %s email about %s", strategy, b.subject)
	case "sms":
		desc = fmt.Sprintf("Send a %s SMS about %s", strategy, b.subject)
	case "discount":
		pct, _ := o.Details["discount_percent"].(float64)
		desc = fmt.Sprintf("Offer a %.0f%% discount (%s) about %s", pct, strategy, b.subject)
	case "refund":
		desc = fmt.Sprintf("Issue a refund (%s) about %s", strategy, b.subject)
	case "pause":
		desc = fmt.Sprintf("Offer to pause the subscription (%s) about %s", strategy, b.subject)
	case "none":
		desc = fmt.Sprintf("Take no action on %s", b.subject)
	default:
		desc = fmt.Sprintf("%s (%s) about %s", o.Action, strategy, b.subject)
	}
	return desc
}

func (b *behavior) Perform(ctx context.Context, a *Action) (map[string]interface{}, error) {
	if a.ActionType == "none" {
		return map[string]interface{}{"skipped": true}, nil
	}
	return b.executor.Execute(ctx, a)
}

func dataBool(e Event, key string) bool {
	v, _ := e.Data[key].(bool)
	return v
}

// NewPaymentRecovery handles failed and expiring payments. Events already
// marked recovered are ignored.
func NewPaymentRecovery(exec Executor) Behavior {
	return &behavior{
		typ:      TypePaymentRecovery,
		triggers: []string{"payment_failed", "payment_retry_failed", "card_expiring"},
		filter:   func(e Event) bool { return !dataBool(e, "recovered") },
		subject:  "the failed payment",
		executor: exec,
	}
}

// NewChurnPrevention handles cancellation intent and usage decline.
func NewChurnPrevention(exec Executor) Behavior {
	return &behavior{
		typ:      TypeChurnPrevention,
		triggers: []string{"cancellation_requested", "downgrade_requested", "usage_drop"},
		filter:   func(e Event) bool { return !dataBool(e, "already_cancelled") },
		subject:  "their subscription",
		executor: exec,
	}
}

// NewTrialConversion handles trials nearing their end or going quiet.
// Trials that already converted are ignored.
func NewTrialConversion(exec Executor) Behavior {
	return &behavior{
		typ:      TypeTrialConversion,
		triggers: []string{"trial_started", "trial_ending", "trial_inactive"},
		filter:   func(e Event) bool { return !dataBool(e, "converted") },
		subject:  "their trial",
		executor: exec,
	}
}

// BehaviorFor returns the behavior for agentType.
func BehaviorFor(agentType string, exec Executor) (Behavior, error) {
	switch agentType {
	case TypePaymentRecovery:
		return NewPaymentRecovery(exec), nil
	case TypeChurnPrevention:
		return NewChurnPrevention(exec), nil
	case TypeTrialConversion:
		return NewTrialConversion(exec), nil
	}
	return nil, fmt.Errorf("unknown agent type %q", agentType)
}

// handles reports whether the trigger is in the effective set.
func handles(triggers []string, b Behavior, e Event) bool {
	if len(triggers) == 0 {
		triggers = b.Triggers()
	}
	return lo.Contains(triggers, e.Type) && b.ShouldHandle(e)
}
