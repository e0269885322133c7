package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aschepis/backscratcher/retention/approval"
	"github.com/aschepis/backscratcher/retention/config"
	"github.com/aschepis/backscratcher/retention/episode"
	"github.com/aschepis/backscratcher/retention/learning"
	"github.com/aschepis/backscratcher/retention/notify"
	"github.com/aschepis/backscratcher/retention/reasoning"
	"github.com/rs/zerolog"
)

// Reasoner decides what to do about a situation. It never fails; degraded
// runs return the fallback decision.
type Reasoner interface {
	Reason(ctx context.Context, in reasoning.Input) *reasoning.Result
}

// Deps are the collaborators a Core is built from.
type Deps struct {
	// DB holds the agent_configs and brand_settings tables. Nil skips loading
	// and uses the config file settings.
	DB          *sql.DB
	Actions     *ActionStore
	Subscribers SubscriberSource
	Reasoner    Reasoner
	Episodes    *episode.Store
	Learning    *learning.Engine
	Notifier    notify.Notifier
}

// Core runs one agent for one user.
type Core struct {
	userID    string
	agentType string
	behavior  Behavior

	db          *sql.DB
	actions     *ActionStore
	subscribers SubscriberSource
	reasoner    Reasoner
	episodes    *episode.Store
	learning    *learning.Engine
	notifier    notify.Notifier

	fallback Settings
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	loaded   bool
	settings Settings
	inflight map[string]bool
}

// NewCore creates a Core for cfg. Settings are loaded by Initialize.
func NewCore(cfg config.AgentConfig, brand config.BrandConfig, b Behavior, deps Deps, logger zerolog.Logger) *Core {
	n := deps.Notifier
	if n == nil {
		n = notify.NewLogNotifier(logger)
	}
	return &Core{
		userID:      cfg.UserID,
		agentType:   b.Type(),
		behavior:    b,
		db:          deps.DB,
		actions:     deps.Actions,
		subscribers: deps.Subscribers,
		reasoner:    deps.Reasoner,
		episodes:    deps.Episodes,
		learning:    deps.Learning,
		notifier:    n,
		fallback:    settingsFromConfig(cfg, brand),
		logger: logger.With().
			Str("component", "agent").
			Str("agent_type", b.Type()).
			Str("user_id", cfg.UserID).
			Logger(),
		now:      time.Now,
		inflight: make(map[string]bool),
	}
}

// Type is the agent type.
func (c *Core) Type() string { return c.agentType }

// UserID is the owning user.
func (c *Core) UserID() string { return c.userID }

// Initialize loads settings once. When the backing tables are missing or
// unreadable the config file settings are used, so it never fails.
func (c *Core) Initialize(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return
	}
	c.settings = c.fallback
	if c.db != nil {
		s, err := loadSettings(ctx, c.db, c.userID, c.agentType, c.fallback)
		if err != nil {
			c.logger.Warn().Err(err).Bool("fallback", true).Msg("using config file settings")
		} else {
			c.settings = s
		}
	}
	c.loaded = true
	c.logger.Debug().
		Bool("active", c.settings.Active).
		Str("confidence_level", string(c.settings.ConfidenceLevel)).
		Msg("agent initialized")
}

// Settings returns the effective settings, initializing first if needed.
func (c *Core) Settings(ctx context.Context) Settings {
	c.Initialize(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// HandleEvent runs an event through the agent. It returns nil, nil when the
// agent declines the event: inactive, unsupported trigger or a limit hit.
// Events for the same subscriber are not serialized.
func (c *Core) HandleEvent(ctx context.Context, e Event) (*HandleResult, error) {
	settings := c.Settings(ctx)
	log := c.logger.With().Str("event", e.Type).Str("subscriber_id", e.SubscriberID).Logger()
	log.Debug().Str("state", "received").Msg("event received")

	if e.UserID != "" && e.UserID != c.userID {
		log.Debug().Str("state", "rejected").Str("reason", "other_user").Msg("event rejected")
		return nil, nil
	}
	if !settings.Active {
		log.Debug().Str("state", "rejected").Str("reason", "inactive").Msg("event rejected")
		return nil, nil
	}
	if !handles(settings.Triggers, c.behavior, e) {
		log.Debug().Str("state", "rejected").Str("reason", "unsupported").Msg("event rejected")
		return nil, nil
	}

	now := c.now()
	violated, err := c.checkLimits(ctx, settings.Limits, e.SubscriberID, now)
	if err != nil {
		return nil, fmt.Errorf("check limits: %w", err)
	}
	if violated != "" {
		log.Info().Str("state", "rejected").Str("reason", "limited").Str("limit", violated).Msg("event rejected")
		return nil, nil
	}

	sub, err := c.subscribers.GetSubscriber(ctx, c.userID, e.SubscriberID)
	if err != nil {
		return nil, err
	}
	situation := episode.Situation{
		Subscriber: *sub,
		Trigger:    e.Type,
		Context:    e.Data,
		Timestamp:  now,
	}
	log.Debug().Str("state", "situated").Msg("situation built")

	res := c.reasoner.Reason(ctx, reasoning.Input{
		Situation:        situation,
		UserID:           c.userID,
		AgentType:        c.agentType,
		StrategyTemplate: settings.StrategyTemplate,
		RateLimits:       limitsForPrompt(settings.Limits),
		BrandVoice:       settings.BrandVoice(),
	})
	decision := res.Decision
	log.Info().
		Str("state", "reasoned").
		Str("action", decision.Action).
		Str("strategy", decision.Strategy).
		Float64("confidence", res.Confidence).
		Bool("fallback", res.Fallback).
		Bool("near_tie", res.NearTie).
		Msg("decision reached")

	gate := approval.Decision{Action: decision.Action, Details: decision.Details}
	requires := approval.RequiresApproval(settings.ConfidenceLevel, gate, res.Confidence)
	why := approval.Reason(settings.ConfidenceLevel, gate, res.Confidence)
	log.Debug().Str("state", "gated").Bool("requires_approval", requires).Str("reason", why).Msg("approval gate applied")

	status := StatusApproved
	if requires {
		status = StatusPendingApproval
	}
	action := &Action{
		UserID:           c.userID,
		AgentType:        c.agentType,
		SubscriberID:     e.SubscriberID,
		ActionType:       decision.Action,
		Strategy:         decision.Strategy,
		Description:      c.behavior.DescribeAction(decision),
		Details:          decision.Details,
		Status:           status,
		RequiresApproval: requires,
		Confidence:       res.Confidence,
		CreatedAt:        now,
	}
	if err := c.actions.Create(ctx, action); err != nil {
		return nil, err
	}
	log = log.With().Str("action_id", action.ID).Logger()
	log.Info().Str("state", "action_created").Str("status", string(status)).Msg("action created")

	out := &HandleResult{
		Action:           action,
		RequiresApproval: requires,
		ApprovalReason:   why,
		Reasoning:        res,
	}

	subscriberID := e.SubscriberID
	ep, err := c.episodes.Create(ctx, episode.NewEpisode{
		UserID:       c.userID,
		AgentType:    c.agentType,
		SubscriberID: &subscriberID,
		ActionID:     action.ID,
		Situation:    situation,
		Action: episode.ActionTaken{
			Type:     decision.Action,
			Strategy: decision.Strategy,
			Details:  decision.Details,
		},
	})
	if err != nil {
		log.Warn().Err(err).Bool("skipped", true).Msg("failed to open episode")
	} else {
		out.EpisodeID = ep.ID
	}

	if err := c.actions.SaveReasoning(ctx, action.ID, res.Steps); err != nil {
		log.Warn().Err(err).Bool("skipped", true).Msg("failed to persist reasoning steps")
	}

	if requires {
		msg := fmt.Sprintf("%s\n%s", action.Description, why)
		if err := c.notifier.Notify(ctx, "Approval needed: "+c.agentType, msg); err != nil {
			log.Warn().Err(err).Msg("failed to notify operator")
		}
		log.Info().Str("state", "pending_approval").Msg("action awaiting approval")
		return out, nil
	}

	executed, err := c.ExecuteAction(ctx, action.ID)
	if err != nil {
		return out, err
	}
	out.Action = executed
	return out, nil
}

// limitsForPrompt renders the configured limits for the reasoning prompt.
func limitsForPrompt(l config.LimitsConfig) map[string]interface{} {
	out := map[string]interface{}{}
	if l.MaxActionsPerDay > 0 {
		out["max_actions_per_day"] = l.MaxActionsPerDay
	}
	if l.MaxEmailsPerSubscriberPerWeek > 0 {
		out["max_emails_per_subscriber_per_week"] = l.MaxEmailsPerSubscriberPerWeek
	}
	if l.SendHourStart != l.SendHourEnd {
		out["send_hours"] = fmt.Sprintf("%02d:00-%02d:00", l.SendHourStart, l.SendHourEnd)
	}
	if l.WeekdaysOnly {
		out["weekdays_only"] = true
	}
	return out
}

// ExecuteAction performs an approved or pending action. Actions in any other
// status are returned unchanged. Execution errors mark the action failed and
// are recorded in its result rather than returned.
func (c *Core) ExecuteAction(ctx context.Context, id string) (*Action, error) {
	c.mu.Lock()
	if c.inflight[id] {
		c.mu.Unlock()
		return c.actions.Get(ctx, id)
	}
	c.inflight[id] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
	}()

	a, err := c.actions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	log := c.logger.With().Str("action_id", id).Logger()
	if !a.Status.Executable() {
		log.Debug().Str("status", string(a.Status)).Msg("action not executable")
		return a, nil
	}

	from := []ActionStatus{StatusApproved, StatusPendingApproval}
	result, perr := c.behavior.Perform(ctx, a)
	if perr != nil {
		log.Error().Err(perr).Msg("action failed")
		if _, err := c.actions.Transition(ctx, id, from, StatusFailed, map[string]interface{}{"error": perr.Error()}); err != nil {
			return nil, err
		}
		return c.actions.Get(ctx, id)
	}
	if result == nil {
		result = map[string]interface{}{}
	}
	ok, err := c.actions.Transition(ctx, id, from, StatusExecuted, result)
	if err != nil {
		return nil, err
	}
	if ok {
		log.Info().Str("state", "executed").Msg("action executed")
	}
	return c.actions.Get(ctx, id)
}

// ApproveAction approves a pending action and executes it.
func (c *Core) ApproveAction(ctx context.Context, id string) (*Action, error) {
	ok, err := c.actions.Transition(ctx, id, []ActionStatus{StatusPendingApproval}, StatusApproved, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return c.actions.Get(ctx, id)
	}
	c.logger.Info().Str("action_id", id).Msg("action approved")
	return c.ExecuteAction(ctx, id)
}

// RejectAction rejects a pending action and records the rejection as failed
// feedback on its episode.
func (c *Core) RejectAction(ctx context.Context, id, reason string) (*Action, error) {
	result := map[string]interface{}{}
	if reason != "" {
		result["reason"] = reason
	}
	ok, err := c.actions.Transition(ctx, id, []ActionStatus{StatusPendingApproval}, StatusRejected, result)
	if err != nil {
		return nil, err
	}
	a, err := c.actions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return a, nil
	}
	c.logger.Info().Str("action_id", id).Str("reason", reason).Msg("action rejected")

	if c.learning != nil {
		_, err := c.learning.RecordFeedback(ctx, learning.Feedback{
			Type:         learning.FeedbackRejected,
			ActionID:     id,
			UserID:       a.UserID,
			AgentType:    a.AgentType,
			SubscriberID: a.SubscriberID,
			Details:      result,
		})
		if err != nil {
			c.logger.Warn().Err(err).Str("action_id", id).Msg("failed to record rejection feedback")
		}
	}
	return a, nil
}

// RecordOutcome resolves the most recent pending episode for the action's
// subscriber and agent. Learning runs only when the core has an engine.
func (c *Core) RecordOutcome(ctx context.Context, actionID string, outcome episode.Outcome, details map[string]interface{}) (*episode.Episode, error) {
	if !outcome.Terminal() {
		return nil, fmt.Errorf("%w: %q", learning.ErrInvalidOutcome, outcome)
	}
	a, err := c.actions.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	ep, err := c.episodes.MostRecentPending(ctx, a.UserID, a.AgentType, a.SubscriberID)
	if err != nil {
		return nil, err
	}
	var resolved *episode.Episode
	if c.learning != nil {
		resolved, err = c.learning.ResolveEpisode(ctx, ep.ID, outcome, details)
	} else {
		// Without a learning engine the outcome is stored but nothing is learned.
		resolved, err = c.episodes.Resolve(ctx, ep.ID, outcome, details, nil)
	}
	if err != nil {
		if errors.Is(err, episode.ErrAlreadyResolved) {
			c.logger.Debug().Str("episode_id", ep.ID).Msg("episode resolved concurrently")
		}
		return nil, err
	}
	c.logger.Info().
		Str("state", "outcome_resolved").
		Str("action_id", actionID).
		Str("episode_id", resolved.ID).
		Str("outcome", string(outcome)).
		Msg("outcome recorded")
	return resolved, nil
}

// RecordFeedback applies an external signal about an action, such as a
// conversion or a churn, to the action's pending episode. It returns nil, nil
// when no pending episode is left to resolve.
func (c *Core) RecordFeedback(ctx context.Context, actionID string, fb learning.FeedbackType, details map[string]interface{}) (*episode.Episode, error) {
	if !fb.Valid() {
		return nil, fmt.Errorf("unknown feedback type %q", fb)
	}
	a, err := c.actions.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	var resolved *episode.Episode
	if c.learning != nil {
		resolved, err = c.learning.RecordFeedback(ctx, learning.Feedback{
			Type:         fb,
			ActionID:     a.ID,
			UserID:       a.UserID,
			AgentType:    a.AgentType,
			SubscriberID: a.SubscriberID,
			Details:      details,
		})
	} else {
		resolved, err = c.resolveFeedback(ctx, a.ID, fb, details)
	}
	if err != nil || resolved == nil {
		return nil, err
	}
	c.logger.Info().
		Str("state", "outcome_resolved").
		Str("action_id", actionID).
		Str("episode_id", resolved.ID).
		Str("feedback", string(fb)).
		Msg("feedback recorded")
	return resolved, nil
}

func (c *Core) resolveFeedback(ctx context.Context, actionID string, fb learning.FeedbackType, details map[string]interface{}) (*episode.Episode, error) {
	outcome, ok := fb.Outcome()
	if !ok {
		return nil, nil
	}
	ep, err := c.episodes.PendingForAction(ctx, actionID)
	if errors.Is(err, episode.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	merged := map[string]interface{}{"feedback": string(fb)}
	for k, v := range details {
		merged[k] = v
	}
	resolved, err := c.episodes.Resolve(ctx, ep.ID, outcome, merged, nil)
	if errors.Is(err, episode.ErrAlreadyResolved) {
		return nil, nil
	}
	return resolved, err
}
