package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/aschepis/backscratcher/retention/agent"
	"github.com/aschepis/backscratcher/retention/episode"
	"github.com/aschepis/backscratcher/retention/learning"
	"github.com/aschepis/backscratcher/retention/memory"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// Operator commands accepted on the input stream alongside events.
const (
	opEvent    = "event"
	opApprove  = "approve"
	opReject   = "reject"
	opOutcome  = "outcome"
	opFeedback = "feedback"
)

// defaultMaxInFlight bounds how many input lines are processed at once.
const defaultMaxInFlight = 64

// command is an operator instruction about an existing action.
type command struct {
	Op        string                 `json:"op"`
	UserID    string                 `json:"user_id"`
	AgentType string                 `json:"agent_type"`
	ActionID  string                 `json:"action_id"`
	Reason    string                 `json:"reason,omitempty"`
	Outcome   string                 `json:"outcome,omitempty"`
	Feedback  string                 `json:"feedback,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// handler is the part of agent.Core the dispatcher uses.
type handler interface {
	Type() string
	UserID() string
	HandleEvent(ctx context.Context, e agent.Event) (*agent.HandleResult, error)
	ApproveAction(ctx context.Context, id string) (*agent.Action, error)
	RejectAction(ctx context.Context, id, reason string) (*agent.Action, error)
	RecordOutcome(ctx context.Context, actionID string, outcome episode.Outcome, details map[string]interface{}) (*episode.Episode, error)
	RecordFeedback(ctx context.Context, actionID string, fb learning.FeedbackType, details map[string]interface{}) (*episode.Episode, error)
}

// dispatcher fans JSON lines out to agents, one goroutine per line with at
// most maxInFlight lines in progress.
type dispatcher struct {
	handlers []handler
	// recent remembers events seen lately so repeats can be flagged in logs.
	recent      *memory.ShortTerm
	maxInFlight int
	logger      zerolog.Logger
}

func newDispatcher(handlers []handler, recent *memory.ShortTerm, maxInFlight int, logger zerolog.Logger) *dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	return &dispatcher{
		handlers:    handlers,
		recent:      recent,
		maxInFlight: maxInFlight,
		logger:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Run reads lines from r until EOF or ctx is done, then waits for in-flight
// work. Reading pauses while maxInFlight lines are being handled.
func (d *dispatcher) Run(ctx context.Context, r io.Reader) error {
	var g errgroup.Group
	g.SetLimit(d.maxInFlight)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		lines++
		g.Go(func() error {
			d.handleLine(ctx, line)
			return nil
		})
	}
	_ = g.Wait()
	d.logger.Info().Int("lines", lines).Msg("Input drained")
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func (d *dispatcher) handleLine(ctx context.Context, line []byte) {
	if !gjson.ValidBytes(line) {
		d.logger.Warn().Bytes("line", line).Msg("Skipping invalid JSON line")
		return
	}
	op := gjson.GetBytes(line, "op").String()
	if op == "" || op == opEvent {
		var e agent.Event
		if err := json.Unmarshal(line, &e); err != nil {
			d.logger.Warn().Err(err).Msg("Skipping malformed event")
			return
		}
		d.dispatchEvent(ctx, e)
		return
	}

	var cmd command
	if err := json.Unmarshal(line, &cmd); err != nil {
		d.logger.Warn().Err(err).Msg("Skipping malformed command")
		return
	}
	if err := d.runCommand(ctx, cmd); err != nil {
		d.logger.Error().Err(err).Str("op", cmd.Op).Str("action_id", cmd.ActionID).Msg("Command failed")
	}
}

func (d *dispatcher) dispatchEvent(ctx context.Context, e agent.Event) {
	if e.Type == "" || e.SubscriberID == "" {
		d.logger.Warn().Str("type", e.Type).Msg("Skipping event without type or subscriber")
		return
	}
	key := e.UserID + ":" + e.Type + ":" + e.SubscriberID
	if _, seen := d.recent.Get(key); seen {
		d.logger.Info().Str("event", e.Type).Str("subscriber_id", e.SubscriberID).Msg("Repeat event for subscriber")
	}
	d.recent.Set(key, e.Type)

	var wg sync.WaitGroup
	for _, h := range d.handlers {
		if e.UserID != "" && h.UserID() != e.UserID {
			continue
		}
		wg.Add(1)
		go func(h handler) {
			defer wg.Done()
			res, err := h.HandleEvent(ctx, e)
			log := d.logger.With().Str("agent_type", h.Type()).Str("event", e.Type).Str("subscriber_id", e.SubscriberID).Logger()
			switch {
			case err != nil:
				log.Error().Err(err).Msg("Event failed")
			case res != nil:
				log.Info().
					Str("action_id", res.Action.ID).
					Str("status", string(res.Action.Status)).
					Str("episode_id", res.EpisodeID).
					Msg("Event handled")
			}
		}(h)
	}
	wg.Wait()
}

func (d *dispatcher) runCommand(ctx context.Context, cmd command) error {
	h := d.find(cmd.UserID, cmd.AgentType)
	if h == nil {
		return fmt.Errorf("no agent %q for user %q", cmd.AgentType, cmd.UserID)
	}
	switch cmd.Op {
	case opApprove:
		a, err := h.ApproveAction(ctx, cmd.ActionID)
		if err != nil {
			return err
		}
		d.logger.Info().Str("action_id", a.ID).Str("status", string(a.Status)).Msg("Action approved")
	case opReject:
		a, err := h.RejectAction(ctx, cmd.ActionID, cmd.Reason)
		if err != nil {
			return err
		}
		d.logger.Info().Str("action_id", a.ID).Str("status", string(a.Status)).Msg("Action rejected")
	case opOutcome:
		ep, err := h.RecordOutcome(ctx, cmd.ActionID, episode.Outcome(cmd.Outcome), cmd.Details)
		if err != nil {
			return err
		}
		d.logger.Info().Str("episode_id", ep.ID).Str("outcome", string(ep.Outcome)).Msg("Outcome recorded")
	case opFeedback:
		ep, err := h.RecordFeedback(ctx, cmd.ActionID, learning.FeedbackType(cmd.Feedback), cmd.Details)
		if err != nil {
			return err
		}
		if ep == nil {
			d.logger.Info().Str("action_id", cmd.ActionID).Str("feedback", cmd.Feedback).Msg("Feedback had no pending episode")
			return nil
		}
		d.logger.Info().Str("episode_id", ep.ID).Str("outcome", string(ep.Outcome)).Str("feedback", cmd.Feedback).Msg("Feedback recorded")
	default:
		return fmt.Errorf("unknown op %q", cmd.Op)
	}
	return nil
}

func (d *dispatcher) find(userID, agentType string) handler {
	for _, h := range d.handlers {
		if h.Type() == agentType && (userID == "" || h.UserID() == userID) {
			return h
		}
	}
	return nil
}
