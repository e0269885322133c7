package learning

import (
	"context"
	"errors"

	"github.com/aschepis/backscratcher/retention/episode"
)

// FeedbackType is an external signal about an action.
type FeedbackType string

const (
	FeedbackApproved  FeedbackType = "approved"
	FeedbackRejected  FeedbackType = "rejected"
	FeedbackConverted FeedbackType = "converted"
	FeedbackRecovered FeedbackType = "recovered"
	FeedbackChurned   FeedbackType = "churned"
)

// Valid reports whether f is a known feedback type.
func (f FeedbackType) Valid() bool {
	switch f {
	case FeedbackApproved, FeedbackRejected, FeedbackConverted, FeedbackRecovered, FeedbackChurned:
		return true
	}
	return false
}

// Outcome maps feedback to an episode outcome. ok is false for feedback that
// leaves episodes untouched.
func (f FeedbackType) Outcome() (episode.Outcome, bool) {
	switch f {
	case FeedbackApproved, FeedbackConverted, FeedbackRecovered:
		return episode.OutcomeSuccess, true
	case FeedbackRejected, FeedbackChurned:
		return episode.OutcomeFailure, true
	}
	return "", false
}

// Feedback links a signal to an action, or to a subscriber when the action
// is unknown.
type Feedback struct {
	Type         FeedbackType
	ActionID     string
	UserID       string
	AgentType    string
	SubscriberID string
	Details      map[string]interface{}
}

// RecordFeedback resolves the pending episode linked to the feedback. It
// returns nil, nil when the feedback does not map to an outcome or no
// pending episode exists.
func (e *Engine) RecordFeedback(ctx context.Context, fb Feedback) (*episode.Episode, error) {
	log := e.logger.With().Str("feedback", string(fb.Type)).Str("action_id", fb.ActionID).Logger()

	outcome, ok := fb.Type.Outcome()
	if !ok {
		log.Debug().Msg("feedback does not map to an outcome")
		return nil, nil
	}

	ep, err := e.pendingFor(ctx, fb)
	if errors.Is(err, episode.ErrNotFound) {
		log.Debug().Msg("no pending episode for feedback")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	details := map[string]interface{}{"feedback": string(fb.Type)}
	for k, v := range fb.Details {
		details[k] = v
	}
	resolved, err := e.ResolveEpisode(ctx, ep.ID, outcome, details)
	if errors.Is(err, episode.ErrAlreadyResolved) {
		// Another resolver won the race.
		return nil, nil
	}
	return resolved, err
}

func (e *Engine) pendingFor(ctx context.Context, fb Feedback) (*episode.Episode, error) {
	if fb.ActionID != "" {
		ep, err := e.episodes.PendingForAction(ctx, fb.ActionID)
		if err == nil || !errors.Is(err, episode.ErrNotFound) || fb.SubscriberID == "" {
			return ep, err
		}
	}
	if fb.SubscriberID == "" {
		return nil, episode.ErrNotFound
	}
	return e.episodes.MostRecentPending(ctx, fb.UserID, fb.AgentType, fb.SubscriberID)
}
