package episode

import (
	"errors"
	"time"
)

// Outcome is the result of the action taken in an episode.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
	OutcomeIgnored Outcome = "ignored"
)

// Terminal reports whether o is a valid resolved outcome.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial, OutcomeIgnored:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when an episode id does not exist.
	ErrNotFound = errors.New("episode not found")
	// ErrAlreadyResolved is returned when resolving an episode that is no longer pending.
	ErrAlreadyResolved = errors.New("episode already resolved")
)

// Lesson is an insight extracted from a resolved episode.
type Lesson struct {
	Insight        string                 `json:"insight"`
	Confidence     float64                `json:"confidence"`
	ApplicableTo   map[string]interface{} `json:"applicable_to,omitempty"`
	Recommendation string                 `json:"recommendation,omitempty"`
}

// ActionTaken is what the agent decided to do.
type ActionTaken struct {
	Type     string                 `json:"type"`
	Strategy string                 `json:"strategy"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Key identifies the action for pattern tracking, e.g. "email_friendly".
func (a ActionTaken) Key() string {
	return a.Type + "_" + a.Strategy
}

// Episode is a recorded situation, action and outcome.
type Episode struct {
	ID                 string                 `json:"id"`
	UserID             string                 `json:"user_id"`
	AgentType          string                 `json:"agent_type"`
	SubscriberID       *string                `json:"subscriber_id,omitempty"`
	ActionID           string                 `json:"action_id,omitempty"`
	Situation          Situation              `json:"situation"`
	ActionTaken        ActionTaken            `json:"action_taken"`
	Outcome            Outcome                `json:"outcome"`
	OutcomeDetails     map[string]interface{} `json:"outcome_details,omitempty"`
	LessonsLearned     []Lesson               `json:"lessons_learned,omitempty"`
	SituationEmbedding []float32              `json:"-"`
	CreatedAt          time.Time              `json:"created_at"`
	ResolvedAt         *time.Time             `json:"resolved_at,omitempty"`
}

// NewEpisode holds the fields needed to open an episode.
type NewEpisode struct {
	UserID       string
	AgentType    string
	SubscriberID *string
	ActionID     string
	Situation    Situation
	Action       ActionTaken
}

// Match is an episode plus its similarity to a query.
type Match struct {
	Episode    *Episode
	Similarity float64
}

// Counts summarizes episodes by outcome.
type Counts struct {
	Total   int
	Pending int
	Success int
	Failure int
	Partial int
	Ignored int
}

// Resolved is the number of episodes with a terminal outcome.
func (c Counts) Resolved() int { return c.Total - c.Pending }

// SuccessRate is successes over resolved episodes, or 0 when none are resolved.
func (c Counts) SuccessRate() float64 {
	if c.Resolved() == 0 {
		return 0
	}
	return float64(c.Success) / float64(c.Resolved())
}
