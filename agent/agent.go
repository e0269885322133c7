// Package agent runs one retention agent: it turns subscriber events into
// reasoned, gated and audited actions, and feeds outcomes back to learning.
package agent

import (
	"errors"
	"time"

	"github.com/aschepis/backscratcher/retention/approval"
	"github.com/aschepis/backscratcher/retention/config"
	"github.com/aschepis/backscratcher/retention/reasoning"
)

var (
	// ErrActionNotFound is returned when an action id does not exist.
	ErrActionNotFound = errors.New("action not found")
	// ErrSubscriberNotFound is returned when an event names an unknown subscriber.
	ErrSubscriberNotFound = errors.New("subscriber not found")
)

// Event is a subscriber lifecycle event from billing, analytics or a sweep.
type Event struct {
	Type         string                 `json:"type"`
	UserID       string                 `json:"user_id,omitempty"`
	SubscriberID string                 `json:"subscriber_id"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// ActionStatus is the lifecycle state of an Action.
type ActionStatus string

const (
	StatusPendingApproval ActionStatus = "pending_approval"
	StatusApproved        ActionStatus = "approved"
	StatusExecuted        ActionStatus = "executed"
	StatusFailed          ActionStatus = "failed"
	StatusRejected        ActionStatus = "rejected"
)

// Executable reports whether an action in status s may still be performed.
func (s ActionStatus) Executable() bool {
	return s == StatusApproved || s == StatusPendingApproval
}

// Action is a persisted decision and its execution record.
type Action struct {
	ID               string                 `json:"id"`
	UserID           string                 `json:"user_id"`
	AgentType        string                 `json:"agent_type"`
	SubscriberID     string                 `json:"subscriber_id"`
	ActionType       string                 `json:"action_type"`
	Strategy         string                 `json:"strategy"`
	Description      string                 `json:"description"`
	Details          map[string]interface{} `json:"details,omitempty"`
	Status           ActionStatus           `json:"status"`
	RequiresApproval bool                   `json:"requires_approval"`
	Confidence       float64                `json:"confidence"`
	Result           map[string]interface{} `json:"result,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	ExecutedAt       *time.Time             `json:"executed_at,omitempty"`
}

// HandleResult is what HandleEvent produced for an accepted event.
type HandleResult struct {
	Action           *Action           `json:"action"`
	EpisodeID        string            `json:"episode_id"`
	RequiresApproval bool              `json:"requires_approval"`
	ApprovalReason   string            `json:"approval_reason"`
	Reasoning        *reasoning.Result `json:"-"`
}

// Settings is the effective configuration of an agent after Initialize.
type Settings struct {
	Active           bool
	Triggers         []string
	ConfidenceLevel  approval.Level
	Limits           config.LimitsConfig
	StrategyTemplate string
	Brand            config.BrandConfig
}

// settingsFromConfig is the fallback used when no agent_configs row exists.
func settingsFromConfig(cfg config.AgentConfig, brand config.BrandConfig) Settings {
	level := cfg.ConfidenceLevel
	if level == "" {
		level = config.DefaultConfidenceLevel
	}
	return Settings{
		Active:           !cfg.Disabled,
		Triggers:         append([]string(nil), cfg.Triggers...),
		ConfidenceLevel:  approval.Level(level),
		Limits:           cfg.Limits,
		StrategyTemplate: cfg.StrategyTemplate,
		Brand:            brand,
	}
}

// BrandVoice renders the brand settings for prompts.
func (s Settings) BrandVoice() string {
	b := s.Brand
	out := ""
	add := func(label, v string) {
		if v == "" {
			return
		}
		if out != "" {
			out += "\n"
		}
		out += label + ": " + v
	}
	add("Company", b.CompanyName)
	add("Voice", b.Voice)
	add("Tone", b.Tone)
	add("Sign-off", b.SignOff)
	return out
}
