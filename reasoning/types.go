package reasoning

import (
	"time"

	"github.com/aschepis/backscratcher/retention/episode"
)

// StepType names a stage of the pipeline.
type StepType string

const (
	StepContextGathering StepType = "context_gathering"
	StepMemoryRetrieval  StepType = "memory_retrieval"
	StepEpisodeRetrieval StepType = "episode_retrieval"
	StepOptionGeneration StepType = "option_generation"
	StepOptionEvaluation StepType = "option_evaluation"
	StepDecision         StepType = "decision"
)

// Step is one audited stage of a reasoning run.
type Step struct {
	StepNumber      int                    `json:"step_number"`
	StepType        StepType               `json:"step_type"`
	Thought         string                 `json:"thought"`
	Data            map[string]interface{} `json:"data,omitempty"`
	ConfidenceScore *float64               `json:"confidence_score,omitempty"`
	DurationMs      int64                  `json:"duration_ms"`
}

// Option is a candidate action.
type Option struct {
	Action    string                 `json:"action"`
	Strategy  string                 `json:"strategy"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Reasoning string                 `json:"reasoning,omitempty"`
}

// EvaluatedOption is an Option with its score in [0,1].
type EvaluatedOption struct {
	Option
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

// Input is everything one reasoning run needs.
type Input struct {
	Situation        episode.Situation
	UserID           string
	AgentType        string
	StrategyTemplate string
	RateLimits       map[string]interface{}
	BrandVoice       string
}

// Result is the outcome of a reasoning run. Decision is never empty.
type Result struct {
	Decision   Option
	Confidence float64
	Steps      []Step
	// NearTie is set when the runner-up scored within NearTieGap of the winner.
	NearTie bool
	// Ranked holds every evaluated option, best first.
	Ranked []EvaluatedOption
	// Fallback is set when the decision came from the pipeline-level fallback.
	Fallback bool
}

const (
	// FallbackAction and FallbackStrategy form the default decision.
	FallbackAction   = "email"
	FallbackStrategy = "friendly"
	// FallbackConfidence is the confidence of any decision that did not come
	// from a scored generated option.
	FallbackConfidence = 0.3
	// NearTieGap is the score gap below which the top two options are annotated.
	NearTieGap = 0.1

	subscriberMemoryLimit  = 20
	similarMemoryLimit     = 10
	similarMemoryThreshold = 0.6
	similarEpisodeLimit    = 15
	episodeThreshold       = 0.5
	lessonConfidenceFloor  = 0.6
	minOptions             = 2
	maxOptions             = 4
)

// Config tunes the generative calls.
type Config struct {
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int64
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	return c
}

// FallbackOption is the default decision.
func FallbackOption() Option {
	return Option{
		Action:    FallbackAction,
		Strategy:  FallbackStrategy,
		Details:   map[string]interface{}{},
		Reasoning: "default action used because no generated option was available",
	}
}
