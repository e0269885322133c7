// Package reasoning turns a situation into a scored decision through a fixed
// six-step pipeline, recording every step for audit.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aschepis/backscratcher/retention/episode"
	"github.com/aschepis/backscratcher/retention/llm"
	"github.com/aschepis/backscratcher/retention/memory"
	"github.com/rs/zerolog"
)

// MemoryReader is the subset of memory.Store the pipeline reads.
type MemoryReader interface {
	GetSubscriberMemories(ctx context.Context, userID, subscriberID string, limit int) ([]*memory.Memory, error)
	FindSimilarMemories(ctx context.Context, q memory.SimilarQuery) ([]memory.Match, error)
}

// EpisodeReader is the subset of episode.Store the pipeline reads.
type EpisodeReader interface {
	FindSimilar(ctx context.Context, userID, agentType, text string, limit int, threshold float64) ([]episode.Match, error)
}

// Engine runs the reasoning pipeline. It is safe for concurrent use; every
// call to Reason gets its own scratchpad.
type Engine struct {
	memories MemoryReader
	episodes EpisodeReader
	client   llm.Client
	cfg      Config
	logger   zerolog.Logger
}

// NewEngine wires the pipeline. client may be nil, in which case every
// generative step takes its fallback.
func NewEngine(memories MemoryReader, episodes EpisodeReader, client llm.Client, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		memories: memories,
		episodes: episodes,
		client:   client,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "reasoning").Logger(),
	}
}

// Reason runs all six steps. It never fails: any unrecoverable error yields
// the fallback decision with whatever steps were recorded.
func (e *Engine) Reason(ctx context.Context, in Input) (res *Result) {
	r := &run{
		engine:  e,
		in:      in,
		scratch: memory.NewShortTerm(),
		logger: e.logger.With().
			Str("user_id", in.UserID).
			Str("agent_type", in.AgentType).
			Str("subscriber_id", in.Situation.Subscriber.ID).
			Str("trigger", in.Situation.Trigger).
			Logger(),
	}

	defer func() {
		if p := recover(); p != nil {
			res = r.fallback(fmt.Errorf("panic during reasoning: %v", p))
		}
	}()

	out, err := r.execute(ctx)
	if err != nil {
		return r.fallback(err)
	}
	return out
}

type run struct {
	engine  *Engine
	in      Input
	scratch *memory.ShortTerm
	steps   []Step
	logger  zerolog.Logger
}

const (
	keyDescription = "description"
	keyMemories    = "memories"
	keyEpisodes    = "episodes"
	keyOptions     = "options"
	keyRanked      = "ranked"
)

func (r *run) execute(ctx context.Context) (*Result, error) {
	stages := []struct {
		typ StepType
		fn  func(context.Context) (string, map[string]interface{}, *float64, error)
	}{
		{StepContextGathering, r.gatherContext},
		{StepMemoryRetrieval, r.retrieveMemories},
		{StepEpisodeRetrieval, r.retrieveEpisodes},
		{StepOptionGeneration, r.generateOptions},
		{StepOptionEvaluation, r.evaluateOptions},
		{StepDecision, r.decide},
	}

	for i, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("reasoning aborted before %s: %w", stage.typ, err)
		}
		start := time.Now()
		thought, data, confidence, err := stage.fn(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", stage.typ, err)
		}
		r.record(i+1, stage.typ, thought, data, confidence, start)
	}

	ranked, _ := r.get(keyRanked).([]EvaluatedOption)
	if len(ranked) == 0 {
		return nil, errors.New("no ranked options after decision")
	}
	res := &Result{
		Decision:   ranked[0].Option,
		Confidence: ranked[0].Score,
		Steps:      r.steps,
		Ranked:     ranked,
	}
	if len(ranked) > 1 && ranked[0].Score-ranked[1].Score < NearTieGap {
		res.NearTie = true
	}

	r.logger.Info().
		Str("action", res.Decision.Action).
		Str("strategy", res.Decision.Strategy).
		Float64("confidence", res.Confidence).
		Bool("near_tie", res.NearTie).
		Msg("reasoning complete")
	return res, nil
}

func (r *run) record(n int, typ StepType, thought string, data map[string]interface{}, confidence *float64, start time.Time) {
	r.steps = append(r.steps, Step{
		StepNumber:      n,
		StepType:        typ,
		Thought:         thought,
		Data:            data,
		ConfidenceScore: confidence,
		DurationMs:      time.Since(start).Milliseconds(),
	})
}

// fallback returns the default decision, keeping collected steps and
// recording err in a final decision step.
func (r *run) fallback(err error) *Result {
	r.logger.Error().Err(err).Int("steps", len(r.steps)).Msg("reasoning failed, using fallback decision")

	confidence := FallbackConfidence
	data := map[string]interface{}{
		"error":    err.Error(),
		"fallback": true,
	}
	if n := len(r.steps); n > 0 && r.steps[n-1].StepType == StepDecision {
		last := &r.steps[n-1]
		if last.Data == nil {
			last.Data = map[string]interface{}{}
		}
		for k, v := range data {
			last.Data[k] = v
		}
	} else {
		r.steps = append(r.steps, Step{
			StepNumber:      6,
			StepType:        StepDecision,
			Thought:         "Pipeline failed; falling back to the default action.",
			Data:            data,
			ConfidenceScore: &confidence,
		})
	}

	decision := FallbackOption()
	return &Result{
		Decision:   decision,
		Confidence: FallbackConfidence,
		Steps:      r.steps,
		Ranked:     []EvaluatedOption{{Option: decision, Score: FallbackConfidence}},
		Fallback:   true,
	}
}

func (r *run) get(key string) interface{} {
	v, _ := r.scratch.Get(key)
	return v
}

func (r *run) ask(ctx context.Context, system, user string) (string, error) {
	cfg := r.engine.cfg
	return llm.Ask(ctx, r.engine.client, llm.Prompt{
		System:      system,
		User:        user,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     cfg.Timeout,
	})
}
